package models

import (
	"strconv"
	"strings"
	"time"

	"github.com/uptrace/bun"
)

type ProviderType string

const (
	ProviderBrightData ProviderType = "brightdata"
	ProviderLuminati   ProviderType = "luminati"
	ProviderOxylabs    ProviderType = "oxylabs"
	ProviderSmartproxy ProviderType = "smartproxy"
	ProviderSOAX       ProviderType = "soax"
	ProviderProxyRack  ProviderType = "proxyrack"
	ProviderStatic     ProviderType = "static"
	ProviderCustom     ProviderType = "custom"
)

// Recognized ProviderConfig option keys.
const (
	OptZone          = "zone"
	OptPort          = "port"
	OptMaxUsersPerIP = "max_users_per_ip"
	OptScheme        = "scheme"

	OptAuthHeader   = "auth_header"
	OptAuthValue    = "auth_value"
	OptCountryParam = "country_param"
	OptTypeParam    = "type_param"
	OptLimitParam   = "limit_param"
	OptItemPath     = "item_path"
	OptIPField      = "ip_field"
	OptPortField    = "port_field"
	OptCountryField = "country_field"
	OptRegionField  = "region_field"
	OptTypeField    = "type_field"

	OptPackageID     = "package_id"
	OptPackageKey    = "package_key"
	OptSessionLength = "session_length"
	OptCheckerURL    = "checker_url"

	OptAddresses = "addresses"
	OptCountry   = "country"
	OptType      = "type"
)

type ProviderConfig struct {
	bun.BaseModel `bun:"table:provider_configs,alias:pc"`

	ID          string            `bun:",pk" json:"id"`
	Name        string            `bun:",unique,notnull" json:"name"`
	Type        ProviderType      `bun:",notnull" json:"type"`
	APIKey      string            `json:"-"`
	Username    string            `json:"username,omitempty"`
	Password    string            `json:"-"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Options     map[string]string `json:"options,omitempty"`
	Active      bool              `bun:",notnull" json:"active"`
	FetchCount  int64             `bun:",notnull" json:"fetch_count"`
	ErrorCount  int64             `bun:",notnull" json:"error_count"`
	SuccessRate float64           `bun:",notnull" json:"success_rate"`
	LastFetchAt time.Time         `bun:",nullzero" json:"last_fetch_at,omitempty"`
	CreatedAt   time.Time         `bun:",nullzero,notnull" json:"created_at"`
	UpdatedAt   time.Time         `bun:",nullzero,notnull" json:"updated_at"`
}

// Option returns the option value or def when unset.
func (p *ProviderConfig) Option(key, def string) string {
	if v := strings.TrimSpace(p.Options[key]); v != "" {
		return v
	}
	return def
}

// IntOption returns the option parsed as an int, or def when unset or invalid.
func (p *ProviderConfig) IntOption(key string, def int) int {
	v, err := strconv.Atoi(p.Option(key, ""))
	if err != nil {
		return def
	}
	return v
}
