package models

import (
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/uptrace/bun"
)

type IPResource struct {
	bun.BaseModel `bun:"table:ip_resources,alias:r"`

	ID                 string       `bun:",pk" json:"id"`
	Address            string       `bun:",unique,notnull" json:"address"`
	Endpoint           string       `json:"endpoint,omitempty"`
	Scheme             string       `json:"scheme,omitempty"`
	Username           string       `json:"username,omitempty"`
	Password           string       `json:"-"`
	Type               ResourceType `bun:",notnull" json:"type"`
	CountryCode        string       `json:"country_code,omitempty"`
	Region             string       `json:"region,omitempty"`
	Provider           string       `json:"provider,omitempty"`
	Status             Status       `bun:",notnull" json:"status"`
	StatusReason       string       `json:"status_reason,omitempty"`
	MaxConcurrentUsers int          `bun:",notnull" json:"max_concurrent_users"`
	CurrentUserCount   int          `bun:",notnull" json:"current_user_count"`
	FailureCount       int          `bun:",notnull" json:"failure_count"`
	BanCount           int          `bun:",notnull" json:"ban_count"`
	LastUsedAt         time.Time    `bun:",nullzero" json:"last_used_at,omitempty"`
	LastRotatedAt      time.Time    `bun:",nullzero" json:"last_rotated_at,omitempty"`
	CreatedAt          time.Time    `bun:",nullzero,notnull" json:"created_at"`
	UpdatedAt          time.Time    `bun:",nullzero,notnull" json:"updated_at"`

	AssignedConsumers []string `bun:"-" json:"assigned_consumers"`
}

// ProxyURL composes the URL consumers dial, with credentials when present.
// Resources without an endpoint are addressed by their IP.
func (r *IPResource) ProxyURL() string {
	scheme := r.Scheme
	if scheme == "" {
		scheme = "http"
	}
	host := r.Endpoint
	if host == "" {
		host = r.Address
	}
	u := &url.URL{Scheme: scheme, Host: host}
	if r.Username != "" {
		if r.Password != "" {
			u.User = url.UserPassword(r.Username, r.Password)
		} else {
			u.User = url.User(r.Username)
		}
	}
	return u.String()
}

// Assignment is one consumer's lease on a resource. The number of rows per
// resource always equals its CurrentUserCount.
type Assignment struct {
	bun.BaseModel `bun:"table:resource_assignments,alias:ra"`

	ResourceID string    `bun:",pk" json:"resource_id"`
	ConsumerID string    `bun:",pk" json:"consumer_id"`
	AssignedAt time.Time `bun:",notnull" json:"assigned_at"`
}

type FailureRecord struct {
	bun.BaseModel `bun:"table:resource_failures,alias:rf"`

	ID         string    `bun:",pk" json:"id"`
	ResourceID string    `bun:",notnull" json:"resource_id"`
	Kind       string    `bun:",notnull" json:"kind"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `bun:",notnull" json:"occurred_at"`
}

// Candidate is a resource descriptor returned by a provider before it is
// registered in the pool.
type Candidate struct {
	Address     string       `json:"address"`
	Endpoint    string       `json:"endpoint,omitempty"`
	Scheme      string       `json:"scheme,omitempty"`
	Username    string       `json:"username,omitempty"`
	Password    string       `json:"password,omitempty"`
	CountryCode string       `json:"country_code,omitempty"`
	Region      string       `json:"region,omitempty"`
	Type        ResourceType `json:"type"`
	Provider    string       `json:"provider"`
	MaxUsers    int          `json:"max_users,omitempty"`
}

// HostPort joins a host and a numeric port, returning "" for an invalid port.
func HostPort(host string, port int) string {
	if host == "" || port <= 0 || port > 65535 {
		return ""
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
