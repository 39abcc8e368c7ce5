package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"egress-pool/pkg/models"
)

// CustomProvider talks to any JSON API that returns a list of IPs. Request
// parameters and response field paths come from the ProviderConfig options.
type CustomProvider struct {
	logger *slog.Logger
}

func newCustomProvider(logger *slog.Logger) *CustomProvider {
	return &CustomProvider{logger: logger}
}

func (p *CustomProvider) GetProviderName() string {
	return string(models.ProviderCustom)
}

func (p *CustomProvider) Fetch(ctx context.Context, cfg *models.ProviderConfig, filter Filter, count int) ([]models.Candidate, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("custom provider endpoint is required")
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set(cfg.Option(models.OptLimitParam, "limit"), strconv.Itoa(count))
	if filter.Country != "" {
		q.Set(cfg.Option(models.OptCountryParam, "country"), filter.Country)
	}
	if filter.Type != "" {
		q.Set(cfg.Option(models.OptTypeParam, "type"), string(filter.Type))
	}
	u.RawQuery = q.Encode()

	var headers []string
	if h := cfg.Option(models.OptAuthHeader, ""); h != "" {
		headers = append(headers, h+": "+cfg.Option(models.OptAuthValue, cfg.APIKey))
	} else {
		headers = bearer(cfg.APIKey)
	}

	doc, err := requestJSON(ctx, http.MethodGet, u.String(), headers, nil)
	if err != nil {
		return nil, err
	}

	var (
		ipField      = cfg.Option(models.OptIPField, "ip")
		portField    = cfg.Option(models.OptPortField, "port")
		countryField = cfg.Option(models.OptCountryField, "country")
		regionField  = cfg.Option(models.OptRegionField, "region")
		typeField    = cfg.Option(models.OptTypeField, "type")
		defPort      = cfg.IntOption(models.OptPort, 0)
	)
	var out []models.Candidate
	for _, item := range itemsAt(doc, cfg.Option(models.OptItemPath, ""), "data", "items", "proxies") {
		ip := stringAt(item, ipField)
		port, ok := portAt(item, portField, defPort)
		// Without a port field or default the resource is addressed by IP.
		hasPort := stringAt(item, portField) != "" || defPort != 0
		if !validIP(ip) || (hasPort && !ok) {
			p.logger.Debug("Skipping malformed entry", "provider", cfg.Name, "ip", ip)
			continue
		}
		c := models.Candidate{
			Address:     ip,
			Scheme:      cfg.Option(models.OptScheme, "http"),
			Username:    cfg.Username,
			Password:    cfg.Password,
			CountryCode: strings.ToUpper(stringAt(item, countryField)),
			Region:      stringAt(item, regionField),
			Type:        resourceTypeOr(stringAt(item, typeField), filter.Type),
		}
		if hasPort {
			c.Endpoint = models.HostPort(ip, port)
		}
		out = append(out, c)
		if len(out) == count {
			break
		}
	}
	return out, nil
}
