package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"egress-pool/pkg/models"
)

const (
	smartproxyAPI  = "https://api.smartproxy.com/v1/endpoints"
	smartproxyPort = 10000
)

// SmartproxyProvider reads the full endpoint list and filters it locally,
// the endpoints API has no query parameters.
type SmartproxyProvider struct {
	logger *slog.Logger
}

func newSmartproxyProvider(logger *slog.Logger) *SmartproxyProvider {
	return &SmartproxyProvider{logger: logger}
}

func (p *SmartproxyProvider) GetProviderName() string {
	return string(models.ProviderSmartproxy)
}

func (p *SmartproxyProvider) Fetch(ctx context.Context, cfg *models.ProviderConfig, filter Filter, count int) ([]models.Candidate, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("smartproxy API key is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = smartproxyAPI
	}

	doc, err := requestJSON(ctx, http.MethodGet, endpoint, bearer(cfg.APIKey), nil)
	if err != nil {
		return nil, err
	}

	defPort := cfg.IntOption(models.OptPort, smartproxyPort)
	var out []models.Candidate
	for _, item := range itemsAt(doc, "", "endpoints", "data") {
		country := strings.ToUpper(stringAt(item, "country_code"))
		typ := resourceTypeOr(stringAt(item, "proxy_type"), models.DatacenterType)
		if filter.Country != "" && !strings.EqualFold(country, filter.Country) {
			continue
		}
		if filter.Type != "" && typ != filter.Type {
			continue
		}
		ip := stringAt(item, "ip")
		port, ok := portAt(item, "port", defPort)
		if !validIP(ip) || !ok {
			p.logger.Debug("Skipping malformed entry", "provider", cfg.Name, "ip", ip)
			continue
		}
		host := stringAt(item, "host")
		if host == "" {
			host = ip
		}
		out = append(out, models.Candidate{
			Address:     ip,
			Endpoint:    models.HostPort(host, port),
			Scheme:      cfg.Option(models.OptScheme, "http"),
			Username:    cfg.Username,
			Password:    cfg.Password,
			CountryCode: country,
			Region:      stringAt(item, "region"),
			Type:        typ,
		})
		if len(out) == count {
			break
		}
	}
	return out, nil
}
