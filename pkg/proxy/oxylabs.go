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
	oxylabsAPI  = "https://api.oxylabs.io/v1/proxies"
	oxylabsPort = 7777
)

type OxylabsProvider struct {
	logger *slog.Logger
}

func newOxylabsProvider(logger *slog.Logger) *OxylabsProvider {
	return &OxylabsProvider{logger: logger}
}

func (p *OxylabsProvider) GetProviderName() string {
	return string(models.ProviderOxylabs)
}

type oxylabsRequest struct {
	Count   int    `json:"count"`
	Country string `json:"country,omitempty"`
	Type    string `json:"type,omitempty"`
}

func (p *OxylabsProvider) Fetch(ctx context.Context, cfg *models.ProviderConfig, filter Filter, count int) ([]models.Candidate, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("oxylabs API key is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = oxylabsAPI
	}

	doc, err := requestJSON(ctx, http.MethodPost, endpoint, bearer(cfg.APIKey), oxylabsRequest{
		Count:   count,
		Country: strings.ToUpper(filter.Country),
		Type:    string(filter.Type),
	})
	if err != nil {
		return nil, err
	}

	defPort := cfg.IntOption(models.OptPort, oxylabsPort)
	var out []models.Candidate
	for _, item := range itemsAt(doc, "", "proxies", "data") {
		ip := stringAt(item, "ip")
		port, ok := portAt(item, "port", defPort)
		if !validIP(ip) || !ok {
			p.logger.Debug("Skipping malformed entry", "provider", cfg.Name, "ip", ip)
			continue
		}
		out = append(out, models.Candidate{
			Address:     ip,
			Endpoint:    models.HostPort(ip, port),
			Scheme:      cfg.Option(models.OptScheme, "http"),
			Username:    cfg.Username,
			Password:    cfg.Password,
			CountryCode: strings.ToUpper(stringAt(item, "country")),
			Region:      stringAt(item, "region"),
			Type:        resourceTypeOr(stringAt(item, "type"), filter.Type),
		})
		if len(out) == count {
			break
		}
	}
	return out, nil
}
