package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"egress-pool/pkg/models"
)

const (
	brightDataAPI  = "https://api.brightdata.com/zone/route_ips"
	brightDataPort = 22225
)

// BrightDataProvider lists the IPs routed to a zone. Bright Data was formerly
// Luminati; both provider types use this adapter.
type BrightDataProvider struct {
	logger *slog.Logger
}

func newBrightDataProvider(logger *slog.Logger) *BrightDataProvider {
	return &BrightDataProvider{logger: logger}
}

func (p *BrightDataProvider) GetProviderName() string {
	return string(models.ProviderBrightData)
}

func (p *BrightDataProvider) Fetch(ctx context.Context, cfg *models.ProviderConfig, filter Filter, count int) ([]models.Candidate, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("bright data API key is required")
	}
	zone := cfg.Option(models.OptZone, "")
	if zone == "" {
		return nil, fmt.Errorf("bright data zone is required")
	}

	q := url.Values{}
	q.Set("zone", zone)
	q.Set("limit", strconv.Itoa(count))
	if filter.Country != "" {
		q.Set("country", strings.ToLower(filter.Country))
	}
	if filter.Type != "" {
		q.Set("ip_type", string(filter.Type))
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = brightDataAPI
	}

	doc, err := requestJSON(ctx, http.MethodGet, endpoint+"?"+q.Encode(), bearer(cfg.APIKey), nil)
	if err != nil {
		return nil, err
	}

	port := cfg.IntOption(models.OptPort, brightDataPort)
	var out []models.Candidate
	for _, item := range itemsAt(doc, "", "ips", "data") {
		ip := stringAt(item, "ip")
		if ip == "" {
			// route_ips may return bare strings
			ip, _ = item.(string)
		}
		if !validIP(ip) {
			p.logger.Debug("Skipping malformed entry", "provider", cfg.Name, "ip", ip)
			continue
		}
		country := strings.ToUpper(stringAt(item, "country"))
		if country == "" {
			country = strings.ToUpper(filter.Country)
		}
		cc := strings.ToLower(country)
		if cc == "" {
			cc = "any"
		}
		out = append(out, models.Candidate{
			Address:     ip,
			Endpoint:    models.HostPort(fmt.Sprintf("%s-%s.%s.brightdata.com", cfg.Username, cc, zone), port),
			Scheme:      cfg.Option(models.OptScheme, "http"),
			Username:    fmt.Sprintf("%s-zone-%s-ip-%s", cfg.Username, zone, ip),
			Password:    cfg.Password,
			CountryCode: country,
			Region:      stringAt(item, "region"),
			Type:        resourceTypeOr(stringAt(item, "type"), filter.Type),
		})
		if len(out) == count {
			break
		}
	}
	return out, nil
}
