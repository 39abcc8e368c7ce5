package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"strings"

	"egress-pool/pkg/models"
)

// StaticProvider serves a fixed list of proxies from its config. Entries are
// comma or whitespace separated, either bare IPs or proxy URLs.
type StaticProvider struct {
	logger *slog.Logger
}

func newStaticProvider(logger *slog.Logger) *StaticProvider {
	return &StaticProvider{logger: logger}
}

func (p *StaticProvider) GetProviderName() string {
	return string(models.ProviderStatic)
}

func (p *StaticProvider) Fetch(ctx context.Context, cfg *models.ProviderConfig, filter Filter, count int) ([]models.Candidate, error) {
	entries := strings.FieldsFunc(cfg.Option(models.OptAddresses, ""), func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})
	if len(entries) == 0 {
		return nil, errors.New("static provider has no addresses")
	}
	country := strings.ToUpper(cfg.Option(models.OptCountry, ""))
	typ := resourceTypeOr(cfg.Option(models.OptType, ""), "")
	if filter.Country != "" && !strings.EqualFold(country, filter.Country) {
		return nil, nil
	}
	if filter.Type != "" && typ != filter.Type {
		return nil, nil
	}

	var out []models.Candidate
	for _, entry := range entries {
		c, ok := parseStaticEntry(entry, cfg)
		if !ok {
			p.logger.Debug("Skipping malformed entry", "provider", cfg.Name, "entry", entry)
			continue
		}
		c.CountryCode = country
		c.Type = typ
		out = append(out, c)
		if len(out) == count {
			break
		}
	}
	return out, nil
}

func parseStaticEntry(entry string, cfg *models.ProviderConfig) (models.Candidate, bool) {
	if validIP(entry) {
		c := models.Candidate{
			Address:  entry,
			Scheme:   cfg.Option(models.OptScheme, "http"),
			Username: cfg.Username,
			Password: cfg.Password,
		}
		if port := cfg.IntOption(models.OptPort, 0); port > 0 {
			c.Endpoint = models.HostPort(entry, port)
		}
		return c, true
	}
	u, err := url.Parse(entry)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return models.Candidate{}, false
	}
	host, _, err := net.SplitHostPort(u.Host)
	if err != nil || !validIP(host) {
		return models.Candidate{}, false
	}
	c := models.Candidate{
		Address:  host,
		Endpoint: u.Host,
		Scheme:   u.Scheme,
	}
	if u.User != nil {
		c.Username = u.User.Username()
		c.Password, _ = u.User.Password()
	}
	return c, true
}
