package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"egress-pool/pkg/models"
)

// NewProvider creates a new proxy provider for the given provider type
func NewProvider(system models.ProviderType, logger *slog.Logger) (Provider, error) {
	switch system {
	case models.ProviderBrightData, models.ProviderLuminati:
		return newBrightDataProvider(logger), nil
	case models.ProviderOxylabs:
		return newOxylabsProvider(logger), nil
	case models.ProviderSmartproxy:
		return newSmartproxyProvider(logger), nil
	case models.ProviderSOAX:
		return newSoaxProvider(logger), nil
	case models.ProviderProxyRack:
		return newProxyRackProvider(logger), nil
	case models.ProviderStatic:
		return newStaticProvider(logger), nil
	case models.ProviderCustom:
		return newCustomProvider(logger), nil
	default:
		return nil, fmt.Errorf("unsupported proxy system: %s", system)
	}
}

// Set dispatches fetches to the adapter matching each ProviderConfig's type.
type Set struct {
	logger  *slog.Logger
	timeout time.Duration

	mu        sync.Mutex
	providers map[models.ProviderType]Provider
}

func NewSet(logger *slog.Logger, timeout time.Duration) *Set {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Set{
		logger:    logger,
		timeout:   timeout,
		providers: make(map[models.ProviderType]Provider),
	}
}

func (s *Set) provider(t models.ProviderType) (Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.providers[t]; ok {
		return p, nil
	}
	p, err := NewProvider(t, s.logger)
	if err != nil {
		return nil, err
	}
	s.providers[t] = p
	return p, nil
}

// Fetch asks the provider behind cfg for count candidates. Every failure,
// including a timeout, comes back as a *ProviderError.
func (s *Set) Fetch(ctx context.Context, cfg *models.ProviderConfig, filter Filter, count int) ([]models.Candidate, error) {
	p, err := s.provider(models.ProviderType(strings.ToLower(string(cfg.Type))))
	if err != nil {
		return nil, &ProviderError{Provider: cfg.Name, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	candidates, err := p.Fetch(ctx, cfg, filter, count)
	if err != nil {
		return nil, &ProviderError{Provider: cfg.Name, Err: err}
	}

	maxUsers := cfg.IntOption(models.OptMaxUsersPerIP, 0)
	for i := range candidates {
		candidates[i].Provider = cfg.Name
		if candidates[i].MaxUsers == 0 {
			candidates[i].MaxUsers = maxUsers
		}
	}
	s.logger.Debug("Fetched candidates", "provider", cfg.Name, "type", p.GetProviderName(), "requested", count, "received", len(candidates))
	return candidates, nil
}
