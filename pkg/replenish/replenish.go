// Package replenish tops the pool up from the configured providers when the
// number of available resources falls below a minimum.
package replenish

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"egress-pool/pkg/models"
	"egress-pool/pkg/proxy"
)

// Fetcher is satisfied by *proxy.Set.
type Fetcher interface {
	Fetch(ctx context.Context, cfg *models.ProviderConfig, filter proxy.Filter, count int) ([]models.Candidate, error)
}

// Enricher fills in missing location data on a candidate.
type Enricher interface {
	Enrich(ctx context.Context, c *models.Candidate) error
}

// Pool is the part of *pool.Manager the controller needs.
type Pool interface {
	CountAvailable(ctx context.Context) (int, error)
	ListProviders(ctx context.Context, activeOnly bool) ([]*models.ProviderConfig, error)
	Register(ctx context.Context, c models.Candidate) (*models.IPResource, bool, error)
	RecordProviderFetch(ctx context.Context, id string, gotCandidates bool) error
}

type Report struct {
	AvailableBefore   int               `json:"available_before"`
	Requested         int               `json:"requested"`
	Added             int               `json:"added"`
	SkippedDuplicates int               `json:"skipped_duplicates"`
	ProviderErrors    map[string]string `json:"provider_errors,omitempty"`
	AlreadyRunning    bool              `json:"already_running,omitempty"`
}

type Controller struct {
	pool     Pool
	fetcher  Fetcher
	enricher Enricher
	filter   proxy.Filter
	logger   *slog.Logger

	running atomic.Bool
	mu      sync.Mutex
	next    int
}

// NewController builds a controller. enricher may be nil.
func NewController(p Pool, fetcher Fetcher, enricher Enricher, filter proxy.Filter, logger *slog.Logger) *Controller {
	return &Controller{
		pool:     p,
		fetcher:  fetcher,
		enricher: enricher,
		filter:   filter,
		logger:   logger,
	}
}

// EnsureMinimumAvailable fetches new resources until at least minAvailable
// are available or every active provider has been asked once. Provider
// failures are recorded in the report and never abort the run. A call made
// while another run is in progress returns immediately with AlreadyRunning
// set. The only returned errors come from the pool itself.
func (c *Controller) EnsureMinimumAvailable(ctx context.Context, minAvailable int) (*Report, error) {
	if !c.running.CompareAndSwap(false, true) {
		c.logger.Debug("Replenishment already running, skipping")
		return &Report{AlreadyRunning: true}, nil
	}
	defer c.running.Store(false)

	available, err := c.pool.CountAvailable(ctx)
	if err != nil {
		return nil, err
	}
	report := &Report{AvailableBefore: available}
	if available >= minAvailable {
		return report, nil
	}
	deficit := minAvailable - available
	report.Requested = deficit

	providers, err := c.pool.ListProviders(ctx, true)
	if err != nil {
		return nil, err
	}
	if len(providers) == 0 {
		c.logger.Warn("No active providers to replenish from", "deficit", deficit)
		return report, nil
	}

	start := c.advance(len(providers))
	for i := 0; i < len(providers) && report.Added < deficit; i++ {
		if ctx.Err() != nil {
			break
		}
		p := providers[(start+i)%len(providers)]
		if err := c.fromProvider(ctx, p, deficit-report.Added, report); err != nil {
			return report, err
		}
	}

	logFn := c.logger.Info
	if report.Added < deficit {
		logFn = c.logger.Warn
	}
	logFn("Replenishment finished",
		"availableBefore", report.AvailableBefore,
		"requested", report.Requested,
		"added", report.Added,
		"duplicates", report.SkippedDuplicates,
		"providerErrors", len(report.ProviderErrors))
	return report, nil
}

// advance returns the provider index this run starts at and moves the
// cursor on for the next run.
func (c *Controller) advance(n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := c.next % n
	c.next = start + 1
	return start
}

func (c *Controller) fromProvider(ctx context.Context, p *models.ProviderConfig, want int, report *Report) error {
	candidates, fetchErr := c.fetcher.Fetch(ctx, p, c.filter, want)
	if err := c.pool.RecordProviderFetch(ctx, p.ID, fetchErr == nil && len(candidates) > 0); err != nil {
		c.logger.Error("Failed to record provider fetch", "provider", p.Name, "error", err)
	}
	if fetchErr != nil {
		c.logger.Warn("Provider fetch failed", "provider", p.Name, "error", fetchErr)
		if report.ProviderErrors == nil {
			report.ProviderErrors = make(map[string]string)
		}
		var perr *proxy.ProviderError
		if errors.As(fetchErr, &perr) {
			report.ProviderErrors[p.Name] = perr.Err.Error()
		} else {
			report.ProviderErrors[p.Name] = fetchErr.Error()
		}
		return nil
	}

	for i := range candidates {
		cand := candidates[i]
		if strings.TrimSpace(cand.Address) == "" {
			continue
		}
		if cand.Provider == "" {
			cand.Provider = p.Name
		}
		if c.enricher != nil && cand.CountryCode == "" {
			if err := c.enricher.Enrich(ctx, &cand); err != nil {
				c.logger.Debug("Failed to enrich candidate", "address", cand.Address, "error", err)
			}
		}
		_, created, err := c.pool.Register(ctx, cand)
		if err != nil {
			return err
		}
		if !created {
			report.SkippedDuplicates++
			continue
		}
		report.Added++
	}
	return nil
}
