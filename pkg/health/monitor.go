package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"egress-pool/pkg/config"
	"egress-pool/pkg/connectivity"
	"egress-pool/pkg/database"
	"egress-pool/pkg/fetch"
	"egress-pool/pkg/models"
	"egress-pool/pkg/pool"

	"golang.org/x/sync/errgroup"
)

const (
	probeFailureKind  = "probe_failure"
	topProviderErrors = 5
)

type Monitor struct {
	pool   *pool.Manager
	cfg    config.Health
	logger *slog.Logger
}

func NewMonitor(p *pool.Manager, cfg config.Health, logger *slog.Logger) *Monitor {
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if len(cfg.ProbeTargets) == 0 {
		cfg.ProbeTargets = config.DefaultProbeTargets
	}
	return &Monitor{pool: p, cfg: cfg, logger: logger}
}

type ProbeOutcome struct {
	Target     string `json:"target"`
	Success    bool   `json:"success"`
	StatusCode int    `json:"status_code,omitempty"`
	LatencyMS  int64  `json:"latency_ms"`
	Error      string `json:"error,omitempty"`
}

type ProbeResult struct {
	ResourceID string         `json:"resource_id"`
	Address    string         `json:"address"`
	Passed     bool           `json:"passed"`
	Outcomes   []ProbeOutcome `json:"outcomes"`
}

// ProbeResource sends every probe target through the resource and records
// the outcomes as usage. Failing probes count towards the failure threshold.
// The resource passes when every probe succeeded.
func (m *Monitor) ProbeResource(ctx context.Context, resourceID string) (*ProbeResult, error) {
	res, err := m.pool.Get(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	return m.probe(ctx, res)
}

func (m *Monitor) probe(ctx context.Context, res *models.IPResource) (*ProbeResult, error) {
	transport := res.ProxyURL()
	result := &ProbeResult{ResourceID: res.ID, Address: res.Address, Passed: true}

	for _, target := range m.cfg.ProbeTargets {
		outcome := m.probeTarget(ctx, transport, target)
		if err := m.record(ctx, res.ID, outcome); err != nil {
			return nil, err
		}
		result.Outcomes = append(result.Outcomes, outcome)
		result.Passed = result.Passed && outcome.Success
	}

	if m.cfg.DNSProbe.Enabled && supportsDNSProbe(res.Scheme) {
		outcome := m.probeDNS(ctx, transport)
		if err := m.record(ctx, res.ID, outcome); err != nil {
			return nil, err
		}
		result.Outcomes = append(result.Outcomes, outcome)
		result.Passed = result.Passed && outcome.Success
	}

	m.logger.Debug("Probed resource",
		"resourceID", res.ID,
		"address", res.Address,
		"passed", result.Passed,
		"probes", len(result.Outcomes))
	return result, nil
}

func (m *Monitor) probeTarget(ctx context.Context, transport, target string) ProbeOutcome {
	outcome := ProbeOutcome{Target: target}
	start := time.Now()
	res, err := fetch.Fetch(ctx, target, fetch.Options{
		Transport: transport,
		Headers:   []string{"User-Agent: egress-pool-health/1.0"},
		Timeout:   m.cfg.ProbeTimeout,
		MaxBody:   64 << 10,
	})
	if err != nil {
		outcome.LatencyMS = time.Since(start).Milliseconds()
		outcome.Error = err.Error()
		return outcome
	}
	outcome.LatencyMS = res.Latency.Milliseconds()
	outcome.StatusCode = res.StatusCode
	outcome.Success = res.StatusCode < 400
	if !outcome.Success {
		outcome.Error = fmt.Sprintf("status %d", res.StatusCode)
	}
	return outcome
}

func supportsDNSProbe(scheme string) bool {
	switch strings.ToLower(scheme) {
	case "socks5", "ss":
		return true
	}
	return false
}

func (m *Monitor) probeDNS(ctx context.Context, transport string) ProbeOutcome {
	dnsCfg := m.cfg.DNSProbe
	outcome := ProbeOutcome{Target: fmt.Sprintf("dns://%s/%s", dnsCfg.Resolver, dnsCfg.Domain)}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	report, err := connectivity.Check(ctx, transport, "tcp", dnsCfg.Resolver, dnsCfg.Domain)
	if err != nil {
		outcome.Error = err.Error()
		return outcome
	}
	outcome.LatencyMS = report.DurationMs
	outcome.Success = report.IsSuccess()
	if report.Error != nil {
		outcome.Error = report.Error.Op + ": " + report.Error.Msg
	}
	return outcome
}

func (m *Monitor) record(ctx context.Context, resourceID string, o ProbeOutcome) error {
	err := m.pool.RecordUsage(ctx, pool.UsageReport{
		ResourceID:  resourceID,
		Target:      o.Target,
		Success:     o.Success,
		LatencyMS:   o.LatencyMS,
		StatusCode:  o.StatusCode,
		Error:       o.Error,
		FailureKind: probeFailureKind,
	})
	if err != nil {
		return fmt.Errorf("failed to record probe: %w", err)
	}
	return nil
}

// ProbeAll probes every resource that is not banned, MaxWorkers at a time.
// A resource whose probe could not be recorded is logged and left out of the
// results.
func (m *Monitor) ProbeAll(ctx context.Context) ([]*ProbeResult, error) {
	resources, err := m.pool.List(ctx, database.ResourceFilter{})
	if err != nil {
		return nil, err
	}

	results := make([]*ProbeResult, len(resources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.MaxWorkers)
	for i, res := range resources {
		if res.Status == models.StatusBanned {
			continue
		}
		i, res := i, res
		g.Go(func() error {
			r, err := m.probe(gctx, res)
			if errors.Is(err, pool.ErrPoolUnavailable) {
				return err
			}
			if err != nil {
				m.logger.Error("Error probing resource", "resourceID", res.ID, "error", err)
				return nil
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := results[:0]
	passed := 0
	for _, r := range results {
		if r == nil {
			continue
		}
		if r.Passed {
			passed++
		}
		out = append(out, r)
	}
	m.logger.Info("Probed resources", "probed", len(out), "passed", passed)
	return out, nil
}

// AggregateHealth reports per-resource usage over window joined with each
// resource's current registry state. Usage of deleted resources is kept
// with an empty status.
func (m *Monitor) AggregateHealth(ctx context.Context, window time.Duration) ([]models.ResourceHealth, error) {
	rows, err := m.pool.ResourceUsage(ctx, window)
	if err != nil {
		return nil, err
	}
	resources, err := m.pool.List(ctx, database.ResourceFilter{})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.IPResource, len(resources))
	for _, r := range resources {
		byID[r.ID] = r
	}
	for i := range rows {
		if r, ok := byID[rows[i].ResourceID]; ok {
			rows[i].Address = r.Address
			rows[i].Provider = r.Provider
			rows[i].Status = r.Status
			rows[i].Type = r.Type
		}
	}
	return rows, nil
}

func (m *Monitor) ProviderHealth(ctx context.Context, window time.Duration) ([]models.ProviderHealth, error) {
	return m.pool.ProviderUsage(ctx, window, topProviderErrors)
}

// Prune deletes usage records older than retention.
func (m *Monitor) Prune(ctx context.Context, retention time.Duration) (int, error) {
	return m.pool.PruneUsage(ctx, retention)
}
