package replenish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"egress-pool/pkg/database"
	"egress-pool/pkg/models"
	"egress-pool/pkg/pool"
	"egress-pool/pkg/proxy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mu      sync.Mutex
	byName  map[string][]string
	fail    map[string]error
	calls   []string
	block   chan struct{}
	started chan struct{}
}

func (f *fakeFetcher) Fetch(ctx context.Context, cfg *models.ProviderConfig, filter proxy.Filter, count int) ([]models.Candidate, error) {
	if f.started != nil {
		close(f.started)
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cfg.Name)
	if err := f.fail[cfg.Name]; err != nil {
		return nil, &proxy.ProviderError{Provider: cfg.Name, Err: err}
	}
	var out []models.Candidate
	for _, addr := range f.byName[cfg.Name] {
		out = append(out, models.Candidate{Address: addr, Provider: cfg.Name, Type: models.DatacenterType})
	}
	return out, nil
}

type fakeEnricher struct{}

func (fakeEnricher) Enrich(ctx context.Context, c *models.Candidate) error {
	c.CountryCode = "NL"
	return nil
}

func newTestPool(t *testing.T) *pool.Manager {
	t.Helper()
	db, err := database.NewSQLiteDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.InitSchema(context.Background()))

	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return pool.NewManager(db, pool.Options{
		Cooldown:         30 * time.Minute,
		FailureThreshold: 5,
		Clock:            func() time.Time { return clock },
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func seedAvailable(t *testing.T, m *pool.Manager, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, _, err := m.Register(context.Background(), models.Candidate{Address: fmt.Sprintf("192.0.2.%d", i+1)})
		require.NoError(t, err)
	}
}

func addProviders(t *testing.T, m *pool.Manager, names ...string) {
	t.Helper()
	for _, name := range names {
		_, err := m.AddProvider(context.Background(), pool.ProviderInput{Name: name, Type: models.ProviderCustom})
		require.NoError(t, err)
	}
}

func addresses(prefix string, from, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s.%d", prefix, from+i)
	}
	return out
}

func newController(m *pool.Manager, f Fetcher, e Enricher) *Controller {
	return NewController(m, f, e, proxy.Filter{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestEnsureMinimumAvailable(t *testing.T) {
	ctx := context.Background()
	m := newTestPool(t)
	seedAvailable(t, m, 3)
	addProviders(t, m, "a", "b")

	f := &fakeFetcher{byName: map[string][]string{
		"a": addresses("203.0.113", 1, 4),
		"b": addresses("198.51.100", 1, 4),
	}}
	report, err := newController(m, f, nil).EnsureMinimumAvailable(ctx, 10)
	require.NoError(t, err)

	assert.Equal(t, 3, report.AvailableBefore)
	assert.Equal(t, 7, report.Requested)
	assert.Equal(t, 8, report.Added)
	assert.Zero(t, report.SkippedDuplicates)

	n, err := m.CountAvailable(ctx)
	require.NoError(t, err)
	assert.Equal(t, 11, n)
}

func TestEnsureMinimumAvailableOverlap(t *testing.T) {
	ctx := context.Background()
	m := newTestPool(t)
	seedAvailable(t, m, 3)
	addProviders(t, m, "a", "b")

	f := &fakeFetcher{byName: map[string][]string{
		"a": {"203.0.113.1", "203.0.113.2", "203.0.113.3", "203.0.113.4"},
		"b": {"203.0.113.4", "203.0.113.5", "203.0.113.6", "192.0.2.1"},
	}}
	report, err := newController(m, f, nil).EnsureMinimumAvailable(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 6, report.Added)
	assert.Equal(t, 2, report.SkippedDuplicates)

	all, err := m.List(ctx, database.ResourceFilter{})
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, r := range all {
		assert.False(t, seen[r.Address], "duplicate %s", r.Address)
		seen[r.Address] = true
	}
	assert.Len(t, all, 9)
}

func TestEnsureMinimumAvailableNoop(t *testing.T) {
	m := newTestPool(t)
	seedAvailable(t, m, 5)
	addProviders(t, m, "a")
	f := &fakeFetcher{}

	report, err := newController(m, f, nil).EnsureMinimumAvailable(context.Background(), 5)
	require.NoError(t, err)
	assert.Zero(t, report.Added)
	assert.Empty(t, f.calls)
}

func TestProviderErrorsDoNotAbort(t *testing.T) {
	ctx := context.Background()
	m := newTestPool(t)
	addProviders(t, m, "bad", "good")

	f := &fakeFetcher{
		byName: map[string][]string{"good": addresses("203.0.113", 1, 2)},
		fail:   map[string]error{"bad": errors.New("timeout")},
	}
	report, err := newController(m, f, nil).EnsureMinimumAvailable(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Added)
	assert.Equal(t, map[string]string{"bad": "timeout"}, report.ProviderErrors)

	providers, err := m.ListProviders(ctx, false)
	require.NoError(t, err)
	for _, p := range providers {
		assert.EqualValues(t, 1, p.FetchCount, p.Name)
		if p.Name == "bad" {
			assert.EqualValues(t, 1, p.ErrorCount)
		} else {
			assert.EqualValues(t, 0, p.ErrorCount)
		}
	}
}

func TestRoundRobinStart(t *testing.T) {
	ctx := context.Background()
	m := newTestPool(t)
	addProviders(t, m, "a", "b")

	f := &fakeFetcher{byName: map[string][]string{
		"a": addresses("203.0.113", 1, 1),
		"b": addresses("198.51.100", 1, 1),
	}}
	c := newController(m, f, nil)
	_, err := c.EnsureMinimumAvailable(ctx, 1)
	require.NoError(t, err)
	_, err = c.EnsureMinimumAvailable(ctx, 2)
	require.NoError(t, err)

	require.Len(t, f.calls, 2)
	assert.NotEqual(t, f.calls[0], f.calls[1])
}

func TestEnrichesMissingCountry(t *testing.T) {
	ctx := context.Background()
	m := newTestPool(t)
	addProviders(t, m, "a")

	f := &fakeFetcher{byName: map[string][]string{"a": {"203.0.113.1"}}}
	_, err := newController(m, f, fakeEnricher{}).EnsureMinimumAvailable(ctx, 1)
	require.NoError(t, err)

	res, err := m.GetByAddress(ctx, "203.0.113.1")
	require.NoError(t, err)
	assert.Equal(t, "NL", res.CountryCode)
	assert.Equal(t, "a", res.Provider)
}

func TestSkipIfAlreadyRunning(t *testing.T) {
	ctx := context.Background()
	m := newTestPool(t)
	addProviders(t, m, "a")

	f := &fakeFetcher{
		byName:  map[string][]string{"a": {"203.0.113.1"}},
		block:   make(chan struct{}),
		started: make(chan struct{}),
	}
	c := newController(m, f, nil)

	done := make(chan *Report)
	go func() {
		r, _ := c.EnsureMinimumAvailable(ctx, 1)
		done <- r
	}()
	<-f.started

	second, err := c.EnsureMinimumAvailable(ctx, 1)
	require.NoError(t, err)
	assert.True(t, second.AlreadyRunning)

	close(f.block)
	first := <-done
	require.NotNil(t, first)
	assert.Equal(t, 1, first.Added)
}
