package pool

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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestManager(t *testing.T, opts Options) (*Manager, *fakeClock) {
	t.Helper()
	db, err := database.NewSQLiteDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.InitSchema(context.Background()))

	clock := newFakeClock()
	opts.Clock = clock.Now
	if opts.Cooldown == 0 {
		opts.Cooldown = 30 * time.Minute
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(db, opts, logger), clock
}

func register(t *testing.T, m *Manager, address, country string, maxUsers int) *models.IPResource {
	t.Helper()
	res, created, err := m.Register(context.Background(), models.Candidate{
		Address:     address,
		Endpoint:    address + ":8080",
		CountryCode: country,
		Type:        models.ResidentialType,
		Provider:    "test",
		MaxUsers:    maxUsers,
	})
	require.NoError(t, err)
	require.True(t, created)
	return res
}

func assertInvariant(t *testing.T, m *Manager) {
	t.Helper()
	all, err := m.List(context.Background(), database.ResourceFilter{})
	require.NoError(t, err)
	for _, r := range all {
		assert.Equal(t, r.CurrentUserCount, len(r.AssignedConsumers), "resource %s", r.ID)
		assert.GreaterOrEqual(t, r.CurrentUserCount, 0)
		assert.LessOrEqual(t, r.CurrentUserCount, r.MaxConcurrentUsers)
	}
}

func TestRegisterRoundTrip(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()

	res, created, err := m.Register(ctx, models.Candidate{
		Address:     "198.51.100.7",
		Endpoint:    "gw.example.net:22225",
		Username:    "user",
		Password:    "pass",
		CountryCode: "de",
		Region:      "Berlin",
		Type:        models.MobileType,
		Provider:    "bright",
		MaxUsers:    3,
	})
	require.NoError(t, err)
	require.True(t, created)

	byID, err := m.Get(ctx, res.ID)
	require.NoError(t, err)
	byAddr, err := m.GetByAddress(ctx, "198.51.100.7")
	require.NoError(t, err)

	for _, got := range []*models.IPResource{byID, byAddr} {
		assert.Equal(t, res.ID, got.ID)
		assert.Equal(t, res.Address, got.Address)
		assert.Equal(t, res.Endpoint, got.Endpoint)
		assert.Equal(t, res.Username, got.Username)
		assert.Equal(t, res.Password, got.Password)
		assert.Equal(t, "DE", got.CountryCode)
		assert.Equal(t, res.Region, got.Region)
		assert.Equal(t, models.MobileType, got.Type)
		assert.Equal(t, models.StatusAvailable, got.Status)
		assert.Equal(t, 3, got.MaxConcurrentUsers)
		assert.Equal(t, 0, got.CurrentUserCount)
		assert.Empty(t, got.AssignedConsumers)
		assert.True(t, got.LastUsedAt.IsZero())
		assert.True(t, res.CreatedAt.Equal(got.CreatedAt))
	}

	again, created, err := m.Register(ctx, models.Candidate{Address: "198.51.100.7"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, res.ID, again.ID)
}

func TestClaimIsIdempotentPerConsumer(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()
	register(t, m, "198.51.100.1", "US", 1)
	register(t, m, "198.51.100.2", "US", 1)

	first, err := m.Claim(ctx, "c1", ClaimRequest{})
	require.NoError(t, err)
	second, err := m.Claim(ctx, "c1", ClaimRequest{})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, second.CurrentUserCount)

	counts, err := m.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.StatusInUse])
	assert.Equal(t, 1, counts[models.StatusAvailable])
	assertInvariant(t, m)
}

func TestConcurrentClaimsCapacityOne(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()
	res := register(t, m, "198.51.100.1", "US", 1)

	const n = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := ClaimRequest{}
			if i%2 == 0 {
				req.ResourceID = res.ID
			}
			_, err := m.Claim(ctx, fmt.Sprintf("consumer-%d", i), req)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrNoResourceAvailable), errors.Is(err, ErrResourceUnavailable):
				failures++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, failures)
	got, err := m.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentUserCount)
	assert.Len(t, got.AssignedConsumers, 1)
}

func TestConcurrentClaimsSameConsumer(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()
	for i := 1; i <= 4; i++ {
		register(t, m, fmt.Sprintf("198.51.100.%d", i), "US", 1)
	}

	const n = 8
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := m.Claim(ctx, "worker", ClaimRequest{})
			if assert.NoError(t, err) {
				ids[i] = res.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id)
	}
	held, err := m.List(ctx, database.ResourceFilter{Status: models.StatusInUse})
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, []string{"worker"}, held[0].AssignedConsumers)
	assertInvariant(t, m)
}

func TestSharedCapacity(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()
	res := register(t, m, "198.51.100.1", "US", 2)

	for _, c := range []string{"a", "b"} {
		got, err := m.Claim(ctx, c, ClaimRequest{})
		require.NoError(t, err)
		assert.Equal(t, res.ID, got.ID)
	}
	_, err := m.Claim(ctx, "c", ClaimRequest{})
	assert.ErrorIs(t, err, ErrNoResourceAvailable)
	_, err = m.Claim(ctx, "c", ClaimRequest{ResourceID: res.ID})
	assert.ErrorIs(t, err, ErrResourceUnavailable)
	assertInvariant(t, m)
}

func TestClaimPreferredResource(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()
	register(t, m, "198.51.100.1", "US", 1)
	want := register(t, m, "198.51.100.2", "US", 1)

	got, err := m.Claim(ctx, "c1", ClaimRequest{ResourceID: want.ID})
	require.NoError(t, err)
	assert.Equal(t, want.ID, got.ID)

	_, err = m.Claim(ctx, "c2", ClaimRequest{ResourceID: "does-not-exist"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.Rotate(ctx, want.ID)
	require.NoError(t, err)
	_, err = m.Claim(ctx, "c3", ClaimRequest{ResourceID: want.ID})
	assert.ErrorIs(t, err, ErrResourceUnavailable)
}

func TestClaimOrderingAndCountryFallback(t *testing.T) {
	m, clock := newTestManager(t, Options{})
	ctx := context.Background()
	us := register(t, m, "198.51.100.1", "US", 1)
	de := register(t, m, "198.51.100.2", "DE", 1)

	got, err := m.Claim(ctx, "c1", ClaimRequest{Country: "de"})
	require.NoError(t, err)
	assert.Equal(t, de.ID, got.ID)

	clock.Advance(time.Minute)
	got, err = m.Claim(ctx, "c2", ClaimRequest{Country: "FR"})
	require.NoError(t, err)
	assert.Equal(t, us.ID, got.ID, "falls back to any country")

	_, err = m.Claim(ctx, "c3", ClaimRequest{Country: "FR"})
	assert.ErrorIs(t, err, ErrNoResourceAvailable)

	// Least recently used wins among equally loaded resources.
	require.NoError(t, m.Release(ctx, "c1", de.ID))
	require.NoError(t, m.Release(ctx, "c2", us.ID))
	clock.Advance(31 * time.Minute)
	got, err = m.Claim(ctx, "c4", ClaimRequest{Type: models.ResidentialType})
	require.NoError(t, err)
	assert.Equal(t, de.ID, got.ID)
}

func TestReleaseCooldownAndSweep(t *testing.T) {
	m, clock := newTestManager(t, Options{Cooldown: 10 * time.Minute})
	ctx := context.Background()
	res := register(t, m, "198.51.100.1", "US", 1)

	_, err := m.Claim(ctx, "c1", ClaimRequest{})
	require.NoError(t, err)

	assert.ErrorIs(t, m.Release(ctx, "other", res.ID), ErrNotAssigned)
	require.NoError(t, m.Release(ctx, "c1", res.ID))
	assert.ErrorIs(t, m.Release(ctx, "c1", res.ID), ErrNotAssigned)

	got, err := m.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCooldown, got.Status)
	assert.Empty(t, got.AssignedConsumers)

	clock.Advance(5 * time.Minute)
	n, err := m.SweepCooldown(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	_, err = m.Claim(ctx, "c2", ClaimRequest{})
	assert.ErrorIs(t, err, ErrNoResourceAvailable)

	clock.Advance(5 * time.Minute)
	n, err = m.SweepCooldown(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = m.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAvailable, got.Status)
}

func TestRotateSweepsElapsedCooldowns(t *testing.T) {
	m, clock := newTestManager(t, Options{Cooldown: 10 * time.Minute})
	ctx := context.Background()
	old := register(t, m, "198.51.100.1", "US", 1)
	fresh := register(t, m, "198.51.100.2", "US", 1)

	_, err := m.Claim(ctx, "c1", ClaimRequest{ResourceID: old.ID})
	require.NoError(t, err)
	released, err := m.Rotate(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, released)

	clock.Advance(11 * time.Minute)
	_, err = m.Rotate(ctx, fresh.ID)
	require.NoError(t, err)

	got, err := m.Get(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAvailable, got.Status)
	got, err = m.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCooldown, got.Status)
}

func TestReportFailureFlagsAtThreshold(t *testing.T) {
	for _, start := range []models.Status{models.StatusAvailable, models.StatusInUse} {
		t.Run(string(start), func(t *testing.T) {
			m, _ := newTestManager(t, Options{FailureThreshold: 3})
			ctx := context.Background()
			res := register(t, m, "198.51.100.1", "US", 2)
			if start == models.StatusInUse {
				_, err := m.Claim(ctx, "c1", ClaimRequest{})
				require.NoError(t, err)
				_, err = m.Claim(ctx, "c2", ClaimRequest{})
				require.NoError(t, err)
			}

			for i := 0; i < 3; i++ {
				flagged, err := m.ReportFailure(ctx, res.ID, "timeout", "probe timed out")
				require.NoError(t, err)
				assert.Equal(t, i == 2, flagged)
			}

			got, err := m.Get(ctx, res.ID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusFlagged, got.Status)
			assert.Empty(t, got.AssignedConsumers)
			assert.Equal(t, 0, got.CurrentUserCount)

			_, err = m.Claim(ctx, "c3", ClaimRequest{ResourceID: res.ID})
			assert.ErrorIs(t, err, ErrResourceUnavailable)

			got, err = m.ResetFailures(ctx, res.ID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusAvailable, got.Status)
			assert.Equal(t, 0, got.FailureCount)
		})
	}
}

func TestBanRemovesAfterMaxBanCount(t *testing.T) {
	m, _ := newTestManager(t, Options{MaxBanCount: 2})
	ctx := context.Background()
	res := register(t, m, "198.51.100.1", "US", 1)

	removed, err := m.Ban(ctx, res.ID, "blocked by target")
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = m.ResetFailures(ctx, res.ID)
	require.NoError(t, err)

	removed, err = m.Ban(ctx, res.ID, "blocked again")
	require.NoError(t, err)
	assert.True(t, removed)

	_, err = m.Get(ctx, res.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetStatus(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()
	res := register(t, m, "198.51.100.1", "US", 1)

	_, err := m.SetStatus(ctx, res.ID, models.StatusInUse, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := m.SetStatus(ctx, res.ID, models.StatusFlagged, "manual review")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFlagged, got.Status)
	assert.Equal(t, "manual review", got.StatusReason)

	_, err = m.SetStatus(ctx, res.ID, models.StatusCooldown, "")
	assert.ErrorIs(t, err, ErrResourceUnavailable)

	got, err = m.SetStatus(ctx, res.ID, models.StatusAvailable, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAvailable, got.Status)

	_, err = m.SetStatus(ctx, "missing", models.StatusFlagged, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReleaseAllAndRotateForConsumer(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()
	a := register(t, m, "198.51.100.1", "US", 1)
	b := register(t, m, "198.51.100.2", "US", 1)

	got, err := m.Claim(ctx, "c1", ClaimRequest{ResourceID: a.ID})
	require.NoError(t, err)

	swapped, err := m.RotateForConsumer(ctx, "c1", got.ID, ClaimRequest{})
	require.NoError(t, err)
	assert.Equal(t, b.ID, swapped.ID)

	old, err := m.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCooldown, old.Status)

	n, err := m.ReleaseAll(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assertInvariant(t, m)
}

func TestRotateStaleAndRotateAll(t *testing.T) {
	m, clock := newTestManager(t, Options{})
	ctx := context.Background()
	a := register(t, m, "198.51.100.1", "US", 1)
	b := register(t, m, "198.51.100.2", "US", 1)

	_, err := m.Claim(ctx, "c1", ClaimRequest{ResourceID: a.ID})
	require.NoError(t, err)
	clock.Advance(20 * time.Minute)
	_, err = m.Claim(ctx, "c2", ClaimRequest{ResourceID: b.ID})
	require.NoError(t, err)
	clock.Advance(15 * time.Minute)

	n, err := m.RotateStale(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := m.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCooldown, got.Status)

	n, err = m.RotateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assertInvariant(t, m)
}

func TestRecordUsageFeedsFailures(t *testing.T) {
	m, _ := newTestManager(t, Options{FailureThreshold: 2})
	ctx := context.Background()
	res := register(t, m, "198.51.100.1", "US", 1)

	require.NoError(t, m.RecordUsage(ctx, UsageReport{ResourceID: res.ID, Target: "https://target", Success: true, Latency: 120 * time.Millisecond}))
	require.NoError(t, m.RecordUsage(ctx, UsageReport{ResourceID: res.ID, Target: "https://target", StatusCode: 403}))
	require.NoError(t, m.RecordUsage(ctx, UsageReport{ResourceID: res.ID, Target: "https://target", Error: "reset"}))
	require.NoError(t, m.RecordUsage(ctx, UsageReport{ResourceID: "gone", Target: "https://target"}))

	got, err := m.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFlagged, got.Status)

	failures, err := m.Failures(ctx, res.ID, 0)
	require.NoError(t, err)
	require.Len(t, failures, 2)
	assert.Equal(t, "request_failure", failures[0].Kind)
}

func TestProviderConfigs(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()

	p, err := m.AddProvider(ctx, ProviderInput{Name: "ox", Type: "Oxylabs", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, models.ProviderOxylabs, p.Type)
	assert.True(t, p.Active)

	inactive := false
	p, err = m.UpdateProvider(ctx, p.ID, ProviderInput{Name: "ox", Type: "oxylabs", Active: &inactive})
	require.NoError(t, err)
	assert.False(t, p.Active)

	active, err := m.ListProviders(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)

	require.NoError(t, m.RecordProviderFetch(ctx, p.ID, false))
	got, err := m.GetProvider(ctx, p.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.ErrorCount)

	require.NoError(t, m.DeleteProvider(ctx, p.ID))
	assert.ErrorIs(t, m.DeleteProvider(ctx, p.ID), ErrNotFound)
}
