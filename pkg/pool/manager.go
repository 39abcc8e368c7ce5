package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"egress-pool/pkg/database"
	"egress-pool/pkg/models"

	"github.com/google/uuid"
)

type Options struct {
	Cooldown         time.Duration
	FailureThreshold int
	// MaxBanCount removes a resource once it has been banned this many
	// times. Zero keeps banned resources forever.
	MaxBanCount     int
	DefaultMaxUsers int
	Clock           func() time.Time
}

type Manager struct {
	db     *database.DB
	opts   Options
	logger *slog.Logger
}

type ClaimRequest struct {
	ResourceID string              `json:"resource_id,omitempty"`
	Country    string              `json:"country,omitempty"`
	Type       models.ResourceType `json:"type,omitempty"`
}

type UsageReport struct {
	ResourceID string        `json:"resource_id" binding:"required"`
	Target     string        `json:"target" binding:"required"`
	Success    bool          `json:"success"`
	Latency    time.Duration `json:"-"`
	LatencyMS  int64         `json:"latency_ms"`
	StatusCode int           `json:"status_code,omitempty"`
	Error      string        `json:"error,omitempty"`
	// FailureKind labels the failure record; defaults to request_failure.
	FailureKind string `json:"-"`
}

func NewManager(db *database.DB, opts Options, logger *slog.Logger) *Manager {
	if opts.Cooldown < 0 {
		opts.Cooldown = 0
	}
	if opts.FailureThreshold < 1 {
		opts.FailureThreshold = 5
	}
	if opts.DefaultMaxUsers < 1 {
		opts.DefaultMaxUsers = 1
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{db: db, opts: opts, logger: logger}
}

func (m *Manager) now() time.Time {
	return m.opts.Clock()
}

// Register adds a candidate as an available resource. An address that is
// already pooled is not added again and created is false.
func (m *Manager) Register(ctx context.Context, c models.Candidate) (res *models.IPResource, created bool, err error) {
	address := strings.TrimSpace(c.Address)
	if address == "" {
		return nil, false, fmt.Errorf("%w: candidate has no address", ErrInvalidInput)
	}
	maxUsers := c.MaxUsers
	if maxUsers < 1 {
		maxUsers = m.opts.DefaultMaxUsers
	}
	resourceType := c.Type
	if !resourceType.Valid() {
		resourceType = models.DatacenterType
	}

	now := m.now()
	r := &models.IPResource{
		ID:                 uuid.NewString(),
		Address:            address,
		Endpoint:           c.Endpoint,
		Scheme:             c.Scheme,
		Username:           c.Username,
		Password:           c.Password,
		Type:               resourceType,
		CountryCode:        strings.ToUpper(c.CountryCode),
		Region:             c.Region,
		Provider:           c.Provider,
		Status:             models.StatusAvailable,
		MaxConcurrentUsers: maxUsers,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	created, err = m.db.InsertResource(ctx, r)
	if err != nil {
		return nil, false, translate(err, r.ID)
	}
	if !created {
		existing, err := m.db.GetResourceByAddress(ctx, address)
		if err != nil {
			return nil, false, translate(err, address)
		}
		return existing, false, nil
	}

	r.AssignedConsumers = []string{}
	m.logger.Debug("Registered resource", "resourceID", r.ID, "address", address, "provider", c.Provider)
	return r, true, nil
}

// Claim leases a resource to consumerID. A consumer already holding a
// resource gets that resource back. With a preferred resource the claim
// either succeeds on it or fails with ErrResourceUnavailable. Otherwise the
// least loaded, least recently used match is picked, dropping the country
// filter once if nothing in that country is free.
func (m *Manager) Claim(ctx context.Context, consumerID string, req ClaimRequest) (*models.IPResource, error) {
	if consumerID == "" {
		return nil, fmt.Errorf("%w: consumer id is required", ErrInvalidInput)
	}

	if req.ResourceID != "" {
		res, existing, err := m.db.ClaimResource(ctx, consumerID, database.Selector{ResourceID: req.ResourceID}, m.now())
		if err != nil {
			return nil, translate(err, req.ResourceID)
		}
		m.logClaim(res, consumerID, existing)
		return res, nil
	}

	if _, err := m.SweepCooldown(ctx); err != nil {
		m.logger.Warn("Cooldown sweep failed", "error", err)
	}

	sel := database.Selector{Country: req.Country, Type: req.Type}
	res, existing, err := m.db.ClaimResource(ctx, consumerID, sel, m.now())
	if errors.Is(err, database.ErrNoCandidate) && sel.Country != "" {
		m.logger.Debug("No resource in country, retrying without country filter", "country", sel.Country, "consumerID", consumerID)
		sel.Country = ""
		res, existing, err = m.db.ClaimResource(ctx, consumerID, sel, m.now())
	}
	if err != nil {
		return nil, translate(err, "")
	}
	m.logClaim(res, consumerID, existing)
	return res, nil
}

func (m *Manager) logClaim(res *models.IPResource, consumerID string, existing bool) {
	if existing {
		m.logger.Debug("Returning existing assignment", "resourceID", res.ID, "consumerID", consumerID)
		return
	}
	m.logger.Info("Claimed resource",
		"resourceID", res.ID,
		"address", res.Address,
		"consumerID", consumerID,
		"users", res.CurrentUserCount)
}

func (m *Manager) Release(ctx context.Context, consumerID, resourceID string) error {
	res, err := m.db.ReleaseResource(ctx, resourceID, consumerID, m.now())
	if err != nil {
		return translate(err, resourceID)
	}
	m.logger.Info("Released resource", "resourceID", resourceID, "consumerID", consumerID, "status", res.Status)
	return nil
}

// ReleaseAll drops every lease held by consumerID and returns how many
// were released.
func (m *Manager) ReleaseAll(ctx context.Context, consumerID string) (int, error) {
	held, err := m.db.ResourcesForConsumer(ctx, consumerID)
	if err != nil {
		return 0, translate(err, "")
	}
	released := 0
	for _, r := range held {
		err := m.Release(ctx, consumerID, r.ID)
		switch {
		case err == nil:
			released++
		case errors.Is(err, ErrNotAssigned), errors.Is(err, ErrNotFound):
			// Released concurrently.
		default:
			return released, err
		}
	}
	return released, nil
}

// Rotate force-releases all consumers of a resource into cooldown and then
// sweeps elapsed cooldowns.
func (m *Manager) Rotate(ctx context.Context, resourceID string) ([]string, error) {
	released, err := m.db.RotateResource(ctx, resourceID, m.now())
	if err != nil {
		return nil, translate(err, resourceID)
	}
	m.logger.Info("Rotated resource", "resourceID", resourceID, "released", len(released))

	if _, err := m.SweepCooldown(ctx); err != nil {
		m.logger.Warn("Cooldown sweep failed", "error", err)
	}
	return released, nil
}

// RotateForConsumer swaps consumerID's lease on resourceID for a different
// resource. The old one enters cooldown so it is never handed straight back.
func (m *Manager) RotateForConsumer(ctx context.Context, consumerID, resourceID string, req ClaimRequest) (*models.IPResource, error) {
	if err := m.Release(ctx, consumerID, resourceID); err != nil {
		return nil, err
	}
	req.ResourceID = ""
	return m.Claim(ctx, consumerID, req)
}

// RotateAll rotates every in-use resource.
func (m *Manager) RotateAll(ctx context.Context) (int, error) {
	inUse, err := m.db.ListResources(ctx, database.ResourceFilter{Status: models.StatusInUse})
	if err != nil {
		return 0, translate(err, "")
	}
	return m.rotateEach(ctx, inUse)
}

// RotateStale rotates in-use resources holding a lease older than maxAge.
func (m *Manager) RotateStale(ctx context.Context, maxAge time.Duration) (int, error) {
	stale, err := m.db.StaleInUse(ctx, m.now().Add(-maxAge))
	if err != nil {
		return 0, translate(err, "")
	}
	return m.rotateEach(ctx, stale)
}

func (m *Manager) rotateEach(ctx context.Context, resources []*models.IPResource) (int, error) {
	rotated := 0
	for _, r := range resources {
		_, err := m.db.RotateResource(ctx, r.ID, m.now())
		switch {
		case err == nil:
			rotated++
		case errors.Is(err, database.ErrNotFound), errors.Is(err, database.ErrGuardFailed):
			m.logger.Debug("Skipping rotation", "resourceID", r.ID, "error", err)
		default:
			return rotated, translate(err, r.ID)
		}
	}
	if rotated > 0 {
		m.logger.Info("Rotated resources", "count", rotated)
	}
	return rotated, nil
}

// SweepCooldown makes resources whose cooldown has elapsed available again.
func (m *Manager) SweepCooldown(ctx context.Context) (int, error) {
	now := m.now()
	n, err := m.db.SweepCooldown(ctx, now.Add(-m.opts.Cooldown), now)
	if err != nil {
		return 0, translate(err, "")
	}
	if n > 0 {
		m.logger.Debug("Swept cooldown", "count", n)
	}
	return n, nil
}

// ReportFailure appends to the failure history. Reaching the failure
// threshold flags the resource and drops its leases.
func (m *Manager) ReportFailure(ctx context.Context, resourceID, kind, detail string) (bool, error) {
	now := m.now()
	rec := &models.FailureRecord{
		ID:         uuid.NewString(),
		ResourceID: resourceID,
		Kind:       kind,
		Detail:     detail,
		OccurredAt: now,
	}
	flagged, released, err := m.db.RecordFailure(ctx, rec, m.opts.FailureThreshold, now)
	if err != nil {
		return false, translate(err, resourceID)
	}
	if flagged {
		m.logger.Warn("Flagged resource after repeated failures",
			"resourceID", resourceID,
			"kind", kind,
			"released", len(released))
	}
	return flagged, nil
}

// ResetFailures zeroes the failure count and returns a flagged or banned
// resource to service.
func (m *Manager) ResetFailures(ctx context.Context, resourceID string) (*models.IPResource, error) {
	res, err := m.db.ResetResource(ctx, resourceID, m.now())
	if err != nil {
		return nil, translate(err, resourceID)
	}
	m.logger.Info("Reset resource", "resourceID", resourceID, "status", res.Status)
	return res, nil
}

func (m *Manager) Flag(ctx context.Context, resourceID, reason string) error {
	_, released, err := m.db.Quarantine(ctx, resourceID, models.StatusFlagged, reason, m.now())
	if err != nil {
		return translate(err, resourceID)
	}
	m.logger.Warn("Flagged resource", "resourceID", resourceID, "reason", reason, "released", len(released))
	return nil
}

// Ban quarantines a resource permanently. A resource banned MaxBanCount
// times is deleted and removed is true.
func (m *Manager) Ban(ctx context.Context, resourceID, reason string) (removed bool, err error) {
	res, released, err := m.db.Quarantine(ctx, resourceID, models.StatusBanned, reason, m.now())
	if err != nil {
		return false, translate(err, resourceID)
	}
	m.logger.Warn("Banned resource",
		"resourceID", resourceID,
		"reason", reason,
		"banCount", res.BanCount,
		"released", len(released))

	if m.opts.MaxBanCount > 0 && res.BanCount >= m.opts.MaxBanCount {
		if err := m.db.DeleteResource(ctx, resourceID); err != nil {
			return false, translate(err, resourceID)
		}
		m.logger.Warn("Removed resource after repeated bans", "resourceID", resourceID, "address", res.Address)
		return true, nil
	}
	return false, nil
}

// SetStatus applies an administrative transition. in_use is only reachable
// through Claim.
func (m *Manager) SetStatus(ctx context.Context, resourceID string, status models.Status, reason string) (*models.IPResource, error) {
	switch status {
	case models.StatusAvailable:
		return m.ResetFailures(ctx, resourceID)
	case models.StatusCooldown:
		if _, err := m.Rotate(ctx, resourceID); err != nil {
			return nil, err
		}
	case models.StatusFlagged:
		if err := m.Flag(ctx, resourceID, reason); err != nil {
			return nil, err
		}
	case models.StatusBanned:
		removed, err := m.Ban(ctx, resourceID, reason)
		if err != nil {
			return nil, err
		}
		if removed {
			return nil, nil
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidTransition, status)
	}
	return m.Get(ctx, resourceID)
}

func (m *Manager) Delete(ctx context.Context, resourceID string) error {
	if err := m.db.DeleteResource(ctx, resourceID); err != nil {
		return translate(err, resourceID)
	}
	m.logger.Info("Deleted resource", "resourceID", resourceID)
	return nil
}

func (m *Manager) Get(ctx context.Context, resourceID string) (*models.IPResource, error) {
	res, err := m.db.GetResource(ctx, resourceID)
	return res, translate(err, resourceID)
}

func (m *Manager) GetByAddress(ctx context.Context, address string) (*models.IPResource, error) {
	res, err := m.db.GetResourceByAddress(ctx, address)
	return res, translate(err, address)
}

func (m *Manager) List(ctx context.Context, f database.ResourceFilter) ([]*models.IPResource, error) {
	res, err := m.db.ListResources(ctx, f)
	return res, translate(err, "")
}

func (m *Manager) Counts(ctx context.Context) (map[models.Status]int, error) {
	counts, err := m.db.CountByStatus(ctx)
	return counts, translate(err, "")
}

func (m *Manager) CountAvailable(ctx context.Context) (int, error) {
	n, err := m.db.CountResources(ctx, models.StatusAvailable)
	return n, translate(err, "")
}

func (m *Manager) Failures(ctx context.Context, resourceID string, limit int) ([]models.FailureRecord, error) {
	records, err := m.db.FailureHistory(ctx, resourceID, limit)
	return records, translate(err, resourceID)
}

// RecordUsage appends an outcome to the metrics store. A failed outcome also
// counts towards the resource's failure threshold.
func (m *Manager) RecordUsage(ctx context.Context, u UsageReport) error {
	latency := u.LatencyMS
	if u.Latency > 0 {
		latency = u.Latency.Milliseconds()
	}
	rec := &models.UsageMetricRecord{
		ID:         uuid.NewString(),
		ResourceID: u.ResourceID,
		Target:     u.Target,
		Success:    u.Success,
		LatencyMS:  latency,
		StatusCode: u.StatusCode,
		Error:      u.Error,
		RecordedAt: m.now(),
	}

	res, err := m.db.GetResource(ctx, u.ResourceID)
	switch {
	case err == nil:
		rec.Address = res.Address
		rec.Provider = res.Provider
	case !errors.Is(err, database.ErrNotFound):
		return translate(err, u.ResourceID)
	}

	if err := m.db.InsertUsage(ctx, rec); err != nil {
		return translate(err, u.ResourceID)
	}
	if u.Success || res == nil {
		return nil
	}

	detail := u.Error
	if detail == "" && u.StatusCode != 0 {
		detail = fmt.Sprintf("status %d", u.StatusCode)
	}
	kind := u.FailureKind
	if kind == "" {
		kind = "request_failure"
	}
	_, err = m.ReportFailure(ctx, u.ResourceID, kind, fmt.Sprintf("%s: %s", u.Target, detail))
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
