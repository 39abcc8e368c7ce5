package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"egress-pool/pkg/models"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

var (
	// An in_use resource takes further consumers while below capacity
	// ("any increment while count < capacity" on available -> in_use), so a
	// preferred claim on it succeeds rather than failing as unavailable.
	claimableStatuses   = []models.Status{models.StatusAvailable, models.StatusInUse}
	quarantinedStatuses = []models.Status{models.StatusFlagged, models.StatusBanned}
)

// Selector narrows a claim. A non-empty ResourceID pins the claim to that
// resource and the filters are ignored.
type Selector struct {
	ResourceID string
	Country    string
	Type       models.ResourceType
}

type ResourceFilter struct {
	Status   models.Status
	Type     models.ResourceType
	Country  string
	Provider string
	Limit    int
	Offset   int
}

// InsertResource registers r unless its address is already pooled. It
// reports whether a row was inserted.
func (db *DB) InsertResource(ctx context.Context, r *models.IPResource) (bool, error) {
	res, err := db.NewInsert().
		Model(r).
		On("CONFLICT (address) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("error inserting resource: %w", err)
	}
	return rowsAffected(res) == 1, nil
}

func (db *DB) GetResource(ctx context.Context, id string) (*models.IPResource, error) {
	return getResource(ctx, db, "id = ?", id)
}

func (db *DB) GetResourceByAddress(ctx context.Context, address string) (*models.IPResource, error) {
	return getResource(ctx, db, "address = ?", address)
}

func getResource(ctx context.Context, idb bun.IDB, where string, arg interface{}) (*models.IPResource, error) {
	r := new(models.IPResource)
	if err := idb.NewSelect().Model(r).Where(where, arg).Scan(ctx); err != nil {
		return nil, notFound(err)
	}
	if err := loadAssignments(ctx, idb, []*models.IPResource{r}); err != nil {
		return nil, err
	}
	return r, nil
}

func loadAssignments(ctx context.Context, idb bun.IDB, resources []*models.IPResource) error {
	if len(resources) == 0 {
		return nil
	}
	byID := make(map[string]*models.IPResource, len(resources))
	ids := make([]string, 0, len(resources))
	for _, r := range resources {
		r.AssignedConsumers = []string{}
		byID[r.ID] = r
		ids = append(ids, r.ID)
	}

	var assignments []models.Assignment
	err := idb.NewSelect().
		Model(&assignments).
		Where("resource_id IN (?)", bun.In(ids)).
		Order("assigned_at ASC", "consumer_id ASC").
		Scan(ctx)
	if err != nil {
		return fmt.Errorf("error loading assignments: %w", err)
	}
	for _, a := range assignments {
		if r, ok := byID[a.ResourceID]; ok {
			r.AssignedConsumers = append(r.AssignedConsumers, a.ConsumerID)
		}
	}
	return nil
}

func (db *DB) ListResources(ctx context.Context, f ResourceFilter) ([]*models.IPResource, error) {
	var resources []*models.IPResource
	q := db.NewSelect().Model(&resources)
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.Country != "" {
		q = q.Where("country_code = ?", strings.ToUpper(f.Country))
	}
	if f.Provider != "" {
		q = q.Where("provider = ?", f.Provider)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit).Offset(f.Offset)
	}
	if err := q.Order("created_at ASC", "id ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("error listing resources: %w", err)
	}
	if err := loadAssignments(ctx, db, resources); err != nil {
		return nil, err
	}
	return resources, nil
}

func (db *DB) CountResources(ctx context.Context, status models.Status) (int, error) {
	n, err := db.NewSelect().
		Model((*models.IPResource)(nil)).
		Where("status = ?", status).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("error counting resources: %w", err)
	}
	return n, nil
}

// CountByStatus returns the number of resources in every state.
func (db *DB) CountByStatus(ctx context.Context) (map[models.Status]int, error) {
	var rows []struct {
		Status models.Status `bun:"status"`
		Count  int           `bun:"count"`
	}
	err := db.NewSelect().
		Model((*models.IPResource)(nil)).
		Column("status").
		ColumnExpr("count(*) AS count").
		Group("status").
		Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("error counting resources by status: %w", err)
	}

	counts := make(map[models.Status]int, len(models.AllStatuses))
	for _, s := range models.AllStatuses {
		counts[s] = 0
	}
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

func (db *DB) ResourcesForConsumer(ctx context.Context, consumerID string) ([]*models.IPResource, error) {
	var resources []*models.IPResource
	err := db.NewSelect().
		Model(&resources).
		Where("id IN (?)", db.NewSelect().
			Model((*models.Assignment)(nil)).
			Column("resource_id").
			Where("consumer_id = ?", consumerID)).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("error listing consumer resources: %w", err)
	}
	if err := loadAssignments(ctx, db, resources); err != nil {
		return nil, err
	}
	return resources, nil
}

// ClaimResource leases a resource to consumerID in a single transaction. A
// consumer that already holds a resource gets it back with existing set.
// The occupancy change is one guarded UPDATE, so concurrent claims can never
// push a resource past its capacity.
func (db *DB) ClaimResource(ctx context.Context, consumerID string, sel Selector, now time.Time) (res *models.IPResource, existing bool, err error) {
	err = db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := db.lockConsumer(ctx, tx, consumerID); err != nil {
			return err
		}

		var held models.Assignment
		err := tx.NewSelect().
			Model(&held).
			Where("consumer_id = ?", consumerID).
			Order("assigned_at ASC", "resource_id ASC").
			Limit(1).
			Scan(ctx)
		switch {
		case err == nil:
			existing = true
			res, err = getResource(ctx, tx, "id = ?", held.ResourceID)
			return err
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("error checking existing assignment: %w", err)
		}

		id := sel.ResourceID
		if id == "" {
			id, err = pickCandidate(ctx, tx, sel)
			if err != nil {
				return err
			}
		}

		result, err := tx.NewUpdate().
			Model((*models.IPResource)(nil)).
			Set("current_user_count = current_user_count + 1").
			Set("status = ?", models.StatusInUse).
			Set("last_used_at = ?", now).
			Set("updated_at = ?", now).
			Where("id = ?", id).
			Where("status IN (?)", bun.In(claimableStatuses)).
			Where("current_user_count < max_concurrent_users").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("error claiming resource: %w", err)
		}
		if rowsAffected(result) == 0 {
			if sel.ResourceID == "" {
				// Lost the race for the candidate.
				return ErrNoCandidate
			}
			exists, err := tx.NewSelect().Model((*models.IPResource)(nil)).Where("id = ?", id).Exists(ctx)
			if err != nil {
				return fmt.Errorf("error checking resource: %w", err)
			}
			if !exists {
				return ErrNotFound
			}
			return ErrGuardFailed
		}

		_, err = tx.NewInsert().
			Model(&models.Assignment{ResourceID: id, ConsumerID: consumerID, AssignedAt: now}).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("error inserting assignment: %w", err)
		}

		res, err = getResource(ctx, tx, "id = ?", id)
		return err
	})
	return res, existing, err
}

// lockConsumer serializes claims by one consumer until tx ends, so two
// concurrent claims cannot both miss the existing lease. SQLite runs on a
// single connection and needs no lock.
func (db *DB) lockConsumer(ctx context.Context, tx bun.Tx, consumerID string) error {
	if db.Dialect().Name() != dialect.PG {
		return nil
	}
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext(?))", consumerID); err != nil {
		return fmt.Errorf("error locking consumer: %w", err)
	}
	return nil
}

func pickCandidate(ctx context.Context, tx bun.Tx, sel Selector) (string, error) {
	var ids []string
	q := tx.NewSelect().
		Model((*models.IPResource)(nil)).
		Column("id").
		Where("status IN (?)", bun.In(claimableStatuses)).
		Where("current_user_count < max_concurrent_users")
	if sel.Country != "" {
		q = q.Where("country_code = ?", strings.ToUpper(sel.Country))
	}
	if sel.Type != "" {
		q = q.Where("type = ?", sel.Type)
	}
	err := q.OrderExpr("current_user_count ASC").
		OrderExpr("last_used_at ASC NULLS FIRST").
		OrderExpr("id ASC").
		Limit(1).
		Scan(ctx, &ids)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("error selecting candidate: %w", err)
	}
	if len(ids) == 0 {
		return "", ErrNoCandidate
	}
	return ids[0], nil
}

// ReleaseResource ends consumerID's lease. The last release moves the
// resource into cooldown.
func (db *DB) ReleaseResource(ctx context.Context, resourceID, consumerID string, now time.Time) (*models.IPResource, error) {
	var res *models.IPResource
	err := db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		result, err := tx.NewUpdate().
			Model((*models.IPResource)(nil)).
			Set("status = CASE WHEN current_user_count <= 1 THEN ? ELSE status END", models.StatusCooldown).
			Set("last_rotated_at = CASE WHEN current_user_count <= 1 THEN ? ELSE last_rotated_at END", now).
			Set("current_user_count = current_user_count - 1").
			Set("updated_at = ?", now).
			Where("id = ?", resourceID).
			Where("current_user_count > 0").
			Where("EXISTS (?)", tx.NewSelect().
				Model((*models.Assignment)(nil)).
				ColumnExpr("1").
				Where("resource_id = ?", resourceID).
				Where("consumer_id = ?", consumerID)).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("error releasing resource: %w", err)
		}
		if rowsAffected(result) == 0 {
			return missingOr(ctx, tx, resourceID, ErrNotAssigned)
		}

		result, err = tx.NewDelete().
			Model((*models.Assignment)(nil)).
			Where("resource_id = ?", resourceID).
			Where("consumer_id = ?", consumerID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("error deleting assignment: %w", err)
		}
		if rowsAffected(result) != 1 {
			return ErrNotAssigned
		}

		res, err = getResource(ctx, tx, "id = ?", resourceID)
		return err
	})
	return res, err
}

// RotateResource force-releases every consumer and puts the resource into
// cooldown. Quarantined resources are left alone.
func (db *DB) RotateResource(ctx context.Context, resourceID string, now time.Time) ([]string, error) {
	var released []string
	err := db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		result, err := tx.NewUpdate().
			Model((*models.IPResource)(nil)).
			Set("status = ?", models.StatusCooldown).
			Set("current_user_count = 0").
			Set("last_rotated_at = ?", now).
			Set("updated_at = ?", now).
			Where("id = ?", resourceID).
			Where("status NOT IN (?)", bun.In(quarantinedStatuses)).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("error rotating resource: %w", err)
		}
		if rowsAffected(result) == 0 {
			return missingOr(ctx, tx, resourceID, ErrGuardFailed)
		}

		released, err = unassignAll(ctx, tx, resourceID)
		return err
	})
	return released, err
}

// SweepCooldown returns resources whose cooldown started at or before cutoff
// to the available state. It only ever matches an already elapsed timer, so
// concurrent sweeps are harmless.
func (db *DB) SweepCooldown(ctx context.Context, cutoff, now time.Time) (int, error) {
	result, err := db.NewUpdate().
		Model((*models.IPResource)(nil)).
		Set("status = ?", models.StatusAvailable).
		Set("status_reason = ?", "").
		Set("updated_at = ?", now).
		Where("status = ?", models.StatusCooldown).
		Where("last_rotated_at IS NULL OR last_rotated_at <= ?", cutoff).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("error sweeping cooldown: %w", err)
	}
	return int(rowsAffected(result)), nil
}

// Quarantine moves a resource to flagged or banned and drops every lease.
// Banning also bumps ban_count.
func (db *DB) Quarantine(ctx context.Context, resourceID string, status models.Status, reason string, now time.Time) (*models.IPResource, []string, error) {
	if status != models.StatusFlagged && status != models.StatusBanned {
		return nil, nil, fmt.Errorf("%w: cannot quarantine as %s", ErrGuardFailed, status)
	}

	var (
		res      *models.IPResource
		released []string
	)
	err := db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		q := tx.NewUpdate().
			Model((*models.IPResource)(nil)).
			Set("status = ?", status).
			Set("status_reason = ?", reason).
			Set("current_user_count = 0").
			Set("updated_at = ?", now).
			Where("id = ?", resourceID)
		if status == models.StatusBanned {
			q = q.Set("ban_count = ban_count + 1")
		}
		result, err := q.Exec(ctx)
		if err != nil {
			return fmt.Errorf("error quarantining resource: %w", err)
		}
		if rowsAffected(result) == 0 {
			return ErrNotFound
		}

		if released, err = unassignAll(ctx, tx, resourceID); err != nil {
			return err
		}
		res, err = getResource(ctx, tx, "id = ?", resourceID)
		return err
	})
	return res, released, err
}

// RecordFailure appends rec to the failure history and bumps failure_count.
// Once the count reaches threshold the resource is flagged and its leases are
// dropped, all in the same transaction.
func (db *DB) RecordFailure(ctx context.Context, rec *models.FailureRecord, threshold int, now time.Time) (flagged bool, released []string, err error) {
	err = db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		result, err := tx.NewUpdate().
			Model((*models.IPResource)(nil)).
			Set("failure_count = failure_count + 1").
			Set("updated_at = ?", now).
			Where("id = ?", rec.ResourceID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("error incrementing failure count: %w", err)
		}
		if rowsAffected(result) == 0 {
			return ErrNotFound
		}

		if _, err := tx.NewInsert().Model(rec).Exec(ctx); err != nil {
			return fmt.Errorf("error inserting failure record: %w", err)
		}

		result, err = tx.NewUpdate().
			Model((*models.IPResource)(nil)).
			Set("status = ?", models.StatusFlagged).
			Set("status_reason = ?", fmt.Sprintf("failure threshold reached: %s", rec.Kind)).
			Set("current_user_count = 0").
			Set("updated_at = ?", now).
			Where("id = ?", rec.ResourceID).
			Where("failure_count >= ?", threshold).
			Where("status NOT IN (?)", bun.In(quarantinedStatuses)).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("error flagging resource: %w", err)
		}
		if rowsAffected(result) == 0 {
			return nil
		}
		flagged = true
		released, err = unassignAll(ctx, tx, rec.ResourceID)
		return err
	})
	return flagged, released, err
}

// ResetResource zeroes failure_count and returns a flagged or banned resource
// to available. Other states keep their status.
func (db *DB) ResetResource(ctx context.Context, resourceID string, now time.Time) (*models.IPResource, error) {
	var res *models.IPResource
	err := db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		result, err := tx.NewUpdate().
			Model((*models.IPResource)(nil)).
			Set("status = CASE WHEN status IN (?) THEN ? ELSE status END", bun.In(quarantinedStatuses), models.StatusAvailable).
			Set("status_reason = CASE WHEN status IN (?) THEN '' ELSE status_reason END", bun.In(quarantinedStatuses)).
			Set("failure_count = 0").
			Set("updated_at = ?", now).
			Where("id = ?", resourceID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("error resetting resource: %w", err)
		}
		if rowsAffected(result) == 0 {
			return ErrNotFound
		}
		res, err = getResource(ctx, tx, "id = ?", resourceID)
		return err
	})
	return res, err
}

// DeleteResource removes a resource with its leases and failure history.
// Usage metrics are kept.
func (db *DB) DeleteResource(ctx context.Context, resourceID string) error {
	return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		result, err := tx.NewDelete().
			Model((*models.IPResource)(nil)).
			Where("id = ?", resourceID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("error deleting resource: %w", err)
		}
		if rowsAffected(result) == 0 {
			return ErrNotFound
		}
		if _, err := unassignAll(ctx, tx, resourceID); err != nil {
			return err
		}
		_, err = tx.NewDelete().
			Model((*models.FailureRecord)(nil)).
			Where("resource_id = ?", resourceID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("error deleting failure history: %w", err)
		}
		return nil
	})
}

// StaleInUse lists in-use resources holding a lease granted at or before
// before.
func (db *DB) StaleInUse(ctx context.Context, before time.Time) ([]*models.IPResource, error) {
	var resources []*models.IPResource
	err := db.NewSelect().
		Model(&resources).
		Where("status = ?", models.StatusInUse).
		Where("id IN (?)", db.NewSelect().
			Model((*models.Assignment)(nil)).
			Column("resource_id").
			Where("assigned_at <= ?", before)).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("error listing stale resources: %w", err)
	}
	return resources, nil
}

func (db *DB) FailureHistory(ctx context.Context, resourceID string, limit int) ([]models.FailureRecord, error) {
	var records []models.FailureRecord
	q := db.NewSelect().
		Model(&records).
		Where("resource_id = ?", resourceID).
		Order("occurred_at DESC", "id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("error listing failures: %w", err)
	}
	return records, nil
}

func unassignAll(ctx context.Context, tx bun.Tx, resourceID string) ([]string, error) {
	var consumers []string
	err := tx.NewSelect().
		Model((*models.Assignment)(nil)).
		Column("consumer_id").
		Where("resource_id = ?", resourceID).
		Order("consumer_id ASC").
		Scan(ctx, &consumers)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("error listing assignments: %w", err)
	}

	_, err = tx.NewDelete().
		Model((*models.Assignment)(nil)).
		Where("resource_id = ?", resourceID).
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("error deleting assignments: %w", err)
	}
	return consumers, nil
}

// missingOr returns ErrNotFound when the resource does not exist and fallback
// otherwise.
func missingOr(ctx context.Context, tx bun.Tx, resourceID string, fallback error) error {
	exists, err := tx.NewSelect().
		Model((*models.IPResource)(nil)).
		Where("id = ?", resourceID).
		Exists(ctx)
	if err != nil {
		return fmt.Errorf("error checking resource: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return fallback
}
