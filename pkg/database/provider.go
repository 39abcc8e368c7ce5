package database

import (
	"context"
	"fmt"
	"time"

	"egress-pool/pkg/models"
)

func (db *DB) InsertProvider(ctx context.Context, p *models.ProviderConfig) error {
	if _, err := db.NewInsert().Model(p).Exec(ctx); err != nil {
		return fmt.Errorf("error inserting provider: %w", err)
	}
	return nil
}

// UpsertProvider creates or refreshes a provider by name. Fetch statistics
// of an existing row are preserved.
func (db *DB) UpsertProvider(ctx context.Context, p *models.ProviderConfig) error {
	_, err := db.NewInsert().
		Model(p).
		On("CONFLICT (name) DO UPDATE").
		Set("type = EXCLUDED.type").
		Set("api_key = EXCLUDED.api_key").
		Set("username = EXCLUDED.username").
		Set("password = EXCLUDED.password").
		Set("endpoint = EXCLUDED.endpoint").
		Set("options = EXCLUDED.options").
		Set("active = EXCLUDED.active").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("error upserting provider: %w", err)
	}
	return nil
}

func (db *DB) GetProvider(ctx context.Context, id string) (*models.ProviderConfig, error) {
	p := new(models.ProviderConfig)
	if err := db.NewSelect().Model(p).Where("id = ?", id).Scan(ctx); err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

func (db *DB) GetProviderByName(ctx context.Context, name string) (*models.ProviderConfig, error) {
	p := new(models.ProviderConfig)
	if err := db.NewSelect().Model(p).Where("name = ?", name).Scan(ctx); err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

func (db *DB) ListProviders(ctx context.Context, activeOnly bool) ([]*models.ProviderConfig, error) {
	var providers []*models.ProviderConfig
	q := db.NewSelect().Model(&providers)
	if activeOnly {
		q = q.Where("active = ?", true)
	}
	if err := q.Order("created_at ASC", "name ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("error listing providers: %w", err)
	}
	return providers, nil
}

// UpdateProvider writes the editable columns of p. Fetch statistics are
// owned by RecordProviderFetch.
func (db *DB) UpdateProvider(ctx context.Context, p *models.ProviderConfig) error {
	result, err := db.NewUpdate().
		Model(p).
		Column("name", "type", "api_key", "username", "password", "endpoint", "options", "active", "updated_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("error updating provider: %w", err)
	}
	if rowsAffected(result) == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) DeleteProvider(ctx context.Context, id string) error {
	result, err := db.NewDelete().
		Model((*models.ProviderConfig)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("error deleting provider: %w", err)
	}
	if rowsAffected(result) == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordProviderFetch accounts one fetch attempt. success_rate is the
// percentage of attempts that returned at least one candidate.
func (db *DB) RecordProviderFetch(ctx context.Context, id string, ok bool, now time.Time) error {
	failed := 0
	if !ok {
		failed = 1
	}
	result, err := db.NewUpdate().
		Model((*models.ProviderConfig)(nil)).
		Set("success_rate = 100.0 * (fetch_count + 1 - (error_count + ?)) / (fetch_count + 1)", failed).
		Set("fetch_count = fetch_count + 1").
		Set("error_count = error_count + ?", failed).
		Set("last_fetch_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("error recording provider fetch: %w", err)
	}
	if rowsAffected(result) == 0 {
		return ErrNotFound
	}
	return nil
}
