package database

import (
	"context"
	"fmt"
	"sort"
	"time"

	"egress-pool/pkg/models"
)

func (db *DB) InsertUsage(ctx context.Context, rec *models.UsageMetricRecord) error {
	if _, err := db.NewInsert().Model(rec).Exec(ctx); err != nil {
		return fmt.Errorf("error inserting usage metric: %w", err)
	}
	return nil
}

// AggregateUsage groups usage recorded at or after since by resource.
func (db *DB) AggregateUsage(ctx context.Context, since time.Time) ([]models.ResourceHealth, error) {
	var rows []models.ResourceHealth
	err := db.NewSelect().
		Model((*models.UsageMetricRecord)(nil)).
		Column("resource_id").
		ColumnExpr("count(*) AS requests").
		ColumnExpr("SUM(CASE WHEN success THEN 1 ELSE 0 END) AS successes").
		ColumnExpr("AVG(latency_ms) AS avg_latency_ms").
		Where("recorded_at >= ?", since).
		Group("resource_id").
		Order("resource_id").
		Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("error aggregating usage: %w", err)
	}
	for i := range rows {
		rows[i].SuccessRate = percent(rows[i].Successes, rows[i].Requests)
	}
	return rows, nil
}

// AggregateProviders groups usage recorded at or after since by provider and
// attaches the topErrors most frequent failure messages of each.
func (db *DB) AggregateProviders(ctx context.Context, since time.Time, topErrors int) ([]models.ProviderHealth, error) {
	var rows []models.ProviderHealth
	err := db.NewSelect().
		Model((*models.UsageMetricRecord)(nil)).
		Column("provider").
		ColumnExpr("count(*) AS requests").
		ColumnExpr("SUM(CASE WHEN success THEN 1 ELSE 0 END) AS successes").
		ColumnExpr("AVG(latency_ms) AS avg_latency_ms").
		ColumnExpr("count(DISTINCT resource_id) AS resources").
		Where("recorded_at >= ?", since).
		Group("provider").
		Order("provider").
		Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("error aggregating providers: %w", err)
	}

	var errorRows []struct {
		Provider string `bun:"provider"`
		Error    string `bun:"error"`
		Count    int    `bun:"count"`
	}
	err = db.NewSelect().
		Model((*models.UsageMetricRecord)(nil)).
		Column("provider", "error").
		ColumnExpr("count(*) AS count").
		Where("recorded_at >= ?", since).
		Where("success = ?", false).
		Where("error IS NOT NULL AND error != ''").
		Group("provider", "error").
		Scan(ctx, &errorRows)
	if err != nil {
		return nil, fmt.Errorf("error aggregating provider errors: %w", err)
	}
	sort.SliceStable(errorRows, func(i, j int) bool {
		if errorRows[i].Count != errorRows[j].Count {
			return errorRows[i].Count > errorRows[j].Count
		}
		return errorRows[i].Error < errorRows[j].Error
	})

	index := make(map[string]int, len(rows))
	for i := range rows {
		rows[i].SuccessRate = percent(rows[i].Successes, rows[i].Requests)
		index[rows[i].Provider] = i
	}
	for _, e := range errorRows {
		i, ok := index[e.Provider]
		if !ok || len(rows[i].TopErrors) >= topErrors {
			continue
		}
		rows[i].TopErrors = append(rows[i].TopErrors, e.Error)
	}
	return rows, nil
}

// PruneUsage deletes usage recorded before cutoff.
func (db *DB) PruneUsage(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := db.NewDelete().
		Model((*models.UsageMetricRecord)(nil)).
		Where("recorded_at < ?", cutoff).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("error pruning usage metrics: %w", err)
	}
	return int(rowsAffected(result)), nil
}

func percent(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return 100 * float64(part) / float64(total)
}
