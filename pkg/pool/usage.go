package pool

import (
	"context"
	"time"

	"egress-pool/pkg/models"
)

// Now is the manager's clock, which stamps every registry and metrics write.
func (m *Manager) Now() time.Time {
	return m.now()
}

// ResourceUsage aggregates usage per resource over the trailing window.
func (m *Manager) ResourceUsage(ctx context.Context, window time.Duration) ([]models.ResourceHealth, error) {
	rows, err := m.db.AggregateUsage(ctx, m.now().Add(-window))
	return rows, translate(err, "")
}

// ProviderUsage aggregates usage per provider over the trailing window with
// the topErrors most common failure messages.
func (m *Manager) ProviderUsage(ctx context.Context, window time.Duration, topErrors int) ([]models.ProviderHealth, error) {
	rows, err := m.db.AggregateProviders(ctx, m.now().Add(-window), topErrors)
	return rows, translate(err, "")
}

// PruneUsage deletes usage records older than retention.
func (m *Manager) PruneUsage(ctx context.Context, retention time.Duration) (int, error) {
	n, err := m.db.PruneUsage(ctx, m.now().Add(-retention))
	if err != nil {
		return 0, translate(err, "")
	}
	if n > 0 {
		m.logger.Info("Pruned usage metrics", "count", n, "retention", retention)
	}
	return n, nil
}
