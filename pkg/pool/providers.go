package pool

import (
	"context"
	"fmt"
	"strings"

	"egress-pool/pkg/config"
	"egress-pool/pkg/models"

	"github.com/google/uuid"
)

// ProviderInput is the editable part of a ProviderConfig.
type ProviderInput struct {
	Name     string              `json:"name" binding:"required"`
	Type     models.ProviderType `json:"type" binding:"required"`
	APIKey   string              `json:"api_key"`
	Username string              `json:"username"`
	Password string              `json:"password"`
	Endpoint string              `json:"endpoint"`
	Options  map[string]string   `json:"options"`
	Active   *bool               `json:"active"`
}

func (in ProviderInput) apply(p *models.ProviderConfig) {
	p.Name = strings.TrimSpace(in.Name)
	p.Type = models.ProviderType(strings.ToLower(string(in.Type)))
	p.APIKey = in.APIKey
	p.Username = in.Username
	p.Password = in.Password
	p.Endpoint = in.Endpoint
	p.Options = in.Options
	if p.Options == nil {
		p.Options = map[string]string{}
	}
	p.Active = in.Active == nil || *in.Active
}

func (m *Manager) AddProvider(ctx context.Context, in ProviderInput) (*models.ProviderConfig, error) {
	now := m.now()
	p := &models.ProviderConfig{ID: uuid.NewString(), CreatedAt: now, UpdatedAt: now}
	in.apply(p)
	if p.Name == "" {
		return nil, fmt.Errorf("%w: provider name is required", ErrInvalidInput)
	}
	if err := m.db.InsertProvider(ctx, p); err != nil {
		return nil, translate(err, p.Name)
	}
	m.logger.Info("Added provider", "provider", p.Name, "type", p.Type)
	return p, nil
}

func (m *Manager) UpdateProvider(ctx context.Context, id string, in ProviderInput) (*models.ProviderConfig, error) {
	p, err := m.db.GetProvider(ctx, id)
	if err != nil {
		return nil, translate(err, id)
	}
	in.apply(p)
	p.UpdatedAt = m.now()
	if err := m.db.UpdateProvider(ctx, p); err != nil {
		return nil, translate(err, id)
	}
	return p, nil
}

func (m *Manager) DeleteProvider(ctx context.Context, id string) error {
	return translate(m.db.DeleteProvider(ctx, id), id)
}

func (m *Manager) GetProvider(ctx context.Context, id string) (*models.ProviderConfig, error) {
	p, err := m.db.GetProvider(ctx, id)
	return p, translate(err, id)
}

func (m *Manager) ListProviders(ctx context.Context, activeOnly bool) ([]*models.ProviderConfig, error) {
	providers, err := m.db.ListProviders(ctx, activeOnly)
	return providers, translate(err, "")
}

// RecordProviderFetch accounts one fetch attempt against the provider's
// rolling statistics.
func (m *Manager) RecordProviderFetch(ctx context.Context, id string, gotCandidates bool) error {
	return translate(m.db.RecordProviderFetch(ctx, id, gotCandidates, m.now()), id)
}

// SeedProviders upserts the providers declared in configuration.
func (m *Manager) SeedProviders(ctx context.Context, providers []config.Provider) error {
	for _, cp := range providers {
		now := m.now()
		p := &models.ProviderConfig{ID: uuid.NewString(), CreatedAt: now, UpdatedAt: now}
		ProviderInput{
			Name:     cp.Name,
			Type:     models.ProviderType(cp.Type),
			APIKey:   cp.APIKey,
			Username: cp.Username,
			Password: cp.Password,
			Endpoint: cp.Endpoint,
			Options:  cp.Options,
			Active:   cp.Active,
		}.apply(p)
		if err := m.db.UpsertProvider(ctx, p); err != nil {
			return translate(err, cp.Name)
		}
		m.logger.Debug("Seeded provider", "provider", p.Name, "type", p.Type, "active", p.Active)
	}
	return nil
}
