package proxy

import (
	"context"
	"fmt"

	"egress-pool/pkg/models"
)

// Filter is the generic selection a provider translates into its own API.
type Filter struct {
	Country string
	Type    models.ResourceType
}

// Provider defines the interface for different proxy providers
type Provider interface {
	GetProviderName() string
	// Fetch returns up to count candidates matching filter. Malformed
	// entries in the provider's response are skipped, not fatal.
	Fetch(ctx context.Context, cfg *models.ProviderConfig, filter Filter, count int) ([]models.Candidate, error)
}

// ProviderError is a failed fetch attempt against one provider.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
