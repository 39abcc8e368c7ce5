package models

import (
	"time"

	"github.com/uptrace/bun"
)

// UsageMetricRecord is an append-only outcome of one request made through a
// resource. Rows are never updated.
type UsageMetricRecord struct {
	bun.BaseModel `bun:"table:usage_metrics,alias:um"`

	ID         string    `bun:",pk" json:"id"`
	ResourceID string    `bun:",notnull" json:"resource_id"`
	Address    string    `json:"address,omitempty"`
	Provider   string    `json:"provider,omitempty"`
	Target     string    `bun:",notnull" json:"target"`
	Success    bool      `bun:",notnull" json:"success"`
	LatencyMS  int64     `bun:"latency_ms,notnull" json:"latency_ms"`
	StatusCode int       `json:"status_code,omitempty"`
	Error      string    `json:"error,omitempty"`
	RecordedAt time.Time `bun:",notnull" json:"recorded_at"`
}

// ResourceHealth is the aggregate of a resource's usage inside a window,
// joined with its current registry state.
type ResourceHealth struct {
	ResourceID   string       `bun:"resource_id" json:"resource_id"`
	Requests     int64        `bun:"requests" json:"requests"`
	Successes    int64        `bun:"successes" json:"successes"`
	AvgLatencyMS float64      `bun:"avg_latency_ms" json:"avg_latency_ms"`
	SuccessRate  float64      `bun:"-" json:"success_rate"`
	Address      string       `bun:"-" json:"address,omitempty"`
	Provider     string       `bun:"-" json:"provider,omitempty"`
	Status       Status       `bun:"-" json:"status,omitempty"`
	Type         ResourceType `bun:"-" json:"type,omitempty"`
}

type ProviderHealth struct {
	Provider     string   `bun:"provider" json:"provider"`
	Requests     int64    `bun:"requests" json:"requests"`
	Successes    int64    `bun:"successes" json:"successes"`
	AvgLatencyMS float64  `bun:"avg_latency_ms" json:"avg_latency_ms"`
	Resources    int64    `bun:"resources" json:"resources"`
	SuccessRate  float64  `bun:"-" json:"success_rate"`
	TopErrors    []string `bun:"-" json:"top_errors,omitempty"`
}
