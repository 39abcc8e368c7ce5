package health

import (
	"context"
	"errors"
	"fmt"

	"egress-pool/pkg/models"
	"egress-pool/pkg/pool"
)

type Verdict string

const (
	VerdictKeep   Verdict = "keep"
	VerdictRotate Verdict = "rotate"
	VerdictFlag   Verdict = "flag"
	VerdictBan    Verdict = "ban"
)

// Thresholds are success rate percentages, critical <= low <= threshold.
type Thresholds struct {
	Threshold float64
	Low       float64
	Critical  float64
}

// Evaluate maps a success rate and the current status to an action. Only an
// in_use resource is rotated for falling under the threshold.
func (t Thresholds) Evaluate(rate float64, status models.Status) Verdict {
	switch {
	case rate < t.Critical:
		return VerdictBan
	case rate < t.Low:
		return VerdictFlag
	case rate < t.Threshold && status == models.StatusInUse:
		return VerdictRotate
	default:
		return VerdictKeep
	}
}

type PolicyReport struct {
	Evaluated int      `json:"evaluated"`
	Banned    []string `json:"banned,omitempty"`
	Flagged   []string `json:"flagged,omitempty"`
	Rotated   []string `json:"rotated,omitempty"`
}

func (m *Monitor) thresholds() Thresholds {
	return Thresholds{
		Threshold: m.cfg.Threshold,
		Low:       m.cfg.LowCutoff,
		Critical:  m.cfg.CriticalCutoff,
	}
}

// ApplyHealthPolicy evaluates every resource with at least MinRequests
// samples in the window. Failures on individual resources are logged and
// skipped; only a pool outage stops the run.
func (m *Monitor) ApplyHealthPolicy(ctx context.Context) (*PolicyReport, error) {
	rows, err := m.AggregateHealth(ctx, m.cfg.Window)
	if err != nil {
		return nil, err
	}

	t := m.thresholds()
	report := &PolicyReport{}
	for _, h := range rows {
		if h.Requests < int64(m.cfg.MinRequests) || h.Status == "" {
			continue
		}
		report.Evaluated++

		verdict := t.Evaluate(h.SuccessRate, h.Status)
		reason := fmt.Sprintf("success rate %.1f%% over %d requests", h.SuccessRate, h.Requests)
		var err error
		switch verdict {
		case VerdictBan:
			if h.Status == models.StatusBanned {
				continue
			}
			_, err = m.pool.Ban(ctx, h.ResourceID, reason)
			if err == nil {
				report.Banned = append(report.Banned, h.ResourceID)
			}
		case VerdictFlag:
			if h.Status == models.StatusFlagged || h.Status == models.StatusBanned {
				continue
			}
			err = m.pool.Flag(ctx, h.ResourceID, reason)
			if err == nil {
				report.Flagged = append(report.Flagged, h.ResourceID)
			}
		case VerdictRotate:
			_, err = m.pool.Rotate(ctx, h.ResourceID)
			if err == nil {
				report.Rotated = append(report.Rotated, h.ResourceID)
			}
		default:
			continue
		}

		if errors.Is(err, pool.ErrPoolUnavailable) {
			return report, err
		}
		if err != nil {
			m.logger.Warn("Health action failed",
				"resourceID", h.ResourceID,
				"verdict", verdict,
				"error", err)
		}
	}

	m.logger.Info("Applied health policy",
		"evaluated", report.Evaluated,
		"banned", len(report.Banned),
		"flagged", len(report.Flagged),
		"rotated", len(report.Rotated))
	return report, nil
}
