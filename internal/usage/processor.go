package usage

import (
	"context"
	"log/slog"

	"github.com/MikeSquared-Agency/vibereport/internal/audit"
	"github.com/MikeSquared-Agency/vibereport/internal/store"
)

// Processor folds audit events into per-account daily usage counters.
type Processor struct {
	store store.DataStore
}

func NewProcessor(s store.DataStore) *Processor {
	return &Processor{store: s}
}

// Process updates usage_metrics based on event type.
func (p *Processor) Process(ctx context.Context, e audit.Event) {
	switch e.EventType {
	case audit.TypeAnalysisCompleted:
		p.handleAnalysisCompleted(ctx, e)
	case audit.TypeAnalysisFailed:
		p.handleAnalysisFailed(ctx, e)
	case audit.TypeCreditConsumed:
		p.handleCreditConsumed(ctx, e)
	case audit.TypeCreditGranted:
		p.handleCreditGranted(ctx, e)
	}
}

func (p *Processor) handleAnalysisCompleted(ctx context.Context, e audit.Event) {
	if e.AccountID == "" {
		return
	}

	updates := map[string]any{"inc_analyses": true}

	m := e.MetadataMap()
	if dur, ok := m["duration_ms"].(float64); ok && dur > 0 {
		updates["avg_duration_ms"] = int64(dur)
	}
	if people, ok := m["people"].(float64); ok && people > 0 {
		updates["max_people"] = int(people)
	}

	if err := p.store.UpsertUsageMetric(ctx, e.AccountID, e.Timestamp, updates); err != nil {
		slog.Error("failed to update usage on completion", "account_id", e.AccountID, "error", err)
	}
}

func (p *Processor) handleAnalysisFailed(ctx context.Context, e audit.Event) {
	if e.AccountID == "" {
		return
	}

	updates := map[string]any{"inc_failed": true}
	if err := p.store.UpsertUsageMetric(ctx, e.AccountID, e.Timestamp, updates); err != nil {
		slog.Error("failed to update usage on failure", "account_id", e.AccountID, "error", err)
	}
}

func (p *Processor) handleCreditConsumed(ctx context.Context, e audit.Event) {
	if e.AccountID == "" {
		return
	}

	updates := map[string]any{"inc_credits_consumed": true}
	if err := p.store.UpsertUsageMetric(ctx, e.AccountID, e.Timestamp, updates); err != nil {
		slog.Error("failed to update consumed counter", "account_id", e.AccountID, "error", err)
	}
}

func (p *Processor) handleCreditGranted(ctx context.Context, e audit.Event) {
	if e.AccountID == "" {
		return
	}

	m := e.MetadataMap()
	granted, ok := m["granted"].(float64)
	if !ok || granted <= 0 {
		return
	}

	updates := map[string]any{"add_credits_granted": int(granted)}
	if err := p.store.UpsertUsageMetric(ctx, e.AccountID, e.Timestamp, updates); err != nil {
		slog.Error("failed to update granted counter", "account_id", e.AccountID, "error", err)
	}
}
