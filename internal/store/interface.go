package store

import (
	"context"
	"errors"
	"time"

	"github.com/MikeSquared-Agency/vibereport/internal/audit"
	"github.com/MikeSquared-Agency/vibereport/internal/vibe"
)

var (
	// ErrAccountNotFound is returned when an account id has no row.
	ErrAccountNotFound = errors.New("account not found")

	// ErrInsufficientCredits is returned when a consume would take the
	// balance below zero. The balance row is left untouched.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrAnalysisNotFound is returned when an analysis id has no row.
	ErrAnalysisNotFound = errors.New("analysis not found")
)

// Account is one credit-ledger row.
type Account struct {
	AccountID   string    `json:"account_id"`
	DisplayName string    `json:"display_name"`
	Balance     int       `json:"balance"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Analysis is one persisted report run.
type Analysis struct {
	AnalysisID      string      `json:"analysis_id"`
	AccountID       string      `json:"account_id"`
	DisplayName     string      `json:"display_name"`
	TranscriptChars int         `json:"transcript_chars"`
	Report          vibe.Report `json:"report"`
	CreatedAt       time.Time   `json:"created_at"`
}

// DataStore is the interface consumed by the ledger, batcher, processors,
// and the API. The concrete implementation is *Store (pgx-backed).
type DataStore interface {
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	CreateAccount(ctx context.Context, accountID, displayName string, initialCredits int) (*Account, error)
	ConsumeCredit(ctx context.Context, accountID string) (int, error)
	GrantCredits(ctx context.Context, accountID string, n int) (int, error)
	MarkEventProcessed(ctx context.Context, eventID string) (bool, error)
	UnmarkEventProcessed(ctx context.Context, eventID string) error
	InsertAnalysis(ctx context.Context, a Analysis) error
	GetAnalysis(ctx context.Context, analysisID string) (*Analysis, error)
	QueryAnalyses(ctx context.Context, accountID string, limit int) ([]Analysis, error)
	InsertAuditEvents(ctx context.Context, evts []audit.Event) error
	UpsertUsageMetric(ctx context.Context, accountID string, date time.Time, updates map[string]any) error
	GetUsageMetrics(ctx context.Context, accountID string) (map[string]any, error)
	Close()
}
