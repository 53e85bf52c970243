package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MikeSquared-Agency/vibereport/internal/audit"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// GetAccount returns the ledger row for an account.
func (s *Store) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT account_id, display_name, balance, created_at, updated_at FROM vibe_accounts WHERE account_id = $1`,
		accountID,
	)

	var a Account
	if err := row.Scan(&a.AccountID, &a.DisplayName, &a.Balance, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}

// CreateAccount inserts a ledger row seeded with the starter balance.
// Creating an account that already exists is a no-op: the existing row is
// returned unchanged, starter credits are never re-granted.
func (s *Store) CreateAccount(ctx context.Context, accountID, displayName string, initialCredits int) (*Account, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO vibe_accounts (account_id, display_name, balance, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (account_id) DO NOTHING
	`, accountID, displayName, initialCredits)
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	return s.GetAccount(ctx, accountID)
}

// ConsumeCredit atomically decrements the balance by one. The conditional
// update means two concurrent consumers can never drive the balance below
// zero. Returns the new balance.
func (s *Store) ConsumeCredit(ctx context.Context, accountID string) (int, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE vibe_accounts
		SET balance = balance - 1, updated_at = now()
		WHERE account_id = $1 AND balance >= 1
		RETURNING balance
	`, accountID)

	var balance int
	if err := row.Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// No row matched: either the account is missing or it is broke.
			if _, gerr := s.GetAccount(ctx, accountID); gerr != nil {
				return 0, gerr
			}
			return 0, ErrInsufficientCredits
		}
		return 0, fmt.Errorf("consume credit: %w", err)
	}
	return balance, nil
}

// GrantCredits atomically adds n credits and returns the new balance.
func (s *Store) GrantCredits(ctx context.Context, accountID string, n int) (int, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE vibe_accounts
		SET balance = balance + $2, updated_at = now()
		WHERE account_id = $1
		RETURNING balance
	`, accountID, n)

	var balance int
	if err := row.Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, fmt.Errorf("grant credits: %w", err)
	}
	return balance, nil
}

// MarkEventProcessed records a payment event id for idempotency. Returns
// false when the id was already recorded, meaning the caller should skip
// the side effects for this delivery.
func (s *Store) MarkEventProcessed(ctx context.Context, eventID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO stripe_events (event_id, processed_at)
		VALUES ($1, now())
		ON CONFLICT (event_id) DO NOTHING
	`, eventID)
	if err != nil {
		return false, fmt.Errorf("mark event processed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UnmarkEventProcessed removes a recorded event id so a provider retry can
// be processed again. Called when the side effects after the mark failed
// transiently and the delivery is being rejected with a retryable status.
func (s *Store) UnmarkEventProcessed(ctx context.Context, eventID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM stripe_events WHERE event_id = $1`, eventID)
	if err != nil {
		return fmt.Errorf("unmark event processed: %w", err)
	}
	return nil
}

// InsertAnalysis persists one completed report run.
func (s *Store) InsertAnalysis(ctx context.Context, a Analysis) error {
	report, err := json.Marshal(a.Report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO vibe_analyses (analysis_id, account_id, display_name, transcript_chars, report, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, a.AnalysisID, a.AccountID, a.DisplayName, a.TranscriptChars, report, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert analysis: %w", err)
	}

	slog.Debug("inserted analysis", "analysis_id", a.AnalysisID, "account_id", a.AccountID)
	return nil
}

// GetAnalysis returns a single analysis by ID.
func (s *Store) GetAnalysis(ctx context.Context, analysisID string) (*Analysis, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT analysis_id, account_id, display_name, transcript_chars, report, created_at FROM vibe_analyses WHERE analysis_id = $1`,
		analysisID,
	)

	a, err := scanAnalysis(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAnalysisNotFound
		}
		return nil, fmt.Errorf("get analysis: %w", err)
	}
	return a, nil
}

// QueryAnalyses returns analyses filtered by account, newest first.
func (s *Store) QueryAnalyses(ctx context.Context, accountID string, limit int) ([]Analysis, error) {
	q := `SELECT analysis_id, account_id, display_name, transcript_chars, report, created_at FROM vibe_analyses`
	args := []any{}
	argN := 1

	if accountID != "" {
		q += fmt.Sprintf(` WHERE account_id = $%d`, argN)
		args = append(args, accountID)
		argN++
	}

	q += ` ORDER BY created_at DESC`

	if limit > 0 {
		q += fmt.Sprintf(` LIMIT $%d`, argN)
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *a)
	}
	return results, rows.Err()
}

func scanAnalysis(row pgx.Row) (*Analysis, error) {
	var (
		a      Analysis
		report json.RawMessage
	)
	if err := row.Scan(&a.AnalysisID, &a.AccountID, &a.DisplayName, &a.TranscriptChars, &report, &a.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(report, &a.Report); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}
	return &a, nil
}

// InsertAuditEvents batch-inserts audit events into vibe_events.
func (s *Store) InsertAuditEvents(ctx context.Context, evts []audit.Event) error {
	if len(evts) == 0 {
		return nil
	}

	rows := make([][]any, len(evts))
	for i, e := range evts {
		rows[i] = []any{e.EventID, e.AccountID, e.Source, e.EventType, e.Timestamp, e.Metadata}
	}

	_, err := s.pool.CopyFrom(
		ctx,
		pgx.Identifier{"vibe_events"},
		[]string{"event_id", "account_id", "source", "event_type", "timestamp", "metadata"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("copy audit events: %w", err)
	}

	slog.Debug("inserted audit events", "count", len(evts))
	return nil
}

// UpsertUsageMetric updates rolling usage counters for an account on a date.
func (s *Store) UpsertUsageMetric(ctx context.Context, accountID string, date time.Time, updates map[string]any) error {
	d := date.Format("2006-01-02")

	// Ensure row exists.
	_, err := s.pool.Exec(ctx, `
		INSERT INTO usage_metrics (account_id, metric_date)
		VALUES ($1, $2)
		ON CONFLICT (account_id, metric_date) DO NOTHING
	`, accountID, d)
	if err != nil {
		return fmt.Errorf("ensure usage_metrics row: %w", err)
	}

	for field, value := range updates {
		var q string
		switch field {
		case "inc_analyses":
			q = `UPDATE usage_metrics SET analyses_completed = analyses_completed + 1, updated_at = now() WHERE account_id = $1 AND metric_date = $2`
			if _, err := s.pool.Exec(ctx, q, accountID, d); err != nil {
				return fmt.Errorf("inc analyses: %w", err)
			}
			continue
		case "inc_failed":
			q = `UPDATE usage_metrics SET analyses_failed = analyses_failed + 1, updated_at = now() WHERE account_id = $1 AND metric_date = $2`
			if _, err := s.pool.Exec(ctx, q, accountID, d); err != nil {
				return fmt.Errorf("inc failed: %w", err)
			}
			continue
		case "inc_credits_consumed":
			q = `UPDATE usage_metrics SET credits_consumed = credits_consumed + 1, updated_at = now() WHERE account_id = $1 AND metric_date = $2`
			if _, err := s.pool.Exec(ctx, q, accountID, d); err != nil {
				return fmt.Errorf("inc credits consumed: %w", err)
			}
			continue
		case "add_credits_granted":
			q = `UPDATE usage_metrics SET credits_granted = credits_granted + $3, updated_at = now() WHERE account_id = $1 AND metric_date = $2`
		case "avg_duration_ms":
			q = `UPDATE usage_metrics SET avg_duration_ms = $3, updated_at = now() WHERE account_id = $1 AND metric_date = $2`
		case "max_people":
			q = `UPDATE usage_metrics SET max_people = GREATEST(max_people, $3), updated_at = now() WHERE account_id = $1 AND metric_date = $2`
		default:
			continue
		}
		if _, err := s.pool.Exec(ctx, q, accountID, d, value); err != nil {
			return fmt.Errorf("update metric %s: %w", field, err)
		}
	}

	return nil
}

// GetUsageMetrics returns the latest usage row for an account.
func (s *Store) GetUsageMetrics(ctx context.Context, accountID string) (map[string]any, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT account_id, metric_date, analyses_completed, analyses_failed, credits_consumed,
		       credits_granted, avg_duration_ms, max_people
		FROM usage_metrics
		WHERE account_id = $1
		ORDER BY metric_date DESC
		LIMIT 1
	`, accountID)

	var (
		aid               string
		mdate             time.Time
		completed, failed int
		consumed, granted int
		avgD              int64
		maxPeople         int
	)
	if err := row.Scan(&aid, &mdate, &completed, &failed, &consumed, &granted, &avgD, &maxPeople); err != nil {
		return nil, err
	}

	return map[string]any{
		"account_id":         aid,
		"metric_date":        mdate.Format("2006-01-02"),
		"analyses_completed": completed,
		"analyses_failed":    failed,
		"credits_consumed":   consumed,
		"credits_granted":    granted,
		"avg_duration_ms":    avgD,
		"max_people":         maxPeople,
	}, nil
}
