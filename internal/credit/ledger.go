package credit

import (
	"context"
	"log/slog"

	"github.com/MikeSquared-Agency/vibereport/internal/audit"
	"github.com/MikeSquared-Agency/vibereport/internal/store"
)

// EventSink receives audit events for batched persistence.
type EventSink interface {
	Add(e audit.Event)
}

// Ledger wraps the account balance operations and emits an audit event for
// every balance change. All arithmetic happens in the store, so concurrent
// callers cannot overdraw an account.
type Ledger struct {
	store store.DataStore
	sink  EventSink
}

func NewLedger(s store.DataStore, sink EventSink) *Ledger {
	return &Ledger{store: s, sink: sink}
}

// Balance returns the current balance for an account.
func (l *Ledger) Balance(ctx context.Context, accountID string) (int, error) {
	a, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return a.Balance, nil
}

// HasCredit reports whether the account can afford one analysis.
func (l *Ledger) HasCredit(ctx context.Context, accountID string) (bool, error) {
	balance, err := l.Balance(ctx, accountID)
	if err != nil {
		return false, err
	}
	return balance >= 1, nil
}

// Consume deducts exactly one credit and returns the new balance.
// Returns store.ErrInsufficientCredits when the balance is already zero.
func (l *Ledger) Consume(ctx context.Context, accountID string) (int, error) {
	balance, err := l.store.ConsumeCredit(ctx, accountID)
	if err != nil {
		return 0, err
	}

	slog.Info("credit consumed", "account_id", accountID, "balance", balance)
	l.emit(audit.New(accountID, "ledger", audit.TypeCreditConsumed, map[string]any{
		"balance": balance,
	}))
	return balance, nil
}

// Grant adds n credits and returns the new balance. Source names the
// caller for the audit trail ("stripe", "admin").
func (l *Ledger) Grant(ctx context.Context, accountID string, n int, source string) (int, error) {
	balance, err := l.store.GrantCredits(ctx, accountID, n)
	if err != nil {
		return 0, err
	}

	slog.Info("credits granted", "account_id", accountID, "granted", n, "balance", balance, "source", source)
	l.emit(audit.New(accountID, source, audit.TypeCreditGranted, map[string]any{
		"granted": n,
		"balance": balance,
	}))
	return balance, nil
}

func (l *Ledger) emit(e audit.Event) {
	if l.sink != nil {
		l.sink.Add(e)
	}
}
