package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/vibereport/internal/audit"
	"github.com/MikeSquared-Agency/vibereport/internal/store"
)

// MockStore is a thread-safe in-memory implementation of store.DataStore for testing.
type MockStore struct {
	mu sync.Mutex

	Accounts  map[string]*store.Account
	Analyses  map[string]store.Analysis
	Events    []audit.Event
	Processed map[string]bool
	Metrics   map[string]map[string]any // key: "accountID|date"

	ConsumeErr      error
	GrantErr        error
	InsertErr       error
	AnalysisErr     error
	MarkErr         error
	UnmarkErr       error
	UpsertMetricErr error

	ConsumeCalls      int
	GrantCalls        int
	InsertCalls       int
	AnalysisCalls     int
	UpsertMetricCalls int
}

func NewMockStore() *MockStore {
	return &MockStore{
		Accounts:  make(map[string]*store.Account),
		Analyses:  make(map[string]store.Analysis),
		Events:    make([]audit.Event, 0),
		Processed: make(map[string]bool),
		Metrics:   make(map[string]map[string]any),
	}
}

func (m *MockStore) GetAccount(_ context.Context, accountID string) (*store.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.Accounts[accountID]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MockStore) CreateAccount(_ context.Context, accountID, displayName string, initialCredits int) (*store.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.Accounts[accountID]; ok {
		cp := *a
		return &cp, nil
	}
	now := time.Now().UTC()
	a := &store.Account{
		AccountID:   accountID,
		DisplayName: displayName,
		Balance:     initialCredits,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.Accounts[accountID] = a
	cp := *a
	return &cp, nil
}

func (m *MockStore) ConsumeCredit(_ context.Context, accountID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ConsumeCalls++
	if m.ConsumeErr != nil {
		return 0, m.ConsumeErr
	}
	a, ok := m.Accounts[accountID]
	if !ok {
		return 0, store.ErrAccountNotFound
	}
	if a.Balance < 1 {
		return 0, store.ErrInsufficientCredits
	}
	a.Balance--
	a.UpdatedAt = time.Now().UTC()
	return a.Balance, nil
}

func (m *MockStore) GrantCredits(_ context.Context, accountID string, n int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GrantCalls++
	if m.GrantErr != nil {
		return 0, m.GrantErr
	}
	a, ok := m.Accounts[accountID]
	if !ok {
		return 0, store.ErrAccountNotFound
	}
	a.Balance += n
	a.UpdatedAt = time.Now().UTC()
	return a.Balance, nil
}

func (m *MockStore) MarkEventProcessed(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.MarkErr != nil {
		return false, m.MarkErr
	}
	if m.Processed[eventID] {
		return false, nil
	}
	m.Processed[eventID] = true
	return true, nil
}

func (m *MockStore) UnmarkEventProcessed(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UnmarkErr != nil {
		return m.UnmarkErr
	}
	delete(m.Processed, eventID)
	return nil
}

func (m *MockStore) InsertAnalysis(_ context.Context, a store.Analysis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AnalysisCalls++
	if m.AnalysisErr != nil {
		return m.AnalysisErr
	}
	m.Analyses[a.AnalysisID] = a
	return nil
}

func (m *MockStore) GetAnalysis(_ context.Context, analysisID string) (*store.Analysis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.Analyses[analysisID]
	if !ok {
		return nil, store.ErrAnalysisNotFound
	}
	return &a, nil
}

func (m *MockStore) QueryAnalyses(_ context.Context, accountID string, limit int) ([]store.Analysis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var results []store.Analysis
	for _, a := range m.Analyses {
		if accountID != "" && a.AccountID != accountID {
			continue
		}
		results = append(results, a)
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results, nil
}

func (m *MockStore) InsertAuditEvents(_ context.Context, evts []audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InsertCalls++
	if m.InsertErr != nil {
		return m.InsertErr
	}
	m.Events = append(m.Events, evts...)
	return nil
}

func (m *MockStore) UpsertUsageMetric(_ context.Context, accountID string, date time.Time, updates map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpsertMetricCalls++
	if m.UpsertMetricErr != nil {
		return m.UpsertMetricErr
	}
	key := accountID + "|" + date.Format("2006-01-02")
	if m.Metrics[key] == nil {
		m.Metrics[key] = map[string]any{"account_id": accountID}
	}
	for k, v := range updates {
		m.Metrics[key][k] = v
	}
	return nil
}

func (m *MockStore) GetUsageMetrics(_ context.Context, accountID string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.Metrics {
		if aid, ok := v["account_id"].(string); ok && aid == accountID {
			return v, nil
		}
	}
	return nil, store.ErrAccountNotFound
}

func (m *MockStore) Close() {}

// SetAccount seeds an account for testing.
func (m *MockStore) SetAccount(accountID string, balance int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	m.Accounts[accountID] = &store.Account{
		AccountID: accountID,
		Balance:   balance,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Balance returns the current balance, or -1 when the account is missing.
func (m *MockStore) Balance(accountID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.Accounts[accountID]
	if !ok {
		return -1
	}
	return a.Balance
}

// GetInsertCalls returns how many times InsertAuditEvents was called.
func (m *MockStore) GetInsertCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.InsertCalls
}

// GetEventCount returns total audit events stored.
func (m *MockStore) GetEventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Events)
}
