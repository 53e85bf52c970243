package audit

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Event is one audit-trail entry. Analyses and ledger changes emit these;
// the batcher flushes them into vibe_events.
type Event struct {
	EventID   string          `json:"event_id"`
	AccountID string          `json:"account_id"`
	Source    string          `json:"source"`
	EventType string          `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	Metadata  json.RawMessage `json:"metadata"`
}

// Normalize fills in missing fields with sensible defaults.
// It never drops an event — always returns a usable Event.
func Normalize(raw []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return Event{}, err
	}

	if e.EventID == "" {
		e.EventID = uuid.New().String()
	}

	if e.Timestamp.IsZero() {
		slog.Warn("audit event missing timestamp, using receipt time", "event_id", e.EventID)
		e.Timestamp = time.Now().UTC()
	}

	if e.Metadata == nil {
		e.Metadata = json.RawMessage(`{}`)
	}

	return e, nil
}

// New builds an event for an account with the given type and metadata map.
func New(accountID, source, eventType string, metadata map[string]any) Event {
	meta, err := json.Marshal(metadata)
	if err != nil || metadata == nil {
		meta = json.RawMessage(`{}`)
	}
	return Event{
		EventID:   uuid.New().String(),
		AccountID: accountID,
		Source:    source,
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Metadata:  meta,
	}
}

// Known event types for routing to processors.
const (
	TypeAnalysisStarted   = "analysis.started"
	TypeAnalysisCompleted = "analysis.completed"
	TypeAnalysisFailed    = "analysis.failed"

	TypeCreditConsumed   = "credit.consumed"
	TypeCreditGranted    = "credit.granted"
	TypeCreditUnresolved = "credit.unresolved"

	TypeAccountCreated = "account.created"
)

// MetadataField extracts a string field from the metadata JSON.
func (e *Event) MetadataField(key string) string {
	var m map[string]any
	if err := json.Unmarshal(e.Metadata, &m); err != nil {
		return ""
	}
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// MetadataMap returns metadata as a generic map.
func (e *Event) MetadataMap() map[string]any {
	var m map[string]any
	if err := json.Unmarshal(e.Metadata, &m); err != nil {
		return nil
	}
	return m
}
