package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects published by the service.
const (
	SubjectAnalysisCompleted = "vibe.analysis.completed"
	SubjectCreditsGranted    = "vibe.credits.granted"
	SubjectCreditsUnresolved = "vibe.credits.unresolved"
	SubjectServiceStarted    = "vibe.lifecycle.started"
)

// Publisher is a publish-only NATS connection used to announce ledger and
// analysis activity to downstream consumers.
type Publisher struct {
	nc *nats.Conn
}

func New(natsURL string) (*Publisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &Publisher{nc: nc}, nil
}

// Publish sends raw bytes to a subject.
func (p *Publisher) Publish(subject string, data []byte) error {
	return p.nc.Publish(subject, data)
}

// PublishJSON marshals v and publishes it.
func (p *Publisher) PublishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return p.nc.Publish(subject, data)
}

// AnnounceStarted publishes the service lifecycle event on boot.
func (p *Publisher) AnnounceStarted(service string) {
	if err := p.PublishJSON(SubjectServiceStarted, map[string]string{
		"service":    service,
		"started_at": time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		slog.Warn("failed to announce startup", "error", err)
	}
}

// Close drains the connection.
func (p *Publisher) Close() {
	p.nc.Drain()
}
