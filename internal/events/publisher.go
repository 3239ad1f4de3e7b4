package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/atmx/vault-ledger/internal/metrics"
)

// Publisher delivers committed events to an outbound sink. Delivery is
// best-effort: the audit log in the store is authoritative.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// Fanout publishes to every sink, joining their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, env Envelope) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Envelope) error { return nil }

// Subject returns the JetStream subject for an event type.
func Subject(t Type) string {
	return "ledger.events." + t.String()
}

const (
	// StreamName is the JetStream stream holding outbound ledger events.
	StreamName = "VAULT_LEDGER_EVENTS"
	streamSubj = "ledger.events.>"
)

// EnsureStream creates or updates the outbound events stream. An empty name
// selects StreamName.
func EnsureStream(ctx context.Context, js jetstream.JetStream, name string) error {
	if name == "" {
		name = StreamName
	}
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{streamSubj},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream %s: %w", name, err)
	}
	return nil
}

// JetStreamPublisher forwards envelopes to NATS JetStream from a background
// loop so ledger operations never wait on the broker.
type JetStreamPublisher struct {
	js     jetstream.JetStream
	queue  chan Envelope
	logger zerolog.Logger
}

// NewJetStreamPublisher creates a publisher with a queue of the given depth.
func NewJetStreamPublisher(js jetstream.JetStream, depth int, logger zerolog.Logger) *JetStreamPublisher {
	if depth <= 0 {
		depth = 1024
	}
	return &JetStreamPublisher{
		js:     js,
		queue:  make(chan Envelope, depth),
		logger: logger,
	}
}

// Publish enqueues env. A full queue drops the event and reports it.
func (p *JetStreamPublisher) Publish(_ context.Context, env Envelope) error {
	select {
	case p.queue <- env:
		return nil
	default:
		metrics.PublishFailures.WithLabelValues("jetstream").Inc()
		return fmt.Errorf("events: jetstream queue full, dropped %s %s", env.Type, env.ID)
	}
}

// Run drains the queue until ctx is cancelled.
func (p *JetStreamPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-p.queue:
			if err := p.send(ctx, env); err != nil {
				metrics.PublishFailures.WithLabelValues("jetstream").Inc()
				p.logger.Warn().Err(err).
					Str("event_id", env.ID.String()).
					Str("type", env.Type.String()).
					Msg("outbound publish failed")
			}
		}
	}
}

func (p *JetStreamPublisher) send(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	// Msg ID lets the stream discard redeliveries of the same event.
	_, err = p.js.Publish(ctx, Subject(env.Type), data, jetstream.WithMsgID(env.ID.String()))
	return err
}
