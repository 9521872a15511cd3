// Package bus wraps github.com/nats-io/nats.go JetStream as the
// durable, at-least-once message bus of spec.md §6: five subjects,
// versioned JSON payloads, unknown-fields-ignored decoding, and
// idempotent-consumer semantics via durable consumer names.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sigmapilot/sigmapilot/internal/logger"
)

// Subject is one of the five durable topics of spec.md §6.
type Subject string

const (
	Candidates Subject = "candidates.v1"
	Scores     Subject = "scores.v1"
	Fills      Subject = "fills.v1"
	Signals    Subject = "signals.v1"
	Outcomes   Subject = "outcomes.v1"
)

// StreamName is the single JetStream stream backing all five subjects.
const StreamName = "SIGMAPILOT"

// Bus owns the JetStream context and stream/consumer provisioning.
type Bus struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// Connect dials NATS and ensures the SIGMAPILOT stream exists with all
// five subjects attached.
func Connect(url string) (*Bus, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Errorf("bus: disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Infof("bus: reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: connect: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("bus: jetstream context: %w", err)
	}

	b := &Bus{nc: nc, js: js}
	if err := b.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return b, nil
}

func (b *Bus) ensureStream() error {
	subjects := []string{string(Candidates), string(Scores), string(Fills), string(Signals), string(Outcomes)}
	_, err := b.js.StreamInfo(StreamName)
	if err == nil {
		return nil
	}
	_, err = b.js.AddStream(&nats.StreamConfig{
		Name:      StreamName,
		Subjects:  subjects,
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
		MaxAge:    30 * 24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("bus: add stream: %w", err)
	}
	return nil
}

// Close drains and closes the underlying connection.
func (b *Bus) Close() {
	_ = b.nc.Drain()
}

// envelope wraps every payload with a schema version so subscribers can
// safely ignore unknown fields added by a future publisher.
type envelope struct {
	Version int             `json:"version"`
	Data    json.RawMessage `json:"data"`
}

const currentVersion = 1

// Publish marshals v and publishes it to subject with at-least-once
// JetStream acking.
func (b *Bus) Publish(ctx context.Context, subject Subject, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bus: marshal %s: %w", subject, err)
	}
	env := envelope{Version: currentVersion, Data: data}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus: marshal envelope %s: %w", subject, err)
	}
	_, err = b.js.Publish(string(subject), raw, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("bus: publish %s: %w", subject, err)
	}
	return nil
}

// Handler processes one decoded message; returning an error leaves the
// message unacked so it redelivers (at-least-once).
type Handler func(ctx context.Context, data json.RawMessage) error

// Subscribe creates (or reattaches to) a durable pull consumer named
// durableName on subject, and runs handler for every message until ctx is
// canceled. Idempotent consumer semantics: the same durableName resumes
// from its last acked sequence across restarts, so callers must make
// handler idempotent against redelivery (e.g. upsert-by-natural-key).
func (b *Bus) Subscribe(ctx context.Context, subject Subject, durableName string, handler Handler) error {
	sub, err := b.js.PullSubscribe(string(subject), durableName, nats.ManualAck())
	if err != nil {
		return fmt.Errorf("bus: pull subscribe %s/%s: %w", subject, durableName, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := sub.Fetch(32, nats.MaxWait(2*time.Second))
		if err != nil {
			if err == nats.ErrTimeout {
				continue
			}
			logger.Warnf("bus: fetch %s/%s: %v", subject, durableName, err)
			continue
		}

		for _, msg := range msgs {
			var env envelope
			if err := json.Unmarshal(msg.Data, &env); err != nil {
				logger.Errorf("bus: malformed envelope on %s: %v", subject, err)
				_ = msg.Term()
				continue
			}
			if err := handler(ctx, env.Data); err != nil {
				logger.Warnf("bus: handler error on %s/%s: %v", subject, durableName, err)
				_ = msg.Nak()
				continue
			}
			_ = msg.Ack()
		}
	}
}
