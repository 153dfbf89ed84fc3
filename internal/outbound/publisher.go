package outbound

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"FlareShield/internal/event"
)

// StreamName holds every outbound protocol event.
const StreamName = "SHIELD_EVENTS"

// Publisher relays committed protocol events to NATS for downstream
// consumers (dashboards, notifier bots, settlement watchers). Publishing is
// best effort: the durable record is the event log, and the engine drops
// rather than blocks when this side falls behind.
type Publisher struct {
	js     jetstream.JetStream
	input  <-chan event.Envelope
	logger zerolog.Logger
}

func NewPublisher(js jetstream.JetStream, input <-chan event.Envelope, logger zerolog.Logger) *Publisher {
	return &Publisher{
		js:     js,
		input:  input,
		logger: logger.With().Str("component", "outbound_publisher").Logger(),
	}
}

// Run drains the input channel until it closes or the context is canceled.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-p.input:
			if !ok {
				return nil
			}

			if err := p.publish(ctx, env); err != nil {
				// Non-fatal: consumers can replay from the event log.
				p.logger.Warn().
					Err(err).
					Int64("sequence", env.Sequence).
					Str("event_type", env.EventName).
					Msg("outbound publish failed")
			}
		}
	}
}

// publish sends one envelope to shield.events.{event_type}.
func (p *Publisher) publish(ctx context.Context, env event.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	subject := fmt.Sprintf("shield.events.%s", env.EventName)
	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// EnsureStream creates or updates the outbound events stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{"shield.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", StreamName).Msg("ensured outbound stream")
	return nil
}
