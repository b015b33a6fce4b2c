package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"DSCLedger/internal/core"
	"DSCLedger/internal/event"
	"DSCLedger/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	OutboundStream  = "DSC_ENGINE_EVENTS"
	OutboundSubject = "dsc.engine.events"
)

// Publisher is the subset of jetstream.JetStream the outbound publisher
// needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes engine events to NATS for downstream
// consumers. Subjects follow the pattern dsc.engine.events.{event_name}.
type OutboundPublisher struct {
	js        Publisher
	inputChan <-chan PublishableEvent
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// PublishableEvent is one engine event of an accepted command.
type PublishableEvent struct {
	Sequence       int64             `json:"sequence"`
	EventName      string            `json:"event_name"`
	CommandType    string            `json:"command_type"`
	IdempotencyKey string            `json:"idempotency_key"`
	Payload        event.EngineEvent `json:"payload"`
	StateHash      string            `json:"state_hash"`
	Timestamp      time.Time         `json:"timestamp"`
}

// PublishablesFrom expands an envelope into its publishable engine events.
// Rejected envelopes produce none.
func PublishablesFrom(env *event.EventEnvelope) []PublishableEvent {
	if env == nil || env.Outcome != event.OutcomeAccepted {
		return nil
	}
	out := make([]PublishableEvent, 0, len(env.Events))
	for _, ev := range env.Events {
		out = append(out, PublishableEvent{
			Sequence:       env.Sequence,
			EventName:      ev.Name(),
			CommandType:    env.EventType.String(),
			IdempotencyKey: env.IdempotencyKey,
			Payload:        ev,
			StateHash:      fmt.Sprintf("%x", env.StateHash),
			Timestamp:      env.Timestamp,
		})
	}
	return out
}

func NewOutboundPublisher(js Publisher, inputChan <-chan PublishableEvent, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, evt); err != nil {
				// Non-fatal: downstream consumers can read the event log directly
				op.logger.Warn().Err(err).Int64("sequence", evt.Sequence).Str("event", evt.EventName).Msg("outbound publish failed")
				if op.metrics != nil {
					op.metrics.PublishErrors.WithLabelValues(evt.EventName).Inc()
				}
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", OutboundSubject, evt.EventName)
	msgID := fmt.Sprintf("%d:%s", evt.Sequence, evt.EventName)
	_, err = op.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID))
	return err
}

// Relay forwards every core output to persist and the publishable events of
// accepted outputs to publish. Sends to persist block; publish drops when
// full. Both outputs are closed when Relay returns.
func Relay(ctx context.Context, in <-chan core.CoreOutput, persist chan<- core.CoreOutput, publish chan<- PublishableEvent, logger zerolog.Logger) error {
	defer close(persist)
	defer close(publish)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out, ok := <-in:
			if !ok {
				return nil
			}
			select {
			case persist <- out:
			case <-ctx.Done():
				return ctx.Err()
			}
			for _, pe := range PublishablesFrom(out.Envelope) {
				select {
				case publish <- pe:
				default:
					logger.Warn().Int64("sequence", pe.Sequence).Str("event", pe.EventName).Msg("publish channel full, event dropped")
				}
			}
		}
	}
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      OutboundStream,
		Subjects:  []string{OutboundSubject + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
