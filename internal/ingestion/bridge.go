package ingestion

import (
	"context"

	"DSCLedger/internal/core"
	"DSCLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Bridge turns raw NATS messages into typed commands for the core loop.
//
// Messages are acked once the command has been handed to the core, not after
// it has been processed. This keeps AckWait from expiring while the core is
// busy and lets channel backpressure reach NATS. Invalid messages are acked
// and dropped so they are not redelivered.
type Bridge struct {
	subjects []SubjectConfig
	out      chan<- core.Command
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewBridge(subjects []SubjectConfig, out chan<- core.Command, metrics *observability.Metrics, logger zerolog.Logger) *Bridge {
	return &Bridge{subjects: subjects, out: out, metrics: metrics, logger: logger}
}

// Run drains raw until it is closed or ctx is done.
func (b *Bridge) Run(ctx context.Context, raw <-chan RawEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-raw:
			if !ok {
				return nil
			}
			b.handle(ctx, msg)
		}
	}
}

func (b *Bridge) handle(ctx context.Context, msg RawEvent) {
	eventType := ResolveEventType(msg.Subject, b.subjects)
	if eventType == "" {
		b.logger.Warn().Str("subject", msg.Subject).Msg("unknown NATS subject")
		b.count("unknown_subject")
		ack(msg)
		return
	}

	evt, err := ParseRawEvent(msg, eventType)
	if err != nil {
		b.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("parse command failed")
		b.count("invalid")
		ack(msg)
		return
	}

	select {
	case b.out <- core.Command{Event: evt}:
		b.count("forwarded")
		ack(msg)
	case <-ctx.Done():
		if msg.NakFunc != nil {
			msg.NakFunc()
		}
	}
}

func (b *Bridge) count(result string) {
	if b.metrics != nil {
		b.metrics.IngestMessages.WithLabelValues("nats", result).Inc()
	}
}

func ack(msg RawEvent) {
	if msg.AckFunc != nil {
		msg.AckFunc()
	}
}
