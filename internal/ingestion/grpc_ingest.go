package ingestion

import (
	"context"
	"errors"
	"fmt"

	"DSCLedger/internal/core"
	"DSCLedger/internal/event"
	"DSCLedger/internal/observability"
)

var ErrDuplicateCommand = errors.New("duplicate command")

// GRPCIngestService submits commands arriving over gRPC to the core loop
// and waits for the outcome. NATS remains the high-throughput surface; this
// path is for interactive callers that need the result.
type GRPCIngestService struct {
	out     chan<- core.Command
	metrics *observability.Metrics
}

func NewGRPCIngestService(out chan<- core.Command, metrics *observability.Metrics) *GRPCIngestService {
	return &GRPCIngestService{out: out, metrics: metrics}
}

// Submit hands evt to the core and returns its envelope. An engine rejection
// is returned in the envelope, not as an error. A command the core has
// already seen yields ErrDuplicateCommand.
func (s *GRPCIngestService) Submit(ctx context.Context, evt event.Event) (*event.EventEnvelope, error) {
	reply := make(chan core.Result, 1)

	select {
	case s.out <- core.Command{Event: evt, Reply: reply}:
	case <-ctx.Done():
		s.count("cancelled")
		return nil, ctx.Err()
	}

	select {
	case res := <-reply:
		switch {
		case res.Err != nil:
			s.count("error")
			return nil, fmt.Errorf("process %s: %w", evt.EventType(), res.Err)
		case res.Envelope == nil:
			s.count("duplicate")
			return nil, fmt.Errorf("%w: %s", ErrDuplicateCommand, evt.IdempotencyKey())
		}
		s.count(res.Envelope.Outcome.String())
		return res.Envelope, nil
	case <-ctx.Done():
		// The core still processes the command; only the wait is abandoned.
		s.count("cancelled")
		return nil, ctx.Err()
	}
}

// SubmitJSON parses a wire payload of the given command type and submits it.
func (s *GRPCIngestService) SubmitJSON(ctx context.Context, eventType string, data []byte) (*event.EventEnvelope, event.Event, error) {
	evt, err := ParseCommand(eventType, data)
	if err != nil {
		s.count("invalid")
		return nil, nil, err
	}
	env, err := s.Submit(ctx, evt)
	return env, evt, err
}

func (s *GRPCIngestService) count(result string) {
	if s.metrics != nil {
		s.metrics.IngestMessages.WithLabelValues("grpc", result).Inc()
	}
}
