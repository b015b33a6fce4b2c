package core

import (
	"context"

	"DSCLedger/internal/event"
)

// Command is one unit of work for the core loop. Reply, when set, receives
// exactly one Result and must be buffered.
type Command struct {
	Event event.Event
	Reply chan<- Result
}

type Result struct {
	Envelope *event.EventEnvelope
	Err      error
}

// Run drains in until it is closed or ctx is done. Every snapshotEvery
// processed commands a snapshot is offered to snapshots without blocking.
// Run is the only goroutine that may touch the core while it is running.
func (c *DeterministicCore) Run(ctx context.Context, in <-chan Command, snapshotEvery int64, snapshots chan<- *SnapshotState) error {
	lastSnapshot := c.sequence
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd, ok := <-in:
			if !ok {
				return nil
			}

			env, err := c.ProcessEvent(ctx, cmd.Event)
			if err != nil {
				c.logger.Warn().Err(err).
					Str("type", cmd.Event.EventType().String()).
					Str("key", cmd.Event.IdempotencyKey()).
					Msg("command not processed")
			}
			if cmd.Reply != nil {
				cmd.Reply <- Result{Envelope: env, Err: err}
			}

			if snapshots != nil && snapshotEvery > 0 && c.sequence-lastSnapshot >= snapshotEvery {
				select {
				case snapshots <- c.CreateSnapshotState():
					lastSnapshot = c.sequence
				default:
				}
			}
		}
	}
}
