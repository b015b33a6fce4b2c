package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"DSCLedger/internal/event"
	"DSCLedger/internal/ledger"
	"DSCLedger/internal/observability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

var ErrUnknownCommand = errors.New("unknown command type")

const defaultDedupCapacity = 1_000_000

// DeterministicCore is the single-threaded command processor. It orders
// commands, deduplicates them, runs them through the solvency engine, and
// emits one envelope per command, accepted or rejected, to persistence and
// projections.
type DeterministicCore struct {
	sequence          int64
	hasher            *StateHasher
	engine            *SolvencyEngine
	balanceTracker    *ledger.BalanceTracker
	validator         *ledger.InvariantValidator
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	logger            zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Batch      *ledger.Batch
	StateDelta []byte
}

// CoreOption configures a DeterministicCore.
type CoreOption func(*coreOptions)

type coreOptions struct {
	dedupCapacity int
	logger        zerolog.Logger
}

// WithDedupCapacity sets the in-memory idempotency cache size.
func WithDedupCapacity(n int) CoreOption {
	return func(o *coreOptions) { o.dedupCapacity = n }
}

func WithCoreLogger(l zerolog.Logger) CoreOption {
	return func(o *coreOptions) { o.logger = l }
}

func NewDeterministicCore(
	startSequence int64,
	engine *SolvencyEngine,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	opts ...CoreOption,
) (*DeterministicCore, error) {
	o := coreOptions{dedupCapacity: defaultDedupCapacity, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	idempotencyChecker, err := NewIdempotencyChecker(o.dedupCapacity, dbChecker, metrics, o.logger)
	if err != nil {
		return nil, err
	}

	balanceTracker := ledger.NewBalanceTracker()
	if err := engine.SeedTracker(balanceTracker); err != nil {
		return nil, fmt.Errorf("seed balance tracker: %w", err)
	}

	return &DeterministicCore{
		sequence:          startSequence,
		hasher:            NewStateHasher(),
		engine:            engine,
		balanceTracker:    balanceTracker,
		validator:         engine.NewInvariantValidator(balanceTracker),
		idempotency:       idempotencyChecker,
		sequenceValidator: NewSequenceValidator(metrics),
		metrics:           metrics,
		logger:            o.logger,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}, nil
}

// ProcessEvent is the main processing pipeline. It returns the envelope
// written for the command, or nil for a duplicate. An engine rejection is
// not an error: it is recorded in the envelope with OutcomeRejected.
func (c *DeterministicCore) ProcessEvent(ctx context.Context, evt event.Event) (*event.EventEnvelope, error) {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	isDuplicate := c.idempotency.IsDuplicate(ctx, eventType, idempotencyKey)

	// Step 2: Per-caller sequence validation
	partition := partitionFor(evt.Caller())
	if err := c.sequenceValidator.ValidateSequence(partition, evt.SourceSequence(), isDuplicate); err != nil {
		c.reject(eventType, reasonFor(err))
		return nil, fmt.Errorf("sequence validation failed: %w", err)
	}

	if isDuplicate {
		c.reject(eventType, "duplicate")
		return nil, nil
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	// Step 3: Dispatch
	receipt, engineErr := c.dispatch(ctx, evt)
	if errors.Is(engineErr, ErrUnknownCommand) {
		return nil, engineErr
	}

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		Caller:         evt.Caller(),
		Timestamp:      evt.Time(),
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		PrevHash:       c.hasher.GetPrevHash(),
	}

	var (
		batch   *ledger.Batch
		touched []common.Address
	)
	if engineErr != nil {
		envelope.Outcome = event.OutcomeRejected
		envelope.RejectReason = engineErr.Error()
		if errors.Is(engineErr, ErrCompensationFailed) {
			c.logger.Error().Err(engineErr).
				Str("key", idempotencyKey).
				Str("type", eventType).
				Msg("external effects left unreverted")
		}
	} else {
		envelope.Outcome = event.OutcomeAccepted
		envelope.Events = receipt.Events
		batch = receipt.Batch
		touched = receipt.Touched
	}

	// Step 4: Audit ledger
	if batch != nil {
		batch.Stamp(c.sequence, idempotencyKey, evt.Time().UnixMicro())
		if err := c.validator.ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
		}
		if err := c.balanceTracker.ApplyBatch(batch); err != nil {
			return nil, fmt.Errorf("apply batch failed: %w", err)
		}
		if c.metrics != nil {
			for _, j := range batch.Journals {
				c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
	}

	// Step 5: Post-checks
	if err := c.postCheckInvariants(touched); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 6: State hash
	stateDigest := c.engine.Digest(touched)
	envelope.StateHash = c.hasher.ComputeHash(c.sequence, envelope.Outcome == event.OutcomeAccepted, stateDigest)

	// Step 7: Emit outputs. Persistence blocks; projections drop on full.
	output := CoreOutput{Envelope: envelope, Batch: batch, StateDelta: stateDigest}
	c.emit(ctx, output)

	// Step 8: Mark as processed
	c.idempotency.MarkProcessed(eventType, idempotencyKey)
	c.sequence++

	if c.metrics != nil {
		c.metrics.CoreCommandsApplied.WithLabelValues(eventType, envelope.Outcome.String()).Inc()
		if engineErr != nil {
			c.metrics.CoreCommandsRejected.WithLabelValues(eventType, Reason(engineErr)).Inc()
		}
		c.metrics.CoreCommandDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
	}

	return envelope, nil
}

func (c *DeterministicCore) emit(ctx context.Context, output CoreOutput) {
	if c.persistChan != nil {
		select {
		case c.persistChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.PersistBackpressure.Inc()
			}
			select {
			case c.persistChan <- output:
			case <-ctx.Done():
				c.logger.Error().Int64("sequence", output.Envelope.Sequence).Msg("shutdown before envelope reached persistence")
			}
		}
	}

	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.Inc()
			}
		}
	}
}

func (c *DeterministicCore) dispatch(ctx context.Context, evt event.Event) (*Receipt, error) {
	switch e := evt.(type) {
	case *event.DepositCollateral:
		return c.engine.DepositCollateral(ctx, e.User, e.Asset, e.Amount)
	case *event.DepositCollateralAndMintDsc:
		return c.engine.DepositCollateralAndMintDsc(ctx, e.User, e.Asset, e.CollateralAmount, e.MintAmount)
	case *event.RedeemCollateral:
		return c.engine.RedeemCollateral(ctx, e.User, e.Asset, e.Amount)
	case *event.RedeemCollateralForDsc:
		return c.engine.RedeemCollateralForDsc(ctx, e.User, e.Asset, e.RedeemAmount, e.BurnAmount)
	case *event.MintDsc:
		return c.engine.MintDsc(ctx, e.User, e.Amount)
	case *event.BurnDsc:
		return c.engine.BurnDsc(ctx, e.User, e.Amount)
	case *event.Liquidate:
		return c.engine.Liquidate(ctx, e.Liquidator, e.Target, e.Asset, e.DebtToCover)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownCommand, evt)
	}
}

// postCheckInvariants reconciles the audit ledger with the vault for every
// touched user.
func (c *DeterministicCore) postCheckInvariants(touched []common.Address) error {
	if err := c.validator.ValidateGlobalBalance(); err != nil {
		return err
	}
	for _, u := range touched {
		if err := c.validator.ValidateUserReconciled(u, c.engine.DscAddress()); err != nil {
			return err
		}
	}
	return nil
}

func (c *DeterministicCore) reject(eventType, reason string) {
	if c.metrics != nil {
		c.metrics.CoreCommandsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

func partitionFor(caller common.Address) string {
	return "caller:" + caller.Hex()
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrSequenceGap):
		return "sequence_gap"
	case errors.Is(err, ErrSequenceOutOfOrder):
		return "out_of_order"
	default:
		return "sequence"
	}
}

// --- Recovery ---

// Replay re-applies an envelope read back from the event log. Accepted
// envelopes have their journals applied to the vault; no external calls
// are made. The recomputed state hash must match the stored one.
func (c *DeterministicCore) Replay(env *event.EventEnvelope, batch *ledger.Batch) error {
	if env.Sequence != c.sequence {
		return fmt.Errorf("replay: expected sequence %d, got %d", c.sequence, env.Sequence)
	}

	var touched []common.Address
	if env.Outcome == event.OutcomeAccepted && batch != nil {
		if err := c.engine.Replay(batch); err != nil {
			return err
		}
		if err := c.balanceTracker.ApplyBatch(batch); err != nil {
			return fmt.Errorf("replay: apply batch: %w", err)
		}
		touched = touchedBy(batch)
	}

	stateHash := c.hasher.ComputeHash(env.Sequence, env.Outcome == event.OutcomeAccepted, c.engine.Digest(touched))
	if stateHash != env.StateHash {
		return fmt.Errorf("replay: state hash mismatch at sequence %d: stored %x, computed %x",
			env.Sequence, env.StateHash, stateHash)
	}

	partition := partitionFor(env.Caller)
	if next := env.SourceSequence + 1; next > c.sequenceValidator.GetExpectedSequence(partition) {
		c.sequenceValidator.SetExpectedSequence(partition, next)
	}
	c.idempotency.MarkProcessed(env.EventType.String(), env.IdempotencyKey)
	c.sequence++
	return nil
}

// touchedBy lists the users whose user accounts appear in batch, in journal
// order.
func touchedBy(batch *ledger.Batch) []common.Address {
	seen := make(map[common.Address]struct{})
	var out []common.Address
	for _, j := range batch.Journals {
		for _, k := range []ledger.AccountKey{j.DebitAccount, j.CreditAccount} {
			if k.Scope != ledger.AccountScopeUser {
				continue
			}
			if _, ok := seen[k.Owner]; ok {
				continue
			}
			seen[k.Owner] = struct{}{}
			out = append(out, k.Owner)
		}
	}
	return out
}

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	Sequence        int64 // last processed sequence, -1 when empty
	StateHash       [32]byte
	Vault           ledger.VaultSnapshot
	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// RestoreFromSnapshot restores the core's in-memory state from a snapshot.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	if err := c.engine.Restore(snap.Vault); err != nil {
		return fmt.Errorf("restore vault: %w", err)
	}
	if err := c.engine.SeedTracker(c.balanceTracker); err != nil {
		return fmt.Errorf("seed balance tracker: %w", err)
	}

	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)
	for partition, next := range snap.SequenceState {
		c.sequenceValidator.SetExpectedSequence(partition, next)
	}
	c.idempotency.WarmFromKeys(snap.IdempotencyKeys)
	return nil
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	return &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		Vault:           c.engine.Snapshot(),
		SequenceState:   c.sequenceValidator.Partitions(),
		IdempotencyKeys: c.idempotency.Keys(),
	}
}

// GetSequence returns the next sequence to assign.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

func (c *DeterministicCore) Engine() *SolvencyEngine {
	return c.engine
}
