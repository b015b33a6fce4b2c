package core_test

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"DSCLedger/internal/core"
	"DSCLedger/internal/event"
	"DSCLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

// newTestCore creates a DeterministicCore over a fresh engine fixture with
// buffered channels and no DB checker.
func newTestCore(t *testing.T) (*core.DeterministicCore, *testutil.EngineFixture, chan core.CoreOutput, chan core.CoreOutput) {
	t.Helper()
	f := testutil.NewEngineFixture(t)
	persistChan := make(chan core.CoreOutput, 1024)
	projChan := make(chan core.CoreOutput, 1024)
	c, err := core.NewDeterministicCore(0, f.Engine, persistChan, projChan, nil, nil)
	require.NoError(t, err)
	return c, f, persistChan, projChan
}

func ts(seq int64) time.Time {
	return time.UnixMicro(1_000_000 + seq*1000).UTC()
}

func depositCmd(user, asset common.Address, units uint64, seq int64) *event.DepositCollateral {
	return &event.DepositCollateral{
		CommandID: uuid.New(),
		User:      user,
		Asset:     asset,
		Amount:    wad(units),
		Sequence:  seq,
		Timestamp: ts(seq),
	}
}

func mintCmd(user common.Address, units uint64, seq int64) *event.MintDsc {
	return &event.MintDsc{
		CommandID: uuid.New(),
		User:      user,
		Amount:    wad(units),
		Sequence:  seq,
		Timestamp: ts(seq),
	}
}

func mustProcess(t *testing.T, c *core.DeterministicCore, evt event.Event) *event.EventEnvelope {
	t.Helper()
	env, err := c.ProcessEvent(context.Background(), evt)
	require.NoError(t, err)
	require.NotNil(t, env)
	return env
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

// ===========================================================================
// Processing
// ===========================================================================

func TestProcessEvent_AcceptedDeposit(t *testing.T) {
	c, f, persistChan, projChan := newTestCore(t)
	f.Fund(alice, f.Weth, 5)

	cmd := depositCmd(alice, weth, 5, 0)
	env := mustProcess(t, c, cmd)

	assert.Equal(t, int64(0), env.Sequence)
	assert.Equal(t, cmd.CommandID.String(), env.IdempotencyKey)
	assert.Equal(t, event.EventTypeDepositCollateral, env.EventType)
	assert.Equal(t, alice, env.Caller)
	assert.Equal(t, ts(0), env.Timestamp)
	assert.Equal(t, event.OutcomeAccepted, env.Outcome)
	assert.Empty(t, env.RejectReason)
	require.Len(t, env.Events, 1)
	assert.Equal(t, "CollateralDeposited", env.Events[0].Name())
	assert.NotEmpty(t, env.Payload)

	assert.Equal(t, int64(1), c.GetSequence())
	assert.Equal(t, wad(5), f.Engine.GetCollateralBalance(alice, weth))

	outs := drainOutputs(persistChan)
	require.Len(t, outs, 1)
	require.NotNil(t, outs[0].Batch)
	assert.Equal(t, int64(0), outs[0].Batch.Sequence)
	assert.Equal(t, env.IdempotencyKey, outs[0].Batch.EventRef)
	for _, j := range outs[0].Batch.Journals {
		assert.Equal(t, int64(0), j.Sequence)
	}
	assert.Len(t, drainOutputs(projChan), 1)
}

func TestProcessEvent_RejectedCommandIsRecorded(t *testing.T) {
	c, f, persistChan, _ := newTestCore(t)
	f.Fund(alice, f.Weth, 1)

	mustProcess(t, c, depositCmd(alice, weth, 1, 0))
	env := mustProcess(t, c, mintCmd(alice, 1001, 1)) // $2000 backs at most 1000

	assert.Equal(t, event.OutcomeRejected, env.Outcome)
	assert.Contains(t, env.RejectReason, "health factor")
	assert.Empty(t, env.Events)
	assert.True(t, f.Engine.GetMintedDebt(alice).IsZero())

	outs := drainOutputs(persistChan)
	require.Len(t, outs, 2)
	assert.Nil(t, outs[1].Batch)
	assert.Equal(t, int64(2), c.GetSequence())

	// the caller's next command is still in order
	env = mustProcess(t, c, mintCmd(alice, 1000, 2))
	assert.Equal(t, event.OutcomeAccepted, env.Outcome)
}

func TestProcessEvent_DuplicateIgnored(t *testing.T) {
	c, f, persistChan, _ := newTestCore(t)
	f.Fund(alice, f.Weth, 10)

	cmd := depositCmd(alice, weth, 5, 0)
	mustProcess(t, c, cmd)

	env, err := c.ProcessEvent(context.Background(), cmd)
	require.NoError(t, err)
	assert.Nil(t, env)

	assert.Equal(t, wad(5), f.Engine.GetCollateralBalance(alice, weth))
	assert.Equal(t, int64(1), c.GetSequence())
	assert.Len(t, drainOutputs(persistChan), 1)
}

func TestProcessEvent_SequenceGapDetected(t *testing.T) {
	c, f, _, _ := newTestCore(t)
	f.Fund(alice, f.Weth, 10)

	_, err := c.ProcessEvent(context.Background(), depositCmd(alice, weth, 1, 1))
	assert.ErrorIs(t, err, core.ErrSequenceGap)
	assert.Equal(t, int64(0), c.GetSequence())
	assert.True(t, f.Engine.GetCollateralBalance(alice, weth).IsZero())
}

func TestProcessEvent_NewCommandOutOfOrder(t *testing.T) {
	c, f, _, _ := newTestCore(t)
	f.Fund(alice, f.Weth, 10)
	mustProcess(t, c, depositCmd(alice, weth, 1, 0))

	_, err := c.ProcessEvent(context.Background(), depositCmd(alice, weth, 1, 0))
	assert.ErrorIs(t, err, core.ErrSequenceOutOfOrder)
}

func TestProcessEvent_CallersAreIndependentPartitions(t *testing.T) {
	c, f, _, _ := newTestCore(t)
	f.Fund(alice, f.Weth, 10)
	f.Fund(bob, f.Weth, 10)

	mustProcess(t, c, depositCmd(alice, weth, 1, 0))
	mustProcess(t, c, depositCmd(bob, weth, 1, 0))
	mustProcess(t, c, depositCmd(alice, weth, 1, 1))
	assert.Equal(t, int64(3), c.GetSequence())
}

func TestProcessEvent_Liquidation(t *testing.T) {
	c, f, _, _ := newTestCore(t)
	f.Fund(alice, f.Weth, 10)
	f.Fund(bob, f.Weth, 20)
	f.ApproveDsc(bob, 10_000)

	mustProcess(t, c, &event.DepositCollateralAndMintDsc{
		CommandID: uuid.New(), User: alice, Asset: weth,
		CollateralAmount: wad(10), MintAmount: wad(10_000), Sequence: 0, Timestamp: ts(0),
	})
	mustProcess(t, c, &event.DepositCollateralAndMintDsc{
		CommandID: uuid.New(), User: bob, Asset: weth,
		CollateralAmount: wad(20), MintAmount: wad(10_000), Sequence: 0, Timestamp: ts(1),
	})
	f.SetPrice(testutil.ETHFeed, 1800)

	env := mustProcess(t, c, &event.Liquidate{
		CommandID: uuid.New(), Liquidator: bob, Target: alice, Asset: weth,
		DebtToCover: wad(5000), Sequence: 1, Timestamp: ts(2),
	})
	require.Equal(t, event.OutcomeAccepted, env.Outcome, env.RejectReason)
	assert.Equal(t, bob, env.Caller)
	assert.Equal(t, wad(5000), f.Engine.GetMintedDebt(alice))
}

// ===========================================================================
// Hash chain
// ===========================================================================

func TestStateHashChain_Links(t *testing.T) {
	c, f, _, _ := newTestCore(t)
	f.Fund(alice, f.Weth, 10)

	genesis := sha256.Sum256([]byte(core.GenesisHashSeed))
	assert.Equal(t, genesis, c.GetStateHash())

	e0 := mustProcess(t, c, depositCmd(alice, weth, 1, 0))
	e1 := mustProcess(t, c, mintCmd(alice, 100_000, 1)) // rejected
	e2 := mustProcess(t, c, depositCmd(alice, weth, 1, 2))

	assert.Equal(t, genesis, e0.PrevHash)
	assert.Equal(t, e0.StateHash, e1.PrevHash)
	assert.Equal(t, e1.StateHash, e2.PrevHash)
	assert.NotEqual(t, e0.StateHash, e1.StateHash)
	assert.Equal(t, e2.StateHash, c.GetStateHash())
}

func TestStateHashChain_Deterministic(t *testing.T) {
	run := func() [32]byte {
		c, f, _, _ := newTestCore(t)
		f.Fund(alice, f.Weth, 10)
		f.Fund(bob, f.Wbtc, 1)
		for i, evt := range []event.Event{
			&event.DepositCollateral{CommandID: uuid.MustParse("00000000-0000-0000-0000-000000000001"), User: alice, Asset: weth, Amount: wad(10), Sequence: 0, Timestamp: ts(0)},
			&event.DepositCollateral{CommandID: uuid.MustParse("00000000-0000-0000-0000-000000000002"), User: bob, Asset: wbtc, Amount: wad(1), Sequence: 0, Timestamp: ts(1)},
			&event.MintDsc{CommandID: uuid.MustParse("00000000-0000-0000-0000-000000000003"), User: alice, Amount: wad(4000), Sequence: 1, Timestamp: ts(2)},
		} {
			_, err := c.ProcessEvent(context.Background(), evt)
			require.NoError(t, err, "command %d", i)
		}
		return c.GetStateHash()
	}
	assert.Equal(t, run(), run())
}

// ===========================================================================
// Recovery
// ===========================================================================

func TestReplay_ReproducesStateAndHashes(t *testing.T) {
	c, f, persistChan, _ := newTestCore(t)
	f.Fund(alice, f.Weth, 10)
	f.ApproveDsc(alice, 1000)

	first := depositCmd(alice, weth, 10, 0)
	mustProcess(t, c, first)
	mustProcess(t, c, mintCmd(alice, 5000, 1))
	mustProcess(t, c, mintCmd(alice, 50_000, 2)) // rejected
	mustProcess(t, c, &event.BurnDsc{CommandID: uuid.New(), User: alice, Amount: wad(1000), Sequence: 3, Timestamp: ts(3)})
	mustProcess(t, c, &event.RedeemCollateral{CommandID: uuid.New(), User: alice, Asset: weth, Amount: wad(2), Sequence: 4, Timestamp: ts(4)})
	outs := drainOutputs(persistChan)
	require.Len(t, outs, 5)

	fresh := testutil.NewEngineFixture(t)
	rc, err := core.NewDeterministicCore(0, fresh.Engine, nil, nil, nil, nil)
	require.NoError(t, err)
	for _, o := range outs {
		require.NoError(t, rc.Replay(o.Envelope, o.Batch))
	}

	assert.Equal(t, c.GetStateHash(), rc.GetStateHash())
	assert.Equal(t, c.GetSequence(), rc.GetSequence())
	assert.Equal(t, wad(4000), fresh.Engine.GetMintedDebt(alice))
	assert.Equal(t, wad(8), fresh.Engine.GetCollateralBalance(alice, weth))

	// replay never touches tokens
	assert.True(t, balanceOf(t, fresh.Weth, testutil.Custody).IsZero())

	// replayed keys are duplicates
	env, err := rc.ProcessEvent(context.Background(), first)
	require.NoError(t, err)
	assert.Nil(t, env)

	// and the caller's partition continues after the last replayed command
	_, err = rc.ProcessEvent(context.Background(), mintCmd(alice, 1, 4))
	assert.ErrorIs(t, err, core.ErrSequenceOutOfOrder)
}

func TestReplay_DetectsTamperedHash(t *testing.T) {
	c, f, persistChan, _ := newTestCore(t)
	f.Fund(alice, f.Weth, 10)
	mustProcess(t, c, depositCmd(alice, weth, 10, 0))
	outs := drainOutputs(persistChan)
	require.Len(t, outs, 1)

	env := *outs[0].Envelope
	env.StateHash[0] ^= 0xff

	rc, err := core.NewDeterministicCore(0, testutil.NewEngineFixture(t).Engine, nil, nil, nil, nil)
	require.NoError(t, err)
	err = rc.Replay(&env, outs[0].Batch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state hash mismatch")
}

func TestReplay_RejectsSequenceJump(t *testing.T) {
	rc, err := core.NewDeterministicCore(0, testutil.NewEngineFixture(t).Engine, nil, nil, nil, nil)
	require.NoError(t, err)
	err = rc.Replay(&event.EventEnvelope{Sequence: 3}, nil)
	assert.Error(t, err)
}

func TestSnapshot_RestoreContinuesChain(t *testing.T) {
	c, f, _, _ := newTestCore(t)
	f.Fund(alice, f.Weth, 10)
	f.Fund(bob, f.Weth, 10)

	first := depositCmd(alice, weth, 4, 0)
	mustProcess(t, c, first)
	mustProcess(t, c, mintCmd(alice, 3000, 1))
	mustProcess(t, c, depositCmd(bob, weth, 2, 0))
	snap := c.CreateSnapshotState()
	assert.Equal(t, int64(2), snap.Sequence)
	assert.Len(t, snap.IdempotencyKeys, 3)

	next := depositCmd(alice, weth, 1, 2)
	want := mustProcess(t, c, next)

	restored := testutil.NewEngineFixture(t)
	restored.Fund(alice, restored.Weth, 10)
	rc, err := core.NewDeterministicCore(0, restored.Engine, nil, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, rc.RestoreFromSnapshot(snap))

	assert.Equal(t, int64(3), rc.GetSequence())
	assert.Equal(t, wad(3000), restored.Engine.GetMintedDebt(alice))
	assert.Equal(t, wad(2), restored.Engine.GetCollateralBalance(bob, weth))

	dup, err := rc.ProcessEvent(context.Background(), first)
	require.NoError(t, err)
	assert.Nil(t, dup)

	got := mustProcess(t, rc, next)
	assert.Equal(t, want.Sequence, got.Sequence)
	assert.Equal(t, want.PrevHash, got.PrevHash)
	assert.Equal(t, want.StateHash, got.StateHash)
}

// ===========================================================================
// Outputs & loop
// ===========================================================================

func TestProjectionChannel_DropsOnFull(t *testing.T) {
	f := testutil.NewEngineFixture(t)
	f.Fund(alice, f.Weth, 10)
	persistChan := make(chan core.CoreOutput, 16)
	projChan := make(chan core.CoreOutput, 1) // Tiny buffer; will fill up
	c, err := core.NewDeterministicCore(0, f.Engine, persistChan, projChan, nil, nil)
	require.NoError(t, err)

	for i := int64(0); i < 3; i++ {
		mustProcess(t, c, depositCmd(alice, weth, 1, i))
	}
	assert.Len(t, drainOutputs(persistChan), 3, "persistence never drops")
	assert.Len(t, drainOutputs(projChan), 1)
}

func TestRun_RepliesAndSnapshots(t *testing.T) {
	c, f, _, _ := newTestCore(t)
	f.Fund(alice, f.Weth, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	in := make(chan core.Command)
	snapshots := make(chan *core.SnapshotState, 4)
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, in, 2, snapshots) }()

	for i := int64(0); i < 4; i++ {
		reply := make(chan core.Result, 1)
		in <- core.Command{Event: depositCmd(alice, weth, 1, i), Reply: reply}
		res := <-reply
		require.NoError(t, res.Err)
		require.NotNil(t, res.Envelope)
		assert.Equal(t, i, res.Envelope.Sequence)
	}

	reply := make(chan core.Result, 1)
	in <- core.Command{Event: depositCmd(alice, weth, 1, 9), Reply: reply}
	res := <-reply
	assert.ErrorIs(t, res.Err, core.ErrSequenceGap)
	assert.Nil(t, res.Envelope)

	close(in)
	require.NoError(t, <-done)

	require.Len(t, snapshots, 2)
	s1 := <-snapshots
	s2 := <-snapshots
	assert.Equal(t, int64(1), s1.Sequence)
	assert.Equal(t, int64(3), s2.Sequence)
	assert.Equal(t, wad(4), f.Engine.GetCollateralBalance(alice, weth))
}
