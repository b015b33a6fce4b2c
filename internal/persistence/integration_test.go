//go:build integration

package persistence_test

import (
	"context"
	"testing"
	"time"

	"DSCLedger/internal/core"
	fpmath "DSCLedger/internal/math"
	"DSCLedger/internal/persistence"
	"DSCLedger/internal/testutil"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgres_PersistSnapshotAndRecover(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	origin, outs := runCommands(t, fundAlice, deposit(5, 0), mint(1000, 1), mint(1_000_000, 2))

	in := make(chan core.CoreOutput, len(outs))
	for _, o := range outs {
		in <- o
	}
	close(in)
	require.NoError(t, persistence.NewPersistenceWorker(db, in, 10, time.Second, nil, zerolog.Nop()).Run(ctx))

	dup, err := persistence.NewPostgresIdempotencyChecker(db).IsDuplicate(ctx, "MintDsc", outs[1].Envelope.IdempotencyKey)
	require.NoError(t, err)
	assert.True(t, dup)

	sm := persistence.NewSnapshotManager(db, nil, zerolog.Nop())
	_, err = sm.SaveSnapshot(ctx, origin.CreateSnapshotState())
	require.NoError(t, err)
	verified, err := sm.VerifyPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), verified)

	snap, err := sm.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int64(2), snap.Sequence)

	latest, err := sm.GetLatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest)

	// Full replay from genesis matches the snapshot.
	records, err := sm.LoadEventsFrom(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, records, 3)

	f := testutil.NewEngineFixture(t)
	replica, err := core.NewDeterministicCore(0, f.Engine, nil, nil, nil, nil)
	require.NoError(t, err)
	for _, r := range records {
		require.NoError(t, replica.Replay(r.Envelope, r.Batch))
	}
	assert.Equal(t, snap.StateHash, replica.GetStateHash())
	assert.Equal(t, fpmath.Wad(1000), f.Engine.GetMintedDebt(alice))

	require.NoError(t, persistence.NewMigrator(db).Down(ctx))
	version, err := persistence.NewMigrator(db).Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
}
