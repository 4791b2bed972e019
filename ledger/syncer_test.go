package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alphabill-org/consensus-observer/internal/testutils/logger"
	"github.com/alphabill-org/consensus-observer/internal/testutils/validators"
	"github.com/alphabill-org/consensus-observer/keyvaluedb/memorydb"
	"github.com/alphabill-org/consensus-observer/reconfig"
	"github.com/alphabill-org/consensus-observer/types"
)

type recordingPublisher struct {
	mu        sync.Mutex
	published []*reconfig.Notification
	err       error
}

func (p *recordingPublisher) Publish(ctx context.Context, n *reconfig.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, n)
	return nil
}

func (p *recordingPublisher) epochs() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var epochs []uint64
	for _, n := range p.published {
		epochs = append(epochs, n.Epoch)
	}
	return epochs
}

func newTestSyncer(t *testing.T, vs *validators.Set) (*Syncer, *Store, *recordingPublisher) {
	t.Helper()
	store, err := NewStore(memorydb.New())
	require.NoError(t, err)
	_, err = store.InitFromGenesis(testGenesis(t, vs))
	require.NoError(t, err)
	pub := &recordingPublisher{}
	return NewSyncer(store, pub, logger.New(t)), store, pub
}

func TestSyncer_PublishCurrentEpoch(t *testing.T) {
	vs := validators.New(t, 1, 3)
	syncer, store, pub := newTestSyncer(t, vs)
	ctx := context.Background()

	require.NoError(t, syncer.PublishCurrentEpoch(ctx))
	require.Equal(t, []uint64{1}, pub.epochs())
	// second call doesn't repeat the notification
	require.NoError(t, syncer.PublishCurrentEpoch(ctx))
	require.Equal(t, []uint64{1}, pub.epochs())

	t.Run("not initialized", func(t *testing.T) {
		s, err := NewStore(memorydb.New())
		require.NoError(t, err)
		err = NewSyncer(s, pub, logger.New(t)).PublishCurrentEpoch(ctx)
		require.ErrorIs(t, err, ErrNotInitialized)
	})

	t.Run("mid epoch ledger info", func(t *testing.T) {
		require.NoError(t, store.SaveLedgerInfo(vs.Sign(t, &types.BlockInfo{Epoch: 1, Round: 8})))
		pub := &recordingPublisher{}
		require.NoError(t, NewSyncer(store, pub, logger.New(t)).PublishCurrentEpoch(ctx))
		require.Equal(t, []uint64{1}, pub.epochs())
	})
}

func TestSyncer_SyncTo(t *testing.T) {
	vs1 := validators.New(t, 1, 3)
	vs2 := validators.New(t, 2, 4)
	ctx := context.Background()

	t.Run("invalid target", func(t *testing.T) {
		syncer, _, _ := newTestSyncer(t, vs1)
		require.ErrorIs(t, syncer.SyncTo(ctx, &types.LedgerInfoWithSignatures{}), types.ErrLedgerInfoIsNil)
	})

	t.Run("within the epoch", func(t *testing.T) {
		syncer, store, pub := newTestSyncer(t, vs1)
		require.NoError(t, syncer.SyncTo(ctx, vs1.Sign(t, &types.BlockInfo{Epoch: 1, Round: 5})))
		latest, err := store.LatestLedgerInfo()
		require.NoError(t, err)
		require.EqualValues(t, 5, latest.Round())
		require.Equal(t, []uint64{1}, pub.epochs())

		require.NoError(t, syncer.SyncTo(ctx, vs1.Sign(t, &types.BlockInfo{Epoch: 1, Round: 9})))
		require.Equal(t, []uint64{1}, pub.epochs())
	})

	t.Run("target ends the epoch", func(t *testing.T) {
		syncer, store, pub := newTestSyncer(t, vs1)
		target := vs1.Sign(t, &types.BlockInfo{Epoch: 1, Round: 12, NextEpochState: vs2.EpochState})
		require.NoError(t, syncer.SyncTo(ctx, target))
		require.Equal(t, []uint64{2}, pub.epochs())

		n, err := store.EpochConfigs(2)
		require.NoError(t, err)
		set, err := reconfig.Get[types.ValidatorSet](n, types.ConfigValidatorSet)
		require.NoError(t, err)
		require.Len(t, set.Validators, 4)
		require.Equal(t, vs2.ValidatorSet().Validators[0].NodeID, set.Validators[0].NodeID)
		// configs other than validator set are carried over from the previous epoch
		cc, err := reconfig.Get[types.ConsensusConfig](n, types.ConfigConsensus)
		require.NoError(t, err)
		require.True(t, cc.QuorumStoreEnabled)

		// sync into the new epoch doesn't publish it again
		require.NoError(t, syncer.SyncTo(ctx, vs2.Sign(t, &types.BlockInfo{Epoch: 2, Round: 3})))
		require.Equal(t, []uint64{2}, pub.epochs())
	})

	t.Run("configs of the epoch are not known", func(t *testing.T) {
		syncer, store, pub := newTestSyncer(t, vs1)
		require.NoError(t, syncer.SyncTo(ctx, vs2.Sign(t, &types.BlockInfo{Epoch: 3, Round: 2})))
		require.Empty(t, pub.epochs())
		latest, err := store.LatestLedgerInfo()
		require.NoError(t, err)
		require.EqualValues(t, 3, latest.Epoch())
	})

	t.Run("ledger is ahead of the target", func(t *testing.T) {
		syncer, store, _ := newTestSyncer(t, vs1)
		require.NoError(t, store.SaveLedgerInfo(vs1.Sign(t, &types.BlockInfo{Epoch: 1, Round: 20})))
		require.NoError(t, syncer.SyncTo(ctx, vs1.Sign(t, &types.BlockInfo{Epoch: 1, Round: 10})))
		latest, err := store.LatestLedgerInfo()
		require.NoError(t, err)
		require.EqualValues(t, 20, latest.Round())
	})

	t.Run("publishing fails", func(t *testing.T) {
		syncer, _, pub := newTestSyncer(t, vs1)
		pub.err = errors.New("closed")
		err := syncer.SyncTo(ctx, vs1.Sign(t, &types.BlockInfo{Epoch: 1, Round: 12, NextEpochState: vs2.EpochState}))
		require.EqualError(t, err, "publishing configs of epoch 2: closed")

		// the configs are saved, next attempt publishes them
		pub.err = nil
		require.NoError(t, syncer.SyncTo(ctx, vs1.Sign(t, &types.BlockInfo{Epoch: 1, Round: 12, NextEpochState: vs2.EpochState})))
		require.Equal(t, []uint64{2}, pub.epochs())
	})
}

func TestSyncer_PublishEpochChange(t *testing.T) {
	vs1 := validators.New(t, 1, 3)
	vs2 := validators.New(t, 2, 2)
	ctx := context.Background()

	t.Run("not epoch change", func(t *testing.T) {
		syncer, _, _ := newTestSyncer(t, vs1)
		err := syncer.PublishEpochChange(ctx, vs1.Sign(t, &types.BlockInfo{Epoch: 1, Round: 4}))
		require.ErrorContains(t, err, "does not end an epoch")
	})

	t.Run("previous epoch configs are not known", func(t *testing.T) {
		syncer, store, pub := newTestSyncer(t, vs1)
		vs3 := validators.New(t, 3, 2)
		require.NoError(t, syncer.PublishEpochChange(ctx, vs2.Sign(t, &types.BlockInfo{Epoch: 2, Round: 4, NextEpochState: vs3.EpochState})))
		require.Equal(t, []uint64{3}, pub.epochs())

		n, err := store.EpochConfigs(3)
		require.NoError(t, err)
		require.Len(t, n.Configs, 1)
		_, err = reconfig.Get[types.ConsensusConfig](n, types.ConfigConsensus)
		require.ErrorIs(t, err, reconfig.ErrConfigNotFound)
	})

	t.Run("reconfig channel", func(t *testing.T) {
		store, err := NewStore(memorydb.New())
		require.NoError(t, err)
		_, err = store.InitFromGenesis(testGenesis(t, vs1))
		require.NoError(t, err)
		ch := reconfig.NewChannel(2)
		syncer := NewSyncer(store, ch, logger.New(t))

		require.NoError(t, syncer.PublishCurrentEpoch(ctx))
		require.NoError(t, syncer.PublishEpochChange(ctx, vs1.Sign(t, &types.BlockInfo{Epoch: 1, Round: 30, NextEpochState: vs2.EpochState})))

		n, err := ch.Next(ctx)
		require.NoError(t, err)
		require.EqualValues(t, 1, n.Epoch)
		n, err = ch.Next(ctx)
		require.NoError(t, err)
		require.EqualValues(t, 2, n.Epoch)

		ch.Close()
		err = syncer.PublishEpochChange(ctx, vs2.Sign(t, &types.BlockInfo{Epoch: 2, Round: 9, NextEpochState: validators.New(t, 3, 1).EpochState}))
		require.ErrorIs(t, err, reconfig.ErrSourceClosed)
	})
}
