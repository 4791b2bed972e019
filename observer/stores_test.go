package observer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/alphabill-org/consensus-observer/execution"
	"github.com/alphabill-org/consensus-observer/internal/testutils/logger"
	testobserve "github.com/alphabill-org/consensus-observer/internal/testutils/observability"
	"github.com/alphabill-org/consensus-observer/internal/testutils/validators"
	"github.com/alphabill-org/consensus-observer/types"
)

func newStores(t *testing.T, capacity int) (*PendingBlockStore, *BlockPayloadStore, *OrderedBlockStore) {
	t.Helper()
	log := logger.New(t)
	m := noop.NewMeterProvider().Meter("test")
	pending, err := NewPendingBlockStore(capacity, log, m)
	require.NoError(t, err)
	payloads, err := NewBlockPayloadStore(capacity, log, m)
	require.NoError(t, err)
	ordered, err := NewOrderedBlockStore(capacity, log, m)
	require.NoError(t, err)
	return pending, payloads, ordered
}

func TestBlockPayloadStore(t *testing.T) {
	vs := validators.New(t, 2, 3)
	blocks := vs.Chain(1, []byte{0}, 3, true)

	t.Run("unverified payloads do not count", func(t *testing.T) {
		_, payloads, _ := newStores(t, 10)
		require.True(t, payloads.AllPayloadsExist(nil))
		require.False(t, payloads.AllPayloadsExist(blocks[:1]))

		require.NoError(t, payloads.Insert(vs.BlockPayload(t, blocks[0]), false))
		require.False(t, payloads.AllPayloadsExist(blocks[:1]))
		_, ok := payloads.Get(2, 1)
		require.False(t, ok)

		require.Equal(t, []uint64{1}, payloads.VerifyPayloadSignatures(vs.EpochState))
		require.True(t, payloads.AllPayloadsExist(blocks[:1]))
		bp, ok := payloads.Get(2, 1)
		require.True(t, ok)
		require.EqualValues(t, 1, bp.Round())
		// already verified payloads are not reported again
		require.Empty(t, payloads.VerifyPayloadSignatures(vs.EpochState))
	})

	t.Run("direct mempool blocks need no payload", func(t *testing.T) {
		_, payloads, _ := newStores(t, 10)
		require.True(t, payloads.AllPayloadsExist(vs.Chain(1, []byte{0}, 2, false)))
	})

	t.Run("invalid signatures are dropped", func(t *testing.T) {
		_, payloads, _ := newStores(t, 10)
		other := validators.New(t, 2, 3)
		require.NoError(t, payloads.Insert(vs.BlockPayload(t, blocks[0]), false))
		require.NoError(t, payloads.Insert(vs.BlockPayload(t, blocks[1]), false))
		require.Empty(t, payloads.VerifyPayloadSignatures(other.EpochState))
		require.Zero(t, payloads.Len())
	})

	t.Run("payloads of other epochs are not verified", func(t *testing.T) {
		_, payloads, _ := newStores(t, 10)
		require.NoError(t, payloads.Insert(vs.BlockPayload(t, blocks[0]), false))
		next := validators.New(t, 3, 3)
		require.Empty(t, payloads.VerifyPayloadSignatures(next.EpochState))
		require.Equal(t, 1, payloads.Len())
	})

	t.Run("capacity", func(t *testing.T) {
		_, payloads, _ := newStores(t, 2)
		require.NoError(t, payloads.Insert(vs.BlockPayload(t, blocks[0]), true))
		require.NoError(t, payloads.Insert(vs.BlockPayload(t, blocks[1]), true))
		require.ErrorIs(t, payloads.Insert(vs.BlockPayload(t, blocks[2]), true), ErrStoreFull)
		// replacing existing entry is allowed
		require.NoError(t, payloads.Insert(vs.BlockPayload(t, blocks[1]), true))
	})

	t.Run("remove", func(t *testing.T) {
		_, payloads, _ := newStores(t, 10)
		for _, b := range blocks {
			require.NoError(t, payloads.Insert(vs.BlockPayload(t, b), true))
		}
		payloads.RemoveBlocksForEpochRound(2, 1)
		require.Equal(t, 2, payloads.Len())
		payloads.RemoveCommittedBlocks(blocks[:2])
		require.Equal(t, 1, payloads.Len())
		payloads.RemoveCommittedBlocks(nil)
		require.Equal(t, 1, payloads.Len())
		payloads.Clear()
		require.Zero(t, payloads.Len())
	})

	t.Run("verify against ordered block", func(t *testing.T) {
		_, payloads, _ := newStores(t, 10)
		ob := vs.OrderedBlock(t, blocks[:2]...)
		require.ErrorIs(t, payloads.VerifyPayloadsAgainstOrderedBlock(ob), execution.ErrPayloadNotFound)

		require.NoError(t, payloads.Insert(vs.BlockPayload(t, blocks[0]), true))
		require.NoError(t, payloads.Insert(vs.BlockPayload(t, blocks[1]), true))
		require.NoError(t, payloads.VerifyPayloadsAgainstOrderedBlock(ob))

		// batches of the first block stored as the payload of the second one
		bad := vs.BlockPayload(t, blocks[0])
		bad.Block = blocks[1].BlockInfo()
		require.NoError(t, payloads.Insert(bad, true))
		require.ErrorIs(t, payloads.VerifyPayloadsAgainstOrderedBlock(ob), types.ErrPayloadMismatch)
	})
}

func Test_payloadManager(t *testing.T) {
	vs := validators.New(t, 2, 3)
	_, payloads, _ := newStores(t, 10)
	pm := payloadManager{store: payloads}

	qs := vs.Chain(1, []byte{0}, 1, true)[0]
	_, err := pm.Transactions(context.Background(), qs)
	require.ErrorIs(t, err, execution.ErrPayloadNotFound)

	bp := vs.BlockPayload(t, qs)
	require.NoError(t, payloads.Insert(bp, true))
	txs, err := pm.Transactions(context.Background(), qs)
	require.NoError(t, err)
	require.Equal(t, bp.Transactions, txs)

	dm := vs.Chain(1, []byte{0}, 1, false)[0]
	txs, err = pm.Transactions(context.Background(), dm)
	require.NoError(t, err)
	require.Equal(t, dm.Payload().Transactions, txs)
}

func TestOrderedBlockStore(t *testing.T) {
	vs := validators.New(t, 1, 3)
	blocks := vs.Chain(1, []byte{0}, 6, false)
	ob1 := vs.OrderedBlock(t, blocks[0:2]...)
	ob2 := vs.OrderedBlock(t, blocks[2:4]...)
	ob3 := vs.OrderedBlock(t, blocks[4:6]...)

	_, _, ordered := newStores(t, 2)
	require.Nil(t, ordered.LastOrderedBlock())
	require.NoError(t, ordered.Insert(ob2))
	require.NoError(t, ordered.Insert(ob1))
	require.ErrorIs(t, ordered.Insert(ob3), ErrStoreFull)
	require.Equal(t, blocks[3].BlockInfo(), ordered.LastOrderedBlock())

	// keyed by the last block
	_, ok := ordered.Get(1, 3)
	require.False(t, ok)
	e, ok := ordered.Get(1, 4)
	require.True(t, ok)
	require.Equal(t, ob2, e.Block)
	require.Nil(t, e.Decision)

	require.False(t, ordered.UpdateCommitDecision(vs.CommitDecision(t, blocks[2].BlockInfo())))
	cd := vs.CommitDecision(t, blocks[1].BlockInfo())
	require.True(t, ordered.UpdateCommitDecision(cd))

	all := ordered.All()
	require.Len(t, all, 2)
	require.Equal(t, ob1, all[0].Block)
	require.Equal(t, cd, all[0].Decision)
	require.Equal(t, ob2, all[1].Block)

	ordered.RemoveBlocksForCommit(cd.CommitProof)
	require.Equal(t, 1, ordered.Len())
	ordered.RemoveBlocksForEpochRound(2, 0)
	require.Zero(t, ordered.Len())
	require.Nil(t, ordered.LastOrderedBlock())
}

func TestPendingBlockStore(t *testing.T) {
	vs := validators.New(t, 1, 3)
	blocks := vs.Chain(1, []byte{0}, 6, true)
	ob1 := vs.OrderedBlock(t, blocks[0:2]...)
	ob2 := vs.OrderedBlock(t, blocks[2:4]...)
	ob3 := vs.OrderedBlock(t, blocks[4:6]...)

	t.Run("oldest are dropped when full", func(t *testing.T) {
		pending, _, _ := newStores(t, 2)
		pending.Insert(ob3)
		pending.Insert(ob1)
		pending.Insert(ob2)
		require.Equal(t, 2, pending.Len())
		require.False(t, pending.Exists(ob1))
		require.True(t, pending.Exists(ob2))
		require.True(t, pending.Exists(ob3))
	})

	t.Run("ready block", func(t *testing.T) {
		pending, payloads, _ := newStores(t, 10)
		pending.Insert(ob1)
		pending.Insert(ob2)

		require.NoError(t, payloads.Insert(vs.BlockPayload(t, blocks[2]), true))
		// ob2 still waits for the payload of round 4
		require.Nil(t, pending.RemoveReadyBlock(1, 3, payloads))
		require.True(t, pending.Exists(ob2))
		// ob1 starts below round 3 and is dropped
		require.False(t, pending.Exists(ob1))

		require.NoError(t, payloads.Insert(vs.BlockPayload(t, blocks[3]), true))
		require.Equal(t, ob2, pending.RemoveReadyBlock(1, 4, payloads))
		require.Zero(t, pending.Len())
	})

	t.Run("block missing payloads is dropped", func(t *testing.T) {
		pending, payloads, _ := newStores(t, 10)
		pending.Insert(ob1)
		require.Nil(t, pending.RemoveReadyBlock(1, 2, payloads))
		require.Zero(t, pending.Len())
	})

	t.Run("remove for commit", func(t *testing.T) {
		pending, _, _ := newStores(t, 10)
		pending.Insert(ob1)
		pending.Insert(ob2)
		pending.Insert(ob3)
		pending.RemoveBlocksForCommit(vs.Sign(t, blocks[3].BlockInfo()))
		require.Equal(t, 1, pending.Len())
		require.True(t, pending.Exists(ob3))
		pending.Clear()
		require.Zero(t, pending.Len())
	})
}

func Test_storeGauges(t *testing.T) {
	obs, reader := testobserve.WithMetrics(t)
	vs := validators.New(t, 1, 3)
	pending, err := NewPendingBlockStore(10, obs.Logger(), obs.Meter("observer"))
	require.NoError(t, err)
	pending.Insert(vs.OrderedBlock(t, vs.Chain(7, []byte{0}, 1, true)...))

	m := testobserve.CollectMetrics(t, reader)
	require.Contains(t, m, "store.pending")
	require.Contains(t, m, "store.pending.round")
}

func Test_rootCell(t *testing.T) {
	vs := validators.New(t, 1, 3)
	blocks := vs.Chain(1, []byte{0}, 3, false)
	rc := newRootCell(vs.Sign(t, blocks[1].BlockInfo()))

	cur, ok := rc.Advance(vs.Sign(t, blocks[0].BlockInfo()))
	require.False(t, ok)
	require.EqualValues(t, 2, cur.Round())

	next := vs.Sign(t, blocks[2].BlockInfo())
	cur, ok = rc.Advance(next)
	require.True(t, ok)
	require.Equal(t, next, cur)
	require.Equal(t, next, rc.Get())

	// other epoch never advances the root
	other := validators.New(t, 2, 3)
	_, ok = rc.Advance(other.Sign(t, other.Chain(10, []byte{0}, 1, false)[0].BlockInfo()))
	require.False(t, ok)
	require.Equal(t, next, rc.Get())
}
