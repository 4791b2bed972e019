package observer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/alphabill-org/consensus-observer/execution"
	test "github.com/alphabill-org/consensus-observer/internal/testutils"
	testobserve "github.com/alphabill-org/consensus-observer/internal/testutils/observability"
	testpeer "github.com/alphabill-org/consensus-observer/internal/testutils/peer"
	"github.com/alphabill-org/consensus-observer/internal/testutils/validators"
	"github.com/alphabill-org/consensus-observer/network"
	"github.com/alphabill-org/consensus-observer/reconfig"
	"github.com/alphabill-org/consensus-observer/types"
)

type finalizedCall struct {
	blocks   []*types.PipelinedBlock
	proof    *types.LedgerInfoWithSignatures
	callback execution.CommitCallback
}

// recordingExec is execution.Client which records the calls.
type recordingExec struct {
	mu        sync.Mutex
	epochs    []execution.EpochStart
	finalized []finalizedCall
	commits   []*types.CommitDecision
	syncs     []*types.LedgerInfoWithSignatures
	resets    []*types.LedgerInfoWithSignatures
	endEpochs int

	syncErr error
	// when not nil SyncTo blocks until it is closed
	syncGate chan struct{}
}

func (e *recordingExec) StartEpoch(ctx context.Context, es execution.EpochStart) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.epochs = append(e.epochs, es)
	return nil
}

func (e *recordingExec) FinalizeOrder(ctx context.Context, blocks []*types.PipelinedBlock, proof *types.LedgerInfoWithSignatures, callback execution.CommitCallback) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finalized = append(e.finalized, finalizedCall{blocks: blocks, proof: proof, callback: callback})
	return nil
}

func (e *recordingExec) SendCommitMsg(ctx context.Context, from peer.ID, decision *types.CommitDecision) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commits = append(e.commits, decision)
	return nil
}

func (e *recordingExec) SyncTo(ctx context.Context, target *types.LedgerInfoWithSignatures) error {
	e.mu.Lock()
	e.syncs = append(e.syncs, target)
	gate, err := e.syncGate, e.syncErr
	e.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (e *recordingExec) Reset(ctx context.Context, target *types.LedgerInfoWithSignatures) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resets = append(e.resets, target)
	return nil
}

func (e *recordingExec) EndEpoch(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.endEpochs++
	return nil
}

func (e *recordingExec) setSyncErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.syncErr = err
}

func (e *recordingExec) finalizedCalls() []finalizedCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]finalizedCall(nil), e.finalized...)
}

func (e *recordingExec) commitCalls() []*types.CommitDecision {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*types.CommitDecision(nil), e.commits...)
}

func (e *recordingExec) syncCalls() []*types.LedgerInfoWithSignatures {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*types.LedgerInfoWithSignatures(nil), e.syncs...)
}

type testNet struct {
	recordingSender
	ch chan network.ReceivedMessage
}

func (tn *testNet) ReceivedChannel() <-chan network.ReceivedMessage { return tn.ch }

type testEnv struct {
	o         *Observer
	exec      *recordingExec
	net       *testNet
	peers     *staticPeers
	reconfig  *reconfig.Channel
	publisher peer.ID
}

func epochNotification(t *testing.T, vs *validators.Set, quorumStore bool) *reconfig.Notification {
	t.Helper()
	n, err := reconfig.NewNotification(vs.Epoch(), map[string]any{
		types.ConfigValidatorSet: vs.ValidatorSet(),
		types.ConfigConsensus:    &types.ConsensusConfig{QuorumStoreEnabled: quorumStore},
	})
	require.NoError(t, err)
	return n
}

func newTestEnv(t *testing.T, root *types.LedgerInfoWithSignatures, opts ...Option) *testEnv {
	t.Helper()
	ids := testpeer.GeneratePeerIDs(t, 2)
	env := &testEnv{
		exec:      &recordingExec{},
		net:       &testNet{ch: make(chan network.ReceivedMessage, 10)},
		peers:     &staticPeers{},
		reconfig:  reconfig.NewChannel(10),
		publisher: ids[1],
	}
	env.peers.set(network.PeerInfo{ID: env.publisher, Latency: time.Millisecond})
	o, err := NewObserver(ids[0], root, env.net, env.peers, env.exec, env.reconfig, testobserve.Default(t), opts...)
	require.NoError(t, err)
	env.o = o
	return env
}

/*
newActiveObserver returns observer which has started the epoch of "vs" and
is subscribed to the publisher, without running the main loop.
*/
func newActiveObserver(t *testing.T, vs *validators.Set, root *types.LedgerInfoWithSignatures, quorumStore bool) *testEnv {
	t.Helper()
	env := newTestEnv(t, root)
	env.o.startEpoch(context.Background(), epochNotification(t, vs, quorumStore))
	env.o.status.Store(active)
	_, err := env.o.subscriptions.CheckAndManageSubscriptions(context.Background(), 0)
	require.NoError(t, err)
	t.Cleanup(env.o.cancelSync)
	return env
}

func (env *testEnv) send(msg any) error {
	return env.o.handleMessage(context.Background(), network.ReceivedMessage{From: env.publisher, Msg: msg})
}

func (env *testEnv) syncResult(t *testing.T) syncResult {
	t.Helper()
	select {
	case res := <-env.o.syncResults:
		return res
	case <-time.After(test.WaitDuration):
		t.Fatal("state sync hasn't completed before timeout")
	}
	return syncResult{}
}

// rootOf returns genesis block of the set and ledger info committing it.
func rootOf(t *testing.T, vs *validators.Set, round uint64, quorumStore bool) (*types.PipelinedBlock, *types.LedgerInfoWithSignatures) {
	b := vs.Chain(round, []byte{0}, 1, quorumStore)[0]
	return b, vs.Sign(t, b.BlockInfo())
}

func TestNewObserver(t *testing.T) {
	vs := validators.New(t, 1, 3)
	_, root := rootOf(t, vs, 0, false)
	ids := testpeer.GeneratePeerIDs(t, 1)
	obs := testobserve.Default(t)

	require.PanicsWithValue(t, "consensus observer requires reconfiguration notification source", func() {
		_, _ = NewObserver(ids[0], root, &testNet{}, &staticPeers{}, &recordingExec{}, nil, obs)
	})

	_, err := NewObserver(ids[0], &types.LedgerInfoWithSignatures{}, &testNet{}, &staticPeers{}, &recordingExec{}, reconfig.NewChannel(1), obs)
	require.ErrorIs(t, err, types.ErrLedgerInfoIsNil)

	_, err = NewObserver(ids[0], root, nil, &staticPeers{}, &recordingExec{}, reconfig.NewChannel(1), obs)
	require.EqualError(t, err, "network is nil")

	_, err = NewObserver(ids[0], root, &testNet{}, &staticPeers{}, nil, reconfig.NewChannel(1), obs)
	require.EqualError(t, err, "execution client is nil")

	_, err = NewObserver(ids[0], root, &testNet{}, &staticPeers{}, &recordingExec{}, reconfig.NewChannel(1), obs, WithMaxNumPendingBlocks(-1))
	require.ErrorContains(t, err, "store capacity must be positive")

	o, err := NewObserver(ids[0], root, &testNet{}, &staticPeers{}, &recordingExec{}, reconfig.NewChannel(1), obs)
	require.NoError(t, err)
	require.Equal(t, "awaitingEpochStart", o.Status().State)
}

func TestObserver_orderAndCommit(t *testing.T) {
	vs := validators.New(t, 1, 4)
	genesis, root := rootOf(t, vs, 0, false)
	env := newActiveObserver(t, vs, root, false)
	require.EqualValues(t, 1, env.exec.epochs[0].EpochState.Epoch)
	require.IsType(t, execution.DirectMempool{}, env.exec.epochs[0].PayloadManager)

	blocks := vs.Chain(1, genesis.ID(), 4, false)
	ob1 := vs.OrderedBlock(t, blocks[0:2]...)
	require.NoError(t, env.send(ob1))
	// the same block again is ignored
	require.NoError(t, env.send(ob1))
	calls := env.exec.finalizedCalls()
	require.Len(t, calls, 1)
	require.Equal(t, ob1.Blocks, calls[0].blocks)

	// not linked to the last ordered block
	ob3 := vs.OrderedBlock(t, blocks[3])
	require.ErrorContains(t, env.send(ob3), "does not match the last block")
	require.Equal(t, 1, env.o.ordered.Len())

	cd := vs.CommitDecision(t, blocks[1].BlockInfo())
	require.NoError(t, env.send(cd))
	require.Equal(t, []*types.CommitDecision{cd}, env.exec.commitCalls())
	e, ok := env.o.ordered.Get(1, 2)
	require.True(t, ok)
	require.Equal(t, cd, e.Decision)

	// execution has committed the blocks
	calls[0].callback(calls[0].blocks, cd.CommitProof)
	require.Equal(t, cd.CommitProof, env.o.root.Get())
	require.Zero(t, env.o.ordered.Len())

	// decision at the root is a no-op
	require.NoError(t, env.send(cd))
	require.Len(t, env.exec.commitCalls(), 1)
	require.Empty(t, env.exec.syncCalls())
	// so is the ordered block at or below root
	require.NoError(t, env.send(ob1))
	require.Len(t, env.exec.finalizedCalls(), 1)
	require.Zero(t, env.o.ordered.Len())

	st := env.o.Status()
	require.Equal(t, "active", st.State)
	require.EqualValues(t, 1, st.Epoch)
	require.EqualValues(t, 2, st.RootRound)
	require.EqualValues(t, blocks[1].ID(), st.RootID)
	require.Equal(t, env.publisher.String(), st.SubscribedPeer)
}

func TestObserver_invalidMessages(t *testing.T) {
	vs := validators.New(t, 1, 4)
	genesis, root := rootOf(t, vs, 0, true)
	env := newActiveObserver(t, vs, root, true)
	blocks := vs.Chain(1, genesis.ID(), 2, true)

	t.Run("unknown sender", func(t *testing.T) {
		other := testpeer.GeneratePeerIDs(t, 1)[0]
		msgs := []any{
			vs.OrderedBlock(t, blocks...),
			vs.BlockPayload(t, blocks[0]),
			vs.CommitDecision(t, blocks[1].BlockInfo()),
		}
		for _, m := range msgs {
			err := env.o.handleMessage(context.Background(), network.ReceivedMessage{From: other, Msg: m})
			require.ErrorIs(t, err, ErrMessageSender)
		}
		require.Zero(t, env.o.pending.Len())
		require.Zero(t, env.o.payloads.Len())
		require.Zero(t, env.o.ordered.Len())
		require.Nil(t, env.o.sync)
	})

	t.Run("unknown message type", func(t *testing.T) {
		require.EqualError(t, env.send(&types.SubscribeRequest{}), "unknown message: *types.SubscribeRequest")
	})

	t.Run("payload signed by other validators", func(t *testing.T) {
		other := validators.New(t, 1, 4)
		require.ErrorIs(t, env.send(other.BlockPayload(t, blocks[0])), types.ErrUnknownSigner)
		require.Zero(t, env.o.payloads.Len())
	})

	t.Run("payload with wrong transactions", func(t *testing.T) {
		bp := vs.BlockPayload(t, blocks[0])
		bp.Transactions = bp.Transactions[1:]
		require.ErrorIs(t, env.send(bp), types.ErrPayloadDigest)
		require.Zero(t, env.o.payloads.Len())
	})

	t.Run("ordered proof of other validators", func(t *testing.T) {
		other := validators.New(t, 1, 4)
		dm := vs.Chain(1, genesis.ID(), 1, false)
		require.ErrorContains(t, env.send(other.OrderedBlock(t, dm...)), "verifying ordered proof")
		require.Zero(t, env.o.ordered.Len())
	})

	t.Run("commit decision of other validators", func(t *testing.T) {
		other := validators.New(t, 1, 4)
		require.ErrorContains(t, env.send(other.CommitDecision(t, blocks[1].BlockInfo())), "verifying commit proof")
		require.Nil(t, env.o.sync)
	})

	require.Empty(t, env.exec.finalizedCalls())
	require.Empty(t, env.exec.commitCalls())
}

func TestObserver_payloadAndBlockOrder(t *testing.T) {
	vs := validators.New(t, 2, 4)
	genesis, root := rootOf(t, vs, 6, true)
	blocks := vs.Chain(7, genesis.ID(), 1, true)

	run := func(t *testing.T, payloadFirst bool) []finalizedCall {
		env := newActiveObserver(t, vs, root, true)
		require.IsType(t, payloadManager{}, env.exec.epochs[0].PayloadManager)
		ob := vs.OrderedBlock(t, blocks...)
		bp := vs.BlockPayload(t, blocks[0])
		if payloadFirst {
			require.NoError(t, env.send(bp))
			require.Equal(t, 1, env.o.payloads.Len())
			require.Empty(t, env.exec.finalizedCalls())
			require.NoError(t, env.send(ob))
		} else {
			require.NoError(t, env.send(ob))
			require.Equal(t, 1, env.o.pending.Len())
			require.Zero(t, env.o.ordered.Len())
			require.Empty(t, env.exec.finalizedCalls())
			require.NoError(t, env.send(bp))
		}
		require.Zero(t, env.o.pending.Len())
		require.Equal(t, 1, env.o.ordered.Len())

		// the pipeline reads transactions from the payload store
		txs, err := env.exec.epochs[0].PayloadManager.Transactions(context.Background(), blocks[0])
		require.NoError(t, err)
		require.Equal(t, bp.Transactions, txs)

		cd := vs.CommitDecision(t, blocks[0].BlockInfo())
		require.NoError(t, env.send(cd))
		require.Equal(t, []*types.CommitDecision{cd}, env.exec.commitCalls())
		return env.exec.finalizedCalls()
	}

	a := run(t, true)
	b := run(t, false)
	require.Len(t, a, 1)
	require.Len(t, b, 1)
	require.Equal(t, a[0].blocks, b[0].blocks)
	require.Equal(t, a[0].proof.CommitInfo(), b[0].proof.CommitInfo())
}

func TestObserver_stateSync(t *testing.T) {
	vs := validators.New(t, 6, 4)
	genesis, root := rootOf(t, vs, 0, false)
	env := newActiveObserver(t, vs, root, false)
	env.exec.syncGate = make(chan struct{})
	blocks := vs.Chain(1, genesis.ID(), 6, false)

	require.NoError(t, env.send(vs.OrderedBlock(t, blocks[0:2]...)))
	require.Len(t, env.exec.finalizedCalls(), 1)

	// decision for a block we haven't seen
	target := vs.CommitDecision(t, blocks[2].BlockInfo())
	require.NoError(t, env.send(target))
	require.Equal(t, "stateSyncing", env.o.Status().State)
	require.Equal(t, target.CommitProof, env.o.root.Get())
	require.Zero(t, env.o.ordered.Len())
	require.Eventually(t, func() bool { return len(env.exec.syncCalls()) == 1 }, test.WaitDuration, test.WaitShortTick)

	// blocks after the target are buffered but not forwarded while syncing
	ob := vs.OrderedBlock(t, blocks[3:5]...)
	require.NoError(t, env.send(ob))
	cd := vs.CommitDecision(t, blocks[4].BlockInfo())
	require.NoError(t, env.send(cd))
	require.Len(t, env.exec.finalizedCalls(), 1)
	require.Empty(t, env.exec.commitCalls())
	require.Equal(t, 1, env.o.ordered.Len())

	close(env.exec.syncGate)
	require.NoError(t, env.o.handleSyncResult(context.Background(), env.syncResult(t)))
	require.Equal(t, "active", env.o.Status().State)
	require.Nil(t, env.o.sync)

	// buffered block and its decision are forwarded once
	calls := env.exec.finalizedCalls()
	require.Len(t, calls, 2)
	require.Equal(t, ob.Blocks, calls[1].blocks)
	require.Equal(t, []*types.CommitDecision{cd}, env.exec.commitCalls())

	// decision at the root after sync is a no-op
	require.NoError(t, env.send(target))
	require.Len(t, env.exec.syncCalls(), 1)
}

func TestObserver_stateSyncPurgesStores(t *testing.T) {
	vs := validators.New(t, 3, 4)
	genesis, root := rootOf(t, vs, 0, true)
	env := newActiveObserver(t, vs, root, true)
	env.exec.syncGate = make(chan struct{})
	blocks := vs.Chain(1, genesis.ID(), 6, true)

	for _, b := range []*types.PipelinedBlock{blocks[0], blocks[1], blocks[5]} {
		require.NoError(t, env.send(vs.BlockPayload(t, b)))
	}
	below := vs.OrderedBlock(t, blocks[2])
	above := vs.OrderedBlock(t, blocks[4])
	require.NoError(t, env.send(below))
	require.NoError(t, env.send(above))
	require.Equal(t, 3, env.o.payloads.Len())
	require.Equal(t, 2, env.o.pending.Len())

	// decision for round 4 which isn't known locally
	target := vs.CommitDecision(t, blocks[3].BlockInfo())
	require.NoError(t, env.send(target))
	require.Equal(t, "stateSyncing", env.o.Status().State)
	require.Equal(t, target.CommitProof, env.o.root.Get())

	// only the entries above the target are left
	require.Equal(t, 1, env.o.payloads.Len())
	_, ok := env.o.payloads.Get(3, 6)
	require.True(t, ok)
	require.Equal(t, 1, env.o.pending.Len())
	require.True(t, env.o.pending.Exists(above))
	require.False(t, env.o.pending.Exists(below))
	require.Zero(t, env.o.ordered.Len())
	close(env.exec.syncGate)
}

func TestObserver_stateSyncRetry(t *testing.T) {
	vs := validators.New(t, 1, 4)
	genesis, root := rootOf(t, vs, 0, false)
	env := newActiveObserver(t, vs, root, false)
	env.exec.setSyncErr(errors.New("no peers to sync from"))
	blocks := vs.Chain(1, genesis.ID(), 3, false)

	require.NoError(t, env.send(vs.CommitDecision(t, blocks[2].BlockInfo())))
	require.ErrorContains(t, env.o.handleSyncResult(context.Background(), env.syncResult(t)), "no peers to sync from")
	require.NotNil(t, env.o.sync)
	require.True(t, env.o.sync.failed)
	require.Equal(t, "stateSyncing", env.o.Status().State)

	env.exec.setSyncErr(nil)
	env.o.checkProgress(context.Background())
	res := env.syncResult(t)
	require.NoError(t, env.o.handleSyncResult(context.Background(), res))
	require.Len(t, env.exec.syncCalls(), 2)
	require.Equal(t, "active", env.o.Status().State)

	// result of the sync which is not in progress anymore
	require.ErrorContains(t, env.o.handleSyncResult(context.Background(), res), "stale state sync result")
}

func TestObserver_epochChangeSync(t *testing.T) {
	vs2 := validators.New(t, 2, 4)
	vs3 := validators.New(t, 3, 4)
	vs4 := validators.New(t, 4, 4)
	_, root := rootOf(t, vs2, 5, false)
	env := newActiveObserver(t, vs2, root, false)
	env.exec.syncGate = make(chan struct{})

	cd4 := vs4.CommitDecision(t, vs4.Chain(3, []byte{4}, 1, false)[0].BlockInfo())
	cd3 := vs3.CommitDecision(t, vs3.Chain(8, []byte{3}, 1, false)[0].BlockInfo())

	// decisions of the later epochs arrive out of order
	require.NoError(t, env.send(cd4))
	require.NotNil(t, env.o.sync)
	require.True(t, env.o.sync.epochChanged)
	require.NoError(t, env.send(cd3))
	require.Equal(t, cd4.CommitProof, env.o.sync.target)
	require.Equal(t, cd4.CommitProof, env.o.root.Get())

	close(env.exec.syncGate)
	// the sync waits for the reconfiguration of the target epoch, older ones are skipped
	require.NoError(t, env.reconfig.Publish(context.Background(), epochNotification(t, vs3, false)))
	require.NoError(t, env.reconfig.Publish(context.Background(), epochNotification(t, vs4, false)))
	res := env.syncResult(t)
	require.EqualValues(t, 4, res.notification.Epoch)
	require.NoError(t, env.o.handleSyncResult(context.Background(), res))

	require.Len(t, env.exec.syncCalls(), 1)
	require.EqualValues(t, 4, env.o.epochState.Epoch)
	require.EqualValues(t, 4, env.o.Status().Epoch)
	require.Equal(t, 1, env.exec.endEpochs)
	require.Len(t, env.exec.epochs, 2)
	require.EqualValues(t, 4, env.exec.epochs[1].EpochState.Epoch)
}

func TestObserver_futureEpochPayloads(t *testing.T) {
	vs1 := validators.New(t, 1, 4)
	vs2 := validators.New(t, 2, 4)
	_, root := rootOf(t, vs1, 9, true)
	env := newActiveObserver(t, vs1, root, true)

	first := vs2.Chain(1, []byte{2}, 1, true)[0]
	next := vs2.Chain(2, first.ID(), 2, true)
	for _, b := range next {
		require.NoError(t, env.send(vs2.BlockPayload(t, b)))
	}
	// payloads of the next epoch can't be verified yet
	require.False(t, env.o.payloads.AllPayloadsExist(next))
	ob := vs2.OrderedBlock(t, next...)
	require.NoError(t, env.send(ob))
	require.Equal(t, 1, env.o.pending.Len())

	require.NoError(t, env.send(vs2.CommitDecision(t, first.BlockInfo())))
	require.True(t, env.o.sync.epochChanged)
	require.NoError(t, env.reconfig.Publish(context.Background(), epochNotification(t, vs2, true)))
	require.NoError(t, env.o.handleSyncResult(context.Background(), env.syncResult(t)))

	require.Zero(t, env.o.pending.Len())
	require.Equal(t, 1, env.o.ordered.Len())
	calls := env.exec.finalizedCalls()
	require.Len(t, calls, 1)
	require.Equal(t, ob.Blocks, calls[0].blocks)
}

func TestObserver_subscriptionChange(t *testing.T) {
	vs := validators.New(t, 1, 4)
	genesis, root := rootOf(t, vs, 0, true)
	env := newActiveObserver(t, vs, root, true)
	blocks := vs.Chain(1, genesis.ID(), 2, true)
	require.NoError(t, env.send(vs.OrderedBlock(t, blocks...)))
	require.NoError(t, env.send(vs.BlockPayload(t, blocks[0])))
	require.Equal(t, 1, env.o.pending.Len())

	// healthy subscription, nothing changes
	env.o.checkProgress(context.Background())
	require.Equal(t, 1, env.o.pending.Len())

	// publisher has gone, the state collected from it is dropped
	newPub := testpeer.GeneratePeerIDs(t, 1)[0]
	env.peers.set(network.PeerInfo{ID: newPub})
	env.o.checkProgress(context.Background())
	require.Zero(t, env.o.pending.Len())
	require.Zero(t, env.o.payloads.Len())
	require.Equal(t, []*types.LedgerInfoWithSignatures{root}, env.exec.resets)
	id, ok := env.o.subscriptions.ActivePeer()
	require.True(t, ok)
	require.Equal(t, newPub, id)
}

func TestObserver_Run(t *testing.T) {
	vs := validators.New(t, 1, 4)
	genesis, root := rootOf(t, vs, 0, false)
	env := newTestEnv(t, root, WithProgressCheckInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.o.Run(ctx) }()

	require.Equal(t, "awaitingEpochStart", env.o.Status().State)
	require.NoError(t, env.reconfig.Publish(ctx, epochNotification(t, vs, false)))
	require.Eventually(t, func() bool {
		st := env.o.Status()
		return st.State == "active" && st.SubscribedPeer == env.publisher.String()
	}, test.WaitDuration, test.WaitShortTick)

	ob := vs.OrderedBlock(t, vs.Chain(1, genesis.ID(), 2, false)...)
	env.net.ch <- network.ReceivedMessage{From: env.publisher, Msg: ob}
	require.Eventually(t, func() bool { return len(env.exec.finalizedCalls()) == 1 }, test.WaitDuration, test.WaitShortTick)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(test.WaitDuration):
		t.Fatal("observer didn't stop")
	}
	msgs := env.net.messages()
	require.IsType(t, &types.UnsubscribeRequest{}, msgs[len(msgs)-1].msg)
}
