/*
Package observer implements consensus observer - a node which follows the
consensus of the validators without taking part of it. Ordered blocks,
their payloads and commit decisions are received from a single publisher,
verified and forwarded to the execution pipeline. When the observer falls
behind it syncs its state to the latest commit decision.
*/
package observer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/alphabill-org/consensus-observer/execution"
	"github.com/alphabill-org/consensus-observer/logger"
	"github.com/alphabill-org/consensus-observer/network"
	"github.com/alphabill-org/consensus-observer/observability"
	"github.com/alphabill-org/consensus-observer/reconfig"
	"github.com/alphabill-org/consensus-observer/types"
)

type status int

const (
	awaitingEpochStart status = iota
	active
	stateSyncing
)

func (s status) String() string {
	switch s {
	case awaitingEpochStart:
		return "awaitingEpochStart"
	case active:
		return "active"
	case stateSyncing:
		return "stateSyncing"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

type (
	Net interface {
		Send(ctx context.Context, msg any, receivers ...peer.ID) error
		ReceivedChannel() <-chan network.ReceivedMessage
	}

	Observability interface {
		Tracer(name string, options ...trace.TracerOption) trace.Tracer
		Meter(name string, opts ...metric.MeterOption) metric.Meter
		Logger() *slog.Logger
	}

	// syncHandle describes the state sync in progress.
	syncHandle struct {
		target       *types.LedgerInfoWithSignatures
		epochChanged bool
		failed       bool
		cancel       context.CancelFunc
		done         chan struct{}
	}

	syncResult struct {
		target *types.LedgerInfoWithSignatures
		// reconfiguration of the target epoch, set when sync crossed epoch boundary
		notification *reconfig.Notification
		err          error
	}
)

type Observer struct {
	conf          *configuration
	net           Net
	exec          execution.Client
	reconfig      reconfig.Source
	subscriptions *SubscriptionManager
	root          *rootCell
	pending       *PendingBlockStore
	payloads      *BlockPayloadStore
	ordered       *OrderedBlockStore

	status atomic.Value
	epoch  atomic.Uint64

	// owned by the main loop
	epochState         *types.EpochState
	quorumStoreEnabled bool
	sync               *syncHandle
	syncResults        chan syncResult
	tasks              *errgroup.Group

	log           *slog.Logger
	tracer        trace.Tracer
	msgCnt        metric.Int64Counter
	msgDur        metric.Float64Histogram
	receivedRound metric.Int64Gauge
	syncCnt       metric.Int64Counter
}

/*
NewObserver creates consensus observer which starts following the chain from
"root", the latest committed ledger info known to the node.

Reconfiguration source is required, the observer can't learn validators of
the epochs without it.
*/
func NewObserver(
	self peer.ID,
	root *types.LedgerInfoWithSignatures,
	net Net,
	peers PeerSource,
	exec execution.Client,
	reconfigSrc reconfig.Source,
	observe Observability,
	opts ...Option,
) (*Observer, error) {
	if reconfigSrc == nil {
		panic("consensus observer requires reconfiguration notification source")
	}
	if err := root.IsValid(); err != nil {
		return nil, fmt.Errorf("invalid root ledger info: %w", err)
	}
	if net == nil {
		return nil, errors.New("network is nil")
	}
	if exec == nil {
		return nil, errors.New("execution client is nil")
	}
	conf, err := loadAndValidateConfiguration(opts...)
	if err != nil {
		return nil, err
	}

	o := &Observer{
		conf:        conf,
		net:         net,
		exec:        exec,
		reconfig:    reconfigSrc,
		root:        newRootCell(root),
		syncResults: make(chan syncResult, 1),
		tasks:       &errgroup.Group{},
		log:         observe.Logger(),
		tracer:      observe.Tracer("observer"),
	}
	o.status.Store(awaitingEpochStart)

	m := observe.Meter("observer")
	if o.pending, err = NewPendingBlockStore(conf.maxNumPendingBlocks, o.log, m); err != nil {
		return nil, err
	}
	if o.payloads, err = NewBlockPayloadStore(conf.maxNumPendingBlocks, o.log, m); err != nil {
		return nil, err
	}
	if o.ordered, err = NewOrderedBlockStore(conf.maxNumPendingBlocks, o.log, m); err != nil {
		return nil, err
	}
	if o.subscriptions, err = NewSubscriptionManager(self, peers, net, o.log, m, opts...); err != nil {
		return nil, err
	}
	if err := o.initMetrics(m); err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}
	return o, nil
}

func (o *Observer) initMetrics(m metric.Meter) (err error) {
	o.msgCnt, err = m.Int64Counter("received.messages", metric.WithDescription("Number of messages received from the publisher"))
	if err != nil {
		return fmt.Errorf("creating counter for received messages: %w", err)
	}
	o.msgDur, err = m.Float64Histogram("handle.msg.time",
		metric.WithDescription("How long it took to process observer message"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(100e-6, 200e-6, 400e-6, 800e-6, 0.0016, 0.01, 0.05))
	if err != nil {
		return fmt.Errorf("creating histogram for processed messages: %w", err)
	}
	o.receivedRound, err = m.Int64Gauge("received.round", metric.WithDescription("Round of the latest received message"))
	if err != nil {
		return fmt.Errorf("creating gauge for received round: %w", err)
	}
	o.syncCnt, err = m.Int64Counter("sync.started", metric.WithDescription("Number of state syncs started"))
	if err != nil {
		return fmt.Errorf("creating counter for state syncs: %w", err)
	}
	return nil
}

/*
Run waits for the reconfiguration of the current epoch and then processes
messages until ctx is cancelled.
*/
func (o *Observer) Run(ctx context.Context) error {
	root := o.root.Get()
	epoch := root.Epoch()
	if root.CommitInfo().EndsEpoch() {
		epoch++
	}
	n, err := waitForEpochStart(ctx, o.reconfig, epoch)
	if err != nil {
		return err
	}
	o.startEpoch(ctx, n)
	o.status.Store(active)

	g, ctx := errgroup.WithContext(ctx)
	o.tasks = g
	g.Go(func() error {
		defer o.cancelSync()
		err := o.loop(ctx)
		o.log.DebugContext(ctx, "observer main loop exit", logger.Error(err))

		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if err := o.subscriptions.Terminate(tctx); err != nil {
			o.log.DebugContext(ctx, "terminating subscription", logger.Error(err))
		}
		return err
	})
	return g.Wait()
}

func (o *Observer) loop(ctx context.Context) error {
	ticker := time.NewTicker(o.conf.progressCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-o.net.ReceivedChannel():
			if !ok {
				return errors.New("network received channel is closed")
			}
			o.log.Log(ctx, logger.LevelTrace, fmt.Sprintf("received %T", m.Msg), logger.PeerID(m.From), logger.Data(m.Msg))
			if err := o.handleMessage(ctx, m); err != nil {
				o.log.Warn(fmt.Sprintf("handling %T", m.Msg), logger.PeerID(m.From), logger.Error(err))
			}
		case res := <-o.syncResults:
			if err := o.handleSyncResult(ctx, res); err != nil {
				o.log.Warn("handling state sync result", logger.Error(err))
			}
		case <-ticker.C:
			o.checkProgress(ctx)
		}
	}
}

func (o *Observer) handleMessage(ctx context.Context, m network.ReceivedMessage) (rErr error) {
	msgAttr := observability.MsgType(msgLabel(m.Msg))
	peerAttr := observability.PeerID(observability.PeerIDKey, m.From)
	ctx, span := o.tracer.Start(ctx, "observer.handleMessage", trace.WithNewRoot(), trace.WithAttributes(msgAttr, peerAttr), trace.WithSpanKind(trace.SpanKindServer))
	defer func(start time.Time) {
		if rErr != nil {
			span.RecordError(rErr)
			span.SetStatus(codes.Error, rErr.Error())
		}
		o.msgCnt.Add(ctx, 1, metric.WithAttributeSet(attribute.NewSet(msgAttr, peerAttr, observability.ErrStatus(rErr))))
		o.msgDur.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(msgAttr))
		span.End()
	}(time.Now())

	// the sender is verified before the message can affect any state
	if err := o.subscriptions.VerifyMessageSender(m.From); err != nil {
		return err
	}

	switch mt := m.Msg.(type) {
	case *types.OrderedBlock:
		return o.handleOrderedBlock(ctx, m.From, mt)
	case *types.CommitDecision:
		return o.handleCommitDecision(ctx, m.From, mt)
	case *types.BlockPayload:
		return o.handleBlockPayload(ctx, m.From, mt)
	default:
		return fmt.Errorf("unknown message: %T", mt)
	}
}

func msgLabel(msg any) string {
	switch msg.(type) {
	case *types.OrderedBlock:
		return types.OrderedBlockLabel
	case *types.CommitDecision:
		return types.CommitDecisionLabel
	case *types.BlockPayload:
		return types.BlockPayloadLabel
	default:
		return fmt.Sprintf("%T", msg)
	}
}

// received logs valid message and records its round.
func (o *Observer) received(ctx context.Context, label string, from peer.ID, bi *types.BlockInfo) {
	lvl := slog.LevelDebug
	if o.conf.logMessagesAtInfo {
		lvl = slog.LevelInfo
	}
	o.log.Log(ctx, lvl, fmt.Sprintf("received %s %s", label, bi), logger.PeerID(from))
	o.receivedRound.Record(ctx, int64(bi.Round), metric.WithAttributes(observability.MsgType(label))) /* #nosec G115 round doesn't exceed int64 max value */
}

func (o *Observer) handleOrderedBlock(ctx context.Context, from peer.ID, ob *types.OrderedBlock) error {
	if err := ob.VerifyOrderedBlocks(); err != nil {
		return fmt.Errorf("invalid ordered block: %w", err)
	}
	o.received(ctx, types.OrderedBlockLabel, from, ob.ProofBlockInfo())

	last := ob.LastBlock().BlockInfo()
	if last.Compare(o.root.Get().CommitInfo()) <= 0 {
		o.log.DebugContext(ctx, fmt.Sprintf("ignoring ordered block %s, it is not newer than root", last))
		return nil
	}
	if _, ok := o.ordered.Get(last.Epoch, last.Round); ok || o.pending.Exists(ob) {
		o.log.DebugContext(ctx, fmt.Sprintf("ignoring ordered block %s, already known", last))
		return nil
	}

	if !o.quorumStoreEnabled || o.payloads.AllPayloadsExist(ob.Blocks) {
		return o.processOrderedBlock(ctx, ob)
	}
	o.pending.Insert(ob)
	return nil
}

/*
processOrderedBlock verifies the ordered block which has all its payloads,
links it to the chain and forwards it to the execution unless state sync is
in progress.
*/
func (o *Observer) processOrderedBlock(ctx context.Context, ob *types.OrderedBlock) error {
	if epoch := ob.FirstBlock().Epoch(); epoch != o.epochState.Epoch {
		return fmt.Errorf("ordered block %s is for epoch %d, current epoch is %d", ob.ProofBlockInfo(), epoch, o.epochState.Epoch)
	}
	if err := ob.VerifyOrderedProof(o.epochState); err != nil {
		return fmt.Errorf("verifying ordered proof: %w", err)
	}
	if o.quorumStoreEnabled {
		if err := o.payloads.VerifyPayloadsAgainstOrderedBlock(ob); err != nil {
			return fmt.Errorf("verifying payloads of ordered block: %w", err)
		}
	}

	last := o.lastBlock()
	if !bytes.Equal(last.ID, ob.FirstBlock().ParentID()) {
		return fmt.Errorf("ordered block %s parent %X does not match the last block %s", ob.FirstBlock(), ob.FirstBlock().ParentID(), last)
	}
	if err := o.ordered.Insert(ob); err != nil {
		return err
	}
	if o.sync == nil {
		o.finalizeOrderedBlock(ctx, ob)
	}
	return nil
}

// lastBlock returns the last ordered block or root when there is none.
func (o *Observer) lastBlock() *types.BlockInfo {
	if bi := o.ordered.LastOrderedBlock(); bi != nil {
		return bi
	}
	return o.root.Get().CommitInfo()
}

func (o *Observer) finalizeOrderedBlock(ctx context.Context, ob *types.OrderedBlock) {
	if err := o.exec.FinalizeOrder(ctx, ob.Blocks, ob.OrderedProof, o.commitCallback); err != nil {
		o.log.ErrorContext(ctx, fmt.Sprintf("forwarding ordered block %s to execution", ob.ProofBlockInfo()), logger.Error(err))
	}
}

func (o *Observer) forwardCommitDecision(ctx context.Context, from peer.ID, cd *types.CommitDecision) {
	if err := o.exec.SendCommitMsg(ctx, from, cd); err != nil {
		o.log.ErrorContext(ctx, fmt.Sprintf("forwarding commit decision %s to execution", cd.ProofBlockInfo()), logger.Error(err))
	}
}

func (o *Observer) handleCommitDecision(ctx context.Context, from peer.ID, cd *types.CommitDecision) error {
	if err := cd.IsValid(); err != nil {
		return fmt.Errorf("invalid commit decision: %w", err)
	}
	o.received(ctx, types.CommitDecisionLabel, from, cd.ProofBlockInfo())

	if cd.ProofBlockInfo().Compare(o.root.Get().CommitInfo()) <= 0 {
		o.log.DebugContext(ctx, fmt.Sprintf("ignoring commit decision %s, it is not newer than root", cd.ProofBlockInfo()))
		return nil
	}

	if cd.Epoch() == o.epochState.Epoch {
		if err := cd.VerifyCommitProof(o.epochState); err != nil {
			return fmt.Errorf("verifying commit proof: %w", err)
		}
		if o.attachCommitDecision(ctx, from, cd) {
			return nil
		}
	}

	// decision for a block we don't have, sync if it's ahead of us
	last := o.lastBlock()
	epochChanged := cd.Epoch() > last.Epoch
	if !epochChanged && cd.Round() <= last.Round {
		return nil
	}
	if o.sync != nil && o.sync.epochChanged {
		o.log.DebugContext(ctx, fmt.Sprintf("ignoring commit decision %s, epoch change sync to %s in progress", cd.ProofBlockInfo(), o.sync.target.CommitInfo()))
		return nil
	}
	o.startSync(ctx, cd.CommitProof, epochChanged)
	return nil
}

/*
attachCommitDecision adds the decision to the ordered block it commits and
forwards it to the execution. Returns false when there is no such block or
its payloads are missing.
*/
func (o *Observer) attachCommitDecision(ctx context.Context, from peer.ID, cd *types.CommitDecision) bool {
	entry, ok := o.ordered.Get(cd.Epoch(), cd.Round())
	if !ok {
		return false
	}
	if o.quorumStoreEnabled && !o.payloads.AllPayloadsExist(entry.Block.Blocks) {
		return false
	}
	o.ordered.UpdateCommitDecision(cd)
	if o.sync == nil {
		o.forwardCommitDecision(ctx, from, cd)
	}
	return true
}

func (o *Observer) handleBlockPayload(ctx context.Context, from peer.ID, bp *types.BlockPayload) error {
	if err := bp.IsValid(); err != nil {
		return fmt.Errorf("invalid block payload: %w", err)
	}
	o.received(ctx, types.BlockPayloadLabel, from, bp.Block)

	if bp.Block.Compare(o.root.Get().CommitInfo()) <= 0 {
		o.log.DebugContext(ctx, fmt.Sprintf("ignoring payload %s, it is not newer than root", bp.Block))
		return nil
	}
	if err := bp.VerifyPayloadDigests(); err != nil {
		return fmt.Errorf("verifying payload digests: %w", err)
	}
	// payloads of the future epochs are verified when the epoch starts
	verified := false
	if bp.Epoch() == o.epochState.Epoch {
		if err := bp.VerifyPayloadSignatures(o.epochState); err != nil {
			return fmt.Errorf("verifying payload signatures: %w", err)
		}
		verified = true
	}
	if err := o.payloads.Insert(bp, verified); err != nil {
		return err
	}
	if !verified {
		return nil
	}
	if ob := o.pending.RemoveReadyBlock(bp.Epoch(), bp.Round(), o.payloads); ob != nil {
		return o.processOrderedBlock(ctx, ob)
	}
	return nil
}

/*
startSync moves root to the target and syncs the node state to it in the
background. Everything the stores have up to the target is dropped.
*/
func (o *Observer) startSync(ctx context.Context, target *types.LedgerInfoWithSignatures, epochChanged bool) {
	o.log.InfoContext(ctx, fmt.Sprintf("starting state sync to %s", target.CommitInfo()), logger.Epoch(target.Epoch()), logger.Round(target.Round()))
	o.root.Set(target)
	o.payloads.RemoveBlocksForEpochRound(target.Epoch(), target.Round())
	o.ordered.RemoveBlocksForCommit(target)
	o.pending.RemoveBlocksForCommit(target)
	o.spawnSync(ctx, target, epochChanged)
}

func (o *Observer) spawnSync(ctx context.Context, target *types.LedgerInfoWithSignatures, epochChanged bool) {
	o.cancelSync()
	syncCtx, cancel := context.WithCancel(ctx)
	h := &syncHandle{target: target, epochChanged: epochChanged, cancel: cancel, done: make(chan struct{})}
	o.sync = h
	o.status.Store(stateSyncing)
	o.syncCnt.Add(ctx, 1, metric.WithAttributes(attribute.Bool("epoch_changed", epochChanged)))

	currentEpoch := o.epochState.Epoch
	o.tasks.Go(func() error {
		defer close(h.done)
		res := syncResult{target: target}
		if res.err = o.exec.SyncTo(syncCtx, target); res.err == nil && target.Epoch() > currentEpoch {
			res.notification, res.err = waitForEpochStart(syncCtx, o.reconfig, target.Epoch())
		}
		if syncCtx.Err() != nil {
			return nil
		}
		select {
		case o.syncResults <- res:
		case <-syncCtx.Done():
		}
		return nil
	})
}

// cancelSync aborts the sync in progress and waits until the task has exited.
func (o *Observer) cancelSync() {
	if o.sync == nil {
		return
	}
	o.sync.cancel()
	<-o.sync.done
	o.sync = nil
}

func (o *Observer) handleSyncResult(ctx context.Context, res syncResult) error {
	if o.sync == nil || o.sync.target != res.target {
		return fmt.Errorf("stale state sync result for %s", res.target.CommitInfo())
	}
	if res.err != nil {
		o.sync.failed = true
		return fmt.Errorf("state sync to %s failed: %w", res.target.CommitInfo(), res.err)
	}
	if root := o.root.Get(); root.Epoch() != res.target.Epoch() || root.Round() != res.target.Round() {
		return fmt.Errorf("state sync result %s does not match root %s", res.target.CommitInfo(), root.CommitInfo())
	}
	o.log.InfoContext(ctx, fmt.Sprintf("state sync to %s completed", res.target.CommitInfo()))

	if n := res.notification; n != nil && n.Epoch > o.epochState.Epoch {
		if err := o.exec.EndEpoch(ctx); err != nil {
			o.log.ErrorContext(ctx, "ending epoch in execution pipeline", logger.Error(err))
		}
		o.startEpoch(ctx, n)
		for _, round := range o.payloads.VerifyPayloadSignatures(o.epochState) {
			ob := o.pending.RemoveReadyBlock(n.Epoch, round, o.payloads)
			if ob == nil {
				continue
			}
			if err := o.processOrderedBlock(ctx, ob); err != nil {
				o.log.WarnContext(ctx, "processing pending block", logger.Error(err))
			}
		}
	}

	o.sync.cancel()
	o.sync = nil
	o.status.Store(active)

	from, _ := o.subscriptions.ActivePeer()
	for _, e := range o.ordered.All() {
		o.finalizeOrderedBlock(ctx, e.Block)
		if e.Decision != nil {
			o.forwardCommitDecision(ctx, from, e.Decision)
		}
	}
	return nil
}

/*
checkProgress retries failed state sync, when not syncing it checks health
of the subscription. When subscription changes all the state collected from
the previous publisher is dropped.
*/
func (o *Observer) checkProgress(ctx context.Context) {
	if h := o.sync; h != nil {
		if h.failed {
			o.log.InfoContext(ctx, fmt.Sprintf("retrying state sync to %s", h.target.CommitInfo()))
			o.spawnSync(ctx, h.target, h.epochChanged)
			return
		}
		o.log.DebugContext(ctx, fmt.Sprintf("waiting for state sync to %s", h.target.CommitInfo()))
		return
	}

	root := o.root.Get()
	changed, err := o.subscriptions.CheckAndManageSubscriptions(ctx, root.CommitInfo().Version)
	if err != nil {
		o.log.WarnContext(ctx, "managing subscriptions", logger.Error(err))
	}
	if changed {
		o.clearPendingBlockState(ctx)
	}
}

func (o *Observer) clearPendingBlockState(ctx context.Context) {
	o.pending.Clear()
	o.payloads.Clear()
	o.ordered.Clear()
	root := o.root.Get()
	if err := o.exec.Reset(ctx, root); err != nil {
		o.log.ErrorContext(ctx, fmt.Sprintf("resetting execution pipeline to %s", root.CommitInfo()), logger.Error(err))
	}
}

/*
commitCallback is called by the execution pipeline when the blocks have been
committed. It runs outside of the main loop.
*/
func (o *Observer) commitCallback(blocks []*types.PipelinedBlock, li *types.LedgerInfoWithSignatures) {
	o.payloads.RemoveCommittedBlocks(blocks)
	o.ordered.RemoveBlocksForCommit(li)

	root, ok := o.root.Advance(li)
	if !ok && li.Epoch() != root.Epoch() {
		o.log.Warn(fmt.Sprintf("ignoring commit callback for %s, root is in epoch %d", li.CommitInfo(), root.Epoch()))
	}
}
