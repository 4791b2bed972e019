package execution

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"

	"github.com/alphabill-org/consensus-observer/logger"
	"github.com/alphabill-org/consensus-observer/observability"
	"github.com/alphabill-org/consensus-observer/types"
)

type (
	// Executor executes transactions of the block on top of the state of the parent block.
	Executor interface {
		ExecuteBlock(ctx context.Context, parent *types.BlockInfo, block *types.PipelinedBlock, txs []types.Transaction) (*types.BlockInfo, error)
	}

	// Ledger persists committed ledger infos.
	Ledger interface {
		SaveLedgerInfo(li *types.LedgerInfoWithSignatures) error
	}

	// EpochPublisher is notified when a ledger info which ends an epoch has been committed.
	EpochPublisher interface {
		PublishEpochChange(ctx context.Context, li *types.LedgerInfoWithSignatures) error
	}

	StateSyncer interface {
		SyncTo(ctx context.Context, target *types.LedgerInfoWithSignatures) error
	}

	Observability interface {
		Meter(name string, opts ...metric.MeterOption) metric.Meter
		Logger() *slog.Logger
	}
)

/*
Pipeline executes ordered blocks in the order they are submitted and commits
them when commit decision arrives. All the requests go through single bounded
channel so the order of blocks and decisions is preserved.
*/
type Pipeline struct {
	exec     Executor
	ledger   Ledger
	epochs   EpochPublisher
	log      *slog.Logger
	requests chan any
	done     chan struct{}

	// state below is owned by the Run loop
	executed *types.BlockInfo
	pending  []*executedBlocks

	finalizedCnt metric.Int64Counter
}

type (
	orderedRequest struct {
		blocks   []*types.PipelinedBlock
		proof    *types.LedgerInfoWithSignatures
		callback CommitCallback
		payloads PayloadManager
	}

	commitRequest struct {
		decision *types.CommitDecision
	}

	// resetRequest with nil target drops the pending work but keeps the executed state.
	resetRequest struct {
		target *types.LedgerInfoWithSignatures
		done   chan struct{}
	}

	executedBlocks struct {
		orderedRequest
		last *types.BlockInfo
	}
)

/*
NewPipeline creates execution pipeline which continues from the state of
"root". Request queue holds up to "queueSize" requests.
*/
func NewPipeline(root *types.LedgerInfoWithSignatures, exec Executor, ledger Ledger, epochs EpochPublisher, queueSize int, observe Observability) (*Pipeline, error) {
	if err := root.IsValid(); err != nil {
		return nil, fmt.Errorf("invalid root: %w", err)
	}
	p := &Pipeline{
		exec:     exec,
		ledger:   ledger,
		epochs:   epochs,
		log:      observe.Logger().With(logger.ModuleKey, "execution"),
		requests: make(chan any, queueSize),
		done:     make(chan struct{}),
		executed: root.CommitInfo(),
	}
	var err error
	p.finalizedCnt, err = observe.Meter("execution").Int64Counter("finalized.blocks",
		metric.WithDescription("Number of blocks committed by the execution pipeline"), metric.WithUnit("{block}"))
	if err != nil {
		return nil, fmt.Errorf("creating finalized blocks counter: %w", err)
	}
	return p, nil
}

// Run processes requests until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-p.requests:
			switch r := req.(type) {
			case *orderedRequest:
				if err := p.execute(ctx, r); err != nil {
					p.log.WarnContext(ctx, "executing ordered blocks", logger.Error(err), logger.Round(r.proof.Round()))
				}
			case *commitRequest:
				if err := p.commit(ctx, r.decision); err != nil {
					p.log.WarnContext(ctx, "committing blocks", logger.Error(err), logger.Round(r.decision.Round()))
				}
			case *resetRequest:
				p.reset(r.target)
				close(r.done)
			default:
				p.log.ErrorContext(ctx, fmt.Sprintf("unknown pipeline request %T", req))
			}
		}
	}
}

func (p *Pipeline) submit(ctx context.Context, req any) error {
	select {
	case <-p.done:
		return ErrPipelineClosed
	default:
	}
	select {
	case p.requests <- req:
		return nil
	case <-p.done:
		return ErrPipelineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) resetTo(ctx context.Context, target *types.LedgerInfoWithSignatures) error {
	req := &resetRequest{target: target, done: make(chan struct{})}
	if err := p.submit(ctx, req); err != nil {
		return err
	}
	select {
	case <-req.done:
		return nil
	case <-p.done:
		return ErrPipelineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) execute(ctx context.Context, req *orderedRequest) error {
	parent := p.executed
	for _, b := range req.blocks {
		if b.BlockInfo().Compare(parent) <= 0 {
			// already executed, ie replay after sync
			continue
		}
		txs, err := req.payloads.Transactions(ctx, b)
		if err != nil {
			return fmt.Errorf("block %s transactions: %w", b, err)
		}
		if parent, err = p.exec.ExecuteBlock(ctx, parent, b, txs); err != nil {
			return fmt.Errorf("executing block %s: %w", b, err)
		}
		p.log.Log(ctx, logger.LevelTrace, fmt.Sprintf("executed block %s", parent), logger.Epoch(b.Epoch()), logger.Round(b.Round()))
	}
	if parent == p.executed {
		p.log.DebugContext(ctx, fmt.Sprintf("ordered blocks up to %s have been executed already", req.proof.CommitInfo()))
		return nil
	}
	p.executed = parent
	p.pending = append(p.pending, &executedBlocks{orderedRequest: *req, last: parent})
	return nil
}

/*
commit commits all the executed blocks up to the decision and calls their
commit callbacks.
*/
func (p *Pipeline) commit(ctx context.Context, decision *types.CommitDecision) error {
	target := decision.ProofBlockInfo()
	idx := 0
	for ; idx < len(p.pending) && p.pending[idx].last.Compare(target) <= 0; idx++ {
	}
	if idx == 0 {
		return fmt.Errorf("no executed blocks for commit decision %s", target)
	}
	committed := p.pending[:idx]
	p.pending = p.pending[idx:]

	if last := committed[len(committed)-1].last; last.Compare(target) == 0 && len(target.ExecutedStateID) != 0 && string(last.ExecutedStateID) != string(target.ExecutedStateID) {
		p.log.ErrorContext(ctx, fmt.Sprintf("executed state %X of block %s doesn't match committed state %X", last.ExecutedStateID, last, target.ExecutedStateID))
	}

	var errs []error
	if err := p.ledger.SaveLedgerInfo(decision.CommitProof); err != nil {
		errs = append(errs, fmt.Errorf("saving ledger info: %w", err))
	}
	blockCnt := 0
	for _, eb := range committed {
		blockCnt += len(eb.blocks)
		if eb.callback != nil {
			eb.callback(eb.blocks, decision.CommitProof)
		}
	}
	p.finalizedCnt.Add(ctx, int64(blockCnt), metric.WithAttributes(observability.Epoch(target.Epoch)))
	p.log.DebugContext(ctx, fmt.Sprintf("committed %d blocks up to %s", blockCnt, target))

	if target.EndsEpoch() && p.epochs != nil {
		if err := p.epochs.PublishEpochChange(ctx, decision.CommitProof); err != nil {
			errs = append(errs, fmt.Errorf("publishing epoch change: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (p *Pipeline) reset(target *types.LedgerInfoWithSignatures) {
	p.pending = nil
	if target != nil {
		p.executed = target.CommitInfo()
	}
}

/*
HashExecutor is an Executor which doesn't interpret transactions, the state
of the block is hash of the parent state and the transaction hashes.
*/
type HashExecutor struct{}

func (HashExecutor) ExecuteBlock(ctx context.Context, parent *types.BlockInfo, block *types.PipelinedBlock, txs []types.Transaction) (*types.BlockInfo, error) {
	h := sha256.New()
	h.Write(parent.ExecutedStateID)
	for _, tx := range txs {
		h.Write(tx.Hash())
	}
	bi := block.BlockInfo()
	bi.ExecutedStateID = h.Sum(nil)
	bi.Version = parent.Version + uint64(len(txs))
	return bi, nil
}
