package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/alphabill-org/consensus-observer/logger"
	"github.com/alphabill-org/consensus-observer/types"
)

// PipelineClient is a Client which feeds in-process Pipeline.
type PipelineClient struct {
	pipeline *Pipeline
	syncer   StateSyncer
	log      *slog.Logger

	mu    sync.Mutex
	epoch *EpochStart
}

func NewPipelineClient(pipeline *Pipeline, syncer StateSyncer, log *slog.Logger) *PipelineClient {
	return &PipelineClient{pipeline: pipeline, syncer: syncer, log: log}
}

func (c *PipelineClient) activeEpoch() *EpochStart {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

func (c *PipelineClient) StartEpoch(ctx context.Context, es EpochStart) error {
	if es.EpochState == nil {
		return types.ErrEpochStateIsNil
	}
	if es.PayloadManager == nil {
		es.PayloadManager = DirectMempool{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch = &es
	c.log.InfoContext(ctx, fmt.Sprintf("execution pipeline started epoch %d", es.EpochState.Epoch), logger.Epoch(es.EpochState.Epoch))
	return nil
}

func (c *PipelineClient) FinalizeOrder(ctx context.Context, blocks []*types.PipelinedBlock, proof *types.LedgerInfoWithSignatures, callback CommitCallback) error {
	es := c.activeEpoch()
	if es == nil {
		c.log.WarnContext(ctx, fmt.Sprintf("no active epoch, ignoring ordered blocks %s", proof.CommitInfo()))
		return nil
	}
	return c.pipeline.submit(ctx, &orderedRequest{blocks: blocks, proof: proof, callback: callback, payloads: es.PayloadManager})
}

func (c *PipelineClient) SendCommitMsg(ctx context.Context, from peer.ID, decision *types.CommitDecision) error {
	if c.activeEpoch() == nil {
		return fmt.Errorf("commit decision %s from %s: %w", decision.ProofBlockInfo(), from, ErrNoActiveEpoch)
	}
	return c.pipeline.submit(ctx, &commitRequest{decision: decision})
}

// SyncTo drops the work in the pipeline, syncs the state and continues execution from the target.
func (c *PipelineClient) SyncTo(ctx context.Context, target *types.LedgerInfoWithSignatures) error {
	if err := c.pipeline.resetTo(ctx, nil); err != nil {
		return fmt.Errorf("resetting pipeline: %w", err)
	}
	if err := c.syncer.SyncTo(ctx, target); err != nil {
		return fmt.Errorf("syncing state to %s: %w", target.CommitInfo(), err)
	}
	return c.pipeline.resetTo(ctx, target)
}

func (c *PipelineClient) Reset(ctx context.Context, target *types.LedgerInfoWithSignatures) error {
	return c.pipeline.resetTo(ctx, target)
}

func (c *PipelineClient) EndEpoch(ctx context.Context) error {
	c.mu.Lock()
	es := c.epoch
	c.epoch = nil
	c.mu.Unlock()
	if es != nil {
		c.log.InfoContext(ctx, fmt.Sprintf("execution pipeline ended epoch %d", es.EpochState.Epoch), logger.Epoch(es.EpochState.Epoch))
	}
	return c.pipeline.resetTo(ctx, nil)
}
