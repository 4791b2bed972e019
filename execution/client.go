/*
Package execution contains the contract between the consensus observer and
the block execution pipeline and its implementations.
*/
package execution

import (
	"context"
	"errors"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/alphabill-org/consensus-observer/types"
)

var (
	ErrPipelineClosed  = errors.New("execution pipeline does not accept work")
	ErrPayloadNotFound = errors.New("block payload not found")
	ErrNoActiveEpoch   = errors.New("no active epoch")
)

type (
	/*
	CommitCallback is called exactly once for each FinalizeOrder call, after
	the blocks have been committed. "li" is the ledger info which committed
	the blocks.
	*/
	CommitCallback func(blocks []*types.PipelinedBlock, li *types.LedgerInfoWithSignatures)

	// PayloadManager resolves transactions of the blocks.
	PayloadManager interface {
		Transactions(ctx context.Context, block *types.PipelinedBlock) ([]types.Transaction, error)
	}

	// EpochStart is everything the pipeline needs to know to start processing blocks of an epoch.
	EpochStart struct {
		EpochState       *types.EpochState
		PayloadManager   PayloadManager
		ConsensusConfig  *types.ConsensusConfig
		ExecutionConfig  *types.ExecutionConfig
		RandomnessConfig *types.RandomnessConfig
	}

	Client interface {
		StartEpoch(ctx context.Context, es EpochStart) error
		// FinalizeOrder sends ordered blocks to execution.
		FinalizeOrder(ctx context.Context, blocks []*types.PipelinedBlock, proof *types.LedgerInfoWithSignatures, callback CommitCallback) error
		// SendCommitMsg delivers commit decision to the pipeline, "from" is the sender of the decision.
		SendCommitMsg(ctx context.Context, from peer.ID, decision *types.CommitDecision) error
		// SyncTo blocks until the local state has been synced to the target.
		SyncTo(ctx context.Context, target *types.LedgerInfoWithSignatures) error
		// Reset drops all the work in the pipeline and continues from the target.
		Reset(ctx context.Context, target *types.LedgerInfoWithSignatures) error
		EndEpoch(ctx context.Context) error
	}
)

// DirectMempool returns transactions carried in the block payload itself.
type DirectMempool struct{}

func (DirectMempool) Transactions(ctx context.Context, block *types.PipelinedBlock) ([]types.Transaction, error) {
	if p := block.Payload(); p != nil && !p.InQuorumStore() {
		return p.Transactions, nil
	}
	return nil, ErrPayloadNotFound
}

// DummyClient is a Client which accepts everything and does nothing.
type DummyClient struct{}

func (DummyClient) StartEpoch(context.Context, EpochStart) error { return nil }

func (DummyClient) FinalizeOrder(context.Context, []*types.PipelinedBlock, *types.LedgerInfoWithSignatures, CommitCallback) error {
	return nil
}

func (DummyClient) SendCommitMsg(context.Context, peer.ID, *types.CommitDecision) error { return nil }

func (DummyClient) SyncTo(context.Context, *types.LedgerInfoWithSignatures) error { return nil }

func (DummyClient) Reset(context.Context, *types.LedgerInfoWithSignatures) error { return nil }

func (DummyClient) EndEpoch(context.Context) error { return nil }
