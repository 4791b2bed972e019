package types

import (
	"bytes"
	"errors"
	"fmt"
)

var (
	ErrNoBlocks          = errors.New("ordered block contains no blocks")
	ErrEpochStateIsNil   = errors.New("epoch state is nil")
	ErrPayloadDigest     = errors.New("payload digest mismatch")
	ErrPayloadMismatch   = errors.New("payload does not match the ordered block")
	ErrMessageIsNotValid = errors.New("message is not valid")
)

// Labels of the observer messages, used in logs and metrics.
const (
	OrderedBlockLabel   = "ordered_block"
	CommitDecisionLabel = "commit_decision"
	BlockPayloadLabel   = "block_payload"
)

/*
OrderedBlock is a contiguous chain of blocks together with the quorum
certified proof that the last block has been ordered.
*/
type OrderedBlock struct {
	_            struct{}                  `cbor:",toarray"`
	Blocks       []*PipelinedBlock         `json:"blocks"`
	OrderedProof *LedgerInfoWithSignatures `json:"ordered_proof"`
}

func (ob *OrderedBlock) FirstBlock() *PipelinedBlock { return ob.Blocks[0] }

func (ob *OrderedBlock) LastBlock() *PipelinedBlock { return ob.Blocks[len(ob.Blocks)-1] }

// ProofBlockInfo returns the block info the ordered proof certifies.
func (ob *OrderedBlock) ProofBlockInfo() *BlockInfo { return ob.OrderedProof.CommitInfo() }

// VerifyOrderedBlocks checks that the message is well formed; it does not check signatures.
func (ob *OrderedBlock) VerifyOrderedBlocks() error {
	if ob == nil {
		return ErrMessageIsNotValid
	}
	if len(ob.Blocks) == 0 {
		return ErrNoBlocks
	}
	if err := ob.OrderedProof.IsValid(); err != nil {
		return fmt.Errorf("ordered proof: %w", err)
	}
	for i, b := range ob.Blocks {
		if err := b.IsValid(); err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
		if i == 0 {
			continue
		}
		prev := ob.Blocks[i-1]
		if !bytes.Equal(b.ParentID(), prev.ID()) {
			return fmt.Errorf("block %s is not a child of %s", b, prev)
		}
		if b.Epoch() != prev.Epoch() {
			return fmt.Errorf("block %s is in different epoch than its parent %s", b, prev)
		}
		if b.Round() <= prev.Round() {
			return fmt.Errorf("block %s round is not greater than parent round %d", b, prev.Round())
		}
	}
	if last := ob.LastBlock().BlockInfo(); !last.MatchesOrdered(ob.ProofBlockInfo()) {
		return fmt.Errorf("last block %s does not match ordered proof %s", last, ob.ProofBlockInfo())
	}
	return nil
}

// VerifyOrderedProof verifies the quorum signatures of the ordered proof.
func (ob *OrderedBlock) VerifyOrderedProof(es *EpochState) error {
	if es == nil {
		return ErrEpochStateIsNil
	}
	return ob.OrderedProof.Verify(es.Verifier)
}

// CommitDecision carries the quorum certified proof that a block has been committed.
type CommitDecision struct {
	_           struct{}                  `cbor:",toarray"`
	CommitProof *LedgerInfoWithSignatures `json:"commit_proof"`
}

func (cd *CommitDecision) Epoch() uint64 { return cd.CommitProof.Epoch() }

func (cd *CommitDecision) Round() uint64 { return cd.CommitProof.Round() }

func (cd *CommitDecision) ProofBlockInfo() *BlockInfo { return cd.CommitProof.CommitInfo() }

func (cd *CommitDecision) IsValid() error {
	if cd == nil {
		return ErrMessageIsNotValid
	}
	return cd.CommitProof.IsValid()
}

func (cd *CommitDecision) VerifyCommitProof(es *EpochState) error {
	if es == nil {
		return ErrEpochStateIsNil
	}
	return cd.CommitProof.Verify(es.Verifier)
}

// BlockPayload carries the transactions of one quorum store block.
type BlockPayload struct {
	_             struct{}        `cbor:",toarray"`
	Block         *BlockInfo      `json:"block"`
	Transactions  []Transaction   `json:"transactions"`
	ProofsOfStore []*ProofOfStore `json:"proofs_of_store"`
}

func (bp *BlockPayload) Epoch() uint64 { return bp.Block.Epoch }

func (bp *BlockPayload) Round() uint64 { return bp.Block.Round }

func (bp *BlockPayload) IsValid() error {
	if bp == nil || bp.Block == nil {
		return ErrMessageIsNotValid
	}
	return nil
}

/*
VerifyPayloadDigests checks that the transactions match the batch digests of
the proofs of store: transactions are consumed in order, NumTxns at a time.
*/
func (bp *BlockPayload) VerifyPayloadDigests() error {
	if err := bp.IsValid(); err != nil {
		return err
	}
	txs := bp.Transactions
	for i, proof := range bp.ProofsOfStore {
		if proof == nil || proof.Info == nil {
			return fmt.Errorf("proof of store %d is missing batch info", i)
		}
		n := proof.Info.NumTxns
		if n > uint64(len(txs)) {
			return fmt.Errorf("%w: batch %d expects %d transactions, %d left", ErrPayloadDigest, proof.Info.BatchID, n, len(txs))
		}
		if digest := BatchDigest(txs[:n]); !bytes.Equal(digest, proof.Info.Digest) {
			return fmt.Errorf("%w: batch %d digest %X, calculated %X", ErrPayloadDigest, proof.Info.BatchID, proof.Info.Digest, digest)
		}
		txs = txs[n:]
	}
	if len(txs) != 0 {
		return fmt.Errorf("%w: %d transactions are not covered by any batch", ErrPayloadDigest, len(txs))
	}
	return nil
}

// VerifyPayloadSignatures verifies proofs of store against the validators of the epoch.
func (bp *BlockPayload) VerifyPayloadSignatures(es *EpochState) error {
	if es == nil {
		return ErrEpochStateIsNil
	}
	for _, proof := range bp.ProofsOfStore {
		if err := proof.Verify(es.Verifier); err != nil {
			return err
		}
	}
	return nil
}

// VerifyAgainstOrderedPayload checks that the payload is the one the ordered block refers to.
func (bp *BlockPayload) VerifyAgainstOrderedPayload(p *Payload) error {
	if !p.InQuorumStore() {
		return fmt.Errorf("%w: block payload kind is %v", ErrPayloadMismatch, payloadKind(p))
	}
	if !sameDigests(bp.ProofsOfStore, p.ProofsOfStore) {
		return fmt.Errorf("%w: batches of block %s differ", ErrPayloadMismatch, bp.Block)
	}
	return nil
}

func payloadKind(p *Payload) string {
	if p == nil {
		return "<nil>"
	}
	return p.Kind.String()
}

// SubscribeRequest asks a publisher to start streaming observer messages.
type SubscribeRequest struct {
	_      struct{} `cbor:",toarray"`
	NodeID string   `json:"node_id"`
}

// UnsubscribeRequest asks a publisher to stop streaming observer messages.
type UnsubscribeRequest struct {
	_      struct{} `cbor:",toarray"`
	NodeID string   `json:"node_id"`
}
