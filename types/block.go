package types

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/crypto"
)

var (
	errBlockIsNil   = errors.New("block is nil")
	errPayloadIsNil = errors.New("payload is nil")
)

type (
	Block struct {
		_         struct{} `cbor:",toarray"`
		Epoch     uint64   `json:"epoch"`
		Round     uint64   `json:"round"`
		ParentID  []byte   `json:"parent_id"`
		Timestamp uint64   `json:"timestamp"`
		Author    string   `json:"author,omitempty"`
		Payload   *Payload `json:"payload,omitempty"`
	}

	// PipelinedBlock is a block as it travels through the execution pipeline.
	PipelinedBlock struct {
		_     struct{} `cbor:",toarray"`
		Block *Block   `json:"block"`
	}
)

// ID returns the hash of the block.
func (b *Block) ID() ([]byte, error) {
	if b == nil {
		return nil, errBlockIsNil
	}
	return hashOf(b)
}

func NewPipelinedBlock(b *Block) *PipelinedBlock {
	return &PipelinedBlock{Block: b}
}

// ID returns the block hash, nil when the block is not set.
func (pb *PipelinedBlock) ID() []byte {
	id, err := pb.Block.ID()
	if err != nil {
		return nil
	}
	return id
}

func (pb *PipelinedBlock) Epoch() uint64 { return pb.Block.Epoch }

func (pb *PipelinedBlock) Round() uint64 { return pb.Block.Round }

func (pb *PipelinedBlock) ParentID() []byte { return pb.Block.ParentID }

func (pb *PipelinedBlock) Payload() *Payload { return pb.Block.Payload }

// BlockInfo returns the ordering info of the block (execution result is not known yet).
func (pb *PipelinedBlock) BlockInfo() *BlockInfo {
	return &BlockInfo{
		Epoch:     pb.Block.Epoch,
		Round:     pb.Block.Round,
		ID:        pb.ID(),
		Timestamp: pb.Block.Timestamp,
	}
}

func (pb *PipelinedBlock) IsValid() error {
	if pb == nil || pb.Block == nil {
		return errBlockIsNil
	}
	if pb.Block.Payload == nil {
		return errPayloadIsNil
	}
	return nil
}

func (pb *PipelinedBlock) String() string {
	return fmt.Sprintf("(epoch: %d, round: %d, id: %X)", pb.Block.Epoch, pb.Block.Round, shortID(pb.ID()))
}

type PayloadKind uint8

const (
	// transactions are carried in the block itself
	PayloadDirectMempool PayloadKind = iota
	// block carries proofs of store, transactions are disseminated separately
	PayloadInQuorumStore
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadDirectMempool:
		return "direct_mempool"
	case PayloadInQuorumStore:
		return "in_quorum_store"
	default:
		return fmt.Sprintf("payload_kind(%d)", int(k))
	}
}

type (
	Payload struct {
		_             struct{}        `cbor:",toarray"`
		Kind          PayloadKind     `json:"kind"`
		Transactions  []Transaction   `json:"transactions,omitempty"`
		ProofsOfStore []*ProofOfStore `json:"proofs_of_store,omitempty"`
	}

	Transaction []byte
)

func (p *Payload) InQuorumStore() bool {
	return p != nil && p.Kind == PayloadInQuorumStore
}

// Hash returns SHA-256 hash of the raw transaction.
func (tx Transaction) Hash() []byte {
	h := sha256.Sum256(tx)
	return h[:]
}

// BatchDigest calculates digest of the batch of transactions.
func BatchDigest(txs []Transaction) []byte {
	hasher := sha256.New()
	for _, tx := range txs {
		hasher.Write(tx.Hash())
	}
	return hasher.Sum(nil)
}

type (
	BatchInfo struct {
		_       struct{} `cbor:",toarray"`
		Author  string   `json:"author"`
		Epoch   uint64   `json:"epoch"`
		BatchID uint64   `json:"batch_id"`
		Digest  []byte   `json:"digest"`
		NumTxns uint64   `json:"num_txns"`
	}

	// ProofOfStore certifies that a quorum of validators stores the batch.
	ProofOfStore struct {
		_          struct{}     `cbor:",toarray"`
		Info       *BatchInfo   `json:"info"`
		Signatures SignatureMap `json:"signatures"`
	}
)

func (p *ProofOfStore) Digest() []byte {
	if p == nil || p.Info == nil {
		return nil
	}
	return p.Info.Digest
}

func (p *ProofOfStore) Verify(v *ValidatorVerifier) error {
	if p == nil || p.Info == nil {
		return errors.New("proof of store is missing batch info")
	}
	digest, err := hashOf(p.Info)
	if err != nil {
		return fmt.Errorf("batch info digest: %w", err)
	}
	if err := v.VerifyMultiSignatures(digest, p.Signatures); err != nil {
		return fmt.Errorf("batch %d of %s: %w", p.Info.BatchID, p.Info.Author, err)
	}
	return nil
}

// Sign adds signature of the "nodeID" to the proof.
func (p *ProofOfStore) Sign(nodeID string, key crypto.PrivKey) error {
	digest, err := hashOf(p.Info)
	if err != nil {
		return fmt.Errorf("batch info digest: %w", err)
	}
	sig, err := key.Sign(digest)
	if err != nil {
		return fmt.Errorf("signing batch info: %w", err)
	}
	if p.Signatures == nil {
		p.Signatures = make(SignatureMap)
	}
	p.Signatures[nodeID] = sig
	return nil
}

// sameDigests returns true when both lists refer to the same batches in the same order.
func sameDigests(a, b []*ProofOfStore) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i].Digest(), b[i].Digest()) {
			return false
		}
	}
	return true
}
