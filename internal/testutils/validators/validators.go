/*
Package validators builds validator sets and signed consensus messages for tests.
*/
package validators

import (
	"crypto/rand"
	"testing"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/alphabill-org/consensus-observer/types"
)

type Validator struct {
	ID  string
	Key crypto.PrivKey
}

// Set is a validator set of one epoch together with the private keys of the validators.
type Set struct {
	Validators []Validator
	EpochState *types.EpochState
}

func New(t testing.TB, epoch uint64, count int) *Set {
	t.Helper()
	s := &Set{Validators: make([]Validator, count)}
	vs := &types.ValidatorSet{}
	for i := range s.Validators {
		priv, pub, err := crypto.GenerateSecp256k1Key(rand.Reader)
		require.NoError(t, err)
		id, err := peer.IDFromPublicKey(pub)
		require.NoError(t, err)
		raw, err := pub.Raw()
		require.NoError(t, err)
		s.Validators[i] = Validator{ID: id.String(), Key: priv}
		vs.Validators = append(vs.Validators, &types.ValidatorInfo{NodeID: id.String(), PublicKey: raw, VotingPower: 1})
	}
	es, err := types.NewEpochState(epoch, vs)
	require.NoError(t, err)
	s.EpochState = es
	return s
}

func (s *Set) Epoch() uint64 { return s.EpochState.Epoch }

func (s *Set) ValidatorSet() *types.ValidatorSet { return s.EpochState.Verifier.ValidatorSet() }

// Sign returns ledger info for "bi" signed by all the validators of the set.
func (s *Set) Sign(t testing.TB, bi *types.BlockInfo) *types.LedgerInfoWithSignatures {
	t.Helper()
	li := &types.LedgerInfoWithSignatures{LedgerInfo: &types.LedgerInfo{CommitInfo: bi}}
	for _, v := range s.Validators {
		require.NoError(t, li.Sign(v.ID, v.Key))
	}
	return li
}

// Chain returns "count" linked blocks of the epoch of the set, starting from round "round".
func (s *Set) Chain(round uint64, parentID []byte, count int, quorumStore bool) []*types.PipelinedBlock {
	blocks := make([]*types.PipelinedBlock, count)
	for i := range blocks {
		r := round + uint64(i)
		p := &types.Payload{Kind: types.PayloadDirectMempool, Transactions: []types.Transaction{{byte(r), byte(r >> 8)}}}
		if quorumStore {
			p = &types.Payload{Kind: types.PayloadInQuorumStore, ProofsOfStore: []*types.ProofOfStore{{Info: s.batchInfo(r)}}}
		}
		blocks[i] = types.NewPipelinedBlock(&types.Block{
			Epoch:     s.Epoch(),
			Round:     r,
			ParentID:  parentID,
			Timestamp: r * 1000,
			Payload:   p,
		})
		parentID = blocks[i].ID()
	}
	return blocks
}

// OrderedBlock returns ordered block message for the chain, proof signed by the set.
func (s *Set) OrderedBlock(t testing.TB, blocks ...*types.PipelinedBlock) *types.OrderedBlock {
	t.Helper()
	return &types.OrderedBlock{
		Blocks:       blocks,
		OrderedProof: s.Sign(t, blocks[len(blocks)-1].BlockInfo()),
	}
}

// CommitDecision returns commit decision for the block signed by the set.
func (s *Set) CommitDecision(t testing.TB, bi *types.BlockInfo) *types.CommitDecision {
	t.Helper()
	return &types.CommitDecision{CommitProof: s.Sign(t, bi)}
}

/*
BlockPayload returns quorum store payload matching the block created by Chain
with quorumStore == true. Proof of store is signed by the set.
*/
func (s *Set) BlockPayload(t testing.TB, block *types.PipelinedBlock) *types.BlockPayload {
	t.Helper()
	r := block.Round()
	proof := &types.ProofOfStore{Info: s.batchInfo(r)}
	for _, v := range s.Validators {
		require.NoError(t, proof.Sign(v.ID, v.Key))
	}
	return &types.BlockPayload{
		Block:         block.BlockInfo(),
		Transactions:  batchTxs(r),
		ProofsOfStore: []*types.ProofOfStore{proof},
	}
}

func (s *Set) batchInfo(round uint64) *types.BatchInfo {
	txs := batchTxs(round)
	return &types.BatchInfo{
		Author:  s.Validators[0].ID,
		Epoch:   s.Epoch(),
		BatchID: round,
		Digest:  types.BatchDigest(txs),
		NumTxns: uint64(len(txs)),
	}
}

func batchTxs(round uint64) []types.Transaction {
	return []types.Transaction{{1, byte(round)}, {2, byte(round)}}
}
