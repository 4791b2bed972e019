package types

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/crypto"
)

var (
	ErrLedgerInfoIsNil = errors.New("ledger info is nil")
	ErrBlockInfoIsNil  = errors.New("block info is nil")
)

// BlockInfo identifies a block and the state after executing it.
type BlockInfo struct {
	_               struct{}    `cbor:",toarray"`
	Epoch           uint64      `json:"epoch"`
	Round           uint64      `json:"round"`
	ID              []byte      `json:"id"`
	ExecutedStateID []byte      `json:"executed_state_id,omitempty"`
	Version         uint64      `json:"version"`
	Timestamp       uint64      `json:"timestamp"`
	NextEpochState  *EpochState `json:"next_epoch_state,omitempty"`
}

// EndsEpoch returns true when the block is the last block of its epoch.
func (bi *BlockInfo) EndsEpoch() bool {
	return bi != nil && bi.NextEpochState != nil
}

// Compare compares (epoch, round) of the block infos, result is -1, 0 or 1.
func (bi *BlockInfo) Compare(other *BlockInfo) int {
	switch {
	case bi.Epoch < other.Epoch:
		return -1
	case bi.Epoch > other.Epoch:
		return 1
	case bi.Round < other.Round:
		return -1
	case bi.Round > other.Round:
		return 1
	}
	return 0
}

// MatchesOrdered returns true when both infos refer to the same block (epoch, round and ID).
func (bi *BlockInfo) MatchesOrdered(other *BlockInfo) bool {
	return bi.Epoch == other.Epoch && bi.Round == other.Round && bytes.Equal(bi.ID, other.ID)
}

func (bi *BlockInfo) String() string {
	if bi == nil {
		return "<nil>"
	}
	return fmt.Sprintf("(epoch: %d, round: %d, id: %X, version: %d)", bi.Epoch, bi.Round, shortID(bi.ID), bi.Version)
}

func shortID(id []byte) []byte {
	if len(id) > 4 {
		return id[:4]
	}
	return id
}

// LedgerInfo is the statement validators sign when they order or commit a block.
type LedgerInfo struct {
	_                 struct{}   `cbor:",toarray"`
	CommitInfo        *BlockInfo `json:"commit_info"`
	ConsensusDataHash []byte     `json:"consensus_data_hash,omitempty"`
}

// SigningDigest returns the bytes validators sign.
func (li *LedgerInfo) SigningDigest() ([]byte, error) {
	if li == nil {
		return nil, ErrLedgerInfoIsNil
	}
	if li.CommitInfo == nil {
		return nil, ErrBlockInfoIsNil
	}
	return hashOf(li)
}

// LedgerInfoWithSignatures is a quorum certified LedgerInfo.
type LedgerInfoWithSignatures struct {
	_          struct{}     `cbor:",toarray"`
	LedgerInfo *LedgerInfo  `json:"ledger_info"`
	Signatures SignatureMap `json:"signatures,omitempty"`
}

func (l *LedgerInfoWithSignatures) CommitInfo() *BlockInfo {
	if l == nil || l.LedgerInfo == nil {
		return nil
	}
	return l.LedgerInfo.CommitInfo
}

func (l *LedgerInfoWithSignatures) Epoch() uint64 { return l.CommitInfo().Epoch }

func (l *LedgerInfoWithSignatures) Round() uint64 { return l.CommitInfo().Round }

func (l *LedgerInfoWithSignatures) IsValid() error {
	if l == nil || l.LedgerInfo == nil {
		return ErrLedgerInfoIsNil
	}
	if l.LedgerInfo.CommitInfo == nil {
		return ErrBlockInfoIsNil
	}
	return nil
}

// Verify checks that the ledger info is signed by a quorum of the validator set.
func (l *LedgerInfoWithSignatures) Verify(v *ValidatorVerifier) error {
	if err := l.IsValid(); err != nil {
		return err
	}
	digest, err := l.LedgerInfo.SigningDigest()
	if err != nil {
		return fmt.Errorf("ledger info digest: %w", err)
	}
	if err := v.VerifyMultiSignatures(digest, l.Signatures); err != nil {
		return fmt.Errorf("ledger info %s: %w", l.CommitInfo(), err)
	}
	return nil
}

// Sign adds signature of the "nodeID" to the ledger info.
func (l *LedgerInfoWithSignatures) Sign(nodeID string, key crypto.PrivKey) error {
	if err := l.IsValid(); err != nil {
		return err
	}
	digest, err := l.LedgerInfo.SigningDigest()
	if err != nil {
		return fmt.Errorf("ledger info digest: %w", err)
	}
	sig, err := key.Sign(digest)
	if err != nil {
		return fmt.Errorf("signing ledger info: %w", err)
	}
	if l.Signatures == nil {
		l.Signatures = make(SignatureMap)
	}
	l.Signatures[nodeID] = sig
	return nil
}
