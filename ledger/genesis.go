package ledger

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/alphabill-org/consensus-observer/reconfig"
	"github.com/alphabill-org/consensus-observer/types"
)

type (
	/*
		Genesis describes the first epoch the node knows about. Configs which
		are not set are not published, the observer uses defaults for them.
	*/
	Genesis struct {
		Epoch            uint64                        `json:"epoch"`
		Timestamp        uint64                        `json:"timestamp,omitempty"`
		Validators       []*GenesisValidator           `json:"validators"`
		Consensus        *types.ConsensusConfig        `json:"consensus,omitempty"`
		Execution        *types.ExecutionConfig        `json:"execution,omitempty"`
		Randomness       *types.RandomnessConfig       `json:"randomness,omitempty"`
		RandomnessSeqNum *types.RandomnessConfigSeqNum `json:"randomness_seq_num,omitempty"`
	}

	GenesisValidator struct {
		PublicKey   hexutil.Bytes `json:"public_key"` // compressed secp256k1 key
		VotingPower uint64        `json:"voting_power"`
	}
)

// LoadGenesis reads genesis from JSON file, zero epoch defaults to 1.
func LoadGenesis(filename string) (*Genesis, error) {
	data, err := os.ReadFile(filepath.Clean(filename))
	if err != nil {
		return nil, fmt.Errorf("reading genesis file: %w", err)
	}
	g := &Genesis{}
	if err := json.Unmarshal(data, g); err != nil {
		return nil, fmt.Errorf("decoding genesis file %s: %w", filename, err)
	}
	if g.Epoch == 0 {
		g.Epoch = 1
	}
	if err := g.IsValid(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}
	return g, nil
}

func (g *Genesis) IsValid() error {
	if g == nil {
		return errors.New("genesis is nil")
	}
	if g.Epoch == 0 {
		return errors.New("genesis epoch must be greater than zero")
	}
	if _, err := g.epochState(); err != nil {
		return err
	}
	return nil
}

// ValidatorSet derives the node IDs of the validators from their public keys.
func (g *Genesis) ValidatorSet() (*types.ValidatorSet, error) {
	set := &types.ValidatorSet{Validators: make([]*types.ValidatorInfo, 0, len(g.Validators))}
	for i, v := range g.Validators {
		if v == nil {
			return nil, fmt.Errorf("validator %d is nil", i)
		}
		pub, err := crypto.UnmarshalSecp256k1PublicKey(v.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("validator %d public key: %w", i, err)
		}
		id, err := peer.IDFromPublicKey(pub)
		if err != nil {
			return nil, fmt.Errorf("validator %d node ID: %w", i, err)
		}
		set.Validators = append(set.Validators, &types.ValidatorInfo{NodeID: id.String(), PublicKey: v.PublicKey, VotingPower: v.VotingPower})
	}
	return set, nil
}

func (g *Genesis) epochState() (*types.EpochState, error) {
	set, err := g.ValidatorSet()
	if err != nil {
		return nil, err
	}
	es, err := types.NewEpochState(g.Epoch, set)
	if err != nil {
		return nil, fmt.Errorf("genesis validators: %w", err)
	}
	return es, nil
}

/*
RootLedgerInfo returns ledger info of the block which ends the epoch before
the genesis epoch, its ID is the hash of the genesis. It carries no
signatures, the node trusts it as it trusts the genesis file.
*/
func (g *Genesis) RootLedgerInfo() (*types.LedgerInfoWithSignatures, error) {
	if err := g.IsValid(); err != nil {
		return nil, err
	}
	es, err := g.epochState()
	if err != nil {
		return nil, err
	}
	data, err := types.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("encoding genesis: %w", err)
	}
	id := sha256.Sum256(data)
	return &types.LedgerInfoWithSignatures{
		LedgerInfo: &types.LedgerInfo{
			CommitInfo: &types.BlockInfo{
				Epoch:          g.Epoch - 1,
				ID:             id[:],
				Timestamp:      g.Timestamp,
				NextEpochState: es,
			},
		},
	}, nil
}

// Notification returns the reconfiguration which starts the genesis epoch.
func (g *Genesis) Notification() (*reconfig.Notification, error) {
	set, err := g.ValidatorSet()
	if err != nil {
		return nil, err
	}
	return reconfig.NewNotification(g.Epoch, map[string]any{
		types.ConfigValidatorSet:     set,
		types.ConfigConsensus:        g.Consensus,
		types.ConfigExecution:        g.Execution,
		types.ConfigRandomness:       g.Randomness,
		types.ConfigRandomnessSeqNum: g.RandomnessSeqNum,
	})
}
