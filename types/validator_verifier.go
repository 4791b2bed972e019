package types

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/fxamacker/cbor/v2"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

var (
	ErrUnknownSigner      = errors.New("unknown signer")
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrTooLittleVotePower = errors.New("insufficient voting power")
	ErrNoSignatures       = errors.New("no signatures")
	ErrVerifierIsNil      = errors.New("validator verifier is nil")
)

type (
	// ValidatorInfo describes one member of the validator set.
	ValidatorInfo struct {
		_           struct{} `cbor:",toarray"`
		NodeID      string   `json:"node_id"`
		PublicKey   []byte   `json:"public_key"` // compressed secp256k1 public key
		VotingPower uint64   `json:"voting_power"`
	}

	// ValidatorSet is the on-chain representation of the validators of an epoch.
	ValidatorSet struct {
		_          struct{}         `cbor:",toarray"`
		Validators []*ValidatorInfo `json:"validators"`
	}

	/*
		ValidatorVerifier verifies signatures of the validator set of an epoch.

		Zero value is not usable, use NewValidatorVerifier to create one.
	*/
	ValidatorVerifier struct {
		set        *ValidatorSet
		keys       map[string]crypto.PubKey
		power      map[string]uint64
		totalPower uint64
		quorum     uint64
	}
)

func NewValidatorVerifier(set *ValidatorSet) (*ValidatorVerifier, error) {
	if set == nil || len(set.Validators) == 0 {
		return nil, errors.New("validator set is empty")
	}
	v := &ValidatorVerifier{
		set:   set,
		keys:  make(map[string]crypto.PubKey, len(set.Validators)),
		power: make(map[string]uint64, len(set.Validators)),
	}
	for i, vi := range set.Validators {
		if vi == nil {
			return nil, fmt.Errorf("validator %d is nil", i)
		}
		pub, err := crypto.UnmarshalSecp256k1PublicKey(vi.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("validator %s public key: %w", vi.NodeID, err)
		}
		id, err := peer.IDFromPublicKey(pub)
		if err != nil {
			return nil, fmt.Errorf("validator %s node ID from public key: %w", vi.NodeID, err)
		}
		if id.String() != vi.NodeID {
			return nil, fmt.Errorf("validator %s node ID does not match public key (%s)", vi.NodeID, id)
		}
		if _, ok := v.keys[vi.NodeID]; ok {
			return nil, fmt.Errorf("duplicate validator %s", vi.NodeID)
		}
		if vi.VotingPower == 0 {
			return nil, fmt.Errorf("validator %s has no voting power", vi.NodeID)
		}
		total, carry := bits.Add64(v.totalPower, vi.VotingPower, 0)
		if carry != 0 {
			return nil, fmt.Errorf("total voting power overflows at validator %s", vi.NodeID)
		}
		v.keys[vi.NodeID] = pub
		v.power[vi.NodeID] = vi.VotingPower
		v.totalPower = total
	}
	// total*2 may not fit into uint64, hi is at most 1 so Div64 can't panic
	hi, lo := bits.Mul64(v.totalPower, 2)
	q, _ := bits.Div64(hi, lo, 3)
	v.quorum = q + 1
	return v, nil
}

// ValidatorSet returns the validator set the verifier was created from.
func (v *ValidatorVerifier) ValidatorSet() *ValidatorSet { return v.set }

func (v *ValidatorVerifier) Len() int { return len(v.keys) }

func (v *ValidatorVerifier) TotalVotingPower() uint64 { return v.totalPower }

func (v *ValidatorVerifier) QuorumVotingPower() uint64 { return v.quorum }

// VerifySignature verifies signature of a single validator.
func (v *ValidatorVerifier) VerifySignature(nodeID string, msg, sig []byte) error {
	if v == nil {
		return ErrVerifierIsNil
	}
	pub, ok := v.keys[nodeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSigner, nodeID)
	}
	valid, err := pub.Verify(msg, sig)
	if err != nil {
		return fmt.Errorf("verifying signature of %s: %w", nodeID, err)
	}
	if !valid {
		return fmt.Errorf("%w: signer %s", ErrInvalidSignature, nodeID)
	}
	return nil
}

/*
VerifyMultiSignatures verifies that every signature in "sigs" is a valid
signature of "msg" by a member of the validator set and that signers together
have quorum voting power.
*/
func (v *ValidatorVerifier) VerifyMultiSignatures(msg []byte, sigs SignatureMap) error {
	if v == nil {
		return ErrVerifierIsNil
	}
	if len(sigs) == 0 {
		return ErrNoSignatures
	}
	var power uint64
	for _, nodeID := range sigs.Signers() {
		if err := v.VerifySignature(nodeID, msg, sigs[nodeID]); err != nil {
			return err
		}
		power += v.power[nodeID]
	}
	if power < v.quorum {
		return fmt.Errorf("%w: got %d, quorum is %d", ErrTooLittleVotePower, power, v.quorum)
	}
	return nil
}

func (v *ValidatorVerifier) MarshalCBOR() ([]byte, error) {
	return detEncMode.Marshal(v.set)
}

func (v *ValidatorVerifier) UnmarshalCBOR(data []byte) error {
	set := &ValidatorSet{}
	if err := cbor.Unmarshal(data, set); err != nil {
		return fmt.Errorf("decoding validator set: %w", err)
	}
	nv, err := NewValidatorVerifier(set)
	if err != nil {
		return err
	}
	*v = *nv
	return nil
}

// EpochState is the validator set of an epoch.
type EpochState struct {
	_        struct{}           `cbor:",toarray"`
	Epoch    uint64             `json:"epoch"`
	Verifier *ValidatorVerifier `json:"-"`
}

func NewEpochState(epoch uint64, set *ValidatorSet) (*EpochState, error) {
	v, err := NewValidatorVerifier(set)
	if err != nil {
		return nil, err
	}
	return &EpochState{Epoch: epoch, Verifier: v}, nil
}

func (es *EpochState) String() string {
	if es == nil {
		return "<nil>"
	}
	return fmt.Sprintf("epoch %d (%d validators)", es.Epoch, es.Verifier.Len())
}
