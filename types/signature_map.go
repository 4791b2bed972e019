package types

import (
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// SignatureMap maps signer node ID (string form of the libp2p peer ID) to signature.
type SignatureMap map[string][]byte

// Signatures are serialized as CBOR array sorted by node ID
type signaturesCBOR []*signature
type signature struct {
	_         struct{} `cbor:",toarray"`
	NodeID    string   `json:"node_id,omitempty"`
	Signature []byte   `json:"signature,omitempty"`
}

func (s SignatureMap) MarshalCBOR() ([]byte, error) {
	signers := s.Signers()
	sCBOR := make(signaturesCBOR, len(signers))
	for i, signer := range signers {
		sCBOR[i] = &signature{NodeID: signer, Signature: s[signer]}
	}
	return detEncMode.Marshal(sCBOR)
}

func (s *SignatureMap) UnmarshalCBOR(b []byte) error {
	var sCBOR signaturesCBOR
	if err := cbor.Unmarshal(b, &sCBOR); err != nil {
		return fmt.Errorf("cbor unmarshal failed, %w", err)
	}
	sigMap := make(SignatureMap, len(sCBOR))
	for i, sig := range sCBOR {
		if sig == nil {
			return fmt.Errorf("signature %d is nil", i)
		}
		if _, ok := sigMap[sig.NodeID]; ok {
			return fmt.Errorf("duplicate signature of %q", sig.NodeID)
		}
		sigMap[sig.NodeID] = sig.Signature
	}
	*s = sigMap
	return nil
}

// Signers returns node IDs of the signers in ascending order.
func (s SignatureMap) Signers() []string {
	signers := make([]string, 0, len(s))
	for k := range s {
		signers = append(signers, k)
	}
	sort.Strings(signers)
	return signers
}
