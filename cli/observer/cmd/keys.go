package cmd

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/alphabill-org/consensus-observer/network"
)

const (
	secp256k1 = "secp256k1"

	keyFileCmdFlag      = "key-file"
	defaultKeysFileName = "keys.json"
)

type (
	// Keys of the observer node, the node key is the libp2p identity of the node.
	Keys struct {
		NodeKey crypto.PrivKey
	}

	keyFile struct {
		NodeKey key `json:"node"`
	}

	key struct {
		Algorithm  string        `json:"algorithm"`
		PrivateKey hexutil.Bytes `json:"privateKey"`
	}
)

// GenerateKeys generates new secp256k1 node key.
func GenerateKeys() (*Keys, error) {
	nodeKey, _, err := crypto.GenerateSecp256k1Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating node key: %w", err)
	}
	return &Keys{NodeKey: nodeKey}, nil
}

/*
LoadKeys reads keys from the file. When the file doesn't exist and "generate"
is true new keys are generated and saved into the file.
*/
func LoadKeys(file string, generate bool) (*Keys, error) {
	data, err := os.ReadFile(filepath.Clean(file))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) || !generate {
			return nil, fmt.Errorf("reading keys file: %w", err)
		}
		keys, err := GenerateKeys()
		if err != nil {
			return nil, err
		}
		if err := keys.WriteTo(file); err != nil {
			return nil, err
		}
		return keys, nil
	}

	kf := &keyFile{}
	if err := json.Unmarshal(data, kf); err != nil {
		return nil, fmt.Errorf("decoding keys file %s: %w", file, err)
	}
	if kf.NodeKey.Algorithm != secp256k1 {
		return nil, fmt.Errorf("node key algorithm %q is not supported", kf.NodeKey.Algorithm)
	}
	nodeKey, err := crypto.UnmarshalSecp256k1PrivateKey(kf.NodeKey.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid node key: %w", err)
	}
	return &Keys{NodeKey: nodeKey}, nil
}

// WriteTo saves the keys into file, creating missing directories.
func (k *Keys) WriteTo(file string) error {
	raw, err := k.NodeKey.Raw()
	if err != nil {
		return fmt.Errorf("encoding node key: %w", err)
	}
	data, err := json.MarshalIndent(&keyFile{NodeKey: key{Algorithm: secp256k1, PrivateKey: raw}}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(file), 0700); err != nil {
		return fmt.Errorf("creating keys directory: %w", err)
	}
	if err := os.WriteFile(file, data, 0600); err != nil {
		return fmt.Errorf("writing keys file: %w", err)
	}
	return nil
}

func (k *Keys) PeerID() (peer.ID, error) {
	return peer.IDFromPrivateKey(k.NodeKey)
}

func (k *Keys) peerKeyPair() (*network.PeerKeyPair, error) {
	private, err := k.NodeKey.Raw()
	if err != nil {
		return nil, err
	}
	public, err := k.NodeKey.GetPublic().Raw()
	if err != nil {
		return nil, err
	}
	return &network.PeerKeyPair{PublicKey: public, PrivateKey: private}, nil
}
