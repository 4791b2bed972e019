package peer

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	p2ptest "github.com/libp2p/go-libp2p/core/test"
	"github.com/stretchr/testify/require"

	"github.com/alphabill-org/consensus-observer/internal/testutils/logger"
	"github.com/alphabill-org/consensus-observer/network"
)

// CreatePeer starts peer listening on random localhost port, the peer is closed by test cleanup.
func CreatePeer(t *testing.T, bootstrap ...peer.AddrInfo) *network.Peer {
	peerConf, err := network.NewPeerConfiguration("/ip4/127.0.0.1/tcp/0", nil, GenerateKeyPair(t), bootstrap)
	require.NoError(t, err)
	p, err := network.NewPeer(context.Background(), peerConf, logger.New(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, p.Close()) })
	return p
}

func GeneratePeerIDs(t *testing.T, count int) peer.IDSlice {
	t.Helper()
	var peers = make(peer.IDSlice, count)
	for i := 0; i < count; i++ {
		id, err := p2ptest.RandPeerID()
		require.NoError(t, err)
		peers[i] = id
	}
	return peers
}

func GenerateKeyPair(t *testing.T) *network.PeerKeyPair {
	privateKey, publicKey, err := crypto.GenerateSecp256k1Key(rand.Reader)
	require.NoError(t, err)
	privateKeyBytes, err := privateKey.Raw()
	require.NoError(t, err)
	publicKeyBytes, err := publicKey.Raw()
	require.NoError(t, err)

	return &network.PeerKeyPair{
		PublicKey:  publicKeyBytes,
		PrivateKey: privateKeyBytes,
	}
}
