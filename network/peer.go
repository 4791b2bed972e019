package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/config"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	libp2pprotocol "github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/core/routing"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/libp2p/go-libp2p/p2p/host/peerstore/pstoremem"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/alphabill-org/consensus-observer/logger"
)

const (
	defaultAddress    = "/ip4/0.0.0.0/tcp/0"
	dhtProtocolPrefix = "/obs/dht/0.1.0"
	// PublisherTopic is the DHT topic publishers of consensus messages advertise themselves under.
	PublisherTopic = "/obs/publishers/0.0.1"
)

var ErrPeerConfigurationIsNil = errors.New("peer configuration is nil")

type (
	// PeerConfiguration includes single peer configuration values.
	PeerConfiguration struct {
		ID             peer.ID         // peer identifier derived from the KeyPair.PublicKey.
		Address        string          // address to listen for incoming connections. Uses libp2p multiaddress format.
		AnnounceAddrs  []ma.Multiaddr  // callback addresses to announce to other peers, if specified then overwrites any and all default listen addresses
		KeyPair        *PeerKeyPair    // keypair for the peer.
		BootstrapPeers []peer.AddrInfo // a list of seed peers to connect to.
		// observers only query the DHT, publishers (and bootstrap nodes) serve it
		DHTMode dht.ModeOpt
	}

	// PeerKeyPair contains node's public and private key.
	PeerKeyPair struct {
		PublicKey  []byte
		PrivateKey []byte
	}

	// Peer represents a single node in p2p network. It is a wrapper around the libp2p host.Host.
	Peer struct {
		host host.Host
		conf *PeerConfiguration
		dht  *dht.IpfsDHT
	}
)

/*
NewPeer constructs a new peer node with given configuration. If no listen
address is provided, the node listens to the multiaddress "/ip4/0.0.0.0/tcp/0".
*/
func NewPeer(ctx context.Context, conf *PeerConfiguration, log *slog.Logger, prom prometheus.Registerer) (*Peer, error) {
	if conf == nil {
		return nil, ErrPeerConfigurationIsNil
	}
	privateKey, err := readKeyPair(conf)
	if err != nil {
		return nil, err
	}

	address := defaultAddress
	if conf.Address != "" {
		address = conf.Address
	}

	peerStore, err := pstoremem.NewPeerstore()
	if err != nil {
		return nil, fmt.Errorf("creating peerstore: %w", err)
	}

	var kademliaDHT *dht.IpfsDHT
	opts := []config.Option{
		libp2p.ListenAddrStrings(address),
		libp2p.Identity(privateKey),
		libp2p.Peerstore(peerStore),
		libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			kademliaDHT, err = newDHT(ctx, h, conf.BootstrapPeers, conf.DHTMode, log)
			return kademliaDHT, err
		}),
		// latency of the publishers is measured with ping
		libp2p.Ping(true),
	}
	if prom != nil {
		opts = append(opts, libp2p.PrometheusRegisterer(prom))
	}
	if len(conf.AnnounceAddrs) > 0 {
		announce := append([]ma.Multiaddr(nil), conf.AnnounceAddrs...)
		opts = append(opts, libp2p.AddrsFactory(func(_ []ma.Multiaddr) []ma.Multiaddr {
			return append([]ma.Multiaddr(nil), announce...)
		}))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating libp2p host: %w", err)
	}
	if err = kademliaDHT.Bootstrap(ctx); err != nil {
		return nil, errors.Join(fmt.Errorf("bootstrapping DHT: %w", err), h.Close())
	}
	log.DebugContext(ctx, fmt.Sprintf("addresses=%v; bootstrap peers=%v", h.Addrs(), conf.BootstrapPeers))

	return &Peer{host: h, conf: conf, dht: kademliaDHT}, nil
}

/*
BootstrapConnect connects to the bootstrap peers concurrently, it is an error
only when none of the connections succeeds.
*/
func (p *Peer) BootstrapConnect(ctx context.Context, log *slog.Logger) error {
	if len(p.conf.BootstrapPeers) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(p.conf.BootstrapPeers))
	for _, addr := range p.conf.BootstrapPeers {
		wg.Add(1)
		go func(addr peer.AddrInfo) {
			defer wg.Done()
			p.host.Peerstore().AddAddrs(addr.ID, addr.Addrs, peerstore.PermanentAddrTTL)
			if err := p.host.Connect(ctx, addr); err != nil {
				log.WarnContext(ctx, "bootstrap dial failed", logger.PeerID(addr.ID), logger.Error(err))
				errs <- err
				return
			}
			log.DebugContext(ctx, "bootstrap dial succeeded", logger.PeerID(addr.ID))
		}(addr)
	}
	wg.Wait()
	close(errs)

	var allErr error
	count := 0
	for err := range errs {
		count++
		allErr = errors.Join(allErr, err)
	}
	if count == len(p.conf.BootstrapPeers) {
		return fmt.Errorf("failed to bootstrap: %w", allErr)
	}
	return p.dht.Bootstrap(ctx)
}

// ID returns the identifier associated with this Peer.
func (p *Peer) ID() peer.ID {
	return p.host.ID()
}

func (p *Peer) String() string {
	return "NodeID:" + logger.ShortID(p.ID())
}

// MultiAddresses the address associated with this Peer.
func (p *Peer) Configuration() *PeerConfiguration {
	return p.conf
}

func (p *Peer) MultiAddresses() []ma.Multiaddr {
	return p.host.Addrs()
}

func (p *Peer) Network() network.Network {
	return p.host.Network()
}

// RegisterProtocolHandler sets the protocol stream handler for given protocol.
func (p *Peer) RegisterProtocolHandler(protocolID string, handler network.StreamHandler) {
	p.host.SetStreamHandler(libp2pprotocol.ID(protocolID), handler)
}

// CreateStream opens a new stream to given peer p, and writes a libp2p protocol header with given ProtocolID.
func (p *Peer) CreateStream(ctx context.Context, peerID peer.ID, protocolID string) (network.Stream, error) {
	return p.host.NewStream(ctx, peerID, libp2pprotocol.ID(protocolID))
}

// Close shuts down the libp2p host and related services.
func (p *Peer) Close() error {
	var err error
	if cerr := p.dht.Close(); cerr != nil {
		err = fmt.Errorf("closing the DHT: %w", cerr)
	}
	if cerr := p.host.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("closing the host: %w", cerr))
	}
	return err
}

// Advertise announces the peer under the topic in the DHT.
func (p *Peer) Advertise(ctx context.Context, topic string) error {
	_, err := drouting.NewRoutingDiscovery(p.dht).Advertise(ctx, topic)
	return err
}

func (p *Peer) Discover(ctx context.Context, topic string) (<-chan peer.AddrInfo, error) {
	return drouting.NewRoutingDiscovery(p.dht).FindPeers(ctx, topic)
}

/*
ConnectPublishers looks up publishers from the DHT and connects to the ones
we are not connected to yet. Returns the number of new connections.
*/
func (p *Peer) ConnectPublishers(ctx context.Context, log *slog.Logger) (int, error) {
	found, err := p.Discover(ctx, PublisherTopic)
	if err != nil {
		return 0, fmt.Errorf("discovering publishers: %w", err)
	}
	count := 0
	for ai := range found {
		if ai.ID == p.ID() || p.host.Network().Connectedness(ai.ID) == network.Connected {
			continue
		}
		if err := p.host.Connect(ctx, ai); err != nil {
			log.DebugContext(ctx, "connecting to publisher", logger.PeerID(ai.ID), logger.Error(err))
			continue
		}
		count++
	}
	return count, nil
}

func NewPeerConfiguration(addr string, announceAddrs []string, keyPair *PeerKeyPair, bootstrapPeers []peer.AddrInfo) (*PeerConfiguration, error) {
	if keyPair == nil {
		return nil, errors.New("missing key pair")
	}
	peerID, err := NodeIDFromPublicKeyBytes(keyPair.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid key pair: %w", err)
	}

	announceMultiAddrs := make([]ma.Multiaddr, 0, len(announceAddrs))
	for _, announceAddr := range announceAddrs {
		addr, err := ma.NewMultiaddr(announceAddr)
		if err != nil {
			return nil, fmt.Errorf("invalid announce address %q: %w", announceAddr, err)
		}
		announceMultiAddrs = append(announceMultiAddrs, addr)
	}

	return &PeerConfiguration{
		ID:             peerID,
		Address:        addr,
		AnnounceAddrs:  announceMultiAddrs,
		KeyPair:        keyPair,
		BootstrapPeers: bootstrapPeers,
		DHTMode:        dht.ModeAutoServer,
	}, nil
}

func NodeIDFromPublicKeyBytes(pubKey []byte) (peer.ID, error) {
	pub, err := crypto.UnmarshalSecp256k1PublicKey(pubKey)
	if err != nil {
		return "", err
	}
	return peer.IDFromPublicKey(pub)
}

func newDHT(ctx context.Context, h host.Host, bootstrapPeers []peer.AddrInfo, mode dht.ModeOpt, log *slog.Logger) (*dht.IpfsDHT, error) {
	kdht, err := dht.New(ctx, h, dht.ProtocolPrefix(dhtProtocolPrefix), dht.BootstrapPeers(bootstrapPeers...), dht.Mode(mode))
	if err != nil {
		return nil, fmt.Errorf("creating DHT: %w", err)
	}
	rt := kdht.RoutingTable()
	peerRemovedCb, peerAddedCb := rt.PeerRemoved, rt.PeerAdded
	rt.PeerRemoved = func(pid peer.ID) {
		peerRemovedCb(pid)
		log.DebugContext(ctx, "peer removed from routing table", logger.PeerID(pid))
	}
	rt.PeerAdded = func(pid peer.ID) {
		peerAddedCb(pid)
		log.DebugContext(ctx, "peer added to routing table", logger.PeerID(pid))
	}
	return kdht, nil
}

func readKeyPair(conf *PeerConfiguration) (crypto.PrivKey, error) {
	if conf.KeyPair == nil {
		return nil, errors.New("missing peer key")
	}
	privateKey, err := crypto.UnmarshalSecp256k1PrivateKey(conf.KeyPair.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	publicKey, err := crypto.UnmarshalSecp256k1PublicKey(conf.KeyPair.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	if !privateKey.GetPublic().Equals(publicKey) {
		return nil, errors.New("public key does not match the private key")
	}
	return privateKey, nil
}
