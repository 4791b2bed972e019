package network

import (
	"cmp"
	"slices"
	"time"

	libp2pNetwork "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/alphabill-org/consensus-observer/types"
)

const (
	ProtocolOrderedBlock   = "/obs/ordered-block/0.0.1"
	ProtocolCommitDecision = "/obs/commit-decision/0.0.1"
	ProtocolBlockPayload   = "/obs/block-payload/0.0.1"
	ProtocolSubscribe      = "/obs/subscribe/0.0.1"
	ProtocolUnsubscribe    = "/obs/unsubscribe/0.0.1"
)

/*
NewLibP2PObserverNetwork creates network for the consensus observer: it
receives the consensus messages and sends subscription requests.
*/
func NewLibP2PObserverNetwork(self *Peer, capacity uint, sendTimeout time.Duration, obs Observability) (*LibP2PNetwork, error) {
	n, err := newLibP2PNetwork(self, capacity, obs)
	if err != nil {
		return nil, err
	}
	err = n.routeTo(
		outbound{protocolID: ProtocolSubscribe, timeout: sendTimeout, msgType: types.SubscribeRequest{}},
		outbound{protocolID: ProtocolUnsubscribe, timeout: sendTimeout, msgType: types.UnsubscribeRequest{}},
	)
	if err != nil {
		return nil, err
	}
	err = n.accept(
		inbound{protocolID: ProtocolOrderedBlock, newMsg: func() any { return &types.OrderedBlock{} }},
		inbound{protocolID: ProtocolCommitDecision, newMsg: func() any { return &types.CommitDecision{} }},
		inbound{protocolID: ProtocolBlockPayload, newMsg: func() any { return &types.BlockPayload{} }},
	)
	if err != nil {
		return nil, err
	}
	return n, nil
}

/*
NewLibP2PPublisherNetwork creates the counterpart of the observer network: it
sends the consensus messages to the subscribers and receives subscription
requests.
*/
func NewLibP2PPublisherNetwork(self *Peer, capacity uint, sendTimeout time.Duration, obs Observability) (*LibP2PNetwork, error) {
	n, err := newLibP2PNetwork(self, capacity, obs)
	if err != nil {
		return nil, err
	}
	err = n.routeTo(
		outbound{protocolID: ProtocolOrderedBlock, timeout: sendTimeout, msgType: types.OrderedBlock{}},
		outbound{protocolID: ProtocolCommitDecision, timeout: sendTimeout, msgType: types.CommitDecision{}},
		outbound{protocolID: ProtocolBlockPayload, timeout: sendTimeout, msgType: types.BlockPayload{}},
	)
	if err != nil {
		return nil, err
	}
	err = n.accept(
		inbound{protocolID: ProtocolSubscribe, newMsg: func() any { return &types.SubscribeRequest{} }},
		inbound{protocolID: ProtocolUnsubscribe, newMsg: func() any { return &types.UnsubscribeRequest{} }},
	)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// PeerInfo is a connected publisher.
type PeerInfo struct {
	ID      peer.ID
	Latency time.Duration
}

/*
PublisherSource lists connected peers which accept observer subscriptions.
*/
type PublisherSource struct {
	self *Peer
}

func NewPublisherSource(self *Peer) *PublisherSource {
	return &PublisherSource{self: self}
}

// ConnectedPeers returns connected publishers ordered by latency.
func (ps *PublisherSource) ConnectedPeers() []PeerInfo {
	h := ps.self.host
	var res []PeerInfo
	for _, id := range h.Network().Peers() {
		if h.Network().Connectedness(id) != libp2pNetwork.Connected {
			continue
		}
		if ok, err := h.Peerstore().SupportsProtocols(id, ProtocolSubscribe); err != nil || len(ok) == 0 {
			continue
		}
		res = append(res, PeerInfo{ID: id, Latency: h.Peerstore().LatencyEWMA(id)})
	}
	slices.SortFunc(res, func(a, b PeerInfo) int { return cmp.Compare(a.Latency, b.Latency) })
	return res
}
