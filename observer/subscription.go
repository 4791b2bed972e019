package observer

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.opentelemetry.io/otel/metric"

	"github.com/alphabill-org/consensus-observer/logger"
	"github.com/alphabill-org/consensus-observer/network"
	"github.com/alphabill-org/consensus-observer/types"
)

var (
	ErrMessageSender    = errors.New("message is not from the subscribed peer")
	ErrNoPeersAvailable = errors.New("no peers to subscribe to")
)

type (
	PeerSource interface {
		// ConnectedPeers returns the publishers we currently have connection with.
		ConnectedPeers() []network.PeerInfo
	}

	// MsgSender sends subscribe and unsubscribe requests to the publishers.
	MsgSender interface {
		Send(ctx context.Context, msg any, receivers ...peer.ID) error
	}

	subscription struct {
		peer              peer.ID
		created           time.Time
		lastMessage       time.Time
		lastSyncedVersion uint64
		lastProgress      time.Time
	}
)

/*
SubscriptionManager maintains subscription to a single publisher. Only messages
from the subscribed peer are accepted by the observer.

Methods which change the subscription are meant to be called from the
observer loop only, the lock protects readers like the status endpoint.
*/
type SubscriptionManager struct {
	self    peer.ID
	peers   PeerSource
	net     MsgSender
	conf    *configuration
	log     *slog.Logger
	changes metric.Int64Counter

	mu     sync.Mutex
	active *subscription
}

func NewSubscriptionManager(self peer.ID, peers PeerSource, net MsgSender, log *slog.Logger, m metric.Meter, opts ...Option) (*SubscriptionManager, error) {
	conf, err := loadAndValidateConfiguration(opts...)
	if err != nil {
		return nil, err
	}
	changes, err := m.Int64Counter("subscription.changes", metric.WithDescription("Number of times the subscription was terminated or created"))
	if err != nil {
		return nil, fmt.Errorf("creating subscription changes counter: %w", err)
	}
	return &SubscriptionManager{
		self:    self,
		peers:   peers,
		net:     net,
		conf:    conf,
		log:     log,
		changes: changes,
	}, nil
}

/*
VerifyMessageSender returns ErrMessageSender unless "from" is the subscribed
peer. Accepted messages keep the subscription alive.
*/
func (sm *SubscriptionManager) VerifyMessageSender(from peer.ID) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.active == nil {
		return fmt.Errorf("%w: got message from %s, no active subscription", ErrMessageSender, from)
	}
	if sm.active.peer != from {
		return fmt.Errorf("%w: got message from %s, subscribed to %s", ErrMessageSender, from, sm.active.peer)
	}
	sm.active.lastMessage = sm.conf.now()
	return nil
}

// ActivePeer returns the peer we are subscribed to.
func (sm *SubscriptionManager) ActivePeer() (peer.ID, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.active == nil {
		return "", false
	}
	return sm.active.peer, true
}

/*
CheckAndManageSubscriptions terminates unhealthy subscription and subscribes
to the best connected peer when there is no active subscription. "synced" is
the latest version the node has synced to.

Returns true when the previous subscription was terminated, the caller must
drop the state it has collected from the old publisher.
*/
func (sm *SubscriptionManager) CheckAndManageSubscriptions(ctx context.Context, synced uint64) (bool, error) {
	connected := sm.peers.ConnectedPeers()
	var dropped peer.ID

	sm.mu.Lock()
	cur := sm.active
	if cur != nil {
		err := sm.checkHealth(cur, synced, connected)
		if err == nil {
			sm.mu.Unlock()
			return false, nil
		}
		sm.log.WarnContext(ctx, "terminating subscription", logger.PeerID(cur.peer), logger.Error(err))
		dropped = cur.peer
		sm.active = nil
	}
	sm.mu.Unlock()

	if dropped != "" {
		sm.changes.Add(ctx, 1)
		if err := sm.net.Send(ctx, &types.UnsubscribeRequest{NodeID: sm.self.String()}, dropped); err != nil {
			sm.log.DebugContext(ctx, "sending unsubscribe request", logger.PeerID(dropped), logger.Error(err))
		}
	}

	return dropped != "", sm.subscribe(ctx, connected, dropped)
}

func (sm *SubscriptionManager) checkHealth(s *subscription, synced uint64, connected []network.PeerInfo) error {
	now := sm.conf.now()
	idx := slices.IndexFunc(connected, func(pi network.PeerInfo) bool { return pi.ID == s.peer })
	if idx < 0 {
		return fmt.Errorf("peer %s is not connected", s.peer)
	}
	if d := now.Sub(s.lastMessage); d > sm.conf.maxSubscriptionTimeout {
		return fmt.Errorf("no messages from peer for %s", d)
	}
	if synced > s.lastSyncedVersion {
		s.lastSyncedVersion = synced
		s.lastProgress = now
	} else if d := now.Sub(s.lastProgress); d > sm.conf.maxSyncedVersionTimeout {
		return fmt.Errorf("synced version %d has not progressed for %s", synced, d)
	}
	if now.Sub(s.created) > sm.conf.subscriptionPeerChangeInterval {
		if best := bestPeers(connected, ""); len(best) > 0 && best[0].Latency < connected[idx].Latency {
			return fmt.Errorf("peer %s has lower latency (%s < %s)", best[0].ID, best[0].Latency, connected[idx].Latency)
		}
	}
	return nil
}

func (sm *SubscriptionManager) subscribe(ctx context.Context, connected []network.PeerInfo, exclude peer.ID) error {
	candidates := bestPeers(connected, exclude)
	if len(candidates) == 0 {
		return ErrNoPeersAvailable
	}
	var errs error
	for _, c := range candidates {
		if c.ID == sm.self {
			continue
		}
		if err := sm.net.Send(ctx, &types.SubscribeRequest{NodeID: sm.self.String()}, c.ID); err != nil {
			errs = errors.Join(errs, fmt.Errorf("subscribing to %s: %w", c.ID, err))
			continue
		}
		now := sm.conf.now()
		sm.mu.Lock()
		sm.active = &subscription{peer: c.ID, created: now, lastMessage: now, lastProgress: now}
		sm.mu.Unlock()
		sm.changes.Add(ctx, 1)
		sm.log.InfoContext(ctx, "subscribed to publisher", logger.PeerID(c.ID))
		return nil
	}
	if errs == nil {
		return ErrNoPeersAvailable
	}
	return errs
}

// Terminate unsubscribes from the active peer.
func (sm *SubscriptionManager) Terminate(ctx context.Context) error {
	sm.mu.Lock()
	cur := sm.active
	sm.active = nil
	sm.mu.Unlock()
	if cur == nil {
		return nil
	}
	return sm.net.Send(ctx, &types.UnsubscribeRequest{NodeID: sm.self.String()}, cur.peer)
}

// bestPeers returns the peers sorted by latency, "exclude" is left out.
func bestPeers(peers []network.PeerInfo, exclude peer.ID) []network.PeerInfo {
	res := slices.DeleteFunc(slices.Clone(peers), func(pi network.PeerInfo) bool { return pi.ID == exclude })
	slices.SortStableFunc(res, func(a, b network.PeerInfo) int { return cmp.Compare(a.Latency, b.Latency) })
	return res
}
