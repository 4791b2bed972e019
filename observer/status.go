package observer

import (
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Status is a snapshot of the observer state.
type Status struct {
	State          string        `json:"state"`
	Epoch          uint64        `json:"epoch"`
	RootEpoch      uint64        `json:"rootEpoch"`
	RootRound      uint64        `json:"rootRound"`
	RootID         hexutil.Bytes `json:"rootId"`
	RootVersion    uint64        `json:"rootVersion"`
	PendingBlocks  int           `json:"pendingBlocks"`
	Payloads       int           `json:"payloads"`
	OrderedBlocks  int           `json:"orderedBlocks"`
	SubscribedPeer string        `json:"subscribedPeer,omitempty"`
}

// Status may be called concurrently with Run.
func (o *Observer) Status() Status {
	root := o.root.Get().CommitInfo()
	s := Status{
		State:         o.status.Load().(status).String(),
		Epoch:         o.epoch.Load(),
		RootEpoch:     root.Epoch,
		RootRound:     root.Round,
		RootID:        root.ID,
		RootVersion:   root.Version,
		PendingBlocks: o.pending.Len(),
		Payloads:      o.payloads.Len(),
		OrderedBlocks: o.ordered.Len(),
	}
	if id, ok := o.subscriptions.ActivePeer(); ok {
		s.SubscribedPeer = id.String()
	}
	return s
}
