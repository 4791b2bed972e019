package observer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/alphabill-org/consensus-observer/types"
)

/*
PendingBlockStore buffers ordered blocks which are waiting for their payloads.
Blocks are keyed by the (epoch, round) of the first block. When the store is
over capacity the oldest entries are dropped.
*/
type PendingBlockStore struct {
	mu        sync.Mutex
	blocks    map[epochRound]*types.OrderedBlock
	maxBlocks int
	log       *slog.Logger
}

func NewPendingBlockStore(maxBlocks int, log *slog.Logger, m metric.Meter) (*PendingBlockStore, error) {
	s := &PendingBlockStore{
		blocks:    make(map[epochRound]*types.OrderedBlock),
		maxBlocks: maxBlocks,
		log:       log,
	}
	if err := storeGauges(m, "store.pending", "ordered blocks waiting for payloads", s.metrics); err != nil {
		return nil, err
	}
	return s, nil
}

// Insert adds ordered block to the store, replacing the block with the same key.
func (s *PendingBlockStore) Insert(ob *types.OrderedBlock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[keyOf(ob.FirstBlock().BlockInfo())] = ob

	if over := len(s.blocks) - s.maxBlocks; over > 0 {
		for _, k := range sortedKeys(s.blocks)[:over] {
			s.log.Warn(fmt.Sprintf("pending block store is full, dropping the oldest block %s", k))
			delete(s.blocks, k)
		}
	}
}

// Exists returns true when there is pending block with the same first block.
func (s *PendingBlockStore) Exists(ob *types.OrderedBlock) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blocks[keyOf(ob.FirstBlock().BlockInfo())]
	return ok
}

/*
RemoveReadyBlock removes all the pending blocks which start at or below
(epoch, round). The last of them is returned when all its payloads are now
available, otherwise it is kept when it also waits for a higher round.
*/
func (s *PendingBlockStore) RemoveReadyBlock(epoch, round uint64, payloads *BlockPayloadStore) *types.OrderedBlock {
	candidate, dropped := s.takeUpTo(epochRound{epoch: epoch, round: round})
	for _, k := range dropped {
		s.log.Info(fmt.Sprintf("dropping pending block %s, payload for round %d arrived", k, round))
	}
	if candidate == nil {
		return nil
	}
	if payloads.AllPayloadsExist(candidate.Blocks) {
		return candidate
	}
	if candidate.LastBlock().Round() > round {
		s.Insert(candidate)
	} else {
		s.log.Info(fmt.Sprintf("dropping pending block %s, payloads are missing", candidate.ProofBlockInfo()))
	}
	return nil
}

// takeUpTo removes blocks keyed at or below "key", the last of them is returned separately.
func (s *PendingBlockStore) takeUpTo(key epochRound) (last *types.OrderedBlock, dropped []epochRound) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range sortedKeys(s.blocks) {
		if k.compare(key) > 0 {
			break
		}
		if last != nil {
			dropped = append(dropped, keyOf(last.FirstBlock().BlockInfo()))
		}
		last = s.blocks[k]
		delete(s.blocks, k)
	}
	return last, dropped
}

// RemoveBlocksForCommit removes pending blocks which end at or below the ledger info.
func (s *PendingBlockStore) RemoveBlocksForCommit(li *types.LedgerInfoWithSignatures) {
	key := keyOf(li.CommitInfo())
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, ob := range s.blocks {
		if keyOf(ob.LastBlock().BlockInfo()).compare(key) <= 0 {
			delete(s.blocks, k)
		}
	}
}

func (s *PendingBlockStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.blocks)
}

func (s *PendingBlockStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blocks)
}

func (s *PendingBlockStore) metrics() (count int, highest epochRound) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.blocks {
		if k.compare(highest) > 0 {
			highest = k
		}
	}
	return len(s.blocks), highest
}

/*
storeGauges registers observable gauges for the number of entries in the
store and the highest round in it.
*/
func storeGauges(m metric.Meter, name, descr string, snapshot func() (int, epochRound)) error {
	count, err := m.Int64ObservableGauge(name, metric.WithDescription("Number of "+descr))
	if err != nil {
		return fmt.Errorf("creating %s gauge: %w", name, err)
	}
	round, err := m.Int64ObservableGauge(name+".round", metric.WithDescription("Highest round of "+descr))
	if err != nil {
		return fmt.Errorf("creating %s round gauge: %w", name, err)
	}
	_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		cnt, highest := snapshot()
		o.ObserveInt64(count, int64(cnt))
		o.ObserveInt64(round, int64(highest.round)) /* #nosec G115 round doesn't exceed int64 max value */
		return nil
	}, count, round)
	if err != nil {
		return fmt.Errorf("registering %s gauge callback: %w", name, err)
	}
	return nil
}
