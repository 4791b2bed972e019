package observer

import (
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/alphabill-org/consensus-observer/types"
)

// OrderedEntry is a verified ordered block and the commit decision for it (if known).
type OrderedEntry struct {
	Block    *types.OrderedBlock
	Decision *types.CommitDecision
}

/*
OrderedBlockStore holds ordered blocks which have all their payloads and a
verified ordered proof. Blocks are keyed by the (epoch, round) of the last
block.
*/
type OrderedBlockStore struct {
	mu        sync.Mutex
	blocks    map[epochRound]*OrderedEntry
	maxBlocks int
	log       *slog.Logger
}

func NewOrderedBlockStore(maxBlocks int, log *slog.Logger, m metric.Meter) (*OrderedBlockStore, error) {
	s := &OrderedBlockStore{
		blocks:    make(map[epochRound]*OrderedEntry),
		maxBlocks: maxBlocks,
		log:       log,
	}
	if err := storeGauges(m, "store.ordered", "ordered blocks", s.metrics); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *OrderedBlockStore) Insert(ob *types.OrderedBlock) error {
	key := keyOf(ob.LastBlock().BlockInfo())
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blocks[key]; !ok && len(s.blocks) >= s.maxBlocks {
		return fmt.Errorf("%w, dropping ordered block %s", ErrStoreFull, key)
	}
	s.blocks[key] = &OrderedEntry{Block: ob}
	return nil
}

// LastOrderedBlock returns info of the highest block in the store, nil when the store is empty.
func (s *OrderedBlockStore) LastOrderedBlock() *types.BlockInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last *OrderedEntry
	var lastKey epochRound
	for k, e := range s.blocks {
		if last == nil || k.compare(lastKey) > 0 {
			last, lastKey = e, k
		}
	}
	if last == nil {
		return nil
	}
	return last.Block.LastBlock().BlockInfo()
}

func (s *OrderedBlockStore) Get(epoch, round uint64) (*OrderedEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.blocks[epochRound{epoch: epoch, round: round}]
	return e, ok
}

/*
UpdateCommitDecision attaches decision to the ordered block it commits.
Returns false when the store doesn't have the block.
*/
func (s *OrderedBlockStore) UpdateCommitDecision(cd *types.CommitDecision) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.blocks[keyOf(cd.ProofBlockInfo())]
	if ok {
		e.Decision = cd
	}
	return ok
}

// RemoveBlocksForCommit removes blocks at or below the committed ledger info.
func (s *OrderedBlockStore) RemoveBlocksForCommit(li *types.LedgerInfoWithSignatures) {
	s.RemoveBlocksForEpochRound(li.Epoch(), li.Round())
}

func (s *OrderedBlockStore) RemoveBlocksForEpochRound(epoch, round uint64) {
	key := epochRound{epoch: epoch, round: round}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.blocks {
		if k.compare(key) <= 0 {
			delete(s.blocks, k)
		}
	}
}

// All returns the entries in ascending (epoch, round) order.
func (s *OrderedBlockStore) All() []*OrderedEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]*OrderedEntry, 0, len(s.blocks))
	for _, k := range sortedKeys(s.blocks) {
		e := s.blocks[k]
		entries = append(entries, &OrderedEntry{Block: e.Block, Decision: e.Decision})
	}
	return entries
}

func (s *OrderedBlockStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.blocks)
}

func (s *OrderedBlockStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blocks)
}

func (s *OrderedBlockStore) metrics() (count int, highest epochRound) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.blocks {
		if k.compare(highest) > 0 {
			highest = k
		}
	}
	return len(s.blocks), highest
}
