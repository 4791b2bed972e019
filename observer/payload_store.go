package observer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/alphabill-org/consensus-observer/execution"
	"github.com/alphabill-org/consensus-observer/logger"
	"github.com/alphabill-org/consensus-observer/types"
)

var ErrStoreFull = errors.New("store is full")

type payloadEntry struct {
	payload  *types.BlockPayload
	verified bool
}

/*
BlockPayloadStore holds the transaction payloads of quorum store blocks.
Payloads are verified against the validators of their epoch, the ones of
future epochs are kept unverified until the epoch starts.
*/
type BlockPayloadStore struct {
	mu          sync.Mutex
	payloads    map[epochRound]*payloadEntry
	maxPayloads int
	log         *slog.Logger
}

func NewBlockPayloadStore(maxPayloads int, log *slog.Logger, m metric.Meter) (*BlockPayloadStore, error) {
	s := &BlockPayloadStore{
		payloads:    make(map[epochRound]*payloadEntry),
		maxPayloads: maxPayloads,
		log:         log,
	}
	if err := storeGauges(m, "store.payloads", "block payloads", s.metrics); err != nil {
		return nil, err
	}
	return s, nil
}

// Insert adds payload to the store, the store refuses new payloads when it is full.
func (s *BlockPayloadStore) Insert(bp *types.BlockPayload, verified bool) error {
	key := keyOf(bp.Block)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payloads[key]; !ok && len(s.payloads) >= s.maxPayloads {
		return fmt.Errorf("%w, dropping payload %s", ErrStoreFull, key)
	}
	s.payloads[key] = &payloadEntry{payload: bp, verified: verified}
	return nil
}

/*
AllPayloadsExist returns true when verified payloads of all the quorum store
blocks are in the store. Direct mempool blocks carry their transactions.
*/
func (s *BlockPayloadStore) AllPayloadsExist(blocks []*types.PipelinedBlock) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range blocks {
		if !b.Payload().InQuorumStore() {
			continue
		}
		if e, ok := s.payloads[keyOf(b.BlockInfo())]; !ok || !e.verified {
			return false
		}
	}
	return true
}

// Get returns verified payload of the block.
func (s *BlockPayloadStore) Get(epoch, round uint64) (*types.BlockPayload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.payloads[epochRound{epoch: epoch, round: round}]; ok && e.verified {
		return e.payload, true
	}
	return nil, false
}

// RemoveBlocksForEpochRound removes payloads at or below (epoch, round).
func (s *BlockPayloadStore) RemoveBlocksForEpochRound(epoch, round uint64) {
	s.removeUpTo(epochRound{epoch: epoch, round: round})
}

// RemoveCommittedBlocks removes payloads up to the last committed block.
func (s *BlockPayloadStore) RemoveCommittedBlocks(blocks []*types.PipelinedBlock) {
	if len(blocks) == 0 {
		return
	}
	s.removeUpTo(keyOf(blocks[len(blocks)-1].BlockInfo()))
}

func (s *BlockPayloadStore) removeUpTo(key epochRound) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.payloads {
		if k.compare(key) <= 0 {
			delete(s.payloads, k)
		}
	}
}

/*
VerifyPayloadSignatures verifies the unverified payloads of the epoch. Payloads
which fail verification are removed. Returns rounds of the newly verified
payloads in ascending order.
*/
func (s *BlockPayloadStore) VerifyPayloadSignatures(es *types.EpochState) []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rounds []uint64
	for _, k := range sortedKeys(s.payloads) {
		e := s.payloads[k]
		if k.epoch != es.Epoch || e.verified {
			continue
		}
		if err := e.payload.VerifyPayloadSignatures(es); err != nil {
			s.log.Warn(fmt.Sprintf("dropping payload %s, signature verification failed", k), logger.Error(err))
			delete(s.payloads, k)
			continue
		}
		e.verified = true
		rounds = append(rounds, k.round)
	}
	return rounds
}

/*
VerifyPayloadsAgainstOrderedBlock checks that the stored payloads are the ones
the ordered block refers to.
*/
func (s *BlockPayloadStore) VerifyPayloadsAgainstOrderedBlock(ob *types.OrderedBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range ob.Blocks {
		if !b.Payload().InQuorumStore() {
			continue
		}
		e, ok := s.payloads[keyOf(b.BlockInfo())]
		if !ok || !e.verified {
			return fmt.Errorf("payload of block %s: %w", b, execution.ErrPayloadNotFound)
		}
		if err := e.payload.VerifyAgainstOrderedPayload(b.Payload()); err != nil {
			return fmt.Errorf("block %s: %w", b, err)
		}
	}
	return nil
}

func (s *BlockPayloadStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.payloads)
}

func (s *BlockPayloadStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func (s *BlockPayloadStore) metrics() (count int, highest epochRound) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.payloads {
		if k.compare(highest) > 0 {
			highest = k
		}
	}
	return len(s.payloads), highest
}

// payloadManager resolves transactions of the quorum store blocks from the payload store.
type payloadManager struct {
	store *BlockPayloadStore
}

func (pm payloadManager) Transactions(ctx context.Context, block *types.PipelinedBlock) ([]types.Transaction, error) {
	if !block.Payload().InQuorumStore() {
		return execution.DirectMempool{}.Transactions(ctx, block)
	}
	bp, ok := pm.store.Get(block.Epoch(), block.Round())
	if !ok {
		return nil, fmt.Errorf("block %s: %w", block, execution.ErrPayloadNotFound)
	}
	return bp.Transactions, nil
}
