package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/alphabill-org/consensus-observer/keyvaluedb"
	"github.com/alphabill-org/consensus-observer/reconfig"
	"github.com/alphabill-org/consensus-observer/types"
)

var (
	ErrNotInitialized       = errors.New("ledger store is not initialized")
	ErrStaleLedgerInfo      = errors.New("ledger info is older than the latest ledger info")
	ErrEpochConfigsNotFound = errors.New("epoch configs not found")
)

var (
	latestLedgerInfoKey = []byte("latest_ledger_info")
	epochConfigsPrefix  = []byte("epoch_configs_") // followed by big-endian epoch number
)

/*
Store persists the latest committed ledger info of the node and the on-chain
configs of the epochs.
*/
type Store struct {
	mu sync.Mutex
	db keyvaluedb.KeyValueDB
}

func NewStore(db keyvaluedb.KeyValueDB) (*Store, error) {
	if db == nil {
		return nil, errors.New("storage is nil")
	}
	return &Store{db: db}, nil
}

// LatestLedgerInfo returns ErrNotInitialized when nothing has been saved yet.
func (s *Store) LatestLedgerInfo() (*types.LedgerInfoWithSignatures, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest(s.db)
}

func (s *Store) latest(r keyvaluedb.Reader) (*types.LedgerInfoWithSignatures, error) {
	var li *types.LedgerInfoWithSignatures
	ok, err := r.Read(latestLedgerInfoKey, &li)
	if err != nil {
		return nil, fmt.Errorf("reading latest ledger info: %w", err)
	}
	if !ok {
		return nil, ErrNotInitialized
	}
	return li, nil
}

/*
SaveLedgerInfo replaces the latest ledger info. Ledger info which is older
than the latest one is refused with ErrStaleLedgerInfo, saving the same
(epoch, round) again is a no-op.
*/
func (s *Store) SaveLedgerInfo(li *types.LedgerInfoWithSignatures) error {
	if err := li.IsValid(); err != nil {
		return fmt.Errorf("invalid ledger info: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	latest, err := s.latest(s.db)
	switch {
	case errors.Is(err, ErrNotInitialized):
	case err != nil:
		return err
	default:
		switch li.CommitInfo().Compare(latest.CommitInfo()) {
		case -1:
			return fmt.Errorf("%w: %s, latest is %s", ErrStaleLedgerInfo, li.CommitInfo(), latest.CommitInfo())
		case 0:
			return nil
		}
	}
	if err := s.db.Write(latestLedgerInfoKey, li); err != nil {
		return fmt.Errorf("writing latest ledger info: %w", err)
	}
	return nil
}

// EpochConfigs returns the reconfiguration notification of the epoch, ErrEpochConfigsNotFound when it's not known.
func (s *Store) EpochConfigs(epoch uint64) (*reconfig.Notification, error) {
	var n *reconfig.Notification
	ok, err := s.db.Read(epochConfigsKey(epoch), &n)
	if err != nil {
		return nil, fmt.Errorf("reading configs of epoch %d: %w", epoch, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: epoch %d", ErrEpochConfigsNotFound, epoch)
	}
	return n, nil
}

func (s *Store) SaveEpochConfigs(n *reconfig.Notification) error {
	if n == nil {
		return errors.New("notification is nil")
	}
	if err := s.db.Write(epochConfigsKey(n.Epoch), n); err != nil {
		return fmt.Errorf("writing configs of epoch %d: %w", n.Epoch, err)
	}
	return nil
}

/*
InitFromGenesis writes the root ledger info and the configs of the first
epoch of the genesis into empty store. When the store already has the
latest ledger info it is returned and genesis is ignored.
*/
func (s *Store) InitFromGenesis(g *Genesis) (_ *types.LedgerInfoWithSignatures, rErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	li, err := s.latest(s.db)
	if !errors.Is(err, ErrNotInitialized) {
		return li, err
	}

	root, err := g.RootLedgerInfo()
	if err != nil {
		return nil, fmt.Errorf("creating root ledger info: %w", err)
	}
	n, err := g.Notification()
	if err != nil {
		return nil, fmt.Errorf("creating genesis epoch configs: %w", err)
	}

	tx, err := s.db.StartTx()
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer func() {
		if rErr != nil {
			rErr = errors.Join(rErr, tx.Rollback())
		}
	}()
	if err := tx.Write(latestLedgerInfoKey, root); err != nil {
		return nil, fmt.Errorf("writing root ledger info: %w", err)
	}
	if err := tx.Write(epochConfigsKey(n.Epoch), n); err != nil {
		return nil, fmt.Errorf("writing configs of epoch %d: %w", n.Epoch, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing genesis: %w", err)
	}
	return root, nil
}

func epochConfigsKey(epoch uint64) []byte {
	return binary.BigEndian.AppendUint64(append([]byte{}, epochConfigsPrefix...), epoch)
}
