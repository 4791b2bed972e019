package observer

import (
	"sync"

	"github.com/alphabill-org/consensus-observer/types"
)

/*
rootCell holds the latest known committed ledger info. It is shared by the
observer loop and the commit callbacks of the execution pipeline.
*/
type rootCell struct {
	mu   sync.RWMutex
	root *types.LedgerInfoWithSignatures
}

func newRootCell(root *types.LedgerInfoWithSignatures) *rootCell {
	return &rootCell{root: root}
}

func (rc *rootCell) Get() *types.LedgerInfoWithSignatures {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.root
}

// Set replaces the root, used when the observer starts syncing to a new target.
func (rc *rootCell) Set(li *types.LedgerInfoWithSignatures) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.root = li
}

/*
Advance moves the root to "li" when it is in the same epoch and of a higher
round than the current root. Returns the current root and whether it was
updated.
*/
func (rc *rootCell) Advance(li *types.LedgerInfoWithSignatures) (*types.LedgerInfoWithSignatures, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if li.Epoch() != rc.root.Epoch() || li.Round() <= rc.root.Round() {
		return rc.root, false
	}
	rc.root = li
	return li, true
}
