package observer

import (
	"cmp"
	"fmt"
	"maps"
	"slices"

	"github.com/alphabill-org/consensus-observer/types"
)

// epochRound is the key of the observer stores.
type epochRound struct {
	epoch uint64
	round uint64
}

func keyOf(bi *types.BlockInfo) epochRound {
	return epochRound{epoch: bi.Epoch, round: bi.Round}
}

func (k epochRound) compare(other epochRound) int {
	if c := cmp.Compare(k.epoch, other.epoch); c != 0 {
		return c
	}
	return cmp.Compare(k.round, other.round)
}

func (k epochRound) String() string {
	return fmt.Sprintf("(epoch: %d, round: %d)", k.epoch, k.round)
}

// sortedKeys returns keys of the map in ascending (epoch, round) order.
func sortedKeys[V any](m map[epochRound]V) []epochRound {
	return slices.SortedFunc(maps.Keys(m), epochRound.compare)
}
