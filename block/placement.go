package block

import (
	"github.com/cespare/xxhash/v2"
)

// Replicas is the number of backends each block is stored on.
const Replicas = 2

// Placement selects which of the three backends hold a block.
type Placement [3]bool

// placements is indexed by hash(id) % 3.
var placements = [3]Placement{
	{true, true, false}, // A, B
	{false, true, true}, // B, C
	{true, false, true}, // A, C
}

// Place returns the placement of block id. xxhash is unseeded, so the result
// is the same in every process.
func Place(id string) Placement {
	return placements[xxhash.Sum64String(id)%3]
}

// Backends returns the selected backend indexes in preference order.
func (p Placement) Backends() []int {
	idx := make([]int, 0, Replicas)
	for i, use := range p {
		if use {
			idx = append(idx, i)
		}
	}
	return idx
}

// Count returns how many backends are selected.
func (p Placement) Count() int {
	n := 0
	for _, use := range p {
		if use {
			n++
		}
	}
	return n
}
