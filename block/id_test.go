package block

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIDStable(t *testing.T) {
	key := FileKey("report.txt")
	assert.Equal(t, key, FileKey("report.txt"))
	assert.NotEqual(t, key, FileKey("report.txt2"))
	assert.Equal(t, ID(key, 3), ID(key, 3))
	assert.True(t, strings.HasPrefix(ID(key, 3), Prefix(key)))
}

func TestIDDistinct(t *testing.T) {
	seen := map[string]string{}
	for _, name := range []string{"a", "a1", "a11", "b"} {
		key := FileKey(name)
		for i := int64(0); i < 50; i++ {
			id := ID(key, i)
			if prev, ok := seen[id]; ok {
				t.Fatalf("id collision between %s and %s/%d", prev, name, i)
			}
			seen[id] = name
		}
	}
}

func TestPlacement(t *testing.T) {
	counts := map[Placement]int{}
	key := FileKey("placement")
	for i := int64(0); i < 300; i++ {
		id := ID(key, i)
		p := Place(id)
		assert.Equal(t, Replicas, p.Count(), "block %d", i)
		assert.Len(t, p.Backends(), Replicas)
		assert.Equal(t, p, Place(id), "placement must be pure")
		counts[p]++
	}
	// all three combinations get used
	assert.Len(t, counts, 3)
}

func TestPlacementTable(t *testing.T) {
	assert.Equal(t, []int{0, 1}, placements[0].Backends())
	assert.Equal(t, []int{1, 2}, placements[1].Backends())
	assert.Equal(t, []int{0, 2}, placements[2].Backends())
}
