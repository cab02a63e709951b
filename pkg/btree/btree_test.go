package btree

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSetDelete(t *testing.T) {
	tr := New[int]()
	k := uuid.New()

	_, ok := tr.Get(k)
	assert.False(t, ok)

	tr.Set(k, 42)
	v, ok := tr.Get(k)
	require.True(t, ok)
	assert.Equal(t, 42, v)

	assert.True(t, tr.Delete(k))
	_, ok = tr.Get(k)
	assert.False(t, ok)
}

func TestSetOverwritesExistingKey(t *testing.T) {
	tr := New[string]()
	k := uuid.New()
	tr.Set(k, "first")
	tr.Set(k, "second")
	assert.Equal(t, 1, tr.Size())
	v, ok := tr.Get(k)
	require.True(t, ok)
	assert.Equal(t, "second", v)
}

func TestDeleteMissingKey(t *testing.T) {
	tr := New[int]()
	assert.False(t, tr.Delete(uuid.New()))
}

func TestEntriesOrderedAndSizeTracksDistinctKeys(t *testing.T) {
	tr := NewOrder[int](4) // small order to force splits with few inserts
	keys := make([]uuid.UUID, 0, 500)
	seen := map[uuid.UUID]bool{}
	for len(keys) < 500 {
		k := uuid.New()
		if seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}

	for i, k := range keys {
		tr.Set(k, i)
	}
	assert.Equal(t, len(keys), tr.Size())

	entries := tr.Entries()
	require.Len(t, entries, len(keys))

	sortedKeys := append([]uuid.UUID(nil), keys...)
	sort.Slice(sortedKeys, func(i, j int) bool {
		return compareUUID(sortedKeys[i], sortedKeys[j]) < 0
	})
	for i, e := range entries {
		assert.Equal(t, sortedKeys[i], e.Key)
	}

	// delete half, re-check size and ordering invariants
	rand.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
	toDelete := keys[:250]
	for _, k := range toDelete {
		assert.True(t, tr.Delete(k))
	}
	assert.Equal(t, 250, tr.Size())

	remaining := tr.Entries()
	assert.Len(t, remaining, 250)
	for i := 1; i < len(remaining); i++ {
		assert.True(t, compareUUID(remaining[i-1].Key, remaining[i].Key) < 0)
	}
}

func TestClear(t *testing.T) {
	tr := New[int]()
	for i := 0; i < 10; i++ {
		tr.Set(uuid.New(), i)
	}
	require.Equal(t, 10, tr.Size())
	tr.Clear()
	assert.Equal(t, 0, tr.Size())
	assert.Empty(t, tr.Entries())
}

func TestRootCollapseAfterDeletes(t *testing.T) {
	tr := NewOrder[int](4)
	var keys []uuid.UUID
	for i := 0; i < 40; i++ {
		k := uuid.New()
		keys = append(keys, k)
		tr.Set(k, i)
	}
	for _, k := range keys {
		tr.Delete(k)
	}
	assert.Equal(t, 0, tr.Size())
	assert.True(t, tr.root.leaf, "root should collapse back to a leaf once empty")
}
