package pipeline

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mehmetymw/cdc2es/internal/sink/memindex"
	"github.com/mehmetymw/cdc2es/internal/types"
)

const index = "personindex"

func pos(i uint32) types.Position { return types.Position{T: 500, I: i} }

func upsert(i uint32, id, name string, created bool) types.Change {
	return types.Change{Position: pos(i), Op: &types.IndexOperation{
		Index: index, DocumentID: id, Kind: types.OpUpsert,
		Body: types.Document{"name": name}, Created: created,
	}}
}

func del(i uint32, id string) types.Change {
	return types.Change{Position: pos(i), Op: &types.IndexOperation{Index: index, DocumentID: id, Kind: types.OpDelete}}
}

func drop(i uint32) types.Change {
	return types.Change{Position: pos(i), Op: &types.IndexOperation{Index: index, Kind: types.OpDeleteByQuery}}
}

func TestBatchLaterOperationWins(t *testing.T) {
	b := NewBatch(pos(1000))
	b.Add(upsert(1, "a", "Richard", false))
	b.Add(upsert(2, "b", "Alice", false))
	b.Add(upsert(3, "a", "Rick", false))
	b.Add(types.Change{Position: pos(4)})

	ops := b.Ops()
	require.Len(t, ops, 2)
	assert.Equal(t, "a", ops[0].DocumentID)
	assert.Equal(t, "Rick", ops[0].Body["name"])
	assert.Equal(t, "b", ops[1].DocumentID)
	assert.Equal(t, 4, b.Items())
	assert.Equal(t, pos(4), b.HighWater())
}

func TestBatchElidesInsertThenDeleteAfterHorizon(t *testing.T) {
	b := NewBatch(pos(0))
	b.Add(upsert(1, "a", "Richard", true))
	b.Add(upsert(2, "a", "Rick", false))
	b.Add(del(3, "a"))

	assert.Equal(t, 0, b.Len())
	assert.Empty(t, b.Ops())
	assert.Equal(t, pos(3), b.HighWater(), "the checkpoint still covers elided changes")
}

func TestBatchKeepsDeleteWhenInsertMayBeReplayed(t *testing.T) {
	b := NewBatch(pos(10))
	b.Add(upsert(5, "a", "Richard", true))
	b.Add(del(11, "a"))

	ops := b.Ops()
	require.Len(t, ops, 1)
	assert.Equal(t, types.OpDelete, ops[0].Kind)
}

func TestBatchUsesOriginForElision(t *testing.T) {
	b := NewBatch(pos(10))
	c := upsert(12, "f1", "doc", true)
	c.Origin = pos(9)
	b.Add(c)
	b.Add(del(13, "f1"))
	require.Len(t, b.Ops(), 1)
}

func TestBatchMarkAttemptedDisablesElision(t *testing.T) {
	failed := NewBatch(pos(0))
	failed.Add(upsert(1, "a", "Richard", true))
	failed.MarkAttempted()

	newer := NewBatch(pos(0))
	newer.Add(del(2, "a"))
	failed.Merge(newer)

	ops := failed.Ops()
	require.Len(t, ops, 1)
	assert.Equal(t, types.OpDelete, ops[0].Kind)
	assert.Equal(t, pos(2), failed.HighWater())
	assert.Equal(t, 2, failed.Items())
}

func TestBatchDeleteByQueryDiscardsEarlierOperations(t *testing.T) {
	b := NewBatch(pos(1000))
	b.Add(upsert(1, "a", "Richard", false))
	b.Add(upsert(2, "b", "Alice", false))
	b.Add(drop(3))
	b.Add(upsert(4, "c", "Carol", false))
	b.Add(upsert(5, "a", "Again", false))

	ops := b.Ops()
	require.Len(t, ops, 3)
	assert.Equal(t, types.OpDeleteByQuery, ops[0].Kind)
	assert.Equal(t, "c", ops[1].DocumentID)
	assert.Equal(t, "a", ops[2].DocumentID)
	assert.Equal(t, "Again", ops[2].Body["name"])
}

// Applying a coalesced batch leaves the index as if only the last
// operation for each id had been applied, and applying it twice changes
// nothing.
func TestBatchCoalescingLaw(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ctx := context.Background()
	for round := 0; round < 200; round++ {
		idx := memindex.New()
		b := NewBatch(pos(1_000_000))
		var last types.Change
		for i := 0; i < 1+rng.Intn(8); i++ {
			var c types.Change
			if rng.Intn(3) == 0 {
				c = del(uint32(i+1), "doc")
			} else {
				c = upsert(uint32(i+1), "doc", string(rune('a'+rng.Intn(26))), rng.Intn(2) == 0)
			}
			b.Add(c)
			last = c
		}

		_, err := idx.Apply(ctx, b.Ops())
		require.NoError(t, err)
		doc, ok := idx.Get(index, "doc")
		if last.Op.Kind == types.OpDelete {
			assert.False(t, ok, "round %d", round)
		} else {
			require.True(t, ok, "round %d", round)
			assert.Equal(t, last.Op.Body, doc)
		}

		_, err = idx.Apply(ctx, b.Ops())
		require.NoError(t, err)
		again, okAgain := idx.Get(index, "doc")
		assert.Equal(t, ok, okAgain)
		assert.Equal(t, doc, again)
	}
}
