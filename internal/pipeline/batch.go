package pipeline

import "github.com/mehmetymw/cdc2es/internal/types"

type slot struct {
	op   types.IndexOperation
	live bool
	// elidable is set while the chain of operations for this id started
	// with an insert newer than the replay horizon, i.e. the document
	// cannot exist in the target yet.
	elidable bool
}

// Batch buffers changes in log order and coalesces operations on the same
// document id so that only the last one is sent. A delete-by-query discards
// every buffered operation for its index.
type Batch struct {
	horizon   types.Position
	slots     []slot
	byID      map[string]int
	live      int
	items     int
	highWater types.Position
}

// NewBatch returns an empty batch. An insert followed by a delete is elided
// entirely when the insert lies after horizon, since no earlier run can
// have applied it.
func NewBatch(horizon types.Position) *Batch {
	return &Batch{horizon: horizon, byID: make(map[string]int)}
}

func key(op types.IndexOperation) string { return op.Index + "\x00" + op.DocumentID }

func (b *Batch) Add(c types.Change) {
	b.items++
	b.highWater = types.MaxPosition(b.highWater, c.Position)
	if c.Op == nil {
		return
	}
	origin := c.Origin
	if origin.IsZero() {
		origin = c.Position
	}
	b.addOp(*c.Op, c.Op.Created && origin.After(b.horizon))
}

func (b *Batch) addOp(op types.IndexOperation, elidable bool) {
	if op.Kind == types.OpDeleteByQuery {
		for i := range b.slots {
			if b.slots[i].live && b.slots[i].op.Index == op.Index {
				b.slots[i].live = false
				b.live--
				delete(b.byID, key(b.slots[i].op))
			}
		}
		b.slots = append(b.slots, slot{op: op, live: true})
		b.live++
		return
	}

	k := key(op)
	if i, ok := b.byID[k]; ok {
		prev := &b.slots[i]
		switch {
		case op.Kind == types.OpDelete && prev.elidable:
			prev.live = false
			b.live--
			delete(b.byID, k)
		case op.Kind == types.OpUpsert:
			prev.op = op
		default:
			prev.op = op
			prev.elidable = false
		}
		return
	}
	b.slots = append(b.slots, slot{op: op, live: true, elidable: elidable})
	b.byID[k] = len(b.slots) - 1
	b.live++
}

// Merge appends the operations of newer, which must follow b in log order.
func (b *Batch) Merge(newer *Batch) {
	for _, s := range newer.slots {
		if s.live {
			b.addOp(s.op, s.elidable)
		}
	}
	b.items += newer.items
	b.highWater = types.MaxPosition(b.highWater, newer.highWater)
}

// Ops returns the coalesced operations. Delete-by-query operations keep
// their place relative to the operations that follow them.
func (b *Batch) Ops() []types.IndexOperation {
	ops := make([]types.IndexOperation, 0, b.live)
	for _, s := range b.slots {
		if s.live {
			ops = append(ops, s.op)
		}
	}
	return ops
}

// Len is the number of coalesced operations.
func (b *Batch) Len() int { return b.live }

// Items is the number of changes added, including coalesced ones and those
// without an operation.
func (b *Batch) Items() int { return b.items }

func (b *Batch) Empty() bool { return b.items == 0 }

// HighWater is the checkpoint covering every change in the batch.
func (b *Batch) HighWater() types.Position { return b.highWater }

// MarkAttempted records that the batch was sent to the target, possibly in
// part, so none of its inserts can be elided any more.
func (b *Batch) MarkAttempted() {
	for i := range b.slots {
		b.slots[i].elidable = false
	}
}
