// Package tailertest provides an in-memory replication log implementing
// tailer.Driver.
package tailertest

import (
	"context"
	"sync"

	"github.com/mehmetymw/cdc2es/internal/tailer"
	"github.com/mehmetymw/cdc2es/internal/types"
)

const baseTime = 1700000000

// Log is an append-only replication log. Its cursors do not filter by
// namespace, leaving that to the tailer.
type Log struct {
	mu       sync.Mutex
	entries  []types.LogEntry
	floor    types.Position
	seq      uint32
	changed  chan struct{}
	openErrs []error
	breakErr error
	opens    int
}

func NewLog() *Log {
	return &Log{changed: make(chan struct{})}
}

func (l *Log) notify() {
	close(l.changed)
	l.changed = make(chan struct{})
}

// Append adds an entry and returns its position.
func (l *Log) Append(ns types.Namespace, kind types.EntryKind, id any, payload types.Document) types.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	pos := types.Position{T: baseTime, I: l.seq}
	l.entries = append(l.entries, types.LogEntry{
		Position:   pos,
		Namespace:  ns,
		Kind:       kind,
		DocumentID: id,
		Payload:    payload,
	})
	l.notify()
	return pos
}

// Truncate discards every entry up to and including pos.
func (l *Log) Truncate(pos types.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.entries[:0]
	for _, e := range l.entries {
		if e.Position.After(pos) {
			kept = append(kept, e)
		}
	}
	l.entries = kept
	l.floor = pos
}

// FailOpens makes the next len(errs) Open calls fail with errs in order.
func (l *Log) FailOpens(errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.openErrs = append(l.openErrs, errs...)
}

// BreakCursors makes the next cursor read fail with err.
func (l *Log) BreakCursors(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.breakErr = err
	l.notify()
}

func (l *Log) Opens() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opens
}

func (l *Log) Head(context.Context) (types.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return l.floor, nil
	}
	return l.entries[len(l.entries)-1].Position, nil
}

func (l *Log) Open(_ context.Context, from types.Position, _ []types.Namespace) (tailer.Cursor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opens++
	if len(l.openErrs) > 0 {
		err := l.openErrs[0]
		l.openErrs = l.openErrs[1:]
		return nil, err
	}
	if l.floor.After(from) {
		return nil, types.ErrCheckpointStale
	}
	return &cursor{log: l, last: from}, nil
}

type cursor struct {
	log  *Log
	last types.Position
}

func (c *cursor) Next(ctx context.Context) (types.LogEntry, error) {
	for {
		c.log.mu.Lock()
		if err := c.log.breakErr; err != nil {
			c.log.breakErr = nil
			c.log.mu.Unlock()
			return types.LogEntry{}, err
		}
		for _, e := range c.log.entries {
			if e.Position.After(c.last) {
				c.last = e.Position
				c.log.mu.Unlock()
				return e, nil
			}
		}
		changed := c.log.changed
		c.log.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return types.LogEntry{}, ctx.Err()
		}
	}
}

func (c *cursor) Close(context.Context) error { return nil }
