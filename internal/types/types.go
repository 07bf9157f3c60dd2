package types

import (
	"fmt"
	"time"
)

// Position identifies a point in the source replication log. For MongoDB it
// is the oplog timestamp (seconds, ordinal); for PostgreSQL the high and low
// halves of the LSN.
type Position struct {
	T uint32 `json:"t"`
	I uint32 `json:"i"`
}

func (p Position) IsZero() bool { return p.T == 0 && p.I == 0 }

func (p Position) Compare(o Position) int {
	switch {
	case p.T < o.T:
		return -1
	case p.T > o.T:
		return 1
	case p.I < o.I:
		return -1
	case p.I > o.I:
		return 1
	}
	return 0
}

func (p Position) After(o Position) bool { return p.Compare(o) > 0 }

func (p Position) String() string { return fmt.Sprintf("%d:%d", p.T, p.I) }

// ParsePosition is the inverse of Position.String.
func ParsePosition(s string) (Position, error) {
	var p Position
	if _, err := fmt.Sscanf(s, "%d:%d", &p.T, &p.I); err != nil {
		return Position{}, fmt.Errorf("parse position %q: %w", s, err)
	}
	return p, nil
}

func MaxPosition(a, b Position) Position {
	if a.After(b) {
		return a
	}
	return b
}

type Namespace struct {
	Database   string
	Collection string
}

func (n Namespace) String() string { return n.Database + "." + n.Collection }

type EntryKind int

const (
	EntryInsert EntryKind = iota + 1
	EntryUpdate
	EntryDelete
	EntryDropCollection
	EntryDropDatabase
)

func (k EntryKind) String() string {
	switch k {
	case EntryInsert:
		return "insert"
	case EntryUpdate:
		return "update"
	case EntryDelete:
		return "delete"
	case EntryDropCollection:
		return "drop_collection"
	case EntryDropDatabase:
		return "drop_database"
	}
	return "unknown"
}

// Document is a source document with driver specific values already
// normalised to plain Go types.
type Document = map[string]any

type LogEntry struct {
	Position   Position
	Namespace  Namespace
	Kind       EntryKind
	DocumentID any
	Payload    Document
}

type OpKind int

const (
	OpUpsert OpKind = iota + 1
	OpDelete
	OpDeleteByQuery
)

func (k OpKind) String() string {
	switch k {
	case OpUpsert:
		return "upsert"
	case OpDelete:
		return "delete"
	case OpDeleteByQuery:
		return "delete_by_query"
	}
	return "unknown"
}

type IndexOperation struct {
	Index      string
	DocumentID string
	Kind       OpKind
	Body       Document
	// Created marks an upsert produced by an insert: the document did not
	// exist before this operation.
	Created bool
}

// Change is the unit handed from the pump to the batch writer. Position is
// the checkpoint eligible once the change is flushed; Origin is the log
// position of the earliest entry that contributed to Op. Op may be nil when
// the entry only advances the log.
type Change struct {
	Position Position
	Origin   Position
	Op       *IndexOperation
}

// AssembledObject is a GridFS file whose metadata and every chunk have been
// observed.
type AssembledObject struct {
	ID          string
	Filename    string
	ContentType string
	Length      int64
	Metadata    Document
	Content     []byte
	Created     bool
	Origin      Position
}

type ItemResult struct {
	DocumentID string
	Kind       OpKind
	Status     int
	Err        error
}

type Status struct {
	State        string    `json:"state"`
	Checkpoint   string    `json:"checkpoint"`
	PendingBatch int       `json:"pending_batch"`
	LastFlush    time.Time `json:"last_flush"`
	Error        string    `json:"error,omitempty"`
}
