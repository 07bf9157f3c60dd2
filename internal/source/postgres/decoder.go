package postgres

import (
	"fmt"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/mehmetymw/cdc2es/internal/types"
)

// Positions pack a commit LSN and the ordinal of a change inside its
// transaction: lsn<<16 + ordinal. Every change of a transaction is
// therefore ordered after every change of earlier commits.
const ordinalBits = 16

func lsnPosition(lsn pglogrepl.LSN, ordinal int) types.Position {
	v := uint64(lsn)<<ordinalBits + uint64(ordinal)
	return types.Position{T: uint32(v >> 32), I: uint32(v)}
}

// positionLSN returns the commit LSN a position belongs to.
func positionLSN(p types.Position) pglogrepl.LSN {
	return pglogrepl.LSN((uint64(p.T)<<32 | uint64(p.I)) >> ordinalBits)
}

// headPosition orders after every change committed at or before lsn.
func headPosition(lsn pglogrepl.LSN) types.Position {
	return lsnPosition(lsn, 1<<ordinalBits-1)
}

type change struct {
	ns      types.Namespace
	kind    types.EntryKind
	id      any
	payload types.Document
}

// decoder turns pgoutput messages into log entries. Changes are held until
// their transaction commits so entries carry the commit position.
type decoder struct {
	idColumn  string
	relations map[uint32]*pglogrepl.RelationMessage
	typeMap   *pgtype.Map
	pending   []change
}

func newDecoder(idColumn string) *decoder {
	return &decoder{
		idColumn:  idColumn,
		relations: make(map[uint32]*pglogrepl.RelationMessage),
		typeMap:   pgtype.NewMap(),
	}
}

func (d *decoder) decode(walData []byte) ([]types.LogEntry, error) {
	msg, err := pglogrepl.Parse(walData)
	if err != nil {
		return nil, fmt.Errorf("parse logical replication message: %w", err)
	}
	return d.handle(msg)
}

func (d *decoder) handle(msg pglogrepl.Message) ([]types.LogEntry, error) {
	switch m := msg.(type) {
	case *pglogrepl.BeginMessage:
		d.pending = d.pending[:0]
	case *pglogrepl.RelationMessage:
		d.relations[m.RelationID] = m
	case *pglogrepl.InsertMessage:
		return nil, d.row(m.RelationID, types.EntryInsert, m.Tuple)
	case *pglogrepl.UpdateMessage:
		return nil, d.row(m.RelationID, types.EntryUpdate, m.NewTuple)
	case *pglogrepl.DeleteMessage:
		return nil, d.row(m.RelationID, types.EntryDelete, m.OldTuple)
	case *pglogrepl.TruncateMessage:
		for _, id := range m.RelationIDs {
			rel, ok := d.relations[id]
			if !ok {
				return nil, fmt.Errorf("unknown relation ID %d", id)
			}
			d.pending = append(d.pending, change{ns: namespaceOf(rel), kind: types.EntryDropCollection})
		}
	case *pglogrepl.CommitMessage:
		entries := make([]types.LogEntry, len(d.pending))
		for i, c := range d.pending {
			entries[i] = types.LogEntry{
				Position:   lsnPosition(m.CommitLSN, i),
				Namespace:  c.ns,
				Kind:       c.kind,
				DocumentID: c.id,
				Payload:    c.payload,
			}
		}
		d.pending = d.pending[:0]
		return entries, nil
	}
	return nil, nil
}

func namespaceOf(rel *pglogrepl.RelationMessage) types.Namespace {
	return types.Namespace{Database: rel.Namespace, Collection: rel.RelationName}
}

func (d *decoder) row(relID uint32, kind types.EntryKind, tuple *pglogrepl.TupleData) error {
	rel, ok := d.relations[relID]
	if !ok {
		return fmt.Errorf("unknown relation ID %d", relID)
	}
	values, err := d.decodeTuple(tuple, rel)
	if err != nil {
		return fmt.Errorf("decode %s.%s tuple: %w", rel.Namespace, rel.RelationName, err)
	}
	id, ok := values[d.idColumn]
	if !ok || id == nil {
		return fmt.Errorf("%s.%s row has no %q column; check the replica identity", rel.Namespace, rel.RelationName, d.idColumn)
	}
	c := change{ns: namespaceOf(rel), kind: kind, id: id}
	if kind != types.EntryDelete {
		c.payload = values
	}
	d.pending = append(d.pending, c)
	return nil
}

func (d *decoder) decodeTuple(tuple *pglogrepl.TupleData, rel *pglogrepl.RelationMessage) (types.Document, error) {
	if tuple == nil {
		return nil, nil
	}
	values := make(types.Document, len(tuple.Columns))
	for i, col := range tuple.Columns {
		if i >= len(rel.Columns) {
			break
		}
		name := rel.Columns[i].Name
		switch col.DataType {
		case pglogrepl.TupleDataTypeNull:
			values[name] = nil
		case pglogrepl.TupleDataTypeToast:
			// unchanged toasted value, not sent
			continue
		case pglogrepl.TupleDataTypeText:
			v, err := d.decodeText(col.Data, rel.Columns[i].DataType)
			if err != nil {
				return nil, fmt.Errorf("decode column %s: %w", name, err)
			}
			values[name] = v
		}
	}
	return values, nil
}

func (d *decoder) decodeText(data []byte, oid uint32) (any, error) {
	dt, ok := d.typeMap.TypeForOID(oid)
	if !ok {
		return string(data), nil
	}
	v, err := dt.Codec.DecodeValue(d.typeMap, oid, pgtype.TextFormatCode, data)
	if err != nil {
		return nil, err
	}
	if u, ok := v.([16]byte); ok {
		return fmt.Sprintf("%x-%x-%x-%x-%x", u[0:4], u[4:6], u[6:8], u[8:10], u[10:16]), nil
	}
	return v, nil
}
