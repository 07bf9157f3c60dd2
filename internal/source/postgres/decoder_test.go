package postgres

import (
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mehmetymw/cdc2es/internal/types"
)

func relation() *pglogrepl.RelationMessage {
	return &pglogrepl.RelationMessage{
		RelationID:   16384,
		Namespace:    "public",
		RelationName: "people",
		Columns: []*pglogrepl.RelationMessageColumn{
			{Name: "id", DataType: pgtype.Int4OID},
			{Name: "name", DataType: pgtype.TextOID},
			{Name: "bio", DataType: pgtype.TextOID},
		},
	}
}

func text(s string) *pglogrepl.TupleDataColumn {
	return &pglogrepl.TupleDataColumn{DataType: pglogrepl.TupleDataTypeText, Length: uint32(len(s)), Data: []byte(s)}
}

func tuple(cols ...*pglogrepl.TupleDataColumn) *pglogrepl.TupleData {
	return &pglogrepl.TupleData{ColumnNum: uint16(len(cols)), Columns: cols}
}

func feed(t *testing.T, d *decoder, msgs ...pglogrepl.Message) []types.LogEntry {
	t.Helper()
	var out []types.LogEntry
	for _, m := range msgs {
		entries, err := d.handle(m)
		require.NoError(t, err)
		out = append(out, entries...)
	}
	return out
}

func TestDecoderEmitsOnCommit(t *testing.T) {
	d := newDecoder("id")
	entries := feed(t, d,
		&pglogrepl.BeginMessage{Xid: 7},
		relation(),
		&pglogrepl.InsertMessage{RelationID: 16384, Tuple: tuple(text("1"), text("Richard"), &pglogrepl.TupleDataColumn{DataType: pglogrepl.TupleDataTypeNull})},
		&pglogrepl.UpdateMessage{RelationID: 16384, NewTuple: tuple(text("1"), text("Rick"), &pglogrepl.TupleDataColumn{DataType: pglogrepl.TupleDataTypeToast})},
	)
	assert.Empty(t, entries, "nothing is emitted before commit")

	entries = feed(t, d, &pglogrepl.CommitMessage{CommitLSN: pglogrepl.LSN(0x16B3748)})
	require.Len(t, entries, 2)

	ns := types.Namespace{Database: "public", Collection: "people"}
	assert.Equal(t, ns, entries[0].Namespace)
	assert.Equal(t, types.EntryInsert, entries[0].Kind)
	assert.Equal(t, int32(1), entries[0].DocumentID)
	assert.Equal(t, types.Document{"id": int32(1), "name": "Richard", "bio": nil}, entries[0].Payload)

	assert.Equal(t, types.EntryUpdate, entries[1].Kind)
	assert.NotContains(t, entries[1].Payload, "bio", "unchanged toast values are not sent")
	assert.True(t, entries[1].Position.After(entries[0].Position))
	assert.Equal(t, pglogrepl.LSN(0x16B3748), positionLSN(entries[1].Position))
}

func TestDecoderDeleteAndTruncate(t *testing.T) {
	d := newDecoder("id")
	entries := feed(t, d,
		relation(),
		&pglogrepl.BeginMessage{},
		&pglogrepl.DeleteMessage{RelationID: 16384, OldTupleType: pglogrepl.UpdateMessageTupleTypeKey, OldTuple: tuple(text("1"))},
		&pglogrepl.TruncateMessage{RelationNum: 1, RelationIDs: []uint32{16384}},
		&pglogrepl.CommitMessage{CommitLSN: 100},
	)
	require.Len(t, entries, 2)
	assert.Equal(t, types.EntryDelete, entries[0].Kind)
	assert.Nil(t, entries[0].Payload)
	assert.Equal(t, types.EntryDropCollection, entries[1].Kind)
	assert.Equal(t, "people", entries[1].Namespace.Collection)
}

func TestDecoderRejectsRowWithoutID(t *testing.T) {
	d := newDecoder("uuid")
	feed(t, d, relation())
	_, err := d.handle(&pglogrepl.InsertMessage{RelationID: 16384, Tuple: tuple(text("1"), text("x"), text("y"))})
	assert.Error(t, err)

	_, err = d.handle(&pglogrepl.InsertMessage{RelationID: 99, Tuple: tuple(text("1"))})
	assert.ErrorContains(t, err, "unknown relation")
}

func TestPositionsOrderAcrossTransactions(t *testing.T) {
	last := lsnPosition(100, 40000)
	next := lsnPosition(101, 0)
	assert.True(t, next.After(last))
	assert.True(t, headPosition(100).After(last))
	assert.False(t, headPosition(100).After(lsnPosition(100, 1<<16-1)))
	assert.Equal(t, pglogrepl.LSN(100), positionLSN(headPosition(100)))
}

func TestAcknowledgeIsMonotonic(t *testing.T) {
	s := &Source{}
	s.Acknowledge(lsnPosition(200, 3))
	s.Acknowledge(lsnPosition(150, 0))
	assert.Equal(t, uint64(200), s.acked.Load())
}

func TestNamespace(t *testing.T) {
	assert.Equal(t, types.Namespace{Database: "public", Collection: "people"}, Namespace("people"))
	assert.Equal(t, types.Namespace{Database: "crm", Collection: "people"}, Namespace("crm.people"))
}
