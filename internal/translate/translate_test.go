package translate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdc2es/internal/types"
)

var person = types.Namespace{Database: "testriver", Collection: "person"}

func newTranslator(opts Options) *Translator {
	if opts.Index == "" {
		opts.Index = "personindex"
	}
	return New(opts, DefaultRegistry(), zap.NewNop())
}

func TestInsertBecomesCreatedUpsert(t *testing.T) {
	tr := newTranslator(Options{})
	op, ok := tr.Entry(types.LogEntry{
		Namespace:  person,
		Kind:       types.EntryInsert,
		DocumentID: "5f1d7c",
		Payload:    types.Document{"_id": "5f1d7c", "name": "Richard", "score": 61},
	})
	require.True(t, ok)
	assert.Equal(t, types.IndexOperation{
		Index:      "personindex",
		DocumentID: "5f1d7c",
		Kind:       types.OpUpsert,
		Body:       types.Document{"name": "Richard", "score": 61},
		Created:    true,
	}, op)
}

func TestUpdateRespectsFieldProjection(t *testing.T) {
	tr := newTranslator(Options{ExcludeFields: []string{"score"}})
	op, ok := tr.Entry(types.LogEntry{
		Kind:       types.EntryUpdate,
		DocumentID: int64(7),
		Payload:    types.Document{"_id": int64(7), "name": "Richard", "score": 61},
	})
	require.True(t, ok)
	assert.Equal(t, "7", op.DocumentID)
	assert.False(t, op.Created)
	assert.Equal(t, types.Document{"name": "Richard"}, op.Body)
}

func TestDeleteAndDrops(t *testing.T) {
	tr := newTranslator(Options{})

	op, ok := tr.Entry(types.LogEntry{Kind: types.EntryDelete, DocumentID: "a"})
	require.True(t, ok)
	assert.Equal(t, types.IndexOperation{Index: "personindex", DocumentID: "a", Kind: types.OpDelete}, op)

	for _, k := range []types.EntryKind{types.EntryDropCollection, types.EntryDropDatabase} {
		op, ok = tr.Entry(types.LogEntry{Kind: k})
		require.True(t, ok)
		assert.Equal(t, types.OpDeleteByQuery, op.Kind)
		assert.Equal(t, "personindex", op.Index)
	}
}

func TestEntryWithoutIDOrPayloadIsSkipped(t *testing.T) {
	tr := newTranslator(Options{})
	_, ok := tr.Entry(types.LogEntry{Kind: types.EntryInsert, Payload: types.Document{"a": 1}})
	assert.False(t, ok)
	_, ok = tr.Entry(types.LogEntry{Kind: types.EntryUpdate, DocumentID: "x"})
	assert.False(t, ok)
}

func TestObjectCarriesExtractedContent(t *testing.T) {
	tr := newTranslator(Options{Index: "gridfsindex"})
	obj := &types.AssembledObject{
		ID:          "f1",
		Filename:    "test-attachment.html",
		ContentType: "text/html",
		Length:      64,
		Metadata:    types.Document{"_id": "f1", "md5": "abc", "chunkSize": int32(261120)},
		Content:     []byte("<html><head><style>p{}</style></head><body><p>Aliquam erat volutpat.</p></body></html>"),
		Created:     true,
	}
	op := tr.Object("f1", obj)
	assert.Equal(t, types.OpUpsert, op.Kind)
	assert.Equal(t, "gridfsindex", op.Index)
	assert.True(t, op.Created)
	assert.Equal(t, "Aliquam erat volutpat.", op.Body["content"])
	assert.Equal(t, "test-attachment.html", op.Body["filename"])
	assert.Equal(t, "abc", op.Body["md5"])
	assert.NotContains(t, op.Body, "_id")
}

func TestObjectExtractionFailureKeepsMetadata(t *testing.T) {
	failing := ExtractorFunc(func(string, []byte) (string, error) { return "", errors.New("boom") })
	tr := New(Options{Index: "i"}, failing, zap.NewNop())
	op := tr.Object("f1", &types.AssembledObject{Filename: "a.pdf", ContentType: "application/pdf", Length: 3})
	assert.Equal(t, types.OpUpsert, op.Kind)
	assert.Equal(t, "a.pdf", op.Body["filename"])
	assert.NotContains(t, op.Body, "content")
}

func TestObjectDeletion(t *testing.T) {
	tr := newTranslator(Options{})
	assert.Equal(t, types.IndexOperation{Index: "personindex", DocumentID: "f1", Kind: types.OpDelete}, tr.Object("f1", nil))
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()

	text, err := r.Extract("text/html; charset=utf-8", []byte("<p>Hello <b>world</b></p><script>var x</script>"))
	require.NoError(t, err)
	assert.Equal(t, "Hello world", text)

	text, err = r.Extract("", []byte("plain words"))
	require.NoError(t, err)
	assert.Equal(t, "plain words", text)

	_, err = r.Extract("application/pdf", []byte("%PDF"))
	assert.ErrorIs(t, err, ErrUnsupportedContent)
}
