// Package translate maps log entries and assembled GridFS objects to index
// operations. It performs no I/O.
package translate

import (
	"go.uber.org/zap"

	"github.com/mehmetymw/cdc2es/internal/types"
	"github.com/mehmetymw/cdc2es/internal/util"
)

// Fields that only exist in the source and never reach an index body.
var internalFields = []string{"_id"}

type Options struct {
	Index         string
	IncludeFields []string
	ExcludeFields []string
}

type Translator struct {
	opts      Options
	exclude   []string
	extractor Extractor
	logger    *zap.Logger
}

func New(opts Options, extractor Extractor, logger *zap.Logger) *Translator {
	exclude := append(append([]string{}, opts.ExcludeFields...), internalFields...)
	return &Translator{opts: opts, exclude: exclude, extractor: extractor, logger: logger}
}

// Entry translates e. It reports false when e cannot produce an operation,
// which is logged as a warning.
func (t *Translator) Entry(e types.LogEntry) (types.IndexOperation, bool) {
	switch e.Kind {
	case types.EntryDropCollection, types.EntryDropDatabase:
		return types.IndexOperation{Index: t.opts.Index, Kind: types.OpDeleteByQuery}, true
	}

	id := util.ToString(e.DocumentID)
	if id == "" {
		t.logger.Warn("Entry without document id skipped",
			zap.Stringer("position", e.Position),
			zap.Stringer("kind", e.Kind),
			zap.String("namespace", e.Namespace.String()))
		return types.IndexOperation{}, false
	}

	switch e.Kind {
	case types.EntryInsert, types.EntryUpdate:
		if e.Payload == nil {
			t.logger.Warn("Upsert entry without document skipped",
				zap.Stringer("position", e.Position),
				zap.String("id", id))
			return types.IndexOperation{}, false
		}
		return types.IndexOperation{
			Index:      t.opts.Index,
			DocumentID: id,
			Kind:       types.OpUpsert,
			Body:       util.Project(e.Payload, t.opts.IncludeFields, t.exclude),
			Created:    e.Kind == types.EntryInsert,
		}, true
	case types.EntryDelete:
		return types.IndexOperation{Index: t.opts.Index, DocumentID: id, Kind: types.OpDelete}, true
	}
	t.logger.Warn("Unknown entry kind skipped", zap.Stringer("position", e.Position), zap.Int("kind", int(e.Kind)))
	return types.IndexOperation{}, false
}

// Object translates an assembler result. A nil obj deletes id.
func (t *Translator) Object(id string, obj *types.AssembledObject) types.IndexOperation {
	if obj == nil {
		return types.IndexOperation{Index: t.opts.Index, DocumentID: id, Kind: types.OpDelete}
	}
	body := util.Project(obj.Metadata, nil, t.exclude)
	if body == nil {
		body = types.Document{}
	}
	body["filename"] = obj.Filename
	body["contentType"] = obj.ContentType
	body["length"] = obj.Length

	if t.extractor != nil {
		text, err := t.extractor.Extract(obj.ContentType, obj.Content)
		if err != nil {
			t.logger.Warn("Content extraction failed, indexing metadata only",
				zap.String("id", id),
				zap.String("content_type", obj.ContentType),
				zap.Error(err))
		} else {
			body["content"] = text
		}
	}
	return types.IndexOperation{
		Index:      t.opts.Index,
		DocumentID: id,
		Kind:       types.OpUpsert,
		Body:       body,
		Created:    obj.Created,
	}
}
