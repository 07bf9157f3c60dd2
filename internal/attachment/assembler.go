// Package attachment reassembles GridFS objects from the replication log of
// a bucket's files and chunks collections.
//
// Every object id seen in either collection gets a partial record in an
// arena. The record is complete once its metadata is known and the chunks
// observed so far are contiguous from 0 and add up to the declared length.
// A complete object is emitted once and retired. Deleting the metadata or
// any chunk emits a deletion for the whole object.
//
// An Assembler is not safe for concurrent use.
package attachment

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/mehmetymw/cdc2es/internal/metrics"
	"github.com/mehmetymw/cdc2es/internal/types"
	"github.com/mehmetymw/cdc2es/internal/util"
)

// Fetcher loads a stored object in full. It is consulted when an already
// emitted object changes, since its content is no longer tracked. A nil
// object with a nil error means the object does not exist.
type Fetcher interface {
	FetchObject(ctx context.Context, id string) (*types.AssembledObject, error)
}

type Limits struct {
	MaxPending     int
	MaxObjectBytes int64
	MaxChunks      int
	ChunkIndexSize int
}

// Bucket names the two collections of a GridFS bucket.
type Bucket struct {
	Files  types.Namespace
	Chunks types.Namespace
}

func BucketOf(database, name string) Bucket {
	return Bucket{
		Files:  types.Namespace{Database: database, Collection: name + ".files"},
		Chunks: types.Namespace{Database: database, Collection: name + ".chunks"},
	}
}

func (b Bucket) Namespaces() []types.Namespace {
	return []types.Namespace{b.Files, b.Chunks}
}

// Result is emitted by Apply. Object is nil when ID was deleted. Drop is set
// instead when a bucket collection or its database was dropped.
type Result struct {
	ID     string
	Object *types.AssembledObject
	Drop   *types.LogEntry
}

type chunk struct {
	id   string
	data []byte
}

type partial struct {
	id      string
	meta    types.Document
	hasMeta bool
	created bool
	length  int64
	chunks  map[int]chunk
	bytes   int64
	origin  types.Position
	before  types.Position
	seq     uint64
}

type Assembler struct {
	bucket  Bucket
	limits  Limits
	fetcher Fetcher
	logger  *zap.Logger
	metrics *metrics.Metrics

	pending map[string]*partial
	// chunk id -> object id, for chunk deletes that only carry the chunk id
	chunkIndex *boundedIndex
	// objects dropped for exceeding limits; late chunks for them are ignored
	dropped *boundedIndex
	last    types.Position
	seq     uint64
}

// New returns an assembler whose log position starts at start.
func New(bucket Bucket, limits Limits, fetcher Fetcher, start types.Position, logger *zap.Logger, m *metrics.Metrics) *Assembler {
	if limits.MaxPending <= 0 {
		limits.MaxPending = 1000
	}
	if limits.ChunkIndexSize <= 0 {
		limits.ChunkIndexSize = 100000
	}
	return &Assembler{
		bucket:     bucket,
		limits:     limits,
		fetcher:    fetcher,
		logger:     logger,
		metrics:    m,
		pending:    make(map[string]*partial),
		chunkIndex: newBoundedIndex(limits.ChunkIndexSize),
		dropped:    newBoundedIndex(limits.MaxPending),
		last:       start,
	}
}

func (a *Assembler) Pending() int { return len(a.pending) }

// SafePosition is the newest position a checkpoint may cover without losing
// entries of partially assembled objects: the position read just before the
// first entry of the oldest pending object, or the last position read.
func (a *Assembler) SafePosition() types.Position {
	safe := a.last
	for _, p := range a.pending {
		if safe.After(p.before) {
			safe = p.before
		}
	}
	return safe
}

// Apply folds one entry of the bucket into the arena.
func (a *Assembler) Apply(ctx context.Context, e types.LogEntry) []Result {
	defer func() {
		a.last = types.MaxPosition(a.last, e.Position)
		a.metrics.Tracked(len(a.pending))
	}()

	if e.Kind == types.EntryDropCollection || e.Kind == types.EntryDropDatabase {
		a.logger.Info("GridFS bucket dropped, forgetting tracked objects",
			zap.String("namespace", e.Namespace.String()),
			zap.Int("pending", len(a.pending)))
		a.pending = make(map[string]*partial)
		a.chunkIndex.reset()
		a.dropped.reset()
		drop := e
		return []Result{{Drop: &drop}}
	}

	switch e.Namespace {
	case a.bucket.Files:
		return a.applyFile(ctx, e)
	case a.bucket.Chunks:
		return a.applyChunk(ctx, e)
	}
	a.logger.Warn("Entry outside GridFS bucket ignored", zap.String("namespace", e.Namespace.String()))
	return nil
}

func (a *Assembler) applyFile(ctx context.Context, e types.LogEntry) []Result {
	id := util.ToString(e.DocumentID)
	if e.Kind == types.EntryDelete {
		return a.deleted(id)
	}
	if _, ok := a.dropped.get(id); ok {
		return nil
	}
	if e.Payload == nil {
		a.logger.Warn("GridFS file entry without document", zap.String("id", id), zap.Stringer("kind", e.Kind))
		return nil
	}
	p, tracked := a.pending[id]
	if !tracked && e.Kind == types.EntryUpdate {
		return a.refetch(ctx, id, e.Position)
	}
	if !tracked {
		p = a.track(id, e.Position)
	}
	if !p.hasMeta {
		p.created = e.Kind == types.EntryInsert
	}
	p.meta = e.Payload
	p.hasMeta = true
	p.length = toInt64(e.Payload["length"])
	if a.limits.MaxObjectBytes > 0 && p.length > a.limits.MaxObjectBytes {
		a.overflow(p, fmt.Sprintf("declared length %d exceeds %d bytes", p.length, a.limits.MaxObjectBytes))
		return nil
	}
	return a.complete(p)
}

func (a *Assembler) applyChunk(ctx context.Context, e types.LogEntry) []Result {
	chunkID := util.ToString(e.DocumentID)
	if e.Kind == types.EntryDelete {
		fileID := ""
		if e.Payload != nil {
			fileID = util.ToString(e.Payload["files_id"])
		}
		if fileID == "" {
			fileID, _ = a.chunkIndex.get(chunkID)
		}
		a.chunkIndex.remove(chunkID)
		if fileID == "" {
			a.logger.Warn("Delete of untracked GridFS chunk ignored", zap.String("chunk_id", chunkID))
			return nil
		}
		return a.deleted(fileID)
	}

	if e.Payload == nil {
		a.logger.Warn("GridFS chunk entry without document", zap.String("chunk_id", chunkID))
		return nil
	}
	fileID := util.ToString(e.Payload["files_id"])
	if fileID == "" {
		a.logger.Warn("GridFS chunk without files_id ignored", zap.String("chunk_id", chunkID))
		return nil
	}
	if _, ok := a.dropped.get(fileID); ok {
		return nil
	}
	a.chunkIndex.put(chunkID, fileID)

	p, tracked := a.pending[fileID]
	if !tracked && e.Kind == types.EntryUpdate {
		return a.refetch(ctx, fileID, e.Position)
	}
	if !tracked {
		p = a.track(fileID, e.Position)
	}
	n := int(toInt64(e.Payload["n"]))
	data, _ := e.Payload["data"].([]byte)
	if old, ok := p.chunks[n]; ok {
		p.bytes -= int64(len(old.data))
	}
	p.chunks[n] = chunk{id: chunkID, data: data}
	p.bytes += int64(len(data))

	switch {
	case a.limits.MaxChunks > 0 && len(p.chunks) > a.limits.MaxChunks:
		a.overflow(p, fmt.Sprintf("more than %d chunks", a.limits.MaxChunks))
		return nil
	case a.limits.MaxObjectBytes > 0 && p.bytes > a.limits.MaxObjectBytes:
		a.overflow(p, fmt.Sprintf("more than %d bytes", a.limits.MaxObjectBytes))
		return nil
	}
	return a.complete(p)
}

func (a *Assembler) track(id string, pos types.Position) *partial {
	if len(a.pending) >= a.limits.MaxPending {
		var oldest *partial
		for _, p := range a.pending {
			if oldest == nil || p.seq < oldest.seq {
				oldest = p
			}
		}
		a.overflow(oldest, fmt.Sprintf("more than %d objects pending", a.limits.MaxPending))
	}
	a.seq++
	p := &partial{
		id:     id,
		chunks: make(map[int]chunk),
		origin: pos,
		before: a.last,
		seq:    a.seq,
	}
	a.pending[id] = p
	return p
}

func (a *Assembler) overflow(p *partial, reason string) {
	a.logger.Warn("GridFS object dropped",
		zap.String("id", p.id),
		zap.String("reason", reason),
		zap.Int("chunks", len(p.chunks)),
		zap.Int64("bytes", p.bytes),
		zap.Error(types.ErrAttachmentOverflow))
	a.metrics.Overflow()
	delete(a.pending, p.id)
	a.dropped.put(p.id, p.id)
}

func (a *Assembler) deleted(id string) []Result {
	if _, ok := a.pending[id]; ok {
		a.logger.Debug("Pending GridFS object deleted", zap.String("id", id))
		delete(a.pending, id)
	}
	a.dropped.remove(id)
	return []Result{{ID: id}}
}

func (a *Assembler) complete(p *partial) []Result {
	if !p.hasMeta || p.bytes != p.length {
		return nil
	}
	keys := make([]int, 0, len(p.chunks))
	for n := range p.chunks {
		keys = append(keys, n)
	}
	sort.Ints(keys)
	for i, n := range keys {
		if i != n {
			return nil
		}
	}
	content := make([]byte, 0, p.bytes)
	for _, n := range keys {
		content = append(content, p.chunks[n].data...)
	}
	delete(a.pending, p.id)

	obj := &types.AssembledObject{
		ID:          p.id,
		Filename:    toString(p.meta["filename"]),
		ContentType: toString(p.meta["contentType"]),
		Length:      p.length,
		Metadata:    p.meta,
		Content:     content,
		Created:     p.created,
		Origin:      p.origin,
	}
	a.logger.Debug("GridFS object assembled",
		zap.String("id", p.id),
		zap.String("filename", obj.Filename),
		zap.Int("chunks", len(keys)),
		zap.Int64("length", p.length))
	return []Result{{ID: p.id, Object: obj}}
}

func (a *Assembler) refetch(ctx context.Context, id string, pos types.Position) []Result {
	if a.fetcher == nil {
		a.logger.Warn("Change to an emitted GridFS object cannot be reindexed without a fetcher", zap.String("id", id))
		return nil
	}
	obj, err := a.fetcher.FetchObject(ctx, id)
	if err != nil {
		a.logger.Warn("Fetching changed GridFS object failed", zap.String("id", id), zap.Error(err))
		return nil
	}
	if obj == nil {
		return a.deleted(id)
	}
	obj.Origin = pos
	return []Result{{ID: id, Object: obj}}
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}

func toString(v any) string {
	s, _ := v.(string)
	return s
}
