// Package mongo reads a MongoDB replica set oplog and serves GridFS objects
// for the attachment assembler.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdc2es/internal/config"
	"github.com/mehmetymw/cdc2es/internal/tailer"
	"github.com/mehmetymw/cdc2es/internal/types"
)

// lookupFunc loads the current version of a document, returning nil when
// it no longer exists.
type lookupFunc func(ctx context.Context, ns types.Namespace, id any) (bson.Raw, error)

type Source struct {
	client *mongo.Client
	oplog  *mongo.Collection
	logger *zap.Logger
	lookup lookupFunc
}

func Connect(ctx context.Context, cfg config.MongoSource, logger *zap.Logger) (*Source, error) {
	logger.Info("Connecting to MongoDB",
		zap.String("database", cfg.Database),
		zap.String("collection", cfg.Collection),
		zap.Bool("gridfs", cfg.GridFS))

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", classify(err))
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", classify(err))
	}
	s := &Source{
		client: client,
		oplog:  client.Database("local").Collection("oplog.rs"),
		logger: logger,
	}
	s.lookup = s.findByID
	logger.Info("Connected to MongoDB")
	return s, nil
}

func (s *Source) Close(ctx context.Context) error {
	s.logger.Info("Disconnecting from MongoDB")
	return s.client.Disconnect(ctx)
}

func (s *Source) findByID(ctx context.Context, ns types.Namespace, id any) (bson.Raw, error) {
	raw, err := s.client.Database(ns.Database).Collection(ns.Collection).
		FindOne(ctx, bson.M{"_id": id}).Raw()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return raw, nil
}

func (s *Source) boundary(ctx context.Context, dir int) (types.Position, error) {
	var e oplogEntry
	err := s.oplog.FindOne(ctx, bson.M{}, options.FindOne().
		SetSort(bson.D{{Key: "$natural", Value: dir}}).
		SetProjection(bson.M{"ts": 1})).Decode(&e)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return types.Position{}, nil
	}
	if err != nil {
		return types.Position{}, classify(err)
	}
	return fromTimestamp(e.Timestamp), nil
}

// Head returns the timestamp of the newest oplog entry.
func (s *Source) Head(ctx context.Context) (types.Position, error) {
	return s.boundary(ctx, -1)
}

// Open starts a tailable cursor over oplog entries after from. The oldest
// retained entry is checked first so a truncated checkpoint is reported
// instead of silently skipping history.
func (s *Source) Open(ctx context.Context, from types.Position, namespaces []types.Namespace) (tailer.Cursor, error) {
	if !from.IsZero() {
		oldest, err := s.boundary(ctx, 1)
		if err != nil {
			return nil, err
		}
		if oldest.After(from) {
			return nil, fmt.Errorf("resume position %s is older than oplog start %s: %w", from, oldest, types.ErrCheckpointStale)
		}
	}

	opts := options.Find().
		SetCursorType(options.TailableAwait).
		SetMaxAwaitTime(time.Second).
		SetNoCursorTimeout(true)
	cur, err := s.oplog.Find(ctx, oplogFilter(from, namespaces), opts)
	if err != nil {
		return nil, classify(err)
	}
	s.logger.Debug("Oplog cursor opened",
		zap.Stringer("after", from),
		zap.Strings("namespaces", oplogNamespaces(namespaces)))
	return &cursor{src: s, cur: cur}, nil
}

type cursor struct {
	src *Source
	cur *mongo.Cursor
}

func (c *cursor) Next(ctx context.Context) (types.LogEntry, error) {
	for {
		if c.cur.Next(ctx) {
			var raw oplogEntry
			if err := c.cur.Decode(&raw); err != nil {
				return types.LogEntry{}, fmt.Errorf("decode oplog entry: %w", err)
			}
			e, ok, err := c.src.convert(ctx, raw)
			if err != nil {
				return types.LogEntry{}, err
			}
			if ok {
				return e, nil
			}
			continue
		}
		if err := c.cur.Err(); err != nil {
			return types.LogEntry{}, classify(err)
		}
		if c.cur.ID() == 0 {
			return types.LogEntry{}, fmt.Errorf("oplog cursor exhausted: %w", types.ErrTransientConnectivity)
		}
	}
}

func (c *cursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

// convert turns an oplog entry into a log entry. Updates carry only a
// modifier document, so the current document is loaded by id; an update to
// a document that is already gone becomes a delete. Commands other than
// drop and dropDatabase are reported as not ok.
func (s *Source) convert(ctx context.Context, raw oplogEntry) (types.LogEntry, bool, error) {
	e := types.LogEntry{
		Position:  fromTimestamp(raw.Timestamp),
		Namespace: splitNamespace(raw.Namespace),
	}
	o, err := decodeDocument(raw.Object)
	if err != nil {
		return e, false, fmt.Errorf("decode oplog o at %s: %w", e.Position, err)
	}

	switch raw.Op {
	case "i":
		e.Kind = types.EntryInsert
		e.DocumentID = normalize(o["_id"])
		e.Payload = normalizeDocument(o)
	case "d":
		e.Kind = types.EntryDelete
		e.DocumentID = normalize(o["_id"])
	case "u":
		o2, err := decodeDocument(raw.Object2)
		if err != nil {
			return e, false, fmt.Errorf("decode oplog o2 at %s: %w", e.Position, err)
		}
		id := o2["_id"]
		e.DocumentID = normalize(id)
		current, err := s.lookup(ctx, e.Namespace, id)
		if err != nil {
			return e, false, err
		}
		if current == nil {
			s.logger.Debug("Updated document no longer exists, treating as delete",
				zap.String("namespace", e.Namespace.String()),
				zap.Any("id", e.DocumentID))
			e.Kind = types.EntryDelete
			return e, true, nil
		}
		doc, err := decodeDocument(current)
		if err != nil {
			return e, false, fmt.Errorf("decode document %v: %w", e.DocumentID, err)
		}
		e.Kind = types.EntryUpdate
		e.Payload = normalizeDocument(doc)
	case "c":
		if coll, ok := o["drop"].(string); ok {
			e.Kind = types.EntryDropCollection
			e.Namespace.Collection = coll
			return e, true, nil
		}
		if _, ok := o["dropDatabase"]; ok {
			e.Kind = types.EntryDropDatabase
			e.Namespace.Collection = ""
			return e, true, nil
		}
		return e, false, nil
	default:
		return e, false, nil
	}
	return e, true, nil
}

var _ tailer.Driver = (*Source)(nil)
