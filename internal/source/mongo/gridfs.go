package mongo

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdc2es/internal/types"
)

// GridFS loads whole objects from a bucket. It serves the assembler when a
// change touches an object it no longer tracks.
type GridFS struct {
	bucket *gridfs.Bucket
	files  *mongo.Collection
	logger *zap.Logger
}

func (s *Source) GridFS(database, name string) (*GridFS, error) {
	db := s.client.Database(database)
	bucket, err := gridfs.NewBucket(db, options.GridFSBucket().SetName(name))
	if err != nil {
		return nil, fmt.Errorf("open gridfs bucket %s.%s: %w", database, name, err)
	}
	return &GridFS{bucket: bucket, files: db.Collection(name + ".files"), logger: s.logger}, nil
}

// fileID reverses the hex rendering applied to ObjectIDs in log entries.
func fileID(id string) any {
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		return oid
	}
	return id
}

// FetchObject returns nil when the object no longer exists.
func (g *GridFS) FetchObject(ctx context.Context, id string) (*types.AssembledObject, error) {
	fid := fileID(id)
	var meta bson.M
	err := g.files.FindOne(ctx, bson.M{"_id": fid}).Decode(&meta)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		g.bucket.SetReadDeadline(deadline)
	}
	var buf bytes.Buffer
	if _, err := g.bucket.DownloadToStream(fid, &buf); err != nil {
		if errors.Is(err, gridfs.ErrFileNotFound) {
			return nil, nil
		}
		return nil, classify(err)
	}

	doc := normalizeDocument(meta)
	obj := &types.AssembledObject{
		ID:       id,
		Metadata: doc,
		Content:  buf.Bytes(),
		Length:   int64(buf.Len()),
	}
	obj.Filename, _ = doc["filename"].(string)
	obj.ContentType, _ = doc["contentType"].(string)
	g.logger.Debug("Fetched GridFS object", zap.String("id", id), zap.Int64("length", obj.Length))
	return obj, nil
}
