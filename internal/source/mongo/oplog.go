package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/mehmetymw/cdc2es/internal/types"
)

// oplogEntry is the subset of a local.oplog.rs document the source reads.
type oplogEntry struct {
	Timestamp primitive.Timestamp `bson:"ts"`
	Op        string              `bson:"op"`
	Namespace string              `bson:"ns"`
	Object    bson.Raw            `bson:"o"`
	Object2   bson.Raw            `bson:"o2,omitempty"`
}

const (
	codeUnauthorized       = 13
	codeAuthFailed         = 18
	codeCappedPositionLost = 136
)

func toTimestamp(p types.Position) primitive.Timestamp {
	return primitive.Timestamp{T: p.T, I: p.I}
}

func fromTimestamp(ts primitive.Timestamp) types.Position {
	return types.Position{T: ts.T, I: ts.I}
}

func splitNamespace(ns string) types.Namespace {
	db, coll, _ := strings.Cut(ns, ".")
	return types.Namespace{Database: db, Collection: coll}
}

// oplogNamespaces lists the ns values an oplog query must match: the
// collections themselves and the command namespace of their databases.
func oplogNamespaces(namespaces []types.Namespace) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, ns := range namespaces {
		add(ns.Database + "." + ns.Collection)
		add(ns.Database + ".$cmd")
	}
	return out
}

func oplogFilter(from types.Position, namespaces []types.Namespace) bson.M {
	filter := bson.M{
		"ns": bson.M{"$in": oplogNamespaces(namespaces)},
		"op": bson.M{"$in": bson.A{"i", "u", "d", "c"}},
	}
	if !from.IsZero() {
		filter["ts"] = bson.M{"$gt": toTimestamp(from)}
	}
	return filter
}

func decodeDocument(raw bson.Raw) (bson.M, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m bson.M
	if err := bson.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// normalize converts driver values into plain Go values that encode
// naturally as JSON.
func normalize(v any) any {
	switch x := v.(type) {
	case primitive.ObjectID:
		return x.Hex()
	case primitive.DateTime:
		return x.Time().UTC()
	case primitive.Timestamp:
		return time.Unix(int64(x.T), 0).UTC()
	case primitive.Binary:
		return x.Data
	case primitive.Decimal128:
		return x.String()
	case primitive.Regex:
		return x.Pattern
	case primitive.JavaScript:
		return string(x)
	case primitive.Symbol:
		return string(x)
	case primitive.Null, primitive.Undefined, primitive.MinKey, primitive.MaxKey:
		return nil
	case primitive.M:
		return normalizeDocument(x)
	case map[string]any:
		return normalizeDocument(x)
	case primitive.D:
		out := make(types.Document, len(x))
		for _, e := range x {
			out[e.Key] = normalize(e.Value)
		}
		return out
	case primitive.A:
		return normalizeSlice(x)
	case []any:
		return normalizeSlice(x)
	}
	return v
}

func normalizeDocument(m map[string]any) types.Document {
	if m == nil {
		return nil
	}
	out := make(types.Document, len(m))
	for k, v := range m {
		out[k] = normalize(v)
	}
	return out
}

func normalizeSlice(a []any) []any {
	out := make([]any, len(a))
	for i, v := range a {
		out[i] = normalize(v)
	}
	return out
}

// classify maps driver errors onto the error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var se mongo.ServerError
	if errors.As(err, &se) {
		switch {
		case se.HasErrorCode(codeCappedPositionLost):
			return fmt.Errorf("%w: %v", types.ErrCheckpointStale, err)
		case se.HasErrorCode(codeAuthFailed), se.HasErrorCode(codeUnauthorized):
			return fmt.Errorf("%w: %v", types.ErrAuthentication, err)
		}
	}
	if strings.Contains(err.Error(), "AuthenticationFailed") || strings.Contains(err.Error(), "auth error") {
		return fmt.Errorf("%w: %v", types.ErrAuthentication, err)
	}
	return fmt.Errorf("%w: %v", types.ErrTransientConnectivity, err)
}
