package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdc2es/internal/config"
	"github.com/mehmetymw/cdc2es/internal/types"
)

const matchAll = `{"query":{"match_all":{}}}`

type Sink struct {
	es     *elasticsearch.Client
	logger *zap.Logger
}

func New(cfg config.ElasticsearchTarget, logger *zap.Logger) (*Sink, error) {
	logger.Info("Creating Elasticsearch sink", zap.Strings("addresses", cfg.Addresses))
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return &Sink{es: es, logger: logger}, nil
}

type bulkItem struct {
	ID     string `json:"_id"`
	Status int    `json:"status"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
}

type bulkResponse struct {
	Errors bool                  `json:"errors"`
	Items  []map[string]bulkItem `json:"items"`
}

// Apply sends upserts and deletes through the bulk API. A delete-by-query
// splits the batch: operations before it are sent first, then the query
// runs, then the rest follows.
func (s *Sink) Apply(ctx context.Context, ops []types.IndexOperation) ([]types.ItemResult, error) {
	results := make([]types.ItemResult, 0, len(ops))
	start := 0
	for i, op := range ops {
		if op.Kind != types.OpDeleteByQuery {
			continue
		}
		if i > start {
			r, err := s.bulk(ctx, ops[start:i])
			if err != nil {
				return nil, err
			}
			results = append(results, r...)
		}
		r, err := s.deleteByQuery(ctx, op.Index)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
		start = i + 1
	}
	if start < len(ops) {
		r, err := s.bulk(ctx, ops[start:])
		if err != nil {
			return nil, err
		}
		results = append(results, r...)
	}
	return results, nil
}

func (s *Sink) bulk(ctx context.Context, ops []types.IndexOperation) ([]types.ItemResult, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, op := range ops {
		meta := map[string]any{"_index": op.Index, "_id": op.DocumentID}
		switch op.Kind {
		case types.OpUpsert:
			if err := enc.Encode(map[string]any{"index": meta}); err != nil {
				return nil, err
			}
			if err := enc.Encode(op.Body); err != nil {
				return nil, fmt.Errorf("encode document %s: %w", op.DocumentID, err)
			}
		case types.OpDelete:
			if err := enc.Encode(map[string]any{"delete": meta}); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("operation %s not supported in bulk", op.Kind)
		}
	}

	s.logger.Debug("Sending bulk request", zap.Int("operations", len(ops)), zap.Int("bytes", buf.Len()))
	res, err := s.es.Bulk(bytes.NewReader(buf.Bytes()), s.es.Bulk.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("bulk request: %w: %v", types.ErrTargetUnavailable, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, classify(res, "bulk")
	}

	var br bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&br); err != nil {
		return nil, fmt.Errorf("decode bulk response: %w: %v", types.ErrTargetUnavailable, err)
	}
	if len(br.Items) != len(ops) {
		return nil, fmt.Errorf("bulk response has %d items for %d operations: %w", len(br.Items), len(ops), types.ErrTargetUnavailable)
	}

	results := make([]types.ItemResult, len(ops))
	for i, item := range br.Items {
		var it bulkItem
		for _, v := range item {
			it = v
		}
		r := types.ItemResult{DocumentID: ops[i].DocumentID, Kind: ops[i].Kind, Status: it.Status}
		switch {
		case ops[i].Kind == types.OpDelete && it.Status == http.StatusNotFound && it.Error == nil:
		case it.Error != nil:
			r.Err = fmt.Errorf("%s: %s", it.Error.Type, it.Error.Reason)
		case it.Status >= 300:
			r.Err = fmt.Errorf("status %d", it.Status)
		}
		results[i] = r
	}
	return results, nil
}

func (s *Sink) deleteByQuery(ctx context.Context, index string) (types.ItemResult, error) {
	s.logger.Info("Deleting all documents", zap.String("index", index))
	r := types.ItemResult{Kind: types.OpDeleteByQuery}

	// delete by query only sees documents visible to search
	ref, err := s.es.Indices.Refresh(
		s.es.Indices.Refresh.WithIndex(index),
		s.es.Indices.Refresh.WithContext(ctx))
	if err != nil {
		return types.ItemResult{}, fmt.Errorf("refresh: %w: %v", types.ErrTargetUnavailable, err)
	}
	defer ref.Body.Close()
	if ref.StatusCode == http.StatusNotFound {
		r.Status = ref.StatusCode
		return r, nil
	}
	if ref.IsError() {
		return types.ItemResult{}, classify(ref, "refresh")
	}
	io.Copy(io.Discard, ref.Body)

	res, err := s.es.DeleteByQuery([]string{index}, strings.NewReader(matchAll),
		s.es.DeleteByQuery.WithContext(ctx),
		s.es.DeleteByQuery.WithConflicts("proceed"),
		s.es.DeleteByQuery.WithRefresh(true))
	if err != nil {
		return types.ItemResult{}, fmt.Errorf("delete by query: %w: %v", types.ErrTargetUnavailable, err)
	}
	defer res.Body.Close()
	r.Status = res.StatusCode
	if res.StatusCode == http.StatusNotFound {
		// nothing to delete
		return r, nil
	}
	if res.IsError() {
		return types.ItemResult{}, classify(res, "delete by query")
	}
	io.Copy(io.Discard, res.Body)
	return r, nil
}

func (s *Sink) Exists(ctx context.Context, index string) (bool, error) {
	res, err := s.es.Indices.Exists([]string{index}, s.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("index exists: %w: %v", types.ErrTargetUnavailable, err)
	}
	defer res.Body.Close()
	switch res.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}
	return false, classify(res, "index exists")
}

func (s *Sink) Close() error { return nil }

func classify(res *esapi.Response, what string) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	var cause error
	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		cause = types.ErrAuthentication
	case res.StatusCode == http.StatusNotFound && bytes.Contains(body, []byte("index_not_found_exception")):
		cause = types.ErrTargetGone
	default:
		cause = types.ErrTargetUnavailable
	}
	return fmt.Errorf("%s: status %d: %s: %w", what, res.StatusCode, strings.TrimSpace(string(body)), cause)
}

var _ types.Indexer = (*Sink)(nil)
