package elasticsearch

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdc2es/internal/config"
	"github.com/mehmetymw/cdc2es/internal/types"
)

type fakeCluster struct {
	mu        sync.Mutex
	paths     []string
	bulkLines []map[string]any
	status      int
	dbqCode     int
	refreshCode int
}

func (f *fakeCluster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")
	f.paths = append(f.paths, r.Method+" "+r.URL.Path)

	if f.status != 0 {
		w.WriteHeader(f.status)
		w.Write([]byte(`{"error":{"type":"security_exception"}}`))
		return
	}

	switch {
	case r.Method == http.MethodHead && r.URL.Path == "/people":
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodHead:
		w.WriteHeader(http.StatusNotFound)
	case strings.HasSuffix(r.URL.Path, "/_refresh"):
		if f.refreshCode != 0 {
			w.WriteHeader(f.refreshCode)
			w.Write([]byte(`{"error":{"type":"unavailable"}}`))
			return
		}
		if f.dbqCode != 0 {
			w.WriteHeader(f.dbqCode)
			w.Write([]byte(`{"error":{"type":"index_not_found_exception"}}`))
			return
		}
		w.Write([]byte(`{"_shards":{"total":1,"successful":1,"failed":0}}`))
	case strings.HasSuffix(r.URL.Path, "/_delete_by_query"):
		if f.dbqCode != 0 {
			w.WriteHeader(f.dbqCode)
			w.Write([]byte(`{"error":{"type":"index_not_found_exception"}}`))
			return
		}
		w.Write([]byte(`{"deleted":3}`))
	case r.URL.Path == "/_bulk":
		var items []map[string]any
		sc := bufio.NewScanner(r.Body)
		for sc.Scan() {
			var line map[string]any
			json.Unmarshal(sc.Bytes(), &line)
			f.bulkLines = append(f.bulkLines, line)
			for action, meta := range line {
				m, ok := meta.(map[string]any)
				if !ok || (action != "index" && action != "delete") {
					continue
				}
				status := 200
				item := map[string]any{"_id": m["_id"], "status": status}
				if m["_id"] == "missing" {
					item["status"] = 404
				}
				if m["_id"] == "bad" {
					item["status"] = 400
					item["error"] = map[string]any{"type": "mapper_parsing_exception", "reason": "failed to parse"}
				}
				items = append(items, map[string]any{action: item})
			}
		}
		json.NewEncoder(w).Encode(map[string]any{"errors": false, "items": items})
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func newTestSink(t *testing.T, f *fakeCluster) *Sink {
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	s, err := New(config.ElasticsearchTarget{Addresses: []string{srv.URL}}, zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestApplyBulk(t *testing.T) {
	f := &fakeCluster{}
	s := newTestSink(t, f)

	res, err := s.Apply(context.Background(), []types.IndexOperation{
		{Index: "people", DocumentID: "1", Kind: types.OpUpsert, Body: types.Document{"name": "Richard"}},
		{Index: "people", DocumentID: "missing", Kind: types.OpDelete},
		{Index: "people", DocumentID: "bad", Kind: types.OpUpsert, Body: types.Document{"x": 1}},
	})
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.NoError(t, res[0].Err)
	assert.NoError(t, res[1].Err, "deleting an absent document is not a failure")
	assert.Error(t, res[2].Err)
	assert.Equal(t, 400, res[2].Status)

	require.Len(t, f.bulkLines, 5)
	assert.Contains(t, f.bulkLines[0], "index")
	assert.Equal(t, "Richard", f.bulkLines[1]["name"])
	assert.Contains(t, f.bulkLines[2], "delete")
}

func TestApplySplitsAtDeleteByQuery(t *testing.T) {
	f := &fakeCluster{}
	s := newTestSink(t, f)

	res, err := s.Apply(context.Background(), []types.IndexOperation{
		{Index: "people", DocumentID: "1", Kind: types.OpUpsert, Body: types.Document{"a": 1}},
		{Index: "people", Kind: types.OpDeleteByQuery},
		{Index: "people", DocumentID: "2", Kind: types.OpUpsert, Body: types.Document{"a": 2}},
	})
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.Equal(t, types.OpDeleteByQuery, res[1].Kind)
	assert.Equal(t, []string{
		"POST /_bulk",
		"POST /people/_refresh",
		"POST /people/_delete_by_query",
		"POST /_bulk",
	}, f.paths)
}

func TestDeleteByQueryFailsWhenRefreshFails(t *testing.T) {
	f := &fakeCluster{refreshCode: http.StatusInternalServerError}
	s := newTestSink(t, f)

	_, err := s.Apply(context.Background(), []types.IndexOperation{{Index: "people", Kind: types.OpDeleteByQuery}})
	assert.ErrorIs(t, err, types.ErrTargetUnavailable)
	assert.Equal(t, []string{"POST /people/_refresh"}, f.paths)
}

func TestDeleteByQueryOnMissingIndexSucceeds(t *testing.T) {
	f := &fakeCluster{dbqCode: http.StatusNotFound}
	s := newTestSink(t, f)

	res, err := s.Apply(context.Background(), []types.IndexOperation{{Index: "people", Kind: types.OpDeleteByQuery}})
	require.NoError(t, err)
	assert.NoError(t, res[0].Err)
}

func TestApplyClassifiesRequestFailures(t *testing.T) {
	cases := []struct {
		status int
		want   error
		fatal  bool
	}{
		{http.StatusUnauthorized, types.ErrAuthentication, true},
		{http.StatusForbidden, types.ErrAuthentication, true},
		{http.StatusServiceUnavailable, types.ErrTargetUnavailable, false},
		{http.StatusTooManyRequests, types.ErrTargetUnavailable, false},
	}
	for _, tc := range cases {
		f := &fakeCluster{status: tc.status}
		s := newTestSink(t, f)
		_, err := s.Apply(context.Background(), []types.IndexOperation{
			{Index: "people", DocumentID: "1", Kind: types.OpUpsert, Body: types.Document{}},
		})
		assert.ErrorIs(t, err, tc.want, "status %d", tc.status)
		assert.Equal(t, tc.fatal, types.IsFatal(err), "status %d", tc.status)
	}
}

func TestExists(t *testing.T) {
	s := newTestSink(t, &fakeCluster{})

	ok, err := s.Exists(context.Background(), "people")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Exists(context.Background(), "nobody")
	require.NoError(t, err)
	assert.False(t, ok)
}
