// Package memindex is an in-memory types.Indexer with failure injection,
// used to exercise the sync engine without a search cluster.
package memindex

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mehmetymw/cdc2es/internal/types"
)

type Index struct {
	mu        sync.Mutex
	docs      map[string]map[string]types.Document
	mutations map[string]int
	requests  int
	failNext  []error
	failItems map[string]int
	gate      chan struct{}
	passes    int
}

func New() *Index {
	return &Index{
		docs:      make(map[string]map[string]types.Document),
		mutations: make(map[string]int),
		failItems: make(map[string]int),
	}
}

// FailRequests makes the next len(errs) Apply calls fail as a whole.
func (x *Index) FailRequests(errs ...error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.failNext = append(x.failNext, errs...)
}

// FailItem makes the next n operations on id fail individually.
func (x *Index) FailItem(id string, n int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.failItems[id] += n
}

// Hold blocks Apply until Release is called.
func (x *Index) Hold() { x.HoldAfter(0) }

// HoldAfter lets the next n Apply calls through and blocks the rest until
// Release is called.
func (x *Index) HoldAfter(n int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.gate = make(chan struct{})
	x.passes = n
}

func (x *Index) Release() {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.gate != nil {
		close(x.gate)
		x.gate = nil
	}
}

func (x *Index) Apply(ctx context.Context, ops []types.IndexOperation) ([]types.ItemResult, error) {
	x.mu.Lock()
	gate := x.gate
	if gate != nil && x.passes > 0 {
		x.passes--
		gate = nil
	}
	x.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", types.ErrTargetUnavailable, ctx.Err())
		}
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.requests++
	if len(x.failNext) > 0 {
		err := x.failNext[0]
		x.failNext = x.failNext[1:]
		return nil, err
	}

	results := make([]types.ItemResult, 0, len(ops))
	for _, op := range ops {
		r := types.ItemResult{DocumentID: op.DocumentID, Kind: op.Kind, Status: 200}
		if n := x.failItems[op.DocumentID]; n > 0 {
			x.failItems[op.DocumentID] = n - 1
			r.Status = 400
			r.Err = fmt.Errorf("mapper_parsing_exception on %s", op.DocumentID)
			results = append(results, r)
			continue
		}
		idx := x.docs[op.Index]
		if idx == nil {
			idx = make(map[string]types.Document)
			x.docs[op.Index] = idx
		}
		switch op.Kind {
		case types.OpUpsert:
			idx[op.DocumentID] = op.Body
			x.mutations[op.DocumentID]++
		case types.OpDelete:
			if _, ok := idx[op.DocumentID]; !ok {
				r.Status = 404
			}
			delete(idx, op.DocumentID)
			x.mutations[op.DocumentID]++
		case types.OpDeleteByQuery:
			x.docs[op.Index] = make(map[string]types.Document)
		}
		results = append(results, r)
	}
	return results, nil
}

func (x *Index) Exists(_ context.Context, index string) (bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	_, ok := x.docs[index]
	return ok, nil
}

// Create makes an empty index so that Exists reports true.
func (x *Index) Create(index string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.docs[index] == nil {
		x.docs[index] = make(map[string]types.Document)
	}
}

func (x *Index) Close() error { return nil }

func (x *Index) Get(index, id string) (types.Document, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	d, ok := x.docs[index][id]
	return d, ok
}

func (x *Index) Count(index string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.docs[index])
}

// CountField counts documents whose field equals value.
func (x *Index) CountField(index, field string, value any) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	n := 0
	for _, d := range x.docs[index] {
		if d[field] == value {
			n++
		}
	}
	return n
}

// CountText counts documents with a string field containing term.
func (x *Index) CountText(index, term string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	n := 0
	for _, d := range x.docs[index] {
		for _, v := range d {
			if s, ok := v.(string); ok && strings.Contains(s, term) {
				n++
				break
			}
		}
	}
	return n
}

// Mutations is the number of upserts and deletes applied to id.
func (x *Index) Mutations(id string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.mutations[id]
}

func (x *Index) Requests() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.requests
}
