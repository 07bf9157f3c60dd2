package types

import "context"

// Indexer is the target index collaborator.
type Indexer interface {
	// Apply sends ops as one bulk mutation. A non-nil error means the
	// request as a whole failed; per item failures are reported in the
	// returned results.
	Apply(ctx context.Context, ops []IndexOperation) ([]ItemResult, error)
	Exists(ctx context.Context, index string) (bool, error)
	Close() error
}
