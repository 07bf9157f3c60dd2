package coordinator

import (
	"context"

	"go.uber.org/zap"

	"github.com/mehmetymw/cdc2es/internal/attachment"
	"github.com/mehmetymw/cdc2es/internal/translate"
	"github.com/mehmetymw/cdc2es/internal/types"
)

// pump turns log entries into changes for the writer. Every entry yields
// at least one change so that the checkpoint follows the log even when no
// index operation results.
type pump struct {
	translator *translate.Translator
	assembler  *attachment.Assembler
	logger     *zap.Logger
}

func (p *pump) run(ctx context.Context, entries <-chan types.LogEntry, out chan<- types.Change, writerDone <-chan struct{}) error {
	for e := range entries {
		for _, ch := range p.changes(ctx, e) {
			select {
			case out <- ch:
			case <-writerDone:
				return nil
			}
		}
	}
	return nil
}

func (p *pump) changes(ctx context.Context, e types.LogEntry) []types.Change {
	if p.assembler == nil {
		c := types.Change{Position: e.Position, Origin: e.Position}
		if op, ok := p.translator.Entry(e); ok {
			c.Op = &op
		}
		return []types.Change{c}
	}

	results := p.assembler.Apply(ctx, e)
	safe := p.assembler.SafePosition()
	out := make([]types.Change, 0, len(results)+1)
	for _, r := range results {
		c := types.Change{Position: safe, Origin: e.Position}
		switch {
		case r.Drop != nil:
			op, ok := p.translator.Entry(*r.Drop)
			if !ok {
				continue
			}
			c.Op = &op
		default:
			op := p.translator.Object(r.ID, r.Object)
			if r.Object != nil {
				c.Origin = r.Object.Origin
			}
			c.Op = &op
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		out = append(out, types.Change{Position: safe})
	}
	return out
}
