// Package iterate expands for-each sources into items and runs a loop body
// over them sequentially or in parallel.
package iterate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/promptflow/pkg/schema"
)

// Body is run once per item. index is the item's position in the source.
type Body func(ctx context.Context, index int, item any) (any, error)

// Items converts a for-each source value into a list. Slices are returned as
// is, text holding a JSON array is decoded, any other text is split on commas
// with blank entries dropped. nil yields an empty list.
func Items(value any) ([]any, error) {
	switch v := value.(type) {
	case nil:
		return []any{}, nil
	case []any:
		return v, nil
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, nil
	case string:
		return textItems(v), nil
	case json.RawMessage:
		return textItems(string(v)), nil
	}

	// Typed slices and other JSON-compatible values.
	data, err := json.Marshal(value)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "cannot iterate over %T", value).WithCause(err)
	}
	var out []any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "cannot iterate over %T", value)
	}
	return out, nil
}

func textItems(s string) []any {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "[") {
		var arr []any
		if err := json.Unmarshal([]byte(trimmed), &arr); err == nil {
			return arr
		}
	}
	out := []any{}
	for part := range strings.SplitSeq(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Option configures Run.
type Option func(*config)

type config struct {
	limit int
}

// WithLimit caps the number of parallel iterations in flight. Zero or less
// means unlimited. Sequential runs ignore it.
func WithLimit(n int) Option {
	return func(c *config) { c.limit = n }
}

// Run applies fn to every item and returns the results by original index.
// Sequential runs are strictly ordered and stop at the first error. Parallel
// runs are independent of each other; the first error cancels the rest and is
// returned once every started iteration has finished.
func Run(ctx context.Context, mode schema.IterationMode, items []any, fn Body, opts ...Option) ([]any, error) {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	switch mode {
	case schema.IterationSequential, "":
		return runSequential(ctx, items, fn)
	case schema.IterationParallel:
		return runParallel(ctx, items, fn, cfg.limit)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown iteration mode %q", mode)
	}
}

func runSequential(ctx context.Context, items []any, fn Body) ([]any, error) {
	results := make([]any, len(items))
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := fn(ctx, i, item)
		if err != nil {
			return nil, fmt.Errorf("iteration %d: %w", i, err)
		}
		results[i] = out
	}
	return results, nil
}

func runParallel(ctx context.Context, items []any, fn Body, limit int) ([]any, error) {
	results := make([]any, len(items))
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, item := range items {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out, err := fn(gctx, i, item)
			if err != nil {
				return fmt.Errorf("iteration %d: %w", i, err)
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
