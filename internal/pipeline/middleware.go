package pipeline

import "context"

// ProcessFunc is a node's processing function. It receives one work unit and
// returns the value to fan out downstream. A nil result combined with the
// node's DiscardNil flag drops the unit.
type ProcessFunc func(ctx context.Context, v any) (any, error)

// Middleware wraps a ProcessFunc with cross-cutting behaviour.
type Middleware func(next ProcessFunc) ProcessFunc

// Middleware ordering sort keys. Lower keys wrap further out. The skip-error
// wrapper must always be outermost so forwarded failures bypass everything
// else; labelling is outermost among non-error wrappers so it sees the final
// produced value.
const (
	orderSkipError = iota
	orderLabel
	orderUser
)

// middlewareEntry pairs a middleware with its sort key and registration
// sequence. Entries with equal keys keep registration order.
type middlewareEntry struct {
	order int
	seq   int
	mw    Middleware
}

// Labeled is implemented by payloads that track the node that produced them.
// The label middleware tags every conforming output for observability.
type Labeled interface {
	SetProducedBy(node string)
}

// skipErrorMiddleware forwards NodeError inputs unchanged: a failure produced
// upstream is never re-processed and never crashes a later stage.
func skipErrorMiddleware(next ProcessFunc) ProcessFunc {
	return func(ctx context.Context, v any) (any, error) {
		if ne, ok := AsNodeError(v); ok {
			return ne, nil
		}

		return next(ctx, v)
	}
}

// labelMiddleware tags outputs implementing Labeled with the producing node
// name.
func labelMiddleware(node string) Middleware {
	return func(next ProcessFunc) ProcessFunc {
		return func(ctx context.Context, v any) (any, error) {
			out, err := next(ctx, v)
			if err != nil {
				return out, err
			}

			if lb, ok := out.(Labeled); ok {
				lb.SetProducedBy(node)
			}

			return out, nil
		}
	}
}

// buildChain composes fn with the given entries. Entries are stably sorted by
// (order, seq) and applied inside-out, so the lowest key ends up outermost.
func buildChain(fn ProcessFunc, entries []middlewareEntry) ProcessFunc {
	sorted := make([]middlewareEntry, len(entries))
	copy(sorted, entries)

	// Insertion sort keeps the stable (order, seq) ordering without pulling
	// in sort for a handful of entries.
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0; j-- {
			a, b := sorted[j-1], sorted[j]
			if a.order > b.order || (a.order == b.order && a.seq > b.seq) {
				sorted[j-1], sorted[j] = b, a
			}
		}
	}

	chain := fn
	for i := len(sorted) - 1; i >= 0; i-- {
		chain = sorted[i].mw(chain)
	}

	return chain
}
