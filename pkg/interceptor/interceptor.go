// Package interceptor implements the Operation Handler's onBeforeOp chain:
// each registered interceptor may pass an op through unchanged, return a
// transformed op, return nil to silently drop it, or return an error to
// reject the whole operation. Chain order is registration order.
package interceptor

import (
	"context"

	"github.com/driftdb/driftdb/pkg/types"
)

// Func is one interceptor's onBeforeOp hook.
type Func func(ctx context.Context, principal types.Principal, op *types.ClientOp) (*types.ClientOp, error)

// Chain runs a fixed, ordered sequence of interceptors over a ClientOp.
type Chain struct {
	funcs []Func
}

// New creates a Chain running funcs in the given order.
func New(funcs ...Func) *Chain {
	return &Chain{funcs: append([]Func(nil), funcs...)}
}

// Register appends fn to the end of the chain.
func (c *Chain) Register(fn Func) {
	c.funcs = append(c.funcs, fn)
}

// Run passes op through every interceptor in order. It returns
// (nil, nil) if any interceptor drops the op, (nil, err) if any
// interceptor rejects it, and the final (possibly transformed) op
// otherwise.
func (c *Chain) Run(ctx context.Context, principal types.Principal, op *types.ClientOp) (*types.ClientOp, error) {
	current := op
	for _, fn := range c.funcs {
		next, err := fn(ctx, principal, current)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, nil
		}
		current = next
	}
	return current, nil
}
