// Package groutine starts goroutines carrying a pprof label and a context-visible name,
// so transport callback and timer goroutines are identifiable in profiles and logs.
package groutine

import (
	"context"
	"runtime/pprof"
)

type ctxKey struct{}

// LabelKey is the pprof label under which the goroutine name is recorded.
const LabelKey = "goroutine_name"

// Go runs fn on a new goroutine labelled with name. A nil parent uses context.Background().
//
//	groutine.Go(ctx, "gatt-read", func(ctx context.Context) {
//	    // work
//	})
func Go(parent context.Context, name string, fn func(ctx context.Context)) {
	if parent == nil {
		parent = context.Background()
	}

	go pprof.Do(parent, pprof.Labels(LabelKey, name), func(ctx context.Context) {
		fn(context.WithValue(ctx, ctxKey{}, name))
	})
}

// Name returns the name given to Go, or "" when ctx was not created by it.
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	name, _ := ctx.Value(ctxKey{}).(string)
	return name
}
