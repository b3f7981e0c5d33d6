// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"sync"
)

type dispatchKey struct{}

type dispatchHook struct {
	once sync.Once
	fn   func()
}

// WithDispatch returns a context that reports, through fn, the moment an
// admission point accepts the request for dispatch. fn runs at most once.
func WithDispatch(ctx context.Context, fn func()) context.Context {
	return context.WithValue(ctx, dispatchKey{}, &dispatchHook{fn: fn})
}

// Dispatched reports that the request carried by ctx was accepted for
// dispatch. Only the first report reaches the hook.
func Dispatched(ctx context.Context) {
	if h, ok := ctx.Value(dispatchKey{}).(*dispatchHook); ok {
		h.once.Do(h.fn)
	}
}
