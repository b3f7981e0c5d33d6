// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package service

import "sync"

// Signal broadcasts that readiness may have changed. Waiters take the
// channel from C before checking readiness and block on it afterwards.
type Signal struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewSignal creates a new Signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// C returns a channel that is closed on the next Notify.
func (s *Signal) C() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// Notify wakes every current waiter.
func (s *Signal) Notify() {
	s.mu.Lock()
	close(s.ch)
	s.ch = make(chan struct{})
	s.mu.Unlock()
}

// Inherit returns sig when set, else the inner service's signal, else a new one.
func Inherit(sig *Signal, inner any) *Signal {
	if sig != nil {
		return sig
	}
	if s := SignalOf(inner); s != nil {
		return s
	}
	return NewSignal()
}
