// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package backoff

import (
	"math/rand"
	"testing"
	"time"
)

func TestBackoff_Sequence(t *testing.T) {
	b := New(Config{Base: 100 * time.Millisecond, Max: time.Second})

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("attempt %d: expected %v, got %v", i, w, got)
		}
	}
	if b.Attempts() != len(want) {
		t.Errorf("Expected %d attempts, got %d", len(want), b.Attempts())
	}

	b.Reset()
	if got := b.Next(); got != 100*time.Millisecond {
		t.Errorf("Expected reset to base, got %v", got)
	}
}

func TestBackoff_JitterBoundedAndMonotonic(t *testing.T) {
	src := rand.New(rand.NewSource(42))
	b := New(Config{
		Base:   10 * time.Millisecond,
		Max:    500 * time.Millisecond,
		Jitter: 1,
		Rand:   src.Float64,
	})

	var prev time.Duration
	for i := 0; i < 50; i++ {
		d := b.Next()
		if d < prev {
			t.Fatalf("attempt %d: delay decreased from %v to %v", i, prev, d)
		}
		if d > 500*time.Millisecond {
			t.Fatalf("attempt %d: delay %v exceeds cap", i, d)
		}
		prev = d
	}
	if prev != 500*time.Millisecond {
		t.Errorf("Expected sequence to reach the cap, got %v", prev)
	}
}

func TestBackoff_JitterRange(t *testing.T) {
	tests := []struct {
		name string
		u    float64
		want time.Duration
	}{
		{"low", 0, 100 * time.Millisecond},
		{"mid", 0.5, 125 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(Config{
				Base:   100 * time.Millisecond,
				Max:    time.Second,
				Jitter: 0.5,
				Rand:   func() float64 { return tt.u },
			})
			if got := b.Next(); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	b := New(Config{Jitter: 3})
	if b.config.Base != 100*time.Millisecond {
		t.Errorf("Expected default base, got %v", b.config.Base)
	}
	if b.config.Max != b.config.Base {
		t.Errorf("Expected max to be raised to base, got %v", b.config.Max)
	}
	if b.config.Jitter != 1 {
		t.Errorf("Expected jitter to be clamped, got %v", b.config.Jitter)
	}
	if b.Current() != 0 {
		t.Error("Expected no current delay before first attempt")
	}
}
