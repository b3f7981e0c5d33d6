// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"fmt"

	merrors "github.com/absmach/meshproxy/pkg/errors"
)

// Layer decorates an inner service. Returning an error rejects the layer
// configuration.
type Layer[Req, Resp any] interface {
	Layer(inner Service[Req, Resp]) (Service[Req, Resp], error)
}

// LayerFunc adapts a function into a Layer.
type LayerFunc[Req, Resp any] func(inner Service[Req, Resp]) (Service[Req, Resp], error)

// Layer implements Layer.
func (f LayerFunc[Req, Resp]) Layer(inner Service[Req, Resp]) (Service[Req, Resp], error) {
	return f(inner)
}

// MakeFunc builds the innermost service for a target.
type MakeFunc[Req, Resp any] func(t Target) (Service[Req, Resp], error)

// Stack is an immutable blueprint producing a service per target. Layers
// pushed last end up outermost.
type Stack[Req, Resp any] struct {
	make   MakeFunc[Req, Resp]
	layers []Layer[Req, Resp]
}

// NewStack creates a stack around make.
func NewStack[Req, Resp any](mk MakeFunc[Req, Resp]) Stack[Req, Resp] {
	return Stack[Req, Resp]{make: mk}
}

// Push returns a copy of s with l wrapped around it.
func (s Stack[Req, Resp]) Push(l Layer[Req, Resp]) Stack[Req, Resp] {
	layers := make([]Layer[Req, Resp], len(s.layers), len(s.layers)+1)
	copy(layers, s.layers)
	return Stack[Req, Resp]{make: s.make, layers: append(layers, l)}
}

// Build produces a service instance for t. Every failure wraps ErrConfig.
// On a layer failure the services built so far are closed.
func (s Stack[Req, Resp]) Build(t Target) (Service[Req, Resp], error) {
	if s.make == nil {
		return nil, fmt.Errorf("%w: stack has no make function", merrors.ErrConfig)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}

	svc, err := s.make(t)
	if err != nil {
		return nil, configError(t, err)
	}

	for _, l := range s.layers {
		next, err := l.Layer(svc)
		if err != nil {
			Close(svc)
			return nil, configError(t, err)
		}
		svc = next
	}

	return svc, nil
}

func configError(t Target, err error) error {
	if merrors.Is(err, merrors.ErrConfig) {
		return merrors.New("build", t.String(), "", err)
	}
	return merrors.New("build", t.String(), "", fmt.Errorf("%w: %w", merrors.ErrConfig, err))
}
