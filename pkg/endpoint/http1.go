// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	merrors "github.com/absmach/meshproxy/pkg/errors"
	"github.com/absmach/meshproxy/pkg/pool"
	"github.com/absmach/meshproxy/pkg/service"
)

// HTTP1 is an HTTP/1.1 client over a pool of connections to one endpoint.
type HTTP1 struct {
	pool *pool.Pool
}

var _ service.Service[*http.Request, *http.Response] = (*HTTP1)(nil)

// NewHTTP1 creates a client dialing with dial. It establishes one
// connection up front so that an unreachable endpoint fails here.
func NewHTTP1(ctx context.Context, dial pool.DialFunc, config pool.Config) (*HTTP1, error) {
	p := pool.New(dial, config)
	pc, err := p.Get(ctx)
	if err != nil {
		p.Close()
		return nil, err
	}
	pc.Close()
	return &HTTP1{pool: p}, nil
}

// Ready implements service.Service.
func (h *HTTP1) Ready(ctx context.Context) error {
	return ctx.Err()
}

// Call implements service.Service. The connection returns to the pool
// once the response body is read to completion or closed.
func (h *HTTP1) Call(ctx context.Context, req *http.Request) (*http.Response, error) {
	service.Dispatched(ctx)

	pc, err := h.pool.Get(ctx)
	if err != nil {
		if errors.Is(err, pool.ErrPoolClosed) || ctx.Err() != nil {
			return nil, err
		}
		return nil, merrors.Transient(err)
	}

	// Cancellation interrupts any blocked read or write.
	stop := context.AfterFunc(ctx, func() {
		pc.SetDeadline(time.Unix(1, 0))
	})

	fail := func(err error) (*http.Response, error) {
		stop()
		pc.Discard()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, merrors.Transient(err)
	}

	bw := bufio.NewWriter(pc)
	if err := req.Write(bw); err != nil {
		return fail(err)
	}
	if err := bw.Flush(); err != nil {
		return fail(err)
	}

	resp, err := readResponse(pc.Reader(), req)
	if err != nil {
		if _, err = fail(err); ctx.Err() != nil {
			return nil, err
		}
		return nil, merrors.Sent(err)
	}

	reuse := !resp.Close && !req.Close
	resp.Body = &pooledBody{
		ReadCloser: resp.Body,
		release: func(clean bool) {
			if stop() && clean && reuse {
				pc.Close()
				return
			}
			pc.Discard()
		},
	}
	return resp, nil
}

// Close closes the pool. Connections in use close when released.
func (h *HTTP1) Close() error {
	return h.pool.Close()
}

// readResponse skips informational responses other than protocol switches.
func readResponse(br *bufio.Reader, req *http.Request) (*http.Response, error) {
	for {
		resp, err := http.ReadResponse(br, req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 200 || resp.StatusCode == http.StatusSwitchingProtocols {
			return resp, nil
		}
		resp.Body.Close()
	}
}

// pooledBody releases its connection when the body is done with.
type pooledBody struct {
	io.ReadCloser
	once    sync.Once
	release func(clean bool)
}

func (b *pooledBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		b.once.Do(func() {
			b.ReadCloser.Close()
			b.release(false)
		})
	}
	return n, err
}

// Close drains the rest of the body so the connection can be reused.
func (b *pooledBody) Close() error {
	var err error
	b.once.Do(func() {
		err = b.ReadCloser.Close()
		b.release(err == nil)
	})
	return err
}
