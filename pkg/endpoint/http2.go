// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"context"
	"net"
	"net/http"

	"golang.org/x/net/http2"

	merrors "github.com/absmach/meshproxy/pkg/errors"
	"github.com/absmach/meshproxy/pkg/service"
)

// HTTP2 is an HTTP/2 client multiplexing requests over one connection.
type HTTP2 struct {
	cc *http2.ClientConn
}

var _ service.Service[*http.Request, *http.Response] = (*HTTP2)(nil)

// NewHTTP2 starts an HTTP/2 client connection on conn with prior
// knowledge.
func NewHTTP2(conn net.Conn) (*HTTP2, error) {
	t := &http2.Transport{AllowHTTP: true}
	cc, err := t.NewClientConn(conn)
	if err != nil {
		conn.Close()
		return nil, merrors.Transient(err)
	}
	return &HTTP2{cc: cc}, nil
}

// Poll implements service.Poller. A connection that is going away
// reports a terminal error so that it gets replaced.
func (h *HTTP2) Poll() error {
	if h.cc.CanTakeNewRequest() {
		return nil
	}
	if st := h.cc.State(); st.Closed || st.Closing {
		return merrors.Transient(merrors.ErrConnectionClosed)
	}
	return merrors.ErrNotReady
}

// Ready implements service.Service.
func (h *HTTP2) Ready(ctx context.Context) error {
	if err := h.Poll(); err != nil && !merrors.Is(err, merrors.ErrNotReady) {
		return err
	}
	return ctx.Err()
}

// Call implements service.Service.
func (h *HTTP2) Call(ctx context.Context, req *http.Request) (*http.Response, error) {
	service.Dispatched(ctx)

	resp, err := h.cc.RoundTrip(req.WithContext(ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Streams share the connection, so whether this one reached the
		// server is unknown.
		return nil, merrors.Sent(merrors.Transient(err))
	}
	return resp, nil
}

// Close closes the connection.
func (h *HTTP2) Close() error {
	return h.cc.Close()
}
