// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"io"
	"net"

	"go.uber.org/multierr"

	"github.com/absmach/meshproxy/pkg/detect"
	"github.com/absmach/meshproxy/pkg/endpoint"
	"github.com/absmach/meshproxy/pkg/handler"
	"github.com/absmach/meshproxy/pkg/service"
)

func (p *Proxy) serveOpaque(ctx context.Context, conn net.Conn, hctx *handler.Context, target service.Target) error {
	upstream, err := p.opaque.Call(ctx, target, endpoint.ConnRequest{Client: hctx.RemoteAddr})
	if err != nil {
		return err
	}
	defer upstream.Close()
	stop := context.AfterFunc(ctx, func() { upstream.Close() })
	defer stop()

	return splice(conn, upstream)
}

// splice copies both directions until both reach EOF. The end of one
// direction is propagated as a half-close.
func splice(a, b net.Conn) error {
	errCh := make(chan error, 2)
	cp := func(dst, src net.Conn) {
		_, err := io.Copy(dst, src)
		closeWrite(dst)
		errCh <- err
	}

	go cp(a, b)
	go cp(b, a)

	return multierr.Combine(<-errCh, <-errCh)
}

func closeWrite(conn net.Conn) {
	if dc, ok := conn.(*detect.Conn); ok {
		conn = dc.Conn
	}
	if cw, ok := conn.(interface{ CloseWrite() error }); ok && cw.CloseWrite() == nil {
		return
	}
	conn.Close()
}
