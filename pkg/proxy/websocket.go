// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/absmach/meshproxy/pkg/endpoint"
	merrors "github.com/absmach/meshproxy/pkg/errors"
	"github.com/absmach/meshproxy/pkg/service"
)

// handshakeHeaders are set by the websocket dialer itself.
var handshakeHeaders = []string{
	"Upgrade",
	"Connection",
	"Sec-Websocket-Key",
	"Sec-Websocket-Version",
	"Sec-Websocket-Extensions",
	"Sec-Websocket-Protocol",
}

// serveWebSocket bridges an upgrade request to an endpoint of its target.
// The backend handshake completes before the client is upgraded so that
// routing failures are still reported as HTTP statuses.
func (p *Proxy) serveWebSocket(w http.ResponseWriter, r *http.Request, conn service.Target) (int, error) {
	target, err := p.requestTarget(conn, r.Host)
	if err != nil {
		return p.failUpgrade(w, merrors.New("route", r.Host, "", err))
	}
	target.Protocol = service.Opaque

	upstream, err := p.opaque.Call(r.Context(), target, endpoint.ConnRequest{Client: r.RemoteAddr})
	if err != nil {
		return p.failUpgrade(w, err)
	}

	dialer := websocket.Dialer{
		NetDialContext: func(context.Context, string, string) (net.Conn, error) {
			return upstream, nil
		},
		HandshakeTimeout: p.config.ResponseTimeout,
		Subprotocols:     websocket.Subprotocols(r),
	}
	u := url.URL{Scheme: "ws", Host: r.Host, Path: r.URL.Path, RawQuery: r.URL.RawQuery}

	header := r.Header.Clone()
	for _, h := range handshakeHeaders {
		header.Del(h)
	}

	backend, resp, err := dialer.DialContext(r.Context(), u.String(), header)
	if err != nil {
		upstream.Close()
		if resp != nil {
			w.WriteHeader(resp.StatusCode)
			return resp.StatusCode, nil
		}
		return p.failUpgrade(w, merrors.New("upgrade", target.Addr, upstream.RemoteAddr().String(), merrors.Transient(err)))
	}
	defer backend.Close()

	var reply http.Header
	if sp := backend.Subprotocol(); sp != "" {
		reply = http.Header{"Sec-Websocket-Protocol": {sp}}
	}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	client, err := upgrader.Upgrade(w, r, reply)
	if err != nil {
		return http.StatusBadRequest, err
	}
	defer client.Close()

	return http.StatusSwitchingProtocols, bridge(client, backend)
}

func (p *Proxy) failUpgrade(w http.ResponseWriter, err error) (int, error) {
	status := StatusOf(err)
	w.Header().Set(ErrorHeader, merrors.Kind(err))
	w.WriteHeader(status)
	return status, err
}

// bridge relays messages both ways until either side closes. A close
// frame is forwarded to the other side.
func bridge(a, b *websocket.Conn) error {
	errCh := make(chan error, 2)
	pump := func(dst, src *websocket.Conn) {
		for {
			kind, msg, err := src.ReadMessage()
			if err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					dst.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(ce.Code, ce.Text),
						time.Now().Add(time.Second))
				}
				errCh <- err
				return
			}
			if err := dst.WriteMessage(kind, msg); err != nil {
				errCh <- err
				return
			}
		}
	}

	go pump(a, b)
	go pump(b, a)

	err := <-errCh
	a.Close()
	b.Close()
	<-errCh

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return nil
	}
	return err
}
