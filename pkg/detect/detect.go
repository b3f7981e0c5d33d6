// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package detect classifies the protocol of an accepted connection by
// peeking at its first bytes.
//
// The returned connection replays every peeked byte before reading from
// the socket, so detection is transparent to whoever serves the
// connection afterwards.
package detect

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/absmach/meshproxy/pkg/service"
)

// Hint names an application protocol recognized inside an opaque stream.
type Hint string

const (
	HintNone Hint = ""
	HintMQTT Hint = "mqtt"
)

// h2Preface is the start of the HTTP/2 client connection preface.
var h2Preface = []byte("PRI * HTTP/2.0\r\n")

var methods = [][]byte{
	[]byte("GET "),
	[]byte("HEAD "),
	[]byte("POST "),
	[]byte("PUT "),
	[]byte("DELETE "),
	[]byte("CONNECT "),
	[]byte("OPTIONS "),
	[]byte("TRACE "),
	[]byte("PATCH "),
}

// Config holds detection configuration.
type Config struct {
	// Timeout bounds how long to wait for the client's first bytes.
	Timeout time.Duration
	// MaxPeek is the largest number of bytes buffered for detection.
	MaxPeek int
}

// Result describes a detected connection.
type Result struct {
	Protocol service.Protocol
	// TLS is set when the stream starts with a TLS handshake record.
	TLS bool
	// Hint is set for opaque streams carrying a recognized protocol.
	Hint Hint
	// Peeked is the number of bytes buffered during detection.
	Peeked int
}

// Conn is a connection whose peeked bytes are read first.
type Conn struct {
	net.Conn
	peeked []byte
}

// Read implements io.Reader.
func (c *Conn) Read(b []byte) (int, error) {
	if len(c.peeked) > 0 {
		n := copy(b, c.peeked)
		c.peeked = c.peeked[n:]
		if len(c.peeked) == 0 {
			c.peeked = nil
		}
		return n, nil
	}
	return c.Conn.Read(b)
}

// Buffered returns the peeked bytes not yet read.
func (c *Conn) Buffered() []byte {
	return c.peeked
}

// Detect reads from conn until its protocol is known, MaxPeek bytes are
// buffered, the peer stops sending, or Timeout elapses. Anything that is
// not recognizably HTTP is Opaque.
//
// Detect does not close conn on error.
func Detect(ctx context.Context, conn net.Conn, config Config) (Result, *Conn, error) {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxPeek <= 0 {
		config.MaxPeek = 1024
	}

	if err := conn.SetReadDeadline(time.Now().Add(config.Timeout)); err != nil {
		return Result{}, nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, 0, config.MaxPeek)
	proto, decided := service.Opaque, false
	for !decided && len(buf) < config.MaxPeek {
		n, err := conn.Read(buf[len(buf):config.MaxPeek])
		buf = buf[:len(buf)+n]
		if n > 0 {
			proto, decided = classify(buf)
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return Result{}, nil, ctx.Err()
		}
		if errors.Is(err, io.EOF) || errors.Is(err, os.ErrDeadlineExceeded) {
			break
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			break
		}
		return Result{}, nil, err
	}

	if !stop() && ctx.Err() != nil {
		return Result{}, nil, ctx.Err()
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return Result{}, nil, err
	}
	if !decided {
		proto = service.Opaque
	}

	res := Result{
		Protocol: proto,
		TLS:      isTLS(buf),
		Peeked:   len(buf),
	}
	if proto == service.Opaque && !res.TLS && isMQTTConnect(buf) {
		res.Hint = HintMQTT
	}

	return res, &Conn{Conn: conn, peeked: buf}, nil
}

// classify reports the protocol of buf and whether more bytes could change
// the answer.
func classify(buf []byte) (service.Protocol, bool) {
	undecided := false

	if bytes.HasPrefix(buf, h2Preface) {
		return service.HTTP2, true
	}
	if len(buf) < len(h2Preface) && bytes.HasPrefix(h2Preface, buf) {
		undecided = true
	}

	for _, m := range methods {
		if bytes.HasPrefix(buf, m) {
			return service.HTTP1, true
		}
		if len(buf) < len(m) && bytes.HasPrefix(m, buf) {
			undecided = true
		}
	}

	// A lone handshake content type byte still needs the version byte.
	if len(buf) == 1 && buf[0] == 0x16 {
		undecided = true
	}

	return service.Opaque, !undecided
}

// isTLS reports whether buf starts with a TLS handshake record.
func isTLS(buf []byte) bool {
	return len(buf) >= 2 && buf[0] == 0x16 && buf[1] == 0x03
}

func isMQTTConnect(buf []byte) bool {
	if len(buf) == 0 || buf[0]>>4 != packets.Connect {
		return false
	}
	pkt, err := packets.ReadPacket(bytes.NewReader(buf))
	if err != nil {
		return false
	}
	_, ok := pkt.(*packets.ConnectPacket)
	return ok
}
