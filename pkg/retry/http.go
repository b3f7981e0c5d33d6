// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package retry

import (
	"bytes"
	"io"
	"net/http"

	merrors "github.com/absmach/meshproxy/pkg/errors"
)

// DefaultMaxBodyBytes is the largest request body buffered for replay.
const DefaultMaxBodyBytes = 64 * 1024

// HTTPPolicy retries HTTP requests.
//
// Undispatched requests and transient I/O failures before the request was
// written are retried for every method. Failures after the write and 502,
// 503 and 504 responses are retried for idempotent methods only. Bodies larger than MaxBodyBytes make the request non-replayable.
type HTTPPolicy struct {
	MaxBodyBytes int64
}

var _ Policy[*http.Request, *http.Response] = HTTPPolicy{}

// Retryable implements Policy.
func (p HTTPPolicy) Retryable(req *http.Request, resp *http.Response, err error) bool {
	if err != nil {
		if merrors.Is(err, merrors.ErrRequestSent) && !idempotent(req.Method) {
			return false
		}
		return retryableError(err)
	}
	if resp == nil {
		return false
	}
	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return idempotent(req.Method)
	default:
		return false
	}
}

// Clone implements Policy. The body is buffered on first use and req is
// left with an equivalent unread body.
func (p HTTPPolicy) Clone(req *http.Request) (*http.Request, bool) {
	if req.Body == nil || req.Body == http.NoBody {
		return req.Clone(req.Context()), true
	}

	if req.GetBody == nil {
		limit := p.MaxBodyBytes
		if limit <= 0 {
			limit = DefaultMaxBodyBytes
		}

		buf, err := io.ReadAll(io.LimitReader(req.Body, limit+1))
		if err != nil || int64(len(buf)) > limit {
			req.Body = readCloser{io.MultiReader(bytes.NewReader(buf), req.Body), req.Body}
			return nil, false
		}
		req.Body.Close()

		req.Body = io.NopCloser(bytes.NewReader(buf))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(buf)), nil
		}
		req.ContentLength = int64(len(buf))
	}

	body, err := req.GetBody()
	if err != nil {
		return nil, false
	}
	clone := req.Clone(req.Context())
	clone.Body = body
	return clone, true
}

// Discard implements Discarder.
func (p HTTPPolicy) Discard(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace,
		http.MethodPut, http.MethodDelete:
		return true
	default:
		return false
	}
}

type readCloser struct {
	io.Reader
	io.Closer
}
