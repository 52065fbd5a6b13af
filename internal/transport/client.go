// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package transport talks to the chat backend over HTTP: streamed replies
// and the file endpoints.
package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	afinaerr "github.com/sigil-dev/afina/pkg/errors"
)

// Stream modes.
const (
	ModeChunked = "chunked"
	ModeSSE     = "sse"
)

// DefaultTimeout bounds a whole request, streamed body included.
const DefaultTimeout = 5 * time.Minute

// maxErrorBody caps how much of an error response is kept for the message.
const maxErrorBody = 4 << 10

// ErrBackendNotRunning indicates the backend refused the connection.
var ErrBackendNotRunning = errors.New("backend is not running (connection refused)")

// Options configures a Client.
type Options struct {
	BaseURL string
	// Mode is ModeChunked (default) or ModeSSE.
	Mode       string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client provides HTTP access to the chat backend.
type Client struct {
	baseURL *url.URL
	mode    string
	http    *http.Client
	logger  *slog.Logger
}

// New creates a client for the backend at opts.BaseURL.
func New(opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, afinaerr.New(afinaerr.CodeTransportRequestInvalid, "backend url must be an http(s) URL",
			afinaerr.Field("url", opts.BaseURL))
	}

	mode := opts.Mode
	switch mode {
	case "":
		mode = ModeChunked
	case ModeChunked, ModeSSE:
	default:
		return nil, afinaerr.New(afinaerr.CodeTransportRequestInvalid, "unknown stream mode",
			afinaerr.Field("mode", opts.Mode))
	}

	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{baseURL: u, mode: mode, http: hc, logger: logger.With("component", "transport")}, nil
}

// Mode returns the stream mode the client requests replies in.
func (c *Client) Mode() string { return c.mode }

// BaseURL returns the backend base URL.
func (c *Client) BaseURL() string { return c.baseURL.String() }

func (c *Client) endpoint(segments ...string) string {
	return c.baseURL.JoinPath(segments...).String()
}

// do sends req and returns the response when its status is 200. Any other
// status is turned into a coded error carrying the backend's detail.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if isDialError(err) {
			return nil, afinaerr.Wrap(ErrBackendNotRunning, afinaerr.CodeTransportRequestFailure,
				"connecting to backend", afinaerr.Field("url", req.URL.String()))
		}
		return nil, afinaerr.Wrap(err, afinaerr.CodeTransportRequestFailure, "request failed",
			afinaerr.Field("url", req.URL.String()))
	}

	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, afinaerr.New(afinaerr.FromHTTPStatus(resp.StatusCode),
			"backend returned status "+resp.Status+": "+errorDetail(body),
			afinaerr.Field("status", resp.StatusCode),
			afinaerr.Field("url", req.URL.String()))
	}
	return resp, nil
}

// errorDetail extracts a readable message from an error body. The backend
// reports errors as {"detail": "..."}; anything else is returned verbatim.
func errorDetail(body []byte) string {
	if gjson.ValidBytes(body) {
		for _, path := range []string{"detail", "error", "message"} {
			if r := gjson.GetBytes(body, path); r.Type == gjson.String {
				return r.String()
			}
		}
	}
	return strings.TrimSpace(string(body))
}

// isDialError returns true if err is a net dial error (connection refused, etc.).
func isDialError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	return false
}

func closeBody(ctx context.Context, logger *slog.Logger, body io.Closer) {
	if err := body.Close(); err != nil {
		logger.DebugContext(ctx, "closing response body", "error", err)
	}
}
