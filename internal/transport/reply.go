// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	afinaerr "github.com/sigil-dev/afina/pkg/errors"
)

// ReplyRequest is one user message sent to the backend.
type ReplyRequest struct {
	SessionID string
	Message   string
	// Files are the names of the files attached to the session.
	Files []string
}

// ReplyResult describes a completed reply stream.
type ReplyResult struct {
	// Text is the concatenation of every delta received.
	Text string
	// Final is the authoritative full text, when the backend sent one.
	Final *string
	// Frames counts the decoded frames.
	Frames int
}

// FinalText returns the text the reply should end with: the backend's
// authoritative text if present, else the concatenated deltas.
func (r ReplyResult) FinalText() string {
	if r.Final != nil {
		return *r.Final
	}
	return r.Text
}

// FragmentFunc receives each non-empty delta in arrival order. Returning an
// error aborts the stream.
type FragmentFunc func(fragment string) error

// StreamReply posts req to the reply endpoint and feeds every delta to
// onFragment. The stream ends at a done frame or at EOF. A frame carrying an
// error, a malformed frame, or a broken body fails the stream; partial text
// is still reported in the result.
func (c *Client) StreamReply(ctx context.Context, req ReplyRequest, onFragment FragmentFunc) (ReplyResult, error) {
	if req.SessionID == "" {
		return ReplyResult{}, afinaerr.New(afinaerr.CodeTransportRequestInvalid, "session id is required")
	}

	body, contentType, err := replyForm(req)
	if err != nil {
		return ReplyResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("api", "chat"), body)
	if err != nil {
		return ReplyResult{}, afinaerr.Wrap(err, afinaerr.CodeTransportRequestInvalid, "building reply request")
	}
	httpReq.Header.Set("Content-Type", contentType)
	if c.mode == ModeSSE {
		httpReq.Header.Set("Accept", "text/event-stream")
		httpReq.Header.Set("Cache-Control", "no-cache")
	}

	c.logger.DebugContext(ctx, "requesting reply", "session_id", req.SessionID, "mode", c.mode, "files", len(req.Files))

	resp, err := c.do(httpReq)
	if err != nil {
		return ReplyResult{}, err
	}
	defer closeBody(ctx, c.logger, resp.Body)

	return c.consume(ctx, req.SessionID, newDecoder(c.mode, resp.Body), onFragment)
}

func (c *Client) consume(ctx context.Context, sessionID string, dec decoder, onFragment FragmentFunc) (ReplyResult, error) {
	var (
		res  ReplyResult
		text strings.Builder
	)
	finish := func(err error) (ReplyResult, error) {
		res.Text = text.String()
		return res, err
	}

	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			c.logger.DebugContext(ctx, "reply stream ended without done frame", "session_id", sessionID, "frames", res.Frames)
			return finish(nil)
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return finish(ctxErr)
			}
			return finish(afinaerr.Wrap(err, afinaerr.CodeTransportStreamFailure, "reading reply stream",
				afinaerr.FieldSessionID(sessionID)))
		}

		// A named "error" event carries its message as plain text or JSON.
		if ev.name == "error" {
			return finish(afinaerr.New(afinaerr.CodeTransportStreamFailure, errorDetail(ev.data),
				afinaerr.FieldSessionID(sessionID)))
		}

		frame, err := ParseFrame(ev.data)
		if err != nil {
			return finish(afinaerr.With(err, afinaerr.FieldSessionID(sessionID)))
		}
		res.Frames++

		if frame.Err != "" {
			return finish(afinaerr.New(afinaerr.CodeTransportStreamFailure, frame.Err,
				afinaerr.FieldSessionID(sessionID)))
		}

		if frame.Content != "" {
			text.WriteString(frame.Content)
			if onFragment != nil {
				if err := onFragment(frame.Content); err != nil {
					return finish(err)
				}
			}
		}
		if frame.Final != nil {
			res.Final = frame.Final
		}
		if frame.Done {
			return finish(nil)
		}
	}
}

func replyForm(req ReplyRequest) (io.Reader, string, error) {
	files := req.Files
	if files == nil {
		files = []string{}
	}
	names, err := json.Marshal(files)
	if err != nil {
		return nil, "", afinaerr.Wrap(err, afinaerr.CodeTransportRequestInvalid, "encoding file list")
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range [][2]string{
		{"chat_id", req.SessionID},
		{"message", req.Message},
		{"files", string(names)},
	} {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", afinaerr.Wrap(err, afinaerr.CodeTransportRequestInvalid, "writing form field")
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", afinaerr.Wrap(err, afinaerr.CodeTransportRequestInvalid, "closing form")
	}
	return &buf, w.FormDataContentType(), nil
}
