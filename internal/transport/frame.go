// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package transport

import (
	"bytes"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	afinaerr "github.com/sigil-dev/afina/pkg/errors"
)

// Frame is one decoded unit of a reply stream.
type Frame struct {
	// Content is the incremental text delta, possibly empty.
	Content string
	// Done marks the last frame of the reply.
	Done bool
	// Final is the authoritative full reply text when the backend sends one.
	Final *string
	// Err is a backend-reported failure.
	Err string
}

var doneSentinel = []byte("[DONE]")

// ParseFrame decodes a frame payload. Two shapes are understood:
//
//	{"content": "<delta>", "done": false, "final": "<full text>", "error": "<msg>"}
//	{"choices": [{"delta": {"content": "<delta>"}, "finish_reason": null}]}
//
// plus the bare [DONE] sentinel.
func ParseFrame(data []byte) (Frame, error) {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, doneSentinel) {
		return Frame{Done: true}, nil
	}
	if !gjson.ValidBytes(data) {
		return Frame{}, afinaerr.New(afinaerr.CodeTransportFrameInvalid, "frame is not valid JSON",
			afinaerr.Field("frame", truncate(string(data), 120)))
	}

	r := gjson.ParseBytes(data)
	if !r.IsObject() {
		return Frame{}, afinaerr.New(afinaerr.CodeTransportFrameInvalid, "frame is not a JSON object",
			afinaerr.Field("frame", truncate(string(data), 120)))
	}

	var f Frame
	if e := r.Get("error"); e.Exists() && e.Type != gjson.Null {
		switch {
		case e.IsObject():
			f.Err = e.Get("message").String()
		default:
			f.Err = e.String()
		}
		if f.Err == "" {
			f.Err = "backend reported an error"
		}
	}

	if c := r.Get("content"); c.Exists() {
		f.Content = c.String()
	} else {
		f.Content = r.Get("choices.0.delta.content").String()
	}

	if fin := r.Get("final"); fin.Type == gjson.String {
		s := fin.String()
		f.Final = &s
	}

	f.Done = r.Get("done").Bool()
	if reason := r.Get("choices.0.finish_reason"); reason.Type == gjson.String && reason.String() != "" {
		f.Done = true
	}

	return f, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
