// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package transport

import (
	"bufio"
	"bytes"
	"io"
)

// maxLineSize bounds a single stream line.
const maxLineSize = 1 << 20

// event is one raw payload read from a reply body.
type event struct {
	name string
	data []byte
}

// decoder yields the payloads of a reply body. Next returns io.EOF once the
// body is exhausted.
type decoder interface {
	Next() (event, error)
}

func newDecoder(mode string, r io.Reader) decoder {
	if mode == ModeSSE {
		return newSSEDecoder(r)
	}
	return newChunkedDecoder(r)
}

// chunkedDecoder reads newline-delimited "data: <json>" lines. Any other line
// is ignored.
type chunkedDecoder struct {
	sc *bufio.Scanner
}

func newChunkedDecoder(r io.Reader) *chunkedDecoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &chunkedDecoder{sc: sc}
}

func (d *chunkedDecoder) Next() (event, error) {
	for d.sc.Scan() {
		line := bytes.TrimRight(d.sc.Bytes(), "\r")
		payload, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			continue
		}
		payload = bytes.TrimPrefix(payload, []byte(" "))
		if len(bytes.TrimSpace(payload)) == 0 {
			continue
		}
		return event{data: append([]byte(nil), payload...)}, nil
	}
	if err := d.sc.Err(); err != nil {
		return event{}, err
	}
	return event{}, io.EOF
}

// sseDecoder implements the Server-Sent Events wire format: multi-line data
// fields joined by newlines, event names, comments, and dispatch on a blank
// line.
type sseDecoder struct {
	r *bufio.Reader
}

func newSSEDecoder(r io.Reader) *sseDecoder {
	return &sseDecoder{r: bufio.NewReaderSize(r, 64*1024)}
}

func (d *sseDecoder) Next() (event, error) {
	var (
		name    string
		data    [][]byte
		hasData bool
	)
	dispatch := func() event {
		return event{name: name, data: bytes.Join(data, []byte("\n"))}
	}

	for {
		line, err := d.r.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return event{}, err
		}
		if len(line) > maxLineSize {
			return event{}, bufio.ErrTooLong
		}
		eof := err == io.EOF
		line = bytes.TrimRight(line, "\r\n")

		switch {
		case len(line) == 0:
			if hasData {
				return dispatch(), nil
			}
			name = ""
		case line[0] == ':':
			// comment / keep-alive
		default:
			field, value, _ := bytes.Cut(line, []byte(":"))
			value = bytes.TrimPrefix(value, []byte(" "))
			switch string(field) {
			case "event":
				name = string(value)
			case "data":
				data = append(data, append([]byte(nil), value...))
				hasData = true
			}
		}

		if eof {
			if hasData {
				return dispatch(), nil
			}
			return event{}, io.EOF
		}
	}
}
