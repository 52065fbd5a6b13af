// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package transport

import (
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/sigil-dev/afina/internal/store"
	afinaerr "github.com/sigil-dev/afina/pkg/errors"
)

// maxJSONBody caps non-streamed JSON responses.
const maxJSONBody = 8 << 20

// Health is the backend's health report.
type Health struct {
	Status  string
	Message string
	Latency time.Duration
}

// OK reports whether the backend declared itself healthy.
func (h Health) OK() bool { return h.Status == "ok" }

// Upload sends the content of r to the backend as file name, scoped to
// sessionID. The returned ref carries the name the backend stored the file
// under.
func (c *Client) Upload(ctx context.Context, sessionID, name string, r io.Reader) (store.FileRef, error) {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return store.FileRef{}, afinaerr.New(afinaerr.CodeTransportRequestInvalid, "file name is required")
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	copied := make(chan int64, 1)
	go func() {
		var size int64
		err := func() error {
			if sessionID != "" {
				if err := mw.WriteField("chat_id", sessionID); err != nil {
					return err
				}
			}
			part, err := mw.CreateFormFile("file", name)
			if err != nil {
				return err
			}
			n, err := io.Copy(part, r)
			size = n
			if err != nil {
				return err
			}
			return mw.Close()
		}()
		_ = pw.CloseWithError(err)
		copied <- size
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("api", "upload"), pr)
	if err != nil {
		_ = pr.Close()
		<-copied
		return store.FileRef{}, afinaerr.Wrap(err, afinaerr.CodeTransportRequestInvalid, "building upload request")
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	body, err := c.readJSON(req)
	_ = pr.Close()
	size := <-copied
	if err != nil {
		return store.FileRef{}, afinaerr.With(err, afinaerr.FieldFile(name))
	}

	res := gjson.ParseBytes(body)
	if s := res.Get("success"); s.Exists() && !s.Bool() {
		return store.FileRef{}, afinaerr.New(afinaerr.CodeTransportUpstreamFailure,
			"upload rejected: "+res.Get("message").String(), afinaerr.FieldFile(name))
	}

	ref := store.FileRef{
		Name:       res.Get("filename").String(),
		Size:       res.Get("size").Int(),
		UploadedAt: time.Now().UTC(),
	}
	if ref.Name == "" {
		ref.Name = name
	}
	if ref.Size == 0 {
		ref.Size = size
	}
	ref.ID = ref.Name

	c.logger.DebugContext(ctx, "file uploaded", "file", ref.Name, "size", ref.Size, "session_id", sessionID)
	return ref, nil
}

// ListFiles returns every file the backend holds.
func (c *Client) ListFiles(ctx context.Context) ([]store.FileRef, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("api", "files"), nil)
	if err != nil {
		return nil, afinaerr.Wrap(err, afinaerr.CodeTransportRequestInvalid, "building list request")
	}

	body, err := c.readJSON(req)
	if err != nil {
		return nil, err
	}

	files := gjson.GetBytes(body, "files")
	if !files.IsArray() {
		return nil, afinaerr.New(afinaerr.CodeTransportUpstreamFailure, "file list response has no files array")
	}

	refs := make([]store.FileRef, 0, len(files.Array()))
	files.ForEach(func(_, f gjson.Result) bool {
		name := f.Get("name").String()
		if name == "" {
			return true
		}
		refs = append(refs, store.FileRef{
			ID:          name,
			Name:        name,
			Size:        f.Get("size").Int(),
			ContentType: f.Get("type").String(),
			UploadedAt:  parseUploadedAt(f.Get("uploaded_at")),
		})
		return true
	})
	return refs, nil
}

// DeleteFile removes name from the backend. A missing file is reported with
// a not-found code.
func (c *Client) DeleteFile(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return afinaerr.New(afinaerr.CodeTransportRequestInvalid, "file name is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint("api", "files", name), nil)
	if err != nil {
		return afinaerr.Wrap(err, afinaerr.CodeTransportRequestInvalid, "building delete request")
	}
	if _, err := c.readJSON(req); err != nil {
		return afinaerr.With(err, afinaerr.FieldFile(name))
	}

	c.logger.DebugContext(ctx, "file deleted", "file", name)
	return nil
}

// Health queries the backend health endpoint.
func (c *Client) Health(ctx context.Context) (Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("api", "health"), nil)
	if err != nil {
		return Health{}, afinaerr.Wrap(err, afinaerr.CodeTransportRequestInvalid, "building health request")
	}

	start := time.Now()
	body, err := c.readJSON(req)
	if err != nil {
		return Health{}, err
	}
	return Health{
		Status:  gjson.GetBytes(body, "status").String(),
		Message: gjson.GetBytes(body, "message").String(),
		Latency: time.Since(start),
	}, nil
}

// readJSON performs req and returns the response body, which must be JSON.
func (c *Client) readJSON(req *http.Request) ([]byte, error) {
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer closeBody(req.Context(), c.logger, resp.Body)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJSONBody))
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, afinaerr.Wrap(err, afinaerr.CodeTransportRequestFailure, "reading response")
	}
	if !gjson.ValidBytes(body) {
		return nil, afinaerr.New(afinaerr.CodeTransportUpstreamFailure, "invalid response: not JSON",
			afinaerr.Field("url", req.URL.String()))
	}
	return body, nil
}

// parseUploadedAt accepts RFC3339 strings and unix timestamps in seconds
// (possibly fractional) or milliseconds.
func parseUploadedAt(r gjson.Result) time.Time {
	switch r.Type {
	case gjson.Number:
		f := r.Float()
		if f > 1e12 {
			return time.UnixMilli(int64(f)).UTC()
		}
		sec := int64(f)
		return time.Unix(sec, int64((f-float64(sec))*1e9)).UTC()
	case gjson.String:
		if t, err := time.Parse(time.RFC3339Nano, r.String()); err == nil {
			return t.UTC()
		}
		if t, err := time.Parse("2006-01-02T15:04:05.999999", r.String()); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
