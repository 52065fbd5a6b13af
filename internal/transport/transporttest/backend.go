// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package transporttest provides a scripted fake chat backend for tests.
package transporttest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

// ChatRequest is a reply request as the backend received it.
type ChatRequest struct {
	SessionID string
	Message   string
	Files     []string
	Accept    string
}

// Reply scripts the backend's answer to one chat request.
type Reply struct {
	// Fragments are streamed as content deltas in order.
	Fragments []string
	// Final, when set, is sent as the authoritative text on the done frame.
	Final *string
	// Fail sends an error frame after FailAfter fragments.
	Fail      bool
	FailAfter int
	// ErrorMessage is the text of the error frame.
	ErrorMessage string
	// OmitDone ends the body without a done frame.
	OmitDone bool
	// Raw payloads are written verbatim after the fragments.
	Raw []string
	// Status overrides the response status; the body is then a JSON detail.
	Status int
	// Delay is slept before each fragment.
	Delay time.Duration
	// Hold blocks the stream after HoldAfter fragments until it is closed or
	// the client goes away.
	Hold      chan struct{}
	HoldAfter int
}

// Text returns the concatenated fragments.
func (r Reply) Text() string { return strings.Join(r.Fragments, "") }

// Fragments builds a successful reply.
func Fragments(parts ...string) Reply {
	return Reply{Fragments: parts}
}

// Failing builds a reply that errors after n of parts.
func Failing(n int, msg string, parts ...string) Reply {
	return Reply{Fragments: parts, Fail: true, FailAfter: n, ErrorMessage: msg}
}

// File is one uploaded file.
type File struct {
	Name       string
	Size       int64
	SessionID  string
	UploadedAt time.Time
}

// Backend is a fake chat backend served over httptest.
type Backend struct {
	mode string

	mu        sync.Mutex
	replier   func(ChatRequest) Reply
	requests  []ChatRequest
	files     map[string]File
	unhealthy bool

	server *httptest.Server
}

// New starts a fake backend speaking mode ("chunked" or "sse"). It is shut
// down when the test ends.
func New(t testing.TB, mode string) *Backend {
	t.Helper()

	b := &Backend{
		mode:    mode,
		files:   make(map[string]File),
		replier: func(ChatRequest) Reply { return Fragments("ok") },
	}

	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", b.handleChat)
		r.Post("/upload", b.handleUpload)
		r.Get("/files", b.handleListFiles)
		r.Delete("/files/{name}", b.handleDeleteFile)
		r.Get("/health", b.handleHealth)
	})

	b.server = httptest.NewServer(r)
	t.Cleanup(b.server.Close)
	return b
}

// URL returns the backend base URL.
func (b *Backend) URL() string { return b.server.URL }

// Mode returns the stream mode the backend writes.
func (b *Backend) Mode() string { return b.mode }

// Respond makes every subsequent chat request receive reply.
func (b *Backend) Respond(reply Reply) {
	b.RespondWith(func(ChatRequest) Reply { return reply })
}

// RespondWith installs a function choosing the reply per request.
func (b *Backend) RespondWith(fn func(ChatRequest) Reply) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.replier = fn
}

// Requests returns the chat requests received so far.
func (b *Backend) Requests() []ChatRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.requests)
}

// Files returns the stored files sorted by name.
func (b *Backend) Files() []File {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]File, 0, len(b.files))
	for _, f := range b.files {
		out = append(out, f)
	}
	slices.SortFunc(out, func(x, y File) int { return strings.Compare(x.Name, y.Name) })
	return out
}

// SetUnhealthy makes the health endpoint fail.
func (b *Backend) SetUnhealthy(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unhealthy = v
}

func (b *Backend) handleChat(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid form: "+err.Error())
		return
	}

	req := ChatRequest{
		SessionID: r.FormValue("chat_id"),
		Message:   r.FormValue("message"),
		Accept:    r.Header.Get("Accept"),
	}
	if raw := r.FormValue("files"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Files); err != nil {
			writeDetail(w, http.StatusBadRequest, "invalid files: "+err.Error())
			return
		}
	}

	b.mu.Lock()
	b.requests = append(b.requests, req)
	reply := b.replier(req)
	b.mu.Unlock()

	if reply.Status != 0 && reply.Status != http.StatusOK {
		writeDetail(w, reply.Status, "scripted failure")
		return
	}

	flusher, _ := w.(http.Flusher)
	if b.mode == "sse" {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	w.WriteHeader(http.StatusOK)

	send := func(i int, payload string) {
		if b.mode == "sse" {
			writeSSE(w, i, payload)
		} else {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", payload)
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	if b.mode == "sse" {
		_, _ = io.WriteString(w, ": stream open\n\n")
	}

	for i, part := range reply.Fragments {
		if reply.Fail && i == reply.FailAfter {
			send(i, frame(map[string]any{"error": reply.ErrorMessage}))
			return
		}
		if reply.Hold != nil && i == reply.HoldAfter {
			select {
			case <-reply.Hold:
			case <-r.Context().Done():
				return
			}
		}
		if reply.Delay > 0 {
			select {
			case <-time.After(reply.Delay):
			case <-r.Context().Done():
				return
			}
		}
		send(i, frame(map[string]any{"content": part, "done": false}))
	}
	if reply.Fail && reply.FailAfter >= len(reply.Fragments) {
		send(len(reply.Fragments), frame(map[string]any{"error": reply.ErrorMessage}))
		return
	}
	for i, raw := range reply.Raw {
		send(len(reply.Fragments)+i, raw)
	}
	if reply.OmitDone {
		return
	}

	done := map[string]any{"content": "", "done": true}
	if reply.Final != nil {
		done["final"] = *reply.Final
	}
	send(len(reply.Fragments)+len(reply.Raw), frame(done))
}

// writeSSE writes one event. Odd events split their JSON over two data
// lines, which a conforming reader joins with a newline.
func writeSSE(w io.Writer, i int, payload string) {
	_, _ = io.WriteString(w, "event: message\n")
	if i%2 == 1 && strings.HasPrefix(payload, "{") && len(payload) > 1 {
		_, _ = fmt.Fprintf(w, "data: {\ndata: %s\n\n", payload[1:])
		return
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", payload)
}

func (b *Backend) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid form: "+err.Error())
		return
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "file is required")
		return
	}
	defer func() { _ = f.Close() }()

	n, err := io.Copy(io.Discard, f)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}

	file := File{
		Name:       hdr.Filename,
		Size:       n,
		SessionID:  r.FormValue("chat_id"),
		UploadedAt: time.Now().UTC(),
	}
	b.mu.Lock()
	b.files[file.Name] = file
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"filename": file.Name,
		"size":     file.Size,
		"chat_id":  file.SessionID,
		"message":  "File uploaded successfully",
	})
}

func (b *Backend) handleListFiles(w http.ResponseWriter, _ *http.Request) {
	files := b.Files()
	out := make([]map[string]any, 0, len(files))
	for _, f := range files {
		out = append(out, map[string]any{
			"name":        f.Name,
			"size":        f.Size,
			"uploaded_at": float64(f.UploadedAt.UnixMicro()) / 1e6,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": out})
}

func (b *Backend) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	b.mu.Lock()
	_, ok := b.files[name]
	delete(b.files, name)
	b.mu.Unlock()

	if !ok {
		writeDetail(w, http.StatusNotFound, "File not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "File " + name + " deleted"})
}

func (b *Backend) handleHealth(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	unhealthy := b.unhealthy
	b.mu.Unlock()

	if unhealthy {
		writeDetail(w, http.StatusServiceUnavailable, "backend unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "message": "fake backend is running"})
}

func frame(v map[string]any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]any{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
