// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package transport_test

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/afina/internal/transport"
	"github.com/sigil-dev/afina/internal/transport/transporttest"
	afinaerr "github.com/sigil-dev/afina/pkg/errors"
)

var modes = []string{transport.ModeChunked, transport.ModeSSE}

func newClient(t *testing.T, backend *transporttest.Backend) *transport.Client {
	t.Helper()
	c, err := transport.New(transport.Options{BaseURL: backend.URL(), Mode: backend.Mode()})
	require.NoError(t, err)
	return c
}

func collect(got *[]string) transport.FragmentFunc {
	return func(s string) error {
		*got = append(*got, s)
		return nil
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		opts transport.Options
	}{
		{name: "empty url", opts: transport.Options{}},
		{name: "no scheme", opts: transport.Options{BaseURL: "localhost:8000"}},
		{name: "ftp", opts: transport.Options{BaseURL: "ftp://example.com"}},
		{name: "bad mode", opts: transport.Options{BaseURL: "http://localhost", Mode: "websocket"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := transport.New(tt.opts)
			require.Error(t, err)
			assert.True(t, afinaerr.IsInvalidInput(err) || afinaerr.HasCode(err, afinaerr.CodeTransportRequestInvalid))
		})
	}

	c, err := transport.New(transport.Options{BaseURL: "http://localhost:8000/"})
	require.NoError(t, err)
	assert.Equal(t, transport.ModeChunked, c.Mode())
	assert.Equal(t, "http://localhost:8000", c.BaseURL())
}

func TestStreamReply(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode, func(t *testing.T) {
			backend := transporttest.New(t, mode)
			backend.Respond(transporttest.Fragments("Hi", " there", "!"))
			c := newClient(t, backend)

			var got []string
			res, err := c.StreamReply(context.Background(), transport.ReplyRequest{
				SessionID: "chat_1",
				Message:   "Hello",
				Files:     []string{"notes.txt"},
			}, collect(&got))
			require.NoError(t, err)

			assert.Equal(t, []string{"Hi", " there", "!"}, got)
			assert.Equal(t, "Hi there!", res.Text)
			assert.Nil(t, res.Final)
			assert.Equal(t, "Hi there!", res.FinalText())
			assert.Equal(t, 4, res.Frames)

			reqs := backend.Requests()
			require.Len(t, reqs, 1)
			assert.Equal(t, "chat_1", reqs[0].SessionID)
			assert.Equal(t, "Hello", reqs[0].Message)
			assert.Equal(t, []string{"notes.txt"}, reqs[0].Files)
			if mode == transport.ModeSSE {
				assert.Equal(t, "text/event-stream", reqs[0].Accept)
			}
		})
	}
}

func TestStreamReply_EmptyFileListIsSent(t *testing.T) {
	backend := transporttest.New(t, transport.ModeChunked)
	c := newClient(t, backend)

	_, err := c.StreamReply(context.Background(), transport.ReplyRequest{SessionID: "chat_1", Message: "x"}, nil)
	require.NoError(t, err)

	reqs := backend.Requests()
	require.Len(t, reqs, 1)
	assert.NotNil(t, reqs[0].Files)
	assert.Empty(t, reqs[0].Files)
}

func TestStreamReply_FinalText(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode, func(t *testing.T) {
			backend := transporttest.New(t, mode)
			final := "Hi there! (edited)"
			reply := transporttest.Fragments("Hi", " there!")
			reply.Final = &final
			backend.Respond(reply)

			res, err := newClient(t, backend).StreamReply(context.Background(),
				transport.ReplyRequest{SessionID: "chat_1", Message: "Hello"}, nil)
			require.NoError(t, err)
			assert.Equal(t, "Hi there!", res.Text)
			require.NotNil(t, res.Final)
			assert.Equal(t, final, res.FinalText())
		})
	}
}

func TestStreamReply_EOFWithoutDone(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode, func(t *testing.T) {
			backend := transporttest.New(t, mode)
			reply := transporttest.Fragments("partial", " answer")
			reply.OmitDone = true
			backend.Respond(reply)

			res, err := newClient(t, backend).StreamReply(context.Background(),
				transport.ReplyRequest{SessionID: "chat_1", Message: "Hello"}, nil)
			require.NoError(t, err)
			assert.Equal(t, "partial answer", res.Text)
		})
	}
}

func TestStreamReply_ErrorFrame(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode, func(t *testing.T) {
			backend := transporttest.New(t, mode)
			backend.Respond(transporttest.Failing(1, "model overloaded", "Hi", " there!"))

			var got []string
			res, err := newClient(t, backend).StreamReply(context.Background(),
				transport.ReplyRequest{SessionID: "chat_1", Message: "Hello"}, collect(&got))
			require.Error(t, err)
			assert.True(t, afinaerr.HasCode(err, afinaerr.CodeTransportStreamFailure), "got %v", err)
			assert.Contains(t, err.Error(), "model overloaded")
			assert.Equal(t, []string{"Hi"}, got)
			assert.Equal(t, "Hi", res.Text, "partial text is reported")
		})
	}
}

func TestStreamReply_MalformedFrame(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode, func(t *testing.T) {
			backend := transporttest.New(t, mode)
			reply := transporttest.Fragments("Hi")
			reply.Raw = []string{`{"content": "unterminated`}
			backend.Respond(reply)

			res, err := newClient(t, backend).StreamReply(context.Background(),
				transport.ReplyRequest{SessionID: "chat_1", Message: "Hello"}, nil)
			require.Error(t, err)
			assert.True(t, afinaerr.HasCode(err, afinaerr.CodeTransportFrameInvalid), "got %v", err)
			assert.True(t, afinaerr.IsTransport(err))
			assert.Equal(t, "Hi", res.Text)
		})
	}
}

func TestStreamReply_HTTPStatus(t *testing.T) {
	tests := []struct {
		status int
		code   afinaerr.Code
	}{
		{status: http.StatusBadRequest, code: afinaerr.CodeTransportRequestInvalid},
		{status: http.StatusNotFound, code: afinaerr.CodeTransportNotFound},
		{status: http.StatusInternalServerError, code: afinaerr.CodeTransportUpstreamFailure},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			backend := transporttest.New(t, transport.ModeChunked)
			backend.Respond(transporttest.Reply{Status: tt.status})

			_, err := newClient(t, backend).StreamReply(context.Background(),
				transport.ReplyRequest{SessionID: "chat_1", Message: "Hello"}, nil)
			require.Error(t, err)
			assert.True(t, afinaerr.HasCode(err, tt.code), "got %v", err)
			assert.Contains(t, err.Error(), "scripted failure")
		})
	}
}

func TestStreamReply_FragmentCallbackAborts(t *testing.T) {
	backend := transporttest.New(t, transport.ModeChunked)
	backend.Respond(transporttest.Fragments("a", "b", "c"))

	stop := afinaerr.New(afinaerr.CodeReconcileFragmentStale, "stop")
	calls := 0
	_, err := newClient(t, backend).StreamReply(context.Background(),
		transport.ReplyRequest{SessionID: "chat_1", Message: "Hello"},
		func(string) error {
			calls++
			return stop
		})
	require.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestStreamReply_Cancel(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode, func(t *testing.T) {
			backend := transporttest.New(t, mode)
			hold := make(chan struct{})
			defer close(hold)
			reply := transporttest.Fragments("Hi", " there!")
			reply.Hold = hold
			reply.HoldAfter = 1
			backend.Respond(reply)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			got := make(chan string, 4)
			done := make(chan error, 1)
			go func() {
				_, err := newClient(t, backend).StreamReply(ctx,
					transport.ReplyRequest{SessionID: "chat_1", Message: "Hello"},
					func(s string) error {
						got <- s
						return nil
					})
				done <- err
			}()

			select {
			case s := <-got:
				assert.Equal(t, "Hi", s)
			case <-time.After(5 * time.Second):
				t.Fatal("first fragment not delivered")
			}
			cancel()

			select {
			case err := <-done:
				require.ErrorIs(t, err, context.Canceled)
			case <-time.After(5 * time.Second):
				t.Fatal("stream did not stop after cancel")
			}
		})
	}
}

func TestStreamReply_RequiresSession(t *testing.T) {
	backend := transporttest.New(t, transport.ModeChunked)
	_, err := newClient(t, backend).StreamReply(context.Background(), transport.ReplyRequest{Message: "x"}, nil)
	require.Error(t, err)
	assert.Empty(t, backend.Requests())
}

func TestStreamReply_BackendDown(t *testing.T) {
	c, err := transport.New(transport.Options{BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)

	_, err = c.StreamReply(context.Background(), transport.ReplyRequest{SessionID: "chat_1", Message: "x"}, nil)
	require.Error(t, err)
	assert.True(t, afinaerr.HasCode(err, afinaerr.CodeTransportRequestFailure), "got %v", err)
}

func TestFiles(t *testing.T) {
	backend := transporttest.New(t, transport.ModeChunked)
	c := newClient(t, backend)
	ctx := context.Background()

	ref, err := c.Upload(ctx, "chat_1", "/tmp/dir/notes.txt", strings.NewReader("hello world"))
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", ref.Name)
	assert.Equal(t, int64(11), ref.Size)

	_, err = c.Upload(ctx, "", "report.pdf", strings.NewReader("pdf"))
	require.NoError(t, err)

	stored := backend.Files()
	require.Len(t, stored, 2)
	assert.Equal(t, "chat_1", stored[0].SessionID)

	files, err := c.ListFiles(ctx)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "notes.txt", files[0].Name)
	assert.Equal(t, int64(11), files[0].Size)
	assert.WithinDuration(t, time.Now(), files[0].UploadedAt, time.Minute)

	require.NoError(t, c.DeleteFile(ctx, "notes.txt"))
	err = c.DeleteFile(ctx, "notes.txt")
	require.Error(t, err)
	assert.True(t, afinaerr.IsNotFound(err), "got %v", err)

	files, err = c.ListFiles(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "report.pdf", files[0].Name)
}

func TestUpload_RequiresName(t *testing.T) {
	backend := transporttest.New(t, transport.ModeChunked)
	_, err := newClient(t, backend).Upload(context.Background(), "chat_1", "  ", strings.NewReader("x"))
	require.Error(t, err)
	assert.Empty(t, backend.Files())
}

func TestHealth(t *testing.T) {
	backend := transporttest.New(t, transport.ModeChunked)
	c := newClient(t, backend)

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, h.OK())
	assert.NotEmpty(t, h.Message)

	backend.SetUnhealthy(true)
	_, err = c.Health(context.Background())
	require.Error(t, err)
	assert.True(t, afinaerr.HasCode(err, afinaerr.CodeTransportUpstreamFailure), "got %v", err)
	assert.Contains(t, err.Error(), "backend unavailable")
}
