// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package reconcile_test

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/afina/internal/chat"
	"github.com/sigil-dev/afina/internal/events"
	"github.com/sigil-dev/afina/internal/poller"
	"github.com/sigil-dev/afina/internal/reconcile"
	"github.com/sigil-dev/afina/internal/store"
	"github.com/sigil-dev/afina/internal/store/memory"
	"github.com/sigil-dev/afina/internal/transport"
	"github.com/sigil-dev/afina/internal/transport/transporttest"
	afinaerr "github.com/sigil-dev/afina/pkg/errors"
)

const notice = "Something broke, try again."

// recordingKV keeps every value written per key.
type recordingKV struct {
	store.KV

	mu     sync.Mutex
	writes map[string][][]byte
	// beforeSet, when set, runs ahead of every write.
	beforeSet func(key string)
}

func (r *recordingKV) Set(ctx context.Context, key string, value []byte) error {
	r.mu.Lock()
	r.writes[key] = append(r.writes[key], slices.Clone(value))
	hook := r.beforeSet
	r.mu.Unlock()
	if hook != nil {
		hook(key)
	}
	return r.KV.Set(ctx, key, value)
}

func (r *recordingKV) blobs(t *testing.T, key string) []store.ChatData {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]store.ChatData, 0, len(r.writes[key]))
	for _, raw := range r.writes[key] {
		var d store.ChatData
		require.NoError(t, json.Unmarshal(raw, &d))
		out = append(out, d)
	}
	return out
}

type fixture struct {
	model *chat.Model
	repo  *store.Repository
	kv    *recordingKV
	rec   *reconcile.Reconciler
}

func newFixture(t *testing.T, streamer reconcile.Streamer, interval time.Duration) *fixture {
	t.Helper()
	kv := &recordingKV{KV: memory.New(), writes: make(map[string][][]byte)}
	repo := store.NewRepository(kv)
	hub := events.NewHub(nil)
	model := chat.NewModel(repo, hub)
	rec := reconcile.New(model, streamer, reconcile.Options{PersistInterval: interval, ErrorNotice: notice})

	t.Cleanup(func() {
		rec.Close()
		model.Close()
		_ = hub.Close()
		_ = kv.Close()
	})
	return &fixture{model: model, repo: repo, kv: kv, rec: rec}
}

func newBackendFixture(t *testing.T, mode string) (*fixture, *transporttest.Backend) {
	t.Helper()
	backend := transporttest.New(t, mode)
	client, err := transport.New(transport.Options{BaseURL: backend.URL(), Mode: mode})
	require.NoError(t, err)
	return newFixture(t, client, 5*time.Millisecond), backend
}

func (f *fixture) newSession(t *testing.T, name string) string {
	t.Helper()
	s, err := f.model.Create(context.Background(), name)
	require.NoError(t, err)
	return s.ID
}

type line struct {
	Sender  store.Sender
	Content string
}

func transcript(msgs []store.Message) []line {
	out := make([]line, len(msgs))
	for i, m := range msgs {
		out[i] = line{Sender: m.Sender, Content: m.Content}
	}
	return out
}

// requireConverged checks that the model and the store hold the same
// transcript and typing state, and returns the model's session.
func (f *fixture) requireConverged(t *testing.T, id string) *chat.Session {
	t.Helper()
	s, err := f.model.Get(context.Background(), id)
	require.NoError(t, err)

	_, data, err := f.repo.Load(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, transcript(s.Messages), transcript(data.Messages), "store and model diverge")
	assert.Equal(t, s.IsAgentTyping, data.Typing)
	return s
}

func TestSend_Scenario(t *testing.T) {
	for _, mode := range []string{transport.ModeChunked, transport.ModeSSE} {
		t.Run(mode, func(t *testing.T) {
			f, backend := newBackendFixture(t, mode)
			backend.Respond(transporttest.Fragments("Hi", " there", "!"))
			ctx := context.Background()

			id := f.newSession(t, "Demo")
			require.NoError(t, f.rec.Send(ctx, id, "Hello"))

			s := f.requireConverged(t, id)
			assert.Equal(t, "Demo", s.Name)
			assert.Equal(t, []line{
				{Sender: store.SenderUser, Content: "Hello"},
				{Sender: store.SenderAgent, Content: "Hi there!"},
			}, transcript(s.Messages))
			assert.False(t, s.IsAgentTyping)
			assert.False(t, f.rec.Streaming(id))

			_, ok, err := f.repo.Activity(ctx, id)
			require.NoError(t, err)
			assert.False(t, ok, "activity key is removed")

			reqs := backend.Requests()
			require.Len(t, reqs, 1)
			assert.Equal(t, id, reqs[0].SessionID)
			assert.Equal(t, "Hello", reqs[0].Message)
		})
	}
}

func TestSend_PollDuringStartKeepsTyping(t *testing.T) {
	f, backend := newBackendFixture(t, transport.ModeChunked)
	backend.Respond(transporttest.Fragments("Hi", " there"))
	ctx := context.Background()
	id := f.newSession(t, "")

	var (
		once      sync.Once
		outcome   poller.Outcome
		passErr   error
		streaming bool
	)
	f.kv.mu.Lock()
	f.kv.beforeSet = func(key string) {
		if key != store.ActivityKey(id) {
			return
		}
		once.Do(func() {
			streaming = f.rec.Streaming(id)
			p := poller.New(f.model, id, f.rec, poller.Options{StaleAfter: time.Hour})
			outcome, passErr = p.Pass(ctx)
		})
	}
	f.kv.mu.Unlock()

	require.NoError(t, f.rec.Send(ctx, id, "Hello"))

	require.NoError(t, passErr)
	assert.True(t, streaming, "send counts as streaming before the reply opens")
	assert.Equal(t, poller.Skipped, outcome)

	// The empty agent message is written once the reply opens; typing must
	// still be set on that write.
	var opened *store.ChatData
	for _, d := range f.kv.blobs(t, id) {
		if m, ok := d.LastMessage(); ok && m.Sender == store.SenderAgent {
			opened = &d
			break
		}
	}
	require.NotNil(t, opened)
	assert.True(t, opened.Typing)

	s := f.requireConverged(t, id)
	assert.False(t, s.IsAgentTyping)
	assert.Equal(t, "Hi there", s.Messages[1].Content)
}

func TestSend_ScenarioTransportError(t *testing.T) {
	for _, mode := range []string{transport.ModeChunked, transport.ModeSSE} {
		t.Run(mode, func(t *testing.T) {
			f, backend := newBackendFixture(t, mode)
			backend.Respond(transporttest.Failing(1, "upstream exploded", "Hi", " there", "!"))

			id := f.newSession(t, "Demo")
			err := f.rec.Send(context.Background(), id, "Hello")
			require.Error(t, err)
			assert.True(t, afinaerr.IsTransport(err), "got %v", err)

			s := f.requireConverged(t, id)
			assert.Equal(t, []line{
				{Sender: store.SenderUser, Content: "Hello"},
				{Sender: store.SenderAgent, Content: "Hi"},
				{Sender: store.SenderAgent, Content: notice},
			}, transcript(s.Messages))
			assert.False(t, s.IsAgentTyping)
		})
	}
}

func TestSend_MalformedFrameFails(t *testing.T) {
	f, backend := newBackendFixture(t, transport.ModeChunked)
	reply := transporttest.Fragments("Hi")
	reply.Raw = []string{"{broken"}
	backend.Respond(reply)

	id := f.newSession(t, "")
	err := f.rec.Send(context.Background(), id, "Hello")
	require.Error(t, err)
	assert.True(t, afinaerr.HasCode(err, afinaerr.CodeTransportFrameInvalid), "got %v", err)

	s := f.requireConverged(t, id)
	require.Len(t, s.Messages, 3)
	assert.Equal(t, "Hi", s.Messages[1].Content)
	assert.Equal(t, notice, s.Messages[2].Content)
}

func TestSend_BackendStatusFails(t *testing.T) {
	f, backend := newBackendFixture(t, transport.ModeChunked)
	backend.Respond(transporttest.Reply{Status: 500})

	id := f.newSession(t, "")
	require.Error(t, f.rec.Send(context.Background(), id, "Hello"))

	s := f.requireConverged(t, id)
	assert.Equal(t, []line{
		{Sender: store.SenderUser, Content: "Hello"},
		{Sender: store.SenderAgent, Content: ""},
		{Sender: store.SenderAgent, Content: notice},
	}, transcript(s.Messages))
	assert.False(t, s.IsAgentTyping)
}

func TestSend_FinalTextWins(t *testing.T) {
	f, backend := newBackendFixture(t, transport.ModeSSE)
	final := "Hi there, friend!"
	reply := transporttest.Fragments("Hi", " there")
	reply.Final = &final
	backend.Respond(reply)

	id := f.newSession(t, "")
	require.NoError(t, f.rec.Send(context.Background(), id, "Hello"))

	s := f.requireConverged(t, id)
	assert.Equal(t, final, s.Messages[1].Content)
}

func TestSend_PassesAttachedFiles(t *testing.T) {
	f, backend := newBackendFixture(t, transport.ModeChunked)
	id := f.newSession(t, "")
	_, err := f.model.AttachFile(context.Background(), id, "notes.txt")
	require.NoError(t, err)

	require.NoError(t, f.rec.Send(context.Background(), id, "summarise"))

	reqs := backend.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, []string{"notes.txt"}, reqs[0].Files)
}

func TestSend_RejectsEmptyMessage(t *testing.T) {
	f, backend := newBackendFixture(t, transport.ModeChunked)
	id := f.newSession(t, "")

	err := f.rec.Send(context.Background(), id, " \n ")
	require.Error(t, err)
	assert.True(t, afinaerr.IsInvalidInput(err))
	assert.Empty(t, backend.Requests())
}

func TestSend_UnknownSession(t *testing.T) {
	f, backend := newBackendFixture(t, transport.ModeChunked)

	err := f.rec.Send(context.Background(), "chat_missing", "Hello")
	require.Error(t, err)
	assert.True(t, afinaerr.IsNotFound(err))
	assert.Empty(t, backend.Requests())
}

func TestSend_NoStreamer(t *testing.T) {
	f := newFixture(t, nil, 0)
	id := f.newSession(t, "")
	require.Error(t, f.rec.Send(context.Background(), id, "Hello"))
}

// waitForContent waits until the open reply in memory reads want.
func waitForContent(t *testing.T, f *fixture, id string, idx int, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, ok := f.model.Snapshot(id)
		return ok && len(s.Messages) > idx && s.Messages[idx].Content == want
	}, 5*time.Second, 5*time.Millisecond)
}

func TestSend_CancelKeepsPartialContent(t *testing.T) {
	for _, mode := range []string{transport.ModeChunked, transport.ModeSSE} {
		t.Run(mode, func(t *testing.T) {
			f, backend := newBackendFixture(t, mode)
			hold := make(chan struct{})
			defer close(hold)
			reply := transporttest.Fragments("Hi", " there", "!")
			reply.Hold = hold
			reply.HoldAfter = 1
			backend.Respond(reply)

			id := f.newSession(t, "")
			done := make(chan error, 1)
			go func() { done <- f.rec.Send(context.Background(), id, "Hello") }()

			waitForContent(t, f, id, 1, "Hi")
			assert.True(t, f.rec.Streaming(id))
			f.rec.Cancel(id)

			select {
			case err := <-done:
				require.Error(t, err)
				assert.True(t, afinaerr.IsCanceled(err), "got %v", err)
				assert.ErrorIs(t, err, context.Canceled)
			case <-time.After(5 * time.Second):
				t.Fatal("send did not return after cancel")
			}

			s := f.requireConverged(t, id)
			assert.Equal(t, []line{
				{Sender: store.SenderUser, Content: "Hello"},
				{Sender: store.SenderAgent, Content: "Hi"},
			}, transcript(s.Messages), "no error notice after cancel")
			assert.False(t, s.IsAgentTyping)
			assert.False(t, f.rec.Streaming(id))
		})
	}
}

func TestSend_NewMessageCancelsRunningReply(t *testing.T) {
	f, backend := newBackendFixture(t, transport.ModeChunked)
	hold := make(chan struct{})
	defer close(hold)
	backend.RespondWith(func(req transporttest.ChatRequest) transporttest.Reply {
		if req.Message == "first" {
			r := transporttest.Fragments("one", " more")
			r.Hold = hold
			r.HoldAfter = 1
			return r
		}
		return transporttest.Fragments("second", " answer")
	})

	id := f.newSession(t, "")
	first := make(chan error, 1)
	go func() { first <- f.rec.Send(context.Background(), id, "first") }()
	waitForContent(t, f, id, 1, "one")

	require.NoError(t, f.rec.Send(context.Background(), id, "second"))
	assert.True(t, afinaerr.IsCanceled(<-first))

	s := f.requireConverged(t, id)
	assert.Equal(t, []line{
		{Sender: store.SenderUser, Content: "first"},
		{Sender: store.SenderAgent, Content: "one"},
		{Sender: store.SenderUser, Content: "second"},
		{Sender: store.SenderAgent, Content: "second answer"},
	}, transcript(s.Messages))
	assert.False(t, s.IsAgentTyping)
}

func TestClose_CancelsStreams(t *testing.T) {
	backend := transporttest.New(t, transport.ModeChunked)
	hold := make(chan struct{})
	defer close(hold)
	reply := transporttest.Fragments("Hi", " there")
	reply.Hold = hold
	reply.HoldAfter = 1
	backend.Respond(reply)

	client, err := transport.New(transport.Options{BaseURL: backend.URL()})
	require.NoError(t, err)
	f := newFixture(t, client, time.Hour)

	id := f.newSession(t, "")
	done := make(chan error, 1)
	go func() { done <- f.rec.Send(context.Background(), id, "Hello") }()
	waitForContent(t, f, id, 1, "Hi")

	f.rec.Close()
	select {
	case err := <-done:
		assert.True(t, afinaerr.IsCanceled(err), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("send did not return after close")
	}

	s := f.requireConverged(t, id)
	assert.Equal(t, "Hi", s.Messages[1].Content)
	assert.False(t, s.IsAgentTyping)

	err = f.rec.Send(context.Background(), id, "again")
	require.Error(t, err)
	assert.True(t, afinaerr.IsCanceled(err))
}

func TestFragmentOrderConverges(t *testing.T) {
	fragments := make([]string, 0, 60)
	for i := range 60 {
		fragments = append(fragments, strings.Repeat(string(rune('a'+i%26)), i%4+1))
	}
	want := strings.Join(fragments, "")

	for _, interval := range []time.Duration{0, time.Millisecond, 10 * time.Millisecond, 50 * time.Millisecond, time.Second} {
		t.Run(interval.String(), func(t *testing.T) {
			f := newFixture(t, nil, interval)
			ctx := context.Background()
			id := f.newSession(t, "")

			replyID, err := f.rec.BeginReply(ctx, id)
			require.NoError(t, err)
			for _, frag := range fragments {
				require.NoError(t, f.rec.ApplyFragment(ctx, id, replyID, frag))
			}
			require.NoError(t, f.rec.EndReply(ctx, id, replyID, &want))

			s := f.requireConverged(t, id)
			require.Len(t, s.Messages, 1)
			assert.Equal(t, want, s.Messages[0].Content)
		})
	}
}

func TestPersistedReplyNeverShrinks(t *testing.T) {
	f := newFixture(t, nil, 5*time.Millisecond)
	ctx := context.Background()
	id := f.newSession(t, "")

	replyID, err := f.rec.BeginReply(ctx, id)
	require.NoError(t, err)
	for range 200 {
		require.NoError(t, f.rec.ApplyFragment(ctx, id, replyID, "x"))
	}
	require.NoError(t, f.rec.EndReply(ctx, id, replyID, nil))

	blobs := f.kv.blobs(t, id)
	require.NotEmpty(t, blobs)
	last := -1
	for _, b := range blobs {
		if len(b.Messages) == 0 {
			continue
		}
		n := len(b.Messages[0].Content)
		assert.GreaterOrEqual(t, n, last, "a flush wrote an older reply")
		last = n
	}
	assert.Equal(t, 200, last)
	assert.Less(t, len(blobs), 200, "writes are coalesced")
}

func TestApplyFragment_PersistsBeforeEnd(t *testing.T) {
	f := newFixture(t, nil, 10*time.Millisecond)
	ctx := context.Background()
	id := f.newSession(t, "")

	replyID, err := f.rec.BeginReply(ctx, id)
	require.NoError(t, err)
	for _, frag := range []string{"a", "b", "c"} {
		require.NoError(t, f.rec.ApplyFragment(ctx, id, replyID, frag))
	}

	require.Eventually(t, func() bool {
		data, err := f.repo.ChatData(ctx, id)
		return err == nil && len(data.Messages) == 1 && data.Messages[0].Content == "abc"
	}, 5*time.Second, 5*time.Millisecond)

	_, ok, err := f.repo.Activity(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok, "fragments bump the activity timestamp")
}

func TestApplyFragment_PublishesFragments(t *testing.T) {
	f := newFixture(t, nil, time.Hour)
	ctx := context.Background()
	id := f.newSession(t, "")

	var (
		mu  sync.Mutex
		got []string
	)
	unsubscribe, err := f.model.Subscribe(id, func(ev events.Event) {
		if ev.Kind != events.KindFragment {
			return
		}
		mu.Lock()
		got = append(got, ev.Fragment)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsubscribe()

	replyID, err := f.rec.BeginReply(ctx, id)
	require.NoError(t, err)
	for _, frag := range []string{"Hi", " there", "!"} {
		require.NoError(t, f.rec.ApplyFragment(ctx, id, replyID, frag))
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return slices.Equal(got, []string{"Hi", " there", "!"})
	}, 5*time.Second, 5*time.Millisecond)
}

func TestPartialFailurePreservesFragments(t *testing.T) {
	f := newFixture(t, nil, 50*time.Millisecond)
	ctx := context.Background()
	id := f.newSession(t, "")
	_, err := f.model.SetTyping(ctx, id, true)
	require.NoError(t, err)

	replyID, err := f.rec.BeginReply(ctx, id)
	require.NoError(t, err)
	for _, frag := range []string{"The answer", " is"} {
		require.NoError(t, f.rec.ApplyFragment(ctx, id, replyID, frag))
	}
	require.NoError(t, f.rec.Fail(ctx, id, replyID, errors.New("connection reset")))

	s := f.requireConverged(t, id)
	assert.Equal(t, []line{
		{Sender: store.SenderAgent, Content: "The answer is"},
		{Sender: store.SenderAgent, Content: notice},
	}, transcript(s.Messages))
	assert.False(t, s.IsAgentTyping)
	assert.False(t, f.rec.Streaming(id))
}

func TestNoCrossTalkBetweenReplies(t *testing.T) {
	f := newFixture(t, nil, 5*time.Millisecond)
	ctx := context.Background()
	id := f.newSession(t, "")

	first, err := f.rec.BeginReply(ctx, id)
	require.NoError(t, err)
	require.NoError(t, f.rec.ApplyFragment(ctx, id, first, "first"))

	second, err := f.rec.BeginReply(ctx, id)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	err = f.rec.ApplyFragment(ctx, id, first, " late")
	require.Error(t, err)
	assert.ErrorIs(t, err, reconcile.ErrStaleReply)
	assert.True(t, afinaerr.IsStale(err))

	require.NoError(t, f.rec.ApplyFragment(ctx, id, second, "second"))
	require.NoError(t, f.rec.EndReply(ctx, id, second, nil))

	s := f.requireConverged(t, id)
	assert.Equal(t, []line{
		{Sender: store.SenderAgent, Content: "first"},
		{Sender: store.SenderAgent, Content: "second"},
	}, transcript(s.Messages))
}

func TestApplyFragment_UnknownReplyIsStale(t *testing.T) {
	f := newFixture(t, nil, 0)
	ctx := context.Background()
	id := f.newSession(t, "")
	msg, err := f.model.AppendMessage(ctx, id, store.Message{Sender: store.SenderAgent, Content: "done"})
	require.NoError(t, err)

	err = f.rec.ApplyFragment(ctx, id, msg.ID, "more")
	assert.ErrorIs(t, err, reconcile.ErrStaleReply)

	s, err := f.model.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "done", s.Messages[0].Content)
}

func TestEndReply_StaleStillClearsTyping(t *testing.T) {
	f := newFixture(t, nil, 0)
	ctx := context.Background()
	id := f.newSession(t, "")
	_, err := f.model.SetTyping(ctx, id, true)
	require.NoError(t, err)

	first, err := f.rec.BeginReply(ctx, id)
	require.NoError(t, err)
	require.NoError(t, f.rec.ApplyFragment(ctx, id, first, "kept"))
	_, err = f.rec.BeginReply(ctx, id)
	require.NoError(t, err)

	overwrite := "overwritten"
	require.NoError(t, f.rec.EndReply(ctx, id, first, &overwrite))

	s := f.requireConverged(t, id)
	assert.False(t, s.IsAgentTyping)
	assert.Equal(t, "kept", s.Messages[0].Content, "a stale final text is not applied")
}

func TestEndReply_FinalTextReplacesAccumulated(t *testing.T) {
	f := newFixture(t, nil, time.Hour)
	ctx := context.Background()
	id := f.newSession(t, "")

	replyID, err := f.rec.BeginReply(ctx, id)
	require.NoError(t, err)
	require.NoError(t, f.rec.ApplyFragment(ctx, id, replyID, "Hi th"))

	final := "Hi there!"
	require.NoError(t, f.rec.EndReply(ctx, id, replyID, &final))

	s := f.requireConverged(t, id)
	assert.Equal(t, final, s.Messages[0].Content)
}

func TestEndReply_BumpsUpdatedAt(t *testing.T) {
	f := newFixture(t, nil, 0)
	ctx := context.Background()
	id := f.newSession(t, "")
	before, err := f.model.Get(ctx, id)
	require.NoError(t, err)

	replyID, err := f.rec.BeginReply(ctx, id)
	require.NoError(t, err)
	require.NoError(t, f.rec.EndReply(ctx, id, replyID, nil))

	after, err := f.model.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, after.UpdatedAt.Before(before.UpdatedAt))
}
