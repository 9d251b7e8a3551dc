package tether

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCaller scripts RPC responses for store tests and records every call.
type fakeCaller struct {
	mu        sync.Mutex
	connected bool
	calls     []fakeCall
	respond   func(method string, params any) (json.RawMessage, error)
}

type fakeCall struct {
	method string
	params any
}

func (f *fakeCaller) Call(_ context.Context, method string, params any) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{method: method, params: params})
	respond := f.respond
	f.mu.Unlock()

	if respond == nil {
		return json.RawMessage(`{}`), nil
	}
	return respond(method, params)
}

func (f *fakeCaller) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeCaller) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func (f *fakeCaller) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.method == method {
			n++
		}
	}
	return n
}

func (f *fakeCaller) sentContents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if c.method == sendMethod {
			out = append(out, c.params.(sendParams).Content)
		}
	}
	return out
}

// respondWithPages scripts messages.list: "" returns the newest page, any
// other cursor looks up the older page keyed by it.
func respondWithPages(t *testing.T, newest []Message, older map[string][]Message) func(string, any) (json.RawMessage, error) {
	t.Helper()
	return func(method string, params any) (json.RawMessage, error) {
		switch method {
		case listMethod:
			p := params.(listParams)
			if p.Before == "" {
				return mustParams(t, newest), nil
			}
			return mustParams(t, older[p.Before]), nil
		case sendMethod:
			return json.RawMessage(`{}`), nil
		}
		return nil, fmt.Errorf("unexpected method %s", method)
	}
}

func testMessages(prefix string, from, to int) []Message {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var out []Message
	for i := from; i <= to; i++ {
		out = append(out, Message{
			ID:             fmt.Sprintf("%s%02d", prefix, i),
			ConversationID: "conv-1",
			Role:           RoleAssistant,
			Content:        fmt.Sprintf("body %d", i),
			Status:         StatusComplete,
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		})
	}
	return out
}

func newTestStore(t *testing.T, caller *fakeCaller, opts StoreOptions) (*MessageStore, *Dispatcher, chan StateChange) {
	t.Helper()
	d := NewDispatcher(zerolog.Nop())
	sub := d.Subscribe(MethodMessageCreated, MethodMessageUpdated)
	states := make(chan StateChange, 8)
	s := newMessageStore("conv-1", caller, sub, states, func() {}, opts)
	t.Cleanup(s.Close)
	return s, d, states
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func TestStoreLoadSetsCursorToOldest(t *testing.T) {
	caller := &fakeCaller{connected: true}
	caller.respond = respondWithPages(t, testMessages("m", 11, 20), nil)
	s, _, _ := newTestStore(t, caller, StoreOptions{})

	require.NoError(t, s.Load(context.Background()))

	msgs := s.Messages()
	require.Len(t, msgs, 10)
	assert.Equal(t, "m11", s.OldestCursor())
	assert.Equal(t, "m11", msgs[0].ID)
	assert.Equal(t, "m20", msgs[9].ID)
}

func TestStoreLoadMoreBeforeLoadIsNoOp(t *testing.T) {
	caller := &fakeCaller{connected: true}
	s, _, _ := newTestStore(t, caller, StoreOptions{})

	require.NoError(t, s.LoadMore(context.Background()))
	assert.Zero(t, caller.callCount(listMethod), "no RPC before the first Load")
}

func TestStoreLoadMorePrependsOlderPage(t *testing.T) {
	caller := &fakeCaller{connected: true}
	caller.respond = respondWithPages(t, testMessages("m", 11, 20), map[string][]Message{
		"m11": testMessages("m", 1, 10),
	})
	s, _, _ := newTestStore(t, caller, StoreOptions{})

	require.NoError(t, s.Load(context.Background()))
	require.NoError(t, s.LoadMore(context.Background()))

	msgs := s.Messages()
	require.Len(t, msgs, 20)
	assert.Equal(t, "m01", msgs[0].ID)
	assert.Equal(t, "m20", msgs[19].ID)
	assert.Equal(t, "m01", s.OldestCursor())
}

func TestStoreLoadMoreEmptyPageMeansExhausted(t *testing.T) {
	caller := &fakeCaller{connected: true}
	caller.respond = respondWithPages(t, testMessages("m", 1, 5), map[string][]Message{})
	s, _, _ := newTestStore(t, caller, StoreOptions{})

	require.NoError(t, s.Load(context.Background()))
	require.NoError(t, s.LoadMore(context.Background()))

	assert.Len(t, s.Messages(), 5)
	assert.Equal(t, "m01", s.OldestCursor())
}

func TestStoreLoadMoreSkipsOverlappingIDs(t *testing.T) {
	caller := &fakeCaller{connected: true}
	// Older page overlaps the newest page's head.
	older := append(testMessages("m", 1, 10), testMessages("m", 11, 12)...)
	caller.respond = respondWithPages(t, testMessages("m", 11, 20), map[string][]Message{
		"m11": older,
	})
	s, _, _ := newTestStore(t, caller, StoreOptions{})

	require.NoError(t, s.Load(context.Background()))
	require.NoError(t, s.LoadMore(context.Background()))

	msgs := s.Messages()
	require.Len(t, msgs, 20)
	seen := map[string]bool{}
	for _, m := range msgs {
		assert.False(t, seen[m.ID], "duplicate id %s", m.ID)
		seen[m.ID] = true
	}
}

func TestStoreCreateEventAppendsOnce(t *testing.T) {
	caller := &fakeCaller{connected: true}
	caller.respond = respondWithPages(t, nil, nil)
	s, d, _ := newTestStore(t, caller, StoreOptions{})
	require.NoError(t, s.Load(context.Background()))

	d.Publish(createdPush(t, "m1", "conv-1", "hello"))
	d.Publish(createdPush(t, "m1", "conv-1", "hello"))
	d.Publish(createdPush(t, "m2", "other-conv", "not ours"))
	d.Publish(createdPush(t, "m3", "conv-1", "world"))

	waitFor(t, func() bool { return len(s.Messages()) == 2 }, "two unique messages for this conversation")

	msgs := s.Messages()
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m3", msgs[1].ID)
	// Pushes never move the pagination cursor.
	assert.Equal(t, "", s.OldestCursor())
}

func TestStoreUpdateDebounceAppliesLatestValueOnce(t *testing.T) {
	caller := &fakeCaller{connected: true}
	caller.respond = respondWithPages(t, testMessages("m", 1, 1), nil)
	s, d, _ := newTestStore(t, caller, StoreOptions{Debounce: 40 * time.Millisecond})
	require.NoError(t, s.Load(context.Background()))

	// Drain the load's dirty signal so the next one is the flush.
	select {
	case <-s.Changes():
	default:
	}

	for i, content := range []string{"v1", "v2", "v3"} {
		status := StatusPending
		if i == 2 {
			status = StatusComplete
		}
		d.Publish(PushEvent{Method: MethodMessageUpdated, Params: mustParams(t, MessageUpdated{
			ID:             "m01",
			ConversationID: "conv-1",
			Content:        content,
			Status:         status,
		})})
	}

	select {
	case <-s.Changes():
	case <-time.After(2 * time.Second):
		t.Fatal("debounce never flushed")
	}

	// The first visible mutation already carries the final value: the burst
	// collapsed into one apply.
	msg := s.Messages()[0]
	assert.Equal(t, "v3", msg.Content)
	assert.Equal(t, StatusComplete, msg.Status)
}

func TestStoreUpdateDebouncePerMessageLatestWins(t *testing.T) {
	caller := &fakeCaller{connected: true}
	caller.respond = respondWithPages(t, testMessages("m", 1, 2), nil)
	s, d, _ := newTestStore(t, caller, StoreOptions{Debounce: 30 * time.Millisecond})
	require.NoError(t, s.Load(context.Background()))

	for _, upd := range []MessageUpdated{
		{ID: "m01", ConversationID: "conv-1", Content: "a1", Status: StatusPending},
		{ID: "m02", ConversationID: "conv-1", Content: "b1", Status: StatusPending},
		{ID: "m01", ConversationID: "conv-1", Content: "a2", Status: StatusComplete},
	} {
		d.Publish(PushEvent{Method: MethodMessageUpdated, Params: mustParams(t, upd)})
	}

	waitFor(t, func() bool {
		msgs := s.Messages()
		return msgs[0].Content == "a2" && msgs[1].Content == "b1"
	}, "both messages carry their latest buffered value")
}

func TestStoreUpdateForUnknownMessageIsDropped(t *testing.T) {
	caller := &fakeCaller{connected: true}
	caller.respond = respondWithPages(t, testMessages("m", 1, 1), nil)
	s, d, _ := newTestStore(t, caller, StoreOptions{Debounce: 20 * time.Millisecond})
	require.NoError(t, s.Load(context.Background()))

	d.Publish(PushEvent{Method: MethodMessageUpdated, Params: mustParams(t, MessageUpdated{
		ID:             "ghost",
		ConversationID: "conv-1",
		Content:        "boo",
		Status:         StatusComplete,
	})})

	time.Sleep(100 * time.Millisecond)
	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "body 1", msgs[0].Content)
}

func TestStoreOnlineSendIssuesRPCWithoutLocalAppend(t *testing.T) {
	caller := &fakeCaller{connected: true}
	s, _, _ := newTestStore(t, caller, StoreOptions{})

	require.NoError(t, s.Send(context.Background(), "hello"))

	assert.Equal(t, []string{"hello"}, caller.sentContents())
	assert.Empty(t, s.Messages(), "the echo arrives as a create push, not locally")
	assert.Empty(t, s.PendingSends())
}

func TestStoreOfflineSendQueuesWithPlaceholder(t *testing.T) {
	caller := &fakeCaller{connected: false}
	s, _, _ := newTestStore(t, caller, StoreOptions{})

	require.NoError(t, s.Send(context.Background(), "hello"))
	require.NoError(t, s.Send(context.Background(), "hello")) // duplicate content

	assert.Equal(t, []string{"hello"}, s.PendingSends())
	assert.Zero(t, caller.callCount(sendMethod))

	msgs := s.Messages()
	require.Len(t, msgs, 1, "duplicate content must not add a second placeholder")
	assert.True(t, strings.HasPrefix(msgs[0].ID, "pending-"))
	assert.Equal(t, StatusPending, msgs[0].Status)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, "hello", msgs[0].Content)
}

func TestStoreDrainsQueueOnceOnReconnectEdge(t *testing.T) {
	caller := &fakeCaller{connected: false}
	s, _, states := newTestStore(t, caller, StoreOptions{})

	require.NoError(t, s.Send(context.Background(), "A"))
	require.NoError(t, s.Send(context.Background(), "B"))
	require.Len(t, s.PendingSends(), 2)

	caller.setConnected(true)
	states <- StateChange{Prev: StateConnecting, ConnState: ConnState{State: StateConnected}}

	waitFor(t, func() bool { return caller.callCount(sendMethod) == 2 }, "both queued sends flushed")
	assert.Equal(t, []string{"A", "B"}, caller.sentContents())
	assert.Empty(t, s.PendingSends())

	waitFor(t, func() bool { return len(s.Messages()) == 0 }, "placeholders removed after the drain")

	// A repeated Connected observation is not an edge; nothing re-sends.
	states <- StateChange{Prev: StateConnected, ConnState: ConnState{State: StateConnected}}
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, caller.callCount(sendMethod))
}

func TestStoreDrainFailureKeepsRemainderForNextReconnect(t *testing.T) {
	caller := &fakeCaller{connected: false}
	failB := errors.New("daemon hiccup")
	caller.respond = func(method string, params any) (json.RawMessage, error) {
		if method == sendMethod && params.(sendParams).Content == "B" {
			return nil, failB
		}
		return json.RawMessage(`{}`), nil
	}
	s, _, states := newTestStore(t, caller, StoreOptions{})

	require.NoError(t, s.Send(context.Background(), "A"))
	require.NoError(t, s.Send(context.Background(), "B"))

	caller.setConnected(true)
	states <- StateChange{Prev: StateDisconnected, ConnState: ConnState{State: StateConnected}}

	waitFor(t, func() bool { return caller.callCount(sendMethod) == 2 }, "drain attempted A then B")
	waitFor(t, func() bool {
		pending := s.PendingSends()
		return len(pending) == 1 && pending[0] == "B"
	}, "failed send back at the queue head")

	// A's placeholder resolved; B's survives the failed drain.
	waitFor(t, func() bool {
		msgs := s.Messages()
		return len(msgs) == 1 && msgs[0].Content == "B"
	}, "only the unsent placeholder remains")

	// Next reconnect retries B.
	caller.mu.Lock()
	caller.respond = nil
	caller.mu.Unlock()
	states <- StateChange{Prev: StateDisconnected, ConnState: ConnState{State: StateConnected}}

	waitFor(t, func() bool { return len(s.PendingSends()) == 0 }, "B flushed on the next edge")
	assert.Equal(t, []string{"A", "B", "B"}, caller.sentContents())
}

func TestStoreCloseStopsEventProcessing(t *testing.T) {
	caller := &fakeCaller{connected: true}
	caller.respond = respondWithPages(t, nil, nil)
	s, d, _ := newTestStore(t, caller, StoreOptions{})
	require.NoError(t, s.Load(context.Background()))

	s.Close()
	s.Close() // idempotent

	d.Publish(createdPush(t, "m1", "conv-1", "late"))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, s.Messages())
}
