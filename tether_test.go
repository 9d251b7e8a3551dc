package tether

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientConversationIsCached(t *testing.T) {
	client := NewClient("ws://127.0.0.1:7350/rpc", WithTransport(&fakeTransport{}))
	defer client.Close()

	a := client.Conversation("conv-1")
	b := client.Conversation("conv-1")
	c := client.Conversation("conv-2")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}

func TestClientEndToEndConversationFlow(t *testing.T) {
	fake := &fakeTransport{
		callFn: func(method string, _ any) (json.RawMessage, error) {
			if method == listMethod {
				return mustParams(t, testMessages("m", 1, 3)), nil
			}
			return json.RawMessage(`{}`), nil
		},
	}
	client := NewClient("ws://127.0.0.1:7350/rpc",
		WithTransport(fake),
		WithBackoff(5*time.Millisecond, 20*time.Millisecond),
		WithMaxAttempts(2),
		WithDebounce(20*time.Millisecond),
	)
	defer client.Close()

	require.NoError(t, client.Connect(context.Background()))
	require.True(t, client.IsConnected())

	conv := client.Conversation("conv-1")
	require.NoError(t, conv.Load(context.Background()))
	require.Len(t, conv.Messages(), 3)

	// A push flows transport → manager → dispatcher → store.
	fake.push(createdPush(t, "m04", "conv-1", "fresh"))
	waitFor(t, func() bool { return len(conv.Messages()) == 4 }, "pushed message lands in the store")

	// An update to the streamed message coalesces and applies.
	fake.push(PushEvent{Method: MethodMessageUpdated, Params: mustParams(t, MessageUpdated{
		ID:             "m04",
		ConversationID: "conv-1",
		Content:        "fresh, finished",
		Status:         StatusComplete,
	})})
	waitFor(t, func() bool {
		msgs := conv.Messages()
		return msgs[3].Content == "fresh, finished" && msgs[3].Status == StatusComplete
	}, "debounced update applied")
}

func TestClientOfflineSendDrainsAfterReconnect(t *testing.T) {
	fake := &fakeTransport{}
	client := NewClient("ws://127.0.0.1:7350/rpc",
		WithTransport(fake),
		WithBackoff(5*time.Millisecond, 20*time.Millisecond),
	)
	defer client.Close()

	conv := client.Conversation("conv-1")

	// Not connected yet: the send queues locally.
	require.NoError(t, conv.Send(context.Background(), "while offline"))
	assert.Equal(t, []string{"while offline"}, conv.PendingSends())
	require.Len(t, conv.Messages(), 1)
	assert.Equal(t, StatusPending, conv.Messages()[0].Status)

	require.NoError(t, client.Connect(context.Background()))

	waitFor(t, func() bool { return len(conv.PendingSends()) == 0 }, "queue drained on connect")
	assert.Contains(t, fake.sentContentsVia(sendMethod), "while offline")
	waitFor(t, func() bool { return len(conv.Messages()) == 0 }, "placeholder resolved after drain")
}

func TestClientRawSubscription(t *testing.T) {
	fake := &fakeTransport{}
	client := NewClient("ws://127.0.0.1:7350/rpc", WithTransport(fake))
	defer client.Close()

	sub := client.Subscribe("session.ended")
	defer sub.Close()

	require.NoError(t, client.Connect(context.Background()))
	fake.push(PushEvent{Method: "session.ended", Params: json.RawMessage(`{"id":"s1"}`)})

	select {
	case ev := <-sub.Events():
		raw, ok := ev.(RawEvent)
		require.True(t, ok)
		assert.Equal(t, "session.ended", raw.Method())
	case <-time.After(2 * time.Second):
		t.Fatal("raw push never delivered")
	}
}

func TestClientCloseIsFinal(t *testing.T) {
	client := NewClient("ws://127.0.0.1:7350/rpc", WithTransport(&fakeTransport{}))
	require.NoError(t, client.Connect(context.Background()))
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	assert.ErrorIs(t, client.Connect(context.Background()), ErrClosed)
	_, err := client.Call(context.Background(), "daemon.status", nil)
	assert.ErrorIs(t, err, ErrClosed)
}
