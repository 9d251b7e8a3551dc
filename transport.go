package tether

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Transport
// ============================================================================

// Transport is a bidirectional channel to the daemon: request/response calls
// plus a stream of unsolicited push events. Implementations must close the
// channel returned by Pushes when the link drops, whatever the cause: that
// closure is the only disconnect signal the Manager relies on.
type Transport interface {
	// Connect establishes a fresh link. It may be called again after the
	// previous link dropped or was closed.
	Connect(ctx context.Context, url string) error

	// Close tears down the current link, if any. Pending calls fail with
	// ErrNotConnected.
	Close() error

	// Call issues one request and waits for its response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Pushes returns the push stream for the current link. Valid after a
	// successful Connect until the link drops.
	Pushes() <-chan PushEvent
}

// ============================================================================
// Wire format
// ============================================================================

// wireFrame is the single frame shape on the wire. A frame with an ID is a
// response to a call; a frame with a method and no ID is a push event.
type wireFrame struct {
	ID     uint64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// wireRequest is an outgoing call frame.
type wireRequest struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// ============================================================================
// WSTransport
// ============================================================================

// WSOptions configures a WSTransport.
type WSOptions struct {
	// PingInterval is the websocket keepalive period. A failed ping closes
	// the connection so the owner observes a drop. 0 disables keepalives.
	PingInterval time.Duration

	// PushBuffer is the capacity of the push channel per connection.
	PushBuffer int

	Logger zerolog.Logger
}

func (o *WSOptions) defaults() {
	if o.PushBuffer == 0 {
		o.PushBuffer = 64
	}
}

// WSTransport speaks the daemon's websocket framing. One instance is reused
// across reconnects; each Connect dials a fresh socket and replaces the push
// channel.
type WSTransport struct {
	opts WSOptions
	log  zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pushes  chan PushEvent
	cancel  context.CancelFunc
	pending map[uint64]chan wireFrame // in-flight calls on the current link

	nextID uint64
	pendMu sync.Mutex
}

// NewWSTransport creates a websocket transport. Pass a zero WSOptions for
// defaults.
func NewWSTransport(opts WSOptions) *WSTransport {
	opts.defaults()
	return &WSTransport{
		opts: opts,
		log:  opts.Logger,
	}
}

// Connect dials the daemon. http(s) URLs are rewritten to ws(s).
func (t *WSTransport) Connect(ctx context.Context, url string) error {
	wsURL := strings.Replace(url, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial daemon: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	pushes := make(chan PushEvent, t.opts.PushBuffer)
	// Each link gets its own pending map so a dying read loop fails only
	// its own calls, never ones issued on a successor link.
	pending := make(map[uint64]chan wireFrame)

	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	if t.conn != nil {
		t.conn.Close(websocket.StatusNormalClosure, "superseded")
	}
	t.conn = conn
	t.pushes = pushes
	t.cancel = cancel
	t.pending = pending
	t.mu.Unlock()

	go t.readLoop(runCtx, conn, pushes, pending)
	if t.opts.PingInterval > 0 {
		go t.pingLoop(runCtx, conn)
	}
	return nil
}

// Close tears down the current connection.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	cancel := t.cancel
	t.conn = nil
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client closed")
	}
	return nil
}

// Pushes returns the push channel for the current connection.
func (t *WSTransport) Pushes() <-chan PushEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pushes
}

// Call sends one request frame and waits for the matching response.
func (t *WSTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	t.mu.Lock()
	conn := t.conn
	pending := t.pending
	t.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	id := atomic.AddUint64(&t.nextID, 1)
	ch := make(chan wireFrame, 1)
	t.pendMu.Lock()
	pending[id] = ch
	t.pendMu.Unlock()

	data, err := json.Marshal(wireRequest{ID: id, Method: method, Params: params})
	if err != nil {
		t.dropPending(pending, id)
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.dropPending(pending, id)
		return nil, fmt.Errorf("write %s request: %w", method, err)
	}

	select {
	case frame, ok := <-ch:
		if !ok {
			// Link dropped before the response arrived.
			return nil, ErrNotConnected
		}
		if frame.Error != nil {
			return nil, frame.Error
		}
		return frame.Result, nil
	case <-ctx.Done():
		t.dropPending(pending, id)
		return nil, ctx.Err()
	}
}

func (t *WSTransport) dropPending(pending map[uint64]chan wireFrame, id uint64) {
	t.pendMu.Lock()
	delete(pending, id)
	t.pendMu.Unlock()
}

// readLoop demultiplexes inbound frames into call responses and pushes.
// It owns its link's push channel and pending map, and on exit closes the
// channel and fails the calls still waiting on this link.
func (t *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn, pushes chan PushEvent, pending map[uint64]chan wireFrame) {
	defer func() {
		t.failPending(pending)
		close(pushes)
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.log.Debug().Err(err).Msg("transport read loop ended")
			return
		}

		var frame wireFrame
		if json.Unmarshal(data, &frame) != nil {
			t.log.Warn().Msg("dropping malformed frame")
			continue
		}

		if frame.ID != 0 {
			t.pendMu.Lock()
			ch, ok := pending[frame.ID]
			if ok {
				delete(pending, frame.ID)
			}
			t.pendMu.Unlock()
			if ok {
				ch <- frame
			}
			continue
		}

		if frame.Method == "" {
			continue
		}
		pushes <- PushEvent{Method: frame.Method, Params: frame.Params}
	}
}

// failPending wakes every call still in flight on one link after it drops.
// Calls issued on a successor link live in their own map and are untouched.
func (t *WSTransport) failPending(pending map[uint64]chan wireFrame) {
	t.pendMu.Lock()
	for id, ch := range pending {
		close(ch)
		delete(pending, id)
	}
	t.pendMu.Unlock()
}

func (t *WSTransport) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(t.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				// Force a close; the read loop surfaces the drop.
				conn.Close(websocket.StatusGoingAway, "keepalive failed")
				return
			}
		}
	}
}
