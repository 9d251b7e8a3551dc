// Package tether keeps a live, reliable session with a local daemon over a
// persistent bidirectional RPC connection. It maintains a local view of the
// daemon's conversations (messages, streaming updates, tool output) that
// stays correct across connection churn, and queues outbound sends while the
// link is down.
//
// Example:
//
//	client := tether.NewClient("ws://127.0.0.1:7350/rpc")
//	if err := client.Connect(ctx); err != nil { ... }
//	defer client.Close()
//
//	conv := client.Conversation("conv-42")
//	if err := conv.Load(ctx); err != nil { ... }
//	for range conv.Changes() {
//		render(conv.Messages())
//	}
package tether

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Client
// ============================================================================

// Client bundles the connection manager, push dispatcher and per-conversation
// stores behind one handle. Construct exactly one per daemon at process
// startup and pass it to everything that needs daemon access.
type Client struct {
	mgr  *Manager
	disp *Dispatcher
	log  zerolog.Logger

	storeOpts StoreOptions

	mu     sync.Mutex
	stores map[string]*MessageStore
	closed bool
}

type clientConfig struct {
	transport Transport
	manager   ManagerConfig
	store     StoreOptions
	ping      time.Duration
	logger    zerolog.Logger
}

// ClientOption configures NewClient.
type ClientOption func(*clientConfig)

// WithTransport substitutes the daemon transport; the default is a websocket
// transport.
func WithTransport(t Transport) ClientOption {
	return func(c *clientConfig) { c.transport = t }
}

// WithLogger installs a structured logger; the default discards everything.
func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *clientConfig) { c.logger = log }
}

// WithBackoff overrides the reconnect backoff bounds.
func WithBackoff(base, max time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.manager.BaseDelay = base
		c.manager.MaxDelay = max
	}
}

// WithMaxAttempts overrides the automatic-retry cap.
func WithMaxAttempts(n int) ClientOption {
	return func(c *clientConfig) { c.manager.MaxAttempts = n }
}

// WithPageSize overrides the per-conversation fetch size.
func WithPageSize(n int) ClientOption {
	return func(c *clientConfig) { c.store.PageSize = n }
}

// WithDebounce overrides the update coalescing window.
func WithDebounce(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.store.Debounce = d }
}

// WithKeepalive sets the websocket ping period of the default transport.
// Ignored when WithTransport is used.
func WithKeepalive(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.ping = d }
}

// NewClient creates a client for the daemon at url. Call Connect to
// establish the session.
func NewClient(url string, opts ...ClientOption) *Client {
	cfg := clientConfig{
		ping:   25 * time.Second,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.transport == nil {
		cfg.transport = NewWSTransport(WSOptions{
			PingInterval: cfg.ping,
			Logger:       cfg.logger,
		})
	}
	cfg.manager.Logger = cfg.logger
	cfg.store.Logger = cfg.logger

	disp := NewDispatcher(cfg.logger)
	return &Client{
		mgr:       NewManager(url, cfg.transport, disp, &cfg.manager),
		disp:      disp,
		log:       cfg.logger,
		storeOpts: cfg.store,
		stores:    make(map[string]*MessageStore),
	}
}

// Connect establishes the daemon session. Connection drops afterwards are
// recovered automatically with exponential backoff.
func (c *Client) Connect(ctx context.Context) error {
	return c.mgr.Connect(ctx)
}

// Reconnect resets the retry budget and forces an immediate attempt.
func (c *Client) Reconnect(ctx context.Context) error {
	return c.mgr.Reconnect(ctx)
}

// SwitchURL moves the session to a different daemon endpoint.
func (c *Client) SwitchURL(ctx context.Context, url string) error {
	return c.mgr.SwitchURL(ctx, url)
}

// State returns the current connection state snapshot.
func (c *Client) State() ConnState {
	return c.mgr.CurrentState()
}

// IsConnected reports whether the session is live.
func (c *Client) IsConnected() bool {
	return c.mgr.IsConnected()
}

// Info returns the daemon metadata cached on the last connect, or nil.
func (c *Client) Info() *DaemonInfo {
	return c.mgr.Info()
}

// FetchInfo fetches fresh daemon metadata, updating the Info cache.
func (c *Client) FetchInfo(ctx context.Context) (*DaemonInfo, error) {
	return c.mgr.FetchInfo(ctx)
}

// StateChanges subscribes to connection transitions.
func (c *Client) StateChanges() (<-chan StateChange, func()) {
	return c.mgr.StateChanges()
}

// Call issues a raw RPC to the daemon.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.mgr.Call(ctx, method, params)
}

// Subscribe taps the push stream, optionally filtered by method.
func (c *Client) Subscribe(methods ...string) *Subscription {
	return c.disp.Subscribe(methods...)
}

// Conversation returns the message store for one conversation, creating it
// on first use. Stores are cached; repeated calls return the same instance.
func (c *Client) Conversation(id string) *MessageStore {
	c.mu.Lock()
	defer c.mu.Unlock()

	if store, ok := c.stores[id]; ok {
		return store
	}
	sub := c.disp.Subscribe(MethodMessageCreated, MethodMessageUpdated)
	states, stopStates := c.mgr.StateChanges()
	store := newMessageStore(id, c.mgr, sub, states, stopStates, c.storeOpts)
	c.stores[id] = store
	return store
}

// Close tears down every conversation store and the connection. The client
// cannot be reused afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stores := make([]*MessageStore, 0, len(c.stores))
	for _, s := range c.stores {
		stores = append(stores, s)
	}
	c.stores = make(map[string]*MessageStore)
	c.mu.Unlock()

	for _, s := range stores {
		s.Close()
	}
	return c.mgr.Close()
}
