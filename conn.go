package tether

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Connection state
// ============================================================================

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// ConnState is an observable snapshot of the connection.
type ConnState struct {
	State State

	// Attempt counts failed connect attempts since the last success or
	// explicit Reconnect. Resets to 0 on either.
	Attempt int

	// LastErr holds the most recent connect failure, empty while healthy.
	LastErr string
}

// StateChange is broadcast to StateChanges subscribers on every transition.
type StateChange struct {
	Prev State
	ConnState
}

// ============================================================================
// Configuration
// ============================================================================

// ManagerConfig tunes the reconnect policy.
type ManagerConfig struct {
	// BaseDelay is the backoff floor; delay for attempt n is
	// min(MaxDelay, BaseDelay·2^n) plus jitter in [0, JitterMax).
	BaseDelay time.Duration
	MaxDelay  time.Duration
	JitterMax time.Duration

	// MaxAttempts caps automatic retries. Once reached the manager stays in
	// the error state until an explicit Reconnect.
	MaxAttempts int

	// ConnectTimeout bounds each dial.
	ConnectTimeout time.Duration

	Logger zerolog.Logger
}

func (c *ManagerConfig) defaults() {
	if c.BaseDelay == 0 {
		c.BaseDelay = 2 * time.Second
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 60 * time.Second
	}
	if c.JitterMax == 0 {
		c.JitterMax = time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 8
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
}

// ============================================================================
// Manager
// ============================================================================

// statusMethod is the best-effort metadata refresh issued after every
// successful connect.
const statusMethod = "daemon.status"

// Manager maintains exactly one logical connection to the daemon,
// transparently recovering from drops. It exclusively owns the Transport;
// every RPC anywhere in the client goes through Call.
type Manager struct {
	config    *ManagerConfig
	transport Transport
	disp      *Dispatcher
	log       zerolog.Logger

	mu         sync.Mutex
	url        string
	state      State
	attempt    int
	lastErr    string
	retryTimer *time.Timer
	gen        int // bumped on every deliberate teardown; orphans stale pumps
	closed     bool
	info       *DaemonInfo

	subMu      sync.Mutex
	subs       map[chan StateChange]struct{}
	subsClosed bool
}

// NewManager creates a manager for the given daemon URL. Pass nil config for
// defaults. The manager starts disconnected; call Connect.
func NewManager(url string, transport Transport, disp *Dispatcher, config *ManagerConfig) *Manager {
	if config == nil {
		config = &ManagerConfig{}
	}
	config.defaults()
	return &Manager{
		config:    config,
		transport: transport,
		disp:      disp,
		log:       config.Logger,
		url:       url,
		state:     StateDisconnected,
		subs:      make(map[chan StateChange]struct{}),
	}
}

// CurrentState returns a snapshot of the connection state.
func (m *Manager) CurrentState() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() ConnState {
	return ConnState{State: m.state, Attempt: m.attempt, LastErr: m.lastErr}
}

// IsConnected reports whether a live connection exists.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected
}

// Info returns the daemon metadata cached on the last successful connect,
// or nil if none has been fetched yet.
func (m *Manager) Info() *DaemonInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}

// FetchInfo fetches fresh daemon metadata synchronously and caches it for
// Info. Requires a live connection.
func (m *Manager) FetchInfo(ctx context.Context) (*DaemonInfo, error) {
	raw, err := m.Call(ctx, statusMethod, nil)
	if err != nil {
		return nil, err
	}
	info, err := decodeJSON[DaemonInfo](raw)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.info = info
	m.mu.Unlock()
	return info, nil
}

// StateChanges subscribes to state transitions. The returned cancel func
// must be called to release the subscription. Delivery is buffered and
// never blocks the manager; extremely slow consumers lose transitions.
// After Close the returned channel is already closed.
func (m *Manager) StateChanges() (<-chan StateChange, func()) {
	ch := make(chan StateChange, 8)
	m.subMu.Lock()
	if m.subsClosed {
		m.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()

	cancel := func() {
		m.subMu.Lock()
		if _, ok := m.subs[ch]; ok {
			delete(m.subs, ch)
			close(ch)
		}
		m.subMu.Unlock()
	}
	return ch, cancel
}

// Connect establishes the connection. Idempotent: a no-op while already
// connecting or connected. A failed dial schedules an automatic retry.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	m.stopRetryLocked()
	prev := m.state
	m.state = StateConnecting
	url := m.url
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.emit(prev, snap)

	dialCtx, cancel := context.WithTimeout(ctx, m.config.ConnectTimeout)
	err := m.transport.Connect(dialCtx, url)
	cancel()
	if err != nil {
		m.connectFailed(err)
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.transport.Close()
		return ErrClosed
	}
	prev = m.state
	m.state = StateConnected
	m.attempt = 0
	m.lastErr = ""
	m.gen++
	gen := m.gen
	snap = m.snapshotLocked()
	m.mu.Unlock()
	m.emit(prev, snap)
	m.log.Info().Str("url", url).Msg("connected to daemon")

	go m.pump(gen, m.transport.Pushes())
	go m.refreshInfo()
	return nil
}

// Reconnect resets the attempt counter and forces an immediate retry.
// A no-op while already connected.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.stopRetryLocked()
	m.attempt = 0
	m.lastErr = ""
	connected := m.state == StateConnected
	m.mu.Unlock()

	if connected {
		return nil
	}
	return m.Connect(ctx)
}

// SwitchURL drops the current connection, cancels any pending retry and
// connects to the new URL with a fresh attempt counter.
func (m *Manager) SwitchURL(ctx context.Context, url string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.stopRetryLocked()
	m.gen++
	m.attempt = 0
	m.lastErr = ""
	m.url = url
	m.state = StateDisconnected
	m.mu.Unlock()

	m.transport.Close()
	return m.Connect(ctx)
}

// Call issues one RPC over the managed transport.
func (m *Manager) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	m.mu.Lock()
	closed, state := m.closed, m.state
	m.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if state != StateConnected {
		return nil, ErrNotConnected
	}
	return m.transport.Call(ctx, method, params)
}

// Close tears the manager down: pending retry timers are cancelled, the
// transport is closed and state subscribers are released.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.gen++
	m.stopRetryLocked()
	prev := m.state
	m.state = StateDisconnected
	snap := m.snapshotLocked()
	m.mu.Unlock()

	err := m.transport.Close()
	m.emit(prev, snap)

	m.subMu.Lock()
	m.subsClosed = true
	for ch := range m.subs {
		delete(m.subs, ch)
		close(ch)
	}
	m.subMu.Unlock()
	return err
}

// ----------------------------------------------------------------------------
// internals
// ----------------------------------------------------------------------------

// pump forwards pushes from one connection to the dispatcher. The push
// channel closing is the disconnect signal; a stale generation means the
// teardown was deliberate.
func (m *Manager) pump(gen int, pushes <-chan PushEvent) {
	for ev := range pushes {
		m.disp.Publish(ev)
	}

	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = StateDisconnected
	delay := m.backoff(m.attempt)
	m.scheduleRetryLocked(delay)
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.emit(prev, snap)
	m.log.Warn().Dur("retry_in", delay).Msg("connection lost")
}

func (m *Manager) connectFailed(err error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	n := m.attempt
	m.attempt++
	m.lastErr = err.Error()
	prev := m.state
	m.state = StateError

	if m.attempt < m.config.MaxAttempts {
		delay := m.backoff(n)
		m.scheduleRetryLocked(delay)
		snap := m.snapshotLocked()
		m.mu.Unlock()
		m.emit(prev, snap)
		m.log.Warn().Err(err).Int("attempt", n+1).Dur("retry_in", delay).Msg("connect failed")
		return
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.emit(prev, snap)
	m.log.Error().Err(err).Int("attempts", m.config.MaxAttempts).Msg("connect failed, giving up until explicit reconnect")
}

// backoff computes the delay before retry n (0-indexed).
func (m *Manager) backoff(n int) time.Duration {
	d := time.Duration(math.Min(
		float64(m.config.BaseDelay)*math.Pow(2, float64(n)),
		float64(m.config.MaxDelay),
	))
	if m.config.JitterMax > 0 {
		d += time.Duration(rand.Int63n(int64(m.config.JitterMax)))
	}
	return d
}

func (m *Manager) scheduleRetryLocked(delay time.Duration) {
	m.retryTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.retryTimer = nil
		m.mu.Unlock()
		m.Connect(context.Background())
	})
}

func (m *Manager) stopRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

// refreshInfo issues the best-effort status call after a connect. Failures
// are swallowed; they never affect connection state.
func (m *Manager) refreshInfo() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := m.FetchInfo(ctx); err != nil {
		m.log.Debug().Err(err).Msg("status refresh failed")
	}
}

func (m *Manager) emit(prev State, snap ConnState) {
	change := StateChange{Prev: prev, ConnState: snap}
	m.subMu.Lock()
	for ch := range m.subs {
		select {
		case ch <- change:
		default:
		}
	}
	m.subMu.Unlock()
}
