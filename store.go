package tether

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// RPC methods the store consumes.
const (
	listMethod = "messages.list"
	sendMethod = "messages.send"
)

type listParams struct {
	ConversationID string `json:"conversationId"`
	Limit          int    `json:"limit"`
	Before         string `json:"before,omitempty"`
}

type sendParams struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

// Caller is the slice of the connection manager a store depends on.
type Caller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	IsConnected() bool
}

// StoreOptions tunes a MessageStore. Page size and debounce window are
// tuning defaults, not contracts.
type StoreOptions struct {
	// PageSize is the fetch size for the initial load and LoadMore.
	PageSize int

	// Debounce is the quiet period applied to update events. A burst of
	// updates within one window collapses into a single mutation carrying
	// each message's latest value.
	Debounce time.Duration

	Logger zerolog.Logger
}

func (o *StoreOptions) defaults() {
	if o.PageSize == 0 {
		o.PageSize = 50
	}
	if o.Debounce == 0 {
		o.Debounce = 80 * time.Millisecond
	}
}

// ============================================================================
// Message Store
// ============================================================================

// MessageStore maintains a coherent, paginated view of one conversation from
// a mix of page fetches and incremental push events. Messages are ordered by
// creation, deduplicated by id. All mutations are serialized internally;
// consumers read snapshots and watch Changes for a coalesced dirty signal.
type MessageStore struct {
	conversationID string
	caller         Caller
	opts           StoreOptions
	log            zerolog.Logger

	mu             sync.Mutex
	messages       []Message
	index          map[string]int
	cursor         string // id of the oldest loaded message
	loaded         bool
	pendingUpdates map[string]MessageUpdated
	debounce       *time.Timer
	closed         bool

	queue   *SendQueue
	changes chan struct{}

	sub        *Subscription
	states     <-chan StateChange
	stopStates func()
	done       chan struct{}
}

func newMessageStore(conversationID string, caller Caller, sub *Subscription, states <-chan StateChange, stopStates func(), opts StoreOptions) *MessageStore {
	opts.defaults()
	s := &MessageStore{
		conversationID: conversationID,
		caller:         caller,
		opts:           opts,
		log:            opts.Logger.With().Str("conversation", conversationID).Logger(),
		index:          make(map[string]int),
		pendingUpdates: make(map[string]MessageUpdated),
		queue:          NewSendQueue(),
		changes:        make(chan struct{}, 1),
		sub:            sub,
		states:         states,
		stopStates:     stopStates,
		done:           make(chan struct{}),
	}
	go s.run()
	return s
}

// Messages returns a snapshot of the loaded messages in creation order.
func (s *MessageStore) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// OldestCursor returns the id of the oldest loaded message, or "" before the
// first successful fetch.
func (s *MessageStore) OldestCursor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// PendingSends returns the offline-queued contents in submission order.
func (s *MessageStore) PendingSends() []string {
	return s.queue.Items()
}

// Changes returns a coalesced dirty signal: it fires at least once after any
// state mutation, never more often than mutations occur.
func (s *MessageStore) Changes() <-chan struct{} {
	return s.changes
}

// Load fetches the newest page and replaces the store contents.
func (s *MessageStore) Load(ctx context.Context) error {
	page, err := s.fetchPage(ctx, "")
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.messages = s.messages[:0]
	s.index = make(map[string]int, len(page))
	for _, msg := range page {
		if _, dup := s.index[msg.ID]; dup {
			continue
		}
		s.index[msg.ID] = len(s.messages)
		s.messages = append(s.messages, msg)
	}
	if len(s.messages) > 0 {
		s.cursor = s.messages[0].ID
	} else {
		s.cursor = ""
	}
	s.loaded = true
	s.mu.Unlock()

	s.notify()
	return nil
}

// LoadMore fetches one older page before the current cursor and prepends it.
// A no-op before the first Load or once history is exhausted.
func (s *MessageStore) LoadMore(ctx context.Context) error {
	s.mu.Lock()
	if !s.loaded || s.cursor == "" {
		s.mu.Unlock()
		return nil
	}
	before := s.cursor
	s.mu.Unlock()

	page, err := s.fetchPage(ctx, before)
	if err != nil {
		return err
	}
	if len(page) == 0 {
		return nil
	}

	s.mu.Lock()
	fresh := page[:0:0]
	for _, msg := range page {
		if _, dup := s.index[msg.ID]; !dup {
			fresh = append(fresh, msg)
		}
	}
	s.messages = append(fresh, s.messages...)
	s.index = make(map[string]int, len(s.messages))
	for i, msg := range s.messages {
		s.index[msg.ID] = i
	}
	if len(s.messages) > 0 {
		s.cursor = s.messages[0].ID
	}
	s.mu.Unlock()

	s.notify()
	return nil
}

// Send delivers content to the conversation. While connected the send RPC is
// issued directly and the resulting message arrives later as a create push.
// While disconnected a placeholder message with a pending- id renders
// immediately and the content joins the offline queue, deduplicated by exact
// content match.
func (s *MessageStore) Send(ctx context.Context, content string) error {
	if s.caller.IsConnected() {
		return s.sendRPC(ctx, content)
	}

	if !s.queue.Enqueue(content) {
		// Already queued or in-flight; no second placeholder either.
		return nil
	}

	placeholder := Message{
		ID:             "pending-" + ulid.Make().String(),
		ConversationID: s.conversationID,
		Role:           RoleUser,
		Content:        content,
		Status:         StatusPending,
		CreatedAt:      time.Now().UTC(),
	}
	s.mu.Lock()
	s.index[placeholder.ID] = len(s.messages)
	s.messages = append(s.messages, placeholder)
	s.mu.Unlock()

	s.notify()
	return nil
}

// Close unsubscribes from pushes and state changes and stops the debounce
// timer. Buffered updates are discarded.
func (s *MessageStore) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
	s.mu.Unlock()

	s.sub.Close()
	if s.stopStates != nil {
		s.stopStates()
	}
	close(s.done)
}

// ----------------------------------------------------------------------------
// internals
// ----------------------------------------------------------------------------

func (s *MessageStore) run() {
	events := s.sub.Events()
	states := s.states
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			s.apply(e)
		case change, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			// Exactly one drain per reconnect: only the edge into
			// Connected counts, not every Connected observation.
			if change.Prev != StateConnected && change.State == StateConnected {
				go s.drainQueue()
			}
		case <-s.done:
			return
		}
	}
}

func (s *MessageStore) apply(e Event) {
	switch e := e.(type) {
	case MessageCreated:
		if e.Message.ConversationID != s.conversationID {
			return
		}
		s.appendMessage(e.Message)
	case MessageUpdated:
		if e.ConversationID != s.conversationID {
			return
		}
		s.bufferUpdate(e)
	}
}

// appendMessage appends a pushed message; pushes are assumed newer than
// anything already loaded. Duplicate ids are dropped.
func (s *MessageStore) appendMessage(msg Message) {
	s.mu.Lock()
	if _, dup := s.index[msg.ID]; dup {
		s.mu.Unlock()
		return
	}
	s.index[msg.ID] = len(s.messages)
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	s.notify()
}

// bufferUpdate stages an update and (re)starts the debounce window. Only the
// latest value per message id survives the window.
func (s *MessageStore) bufferUpdate(upd MessageUpdated) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pendingUpdates[upd.ID] = upd
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounce = time.AfterFunc(s.opts.Debounce, s.flushUpdates)
	s.mu.Unlock()
}

// flushUpdates applies every buffered update in one pass.
func (s *MessageStore) flushUpdates() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	changed := false
	for id, upd := range s.pendingUpdates {
		if pos, ok := s.index[id]; ok {
			s.messages[pos].Content = upd.Content
			s.messages[pos].Status = upd.Status
			changed = true
		}
	}
	s.pendingUpdates = make(map[string]MessageUpdated)
	s.debounce = nil
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

func (s *MessageStore) fetchPage(ctx context.Context, before string) ([]Message, error) {
	raw, err := s.caller.Call(ctx, listMethod, listParams{
		ConversationID: s.conversationID,
		Limit:          s.opts.PageSize,
		Before:         before,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	page, err := decodeJSON[[]Message](raw)
	if err != nil {
		return nil, err
	}
	return *page, nil
}

func (s *MessageStore) sendRPC(ctx context.Context, content string) error {
	// The response body is ignored; the created message arrives via push.
	_, err := s.caller.Call(ctx, sendMethod, sendParams{
		ConversationID: s.conversationID,
		Content:        content,
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// drainQueue flushes the offline queue after a reconnect. A failure leaves
// the remainder queued for the next reconnect; nothing is surfaced to
// callers.
func (s *MessageStore) drainQueue() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	err := s.queue.Drain(ctx, func(ctx context.Context, content string) error {
		if err := s.sendRPC(ctx, content); err != nil {
			return err
		}
		s.resolvePending(content)
		return nil
	})
	if err != nil {
		s.log.Warn().Err(err).Int("remaining", s.queue.Len()).Msg("offline drain interrupted, will retry on next reconnect")
	}
}

// resolvePending removes the placeholder for a successfully drained send;
// the confirmed message arrives separately as a create push.
func (s *MessageStore) resolvePending(content string) {
	s.mu.Lock()
	removed := false
	for i, msg := range s.messages {
		if msg.Status == StatusPending && msg.Content == content {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			removed = true
			break
		}
	}
	if removed {
		s.index = make(map[string]int, len(s.messages))
		for i, msg := range s.messages {
			s.index[msg.ID] = i
		}
	}
	s.mu.Unlock()

	if removed {
		s.notify()
	}
}

func (s *MessageStore) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}
