package tether

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// RPCError represents a daemon-side call failure.
type RPCError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return e.Code + ": " + e.Message
}

var (
	// ErrNotConnected is returned by RPC operations when there is no live
	// connection to the daemon.
	ErrNotConnected = errors.New("tether: not connected")

	// ErrClosed is returned after Close has been called.
	ErrClosed = errors.New("tether: client closed")
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Message statuses. The daemon may emit further statuses via update events;
// these are the ones the client itself produces or inspects.
const (
	StatusPending  = "pending"
	StatusComplete = "complete"
)

// Message is one entry in a conversation. Identity is ID; Content and Status
// are mutable via update events, everything else is fixed at creation.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	Role           string         `json:"role"`
	Content        string         `json:"content"`
	Status         string         `json:"status"`
	CreatedAt      time.Time      `json:"createdAt"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// DaemonInfo is the daemon metadata refreshed after every successful connect.
type DaemonInfo struct {
	Version        string `json:"version"`
	UptimeSeconds  int64  `json:"uptime"`
	ActiveSessions int    `json:"activeSessions"`
	Port           int    `json:"port"`
}

// PushEvent is a server-initiated message not solicited by any call.
// Consumed once by dispatcher subscribers, never retained.
type PushEvent struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// decodeJSON unmarshals into T, wrapping decode failures.
func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}
