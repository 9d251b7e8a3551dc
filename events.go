package tether

import (
	"encoding/json"
	"time"
)

// Push methods the client understands natively. Anything else flows through
// subscribers as a RawEvent.
const (
	MethodMessageCreated = "message.created"
	MethodMessageUpdated = "message.updated"
)

// Event is the typed form of a push event. Decoding happens once, at the
// dispatcher boundary, so subscribers switch on the concrete type instead of
// re-matching method strings.
type Event interface {
	// Method returns the wire method the event was decoded from.
	Method() string
}

// MessageCreated carries a freshly created message.
type MessageCreated struct {
	Message Message
}

func (MessageCreated) Method() string { return MethodMessageCreated }

// MessageUpdated carries an in-place mutation of an existing message.
type MessageUpdated struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	Status         string `json:"status"`
}

func (MessageUpdated) Method() string { return MethodMessageUpdated }

// RawEvent is a push the client has no typed decoding for. The params are
// passed through untouched.
type RawEvent struct {
	PushMethod string
	Params     json.RawMessage
}

func (e RawEvent) Method() string { return e.PushMethod }

// decodeEvent turns a wire push into its typed form. It returns false for
// malformed events (missing required fields), which are dropped rather than
// forwarded.
func decodeEvent(ev PushEvent) (Event, bool) {
	switch ev.Method {
	case MethodMessageCreated:
		var msg Message
		if json.Unmarshal(ev.Params, &msg) != nil {
			return nil, false
		}
		if msg.ID == "" || msg.ConversationID == "" {
			return nil, false
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now().UTC()
		}
		return MessageCreated{Message: msg}, true

	case MethodMessageUpdated:
		var upd MessageUpdated
		if json.Unmarshal(ev.Params, &upd) != nil {
			return nil, false
		}
		if upd.ID == "" || upd.ConversationID == "" {
			return nil, false
		}
		return upd, true

	default:
		return RawEvent{PushMethod: ev.Method, Params: ev.Params}, true
	}
}
