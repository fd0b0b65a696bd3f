package realtime

import (
	"encoding/json"
	"fmt"

	"inkpad/api/internal/store"
)

// Event names on the wire. Client and server speak the same envelope:
// {"event": "...", "data": {...}}.
const (
	EventJoinPad       = "join-pad"
	EventLeavePad      = "leave-pad"
	EventUpdateUsers   = "update-users"
	EventLoadPad       = "load-pad"
	EventSectionUpdate = "section-update"
	EventAuthorUpdate  = "author-update"
	EventReferenceAdd  = "reference-add"
	EventError         = "error"
)

type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type JoinPadPayload struct {
	PadID    string `json:"padId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// PresenceUser is one entry in the update-users roster. The roster is always
// sent as a full replacement list, never as a delta.
type PresenceUser struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

type LoadPadPayload struct {
	PadID      string            `json:"padId"`
	Name       string            `json:"name"`
	Abstract   string            `json:"abstract"`
	Sections   []store.Section   `json:"sections"`
	Authors    []store.Author    `json:"authors"`
	References []store.Reference `json:"references"`
	Published  bool              `json:"published"`
}

type SectionUpdatePayload struct {
	PadID   string        `json:"padId"`
	Section store.Section `json:"section"`
}

type AuthorUpdatePayload struct {
	PadID   string         `json:"padId"`
	Authors []store.Author `json:"authors"`
}

type ReferenceAddPayload struct {
	PadID     string          `json:"padId"`
	Reference store.Reference `json:"reference"`
}

type ErrorPayload struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

// Error codes surfaced over the socket.
const (
	CodeUnauthorized   = "UNAUTHORIZED"
	CodePadUnavailable = "PAD_UNAVAILABLE"
	CodeBadPayload     = "BAD_PAYLOAD"
)

// Encode builds the wire bytes for an event and its payload.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	raw, err := json.Marshal(Message{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", event, err)
	}
	return raw, nil
}

func mustEncode(event string, payload any) []byte {
	raw, err := Encode(event, payload)
	if err != nil {
		panic(err)
	}
	return raw
}
