package conversation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/LeventeLantos/rescue-dispatch/internal/model"
)

type EventKind int

const (
	EventOther EventKind = iota
	EventList
	EventButton
	EventLocation
	EventText
)

func (k EventKind) String() string {
	switch k {
	case EventList:
		return "list"
	case EventButton:
		return "button"
	case EventLocation:
		return "location"
	case EventText:
		return "text"
	default:
		return "other"
	}
}

// Event is one inbound chat message reduced to what the engine acts on.
type Event struct {
	Kind      EventKind
	MessageID string
	From      string
	ReplyID   string
	Title     string
	Text      string
	Latitude  float64
	Longitude float64
}

// ParseEvent extracts the first message of a chat webhook. ok is false for
// payloads that are valid JSON but carry no message; an error means the
// payload is not JSON at all.
func ParseEvent(payload []byte) (Event, bool, error) {
	var w model.Webhook
	if err := json.Unmarshal(payload, &w); err != nil {
		return Event{}, false, fmt.Errorf("decode webhook: %w", err)
	}
	if len(w.Entry) == 0 || len(w.Entry[0].Changes) == 0 || len(w.Entry[0].Changes[0].Value.Messages) == 0 {
		return Event{}, false, nil
	}
	m := w.Entry[0].Changes[0].Value.Messages[0]
	if strings.TrimSpace(m.From) == "" {
		return Event{}, false, nil
	}

	ev := Event{Kind: EventOther, MessageID: m.ID, From: m.From}
	switch {
	case m.Interactive != nil && m.Interactive.ListReply != nil:
		ev.Kind = EventList
		ev.ReplyID = m.Interactive.ListReply.ID
		ev.Title = m.Interactive.ListReply.Title
	case m.Interactive != nil && m.Interactive.ButtonReply != nil:
		ev.Kind = EventButton
		ev.ReplyID = m.Interactive.ButtonReply.ID
		ev.Title = m.Interactive.ButtonReply.Title
	case m.Button != nil:
		ev.Kind = EventButton
		ev.ReplyID = m.Button.Payload
		ev.Title = m.Button.Text
	case m.Location != nil:
		ev.Kind = EventLocation
		ev.Latitude = m.Location.Latitude
		ev.Longitude = m.Location.Longitude
	case m.Text != nil:
		ev.Kind = EventText
		ev.Text = strings.TrimSpace(m.Text.Body)
	}
	return ev, true, nil
}
