package chatsync

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

type EventKind string

const (
	KindMessageUpserted      EventKind = "message.upserted"
	KindMessageStatusChanged EventKind = "message.status"
	KindMessageDeleted       EventKind = "message.deleted"
	KindConversationSnapshot EventKind = "conversation.snapshot"
	KindLabelChanged         EventKind = "label.changed"
	KindConversationDeleted  EventKind = "conversation.deleted"
)

// Event is one validated push-stream event. The concrete types below are the
// only implementations.
type Event interface {
	Kind() EventKind
	Ref() ConversationRef
}

type MessageUpserted struct {
	Conversation ConversationRef
	Message      Message
}

type MessageStatusChanged struct {
	Conversation ConversationRef
	MessageID    string
	IsOutbound   bool
	Status       DeliveryStatus
	Edited       bool
	Text         string
}

type MessageDeleted struct {
	Conversation ConversationRef
	MessageID    string
}

type ConversationSnapshotUpserted struct {
	Snapshot ConversationSnapshot
}

type LabelChanged struct {
	Conversation ConversationRef
	LabelID      string
	Added        bool
}

type ConversationDeleted struct {
	Conversation ConversationRef
}

func (MessageUpserted) Kind() EventKind              { return KindMessageUpserted }
func (MessageStatusChanged) Kind() EventKind         { return KindMessageStatusChanged }
func (MessageDeleted) Kind() EventKind               { return KindMessageDeleted }
func (ConversationSnapshotUpserted) Kind() EventKind { return KindConversationSnapshot }
func (LabelChanged) Kind() EventKind                 { return KindLabelChanged }
func (ConversationDeleted) Kind() EventKind          { return KindConversationDeleted }

func (e MessageUpserted) Ref() ConversationRef      { return e.Conversation }
func (e MessageStatusChanged) Ref() ConversationRef { return e.Conversation }
func (e MessageDeleted) Ref() ConversationRef       { return e.Conversation }
func (e ConversationSnapshotUpserted) Ref() ConversationRef {
	return ConversationRef{ConnectorID: e.Snapshot.ConnectorID, RemoteConversationID: e.Snapshot.RemoteConversationID}
}
func (e LabelChanged) Ref() ConversationRef        { return e.Conversation }
func (e ConversationDeleted) Ref() ConversationRef { return e.Conversation }

//go:embed event_schema.json
var eventSchemaJSON []byte

type envelope struct {
	Type                 EventKind       `json:"type"`
	ConnectorID          string          `json:"connectorId,omitempty"`
	RemoteConversationID string          `json:"remoteConversationId"`
	Data                 json.RawMessage `json:"data,omitempty"`
}

type wireMessage struct {
	ID            string       `json:"id"`
	ProvisionalID string       `json:"provisionalId,omitempty"`
	Participant   string       `json:"participant,omitempty"`
	IsOutbound    bool         `json:"isOutbound"`
	Text          string       `json:"text,omitempty"`
	Attachments   []Attachment `json:"attachments,omitempty"`
	TimestampMs   int64        `json:"timestampMs"`
	Status        statusToken  `json:"status"`
	Edited        bool         `json:"edited,omitempty"`
	SourceTag     string       `json:"sourceTag,omitempty"`
}

type wireStatus struct {
	ID         string       `json:"id"`
	IsOutbound bool         `json:"isOutbound"`
	Status     *statusToken `json:"status,omitempty"`
	Edited     bool         `json:"edited,omitempty"`
	Text       string       `json:"text,omitempty"`
}

type wireDeleted struct {
	ID string `json:"id"`
}

type wireSnapshot struct {
	DisplayName            string      `json:"displayName,omitempty"`
	Kind                   ChannelKind `json:"kind,omitempty"`
	LastMessageTimestampMs int64       `json:"lastMessageTimestampMs,omitempty"`
	UnreadCount            *uint64     `json:"unreadCount,omitempty"`
	Labels                 []string    `json:"labels,omitempty"`
	Preview                string      `json:"preview,omitempty"`
}

type wireLabel struct {
	LabelID string `json:"labelId"`
	Action  string `json:"action"`
}

// statusToken accepts both the string and numeric forms gateways emit.
// An absent status decodes as StatusUnknown.
type statusToken DeliveryStatus

func (t *statusToken) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" || raw == "" {
		*t = statusToken(StatusUnknown)
		return nil
	}
	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = unquoted
	}
	*t = statusToken(ParseStatus(raw))
	return nil
}

func (t statusToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(DeliveryStatus(t).String())
}

// EventDecoder validates raw frames against the event schema and converts
// them into typed events.
type EventDecoder struct {
	schema *jsonschema.Schema
}

func NewEventDecoder() (*EventDecoder, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(eventSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse event schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("event.json", doc); err != nil {
		return nil, fmt.Errorf("add event schema: %w", err)
	}
	schema, err := c.Compile("event.json")
	if err != nil {
		return nil, fmt.Errorf("compile event schema: %w", err)
	}
	return &EventDecoder{schema: schema}, nil
}

// Decode returns an *EventError for anything that is not a well-formed event.
func (d *EventDecoder) Decode(frame []byte) (Event, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(frame))
	if err != nil {
		return nil, &EventError{Reason: "invalid json"}
	}
	if err := d.schema.Validate(inst); err != nil {
		var verr *jsonschema.ValidationError
		reason := err.Error()
		if errors.As(err, &verr) {
			reason = firstLine(verr.Error())
		}
		return nil, &EventError{Kind: peekKind(inst), Reason: reason}
	}

	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, &EventError{Reason: err.Error()}
	}
	ref := ConversationRef{
		ConnectorID:          strings.TrimSpace(env.ConnectorID),
		RemoteConversationID: strings.TrimSpace(env.RemoteConversationID),
	}
	switch env.Type {
	case KindMessageUpserted:
		w := wireMessage{Status: statusToken(StatusUnknown)}
		if err := decodeData(env, &w); err != nil {
			return nil, err
		}
		return MessageUpserted{Conversation: ref, Message: w.message(ref)}, nil
	case KindMessageStatusChanged:
		var w wireStatus
		if err := decodeData(env, &w); err != nil {
			return nil, err
		}
		status := StatusUnknown
		if w.Status != nil {
			status = DeliveryStatus(*w.Status)
			if !status.Valid() && !w.Edited {
				return nil, &EventError{Kind: string(env.Type), Reason: "unknown status token"}
			}
		}
		return MessageStatusChanged{
			Conversation: ref,
			MessageID:    w.ID,
			IsOutbound:   w.IsOutbound,
			Status:       status,
			Edited:       w.Edited,
			Text:         w.Text,
		}, nil
	case KindMessageDeleted:
		var w wireDeleted
		if err := decodeData(env, &w); err != nil {
			return nil, err
		}
		return MessageDeleted{Conversation: ref, MessageID: w.ID}, nil
	case KindConversationSnapshot:
		var w wireSnapshot
		if len(env.Data) > 0 {
			if err := decodeData(env, &w); err != nil {
				return nil, err
			}
		}
		return ConversationSnapshotUpserted{Snapshot: ConversationSnapshot{
			ConnectorID:            ref.ConnectorID,
			RemoteConversationID:   ref.RemoteConversationID,
			DisplayName:            w.DisplayName,
			Kind:                   w.Kind,
			LastMessageTimestampMs: w.LastMessageTimestampMs,
			UnreadCount:            w.UnreadCount,
			Labels:                 w.Labels,
			Preview:                w.Preview,
		}}, nil
	case KindLabelChanged:
		var w wireLabel
		if err := decodeData(env, &w); err != nil {
			return nil, err
		}
		return LabelChanged{Conversation: ref, LabelID: strings.TrimSpace(w.LabelID), Added: w.Action == "add"}, nil
	case KindConversationDeleted:
		return ConversationDeleted{Conversation: ref}, nil
	default:
		return nil, &EventError{Kind: string(env.Type), Reason: "unsupported type"}
	}
}

func (w wireMessage) message(ref ConversationRef) Message {
	return Message{
		Key: MessageKey{
			ID:                   strings.TrimSpace(w.ID),
			RemoteConversationID: ref.RemoteConversationID,
			Participant:          w.Participant,
			IsOutbound:           w.IsOutbound,
		},
		ProvisionalID: w.ProvisionalID,
		Content:       Content{Text: w.Text, Attachments: w.Attachments},
		TimestampMs:   w.TimestampMs,
		Status:        DeliveryStatus(w.Status),
		Edited:        w.Edited,
		SourceTag:     w.SourceTag,
	}
}

// EncodeEvent renders ev in the wire format Decode accepts.
func EncodeEvent(ev Event) ([]byte, error) {
	ref := ev.Ref()
	env := envelope{Type: ev.Kind(), ConnectorID: ref.ConnectorID, RemoteConversationID: ref.RemoteConversationID}
	var data any
	switch e := ev.(type) {
	case MessageUpserted:
		m := e.Message
		data = wireMessage{
			ID:            m.Key.ID,
			ProvisionalID: m.ProvisionalID,
			Participant:   m.Key.Participant,
			IsOutbound:    m.Key.IsOutbound,
			Text:          m.Content.Text,
			Attachments:   m.Content.Attachments,
			TimestampMs:   m.TimestampMs,
			Status:        statusToken(m.Status),
			Edited:        m.Edited,
			SourceTag:     m.SourceTag,
		}
	case MessageStatusChanged:
		w := wireStatus{ID: e.MessageID, IsOutbound: e.IsOutbound, Edited: e.Edited, Text: e.Text}
		if e.Status.Valid() {
			token := statusToken(e.Status)
			w.Status = &token
		}
		data = w
	case MessageDeleted:
		data = wireDeleted{ID: e.MessageID}
	case ConversationSnapshotUpserted:
		s := e.Snapshot
		data = wireSnapshot{
			DisplayName:            s.DisplayName,
			Kind:                   s.Kind,
			LastMessageTimestampMs: s.LastMessageTimestampMs,
			UnreadCount:            s.UnreadCount,
			Labels:                 s.Labels,
			Preview:                s.Preview,
		}
	case LabelChanged:
		action := "remove"
		if e.Added {
			action = "add"
		}
		data = wireLabel{LabelID: e.LabelID, Action: action}
	case ConversationDeleted:
	default:
		return nil, fmt.Errorf("%w: unsupported event %T", ErrInvalidInput, ev)
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

func decodeData(env envelope, out any) error {
	if len(env.Data) == 0 {
		return &EventError{Kind: string(env.Type), Reason: "missing data"}
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &EventError{Kind: string(env.Type), Reason: err.Error()}
	}
	return nil
}

func peekKind(inst any) string {
	obj, ok := inst.(map[string]any)
	if !ok {
		return ""
	}
	kind, _ := obj["type"].(string)
	return kind
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
