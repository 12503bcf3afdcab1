package chatsync

import (
	"strings"
	"time"
)

// Origin names the channel a message observation came from.
type Origin int

const (
	OriginHistory Origin = iota
	OriginLive
	OriginOptimistic
)

func (o Origin) String() string {
	switch o {
	case OriginHistory:
		return "history"
	case OriginLive:
		return "live"
	case OriginOptimistic:
		return "optimistic"
	default:
		return "unknown"
	}
}

// DefaultMatchTolerance bounds how far apart an optimistic message and its
// server echo may be timestamped and still be treated as the same message.
const DefaultMatchTolerance = 5 * time.Second

// MessageKey identifies a message. ID is empty until the server has assigned
// one.
type MessageKey struct {
	ID                   string `json:"id,omitempty"`
	RemoteConversationID string `json:"remoteConversationId"`
	Participant          string `json:"participant,omitempty"`
	IsOutbound           bool   `json:"isOutbound"`
}

type AttachmentKind string

const (
	AttachmentImage    AttachmentKind = "image"
	AttachmentVideo    AttachmentKind = "video"
	AttachmentAudio    AttachmentKind = "audio"
	AttachmentDocument AttachmentKind = "document"
	AttachmentSticker  AttachmentKind = "sticker"
	AttachmentLocation AttachmentKind = "location"
	AttachmentContact  AttachmentKind = "contact"
)

type Attachment struct {
	Kind     AttachmentKind `json:"kind"`
	URL      string         `json:"url,omitempty"`
	Caption  string         `json:"caption,omitempty"`
	MimeType string         `json:"mimeType,omitempty"`
	FileName string         `json:"fileName,omitempty"`
}

type Content struct {
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

func (c Content) Empty() bool {
	return strings.TrimSpace(c.Text) == "" && len(c.Attachments) == 0
}

// Preview is a one-line summary used for the conversation list.
func (c Content) Preview() string {
	if text := strings.TrimSpace(c.Text); text != "" {
		if i := strings.IndexByte(text, '\n'); i >= 0 {
			text = text[:i]
		}
		return text
	}
	for _, a := range c.Attachments {
		if caption := strings.TrimSpace(a.Caption); caption != "" {
			return caption
		}
		return "[" + string(a.Kind) + "]"
	}
	return ""
}

type Message struct {
	Key           MessageKey     `json:"key"`
	ProvisionalID string         `json:"provisionalId,omitempty"`
	Content       Content        `json:"content"`
	TimestampMs   int64          `json:"timestampMs"`
	Status        DeliveryStatus `json:"status"`
	Edited        bool           `json:"edited,omitempty"`
	SourceTag     string         `json:"sourceTag,omitempty"`
}

// Confirmed reports whether the server has assigned an id.
func (m Message) Confirmed() bool {
	return m.Key.ID != ""
}

// CountsAsUnread reports whether m currently contributes to its
// conversation's unread count.
func (m Message) CountsAsUnread() bool {
	return !m.Key.IsOutbound && m.Status == StatusDeliveryAck
}

func (m Message) clone() Message {
	if len(m.Content.Attachments) > 0 {
		m.Content.Attachments = append([]Attachment(nil), m.Content.Attachments...)
	}
	return m
}

// sameByTolerance matches an unconfirmed retained message against a
// candidate lacking a shared id.
func sameByTolerance(retained, candidate Message, tolerance time.Duration) bool {
	if retained.Confirmed() {
		return false
	}
	if retained.Key.RemoteConversationID != candidate.Key.RemoteConversationID {
		return false
	}
	if retained.Key.IsOutbound != candidate.Key.IsOutbound {
		return false
	}
	if absDuration(retained.TimestampMs-candidate.TimestampMs) > tolerance {
		return false
	}
	a := strings.TrimSpace(retained.Content.Text)
	b := strings.TrimSpace(candidate.Content.Text)
	if a != "" && b != "" && a != b {
		return false
	}
	return true
}

func absDuration(deltaMs int64) time.Duration {
	if deltaMs < 0 {
		deltaMs = -deltaMs
	}
	return time.Duration(deltaMs) * time.Millisecond
}

// mergeMessage folds candidate into retained. Content is never blanked and
// status never regresses.
func mergeMessage(retained, candidate Message, origin Origin) Message {
	out := retained.clone()

	if strings.TrimSpace(candidate.Content.Text) != "" {
		out.Content.Text = candidate.Content.Text
	}
	out.Content.Attachments = mergeAttachments(out.Content.Attachments, candidate.Content.Attachments)
	out = ApplyStatus(out, candidate.Status, false)
	out.Edited = out.Edited || candidate.Edited

	if !out.Confirmed() && candidate.Confirmed() {
		out.Key.ID = candidate.Key.ID
		if origin != OriginOptimistic && candidate.TimestampMs > 0 {
			out.TimestampMs = candidate.TimestampMs
		}
	}
	if out.TimestampMs == 0 {
		out.TimestampMs = candidate.TimestampMs
	}
	if out.Key.Participant == "" {
		out.Key.Participant = candidate.Key.Participant
	}
	if out.ProvisionalID == "" {
		out.ProvisionalID = candidate.ProvisionalID
	}
	if out.SourceTag == "" {
		out.SourceTag = candidate.SourceTag
	}
	return out
}

// mergeAttachments unions by kind. A populated URL replaces a link-less
// placeholder and a non-empty caption fills an empty one.
func mergeAttachments(existing, incoming []Attachment) []Attachment {
	if len(incoming) == 0 {
		return existing
	}
	out := append([]Attachment(nil), existing...)
	for _, in := range incoming {
		idx := -1
		for i := range out {
			if out[i].Kind == in.Kind {
				idx = i
				break
			}
		}
		if idx < 0 {
			out = append(out, in)
			continue
		}
		cur := out[idx]
		if cur.URL == "" && in.URL != "" {
			caption := in.Caption
			if strings.TrimSpace(caption) == "" {
				caption = cur.Caption
			}
			in.Caption = caption
			out[idx] = in
			continue
		}
		if strings.TrimSpace(cur.Caption) == "" && strings.TrimSpace(in.Caption) != "" {
			cur.Caption = in.Caption
		}
		if cur.MimeType == "" {
			cur.MimeType = in.MimeType
		}
		if cur.FileName == "" {
			cur.FileName = in.FileName
		}
		out[idx] = cur
	}
	return out
}
