package gateway

import (
	"errors"
	"strings"

	"github.com/demomastra2025-eng/chatsync/internal/chatsync"
)

type chatListResponse struct {
	Chats []wireChat `json:"chats"`
}

type wireChat struct {
	RemoteJID     string   `json:"remoteJid"`
	Name          string   `json:"name,omitempty"`
	IsGroup       bool     `json:"isGroup,omitempty"`
	UnreadCount   *uint64  `json:"unreadCount,omitempty"`
	LastMessageAt int64    `json:"lastMessageAt,omitempty"`
	LastMessage   string   `json:"lastMessage,omitempty"`
	Labels        []string `json:"labels,omitempty"`
}

func (c wireChat) snapshot(connectorID string) chatsync.ConversationSnapshot {
	kind := chatsync.InferKind(c.RemoteJID)
	if c.IsGroup {
		kind = chatsync.KindGroup
	}
	return chatsync.ConversationSnapshot{
		ConnectorID:            connectorID,
		RemoteConversationID:   strings.TrimSpace(c.RemoteJID),
		DisplayName:            c.Name,
		Kind:                   kind,
		LastMessageTimestampMs: c.LastMessageAt,
		UnreadCount:            c.UnreadCount,
		Labels:                 c.Labels,
		Preview:                c.LastMessage,
	}
}

type messageListResponse struct {
	Messages []wireMessage `json:"messages"`
}

type wireMessage struct {
	ID          string                `json:"id"`
	FromMe      bool                  `json:"fromMe"`
	Participant string                `json:"participant,omitempty"`
	Text        string                `json:"text,omitempty"`
	Attachments []chatsync.Attachment `json:"attachments,omitempty"`
	Timestamp   int64                 `json:"timestamp"`
	Status      string                `json:"status,omitempty"`
	Edited      bool                  `json:"edited,omitempty"`
	Source      string                `json:"source,omitempty"`
}

func (m wireMessage) message(remoteConversationID string) chatsync.Message {
	return chatsync.Message{
		Key: chatsync.MessageKey{
			ID:                   strings.TrimSpace(m.ID),
			RemoteConversationID: remoteConversationID,
			Participant:          m.Participant,
			IsOutbound:           m.FromMe,
		},
		Content:     chatsync.Content{Text: m.Text, Attachments: m.Attachments},
		TimestampMs: m.Timestamp,
		Status:      chatsync.ParseStatus(m.Status),
		Edited:      m.Edited,
		SourceTag:   m.Source,
	}
}

type sendRequest struct {
	Text        string                `json:"text,omitempty"`
	Attachments []chatsync.Attachment `json:"attachments,omitempty"`
	ClientID    string                `json:"clientId,omitempty"`
}

type sendResponse struct {
	ID          string `json:"id"`
	TimestampMs int64  `json:"timestamp"`
	Status      string `json:"status"`
}

func asHTTPError(err error, target **HTTPError) bool {
	return errors.As(err, target)
}
