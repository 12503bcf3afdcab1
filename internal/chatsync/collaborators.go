package chatsync

import "context"

// ConversationRef addresses a conversation on the messaging gateway.
type ConversationRef struct {
	ConnectorID          string
	RemoteConversationID string
}

// HistoryFetcher returns up to pageSize messages older than beforeMs, newest
// first or in any order. beforeMs of zero asks for the newest page.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, ref ConversationRef, beforeMs int64, pageSize int) ([]Message, error)
}

// SendReceipt is the gateway's answer to a send. ID and TimestampMs may be
// empty when the gateway confirms asynchronously through the event stream.
type SendReceipt struct {
	ID          string
	TimestampMs int64
	Status      DeliveryStatus
}

type Mutator interface {
	LabelMutator
	SendMessage(ctx context.Context, ref ConversationRef, content Content, provisionalID string) (SendReceipt, error)
	MarkRead(ctx context.Context, ref ConversationRef, messageIDs []string) error
	MarkUnread(ctx context.Context, ref ConversationRef, messageID string) error
	DeleteMessage(ctx context.Context, ref ConversationRef, messageID string) error
}

type ConversationLister interface {
	ListConversations(ctx context.Context, connectorID string) ([]ConversationSnapshot, error)
}

// Gateway bundles every remote collaborator the store talks to.
type Gateway interface {
	HistoryFetcher
	Mutator
	ConversationLister
}
