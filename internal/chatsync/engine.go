package chatsync

import (
	"fmt"
	"strings"
	"time"
)

type ChangeKind string

const (
	ChangeMessage             ChangeKind = "message"
	ChangeMessageRemoved      ChangeKind = "message.removed"
	ChangeConversation        ChangeKind = "conversation"
	ChangeConversationRemoved ChangeKind = "conversation.removed"
)

// Change is reported to the store's observer after every applied mutation.
type Change struct {
	Kind           ChangeKind
	ConversationID string
	Message        *Message
	// New is set when the message was first observed by this change.
	New bool
}

// Engine owns the conversation index, the message logs and the unread
// ledger. It performs no I/O and must be driven from a single goroutine.
type Engine struct {
	index  *ConversationIndex
	ledger *UnreadLedger
}

func NewEngine(pageSize int, tolerance time.Duration) *Engine {
	return &Engine{
		index:  NewConversationIndex(pageSize, tolerance),
		ledger: NewUnreadLedger(),
	}
}

func (e *Engine) Index() *ConversationIndex {
	return e.index
}

// Ingest merges candidate into an existing conversation.
func (e *Engine) Ingest(conversationID string, candidate Message, origin Origin) (IngestResult, error) {
	st, err := e.index.state(conversationID)
	if err != nil {
		return IngestResult{}, err
	}
	candidate.Key.RemoteConversationID = st.conv.RemoteConversationID
	return e.index.ingest(e.ledger, st, candidate, origin)
}

// Apply folds one live event into the working set.
func (e *Engine) Apply(ev Event) ([]Change, error) {
	ref := ev.Ref()
	if strings.TrimSpace(ref.RemoteConversationID) == "" {
		return nil, &EventError{Kind: string(ev.Kind()), Reason: "missing remoteConversationId"}
	}
	id := ConversationID(ref.ConnectorID, ref.RemoteConversationID)

	switch ev := ev.(type) {
	case MessageUpserted:
		st := e.index.ensure(ref.ConnectorID, ref.RemoteConversationID)
		msg := ev.Message
		msg.Key.RemoteConversationID = ref.RemoteConversationID
		res, err := e.index.ingest(e.ledger, st, msg, OriginLive)
		if err != nil {
			return nil, &EventError{Kind: string(ev.Kind()), Reason: err.Error()}
		}
		change := messageChange(id, res.Message)
		change.New = res.IsNew
		return []Change{change}, nil

	case MessageStatusChanged:
		st := e.index.ensure(ref.ConnectorID, ref.RemoteConversationID)
		return e.applyStatusEvent(st, ev), nil

	case MessageDeleted:
		st, ok := e.index.byID[id]
		if !ok {
			return nil, nil
		}
		return e.removeMessage(st, ev.MessageID), nil

	case ConversationSnapshotUpserted:
		st := e.index.upsert(ev.Snapshot)
		if ev.Snapshot.UnreadCount != nil {
			st.conv.UnreadCount = *ev.Snapshot.UnreadCount
			e.ledger.OnServerSnapshot(st.conv.ID)
		}
		return []Change{{Kind: ChangeConversation, ConversationID: id}}, nil

	case LabelChanged:
		if ev.LabelID == "" {
			return nil, &EventError{Kind: string(ev.Kind()), Reason: "missing labelId"}
		}
		st := e.index.ensure(ref.ConnectorID, ref.RemoteConversationID)
		if ev.Added {
			st.labels[ev.LabelID] = struct{}{}
		} else {
			delete(st.labels, ev.LabelID)
		}
		return []Change{{Kind: ChangeConversation, ConversationID: id}}, nil

	case ConversationDeleted:
		if _, ok := e.index.Remove(id); !ok {
			return nil, nil
		}
		e.ledger.Forget(id)
		return []Change{{Kind: ChangeConversationRemoved, ConversationID: id}}, nil

	default:
		return nil, &EventError{Kind: string(ev.Kind()), Reason: "unsupported event"}
	}
}

// applyStatusEvent handles status and edit side-channel updates. A status
// for a message that is not retained is remembered per message id, so the
// unread count moves once however often the event is redelivered.
func (e *Engine) applyStatusEvent(st *conversationState, ev MessageStatusChanged) []Change {
	id := st.conv.ID
	if _, ok := st.log.Get(ev.MessageID); !ok {
		if ev.MessageID == "" || ev.IsOutbound || !ev.Status.Valid() {
			return nil
		}
		prev, seen := st.statusOnly[ev.MessageID]
		if !seen {
			prev = StatusUnknown
		}
		if seen && ev.Status.Rank() < prev.Rank() {
			return nil
		}
		st.statusOnly[ev.MessageID] = ev.Status
		delta := e.ledger.OnStatusTransition(id, prev, ev.Status, false)
		st.conv.UnreadCount = ApplyUnreadDelta(st.conv.UnreadCount, delta)
		if delta == 0 {
			return nil
		}
		return []Change{{Kind: ChangeConversation, ConversationID: id}}
	}

	if ev.Edited {
		st.log.Edit(ev.MessageID, ev.Text)
	}
	res, _ := st.log.SetStatus(ev.MessageID, ev.Status, false)
	msg := res.Message
	if res.StatusChanged {
		delta := e.ledger.OnStatusTransition(id, res.PrevStatus, msg.Status, msg.Key.IsOutbound)
		st.conv.UnreadCount = ApplyUnreadDelta(st.conv.UnreadCount, delta)
	}
	e.index.touch(st)
	return []Change{messageChange(id, msg)}
}

func (e *Engine) removeMessage(st *conversationState, messageID string) []Change {
	removed, ok := st.log.Remove(messageID)
	if !ok {
		status, seen := st.statusOnly[messageID]
		if !seen {
			return nil
		}
		delete(st.statusOnly, messageID)
		if status != StatusDeliveryAck {
			return nil
		}
		st.conv.UnreadCount = ApplyUnreadDelta(st.conv.UnreadCount, -1)
		return []Change{{Kind: ChangeConversation, ConversationID: st.conv.ID}}
	}
	delta := e.ledger.OnMessageRemoved(removed)
	st.conv.UnreadCount = ApplyUnreadDelta(st.conv.UnreadCount, delta)
	e.index.touch(st)
	return []Change{{Kind: ChangeMessageRemoved, ConversationID: st.conv.ID, Message: &removed}}
}

// BeginSend places an optimistic Pending message for a local send intent.
func (e *Engine) BeginSend(conversationID string, content Content, provisionalID string, now time.Time) (Message, error) {
	st, err := e.index.state(conversationID)
	if err != nil {
		return Message{}, err
	}
	if content.Empty() {
		return Message{}, fmt.Errorf("%w: empty message", ErrInvalidInput)
	}
	if provisionalID == "" {
		return Message{}, fmt.Errorf("%w: provisional id is required", ErrInvalidInput)
	}
	m := Message{
		Key: MessageKey{
			RemoteConversationID: st.conv.RemoteConversationID,
			IsOutbound:           true,
		},
		ProvisionalID: provisionalID,
		Content:       content,
		TimestampMs:   now.UnixMilli(),
		Status:        StatusPending,
		SourceTag:     "local",
	}
	res, err := e.index.ingest(e.ledger, st, m, OriginOptimistic)
	if err != nil {
		return Message{}, err
	}
	return res.Message, nil
}

// ConfirmSend merges the gateway's send receipt into the optimistic message.
func (e *Engine) ConfirmSend(conversationID, provisionalID string, receipt SendReceipt) (Message, error) {
	st, err := e.index.state(conversationID)
	if err != nil {
		return Message{}, err
	}
	status := receipt.Status
	if !status.Valid() {
		status = StatusServerAck
	}
	candidate := Message{
		Key: MessageKey{
			ID:                   receipt.ID,
			RemoteConversationID: st.conv.RemoteConversationID,
			IsOutbound:           true,
		},
		ProvisionalID: provisionalID,
		TimestampMs:   receipt.TimestampMs,
		Status:        status,
	}
	res, err := e.index.ingest(e.ledger, st, candidate, OriginLive)
	if err != nil {
		return Message{}, err
	}
	return res.Message, nil
}

// UnreadMessageIDs lists retained inbound messages still at DeliveryAck.
func (e *Engine) UnreadMessageIDs(conversationID string) (ConversationRef, []string, error) {
	st, err := e.index.state(conversationID)
	if err != nil {
		return ConversationRef{}, nil, err
	}
	var ids []string
	for _, entry := range st.log.entries {
		if entry.msg.CountsAsUnread() && entry.msg.Confirmed() {
			ids = append(ids, entry.msg.Key.ID)
		}
	}
	return st.conv.Ref(), ids, nil
}

// LatestInbound returns the newest retained inbound message, if any.
func (e *Engine) LatestInbound(conversationID string) (ConversationRef, Message, bool, error) {
	st, err := e.index.state(conversationID)
	if err != nil {
		return ConversationRef{}, Message{}, false, err
	}
	for i := len(st.log.entries) - 1; i >= 0; i-- {
		m := st.log.entries[i].msg
		if !m.Key.IsOutbound && m.Confirmed() {
			return st.conv.Ref(), m.clone(), true, nil
		}
	}
	return st.conv.Ref(), Message{}, false, nil
}

// ApplyMarkRead applies a confirmed mark-read intent. The whole
// conversation is read afterwards, so the count is reset and any pending
// snapshot guard is dropped.
func (e *Engine) ApplyMarkRead(conversationID string, messageIDs []string) ([]Change, error) {
	st, err := e.index.state(conversationID)
	if err != nil {
		return nil, err
	}
	changes := make([]Change, 0, len(messageIDs)+1)
	for _, mid := range messageIDs {
		res, ok := st.log.SetStatus(mid, StatusRead, true)
		if !ok || !res.StatusChanged {
			continue
		}
		changes = append(changes, messageChange(conversationID, res.Message))
	}
	st.conv.UnreadCount = 0
	e.ledger.Forget(conversationID)
	changes = append(changes, Change{Kind: ChangeConversation, ConversationID: conversationID})
	return changes, nil
}

// ApplyMarkUnread applies a confirmed mark-unread intent by moving the
// newest inbound message back to DeliveryAck.
func (e *Engine) ApplyMarkUnread(conversationID, messageID string) ([]Change, error) {
	st, err := e.index.state(conversationID)
	if err != nil {
		return nil, err
	}
	var changes []Change
	if messageID != "" {
		if res, ok := st.log.SetStatus(messageID, StatusDeliveryAck, true); ok && res.StatusChanged {
			delta := e.ledger.OnStatusTransition(conversationID, res.PrevStatus, res.Message.Status, res.Message.Key.IsOutbound)
			st.conv.UnreadCount = ApplyUnreadDelta(st.conv.UnreadCount, delta)
			changes = append(changes, messageChange(conversationID, res.Message))
		}
	}
	if st.conv.UnreadCount == 0 {
		st.conv.UnreadCount = 1
	}
	changes = append(changes, Change{Kind: ChangeConversation, ConversationID: conversationID})
	return changes, nil
}

// RemoveMessage applies a confirmed local delete.
func (e *Engine) RemoveMessage(conversationID, messageID string) ([]Change, error) {
	st, err := e.index.state(conversationID)
	if err != nil {
		return nil, err
	}
	return e.removeMessage(st, messageID), nil
}

func (e *Engine) Labels(conversationID string) (LabelSet, error) {
	st, err := e.index.state(conversationID)
	if err != nil {
		return nil, err
	}
	return st.labels.Clone(), nil
}

// ReplaceLabels swaps the label set and returns the previous one.
func (e *Engine) ReplaceLabels(conversationID string, next LabelSet) (ConversationRef, LabelSet, error) {
	st, err := e.index.state(conversationID)
	if err != nil {
		return ConversationRef{}, nil, err
	}
	prev := st.labels
	st.labels = next.Clone()
	return st.conv.Ref(), prev, nil
}

func (e *Engine) BeginOlder(conversationID string) (ConversationRef, PaginationCursor, bool, error) {
	cursor, err := e.index.Cursor(conversationID)
	if err != nil {
		return ConversationRef{}, PaginationCursor{}, false, err
	}
	ref, skip, err := e.index.beginFetch(conversationID, cursor)
	return ref, cursor, skip, err
}

func (e *Engine) AbortOlder(conversationID string) {
	e.index.abortFetch(conversationID)
}

func (e *Engine) CompleteOlder(conversationID string, cursor PaginationCursor, page []Message) (OlderPage, error) {
	return e.index.applyPage(conversationID, cursor, page)
}

func (e *Engine) Conversation(conversationID string) (Conversation, error) {
	c, ok := e.index.Get(conversationID)
	if !ok {
		return Conversation{}, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	return c, nil
}

func (e *Engine) Conversations(f Filter) []Conversation {
	return e.index.Filter(f)
}

func (e *Engine) Messages(conversationID string) ([]Message, error) {
	return e.index.Messages(conversationID)
}

func messageChange(conversationID string, m Message) Change {
	return Change{Kind: ChangeMessage, ConversationID: conversationID, Message: &m}
}
