package chatsync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

type ChannelKind string

const (
	KindDirect ChannelKind = "direct"
	KindGroup  ChannelKind = "group"
)

// InferKind classifies a remote conversation id by its gateway suffix.
func InferKind(remoteConversationID string) ChannelKind {
	if strings.HasSuffix(remoteConversationID, "@g.us") {
		return KindGroup
	}
	return KindDirect
}

func ParseKind(raw string) (ChannelKind, error) {
	switch ChannelKind(strings.ToLower(strings.TrimSpace(raw))) {
	case "":
		return "", nil
	case KindDirect:
		return KindDirect, nil
	case KindGroup:
		return KindGroup, nil
	default:
		return "", fmt.Errorf("%w: unknown channel kind %q", ErrInvalidInput, raw)
	}
}

// ConversationID derives the local id of a remote conversation.
func ConversationID(connectorID, remoteConversationID string) string {
	if connectorID == "" {
		return remoteConversationID
	}
	return connectorID + ":" + remoteConversationID
}

type Conversation struct {
	ID                     string      `json:"id"`
	RemoteConversationID   string      `json:"remoteConversationId"`
	ConnectorID            string      `json:"connectorId,omitempty"`
	DisplayName            string      `json:"displayName,omitempty"`
	Kind                   ChannelKind `json:"kind"`
	LastMessageTimestampMs int64       `json:"lastMessageTimestampMs"`
	UnreadCount            uint64      `json:"unreadCount"`
	Labels                 []string    `json:"labels"`
	Preview                string      `json:"preview,omitempty"`
	Loaded                 int         `json:"loadedMessages"`
	HistoryExhausted       bool        `json:"historyExhausted"`
}

func (c Conversation) Ref() ConversationRef {
	return ConversationRef{ConnectorID: c.ConnectorID, RemoteConversationID: c.RemoteConversationID}
}

// ConversationSnapshot is the server's view of a conversation's metadata.
// Nil Labels or UnreadCount leave the local value untouched.
type ConversationSnapshot struct {
	ConnectorID            string      `json:"connectorId,omitempty"`
	RemoteConversationID   string      `json:"remoteConversationId"`
	DisplayName            string      `json:"displayName,omitempty"`
	Kind                   ChannelKind `json:"kind,omitempty"`
	LastMessageTimestampMs int64       `json:"lastMessageTimestampMs,omitempty"`
	UnreadCount            *uint64     `json:"unreadCount,omitempty"`
	Labels                 []string    `json:"labels,omitempty"`
	Preview                string      `json:"preview,omitempty"`
}

// PaginationCursor tracks how far back history has been loaded. BeforeMs of
// zero means nothing has been fetched yet.
type PaginationCursor struct {
	BeforeMs  int64 `json:"beforeMs"`
	Exhausted bool  `json:"exhausted"`
}

type OlderPage struct {
	Messages  []Message        `json:"messages"`
	Cursor    PaginationCursor `json:"cursor"`
	Exhausted bool             `json:"exhausted"`
}

type conversationState struct {
	conv         Conversation
	labels       LabelSet
	serverLastMs int64
	serverPrev   string
	log          *messageLog
	cursor       PaginationCursor
	fetching     bool
	// statusOnly holds statuses seen for messages that are not retained, so
	// redelivered status events and the later message itself are not
	// counted twice.
	statusOnly map[string]DeliveryStatus
}

func (s *conversationState) snapshot() Conversation {
	out := s.conv
	out.Labels = s.labels.Sorted()
	out.Loaded = s.log.Len()
	out.HistoryExhausted = s.cursor.Exhausted
	return out
}

// refresh recomputes the fields derived from the retained messages.
func (s *conversationState) refresh() {
	if newest, ok := s.log.Newest(); ok {
		s.conv.LastMessageTimestampMs = newest.TimestampMs
		if p := newest.Content.Preview(); p != "" {
			s.conv.Preview = p
		}
		return
	}
	s.conv.LastMessageTimestampMs = s.serverLastMs
	s.conv.Preview = s.serverPrev
}

// ConversationIndex holds every known conversation and its message log.
// It is not safe for concurrent use; the store serializes access.
type ConversationIndex struct {
	byID      map[string]*conversationState
	order     []string
	dirty     bool
	tolerance time.Duration
	pageSize  int
}

func NewConversationIndex(pageSize int, tolerance time.Duration) *ConversationIndex {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &ConversationIndex{
		byID:      map[string]*conversationState{},
		tolerance: tolerance,
		pageSize:  pageSize,
	}
}

const DefaultPageSize = 50

func (x *ConversationIndex) PageSize() int {
	return x.pageSize
}

func (x *ConversationIndex) Len() int {
	return len(x.byID)
}

// ensure returns the state for a remote conversation, creating it lazily.
func (x *ConversationIndex) ensure(connectorID, remoteConversationID string) *conversationState {
	id := ConversationID(connectorID, remoteConversationID)
	if st, ok := x.byID[id]; ok {
		return st
	}
	st := &conversationState{
		conv: Conversation{
			ID:                   id,
			RemoteConversationID: remoteConversationID,
			ConnectorID:          connectorID,
			Kind:                 InferKind(remoteConversationID),
		},
		labels:     LabelSet{},
		log:        newMessageLog(x.tolerance),
		statusOnly: map[string]DeliveryStatus{},
	}
	x.byID[id] = st
	x.order = append(x.order, id)
	x.dirty = true
	return st
}

func (x *ConversationIndex) state(id string) (*conversationState, error) {
	st, ok := x.byID[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return st, nil
}

// Upsert applies snapshot metadata. The absolute unread count is applied by
// the engine so the ledger can arm its guard.
func (x *ConversationIndex) Upsert(snap ConversationSnapshot) Conversation {
	st := x.upsert(snap)
	return st.snapshot()
}

func (x *ConversationIndex) upsert(snap ConversationSnapshot) *conversationState {
	st := x.ensure(snap.ConnectorID, snap.RemoteConversationID)
	if name := strings.TrimSpace(snap.DisplayName); name != "" {
		st.conv.DisplayName = name
	}
	if snap.Kind != "" {
		st.conv.Kind = snap.Kind
	}
	if snap.Labels != nil {
		st.labels = NewLabelSet(snap.Labels...)
	}
	if snap.LastMessageTimestampMs > st.serverLastMs {
		st.serverLastMs = snap.LastMessageTimestampMs
		st.serverPrev = snap.Preview
	} else if st.serverPrev == "" {
		st.serverPrev = snap.Preview
	}
	x.touch(st)
	return st
}

func (x *ConversationIndex) Remove(id string) (Conversation, bool) {
	st, ok := x.byID[id]
	if !ok {
		return Conversation{}, false
	}
	delete(x.byID, id)
	for i, cur := range x.order {
		if cur == id {
			x.order = append(x.order[:i], x.order[i+1:]...)
			break
		}
	}
	return st.snapshot(), true
}

func (x *ConversationIndex) Get(id string) (Conversation, bool) {
	st, ok := x.byID[id]
	if !ok {
		return Conversation{}, false
	}
	return st.snapshot(), true
}

func (x *ConversationIndex) Messages(id string) ([]Message, error) {
	st, err := x.state(id)
	if err != nil {
		return nil, err
	}
	return st.log.Messages(), nil
}

func (x *ConversationIndex) Cursor(id string) (PaginationCursor, error) {
	st, err := x.state(id)
	if err != nil {
		return PaginationCursor{}, err
	}
	return st.cursor, nil
}

// touch re-derives the conversation's last-message fields and marks the
// ordering stale when they moved.
func (x *ConversationIndex) touch(st *conversationState) {
	before := st.conv.LastMessageTimestampMs
	st.refresh()
	if st.conv.LastMessageTimestampMs != before {
		x.dirty = true
	}
}

func (x *ConversationIndex) reorder() {
	if !x.dirty {
		return
	}
	sort.SliceStable(x.order, func(i, j int) bool {
		a, b := x.byID[x.order[i]], x.byID[x.order[j]]
		if a.conv.LastMessageTimestampMs != b.conv.LastMessageTimestampMs {
			return a.conv.LastMessageTimestampMs > b.conv.LastMessageTimestampMs
		}
		return a.conv.ID < b.conv.ID
	})
	x.dirty = false
}

// Ordered lists conversations newest first, ties by id.
func (x *ConversationIndex) Ordered() []Conversation {
	x.reorder()
	out := make([]Conversation, 0, len(x.order))
	for _, id := range x.order {
		out = append(out, x.byID[id].snapshot())
	}
	return out
}

// beginFetch reserves the conversation's single history slot. skip is true
// when history is already exhausted and no request should be made.
func (x *ConversationIndex) beginFetch(id string, cursor PaginationCursor) (ref ConversationRef, skip bool, err error) {
	st, err := x.state(id)
	if err != nil {
		return ConversationRef{}, false, err
	}
	if st.cursor.Exhausted || cursor.Exhausted {
		return st.conv.Ref(), true, nil
	}
	if st.fetching {
		return ConversationRef{}, false, fmt.Errorf("conversation %s: %w", id, ErrFetchInFlight)
	}
	st.fetching = true
	return st.conv.Ref(), false, nil
}

func (x *ConversationIndex) abortFetch(id string) {
	if st, ok := x.byID[id]; ok {
		st.fetching = false
	}
}

// completeFetch advances the cursor for a fetched page. Merging the page
// items is done by applyPage.
func (x *ConversationIndex) completeFetch(id string, requested PaginationCursor, page []Message) (PaginationCursor, error) {
	st, err := x.state(id)
	if err != nil {
		return PaginationCursor{}, err
	}
	st.fetching = false

	next := requested
	for _, m := range page {
		if m.TimestampMs <= 0 {
			continue
		}
		if next.BeforeMs == 0 || m.TimestampMs < next.BeforeMs {
			next.BeforeMs = m.TimestampMs
		}
	}
	if len(page) < x.pageSize {
		next.Exhausted = true
	}

	// The stored cursor never moves forward, even if an older request
	// completes after a newer one.
	if st.cursor.BeforeMs == 0 || (next.BeforeMs != 0 && next.BeforeMs < st.cursor.BeforeMs) {
		st.cursor.BeforeMs = next.BeforeMs
	}
	st.cursor.Exhausted = st.cursor.Exhausted || next.Exhausted
	return st.cursor, nil
}

// FetchOlder loads one page of history through fetcher and merges it with
// origin History. Once a conversation is exhausted fetcher is never called
// again.
func (x *ConversationIndex) FetchOlder(ctx context.Context, fetcher HistoryFetcher, id string, cursor PaginationCursor) (OlderPage, error) {
	ref, skip, err := x.beginFetch(id, cursor)
	if err != nil {
		return OlderPage{}, err
	}
	if skip {
		cur, _ := x.Cursor(id)
		return OlderPage{Cursor: cur, Exhausted: true}, nil
	}
	page, err := fetcher.FetchHistory(ctx, ref, cursor.BeforeMs, x.pageSize)
	if err != nil {
		x.abortFetch(id)
		return OlderPage{}, err
	}
	return x.applyPage(id, cursor, page)
}

func (x *ConversationIndex) applyPage(id string, cursor PaginationCursor, page []Message) (OlderPage, error) {
	next, err := x.completeFetch(id, cursor, page)
	if err != nil {
		return OlderPage{}, err
	}
	st := x.byID[id]
	merged := make([]Message, 0, len(page))
	for _, m := range page {
		m.Key.RemoteConversationID = st.conv.RemoteConversationID
		res, err := x.ingest(nil, st, m, OriginHistory)
		if err != nil {
			continue
		}
		merged = append(merged, res.Message)
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].TimestampMs < merged[j].TimestampMs })
	return OlderPage{Messages: merged, Cursor: next, Exhausted: next.Exhausted}, nil
}

// ingest merges one candidate into st. Only live observations move the
// unread count; history pages and local sends are already reflected in the
// server's absolute count.
func (x *ConversationIndex) ingest(ledger *UnreadLedger, st *conversationState, candidate Message, origin Origin) (IngestResult, error) {
	if candidate.Key.ID == "" && candidate.ProvisionalID == "" && origin != OriginOptimistic {
		return IngestResult{}, fmt.Errorf("%w: message without id", ErrInvalidInput)
	}
	placeholder, hadPlaceholder := st.statusOnly[candidate.Key.ID]
	if hadPlaceholder {
		delete(st.statusOnly, candidate.Key.ID)
		candidate = ApplyStatus(candidate, placeholder, false)
	}
	res := st.log.Ingest(candidate, origin)
	if hadPlaceholder && res.IsNew {
		res.PrevStatus = placeholder
		res.StatusChanged = placeholder != res.Message.Status
	}
	if res.StatusChanged && ledger != nil && origin == OriginLive {
		delta := ledger.OnStatusTransition(st.conv.ID, res.PrevStatus, res.Message.Status, res.Message.Key.IsOutbound)
		st.conv.UnreadCount = ApplyUnreadDelta(st.conv.UnreadCount, delta)
	}
	x.touch(st)
	return res, nil
}
