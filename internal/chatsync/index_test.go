package chatsync

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	pages  [][]Message
	calls  []int64
	err    error
	refs   []ConversationRef
	limits []int
}

func (f *fakeFetcher) FetchHistory(_ context.Context, ref ConversationRef, beforeMs int64, pageSize int) ([]Message, error) {
	f.calls = append(f.calls, beforeMs)
	f.refs = append(f.refs, ref)
	f.limits = append(f.limits, pageSize)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.pages) == 0 {
		return nil, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

func page(ids []string, ts []int64) []Message {
	out := make([]Message, 0, len(ids))
	for i := range ids {
		out = append(out, inbound(ids[i], ts[i], "m"+ids[i], StatusRead))
	}
	return out
}

func TestOrderedNewestFirstWithIDTieBreak(t *testing.T) {
	x := NewConversationIndex(10, 0)
	x.Upsert(ConversationSnapshot{RemoteConversationID: "b", LastMessageTimestampMs: 200})
	x.Upsert(ConversationSnapshot{RemoteConversationID: "a", LastMessageTimestampMs: 200})
	x.Upsert(ConversationSnapshot{RemoteConversationID: "c", LastMessageTimestampMs: 300})
	x.Upsert(ConversationSnapshot{RemoteConversationID: "d", LastMessageTimestampMs: 100})

	var ids []string
	for _, c := range x.Ordered() {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"c", "a", "b", "d"}, ids)
}

func TestLastMessageTimestampFollowsRetainedMessages(t *testing.T) {
	x := NewConversationIndex(10, 0)
	x.Upsert(ConversationSnapshot{RemoteConversationID: remoteJID, LastMessageTimestampMs: 900, Preview: "server"})
	c, _ := x.Get(remoteJID)
	assert.Equal(t, int64(900), c.LastMessageTimestampMs)
	assert.Equal(t, "server", c.Preview)

	st := x.byID[remoteJID]
	_, err := x.ingest(nil, st, inbound("m1", 1200, "newest", StatusRead), OriginLive)
	require.NoError(t, err)
	c, _ = x.Get(remoteJID)
	assert.Equal(t, int64(1200), c.LastMessageTimestampMs)
	assert.Equal(t, "newest", c.Preview)
}

func TestFetchOlderStopsWhenExhausted(t *testing.T) {
	x := NewConversationIndex(2, 0)
	x.Upsert(ConversationSnapshot{ConnectorID: "main", RemoteConversationID: remoteJID})
	id := ConversationID("main", remoteJID)
	f := &fakeFetcher{pages: [][]Message{
		page([]string{"m4", "m3"}, []int64{400, 300}),
		page([]string{"m2"}, []int64{200}),
	}}

	cur, err := x.Cursor(id)
	require.NoError(t, err)
	p, err := x.FetchOlder(context.Background(), f, id, cur)
	require.NoError(t, err)
	assert.False(t, p.Exhausted)
	assert.Equal(t, int64(300), p.Cursor.BeforeMs)
	assert.Equal(t, []int64{300, 400}, timestamps(p.Messages))

	p, err = x.FetchOlder(context.Background(), f, id, p.Cursor)
	require.NoError(t, err)
	assert.True(t, p.Exhausted)
	assert.Equal(t, int64(200), p.Cursor.BeforeMs)

	p, err = x.FetchOlder(context.Background(), f, id, p.Cursor)
	require.NoError(t, err)
	assert.True(t, p.Exhausted)
	assert.Equal(t, []int64{0, 300}, f.calls, "no request after exhaustion")
	assert.Equal(t, ConversationRef{ConnectorID: "main", RemoteConversationID: remoteJID}, f.refs[0])
	assert.Equal(t, []int{2, 2}, f.limits)

	msgs, err := x.Messages(id)
	require.NoError(t, err)
	assert.Equal(t, []int64{200, 300, 400}, timestamps(msgs))
}

func TestFetchOlderEmptyPageExhausts(t *testing.T) {
	x := NewConversationIndex(5, 0)
	x.Upsert(ConversationSnapshot{RemoteConversationID: "r"})
	f := &fakeFetcher{}

	p, err := x.FetchOlder(context.Background(), f, "r", PaginationCursor{})
	require.NoError(t, err)
	assert.True(t, p.Exhausted)
	assert.Empty(t, p.Messages)
	assert.Len(t, f.calls, 1)
}

func TestFetchOlderErrorReleasesSlot(t *testing.T) {
	x := NewConversationIndex(5, 0)
	x.Upsert(ConversationSnapshot{RemoteConversationID: "r"})
	boom := errors.New("gateway down")
	f := &fakeFetcher{err: boom}

	_, err := x.FetchOlder(context.Background(), f, "r", PaginationCursor{})
	require.ErrorIs(t, err, boom)

	f.err = nil
	_, err = x.FetchOlder(context.Background(), f, "r", PaginationCursor{})
	require.NoError(t, err)
}

func TestBeginFetchRejectsConcurrentRequest(t *testing.T) {
	x := NewConversationIndex(5, 0)
	x.Upsert(ConversationSnapshot{RemoteConversationID: "r"})
	_, skip, err := x.beginFetch("r", PaginationCursor{})
	require.NoError(t, err)
	require.False(t, skip)

	_, _, err = x.beginFetch("r", PaginationCursor{})
	require.ErrorIs(t, err, ErrFetchInFlight)

	_, err = x.Cursor("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCursorNeverMovesForward(t *testing.T) {
	x := NewConversationIndex(2, 0)
	x.Upsert(ConversationSnapshot{RemoteConversationID: "r"})
	_, _, _ = x.beginFetch("r", PaginationCursor{})
	cur, err := x.completeFetch("r", PaginationCursor{}, page([]string{"a", "b"}, []int64{100, 90}))
	require.NoError(t, err)
	assert.Equal(t, int64(90), cur.BeforeMs)

	// A stale response for a newer window completes late.
	_, _, _ = x.beginFetch("r", PaginationCursor{})
	cur, err = x.completeFetch("r", PaginationCursor{}, page([]string{"c", "d"}, []int64{500, 400}))
	require.NoError(t, err)
	assert.Equal(t, int64(90), cur.BeforeMs)
}

func TestFilterProjections(t *testing.T) {
	x := NewConversationIndex(10, 0)
	x.Upsert(ConversationSnapshot{RemoteConversationID: "5511988887777@s.whatsapp.net", DisplayName: "José Álvarez", LastMessageTimestampMs: 3, Labels: []string{"vip"}})
	x.Upsert(ConversationSnapshot{RemoteConversationID: "120363000000@g.us", DisplayName: "Support Team", LastMessageTimestampMs: 2})
	x.Upsert(ConversationSnapshot{RemoteConversationID: "5521911112222@s.whatsapp.net", DisplayName: "Maria", LastMessageTimestampMs: 1})
	x.byID["5521911112222@s.whatsapp.net"].conv.UnreadCount = 2

	names := func(cs []Conversation) []string {
		var out []string
		for _, c := range cs {
			out = append(out, c.DisplayName)
		}
		return out
	}

	assert.Equal(t, []string{"Support Team"}, names(x.Filter(Filter{Kind: KindGroup})))
	assert.Equal(t, []string{"José Álvarez", "Maria"}, names(x.Filter(Filter{Kind: KindDirect})))
	assert.Equal(t, []string{"José Álvarez"}, names(x.Filter(Filter{Query: "jose alv"})))
	assert.Equal(t, []string{"José Álvarez"}, names(x.Filter(Filter{Query: "+55 11 98888"})))
	assert.Equal(t, []string{"José Álvarez"}, names(x.Filter(Filter{Label: "vip"})))
	assert.Equal(t, []string{"Maria"}, names(x.Filter(Filter{UnreadOnly: true})))
	assert.Len(t, x.Filter(Filter{}), 3)
	assert.Empty(t, x.Filter(Filter{Query: "nobody"}))
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind(" Group ")
	require.NoError(t, err)
	assert.Equal(t, KindGroup, k)

	k, err = ParseKind("")
	require.NoError(t, err)
	assert.Equal(t, ChannelKind(""), k)

	_, err = ParseKind("channel")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRemoveConversation(t *testing.T) {
	x := NewConversationIndex(10, 0)
	x.Upsert(ConversationSnapshot{RemoteConversationID: "a"})
	x.Upsert(ConversationSnapshot{RemoteConversationID: "b"})
	_, ok := x.Remove("a")
	require.True(t, ok)
	assert.Equal(t, 1, x.Len())
	assert.Len(t, x.Ordered(), 1)
	_, ok = x.Remove("a")
	assert.False(t, ok)
}
