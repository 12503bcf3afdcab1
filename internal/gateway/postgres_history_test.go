package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/goccy/go-json"

	"github.com/demomastra2025-eng/chatsync/internal/chatsync"
)

func newMockHistory(t *testing.T) (*PostgresHistory, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	history, err := NewPostgresHistory("postgres://chatsync@localhost/chatsync")
	if err != nil {
		t.Fatalf("new history failed: %v", err)
	}
	history.openDB = func(driverName, dsn string) (*sql.DB, error) {
		if driverName != "postgres" {
			t.Errorf("expected postgres driver, got %s", driverName)
		}
		return db, nil
	}
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "chatsync_messages"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE INDEX IF NOT EXISTS "chatsync_messages_ts_idx"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	return history, mock
}

func TestNewPostgresHistoryRequiresDSN(t *testing.T) {
	if _, err := NewPostgresHistory("  "); !errors.Is(err, chatsync.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestPostgresHistoryFetchPage(t *testing.T) {
	history, mock := newMockHistory(t)
	stored := chatsync.Message{
		Key:         chatsync.MessageKey{ID: "m1", IsOutbound: false},
		Content:     chatsync.Content{Text: "archived"},
		TimestampMs: 1500,
		Status:      chatsync.StatusRead,
	}
	payload, err := json.Marshal(stored)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT payload FROM "chatsync_messages"`)).
		WithArgs("wa1", testRef.RemoteConversationID, int64(2000), 50).
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(string(payload)))

	msgs, err := history.FetchHistory(context.Background(), testRef, 2000, 0)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(msgs))
	}
	got := msgs[0]
	if got.Key.ID != "m1" || got.Status != chatsync.StatusRead || got.Key.RemoteConversationID != testRef.RemoteConversationID {
		t.Fatalf("unexpected message %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresHistoryNewestPageOmitsCursor(t *testing.T) {
	history, mock := newMockHistory(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT payload FROM "chatsync_messages"`)).
		WithArgs("wa1", testRef.RemoteConversationID, 10).
		WillReturnRows(sqlmock.NewRows([]string{"payload"}))

	msgs, err := history.FetchHistory(context.Background(), testRef, 0, 10)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected empty page, got %d", len(msgs))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresHistorySaveSkipsUnconfirmed(t *testing.T) {
	history, mock := newMockHistory(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "chatsync_messages"`)).
		WithArgs("wa1", testRef.RemoteConversationID, "m1", int64(1000), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	msgs := []chatsync.Message{
		{Key: chatsync.MessageKey{ID: "m1"}, TimestampMs: 1000, Status: chatsync.StatusServerAck},
		{Key: chatsync.MessageKey{IsOutbound: true}, ProvisionalID: "tmp", TimestampMs: 1001, Status: chatsync.StatusPending},
	}
	if err := history.SaveMessages(context.Background(), testRef, msgs); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresHistorySaveRollsBackOnError(t *testing.T) {
	history, mock := newMockHistory(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "chatsync_messages"`)).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	msgs := []chatsync.Message{{Key: chatsync.MessageKey{ID: "m1"}, TimestampMs: 1000}}
	if err := history.SaveMessages(context.Background(), testRef, msgs); err == nil {
		t.Fatalf("expected save error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresHistoryDeleteMessage(t *testing.T) {
	history, mock := newMockHistory(t)
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "chatsync_messages"`)).
		WithArgs("wa1", testRef.RemoteConversationID, "m1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := history.DeleteMessage(context.Background(), testRef, "m1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresHistoryInitFailureIsSticky(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock failed: %v", err)
	}
	defer db.Close()
	history, _ := NewPostgresHistory("postgres://chatsync@localhost/chatsync")
	history.openDB = func(string, string) (*sql.DB, error) { return db, nil }
	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("permission denied"))
	mock.ExpectClose()

	for i := 0; i < 2; i++ {
		if _, err := history.FetchHistory(context.Background(), testRef, 0, 10); err == nil {
			t.Fatalf("expected init error on attempt %d", i)
		}
	}
}

func TestPostgresQuoteIdentifier(t *testing.T) {
	if got := postgresQuoteIdentifier(`odd"name`); got != `"odd""name"` {
		t.Fatalf("unexpected quoting %s", got)
	}
}

type stubFetcher struct {
	page  []chatsync.Message
	err   error
	calls int
}

func (f *stubFetcher) FetchHistory(ctx context.Context, ref chatsync.ConversationRef, beforeMs int64, pageSize int) ([]chatsync.Message, error) {
	f.calls++
	return f.page, f.err
}

type stubGateway struct {
	chatsync.Gateway
	history *stubFetcher
}

func (g *stubGateway) FetchHistory(ctx context.Context, ref chatsync.ConversationRef, beforeMs int64, pageSize int) ([]chatsync.Message, error) {
	return g.history.FetchHistory(ctx, ref, beforeMs, pageSize)
}

func historyPage(prefix string, n int, newestMs int64) []chatsync.Message {
	out := make([]chatsync.Message, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, chatsync.Message{
			Key:         chatsync.MessageKey{ID: fmt.Sprintf("%s%d", prefix, i)},
			TimestampMs: newestMs - int64(i),
		})
	}
	return out
}

func TestWithHistoryServesFullArchivePage(t *testing.T) {
	remote := &stubFetcher{page: historyPage("remote", 1, 100)}
	archive := &stubFetcher{page: historyPage("archived", 10, 100)}
	msgs, err := WithHistory(&stubGateway{history: remote}, archive).FetchHistory(context.Background(), testRef, 0, 10)
	if err != nil || len(msgs) != 10 || msgs[0].Key.ID != "archived0" {
		t.Fatalf("expected archived page, got %d messages (%v)", len(msgs), err)
	}
	if remote.calls != 0 {
		t.Fatalf("expected gateway to be skipped")
	}
	gw := &stubGateway{history: remote}
	if WithHistory(gw, nil) != chatsync.Gateway(gw) {
		t.Fatalf("expected nil archive to return the gateway unchanged")
	}
}

func TestWithHistoryCompletesShortArchivePageFromGateway(t *testing.T) {
	remote := &stubFetcher{page: historyPage("remote", 3, 100)}
	archive := &stubFetcher{page: []chatsync.Message{
		{Key: chatsync.MessageKey{ID: "remote0"}, TimestampMs: 100},
		{Key: chatsync.MessageKey{ID: "local"}, TimestampMs: 50},
	}}
	msgs, err := WithHistory(&stubGateway{history: remote}, archive).FetchHistory(context.Background(), testRef, 0, 10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if remote.calls != 1 {
		t.Fatalf("expected one gateway call, got %d", remote.calls)
	}
	if len(msgs) != 4 || msgs[3].Key.ID != "local" {
		t.Fatalf("expected gateway page plus missing archived message, got %+v", msgs)
	}

	archive.err = errors.New("db down")
	msgs, err = WithHistory(&stubGateway{history: remote}, archive).FetchHistory(context.Background(), testRef, 0, 10)
	if err != nil || len(msgs) != 3 {
		t.Fatalf("expected gateway page on archive failure, got %d messages (%v)", len(msgs), err)
	}

	archive.err = nil
	remote.err = errors.New("gateway down")
	if _, err := WithHistory(&stubGateway{history: remote}, archive).FetchHistory(context.Background(), testRef, 0, 10); err == nil {
		t.Fatalf("expected gateway error when the archive page is short")
	}
}

func TestWithHistoryKeepsOlderArchiveForLaterPage(t *testing.T) {
	remote := &stubFetcher{page: historyPage("remote", 3, 100)}
	archive := &stubFetcher{page: []chatsync.Message{
		{Key: chatsync.MessageKey{ID: "between"}, TimestampMs: 99},
		{Key: chatsync.MessageKey{ID: "older"}, TimestampMs: 10},
	}}
	msgs, err := WithHistory(&stubGateway{history: remote}, archive).FetchHistory(context.Background(), testRef, 0, 3)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	for _, m := range msgs {
		if m.Key.ID == "older" {
			t.Fatalf("archived message older than a full gateway page must wait for the next page")
		}
	}
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
}

func TestShortArchivePageDoesNotExhaustHistory(t *testing.T) {
	remote := &stubFetcher{page: historyPage("remote", 50, 10_000)}
	archive := &stubFetcher{page: historyPage("live", 2, 20_000)}
	index := chatsync.NewConversationIndex(50, 0)
	conv := index.Upsert(chatsync.ConversationSnapshot{ConnectorID: testRef.ConnectorID, RemoteConversationID: testRef.RemoteConversationID})

	page, err := index.FetchOlder(context.Background(), WithHistory(&stubGateway{history: remote}, archive), conv.ID, chatsync.PaginationCursor{})
	if err != nil {
		t.Fatalf("fetch older: %v", err)
	}
	if page.Exhausted {
		t.Fatalf("expected history to stay open after a short archive page")
	}
	if len(page.Messages) != 52 || remote.calls != 1 {
		t.Fatalf("expected 52 merged messages from one gateway call, got %d (%d calls)", len(page.Messages), remote.calls)
	}
}
