package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/lib/pq"

	"github.com/demomastra2025-eng/chatsync/internal/chatsync"
)

const (
	postgresHistoryTableName = "chatsync_messages"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresHistory is a message archive that can serve history pages without
// a round trip to the gateway.
type PostgresHistory struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

var _ chatsync.HistoryFetcher = (*PostgresHistory)(nil)

func NewPostgresHistory(dsn string) (*PostgresHistory, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: postgres dsn is required", chatsync.ErrInvalidInput)
	}
	return &PostgresHistory{
		dsn:       dsn,
		tableName: postgresHistoryTableName,
		openDB:    sql.Open,
	}, nil
}

func (h *PostgresHistory) FetchHistory(ctx context.Context, ref chatsync.ConversationRef, beforeMs int64, pageSize int) ([]chatsync.Message, error) {
	if err := h.ensureReady(); err != nil {
		return nil, err
	}
	if pageSize <= 0 {
		pageSize = chatsync.DefaultPageSize
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	table := postgresQuoteIdentifier(h.tableName)
	var (
		rows *sql.Rows
		err  error
	)
	if beforeMs > 0 {
		query := fmt.Sprintf(`
			SELECT payload FROM %s
			WHERE connector_id = $1 AND remote_conversation_id = $2 AND timestamp_ms < $3
			ORDER BY timestamp_ms DESC
			LIMIT $4`, table)
		rows, err = h.db.QueryContext(ctx, query, ref.ConnectorID, ref.RemoteConversationID, beforeMs, pageSize)
	} else {
		query := fmt.Sprintf(`
			SELECT payload FROM %s
			WHERE connector_id = $1 AND remote_conversation_id = $2
			ORDER BY timestamp_ms DESC
			LIMIT $3`, table)
		rows, err = h.db.QueryContext(ctx, query, ref.ConnectorID, ref.RemoteConversationID, pageSize)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chatsync.Message
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var msg chatsync.Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			return nil, err
		}
		msg.Key.RemoteConversationID = ref.RemoteConversationID
		out = append(out, msg)
	}
	return out, rows.Err()
}

// SaveMessages upserts confirmed messages. Messages without a server id are
// skipped.
func (h *PostgresHistory) SaveMessages(ctx context.Context, ref chatsync.ConversationRef, msgs []chatsync.Message) error {
	if err := h.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	query := fmt.Sprintf(`
		INSERT INTO %s (connector_id, remote_conversation_id, message_id, timestamp_ms, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (connector_id, remote_conversation_id, message_id)
		DO UPDATE SET timestamp_ms = EXCLUDED.timestamp_ms, payload = EXCLUDED.payload`, postgresQuoteIdentifier(h.tableName))
	for _, msg := range msgs {
		if !msg.Confirmed() {
			continue
		}
		payload, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, ref.ConnectorID, ref.RemoteConversationID, msg.Key.ID, msg.TimestampMs, string(payload)); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (h *PostgresHistory) DeleteMessage(ctx context.Context, ref chatsync.ConversationRef, messageID string) error {
	if err := h.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE connector_id = $1 AND remote_conversation_id = $2 AND message_id = $3`, postgresQuoteIdentifier(h.tableName))
	_, err := h.db.ExecContext(ctx, query, ref.ConnectorID, ref.RemoteConversationID, messageID)
	return err
}

func (h *PostgresHistory) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	return h.db.Close()
}

func (h *PostgresHistory) ensureReady() error {
	if h == nil {
		return chatsync.ErrInvalidInput
	}
	h.initOnce.Do(func() {
		db, err := h.openDB("postgres", h.dsn)
		if err != nil {
			h.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		table := postgresQuoteIdentifier(h.tableName)
		createTableQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				connector_id TEXT NOT NULL,
				remote_conversation_id TEXT NOT NULL,
				message_id TEXT NOT NULL,
				timestamp_ms BIGINT NOT NULL,
				payload TEXT NOT NULL,
				PRIMARY KEY (connector_id, remote_conversation_id, message_id)
			)`, table)
		if _, err := db.ExecContext(ctx, createTableQuery); err != nil {
			_ = db.Close()
			h.initErr = err
			return
		}
		createIndexQuery := fmt.Sprintf(`
			CREATE INDEX IF NOT EXISTS %s ON %s (connector_id, remote_conversation_id, timestamp_ms DESC)`,
			postgresQuoteIdentifier(h.tableName+"_ts_idx"), table)
		if _, err := db.ExecContext(ctx, createIndexQuery); err != nil {
			_ = db.Close()
			h.initErr = err
			return
		}
		h.db = db
	})
	return h.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

// WithHistory serves history pages from primary and completes them from the
// gateway. The archive only holds what this process has seen, so a short
// archive page is never taken as the end of history.
func WithHistory(gw chatsync.Gateway, primary chatsync.HistoryFetcher) chatsync.Gateway {
	if primary == nil {
		return gw
	}
	return &historyOverlay{Gateway: gw, primary: primary}
}

type historyOverlay struct {
	chatsync.Gateway
	primary chatsync.HistoryFetcher
}

func (o *historyOverlay) FetchHistory(ctx context.Context, ref chatsync.ConversationRef, beforeMs int64, pageSize int) ([]chatsync.Message, error) {
	archived, err := o.primary.FetchHistory(ctx, ref, beforeMs, pageSize)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		archived = nil
	}
	if pageSize > 0 && len(archived) >= pageSize {
		return archived, nil
	}
	remote, err := o.Gateway.FetchHistory(ctx, ref, beforeMs, pageSize)
	if err != nil {
		return nil, err
	}
	return mergeHistoryPages(remote, archived, pageSize), nil
}

// mergeHistoryPages adds archived messages missing from the gateway page.
// When the gateway page is full, archived messages older than it are left
// for a later page so the cursor does not skip past gateway history.
func mergeHistoryPages(remote, archived []chatsync.Message, pageSize int) []chatsync.Message {
	if len(archived) == 0 {
		return remote
	}
	seen := make(map[string]struct{}, len(remote))
	var floor int64
	for _, m := range remote {
		seen[m.Key.ID] = struct{}{}
		if floor == 0 || (m.TimestampMs > 0 && m.TimestampMs < floor) {
			floor = m.TimestampMs
		}
	}
	full := pageSize > 0 && len(remote) >= pageSize
	out := append([]chatsync.Message(nil), remote...)
	for _, m := range archived {
		if _, ok := seen[m.Key.ID]; ok {
			continue
		}
		if full && m.TimestampMs < floor {
			continue
		}
		seen[m.Key.ID] = struct{}{}
		out = append(out, m)
	}
	return out
}
