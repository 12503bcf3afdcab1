package gateway

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/demomastra2025-eng/chatsync/internal/chatsync"
)

// DialerFactory builds a push-stream dialer from a DSN. token is the
// gateway credential, for schemes that need one.
type DialerFactory func(dsn, token string) (chatsync.Dialer, error)

var dialerRegistry = struct {
	mu        sync.RWMutex
	factories map[string]DialerFactory
}{
	factories: map[string]DialerFactory{},
}

// RegisterDialerFactory overrides or adds the dialer for scheme.
func RegisterDialerFactory(scheme string, factory DialerFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	dialerRegistry.mu.Lock()
	defer dialerRegistry.mu.Unlock()
	dialerRegistry.factories[scheme] = factory
}

func lookupDialerFactory(scheme string) (DialerFactory, bool) {
	scheme = normalizeScheme(scheme)
	dialerRegistry.mu.RLock()
	defer dialerRegistry.mu.RUnlock()
	factory, ok := dialerRegistry.factories[scheme]
	return factory, ok
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildDialerFromDSN picks a push source by scheme:
//
//	ws://, wss://          gateway websocket
//	redis://, rediss://    pub/sub channel, ?channel= selects it
//	file://, spool://, or a bare path   spool directory
func BuildDialerFromDSN(dsn, token string) (chatsync.Dialer, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: event source dsn is required", chatsync.ErrInvalidInput)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupDialerFactory(scheme); ok {
		return factory(dsn, token)
	}
	switch scheme {
	case "ws", "wss":
		return WebSocketDialer(dsn, token), nil
	case "redis", "rediss":
		q := parsed.Query()
		channel := q.Get("channel")
		q.Del("channel")
		parsed.RawQuery = q.Encode()
		return RedisDialer(parsed.String(), channel)
	case "", "file", "spool":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return SpoolDialer(path), nil
	default:
		return nil, fmt.Errorf("%w: unsupported event source scheme %s", chatsync.ErrInvalidInput, scheme)
	}
}

// BuildHistoryFromDSN returns nil when dsn is empty.
func BuildHistoryFromDSN(dsn string) (*PostgresHistory, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch normalizeScheme(parsed.Scheme) {
	case "postgres", "postgresql":
		return NewPostgresHistory(dsn)
	default:
		return nil, fmt.Errorf("%w: unsupported history scheme %s", chatsync.ErrInvalidInput, parsed.Scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if strings.TrimSpace(parsed.Scheme) == "" {
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", fmt.Errorf("%w: spool dsn has no path", chatsync.ErrInvalidInput)
	}
	return path, nil
}
