package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"nhooyr.io/websocket"

	"github.com/demomastra2025-eng/chatsync/internal/chatsync"
)

const defaultReadLimit = 1 << 20

// WebSocketSource reads push frames from a gateway websocket.
type WebSocketSource struct {
	conn *websocket.Conn
}

// WebSocketDialer returns a dialer for url. A token, when set, is sent as a
// bearer credential on the upgrade request.
func WebSocketDialer(url, token string) chatsync.Dialer {
	return func(ctx context.Context) (chatsync.EventSource, error) {
		return DialWebSocket(ctx, url, token)
	}
}

func DialWebSocket(ctx context.Context, url, token string) (*WebSocketSource, error) {
	header := http.Header{}
	if token = strings.TrimSpace(token); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: websocket dial rejected with status %d", chatsync.ErrPermanent, resp.StatusCode)
		}
		return nil, err
	}
	conn.SetReadLimit(defaultReadLimit)
	return &WebSocketSource{conn: conn}, nil
}

func (s *WebSocketSource) Next(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == websocket.StatusPolicyViolation {
				return nil, fmt.Errorf("%w: %v", chatsync.ErrPermanent, err)
			}
			return nil, err
		}
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			continue
		}
		if len(data) == 0 {
			continue
		}
		return data, nil
	}
}

func (s *WebSocketSource) Close() error {
	err := s.conn.Close(websocket.StatusNormalClosure, "")
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) {
		return nil
	}
	return err
}
