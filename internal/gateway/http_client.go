package gateway

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/demomastra2025-eng/chatsync/internal/chatsync"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// NotFound reports whether err is a 404 from the gateway.
func NotFound(err error) bool {
	var httpErr *HTTPError
	return asHTTPError(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound
}

// HTTPClient talks to the messaging gateway's REST API. It implements
// chatsync.Gateway.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var _ chatsync.Gateway = (*HTTPClient)(nil)

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Inf, 1),
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// WithRateLimit caps outgoing requests. rps <= 0 disables the limit.
func (c *HTTPClient) WithRateLimit(rps float64, burst int) *HTTPClient {
	if rps <= 0 {
		c.limiter = rate.NewLimiter(rate.Inf, 1)
		return c
	}
	if burst <= 0 {
		burst = 1
	}
	c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	return c
}

func chatPath(ref chatsync.ConversationRef, suffix string) string {
	return fmt.Sprintf("/v1/connectors/%s/chats/%s%s",
		url.PathEscape(ref.ConnectorID), url.PathEscape(ref.RemoteConversationID), suffix)
}

func (c *HTTPClient) ListConversations(ctx context.Context, connectorID string) ([]chatsync.ConversationSnapshot, error) {
	var out chatListResponse
	path := fmt.Sprintf("/v1/connectors/%s/chats", url.PathEscape(connectorID))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	snaps := make([]chatsync.ConversationSnapshot, 0, len(out.Chats))
	for _, chat := range out.Chats {
		if strings.TrimSpace(chat.RemoteJID) == "" {
			continue
		}
		snaps = append(snaps, chat.snapshot(connectorID))
	}
	return snaps, nil
}

func (c *HTTPClient) FetchHistory(ctx context.Context, ref chatsync.ConversationRef, beforeMs int64, pageSize int) ([]chatsync.Message, error) {
	q := url.Values{}
	if beforeMs > 0 {
		q.Set("before", strconv.FormatInt(beforeMs, 10))
	}
	if pageSize > 0 {
		q.Set("limit", strconv.Itoa(pageSize))
	}
	path := chatPath(ref, "/messages")
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out messageListResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	msgs := make([]chatsync.Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		if strings.TrimSpace(m.ID) == "" {
			continue
		}
		msgs = append(msgs, m.message(ref.RemoteConversationID))
	}
	return msgs, nil
}

func (c *HTTPClient) SendMessage(ctx context.Context, ref chatsync.ConversationRef, content chatsync.Content, provisionalID string) (chatsync.SendReceipt, error) {
	body := sendRequest{
		Text:        content.Text,
		Attachments: content.Attachments,
		ClientID:    provisionalID,
	}
	var out sendResponse
	if err := c.doJSON(ctx, http.MethodPost, chatPath(ref, "/messages"), body, &out); err != nil {
		return chatsync.SendReceipt{}, err
	}
	status := chatsync.ParseStatus(out.Status)
	return chatsync.SendReceipt{ID: out.ID, TimestampMs: out.TimestampMs, Status: status}, nil
}

func (c *HTTPClient) MarkRead(ctx context.Context, ref chatsync.ConversationRef, messageIDs []string) error {
	return c.doJSON(ctx, http.MethodPost, chatPath(ref, "/read"), map[string]any{"messageIds": messageIDs}, nil)
}

func (c *HTTPClient) MarkUnread(ctx context.Context, ref chatsync.ConversationRef, messageID string) error {
	body := map[string]any{}
	if messageID != "" {
		body["messageId"] = messageID
	}
	return c.doJSON(ctx, http.MethodPost, chatPath(ref, "/unread"), body, nil)
}

func (c *HTTPClient) AddLabel(ctx context.Context, ref chatsync.ConversationRef, labelID string) error {
	return c.doJSON(ctx, http.MethodPut, chatPath(ref, "/labels/"+url.PathEscape(labelID)), nil, nil)
}

func (c *HTTPClient) RemoveLabel(ctx context.Context, ref chatsync.ConversationRef, labelID string) error {
	return c.doJSON(ctx, http.MethodDelete, chatPath(ref, "/labels/"+url.PathEscape(labelID)), nil, nil)
}

func (c *HTTPClient) DeleteMessage(ctx context.Context, ref chatsync.ConversationRef, messageID string) error {
	return c.doJSON(ctx, http.MethodDelete, chatPath(ref, "/messages/"+url.PathEscape(messageID)), nil, nil)
}

// doJSON performs one logical gateway call. Every attempt, retries
// included, carries the same correlation id and takes a token from the rate
// limiter.
func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	call := gatewayCall{method: method, path: requestPath, correlationID: newCorrelationID()}
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		call.body = encoded
	}

	var backoff time.Duration
	for attempt := 0; ; attempt++ {
		if err := c.pace(ctx, backoff); err != nil {
			return err
		}
		req, err := c.newRequest(ctx, call)
		if err != nil {
			return err
		}
		res, err := c.send(req)
		if (err != nil || retryableStatus(res.status)) && attempt < c.maxRetries && ctx.Err() == nil {
			backoff = c.retryDelay(attempt+1, res.header.Get("Retry-After"))
			continue
		}
		if err != nil {
			return err
		}
		return res.decode(out)
	}
}

type gatewayCall struct {
	method        string
	path          string
	body          []byte
	correlationID string
}

type gatewayResponse struct {
	status  int
	header  http.Header
	payload []byte
}

func (c *HTTPClient) newRequest(ctx context.Context, call gatewayCall) (*http.Request, error) {
	var body io.Reader
	if call.body != nil {
		body = bytes.NewReader(call.body)
	}
	req, err := http.NewRequestWithContext(ctx, call.method, c.baseURL+call.path, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Correlation-Id", call.correlationID)
	if call.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *HTTPClient) send(req *http.Request) (gatewayResponse, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gatewayResponse{}, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return gatewayResponse{}, err
	}
	return gatewayResponse{status: resp.StatusCode, header: resp.Header, payload: payload}, nil
}

func (r gatewayResponse) decode(out any) error {
	if r.status >= 200 && r.status <= 299 {
		if out == nil || len(r.payload) == 0 {
			return nil
		}
		return json.Unmarshal(r.payload, out)
	}
	httpErr := &HTTPError{StatusCode: r.status}
	var problem struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(r.payload, &problem) == nil {
		httpErr.Code = problem.Code
		httpErr.Message = problem.Message
	}
	return httpErr
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

func newCorrelationID() string {
	return "chatsync_" + uuid.NewString()
}

// pace waits for the retry backoff and the rate limiter together. A wait the
// context deadline cannot cover fails at once and returns its token.
func (c *HTTPClient) pace(ctx context.Context, backoff time.Duration) error {
	reservation := c.limiter.Reserve()
	if !reservation.OK() {
		return fmt.Errorf("gateway rate limit: burst of %d exceeded", c.limiter.Burst())
	}
	wait := max(backoff, reservation.Delay())
	if wait <= 0 {
		return nil
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < wait {
		reservation.Cancel()
		return fmt.Errorf("gateway rate limit: %s wait exceeds deadline: %w", wait, context.DeadlineExceeded)
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		reservation.Cancel()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryDelay doubles from baseDelay per attempt. A Retry-After header
// replaces the computed delay; both are capped at maxDelay.
func (c *HTTPClient) retryDelay(attempt int, retryAfter string) time.Duration {
	limit := cmp.Or(c.maxDelay, 2*time.Second)
	if d := parseRetryAfter(retryAfter); d > 0 {
		return min(d, limit)
	}
	delay := cmp.Or(c.baseDelay, 100*time.Millisecond)
	if attempt > 1 {
		delay <<= min(attempt-1, 30)
	}
	return min(delay, limit)
}

func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(max(seconds, 0)) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		return max(time.Until(at), 0)
	}
	return 0
}
