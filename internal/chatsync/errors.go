package chatsync

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrMalformedEvent = errors.New("malformed event")
	ErrFetchInFlight  = errors.New("history fetch already in flight")
	ErrLabelRollback  = errors.New("label update rolled back")
	ErrStopped        = errors.New("store stopped")
)

// EventError describes a frame rejected at the ingestion boundary.
type EventError struct {
	Kind   string
	Reason string
}

func (e *EventError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("malformed event: %s", e.Reason)
	}
	return fmt.Sprintf("malformed %s event: %s", e.Kind, e.Reason)
}

func (e *EventError) Is(target error) bool {
	return target == ErrMalformedEvent
}

// LabelError reports the per-label calls that failed during SetLabels. The
// local label set has already been restored when it is returned.
type LabelError struct {
	ConversationID string
	Failed         map[string]error
}

func (e *LabelError) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s: %v", id, e.Failed[id]))
	}
	return fmt.Sprintf("label update for %s rolled back (%s)", e.ConversationID, strings.Join(parts, "; "))
}

func (e *LabelError) Is(target error) bool {
	return target == ErrLabelRollback
}

func (e *LabelError) Unwrap() []error {
	out := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		out = append(out, err)
	}
	return out
}
