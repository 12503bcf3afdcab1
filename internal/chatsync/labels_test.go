package chatsync

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingMutator struct {
	mu      sync.Mutex
	calls   map[string]int
	failing map[string]bool
}

func (m *countingMutator) record(op, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = map[string]int{}
	}
	m.calls[op+":"+id]++
	if m.failing[id] {
		return errors.New("rejected " + id)
	}
	return nil
}

func (m *countingMutator) AddLabel(_ context.Context, _ ConversationRef, id string) error {
	return m.record("add", id)
}

func (m *countingMutator) RemoveLabel(_ context.Context, _ ConversationRef, id string) error {
	return m.record("remove", id)
}

func TestDiffLabels(t *testing.T) {
	d := DiffLabels(NewLabelSet("a", "b", "c"), NewLabelSet("c", "d", " "))
	assert.Equal(t, []string{"d"}, d.Added)
	assert.Equal(t, []string{"a", "b"}, d.Removed)
	assert.True(t, DiffLabels(NewLabelSet("x"), NewLabelSet("x")).Empty())
	assert.True(t, NewLabelSet("a", "b").Equal(NewLabelSet("b", "a")))
	assert.False(t, NewLabelSet("a").Equal(NewLabelSet("b")))
}

func TestLabelReconcilerAttemptsEveryCall(t *testing.T) {
	m := &countingMutator{failing: map[string]bool{"b": true, "x": true}}
	r := NewLabelReconciler(m, 2)

	failed := r.Push(context.Background(), ConversationRef{RemoteConversationID: "r"}, LabelDiff{
		Added:   []string{"a", "b", "c"},
		Removed: []string{"x", "y"},
	})
	require.Len(t, failed, 2)
	assert.Contains(t, failed, "b")
	assert.Contains(t, failed, "x")
	assert.Len(t, m.calls, 5)

	err := &LabelError{ConversationID: "r", Failed: failed}
	assert.ErrorIs(t, err, ErrLabelRollback)
	assert.Contains(t, err.Error(), "b: rejected b")
	assert.Contains(t, err.Error(), "x: rejected x")
}

func TestLabelReconcilerNoFailures(t *testing.T) {
	r := NewLabelReconciler(&countingMutator{}, 0)
	assert.Nil(t, r.Push(context.Background(), ConversationRef{}, LabelDiff{Added: []string{"a"}}))
}
