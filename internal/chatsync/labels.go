package chatsync

import (
	"context"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

type LabelSet map[string]struct{}

func NewLabelSet(ids ...string) LabelSet {
	set := make(LabelSet, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			set[id] = struct{}{}
		}
	}
	return set
}

func (s LabelSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

func (s LabelSet) Clone() LabelSet {
	out := make(LabelSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

func (s LabelSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s LabelSet) Equal(other LabelSet) bool {
	if len(s) != len(other) {
		return false
	}
	for id := range s {
		if !other.Has(id) {
			return false
		}
	}
	return true
}

// LabelDiff is the set of remote calls needed to move from one label set to
// another.
type LabelDiff struct {
	Added   []string
	Removed []string
}

func (d LabelDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

func DiffLabels(prev, next LabelSet) LabelDiff {
	var d LabelDiff
	for _, id := range next.Sorted() {
		if !prev.Has(id) {
			d.Added = append(d.Added, id)
		}
	}
	for _, id := range prev.Sorted() {
		if !next.Has(id) {
			d.Removed = append(d.Removed, id)
		}
	}
	return d
}

// LabelMutator is the slice of the gateway the reconciler needs.
type LabelMutator interface {
	AddLabel(ctx context.Context, ref ConversationRef, labelID string) error
	RemoveLabel(ctx context.Context, ref ConversationRef, labelID string) error
}

// LabelReconciler issues one remote call per changed label. The calls are
// independent and not transactional; any failure is reported so the caller
// can restore the previous set.
type LabelReconciler struct {
	mutator     LabelMutator
	concurrency int
}

func NewLabelReconciler(mutator LabelMutator, concurrency int) *LabelReconciler {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &LabelReconciler{mutator: mutator, concurrency: concurrency}
}

// Push runs every call in diff and returns the failures keyed by label id.
// All calls are attempted even after one fails.
func (r *LabelReconciler) Push(ctx context.Context, ref ConversationRef, diff LabelDiff) map[string]error {
	var (
		mu     sync.Mutex
		failed map[string]error
	)
	record := func(id string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if failed == nil {
			failed = map[string]error{}
		}
		failed[id] = err
	}

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for _, id := range diff.Added {
		g.Go(func() error {
			if err := r.mutator.AddLabel(ctx, ref, id); err != nil {
				record(id, err)
			}
			return nil
		})
	}
	for _, id := range diff.Removed {
		g.Go(func() error {
			if err := r.mutator.RemoveLabel(ctx, ref, id); err != nil {
				record(id, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return failed
}
