package chatsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/demomastra2025-eng/chatsync/internal/logging"
)

type Options struct {
	Gateway          Gateway
	Connectors       []string
	Logger           logging.Logger
	Metrics          *Metrics
	PageSize         int
	MatchTolerance   time.Duration
	QueueSize        int
	LabelConcurrency int
	// Observer runs on the event loop after every applied change and must
	// not block.
	Observer func(Change)
	Now      func() time.Time
	NewID    func() string
}

// Store is the single owner of the synchronized working set. Every mutation
// runs as a closure on the loop started by Run; gateway calls run off-loop
// and their completions are queued back onto it.
type Store struct {
	gateway   Gateway
	engine    *Engine
	decoder   *EventDecoder
	labels    *LabelReconciler
	logger    logging.Logger
	metrics   *Metrics
	observer  func(Change)
	now       func() time.Time
	newID     func() string
	connector []string

	ops     chan func()
	life    context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	running sync.Once
	calls   sync.WaitGroup
}

func NewStore(opts Options) (*Store, error) {
	if opts.Gateway == nil {
		return nil, fmt.Errorf("%w: gateway is required", ErrInvalidInput)
	}
	decoder, err := NewEventDecoder()
	if err != nil {
		return nil, err
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	connectors := make([]string, 0, len(opts.Connectors))
	for _, c := range opts.Connectors {
		if c = strings.TrimSpace(c); c != "" {
			connectors = append(connectors, c)
		}
	}
	life, cancel := context.WithCancel(context.Background())
	return &Store{
		gateway:   opts.Gateway,
		engine:    NewEngine(opts.PageSize, opts.MatchTolerance),
		decoder:   decoder,
		labels:    NewLabelReconciler(opts.Gateway, opts.LabelConcurrency),
		logger:    logging.OrNop(opts.Logger).With("component", "store"),
		metrics:   opts.Metrics,
		observer:  opts.Observer,
		now:       opts.Now,
		newID:     opts.NewID,
		connector: connectors,
		ops:       make(chan func(), opts.QueueSize),
		life:      life,
		cancel:    cancel,
		done:      make(chan struct{}),
	}, nil
}

// Run processes queued operations until ctx is done. It may be called once.
func (s *Store) Run(ctx context.Context) error {
	started := false
	s.running.Do(func() { started = true })
	if !started {
		return fmt.Errorf("%w: store already ran", ErrInvalidInput)
	}
	defer func() {
		s.cancel()
		close(s.done)
		s.calls.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case op := <-s.ops:
			op()
		}
	}
}

// exec runs fn on the loop and waits for it. If the caller gives up, fn may
// still run later.
func (s *Store) exec(ctx context.Context, fn func(*Engine)) error {
	finished := make(chan struct{})
	op := func() {
		fn(s.engine)
		close(finished)
	}
	select {
	case s.ops <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrStopped
	}
}

// post queues fn without waiting for it to run.
func (s *Store) post(fn func(*Engine)) bool {
	select {
	case s.ops <- func() { fn(s.engine) }:
		return true
	case <-s.done:
		return false
	}
}

// spawn runs a gateway call bound to the store's lifetime rather than the
// caller's context, so abandoned requests still complete and merge.
func (s *Store) spawn(fn func(ctx context.Context)) {
	s.calls.Add(1)
	go func() {
		defer s.calls.Done()
		fn(s.life)
	}()
}

func (s *Store) notify(changes []Change) {
	if s.observer == nil {
		return
	}
	for _, c := range changes {
		s.observer(c)
	}
}

// Deliver decodes and applies one raw push frame. Malformed frames are
// dropped with a warning and reported as *EventError.
func (s *Store) Deliver(ctx context.Context, frame []byte) error {
	ev, err := s.decoder.Decode(frame)
	if err != nil {
		var eventErr *EventError
		kind := ""
		if errors.As(err, &eventErr) {
			kind = eventErr.Kind
		}
		s.metrics.event(kind, "malformed")
		s.logger.Warn(ctx, "dropping malformed event", "error", err, "bytes", len(frame))
		return err
	}
	return s.Apply(ctx, ev)
}

// Apply folds a decoded event into the working set.
func (s *Store) Apply(ctx context.Context, ev Event) error {
	var applyErr error
	err := s.exec(ctx, func(e *Engine) {
		changes, err := e.Apply(ev)
		if err != nil {
			applyErr = err
			return
		}
		for _, c := range changes {
			if c.Kind == ChangeMessage && ev.Kind() == KindMessageUpserted {
				s.metrics.ingest(OriginLive, c.New)
			}
		}
		s.notify(changes)
	})
	if err != nil {
		return err
	}
	if applyErr != nil {
		s.metrics.event(string(ev.Kind()), "rejected")
		s.logger.Warn(ctx, "dropping event", "kind", ev.Kind(), "error", applyErr)
		return applyErr
	}
	s.metrics.event(string(ev.Kind()), "applied")
	return nil
}

// IngestHistory merges externally obtained history into a known
// conversation.
func (s *Store) IngestHistory(ctx context.Context, conversationID string, messages []Message) error {
	var firstErr error
	err := s.exec(ctx, func(e *Engine) {
		changes := make([]Change, 0, len(messages))
		for _, m := range messages {
			res, err := e.Ingest(conversationID, m, OriginHistory)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			s.metrics.ingest(OriginHistory, res.IsNew)
			change := messageChange(conversationID, res.Message)
			change.New = res.IsNew
			changes = append(changes, change)
		}
		s.notify(changes)
	})
	if err != nil {
		return err
	}
	return firstErr
}

type olderResult struct {
	page OlderPage
	err  error
}

// LoadOlder fetches the next page of history for a conversation. The fetch
// is started on the loop, so a caller that stops waiting still leaves the
// page to be merged and the fetch slot released.
func (s *Store) LoadOlder(ctx context.Context, conversationID string) (OlderPage, error) {
	result := make(chan olderResult, 1)
	err := s.exec(ctx, func(e *Engine) {
		ref, cursor, skip, err := e.BeginOlder(conversationID)
		if err != nil {
			result <- olderResult{err: err}
			return
		}
		if skip {
			result <- olderResult{page: OlderPage{Cursor: cursor, Exhausted: true}}
			return
		}
		pageSize := e.Index().PageSize()
		s.spawn(func(life context.Context) {
			page, fetchErr := s.gateway.FetchHistory(life, ref, cursor.BeforeMs, pageSize)
			posted := s.post(func(e *Engine) {
				if fetchErr != nil {
					e.AbortOlder(conversationID)
					s.metrics.historyPage("error")
					result <- olderResult{err: fmt.Errorf("fetch history for %s: %w", conversationID, fetchErr)}
					return
				}
				out, err := e.CompleteOlder(conversationID, cursor, page)
				if err == nil {
					s.metrics.historyPage("ok")
					changes := make([]Change, 0, len(out.Messages))
					for _, m := range out.Messages {
						changes = append(changes, messageChange(conversationID, m))
					}
					s.notify(changes)
				}
				result <- olderResult{page: out, err: err}
			})
			if !posted {
				result <- olderResult{err: ErrStopped}
			}
		})
	})
	if err != nil {
		return OlderPage{}, err
	}

	select {
	case r := <-result:
		return r.page, r.err
	case <-ctx.Done():
		return OlderPage{}, ctx.Err()
	case <-s.done:
		return OlderPage{}, ErrStopped
	}
}

type sendResult struct {
	msg Message
	err error
}

// Send places an optimistic message and asks the gateway to deliver it. On
// failure the Pending message stays in place and the error is returned with
// it. The gateway call is started together with the optimistic message, so
// the message is sent even if the caller stops waiting.
func (s *Store) Send(ctx context.Context, conversationID string, content Content) (Message, error) {
	provisionalID := s.newID()
	result := make(chan sendResult, 1)
	var pending Message
	err := s.exec(ctx, func(e *Engine) {
		msg, err := e.BeginSend(conversationID, content, provisionalID, s.now())
		if err != nil {
			result <- sendResult{err: err}
			return
		}
		pending = msg
		c, _ := e.Conversation(conversationID)
		ref := c.Ref()
		s.metrics.ingest(OriginOptimistic, true)
		s.notify([]Change{messageChange(conversationID, msg)})

		s.spawn(func(life context.Context) {
			receipt, sendErr := s.gateway.SendMessage(life, ref, content, provisionalID)
			if sendErr != nil {
				s.logger.Warn(life, "send failed", "conversation", conversationID, "provisional_id", provisionalID, "error", sendErr)
				result <- sendResult{msg: msg, err: fmt.Errorf("send to %s: %w", conversationID, sendErr)}
				return
			}
			posted := s.post(func(e *Engine) {
				confirmed, err := e.ConfirmSend(conversationID, provisionalID, receipt)
				if err == nil {
					s.notify([]Change{messageChange(conversationID, confirmed)})
				}
				result <- sendResult{msg: confirmed, err: err}
			})
			if !posted {
				result <- sendResult{msg: msg, err: ErrStopped}
			}
		})
	})
	if err != nil {
		return Message{}, err
	}

	select {
	case r := <-result:
		return r.msg, r.err
	case <-ctx.Done():
		return pending, ctx.Err()
	case <-s.done:
		return pending, ErrStopped
	}
}

// awaitCall runs call off-loop and, if it succeeds, apply on the loop.
func (s *Store) awaitCall(ctx context.Context, call func(context.Context) error, apply func(*Engine) ([]Change, error)) error {
	result := make(chan error, 1)
	s.spawn(func(life context.Context) {
		if err := call(life); err != nil {
			result <- err
			return
		}
		posted := s.post(func(e *Engine) {
			changes, err := apply(e)
			if err == nil {
				s.notify(changes)
			}
			result <- err
		})
		if !posted {
			result <- ErrStopped
		}
	})
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrStopped
	}
}

// MarkRead asks the gateway to mark the conversation read. Local status only
// changes after the gateway confirms.
func (s *Store) MarkRead(ctx context.Context, conversationID string) error {
	var (
		ref       ConversationRef
		ids       []string
		lookupErr error
	)
	if err := s.exec(ctx, func(e *Engine) {
		ref, ids, lookupErr = e.UnreadMessageIDs(conversationID)
	}); err != nil {
		return err
	}
	if lookupErr != nil {
		return lookupErr
	}
	return s.awaitCall(ctx,
		func(life context.Context) error { return s.gateway.MarkRead(life, ref, ids) },
		func(e *Engine) ([]Change, error) { return e.ApplyMarkRead(conversationID, ids) },
	)
}

func (s *Store) MarkUnread(ctx context.Context, conversationID string) error {
	var (
		ref       ConversationRef
		latest    Message
		found     bool
		lookupErr error
	)
	if err := s.exec(ctx, func(e *Engine) {
		ref, latest, found, lookupErr = e.LatestInbound(conversationID)
	}); err != nil {
		return err
	}
	if lookupErr != nil {
		return lookupErr
	}
	messageID := ""
	if found {
		messageID = latest.Key.ID
	}
	return s.awaitCall(ctx,
		func(life context.Context) error { return s.gateway.MarkUnread(life, ref, messageID) },
		func(e *Engine) ([]Change, error) { return e.ApplyMarkUnread(conversationID, messageID) },
	)
}

// DeleteMessage deletes remotely first and locally on success.
func (s *Store) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	var (
		ref       ConversationRef
		lookupErr error
	)
	if err := s.exec(ctx, func(e *Engine) {
		var c Conversation
		c, lookupErr = e.Conversation(conversationID)
		ref = c.Ref()
	}); err != nil {
		return err
	}
	if lookupErr != nil {
		return lookupErr
	}
	return s.awaitCall(ctx,
		func(life context.Context) error { return s.gateway.DeleteMessage(life, ref, messageID) },
		func(e *Engine) ([]Change, error) { return e.RemoveMessage(conversationID, messageID) },
	)
}

// SetLabels applies next locally at once, then pushes one call per changed
// label. Any failure restores the full previous set and returns a
// *LabelError. The push starts on the loop with the local change, so a
// caller that stops waiting cannot leave the two out of step.
func (s *Store) SetLabels(ctx context.Context, conversationID string, next []string) error {
	want := NewLabelSet(next...)
	result := make(chan error, 1)
	err := s.exec(ctx, func(e *Engine) {
		ref, prev, err := e.ReplaceLabels(conversationID, want)
		if err != nil {
			result <- err
			return
		}
		diff := DiffLabels(prev, want)
		if diff.Empty() {
			result <- nil
			return
		}
		s.notify([]Change{{Kind: ChangeConversation, ConversationID: conversationID}})

		s.spawn(func(life context.Context) {
			failed := s.labels.Push(life, ref, diff)
			if len(failed) == 0 {
				result <- nil
				return
			}
			s.logger.Warn(life, "label update rolled back", "conversation", conversationID, "failed", len(failed))
			posted := s.post(func(e *Engine) {
				_, _, _ = e.ReplaceLabels(conversationID, prev)
				s.metrics.labelRollback()
				s.notify([]Change{{Kind: ChangeConversation, ConversationID: conversationID}})
				result <- &LabelError{ConversationID: conversationID, Failed: failed}
			})
			if !posted {
				result <- ErrStopped
			}
		})
	})
	if err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrStopped
	}
}

// RefreshConversations pulls the conversation list of every configured
// connector and applies each entry as a server snapshot.
func (s *Store) RefreshConversations(ctx context.Context) error {
	var errs []error
	for _, connector := range s.connector {
		snaps, err := s.gateway.ListConversations(ctx, connector)
		if err != nil {
			errs = append(errs, fmt.Errorf("list conversations for %s: %w", connector, err))
			continue
		}
		for _, snap := range snaps {
			if snap.ConnectorID == "" {
				snap.ConnectorID = connector
			}
			if err := s.Apply(ctx, ConversationSnapshotUpserted{Snapshot: snap}); err != nil && !errors.Is(err, ErrMalformedEvent) {
				return err
			}
		}
	}
	return errors.Join(errs...)
}

// Upsert registers a conversation locally without a server snapshot.
func (s *Store) Upsert(ctx context.Context, snap ConversationSnapshot) (Conversation, error) {
	if strings.TrimSpace(snap.RemoteConversationID) == "" {
		return Conversation{}, fmt.Errorf("%w: remoteConversationId is required", ErrInvalidInput)
	}
	snap.UnreadCount = nil
	var out Conversation
	err := s.exec(ctx, func(e *Engine) {
		out = e.Index().Upsert(snap)
		s.notify([]Change{{Kind: ChangeConversation, ConversationID: out.ID}})
	})
	return out, err
}

func (s *Store) Conversations(ctx context.Context, f Filter) ([]Conversation, error) {
	var out []Conversation
	err := s.exec(ctx, func(e *Engine) { out = e.Conversations(f) })
	return out, err
}

func (s *Store) Conversation(ctx context.Context, conversationID string) (Conversation, error) {
	var (
		out       Conversation
		lookupErr error
	)
	if err := s.exec(ctx, func(e *Engine) { out, lookupErr = e.Conversation(conversationID) }); err != nil {
		return Conversation{}, err
	}
	return out, lookupErr
}

func (s *Store) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	var (
		out       []Message
		lookupErr error
	)
	if err := s.exec(ctx, func(e *Engine) { out, lookupErr = e.Messages(conversationID) }); err != nil {
		return nil, err
	}
	return out, lookupErr
}
