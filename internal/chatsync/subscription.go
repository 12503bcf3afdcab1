package chatsync

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/demomastra2025-eng/chatsync/internal/logging"
)

// EventSource yields raw push frames. Next blocks until a frame arrives, the
// source fails, or ctx is done.
type EventSource interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens a fresh EventSource. It is called again after every
// disconnect.
type Dialer func(ctx context.Context) (EventSource, error)

// FrameSink receives frames in arrival order. *Store implements it.
type FrameSink interface {
	Deliver(ctx context.Context, frame []byte) error
}

// ErrPermanent marks dial failures that retrying will not fix, such as
// rejected credentials.
var ErrPermanent = errors.New("permanent subscription failure")

const (
	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
	backoffMultiplier = 2
	jitterDivisor     = 2
)

type SubscriptionOptions struct {
	Dial       Dialer
	Logger     logging.Logger
	Metrics    *Metrics
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// OnConnect runs after every successful dial, before frames are read.
	// The daemon uses it to resync conversation snapshots missed while
	// disconnected.
	OnConnect func(ctx context.Context)
}

// Subscription keeps a push stream attached to a sink until stopped.
type Subscription struct {
	sink FrameSink
	opts SubscriptionOptions
	log  logging.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func NewSubscription(sink FrameSink, opts SubscriptionOptions) (*Subscription, error) {
	if sink == nil {
		return nil, fmt.Errorf("%w: sink is required", ErrInvalidInput)
	}
	if opts.Dial == nil {
		return nil, fmt.Errorf("%w: dialer is required", ErrInvalidInput)
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = defaultMinBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = defaultMaxBackoff
		if opts.MaxBackoff < opts.MinBackoff {
			opts.MaxBackoff = opts.MinBackoff
		}
	}
	return &Subscription{
		sink: sink,
		opts: opts,
		log:  logging.OrNop(opts.Logger).With("component", "subscription"),
	}, nil
}

// Start launches the reader. It returns an error if already started.
func (s *Subscription) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return fmt.Errorf("%w: subscription already started", ErrInvalidInput)
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.err = nil
	go func(done chan struct{}) {
		defer close(done)
		err := s.run(runCtx)
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
	}(s.done)
	return nil
}

// Stop detaches the stream and waits for the reader to exit. It returns the
// permanent error that ended the subscription, if any.
func (s *Subscription) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	s.mu.Lock()
	defer s.mu.Unlock()
	if errors.Is(s.err, context.Canceled) {
		return nil
	}
	return s.err
}

// Done is closed when the reader exits.
func (s *Subscription) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Subscription) run(ctx context.Context) error {
	backoff := s.opts.MinBackoff
	for {
		src, err := s.opts.Dial(ctx)
		if err == nil {
			backoff = s.opts.MinBackoff
			s.log.Info(ctx, "subscription connected")
			if s.opts.OnConnect != nil {
				s.opts.OnConnect(ctx)
			}
			err = s.pump(ctx, src)
			_ = src.Close()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrPermanent) {
			s.log.Error(ctx, "subscription stopped", "error", err)
			return err
		}

		jitter := time.Duration(rand.Int64N(int64(backoff)/jitterDivisor + 1))
		s.log.Warn(ctx, "subscription lost, reconnecting", "error", err, "backoff", backoff+jitter)
		s.opts.Metrics.reconnect()
		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff = min(backoff*backoffMultiplier, s.opts.MaxBackoff)
	}
}

// pump reads until the source fails. Malformed frames are the sink's
// concern and do not end the connection.
func (s *Subscription) pump(ctx context.Context, src EventSource) error {
	for {
		frame, err := src.Next(ctx)
		if err != nil {
			return err
		}
		if err := s.sink.Deliver(ctx, frame); err != nil {
			if errors.Is(err, ErrStopped) {
				return fmt.Errorf("%w: %v", ErrPermanent, err)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
}
