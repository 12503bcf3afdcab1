package chatsync

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedSource struct {
	frames [][]byte
	closed bool
	mu     sync.Mutex
}

func (s *scriptedSource) Next(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	if len(s.frames) > 0 {
		f := s.frames[0]
		s.frames = s.frames[1:]
		s.mu.Unlock()
		return f, nil
	}
	s.mu.Unlock()
	return nil, io.EOF
}

func (s *scriptedSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// blockingSource never yields and returns once ctx is cancelled.
type blockingSource struct{}

func (blockingSource) Next(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingSource) Close() error { return nil }

type recordingSink struct {
	mu     sync.Mutex
	frames []string
}

func (r *recordingSink) Deliver(_ context.Context, frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, string(frame))
	if string(frame) == "bad" {
		return &EventError{Reason: "bad"}
	}
	return nil
}

func (r *recordingSink) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.frames...)
}

func TestSubscriptionReconnectsAndKeepsDelivering(t *testing.T) {
	sink := &recordingSink{}
	var (
		mu       sync.Mutex
		dials    int
		connects int
	)
	sources := []EventSource{
		&scriptedSource{frames: [][]byte{[]byte("a"), []byte("bad"), []byte("b")}},
		&scriptedSource{frames: [][]byte{[]byte("c")}},
	}
	sub, err := NewSubscription(sink, SubscriptionOptions{
		MinBackoff: time.Millisecond,
		MaxBackoff: 2 * time.Millisecond,
		Dial: func(ctx context.Context) (EventSource, error) {
			mu.Lock()
			defer mu.Unlock()
			dials++
			if dials == 2 {
				return nil, errors.New("connection refused")
			}
			if len(sources) == 0 {
				return blockingSource{}, nil
			}
			src := sources[0]
			sources = sources[1:]
			return src, nil
		},
		OnConnect: func(context.Context) {
			mu.Lock()
			connects++
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	require.NoError(t, sub.Start(context.Background()))
	require.Error(t, sub.Start(context.Background()), "second start is rejected")

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 4
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{"a", "bad", "b", "c"}, sink.snapshot())

	require.NoError(t, sub.Stop())
	require.NoError(t, sub.Stop(), "stop is idempotent")

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, dials, 3)
	assert.GreaterOrEqual(t, connects, 2)
}

func TestSubscriptionStopsOnPermanentError(t *testing.T) {
	sub, err := NewSubscription(&recordingSink{}, SubscriptionOptions{
		MinBackoff: time.Millisecond,
		Dial: func(context.Context) (EventSource, error) {
			return nil, errors.Join(ErrPermanent, errors.New("401 unauthorized"))
		},
	})
	require.NoError(t, err)
	require.NoError(t, sub.Start(context.Background()))

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatalf("subscription did not stop")
	}
	assert.ErrorIs(t, sub.Stop(), ErrPermanent)
}

func TestNewSubscriptionValidates(t *testing.T) {
	_, err := NewSubscription(nil, SubscriptionOptions{})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = NewSubscription(&recordingSink{}, SubscriptionOptions{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSubscriptionFeedsStore(t *testing.T) {
	s := startStore(t, &fakeGateway{}, Options{})
	frame, err := EncodeEvent(liveInbound("r", "m1", 100, StatusDeliveryAck))
	require.NoError(t, err)

	sub, err := NewSubscription(s, SubscriptionOptions{
		MinBackoff: time.Millisecond,
		Dial: func(context.Context) (EventSource, error) {
			return &scriptedSource{frames: [][]byte{frame, []byte("{")}}, nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, sub.Start(context.Background()))
	t.Cleanup(func() { _ = sub.Stop() })

	require.Eventually(t, func() bool {
		c, err := s.Conversation(context.Background(), "main:r")
		return err == nil && c.UnreadCount == 1
	}, time.Second, 5*time.Millisecond)
}
