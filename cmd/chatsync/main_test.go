package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/demomastra2025-eng/chatsync/internal/chatsync"
	"github.com/demomastra2025-eng/chatsync/internal/config"
)

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := clampJitterRatio(0.4); got != 0.4 {
		t.Fatalf("expected passthrough 0.4, got %f", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	if got := jitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected min jitter interval 8s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0.5); got != 10*time.Second {
		t.Fatalf("expected midpoint jitter interval 10s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected max jitter interval 12s, got %s", got)
	}
	if got := jitteredIntervalWithSample(0, 0.2, 1); got != 0 {
		t.Fatalf("expected zero base to stay zero, got %s", got)
	}
}

type refreshRecorder struct {
	mu      sync.Mutex
	reasons []string
}

func (r *refreshRecorder) refresh(ctx context.Context, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
}

func (r *refreshRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reasons...)
}

func TestRefreshLoopRunsOnIntervalAndSignal(t *testing.T) {
	rec := &refreshRecorder{}
	trigger := make(chan os.Signal, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		refreshLoop(ctx, 5*time.Millisecond, 0.2, trigger, rec.refresh)
	}()

	trigger <- unix.SIGHUP
	deadline := time.Now().Add(5 * time.Second)
	for {
		reasons := rec.snapshot()
		sawSignal, intervals := false, 0
		for _, r := range reasons {
			if strings.HasPrefix(r, "signal") {
				sawSignal = true
			}
			if r == "interval" {
				intervals++
			}
		}
		if sawSignal && intervals >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("refresh loop did not fire as expected: %v", reasons)
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done
}

func TestRefreshLoopWithoutIntervalWaitsForSignal(t *testing.T) {
	rec := &refreshRecorder{}
	trigger := make(chan os.Signal)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	close(trigger)
	refreshLoop(ctx, 0, 0, trigger, rec.refresh)
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("expected no refreshes, got %v", got)
	}
}

func TestChainObservers(t *testing.T) {
	if chainObservers(nil, nil) != nil {
		t.Fatalf("expected nil observer when none are set")
	}
	var calls []string
	first := func(chatsync.Change) { calls = append(calls, "first") }
	second := func(chatsync.Change) { calls = append(calls, "second") }
	chainObservers(first, nil, second)(chatsync.Change{})
	if strings.Join(calls, ",") != "first,second" {
		t.Fatalf("unexpected call order %v", calls)
	}
}

func TestFormatMessage(t *testing.T) {
	msg := chatsync.Message{
		Key:         chatsync.MessageKey{ID: "m1", Participant: "ana@s.whatsapp.net"},
		Content:     chatsync.Content{Text: "hello\nsecond line"},
		TimestampMs: 0,
		Status:      chatsync.StatusRead,
		Edited:      true,
	}
	got := formatMessage(msg)
	want := "1970-01-01T00:00:00Z < ana@s.whatsapp.net: hello [READ] (edited)"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}

	pending := chatsync.Message{Key: chatsync.MessageKey{IsOutbound: true}, ProvisionalID: "tmp", Content: chatsync.Content{Text: "hi"}}
	if got := formatMessage(pending); !strings.HasSuffix(got, "> hi [PENDING] (unconfirmed)") {
		t.Fatalf("unexpected pending line %q", got)
	}
}

type fakeTailStore struct {
	msgs  []chatsync.Message
	conv  chatsync.Conversation
	pages int
}

func (f *fakeTailStore) LoadOlder(ctx context.Context, id string) (chatsync.OlderPage, error) {
	f.pages++
	return chatsync.OlderPage{Exhausted: f.pages >= 2}, nil
}

func (f *fakeTailStore) Messages(ctx context.Context, id string) ([]chatsync.Message, error) {
	return f.msgs, nil
}

func (f *fakeTailStore) Conversation(ctx context.Context, id string) (chatsync.Conversation, error) {
	return f.conv, nil
}

func TestTailPrinterBackfillsThenFollows(t *testing.T) {
	var out bytes.Buffer
	printer := newTailPrinter(&out, "wa1:r")
	store := &fakeTailStore{
		msgs: []chatsync.Message{{Key: chatsync.MessageKey{ID: "m1"}, Content: chatsync.Content{Text: "old"}, Status: chatsync.StatusRead}},
		conv: chatsync.Conversation{DisplayName: "Ana", UnreadCount: 1, Labels: []string{"vip"}},
	}
	printer.observe(chatsync.Change{Kind: chatsync.ChangeMessage, ConversationID: "wa1:r", Message: &store.msgs[0]})
	printer.backfill(context.Background(), store, 5)
	if store.pages != 2 {
		t.Fatalf("expected backfill to stop at exhaustion, got %d pages", store.pages)
	}

	live := chatsync.Message{Key: chatsync.MessageKey{ID: "m2"}, Content: chatsync.Content{Text: "new"}, Status: chatsync.StatusDeliveryAck}
	printer.observe(chatsync.Change{Kind: chatsync.ChangeMessage, ConversationID: "other", Message: &live})
	printer.observe(chatsync.Change{Kind: chatsync.ChangeMessage, ConversationID: "wa1:r", Message: &live})
	printer.observe(chatsync.Change{Kind: chatsync.ChangeConversation, ConversationID: "wa1:r"})
	printer.observe(chatsync.Change{Kind: chatsync.ChangeMessageRemoved, ConversationID: "wa1:r", Message: &live})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		printer.follow(ctx, store)
	}()
	deadline := time.Now().Add(5 * time.Second)
	for len(printer.changes) > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(10 * time.Millisecond)
	cancel()
	<-done

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines, got %d:\n%s", len(lines), out.String())
	}
	if !strings.Contains(lines[0], "old [READ]") || !strings.Contains(lines[1], "new [DELIVERY_ACK]") {
		t.Fatalf("unexpected message lines:\n%s", out.String())
	}
	if lines[2] != "* Ana unread=1 labels=vip" || lines[3] != "x m2 deleted" {
		t.Fatalf("unexpected trailing lines:\n%s", out.String())
	}
}

func TestNewDaemonWiresConfiguredComponents(t *testing.T) {
	v := config.NewViper()
	v.Set("connectors", []string{"wa1"})
	v.Set("events.dsn", "file://"+t.TempDir())
	v.Set("http.addr", "127.0.0.1:0")
	v.Set("http.jwt_secret", "secret")
	cfg, err := config.Load(v)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	d, err := newDaemon(cfg, daemonOptions{withAPI: true, logOut: io.Discard})
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	if d.dial == nil || d.api == nil || d.store == nil {
		t.Fatalf("expected dialer, api and store to be wired")
	}
	if d.history != nil || d.archiver != nil {
		t.Fatalf("expected no archive without history dsn")
	}

	v.Set("events.dsn", "kafka://broker/topic")
	cfg, err = config.Load(v)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if _, err := newDaemon(cfg, daemonOptions{logOut: io.Discard}); err == nil {
		t.Fatalf("expected unsupported event source to fail")
	}
}

func TestRootCommandHasSubcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"run", "tail"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("expected %s subcommand, got %v (%v)", name, cmd, err)
		}
	}
}
