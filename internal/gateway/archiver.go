package gateway

import (
	"context"
	"strings"

	"github.com/demomastra2025-eng/chatsync/internal/chatsync"
	"github.com/demomastra2025-eng/chatsync/internal/logging"
)

type archiveOp struct {
	ref     chatsync.ConversationRef
	msg     chatsync.Message
	removed bool
}

// MessageArchive is the write side of a message archive.
type MessageArchive interface {
	SaveMessages(ctx context.Context, ref chatsync.ConversationRef, msgs []chatsync.Message) error
	DeleteMessage(ctx context.Context, ref chatsync.ConversationRef, messageID string) error
}

// Archiver copies confirmed messages from store changes into an archive.
// Observe never blocks; changes arriving while the queue is full are dropped.
type Archiver struct {
	archive MessageArchive
	queue   chan archiveOp
	log     logging.Logger
}

func NewArchiver(archive MessageArchive, logger logging.Logger, queueSize int) *Archiver {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Archiver{
		archive: archive,
		queue:   make(chan archiveOp, queueSize),
		log:     logging.OrNop(logger).With("component", "archiver"),
	}
}

func (a *Archiver) Observe(change chatsync.Change) {
	if change.Message == nil || !change.Message.Confirmed() {
		return
	}
	var op archiveOp
	switch change.Kind {
	case chatsync.ChangeMessage:
		op = archiveOp{msg: *change.Message}
	case chatsync.ChangeMessageRemoved:
		op = archiveOp{msg: *change.Message, removed: true}
	default:
		return
	}
	op.ref = refFromConversationID(change.ConversationID, change.Message.Key.RemoteConversationID)
	select {
	case a.queue <- op:
	default:
		a.log.Warn(context.Background(), "archive queue full, dropping change", "conversation", change.ConversationID, "message", change.Message.Key.ID)
	}
}

// Run writes queued changes until ctx is done.
func (a *Archiver) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case op := <-a.queue:
			var err error
			if op.removed {
				err = a.archive.DeleteMessage(ctx, op.ref, op.msg.Key.ID)
			} else {
				err = a.archive.SaveMessages(ctx, op.ref, []chatsync.Message{op.msg})
			}
			if err != nil && ctx.Err() == nil {
				a.log.Warn(ctx, "archive write failed", "error", err, "message", op.msg.Key.ID)
			}
		}
	}
}

func refFromConversationID(conversationID, remoteConversationID string) chatsync.ConversationRef {
	connector := ""
	if conversationID != remoteConversationID {
		connector = strings.TrimSuffix(conversationID, ":"+remoteConversationID)
	}
	return chatsync.ConversationRef{ConnectorID: connector, RemoteConversationID: remoteConversationID}
}
