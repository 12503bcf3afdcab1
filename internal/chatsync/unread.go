package chatsync

// UnreadLedger derives unread-count deltas from message status transitions
// and suppresses the one status event that a server snapshot already
// accounted for.
//
// Only a single redundant event is suppressed per snapshot. If the server
// counted two status changes that both arrive after the snapshot, the second
// one is applied again.
type UnreadLedger struct {
	skip map[string]bool
}

func NewUnreadLedger() *UnreadLedger {
	return &UnreadLedger{skip: map[string]bool{}}
}

// StatusDelta is the raw unread effect of an inbound transition, before any
// snapshot suppression. A message observed for the first time has prev
// StatusUnknown.
func StatusDelta(prev, next DeliveryStatus, isOutbound bool) int {
	if isOutbound || prev == next {
		return 0
	}
	switch {
	case next == StatusDeliveryAck:
		return 1
	case prev == StatusDeliveryAck:
		return -1
	default:
		return 0
	}
}

// OnStatusTransition returns the delta to apply to the conversation's unread
// count. A zero delta leaves an armed guard in place.
func (l *UnreadLedger) OnStatusTransition(remoteConversationID string, prev, next DeliveryStatus, isOutbound bool) int {
	delta := StatusDelta(prev, next, isOutbound)
	if delta == 0 {
		return 0
	}
	if l.skip[remoteConversationID] {
		delete(l.skip, remoteConversationID)
		return 0
	}
	return delta
}

// OnServerSnapshot arms the skip-once guard for the conversation.
func (l *UnreadLedger) OnServerSnapshot(remoteConversationID string) {
	l.skip[remoteConversationID] = true
}

// OnMessageRemoved returns the compensation for deleting m.
func (l *UnreadLedger) OnMessageRemoved(m Message) int {
	if m.CountsAsUnread() {
		return -1
	}
	return 0
}

func (l *UnreadLedger) Armed(remoteConversationID string) bool {
	return l.skip[remoteConversationID]
}

func (l *UnreadLedger) Forget(remoteConversationID string) {
	delete(l.skip, remoteConversationID)
}

// ApplyUnreadDelta adds delta to current, clamping at zero.
func ApplyUnreadDelta(current uint64, delta int) uint64 {
	if delta >= 0 {
		return current + uint64(delta)
	}
	dec := uint64(-delta)
	if dec > current {
		return 0
	}
	return current - dec
}
