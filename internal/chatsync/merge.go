package chatsync

import (
	"sort"
	"time"
)

// IngestResult describes what Ingest did with a candidate.
type IngestResult struct {
	Message       Message
	IsNew         bool
	PrevStatus    DeliveryStatus
	StatusChanged bool
}

type logEntry struct {
	msg Message
	seq uint64
}

func (e *logEntry) before(ts int64, seq uint64) bool {
	if e.msg.TimestampMs != ts {
		return e.msg.TimestampMs < ts
	}
	return e.seq < seq
}

// messageLog is the ordered, deduplicated message list of one conversation.
// Entries stay sorted by (TimestampMs, first-seen sequence).
type messageLog struct {
	entries     []*logEntry
	byID        map[string]*logEntry
	byProvision map[string]*logEntry
	nextSeq     uint64
	tolerance   time.Duration
}

func newMessageLog(tolerance time.Duration) *messageLog {
	if tolerance <= 0 {
		tolerance = DefaultMatchTolerance
	}
	return &messageLog{
		byID:        map[string]*logEntry{},
		byProvision: map[string]*logEntry{},
		tolerance:   tolerance,
	}
}

func (l *messageLog) Len() int {
	return len(l.entries)
}

func (l *messageLog) Messages() []Message {
	out := make([]Message, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e.msg.clone())
	}
	return out
}

func (l *messageLog) Get(id string) (Message, bool) {
	e, ok := l.byID[id]
	if !ok {
		return Message{}, false
	}
	return e.msg.clone(), true
}

func (l *messageLog) Newest() (Message, bool) {
	if len(l.entries) == 0 {
		return Message{}, false
	}
	return l.entries[len(l.entries)-1].msg.clone(), true
}

func (l *messageLog) Oldest() (Message, bool) {
	if len(l.entries) == 0 {
		return Message{}, false
	}
	return l.entries[0].msg.clone(), true
}

// Ingest merges candidate into the log.
func (l *messageLog) Ingest(candidate Message, origin Origin) IngestResult {
	e := l.find(candidate)
	if e == nil {
		e = &logEntry{msg: candidate.clone(), seq: l.nextSeq}
		l.nextSeq++
		l.insert(e)
		l.index(e)
		return IngestResult{
			Message:       e.msg.clone(),
			IsNew:         true,
			PrevStatus:    StatusUnknown,
			StatusChanged: e.msg.Status.Valid(),
		}
	}

	prev := e.msg
	next := mergeMessage(prev, candidate, origin)
	l.dropShadow(e, candidate.ProvisionalID)
	l.update(e, next)
	return IngestResult{
		Message:       next.clone(),
		PrevStatus:    prev.Status,
		StatusChanged: prev.Status != next.Status,
	}
}

// SetStatus applies an explicit status update to the message with id.
func (l *messageLog) SetStatus(id string, status DeliveryStatus, intentional bool) (IngestResult, bool) {
	e, ok := l.byID[id]
	if !ok {
		return IngestResult{}, false
	}
	prev := e.msg.Status
	e.msg = ApplyStatus(e.msg, status, intentional)
	return IngestResult{
		Message:       e.msg.clone(),
		PrevStatus:    prev,
		StatusChanged: prev != e.msg.Status,
	}, true
}

// Edit flags the message as edited and swaps its text.
func (l *messageLog) Edit(id, text string) (Message, bool) {
	e, ok := l.byID[id]
	if !ok {
		return Message{}, false
	}
	e.msg = MarkEdited(e.msg, text)
	return e.msg.clone(), true
}

func (l *messageLog) Remove(id string) (Message, bool) {
	e, ok := l.byID[id]
	if !ok {
		return Message{}, false
	}
	l.detach(e)
	delete(l.byID, id)
	if e.msg.ProvisionalID != "" {
		delete(l.byProvision, e.msg.ProvisionalID)
	}
	return e.msg.clone(), true
}

// dropShadow removes an unconfirmed optimistic copy that lost the race to a
// server echo matched by id.
func (l *messageLog) dropShadow(keep *logEntry, provisionalID string) {
	if provisionalID == "" {
		return
	}
	shadow, ok := l.byProvision[provisionalID]
	if !ok || shadow == keep || shadow.msg.Confirmed() {
		return
	}
	l.detach(shadow)
	delete(l.byProvision, provisionalID)
}

func (l *messageLog) find(candidate Message) *logEntry {
	if id := candidate.Key.ID; id != "" {
		if e, ok := l.byID[id]; ok {
			return e
		}
	}
	if pid := candidate.ProvisionalID; pid != "" {
		if e, ok := l.byProvision[pid]; ok {
			if !e.msg.Confirmed() || e.msg.Key.ID == candidate.Key.ID {
				return e
			}
		}
	}
	return l.findByTolerance(candidate)
}

// findByTolerance only considers retained messages still waiting for a
// server id. The closest timestamp wins; ties keep the earliest inserted.
func (l *messageLog) findByTolerance(candidate Message) *logEntry {
	if candidate.TimestampMs <= 0 {
		return nil
	}
	lo := candidate.TimestampMs - l.tolerance.Milliseconds()
	start := sort.Search(len(l.entries), func(i int) bool {
		return l.entries[i].msg.TimestampMs >= lo
	})
	var best *logEntry
	var bestDelta time.Duration
	for i := start; i < len(l.entries); i++ {
		e := l.entries[i]
		if e.msg.TimestampMs-candidate.TimestampMs > l.tolerance.Milliseconds() {
			break
		}
		if !sameByTolerance(e.msg, candidate, l.tolerance) {
			continue
		}
		delta := absDuration(e.msg.TimestampMs - candidate.TimestampMs)
		if best == nil || delta < bestDelta || (delta == bestDelta && e.seq < best.seq) {
			best = e
			bestDelta = delta
		}
	}
	return best
}

func (l *messageLog) index(e *logEntry) {
	if e.msg.Key.ID != "" {
		l.byID[e.msg.Key.ID] = e
	}
	if e.msg.ProvisionalID != "" {
		l.byProvision[e.msg.ProvisionalID] = e
	}
}

func (l *messageLog) update(e *logEntry, next Message) {
	moved := next.TimestampMs != e.msg.TimestampMs
	if moved {
		l.detach(e)
	}
	e.msg = next
	if moved {
		l.insert(e)
	}
	l.index(e)
}

// insert places e at its upper-bound position so equal timestamps keep
// first-seen order.
func (l *messageLog) insert(e *logEntry) {
	i := sort.Search(len(l.entries), func(i int) bool {
		return !l.entries[i].before(e.msg.TimestampMs, e.seq)
	})
	l.entries = append(l.entries, nil)
	copy(l.entries[i+1:], l.entries[i:])
	l.entries[i] = e
}

func (l *messageLog) detach(e *logEntry) {
	i := l.position(e)
	if i < 0 {
		return
	}
	copy(l.entries[i:], l.entries[i+1:])
	l.entries[len(l.entries)-1] = nil
	l.entries = l.entries[:len(l.entries)-1]
}

func (l *messageLog) position(e *logEntry) int {
	i := sort.Search(len(l.entries), func(i int) bool {
		return !l.entries[i].before(e.msg.TimestampMs, e.seq)
	})
	if i < len(l.entries) && l.entries[i] == e {
		return i
	}
	for j, cur := range l.entries {
		if cur == e {
			return j
		}
	}
	return -1
}
