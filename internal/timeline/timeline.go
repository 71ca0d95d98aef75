// Package timeline holds the ordered, append-only view of all messages in
// the active chat session, merging locally-sent and remotely-received
// entries. It also owns the pending-attachment slot: an uploaded-but-unsent
// image reference that is consumed by the next outgoing message.
package timeline

import (
	"sync"
	"time"

	"github.com/supportsync/supportsync-go/internal/domain"
)

// Timeline is an in-memory, order-preserving message sequence. Messages are
// never removed once appended. Insertion order equals arrival order as
// observed by the process; no timestamp-based re-sorting happens.
type Timeline struct {
	mu      sync.Mutex
	entries []domain.Message
	subs    map[int]chan domain.Message
	nextSub int
	pending string
	now     func() time.Time
}

// New creates an empty timeline.
func New() *Timeline {
	return &Timeline{
		subs: make(map[int]chan domain.Message),
		now:  time.Now,
	}
}

// AppendIncoming records a message received over the real-time channel.
func (t *Timeline) AppendIncoming(msg domain.Message) {
	t.mu.Lock()
	t.entries = append(t.entries, msg)
	t.notifyLocked(msg)
	t.mu.Unlock()
}

// AppendOutgoing composes a locally-sent message from the given text and the
// current pending attachment, if any. The pending slot is cleared atomically
// with composition so an image is attached to at most one outgoing message.
// The composed message carries no ID; the backend has not acknowledged it.
func (t *Timeline) AppendOutgoing(sender domain.User, session domain.ChatSession, text string) domain.Message {
	t.mu.Lock()
	imageURL := t.pending
	t.pending = ""

	msg := domain.Message{
		ChatSession: &session,
		Sender:      &sender,
		Content:     domain.NewContent(text, imageURL),
		Timestamp:   t.now().Format(time.RFC3339),
	}
	t.entries = append(t.entries, msg)
	t.notifyLocked(msg)
	t.mu.Unlock()
	return msg
}

// Snapshot returns the messages appended so far, in append order.
func (t *Timeline) Snapshot() []domain.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.Message, len(t.entries))
	copy(out, t.entries)
	return out
}

// Len returns the number of appended messages.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Subscribe registers an observer. It returns the current snapshot, a channel
// delivering every append made after the snapshot, and a cancel func that
// releases the subscription. Late subscribers see no history beyond the
// snapshot. Multiple independent subscribers are supported.
func (t *Timeline) Subscribe() ([]domain.Message, <-chan domain.Message, func()) {
	t.mu.Lock()
	snapshot := make([]domain.Message, len(t.entries))
	copy(snapshot, t.entries)

	id := t.nextSub
	t.nextSub++
	ch := make(chan domain.Message, 64)
	t.subs[id] = ch
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		if sub, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(sub)
		}
		t.mu.Unlock()
	}
	return snapshot, ch, cancel
}

// notifyLocked fans an append out to subscribers. Slow subscribers with a
// full buffer miss the entry rather than block the appending goroutine.
func (t *Timeline) notifyLocked(msg domain.Message) {
	for _, ch := range t.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

// SetPendingAttachment stores an uploaded image reference awaiting the next
// outgoing message. A second upload overwrites the slot: last writer wins.
func (t *Timeline) SetPendingAttachment(url string) {
	t.mu.Lock()
	t.pending = url
	t.mu.Unlock()
}

// PendingAttachment returns the current pending image reference, if set.
func (t *Timeline) PendingAttachment() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending, t.pending != ""
}

// ClearPendingAttachment discards the pending image reference without
// attaching it to a message.
func (t *Timeline) ClearPendingAttachment() {
	t.mu.Lock()
	t.pending = ""
	t.mu.Unlock()
}
