package mesh

import "time"

// MessageLog is the deduplicated, insertion-ordered message store.
//
// Entries are never removed. The high-water mark is the index of the first message not yet
// delivered to the remote endpoint; everything before it is delivered.
// It is not safe for concurrent use; the Controller owns it.
type MessageLog struct {
	entries   []Message
	index     map[string]int
	highWater int
	now       func() time.Time
}

// NewMessageLog creates an empty log.
func NewMessageLog() *MessageLog {
	return &MessageLog{
		index: make(map[string]int),
		now:   time.Now,
	}
}

// Append inserts a message unless its dedup key is already present.
func (l *MessageLog) Append(m Message) bool {
	if m.OriginID == "" || m.Key == "" {
		return false
	}
	key := m.DedupKey()
	if _, exists := l.index[key]; exists {
		return false
	}
	if m.StoredAt.IsZero() {
		m.StoredAt = l.now()
	}
	l.index[key] = len(l.entries)
	l.entries = append(l.entries, m)
	l.advanceHighWater()
	return true
}

// Contains reports whether a dedup key is present.
func (l *MessageLog) Contains(dedupKey string) bool {
	_, ok := l.index[dedupKey]
	return ok
}

// Get returns the message stored under a dedup key.
func (l *MessageLog) Get(dedupKey string) (Message, bool) {
	i, ok := l.index[dedupKey]
	if !ok {
		return Message{}, false
	}
	return l.entries[i], true
}

// UnsentSince returns, in insertion order, messages at or after index that are not yet
// delivered to the remote endpoint.
func (l *MessageLog) UnsentSince(index int) []Message {
	if index < 0 {
		index = 0
	}
	var out []Message
	for i := index; i < len(l.entries); i++ {
		if !l.entries[i].DeliveredToRemote {
			out = append(out, l.entries[i])
		}
	}
	return out
}

// HasUnsent reports whether any message still needs uplink.
func (l *MessageLog) HasUnsent() bool {
	return l.highWater < len(l.entries)
}

// MarkDeliveredToRemote flags a message as uploaded. It reports whether the flag changed.
func (l *MessageLog) MarkDeliveredToRemote(dedupKey string) bool {
	i, ok := l.index[dedupKey]
	if !ok || l.entries[i].DeliveredToRemote {
		return false
	}
	l.entries[i].DeliveredToRemote = true
	l.advanceHighWater()
	return true
}

// HighWater returns the index of the first undelivered message.
func (l *MessageLog) HighWater() int {
	return l.highWater
}

// Len returns the number of stored messages.
func (l *MessageLog) Len() int {
	return len(l.entries)
}

// Recent returns up to n of the newest messages, oldest first. n <= 0 returns all.
func (l *MessageLog) Recent(n int) []Message {
	start := 0
	if n > 0 && len(l.entries) > n {
		start = len(l.entries) - n
	}
	out := make([]Message, len(l.entries)-start)
	copy(out, l.entries[start:])
	return out
}

func (l *MessageLog) advanceHighWater() {
	for l.highWater < len(l.entries) && l.entries[l.highWater].DeliveredToRemote {
		l.highWater++
	}
}
