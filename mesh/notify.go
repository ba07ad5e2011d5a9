package mesh

import (
	"sync"
	"time"
)

// ChangeKind names which part of the session state changed.
type ChangeKind string

const (
	ChangePeers    ChangeKind = "peers"
	ChangeRequests ChangeKind = "requests"
	ChangeMessages ChangeKind = "messages"
	ChangeStatus   ChangeKind = "status"
)

const defaultSubscriberBuffer = 32

// Change is one state-change notification. Subscribers re-query for the new state.
type Change struct {
	Kind ChangeKind `json:"kind"`
	At   time.Time  `json:"at"`
}

// notifier fans changes out to subscribers. Slow subscribers lose notifications instead of
// stalling the publisher.
type notifier struct {
	mu     sync.Mutex
	subs   map[int]chan Change
	nextID int
	closed bool
	now    func() time.Time
}

func newNotifier() *notifier {
	return &notifier{
		subs: make(map[int]chan Change),
		now:  time.Now,
	}
}

func (n *notifier) subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Change, buffer)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		close(ch)
		return ch, func() {}
	}
	id := n.nextID
	n.nextID++
	n.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if sub, ok := n.subs[id]; ok {
				delete(n.subs, id)
				close(sub)
			}
		})
	}
}

func (n *notifier) publish(kind ChangeKind) {
	change := Change{Kind: kind, At: n.now()}

	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- change:
		default:
		}
	}
}

func (n *notifier) close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for id, ch := range n.subs {
		delete(n.subs, id)
		close(ch)
	}
}
