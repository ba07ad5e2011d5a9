package mesh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type linkCall struct {
	Op         TransportOp
	EndpointID string
	Payload    []byte
}

// recordingLink records controller commands synchronously.
type recordingLink struct {
	mu    sync.Mutex
	calls []linkCall
}

func (l *recordingLink) record(op TransportOp, endpointID string, payload []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, linkCall{Op: op, EndpointID: endpointID, Payload: payload})
}

func (l *recordingLink) StartDiscovering()           { l.record(OpStartDiscovering, "", nil) }
func (l *recordingLink) StopDiscovering()            { l.record(OpStopDiscovering, "", nil) }
func (l *recordingLink) StartAdvertising()           { l.record(OpStartAdvertising, "", nil) }
func (l *recordingLink) StopAdvertising()            { l.record(OpStopAdvertising, "", nil) }
func (l *recordingLink) RequestConnection(id string) { l.record(OpRequestConnection, id, nil) }
func (l *recordingLink) AcceptConnection(id string)  { l.record(OpAcceptConnection, id, nil) }
func (l *recordingLink) RejectConnection(id string)  { l.record(OpRejectConnection, id, nil) }
func (l *recordingLink) Disconnect(id string)        { l.record(OpDisconnect, id, nil) }
func (l *recordingLink) Send(id string, payload []byte) {
	l.record(OpSend, id, payload)
}
func (l *recordingLink) Forget(string) {}

func (l *recordingLink) count(op TransportOp) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, call := range l.calls {
		if call.Op == op {
			n++
		}
	}
	return n
}

func (l *recordingLink) endpoints(op TransportOp) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, call := range l.calls {
		if call.Op == op {
			out = append(out, call.EndpointID)
		}
	}
	return out
}

func (l *recordingLink) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = nil
}

func newTestController(t *testing.T, options ControllerOptions) (*Controller, *recordingLink) {
	t.Helper()
	l := &recordingLink{}
	return newController(l, nil, newNotifier(), nil, options), l
}

// connectPeer drives an endpoint through discovery and a successful outgoing connection.
func connectPeer(t *testing.T, c *Controller, endpointID string) {
	t.Helper()
	c.HandleEvent(EndpointFound{EndpointID: endpointID, Name: endpointID})
	c.HandleEvent(ConnectionInitiated{EndpointID: endpointID, EndpointName: endpointID})
	c.HandleEvent(ConnectionResult{EndpointID: endpointID, Success: true})
	peer, ok := c.registry.Get(endpointID)
	if !ok || peer.State != StateConnected {
		t.Fatalf("peer %s not connected: %+v", endpointID, peer)
	}
}

// fakeTransport is an in-memory Transport for adapter and session tests.
type fakeTransport struct {
	events chan Event

	mu      sync.Mutex
	calls   []linkCall
	failOps map[TransportOp]error
	// Sends to blockFor wait until block is closed.
	blockFor string
	block    chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events:  make(chan Event, 64),
		failOps: make(map[TransportOp]error),
	}
}

func (f *fakeTransport) failOn(op TransportOp, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOps[op] = err
}

func (f *fakeTransport) do(op TransportOp, endpointID string, payload []byte) error {
	f.mu.Lock()
	f.calls = append(f.calls, linkCall{Op: op, EndpointID: endpointID, Payload: append([]byte(nil), payload...)})
	err := f.failOps[op]
	block := f.block
	blocked := op == OpSend && endpointID == f.blockFor
	f.mu.Unlock()
	if blocked && block != nil {
		<-block
	}
	return err
}

func (f *fakeTransport) StartDiscovering(context.Context) error { return f.do(OpStartDiscovering, "", nil) }
func (f *fakeTransport) StopDiscovering() error                 { return f.do(OpStopDiscovering, "", nil) }
func (f *fakeTransport) StartAdvertising(context.Context) error { return f.do(OpStartAdvertising, "", nil) }
func (f *fakeTransport) StopAdvertising() error                 { return f.do(OpStopAdvertising, "", nil) }
func (f *fakeTransport) RequestConnection(_ context.Context, id string) error {
	return f.do(OpRequestConnection, id, nil)
}
func (f *fakeTransport) AcceptConnection(_ context.Context, id string) error {
	return f.do(OpAcceptConnection, id, nil)
}
func (f *fakeTransport) RejectConnection(_ context.Context, id string) error {
	return f.do(OpRejectConnection, id, nil)
}
func (f *fakeTransport) Disconnect(id string) error { return f.do(OpDisconnect, id, nil) }
func (f *fakeTransport) Send(_ context.Context, id string, payload []byte) error {
	return f.do(OpSend, id, payload)
}
func (f *fakeTransport) Events() <-chan Event { return f.events }

func (f *fakeTransport) count(op TransportOp) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, call := range f.calls {
		if call.Op == op {
			n++
		}
	}
	return n
}

func (f *fakeTransport) sent(endpointID string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for _, call := range f.calls {
		if call.Op == OpSend && call.EndpointID == endpointID {
			out = append(out, call.Payload)
		}
	}
	return out
}

// memoryJournal is an in-memory Journal.
type memoryJournal struct {
	mu       sync.Mutex
	saved    []Message
	uploaded map[string]bool
	listErr  error
}

func newMemoryJournal() *memoryJournal {
	return &memoryJournal{uploaded: make(map[string]bool)}
}

func (j *memoryJournal) SaveMessage(m Message) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.saved = append(j.saved, m)
	return nil
}

func (j *memoryJournal) MarkUploaded(originID, key string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.uploaded[originID+"|"+key] = true
	return nil
}

func (j *memoryJournal) ListMessages() ([]Message, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.listErr != nil {
		return nil, j.listErr
	}
	out := make([]Message, len(j.saved))
	copy(out, j.saved)
	for i := range out {
		out[i].DeliveredToRemote = j.uploaded[out[i].DedupKey()]
	}
	return out, nil
}

var errUplinkDown = errors.New("uplink down")

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}
