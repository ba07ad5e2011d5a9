package mesh

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultCallTimeout bounds one transport call.
	DefaultCallTimeout = 30 * time.Second
	// DefaultSendQueueSize is the per-endpoint outbound queue depth.
	DefaultSendQueueSize = 64
	// DefaultEventBuffer is the normalized event channel depth.
	DefaultEventBuffer = 256
)

var errSendQueueFull = errors.New("send queue full")

// AdapterOptions configures TransportAdapter.
type AdapterOptions struct {
	CallTimeout   time.Duration
	SendQueueSize int
	EventBuffer   int
}

func (o AdapterOptions) withDefaults() AdapterOptions {
	out := o
	if out.CallTimeout <= 0 {
		out.CallTimeout = DefaultCallTimeout
	}
	if out.SendQueueSize <= 0 {
		out.SendQueueSize = DefaultSendQueueSize
	}
	if out.EventBuffer <= 0 {
		out.EventBuffer = DefaultEventBuffer
	}
	return out
}

// TransportAdapter funnels transport notifications and call failures into one event channel.
//
// Every call returns immediately; the transport work runs on its own goroutine and a failure
// comes back as a TransportFailed event. Sends to one endpoint are delivered in FIFO order by a
// dedicated queue goroutine, so a slow endpoint never delays the others.
type TransportAdapter struct {
	transport Transport
	options   AdapterOptions
	log       logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	events chan Event

	mu     sync.Mutex
	closed bool
	queues map[string]chan []byte
	// overflowing marks endpoints whose queue-full failure was reported; cleared once the queue empties.
	overflowing map[string]bool
	dropped     map[string]int

	startOnce sync.Once
	closeOnce sync.Once
}

// NewTransportAdapter wraps a transport.
func NewTransportAdapter(transport Transport, log logrus.FieldLogger, options AdapterOptions) *TransportAdapter {
	if log == nil {
		log = discardLogger()
	}
	opts := options.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &TransportAdapter{
		transport: transport,
		options:   opts,
		log:       log.WithField("component", "transport_adapter"),
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan Event, opts.EventBuffer),
		queues:    make(map[string]chan []byte),

		overflowing: make(map[string]bool),
		dropped:     make(map[string]int),
	}
}

// Start begins pumping transport notifications.
func (a *TransportAdapter) Start() {
	a.startOnce.Do(func() {
		if !a.track() {
			return
		}
		go a.pump()
	})
}

// Events returns normalized events. The channel closes after Close.
func (a *TransportAdapter) Events() <-chan Event {
	return a.events
}

func (a *TransportAdapter) StartDiscovering() {
	a.call(OpStartDiscovering, "", a.transport.StartDiscovering)
}

func (a *TransportAdapter) StopDiscovering() {
	a.call(OpStopDiscovering, "", func(context.Context) error { return a.transport.StopDiscovering() })
}

func (a *TransportAdapter) StartAdvertising() {
	a.call(OpStartAdvertising, "", a.transport.StartAdvertising)
}

func (a *TransportAdapter) StopAdvertising() {
	a.call(OpStopAdvertising, "", func(context.Context) error { return a.transport.StopAdvertising() })
}

func (a *TransportAdapter) RequestConnection(endpointID string) {
	a.call(OpRequestConnection, endpointID, func(ctx context.Context) error {
		return a.transport.RequestConnection(ctx, endpointID)
	})
}

func (a *TransportAdapter) AcceptConnection(endpointID string) {
	a.call(OpAcceptConnection, endpointID, func(ctx context.Context) error {
		return a.transport.AcceptConnection(ctx, endpointID)
	})
}

func (a *TransportAdapter) RejectConnection(endpointID string) {
	a.call(OpRejectConnection, endpointID, func(ctx context.Context) error {
		return a.transport.RejectConnection(ctx, endpointID)
	})
}

func (a *TransportAdapter) Disconnect(endpointID string) {
	a.Forget(endpointID)
	a.call(OpDisconnect, endpointID, func(context.Context) error { return a.transport.Disconnect(endpointID) })
}

// Send queues payload for endpointID behind earlier sends to the same endpoint.
func (a *TransportAdapter) Send(endpointID string, payload []byte) {
	if endpointID == "" || len(payload) == 0 {
		return
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	queue, ok := a.queues[endpointID]
	if !ok {
		queue = make(chan []byte, a.options.SendQueueSize)
		a.queues[endpointID] = queue
		a.wg.Add(1)
		go a.drain(endpointID, queue)
	}
	select {
	case queue <- payload:
		a.mu.Unlock()
	default:
		a.dropped[endpointID]++
		report := !a.overflowing[endpointID]
		a.overflowing[endpointID] = true
		a.mu.Unlock()
		if report {
			// Send is called with the controller lock held; posting inline could block the
			// only reader of the event channel.
			a.failedAsync(OpSend, endpointID, errSendQueueFull)
		}
	}
}

// Dropped returns how many payloads were discarded for endpointID because its queue was full.
func (a *TransportAdapter) Dropped(endpointID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped[endpointID]
}

// Forget drops the send queue of an endpoint that is gone. Queued payloads are discarded.
func (a *TransportAdapter) Forget(endpointID string) {
	a.mu.Lock()
	queue, ok := a.queues[endpointID]
	if ok {
		delete(a.queues, endpointID)
		close(queue)
	}
	delete(a.overflowing, endpointID)
	delete(a.dropped, endpointID)
	a.mu.Unlock()
}

// Teardown synchronously stops advertising and discovery and disconnects endpoints.
// Failures are logged only.
func (a *TransportAdapter) Teardown(endpointIDs []string) {
	if err := a.transport.StopAdvertising(); err != nil {
		a.log.WithError(err).Warn("teardown: stop advertising failed")
	}
	if err := a.transport.StopDiscovering(); err != nil {
		a.log.WithError(err).Warn("teardown: stop discovering failed")
	}
	for _, id := range endpointIDs {
		a.Forget(id)
		if err := a.transport.Disconnect(id); err != nil {
			a.log.WithError(err).WithField("endpoint_id", id).Warn("teardown: disconnect failed")
		}
	}
}

// Close stops all adapter goroutines and closes the event channel.
func (a *TransportAdapter) Close() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		for id, queue := range a.queues {
			close(queue)
			delete(a.queues, id)
		}
		a.mu.Unlock()

		a.cancel()
		a.wg.Wait()
		close(a.events)
	})
}

func (a *TransportAdapter) track() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	a.wg.Add(1)
	return true
}

func (a *TransportAdapter) call(op TransportOp, endpointID string, fn func(ctx context.Context) error) {
	if !a.track() {
		return
	}
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(a.ctx, a.options.CallTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			a.failed(op, endpointID, err)
		}
	}()
}

func (a *TransportAdapter) drain(endpointID string, queue <-chan []byte) {
	defer a.wg.Done()
	for payload := range queue {
		if len(queue) == 0 {
			a.mu.Lock()
			delete(a.overflowing, endpointID)
			a.mu.Unlock()
		}

		ctx, cancel := context.WithTimeout(a.ctx, a.options.CallTimeout)
		err := a.transport.Send(ctx, endpointID, payload)
		cancel()
		if err != nil {
			a.failed(OpSend, endpointID, err)
		}
		if a.ctx.Err() != nil {
			return
		}
	}
}

func (a *TransportAdapter) pump() {
	defer a.wg.Done()
	source := a.transport.Events()
	for {
		select {
		case <-a.ctx.Done():
			return
		case event, ok := <-source:
			if !ok {
				return
			}
			if normalized, keep := normalizeEvent(event); keep {
				a.post(normalized)
			}
		}
	}
}

func (a *TransportAdapter) failed(op TransportOp, endpointID string, err error) {
	if a.ctx.Err() != nil {
		return
	}
	a.post(TransportFailed{Op: op, EndpointID: endpointID, Reason: err.Error()})
}

func (a *TransportAdapter) failedAsync(op TransportOp, endpointID string, err error) {
	if !a.track() {
		return
	}
	go func() {
		defer a.wg.Done()
		a.failed(op, endpointID, err)
	}()
}

func (a *TransportAdapter) post(event Event) {
	select {
	case a.events <- event:
	case <-a.ctx.Done():
	}
}

func normalizeEvent(event Event) (Event, bool) {
	if event == nil {
		return nil, false
	}
	switch e := event.(type) {
	case TransportFailed:
		return e, true
	case ConnectionInitiated:
		if e.EndpointID == "" {
			return nil, false
		}
		if e.EndpointName == "" {
			e.EndpointName = e.EndpointID
		}
		return e, true
	case ConnectionResult:
		if e.EndpointID == "" {
			return nil, false
		}
		if !e.Success && e.Reason == "" {
			e.Reason = "connection failed"
		}
		return e, true
	case MessageReceived:
		if e.EndpointID == "" || len(e.Payload) == 0 {
			return nil, false
		}
		return e, true
	default:
		if event.Endpoint() == "" {
			return nil, false
		}
		return event, true
	}
}
