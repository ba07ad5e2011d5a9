package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SessionOptions wires a Session's collaborators and tunables.
type SessionOptions struct {
	DeviceID  string
	Transport Transport
	Location  LocationProvider
	Uploader  Uploader
	Journal   Journal
	Policy    AcceptPolicy
	Logger    logrus.FieldLogger

	Interval         IntervalStrategy
	RequestTTL       time.Duration
	MaxHops          int
	DeliveryInterval time.Duration
	FlushGrace       time.Duration
	UploadTimeout    time.Duration
	SampleTimeout    time.Duration
	MessageText      string
	Adapter          AdapterOptions
}

// Session is one device's mesh core: adapter, controller and scheduler behind the surface used
// by the operator API.
type Session struct {
	adapter    *TransportAdapter
	controller *Controller
	scheduler  *UplinkScheduler
	notify     *notifier
	journal    Journal
	log        logrus.FieldLogger

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	closeOnce sync.Once
}

// NewSession builds an inactive session. Nothing runs until Start.
func NewSession(options SessionOptions) (*Session, error) {
	if options.Transport == nil {
		return nil, errors.New("mesh: transport is required")
	}
	log := options.Logger
	if log == nil {
		log = discardLogger()
	}

	notify := newNotifier()
	adapter := NewTransportAdapter(options.Transport, log, options.Adapter)
	controller := newController(adapter, options.Journal, notify, log, ControllerOptions{
		DeviceID:   options.DeviceID,
		Policy:     options.Policy,
		RequestTTL: options.RequestTTL,
		MaxHops:    options.MaxHops,
	})
	scheduler := newScheduler(controller, options.Location, options.Uploader, log, SchedulerOptions{
		Interval:         options.Interval,
		DeliveryInterval: options.DeliveryInterval,
		FlushGrace:       options.FlushGrace,
		UploadTimeout:    options.UploadTimeout,
		SampleTimeout:    options.SampleTimeout,
		MessageText:      options.MessageText,
	})

	return &Session{
		adapter:    adapter,
		controller: controller,
		scheduler:  scheduler,
		notify:     notify,
		journal:    options.Journal,
		log:        log.WithField("component", "session"),
	}, nil
}

// Start restores journaled messages, starts the event loop and begins discovery.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.started {
		return nil
	}

	if s.journal != nil {
		messages, err := s.journal.ListMessages()
		if err != nil {
			return fmt.Errorf("restore message journal: %w", err)
		}
		if restored := s.controller.Restore(messages); restored > 0 {
			s.log.WithField("messages", restored).Info("restored message journal")
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.adapter.Start()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.controller.Run(runCtx, s.adapter.Events())
	}()
	s.controller.Start()
	s.started = true
	return nil
}

// Activate arms the mesh: advertising, auto-accept, auto-connect and both uplink loops.
func (s *Session) Activate() error {
	if s.isClosed() {
		return ErrClosed
	}
	if s.controller.SetActive(true) {
		s.scheduler.Activate()
	}
	return nil
}

// Deactivate disarms the mesh. Sampling stops at once; pending messages keep flushing briefly.
func (s *Session) Deactivate() error {
	if s.isClosed() {
		return ErrClosed
	}
	if s.controller.SetActive(false) {
		s.scheduler.Deactivate()
	}
	return nil
}

// Close stops both loops, releases every transport resource and ends subscriptions.
// It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		cancel := s.cancel
		s.mu.Unlock()

		s.scheduler.Stop()
		s.adapter.Teardown(s.controller.liveEndpoints())
		s.adapter.Close()
		if cancel != nil {
			cancel()
		}
		s.wg.Wait()
		s.notify.close()
		s.log.Info("session closed")
	})
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Active reports whether the mesh is armed.
func (s *Session) Active() bool { return s.controller.Active() }

// Peers returns every known peer.
func (s *Session) Peers() []Peer { return s.controller.Peers() }

// ConnectedPeers returns the peers messages are broadcast to.
func (s *Session) ConnectedPeers() []Peer { return s.controller.ConnectedPeers() }

// PendingRequests returns incoming requests awaiting an operator decision.
func (s *Session) PendingRequests() []ConnectionRequest { return s.controller.PendingRequests() }

// RecentMessages returns up to n of the newest messages, oldest first.
func (s *Session) RecentMessages(n int) []Message { return s.controller.RecentMessages(n) }

// Status summarizes the session.
func (s *Session) Status() Status { return s.controller.Status() }

// AcceptRequest accepts a queued incoming request.
func (s *Session) AcceptRequest(endpointID string) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.controller.AcceptRequest(endpointID)
}

// RejectRequest rejects a queued incoming request.
func (s *Session) RejectRequest(endpointID string) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.controller.RejectRequest(endpointID)
}

// Connect requests a connection to a discovered peer.
func (s *Session) Connect(endpointID string) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.controller.Connect(endpointID)
}

// Subscribe returns a stream of change notifications and a function that ends the
// subscription. The stream is closed when the session closes.
func (s *Session) Subscribe(buffer int) (<-chan Change, func()) {
	return s.notify.subscribe(buffer)
}
