package mesh

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"resqmesh/models"
)

const (
	// DefaultDeliveryInterval is the delivery loop cadence.
	DefaultDeliveryInterval = 100 * time.Millisecond
	// DefaultFlushGrace bounds how long delivery continues after deactivation.
	DefaultFlushGrace = 2 * time.Second
	// DefaultUploadTimeout bounds one upload attempt.
	DefaultUploadTimeout = 10 * time.Second
	// DefaultSampleTimeout bounds one location sample.
	DefaultSampleTimeout = 2 * time.Second
	// DefaultMessageText is the distress text attached to self-originated messages.
	DefaultMessageText = "SOS"
)

// ErrNoUplink is returned by the uploader used when none is configured.
var ErrNoUplink = errors.New("mesh: no uplink configured")

// SchedulerOptions configures UplinkScheduler.
type SchedulerOptions struct {
	Interval         IntervalStrategy
	DeliveryInterval time.Duration
	FlushGrace       time.Duration
	UploadTimeout    time.Duration
	SampleTimeout    time.Duration
	MessageText      string
}

func (o SchedulerOptions) withDefaults() SchedulerOptions {
	out := o
	if out.Interval == nil {
		out.Interval = DefaultInterval()
	}
	if out.DeliveryInterval <= 0 {
		out.DeliveryInterval = DefaultDeliveryInterval
	}
	if out.FlushGrace <= 0 {
		out.FlushGrace = DefaultFlushGrace
	}
	if out.UploadTimeout <= 0 {
		out.UploadTimeout = DefaultUploadTimeout
	}
	if out.SampleTimeout <= 0 {
		out.SampleTimeout = DefaultSampleTimeout
	}
	if out.MessageText == "" {
		out.MessageText = DefaultMessageText
	}
	return out
}

// DeliveryResult describes one delivery cycle.
type DeliveryResult struct {
	Uploaded  int
	Broadcast int
	Err       error
}

// UplinkScheduler runs the sampling and delivery loops.
//
// Sampling runs only while active. Delivery runs while active and, after deactivation, keeps
// flushing for at most FlushGrace until no unsent messages remain.
type UplinkScheduler struct {
	controller *Controller
	location   LocationProvider
	uploader   Uploader
	options    SchedulerOptions
	log        logrus.FieldLogger
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.Mutex
	active         bool
	stopped        bool
	delivering     bool
	flushDeadline  time.Time
	cancelSampling context.CancelFunc
}

func newScheduler(controller *Controller, location LocationProvider, uploader Uploader, log logrus.FieldLogger, options SchedulerOptions) *UplinkScheduler {
	if log == nil {
		log = discardLogger()
	}
	if uploader == nil {
		uploader = UploaderFunc(func(context.Context, Message) error { return ErrNoUplink })
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &UplinkScheduler{
		controller: controller,
		location:   location,
		uploader:   uploader,
		options:    options.withDefaults(),
		log:        log.WithField("component", "uplink_scheduler"),
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Activate starts the sampling loop and, unless it is still flushing, the delivery loop.
func (s *UplinkScheduler) Activate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || s.active {
		return
	}
	s.active = true

	samplingCtx, cancel := context.WithCancel(s.ctx)
	s.cancelSampling = cancel
	s.wg.Add(1)
	go s.samplingLoop(samplingCtx)

	if !s.delivering {
		s.delivering = true
		s.wg.Add(1)
		go s.deliveryLoop()
	}
}

// Deactivate cancels pending sampling ticks at once and puts delivery into flush mode.
func (s *UplinkScheduler) Deactivate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return
	}
	s.active = false
	s.flushDeadline = s.now().Add(s.options.FlushGrace)
	if s.cancelSampling != nil {
		s.cancelSampling()
		s.cancelSampling = nil
	}
}

// Stop cancels both loops, including any in-flight upload, and waits for them to exit.
func (s *UplinkScheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.active = false
	if s.cancelSampling != nil {
		s.cancelSampling()
		s.cancelSampling = nil
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// Delivering reports whether the delivery loop is running.
func (s *UplinkScheduler) Delivering() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivering
}

func (s *UplinkScheduler) samplingLoop(ctx context.Context) {
	defer s.wg.Done()

	var last *models.Fix
	for {
		delay := s.sampleOnce(ctx, &last)
		if ctx.Err() != nil {
			return
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// sampleOnce appends one self-originated message and returns the delay before the next sample.
func (s *UplinkScheduler) sampleOnce(ctx context.Context, last **models.Fix) time.Duration {
	var fix *models.Fix
	moved := 0.0
	if s.location != nil {
		sampleCtx, cancel := context.WithTimeout(ctx, s.options.SampleTimeout)
		sample, err := s.location.Sample(sampleCtx)
		cancel()
		if err != nil {
			s.log.WithError(err).Debug("location sample failed, sending without fix")
		} else {
			if *last != nil {
				moved = Distance(**last, sample)
			}
			fix = &sample
			*last = &sample
		}
	}
	if ctx.Err() != nil {
		return 0
	}

	message := NewSelfMessage(s.controller.options.DeviceID, fix, s.options.MessageText, s.now())
	if s.controller.AppendLocal(message) {
		s.log.WithFields(logrus.Fields{
			"key":            message.Key,
			"location_known": message.Payload.LocationKnown(),
		}).Debug("self message appended")
	}
	return clampInterval(s.options.Interval.Next(moved))
}

func (s *UplinkScheduler) deliveryLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.options.DeliveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			s.setDelivering(false)
			return
		case <-ticker.C:
		}
		if !s.shouldDeliver() {
			return
		}
		s.DeliverOnce(s.ctx)
	}
}

func (s *UplinkScheduler) shouldDeliver() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active {
		return true
	}
	if !s.controller.HasUnsent() || !s.now().Before(s.flushDeadline) {
		s.delivering = false
		s.log.Debug("delivery loop stopped")
		return false
	}
	return true
}

func (s *UplinkScheduler) setDelivering(delivering bool) {
	s.mu.Lock()
	s.delivering = delivering
	s.mu.Unlock()
}

// DeliverOnce uploads unsent messages in order. On the first failure every remaining unsent
// message is broadcast to the connected peers instead.
func (s *UplinkScheduler) DeliverOnce(ctx context.Context) DeliveryResult {
	unsent := s.controller.Unsent()
	if len(unsent) == 0 {
		return DeliveryResult{}
	}

	for i, message := range unsent {
		uploadCtx, cancel := context.WithTimeout(ctx, s.options.UploadTimeout)
		err := s.uploader.Upload(uploadCtx, message)
		cancel()
		if err != nil {
			sends := s.controller.Broadcast(unsent[i:])
			s.log.WithError(err).WithFields(logrus.Fields{
				"uploaded": i,
				"pending":  len(unsent) - i,
				"sends":    sends,
			}).Debug("uplink failed, broadcasting to mesh")
			return DeliveryResult{Uploaded: i, Broadcast: sends, Err: err}
		}
		s.controller.MarkDelivered(message)
	}
	s.log.WithField("uploaded", len(unsent)).Debug("uplink succeeded")
	return DeliveryResult{Uploaded: len(unsent)}
}
