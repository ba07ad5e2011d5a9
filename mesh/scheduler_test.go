package mesh

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"resqmesh/models"
)

func newTestScheduler(t *testing.T, uploader Uploader, location LocationProvider, options SchedulerOptions) (*UplinkScheduler, *Controller, *recordingLink) {
	t.Helper()
	c, l := newTestController(t, ControllerOptions{DeviceID: "A"})
	s := newScheduler(c, location, uploader, nil, options)
	t.Cleanup(s.Stop)
	return s, c, l
}

func TestDeliverOnceSuccessDoesNotBroadcast(t *testing.T) {
	s, c, l := newTestScheduler(t, UploaderFunc(func(context.Context, Message) error { return nil }), nil, SchedulerOptions{})
	c.SetActive(true)
	connectPeer(t, c, "P")
	connectPeer(t, c, "Q")
	c.AppendLocal(NewSelfMessage("A", nil, "SOS", time.UnixMilli(1)))
	l.reset()

	result := s.DeliverOnce(context.Background())
	if result.Uploaded != 1 || result.Err != nil {
		t.Fatalf("unexpected result %+v", result)
	}
	if l.count(OpSend) != 0 {
		t.Fatalf("expected no broadcast after successful upload")
	}
	if c.HasUnsent() {
		t.Fatalf("expected message marked delivered")
	}
}

func TestDeliverOnceFailureBroadcastsToEachPeer(t *testing.T) {
	s, c, l := newTestScheduler(t, UploaderFunc(func(context.Context, Message) error { return errUplinkDown }), nil, SchedulerOptions{})
	c.SetActive(true)
	connectPeer(t, c, "P")
	connectPeer(t, c, "Q")
	c.AppendLocal(NewSelfMessage("A", nil, "SOS", time.UnixMilli(1)))
	l.reset()

	result := s.DeliverOnce(context.Background())
	if result.Broadcast != 2 || result.Err == nil {
		t.Fatalf("unexpected result %+v", result)
	}
	if l.count(OpSend) != 2 {
		t.Fatalf("expected one send per connected peer, got %d", l.count(OpSend))
	}
	if !c.HasUnsent() {
		t.Fatalf("broadcast must not mark delivered")
	}

	s.DeliverOnce(context.Background())
	if l.count(OpSend) != 4 {
		t.Fatalf("expected rebroadcast on the next failed cycle")
	}
}

func TestDeliverOnceBroadcastsRemainderAfterFirstFailure(t *testing.T) {
	var calls atomic.Int32
	uploader := UploaderFunc(func(context.Context, Message) error {
		if calls.Add(1) == 1 {
			return nil
		}
		return errUplinkDown
	})
	s, c, l := newTestScheduler(t, uploader, nil, SchedulerOptions{})
	c.SetActive(true)
	connectPeer(t, c, "P")
	for i := int64(1); i <= 3; i++ {
		c.AppendLocal(NewSelfMessage("A", nil, "SOS", time.UnixMilli(i)))
	}
	l.reset()

	result := s.DeliverOnce(context.Background())
	if result.Uploaded != 1 || result.Broadcast != 2 {
		t.Fatalf("unexpected result %+v", result)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected upload attempts to stop at the first failure, got %d", calls.Load())
	}
	if got := len(c.Unsent()); got != 2 {
		t.Fatalf("expected 2 unsent, got %d", got)
	}
}

func TestSchedulerDeactivationHaltsSampling(t *testing.T) {
	location := LocationFunc(func(context.Context) (models.Fix, error) {
		return models.Fix{Latitude: 27.7, Longitude: 85.3, Timestamp: time.Now().UnixNano()}, nil
	})
	fast := IntervalFunc(func(float64) time.Duration { return 0 })
	s, c, _ := newTestScheduler(t, nil, location, SchedulerOptions{Interval: fast, FlushGrace: 50 * time.Millisecond})

	c.SetActive(true)
	s.Activate()
	waitForCondition(t, time.Second, func() bool { return len(c.RecentMessages(0)) >= 2 })

	c.SetActive(false)
	s.Deactivate()
	count := len(c.RecentMessages(0))
	time.Sleep(300 * time.Millisecond)
	if got := len(c.RecentMessages(0)); got != count {
		t.Fatalf("expected no new messages after deactivation, had %d now %d", count, got)
	}
}

func TestSchedulerFlushesAfterDeactivation(t *testing.T) {
	var online atomic.Bool
	uploader := UploaderFunc(func(context.Context, Message) error {
		if online.Load() {
			return nil
		}
		return errUplinkDown
	})
	s, c, _ := newTestScheduler(t, uploader, nil, SchedulerOptions{
		DeliveryInterval: 10 * time.Millisecond,
		FlushGrace:       time.Second,
	})
	c.SetActive(true)
	c.AppendLocal(NewSelfMessage("A", nil, "SOS", time.UnixMilli(1)))
	s.Activate()

	c.SetActive(false)
	s.Deactivate()
	online.Store(true)

	waitForCondition(t, time.Second, func() bool { return !c.HasUnsent() })
	waitForCondition(t, time.Second, func() bool { return !s.Delivering() })
}

func TestSchedulerStopsFlushingAfterGrace(t *testing.T) {
	s, c, _ := newTestScheduler(t, nil, nil, SchedulerOptions{
		DeliveryInterval: 10 * time.Millisecond,
		FlushGrace:       100 * time.Millisecond,
	})
	c.SetActive(true)
	c.AppendLocal(NewSelfMessage("A", nil, "SOS", time.UnixMilli(1)))
	s.Activate()
	c.SetActive(false)
	s.Deactivate()

	waitForCondition(t, time.Second, func() bool { return !s.Delivering() })
	if !c.HasUnsent() {
		t.Fatalf("expected message to remain unsent without an uplink")
	}
}

func TestSampleOnceRecordsUnknownLocation(t *testing.T) {
	failing := LocationFunc(func(context.Context) (models.Fix, error) { return models.Fix{}, context.DeadlineExceeded })
	s, c, _ := newTestScheduler(t, nil, failing, SchedulerOptions{})
	c.SetActive(true)

	var last *models.Fix
	delay := s.sampleOnce(context.Background(), &last)
	if delay != DefaultSampleInterval {
		t.Fatalf("expected base interval after failed sample, got %s", delay)
	}
	messages := c.RecentMessages(0)
	if len(messages) != 1 || messages[0].Payload.LocationKnown() {
		t.Fatalf("expected one location-unknown message, got %+v", messages)
	}
	if messages[0].Payload.Text != DefaultMessageText {
		t.Fatalf("expected default text, got %q", messages[0].Payload.Text)
	}
}
