package mesh

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case event, ok := <-events:
		if !ok {
			t.Fatalf("event channel closed")
		}
		return event
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
		return nil
	}
}

func TestAdapterCallFailureBecomesEvent(t *testing.T) {
	transport := newFakeTransport()
	transport.failOn(OpRequestConnection, errors.New("unreachable"))
	adapter := NewTransportAdapter(transport, nil, AdapterOptions{})
	adapter.Start()
	defer adapter.Close()

	adapter.RequestConnection("B")

	event := nextEvent(t, adapter.Events())
	failed, ok := event.(TransportFailed)
	if !ok {
		t.Fatalf("expected TransportFailed, got %T", event)
	}
	if failed.Op != OpRequestConnection || failed.EndpointID != "B" || failed.Reason != "unreachable" {
		t.Fatalf("unexpected failure event %+v", failed)
	}
}

func TestAdapterSendsArePerEndpointFIFO(t *testing.T) {
	transport := newFakeTransport()
	adapter := NewTransportAdapter(transport, nil, AdapterOptions{})
	adapter.Start()
	defer adapter.Close()

	for i := 0; i < 5; i++ {
		adapter.Send("B", []byte(fmt.Sprintf("m%d", i)))
	}

	waitForCondition(t, time.Second, func() bool { return len(transport.sent("B")) == 5 })
	for i, payload := range transport.sent("B") {
		if string(payload) != fmt.Sprintf("m%d", i) {
			t.Fatalf("send %d out of order: %q", i, payload)
		}
	}
}

func TestAdapterSlowEndpointDoesNotBlockOthers(t *testing.T) {
	transport := newFakeTransport()
	transport.blockFor = "slow"
	transport.block = make(chan struct{})
	adapter := NewTransportAdapter(transport, nil, AdapterOptions{})
	adapter.Start()

	adapter.Send("slow", []byte("stuck"))
	adapter.Send("fast", []byte("ok"))

	waitForCondition(t, time.Second, func() bool { return len(transport.sent("fast")) == 1 })
	close(transport.block)
	adapter.Close()
}

func TestAdapterNormalizesTransportEvents(t *testing.T) {
	transport := newFakeTransport()
	adapter := NewTransportAdapter(transport, nil, AdapterOptions{})
	adapter.Start()
	defer adapter.Close()

	transport.events <- EndpointFound{}
	transport.events <- MessageReceived{EndpointID: "B"}
	transport.events <- ConnectionResult{EndpointID: "B"}
	transport.events <- ConnectionInitiated{EndpointID: "C"}

	result, ok := nextEvent(t, adapter.Events()).(ConnectionResult)
	if !ok || result.Reason == "" {
		t.Fatalf("expected failed result with default reason, got %+v", result)
	}
	initiated, ok := nextEvent(t, adapter.Events()).(ConnectionInitiated)
	if !ok || initiated.EndpointName != "C" {
		t.Fatalf("expected name to default to endpoint id, got %+v", initiated)
	}
}

func TestAdapterCloseEndsEventStream(t *testing.T) {
	transport := newFakeTransport()
	adapter := NewTransportAdapter(transport, nil, AdapterOptions{})
	adapter.Start()
	adapter.Close()
	adapter.Close()

	if _, ok := <-adapter.Events(); ok {
		t.Fatalf("expected closed event channel")
	}
	adapter.Send("B", []byte("late"))
	adapter.StartDiscovering()
	if transport.count(OpSend) != 0 || transport.count(OpStartDiscovering) != 0 {
		t.Fatalf("expected calls after close to be dropped")
	}
}

func TestAdapterTeardownIsSynchronous(t *testing.T) {
	transport := newFakeTransport()
	transport.failOn(OpDisconnect, errors.New("already gone"))
	adapter := NewTransportAdapter(transport, nil, AdapterOptions{})
	defer adapter.Close()

	adapter.Teardown([]string{"B", "C"})

	if transport.count(OpStopAdvertising) != 1 || transport.count(OpStopDiscovering) != 1 {
		t.Fatalf("expected advertising and discovery to stop")
	}
	if transport.count(OpDisconnect) != 2 {
		t.Fatalf("expected every endpoint to be disconnected despite failures")
	}
}

func TestAdapterQueueOverflowReportsOnceWithoutBlocking(t *testing.T) {
	transport := newFakeTransport()
	transport.blockFor = "stuck"
	transport.block = make(chan struct{})
	adapter := NewTransportAdapter(transport, nil, AdapterOptions{SendQueueSize: 4, EventBuffer: 2})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			adapter.Send("stuck", []byte(fmt.Sprintf("m%d", i)))
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Send blocked on a full queue")
	}

	failed, ok := nextEvent(t, adapter.Events()).(TransportFailed)
	if !ok || failed.Op != OpSend || failed.EndpointID != "stuck" {
		t.Fatalf("expected one send failure for stuck, got %+v", failed)
	}
	select {
	case event := <-adapter.Events():
		t.Fatalf("expected a single overflow report, got %+v", event)
	case <-time.After(100 * time.Millisecond):
	}
	if dropped := adapter.Dropped("stuck"); dropped < 50-4-1 {
		t.Fatalf("expected overflowing payloads to be dropped, got %d", dropped)
	}

	close(transport.block)
	adapter.Close()
}
