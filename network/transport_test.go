package network

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"resqmesh/discovery"
	"resqmesh/logging"
	"resqmesh/mesh"
	"resqmesh/models"
)

// fakeDiscoverer lets tests announce peers without mDNS.
type fakeDiscoverer struct {
	events chan discovery.Event

	mu          sync.Mutex
	port        int
	scanning    bool
	advertising bool
	closeOnce   sync.Once
}

func newFakeDiscoverer() *fakeDiscoverer {
	return &fakeDiscoverer{events: make(chan discovery.Event, 16)}
}

func (f *fakeDiscoverer) SetListeningPort(port int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.port = port
}

func (f *fakeDiscoverer) StartAdvertising() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advertising = true
	return nil
}

func (f *fakeDiscoverer) StopAdvertising() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advertising = false
}

func (f *fakeDiscoverer) StartScanning() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanning = true
	return nil
}

func (f *fakeDiscoverer) StopScanning() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanning = false
}

func (f *fakeDiscoverer) Events() <-chan discovery.Event { return f.events }

func (f *fakeDiscoverer) Close() {
	f.closeOnce.Do(func() { close(f.events) })
}

func (f *fakeDiscoverer) announce(other *Transport) {
	f.events <- discovery.Event{Type: discovery.EventPeerUpserted, Peer: peerOf(other)}
}

func (f *fakeDiscoverer) lose(other *Transport) {
	f.events <- discovery.Event{Type: discovery.EventPeerRemoved, Peer: peerOf(other)}
}

func peerOf(t *Transport) models.Peer {
	return models.Peer{
		DeviceID:   t.options.DeviceID,
		DeviceName: t.options.DeviceName,
		Version:    1,
		Port:       t.Port(),
		Addresses:  []string{"127.0.0.1"},
	}
}

func newTestTransport(t *testing.T, deviceID, deviceName string) (*Transport, *fakeDiscoverer) {
	t.Helper()
	disc := newFakeDiscoverer()
	transport, err := NewTransport(Options{
		DeviceID:      deviceID,
		DeviceName:    deviceName,
		ListenAddress: "127.0.0.1:0",
		Handshake: HandshakeOptions{
			ConnectionTimeout: 2 * time.Second,
			KeepAliveInterval: time.Hour,
			KeepAliveTimeout:  time.Hour,
			FrameReadTimeout:  250 * time.Millisecond,
		},
		Logger:     logging.Discard(),
		discoverer: disc,
	})
	if err != nil {
		t.Fatalf("NewTransport failed: %v", err)
	}
	t.Cleanup(func() {
		_ = transport.Close()
	})
	return transport, disc
}

// expectEvent returns the next event of type T, skipping others.
func expectEvent[T mesh.Event](t *testing.T, events <-chan mesh.Event) T {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				var zero T
				t.Fatalf("events closed while waiting for %T", zero)
			}
			if typed, ok := event.(T); ok {
				return typed
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
		}
	}
}

func expectNoEvent(t *testing.T, events <-chan mesh.Event, wait time.Duration) {
	t.Helper()
	select {
	case event := <-events:
		t.Fatalf("unexpected event %#v", event)
	case <-time.After(wait):
	}
}

type connectedPair struct {
	a, b     *Transport
	discA    *fakeDiscoverer
	idAtA    string
	idAtB    string
	tokenA   string
	tokenB   string
}

func connectTransports(t *testing.T) connectedPair {
	t.Helper()
	ctx := context.Background()
	a, discA := newTestTransport(t, "device-a", "Radio A")
	b, _ := newTestTransport(t, "device-b", "Radio B")

	discA.announce(b)
	found := expectEvent[mesh.EndpointFound](t, a.Events())
	if found.Name != "Radio B" {
		t.Fatalf("unexpected endpoint name %q", found.Name)
	}

	if err := a.RequestConnection(ctx, found.EndpointID); err != nil {
		t.Fatalf("RequestConnection failed: %v", err)
	}
	initA := expectEvent[mesh.ConnectionInitiated](t, a.Events())
	initB := expectEvent[mesh.ConnectionInitiated](t, b.Events())
	if initA.EndpointID != found.EndpointID || initA.IsIncoming {
		t.Fatalf("unexpected initiator event: %+v", initA)
	}
	if !initB.IsIncoming || initB.EndpointName != "Radio A" {
		t.Fatalf("unexpected receiver event: %+v", initB)
	}

	if err := a.Send(ctx, initA.EndpointID, []byte("early")); !errors.Is(err, ErrNotEstablished) {
		t.Fatalf("expected ErrNotEstablished before accept, got %v", err)
	}

	return connectedPair{
		a: a, b: b, discA: discA,
		idAtA: initA.EndpointID, idAtB: initB.EndpointID,
		tokenA: initA.AuthenticationToken, tokenB: initB.AuthenticationToken,
	}
}

func acceptBoth(t *testing.T, pair connectedPair) {
	t.Helper()
	ctx := context.Background()
	if err := pair.a.AcceptConnection(ctx, pair.idAtA); err != nil {
		t.Fatalf("AcceptConnection a failed: %v", err)
	}
	if err := pair.b.AcceptConnection(ctx, pair.idAtB); err != nil {
		t.Fatalf("AcceptConnection b failed: %v", err)
	}
	for _, events := range []<-chan mesh.Event{pair.a.Events(), pair.b.Events()} {
		if result := expectEvent[mesh.ConnectionResult](t, events); !result.Success {
			t.Fatalf("expected successful connection, got %+v", result)
		}
	}
}

func TestTransportHandshakeAcceptAndSend(t *testing.T) {
	pair := connectTransports(t)
	if pair.tokenA == "" || pair.tokenA != pair.tokenB {
		t.Fatalf("expected matching tokens, got %q and %q", pair.tokenA, pair.tokenB)
	}
	acceptBoth(t, pair)

	if err := pair.a.Send(context.Background(), pair.idAtA, []byte(`{"type":"sos"}`)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	received := expectEvent[mesh.MessageReceived](t, pair.b.Events())
	if received.EndpointID != pair.idAtB || string(received.Payload) != `{"type":"sos"}` {
		t.Fatalf("unexpected message: %+v", received)
	}

	if err := pair.b.Disconnect(pair.idAtB); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if lost := expectEvent[mesh.Disconnected](t, pair.a.Events()); lost.EndpointID != pair.idAtA {
		t.Fatalf("unexpected disconnect endpoint %q", lost.EndpointID)
	}
}

func TestTransportRejectNotifiesRequester(t *testing.T) {
	pair := connectTransports(t)

	if err := pair.b.RejectConnection(context.Background(), pair.idAtB); err != nil {
		t.Fatalf("RejectConnection failed: %v", err)
	}
	result := expectEvent[mesh.ConnectionResult](t, pair.a.Events())
	if result.Success || result.EndpointID != pair.idAtA {
		t.Fatalf("expected failed result, got %+v", result)
	}
	if err := pair.a.AcceptConnection(context.Background(), pair.idAtA); !errors.Is(err, ErrNoPendingConnection) {
		t.Fatalf("expected ErrNoPendingConnection, got %v", err)
	}
}

func TestTransportDefersLossUntilConnectionEnds(t *testing.T) {
	pair := connectTransports(t)
	acceptBoth(t, pair)

	pair.discA.lose(pair.b)
	expectNoEvent(t, pair.a.Events(), 150*time.Millisecond)

	if err := pair.b.Disconnect(pair.idAtB); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	expectEvent[mesh.Disconnected](t, pair.a.Events())
	if lost := expectEvent[mesh.EndpointLost](t, pair.a.Events()); lost.EndpointID != pair.idAtA {
		t.Fatalf("unexpected lost endpoint %q", lost.EndpointID)
	}

	// A fresh sighting gets a fresh endpoint id.
	pair.discA.announce(pair.b)
	if found := expectEvent[mesh.EndpointFound](t, pair.a.Events()); found.EndpointID == pair.idAtA {
		t.Fatalf("expected a new endpoint id after loss")
	}
}

func TestTransportDuplicateRequestIsNoop(t *testing.T) {
	pair := connectTransports(t)

	if err := pair.a.RequestConnection(context.Background(), pair.idAtA); err != nil {
		t.Fatalf("duplicate RequestConnection failed: %v", err)
	}
	expectNoEvent(t, pair.a.Events(), 150*time.Millisecond)
}

func TestTransportUnknownEndpoint(t *testing.T) {
	a, _ := newTestTransport(t, "device-a", "Radio A")
	ctx := context.Background()

	if err := a.RequestConnection(ctx, "missing"); !errors.Is(err, ErrUnknownEndpoint) {
		t.Fatalf("expected ErrUnknownEndpoint, got %v", err)
	}
	if err := a.Send(ctx, "missing", []byte("x")); !errors.Is(err, ErrUnknownEndpoint) {
		t.Fatalf("expected ErrUnknownEndpoint, got %v", err)
	}
}

func TestTransportSimultaneousDialConverges(t *testing.T) {
	a, discA := newTestTransport(t, "device-a", "Radio A")
	b, discB := newTestTransport(t, "device-b", "Radio B")
	discA.announce(b)
	discB.announce(a)
	idAtA := expectEvent[mesh.EndpointFound](t, a.Events()).EndpointID
	idAtB := expectEvent[mesh.EndpointFound](t, b.Events()).EndpointID

	var wg sync.WaitGroup
	connected := make(chan string, 2)
	drive := func(tr *Transport, endpointID string) {
		defer wg.Done()
		_ = tr.RequestConnection(context.Background(), endpointID)
		deadline := time.After(3 * time.Second)
		for {
			select {
			case event := <-tr.Events():
				switch e := event.(type) {
				case mesh.ConnectionInitiated:
					_ = tr.AcceptConnection(context.Background(), e.EndpointID)
				case mesh.ConnectionResult:
					if e.Success {
						connected <- e.EndpointID
						return
					}
				}
			case <-deadline:
				return
			}
		}
	}
	wg.Add(2)
	go drive(a, idAtA)
	go drive(b, idAtB)
	wg.Wait()
	close(connected)

	count := 0
	for range connected {
		count++
	}
	if count != 2 {
		t.Fatalf("expected both sides connected, got %d", count)
	}
}

func TestTransportCloseDisconnectsPeers(t *testing.T) {
	pair := connectTransports(t)
	acceptBoth(t, pair)

	if err := pair.b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	expectEvent[mesh.Disconnected](t, pair.a.Events())

	for range pair.b.Events() {
	}
	if err := pair.b.StartDiscovering(context.Background()); !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("expected ErrTransportClosed, got %v", err)
	}
}

func TestTransportReissuesEndpointAfterDisconnectInRange(t *testing.T) {
	pair := connectTransports(t)
	acceptBoth(t, pair)

	if err := pair.b.Disconnect(pair.idAtB); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	expectEvent[mesh.Disconnected](t, pair.a.Events())
	if lost := expectEvent[mesh.EndpointLost](t, pair.a.Events()); lost.EndpointID != pair.idAtA {
		t.Fatalf("unexpected lost endpoint %q", lost.EndpointID)
	}
	found := expectEvent[mesh.EndpointFound](t, pair.a.Events())
	if found.EndpointID == pair.idAtA || found.Name != "Radio B" {
		t.Fatalf("expected a fresh endpoint for the same device, got %+v", found)
	}

	if err := pair.a.RequestConnection(context.Background(), found.EndpointID); err != nil {
		t.Fatalf("RequestConnection after reissue failed: %v", err)
	}
	if init := expectEvent[mesh.ConnectionInitiated](t, pair.a.Events()); init.EndpointID != found.EndpointID {
		t.Fatalf("unexpected initiated endpoint %q", init.EndpointID)
	}
	if init := expectEvent[mesh.ConnectionInitiated](t, pair.b.Events()); !init.IsIncoming {
		t.Fatalf("expected incoming request at b, got %+v", init)
	}
}
