package discovery

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestPeerScannerFiltersSelfAndManualRefresh(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		SelfDeviceID:    "self-device",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			entries <- testServiceEntry("self-device", "Self", 9999, "10.0.0.1")
			entries <- testServiceEntry("peer-1", "Bob", 9998, "10.0.0.2")
			if call >= 2 {
				entries <- testServiceEntry("peer-2", "Carol", 9997, "10.0.0.3")
			}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool {
		peers := scanner.ListPeers()
		return len(peers) == 1 && peers[0].DeviceID == "peer-1"
	})

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		peers := scanner.ListPeers()
		return len(peers) == 2
	})
}

func TestPeerScannerKeepsPeerWithinStaleWindow(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		SelfDeviceID:    "self-device",
		RefreshInterval: time.Hour,
		ScanTimeout:     20 * time.Millisecond,
		PeerStaleAfter:  time.Hour,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			if atomic.AddInt32(&browseCalls, 1) == 1 {
				entries <- testServiceEntry("peer-1", "Bob", 9998, "10.0.0.2")
			}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool { return len(scanner.ListPeers()) == 1 })
	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if peers := scanner.ListPeers(); len(peers) != 1 || peers[0].DeviceID != "peer-1" {
		t.Fatalf("expected peer-1 to survive a missed scan, got %+v", peers)
	}
}

func TestParseEntryOrdersAddressesAndFallsBackToHostName(t *testing.T) {
	entry := testServiceEntry("peer-9", "", 7000, "10.0.0.9")
	entry.HostName = "radio9.local"
	entry.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
	entry.AddrIPv4 = append(entry.AddrIPv4, net.ParseIP("10.0.0.9"), net.ParseIP("10.0.0.1"))

	peer, ok := parseEntry(entry, "self")
	if !ok {
		t.Fatalf("expected entry to parse")
	}
	if peer.DeviceName != "radio9.local" {
		t.Fatalf("expected host name fallback, got %q", peer.DeviceName)
	}
	want := []string{"10.0.0.1", "10.0.0.9", "fe80::1"}
	if len(peer.Addresses) != len(want) {
		t.Fatalf("unexpected addresses: %v", peer.Addresses)
	}
	for i := range want {
		if peer.Addresses[i] != want[i] {
			t.Fatalf("unexpected addresses: %v", peer.Addresses)
		}
	}
	if peer.Version != 1 || peer.Port != 7000 {
		t.Fatalf("unexpected peer metadata: %+v", peer)
	}

	entry.Text = []string{"version=1"}
	if _, ok := parseEntry(entry, "self"); ok {
		t.Fatalf("expected entry without device_id to be ignored")
	}
}

func TestPeerScannerSkipsIncompatibleVersions(t *testing.T) {
	cfg := Config{
		SelfDeviceID:    "self-device",
		RefreshInterval: time.Hour,
		ScanTimeout:     25 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			future := testServiceEntry("peer-future", "Dave", 9996, "10.0.0.4")
			future.Text = []string{"device_id=peer-future", "version=2"}
			entries <- future
			entries <- testServiceEntry("peer-1", "Bob", 9998, "10.0.0.2")
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	peers := scanner.ListPeers()
	if len(peers) != 1 || peers[0].DeviceID != "peer-1" {
		t.Fatalf("expected only the compatible relay, got %+v", peers)
	}
}

func TestPeerScannerBackgroundPollingAndRemovalEvent(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		SelfDeviceID:    "self-device",
		RefreshInterval: 40 * time.Millisecond,
		ScanTimeout:     25 * time.Millisecond,
		PeerStaleAfter:  80 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			if call == 1 {
				entries <- testServiceEntry("peer-1", "Bob", 9998, "10.0.0.2")
				entries <- testServiceEntry("peer-2", "Carol", 9997, "10.0.0.3")
			} else {
				entries <- testServiceEntry("peer-2", "Carol", 9997, "10.0.0.3")
			}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	waitForCondition(t, 2*time.Second, func() bool {
		peers := scanner.ListPeers()
		return len(peers) == 1 && peers[0].DeviceID == "peer-2"
	})

	if !waitForEvent(scanner.Events(), EventPeerRemoved, "peer-1", 2*time.Second) {
		t.Fatalf("expected peer removal event for peer-1")
	}
}

func TestPeerScannerRefreshIgnoresDeadlineExceededFromBrowse(t *testing.T) {
	cfg := Config{
		SelfDeviceID:    "self-device",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("peer-1", "Bob", 9998, "10.0.0.2")
			<-ctx.Done()
			return ctx.Err()
		},
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		peers := scanner.ListPeers()
		return len(peers) == 1 && peers[0].DeviceID == "peer-1"
	})
}

func testServiceEntry(deviceID, instance string, port int, ip string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local",
		Port:     port,
		Text: []string{
			"device_id=" + deviceID,
			"version=1",
		},
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}

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

func waitForEvent(events <-chan Event, eventType EventType, deviceID string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			if event.Type == eventType && event.Peer.DeviceID == deviceID {
				return true
			}
		case <-deadline:
			return false
		}
	}
}
