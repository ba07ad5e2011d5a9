package discovery

import (
	"cmp"
	"context"
	"errors"
	"net"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"resqmesh/models"
)

const (
	// EventPeerUpserted is emitted when a relay appears or its advertised record changes.
	EventPeerUpserted EventType = "peer_upserted"
	// EventPeerRemoved is emitted when a relay has not been sighted for PeerStaleAfter.
	EventPeerRemoved EventType = "peer_removed"

	eventBuffer = 128
	entryBuffer = 32
)

var errScannerStopped = errors.New("peer scanner is stopped")

// EventType identifies peer discovery updates.
type EventType string

// Event carries discovery updates for the transport.
type Event struct {
	Type EventType
	Peer models.Peer
}

// scanRequest asks the loop for an out-of-band scan.
type scanRequest struct {
	ctx   context.Context
	reply chan error
}

// PeerScanner keeps a roster of nearby relays from periodic and on-demand mDNS browses.
// Relays advertising another protocol version are never listed since they cannot handshake.
type PeerScanner struct {
	cfg    Config
	browse browseFunc
	now    func() time.Time

	mu     sync.RWMutex
	roster map[string]models.Peer

	events   chan Event
	requests chan scanRequest

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewPeerScanner creates a scanner with config defaults applied.
func NewPeerScanner(config Config) (*PeerScanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &PeerScanner{
		cfg:      cfg,
		browse:   browse,
		now:      time.Now,
		roster:   make(map[string]models.Peer),
		events:   make(chan Event, eventBuffer),
		requests: make(chan scanRequest),
	}, nil
}

// Start begins background scanning. The first scan runs immediately.
func (s *PeerScanner) Start() error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
	return nil
}

// Stop ends scanning and closes Events.
func (s *PeerScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates. Updates are dropped when the reader lags.
func (s *PeerScanner) Events() <-chan Event {
	return s.events
}

// Refresh runs a scan now and waits for it to be merged.
func (s *PeerScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("peer scanner is not started")
	}

	req := scanRequest{ctx: ctx, reply: make(chan error, 1)}
	select {
	case s.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errScannerStopped
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errScannerStopped
	}
}

// ListPeers returns the roster ordered by name, then device id.
func (s *PeerScanner) ListPeers() []models.Peer {
	s.mu.RLock()
	out := make([]models.Peer, 0, len(s.roster))
	for _, peer := range s.roster {
		out = append(out, peer)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b models.Peer) int {
		if c := cmp.Compare(a.DeviceName, b.DeviceName); c != 0 {
			return c
		}
		return cmp.Compare(a.DeviceID, b.DeviceID)
	})
	return out
}

func (s *PeerScanner) loop() {
	defer s.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
			_ = s.scanAndMerge(s.ctx)
		case req := <-s.requests:
			req.reply <- s.scanAndMerge(req.ctx)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		timer.Reset(s.cfg.RefreshInterval)
	}
}

func (s *PeerScanner) scanAndMerge(ctx context.Context) error {
	sightings, err := s.scan(ctx)
	if err != nil {
		return err
	}
	if s.ctx.Err() != nil {
		return nil
	}
	for _, event := range s.merge(sightings) {
		select {
		case s.events <- event:
		default:
		}
	}
	return nil
}

// scan browses for one ScanTimeout window and returns the compatible relays it saw.
func (s *PeerScanner) scan(parent context.Context) (map[string]models.Peer, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()
	stop := context.AfterFunc(parent, cancel)
	defer stop()

	entries := make(chan *zeroconf.ServiceEntry, entryBuffer)
	browseDone := make(chan error, 1)
	go func() {
		browseDone <- s.browse(ctx, s.cfg.Service, s.cfg.Domain, entries)
	}()

	sightings := make(map[string]models.Peer)
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				// zeroconf closes the channel when the browse ends.
				entries = nil
				continue
			}
			if peer, ok := s.sighted(entry); ok {
				sightings[peer.DeviceID] = peer
			}
		case err := <-browseDone:
			browseDone = nil
			if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
				return nil, err
			}
		case <-ctx.Done():
			return sightings, nil
		}
	}
}

func (s *PeerScanner) sighted(entry *zeroconf.ServiceEntry) (models.Peer, bool) {
	if entry == nil {
		return models.Peer{}, false
	}
	peer, ok := parseEntry(entry, s.cfg.SelfDeviceID)
	if !ok {
		return models.Peer{}, false
	}
	if peer.Version != 0 && peer.Version != s.cfg.Version {
		return models.Peer{}, false
	}
	peer.LastSeen = s.now()
	return peer, true
}

// merge folds one scan into the roster and returns the resulting events. Relays the scan
// missed stay listed until they have not been sighted for PeerStaleAfter.
func (s *PeerScanner) merge(sightings map[string]models.Peer) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []Event
	for id, peer := range sightings {
		previous, known := s.roster[id]
		s.roster[id] = peer
		if !known || !sameRecord(previous, peer) {
			events = append(events, Event{Type: EventPeerUpserted, Peer: peer})
		}
	}

	now := s.now()
	for id, peer := range s.roster {
		if _, seen := sightings[id]; seen || now.Sub(peer.LastSeen) < s.cfg.PeerStaleAfter {
			continue
		}
		delete(s.roster, id)
		events = append(events, Event{Type: EventPeerRemoved, Peer: peer})
	}
	return events
}

// parseEntry turns a service entry into a peer. Entries without a device id and our own
// advertisement are skipped.
func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (models.Peer, bool) {
	txt := txtRecords(entry.Text)
	deviceID := txt["device_id"]
	if deviceID == "" || deviceID == selfDeviceID {
		return models.Peer{}, false
	}

	version, _ := strconv.Atoi(txt["version"])

	name := cmp.Or(strings.TrimSpace(entry.Instance), strings.TrimSpace(entry.HostName), deviceID)

	return models.Peer{
		DeviceID:   deviceID,
		DeviceName: name,
		Version:    version,
		HostName:   entry.HostName,
		Port:       entry.Port,
		Addresses:  dialOrder(entry.AddrIPv4, entry.AddrIPv6),
	}, true
}

// dialOrder dedupes addresses and puts IPv4 first: link-local IPv6 needs a zone to dial.
func dialOrder(groups ...[]net.IP) []string {
	var addrs []netip.Addr
	for _, group := range groups {
		for _, ip := range group {
			addr, ok := netip.AddrFromSlice(ip)
			if !ok {
				continue
			}
			addr = addr.Unmap()
			if addr.IsUnspecified() || slices.Contains(addrs, addr) {
				continue
			}
			addrs = append(addrs, addr)
		}
	}
	slices.SortFunc(addrs, func(a, b netip.Addr) int {
		if a.Is4() != b.Is4() {
			if a.Is4() {
				return -1
			}
			return 1
		}
		return a.Compare(b)
	})

	out := make([]string, len(addrs))
	for i, addr := range addrs {
		out[i] = addr.String()
	}
	return out
}

func txtRecords(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, record := range text {
		key, value, ok := strings.Cut(record, "=")
		if key = strings.TrimSpace(key); !ok || key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

// sameRecord reports whether two sightings advertise the same record. LastSeen is ignored.
func sameRecord(a, b models.Peer) bool {
	return a.DeviceID == b.DeviceID &&
		a.DeviceName == b.DeviceName &&
		a.Version == b.Version &&
		a.HostName == b.HostName &&
		a.Port == b.Port &&
		slices.Equal(a.Addresses, b.Addresses)
}
