package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_resqmesh._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background peer discovery interval.
	DefaultRefreshInterval = 5 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 2 * time.Second
	// DefaultTTL is the intended mDNS record TTL in seconds.
	DefaultTTL = 120
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS broadcaster and scanner behavior.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	// PeerStaleAfter keeps a peer listed across scans that missed it.
	PeerStaleAfter time.Duration
	TTL            uint32

	SelfDeviceID  string
	DeviceName    string
	ListeningPort int

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.TTL == 0 {
		out.TTL = DefaultTTL
	}
	if out.PeerStaleAfter <= 0 {
		out.PeerStaleAfter = 2*out.RefreshInterval + out.ScanTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForBroadcast() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("device name is required")
	}
	if c.ListeningPort <= 0 {
		return errors.New("listening port must be > 0")
	}
	return nil
}

func (c Config) validateForScan() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	return nil
}

// Broadcaster advertises local device presence via mDNS.
type Broadcaster struct {
	server *zeroconf.Server
}

// StartBroadcaster registers and starts mDNS broadcast.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBroadcast(); err != nil {
		return nil, err
	}

	txt := []string{
		"device_id=" + cfg.SelfDeviceID,
		"version=" + strconv.Itoa(cfg.Version),
	}

	server, err := cfg.registerFn(cfg.DeviceName, cfg.Service, cfg.Domain, cfg.ListeningPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	if server != nil {
		server.TTL(cfg.TTL)
	}

	return &Broadcaster{server: server}, nil
}

// Stop stops mDNS broadcasting.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}

// Service toggles advertising and scanning independently. Scanner events from every scanning
// period are forwarded onto one channel that lives until Close.
type Service struct {
	cfg    Config
	events chan Event

	mu          sync.Mutex
	broadcaster *Broadcaster
	scanner     *PeerScanner
	closed      bool
	wg          sync.WaitGroup
}

// NewService validates config for scanning and returns an idle service.
func NewService(config Config) (*Service, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}
	return &Service{
		cfg:    cfg,
		events: make(chan Event, 128),
	}, nil
}

// SetListeningPort updates the port advertised by the next StartAdvertising.
func (s *Service) SetListeningPort(port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.ListeningPort = port
}

// Events provides discovery updates across scanner restarts.
func (s *Service) Events() <-chan Event {
	return s.events
}

// StartAdvertising registers the local service. It is a no-op while already advertising.
func (s *Service) StartAdvertising() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("discovery service is closed")
	}
	if s.broadcaster != nil {
		return nil
	}
	broadcaster, err := StartBroadcaster(s.cfg)
	if err != nil {
		return err
	}
	s.broadcaster = broadcaster
	return nil
}

// StopAdvertising withdraws the local service.
func (s *Service) StopAdvertising() {
	s.mu.Lock()
	broadcaster := s.broadcaster
	s.broadcaster = nil
	s.mu.Unlock()
	broadcaster.Stop()
}

// StartScanning starts a fresh peer scanner. It is a no-op while already scanning.
func (s *Service) StartScanning() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("discovery service is closed")
	}
	if s.scanner != nil {
		return nil
	}
	scanner, err := NewPeerScanner(s.cfg)
	if err != nil {
		return err
	}
	if err := scanner.Start(); err != nil {
		return err
	}
	s.scanner = scanner

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for event := range scanner.Events() {
			select {
			case s.events <- event:
			default:
			}
		}
	}()
	return nil
}

// StopScanning stops the current scanner.
func (s *Service) StopScanning() {
	s.mu.Lock()
	scanner := s.scanner
	s.scanner = nil
	s.mu.Unlock()

	if scanner != nil {
		scanner.Stop()
	}
}

// Refresh triggers an immediate scan while scanning.
func (s *Service) Refresh(ctx context.Context) error {
	s.mu.Lock()
	scanner := s.scanner
	s.mu.Unlock()
	if scanner == nil {
		return errors.New("peer scanner is not started")
	}
	return scanner.Refresh(ctx)
}

// Close stops advertising and scanning and closes Events.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.StopScanning()
	s.StopAdvertising()
	s.wg.Wait()
	close(s.events)
}
