package network

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"resqmesh/discovery"
	"resqmesh/mesh"
	"resqmesh/models"
)

var (
	// ErrUnknownEndpoint indicates the endpoint id is not currently known to the transport.
	ErrUnknownEndpoint = errors.New("network: unknown endpoint")
	// ErrNoPendingConnection indicates accept or reject without a pending handshake.
	ErrNoPendingConnection = errors.New("network: no pending connection")
	// ErrNotDialable indicates a discovered peer announced no usable address.
	ErrNotDialable = errors.New("network: endpoint has no dialable address")
	// ErrTransportClosed is returned after Close.
	ErrTransportClosed = errors.New("network: transport closed")
)

const defaultEventBuffer = 256

var _ mesh.Transport = (*Transport)(nil)

// discoverer is the subset of discovery.Service the transport drives.
type discoverer interface {
	SetListeningPort(port int)
	StartAdvertising() error
	StopAdvertising()
	StartScanning() error
	StopScanning()
	Events() <-chan discovery.Event
	Close()
}

// Options configures a LAN Transport.
type Options struct {
	DeviceID   string
	DeviceName string
	// ListenAddress defaults to ":0".
	ListenAddress string
	Discovery     discovery.Config
	Handshake     HandshakeOptions
	Logger        logrus.FieldLogger

	discoverer discoverer
}

// endpoint is one remote device for the lifetime of its endpoint id.
type endpoint struct {
	id   string
	peer models.Peer
	// discovered is false once discovery lost the device; the id is dropped when the
	// connection also ends.
	discovered bool

	dialing        bool
	conn           *PeerConnection
	localAccepted  bool
	remoteAccepted bool
	established    bool
}

// Transport is a mesh.Transport over TCP with mDNS discovery. Each discovered device gets a
// session-scoped endpoint id that is retired when the device is lost.
type Transport struct {
	options   Options
	handshake HandshakeOptions
	log       logrus.FieldLogger

	server    *Server
	discovery discoverer
	events    chan mesh.Event

	mu        sync.Mutex
	endpoints map[string]*endpoint
	byDevice  map[string]string
	closed    bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewTransport listens on the configured address and prepares discovery. Discovery and
// advertising stay off until requested.
func NewTransport(options Options) (*Transport, error) {
	if options.DeviceID == "" {
		return nil, errors.New("device id is required")
	}
	if options.DeviceName == "" {
		options.DeviceName = options.DeviceID
	}
	log := options.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	handshake := options.Handshake
	handshake.Identity = LocalIdentity{DeviceID: options.DeviceID, DeviceName: options.DeviceName}
	handshake = handshake.withDefaults()

	server, err := Listen(options.ListenAddress, handshake)
	if err != nil {
		return nil, err
	}

	disc := options.discoverer
	if disc == nil {
		cfg := options.Discovery
		cfg.SelfDeviceID = options.DeviceID
		cfg.DeviceName = options.DeviceName
		cfg.ListeningPort = server.Port()
		svc, err := discovery.NewService(cfg)
		if err != nil {
			_ = server.Close()
			return nil, err
		}
		disc = svc
	}
	disc.SetListeningPort(server.Port())

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		options:   options,
		handshake: handshake,
		log:       log.WithField("component", "lan_transport"),
		server:    server,
		discovery: disc,
		events:    make(chan mesh.Event, defaultEventBuffer),
		endpoints: make(map[string]*endpoint),
		byDevice:  make(map[string]string),
		ctx:       ctx,
		cancel:    cancel,
	}

	t.wg.Add(3)
	go t.acceptLoop()
	go t.serverErrorLoop()
	go t.discoveryLoop()
	return t, nil
}

// Port returns the TCP port peers dial.
func (t *Transport) Port() int {
	return t.server.Port()
}

// Events returns transport notifications. The channel closes after Close.
func (t *Transport) Events() <-chan mesh.Event {
	return t.events
}

func (t *Transport) StartDiscovering(context.Context) error {
	if t.isClosed() {
		return ErrTransportClosed
	}
	return t.discovery.StartScanning()
}

func (t *Transport) StopDiscovering() error {
	t.discovery.StopScanning()
	return nil
}

func (t *Transport) StartAdvertising(context.Context) error {
	if t.isClosed() {
		return ErrTransportClosed
	}
	return t.discovery.StartAdvertising()
}

func (t *Transport) StopAdvertising() error {
	t.discovery.StopAdvertising()
	return nil
}

// RequestConnection dials a discovered endpoint. It is a no-op while the endpoint already has a
// handshake or connection in progress.
func (t *Transport) RequestConnection(ctx context.Context, endpointID string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	ep, ok := t.endpoints[endpointID]
	if !ok {
		t.mu.Unlock()
		return ErrUnknownEndpoint
	}
	if ep.dialing || ep.conn != nil {
		t.mu.Unlock()
		return nil
	}
	if !ep.peer.Dialable() {
		t.mu.Unlock()
		return ErrNotDialable
	}
	ep.dialing = true
	addresses := dialAddresses(ep.peer)
	t.mu.Unlock()

	pc, err := Dial(ctx, addresses, t.handshake)

	t.mu.Lock()
	ep.dialing = false
	if err != nil {
		if t.endpoints[endpointID] == ep {
			t.retireIfLostLocked(ep, !t.closed)
		}
		t.mu.Unlock()
		return err
	}
	if t.closed || t.endpoints[endpointID] != ep {
		t.mu.Unlock()
		_ = pc.Close()
		return ErrUnknownEndpoint
	}
	sendAccept := t.adoptLocked(ep, pc)
	t.mu.Unlock()

	if sendAccept {
		t.sendDecision(endpointID, pc, true)
	}
	return nil
}

// AcceptConnection records the local accept. The connection is established once the remote
// side accepts too.
func (t *Transport) AcceptConnection(_ context.Context, endpointID string) error {
	t.mu.Lock()
	ep, ok := t.endpoints[endpointID]
	if !ok {
		t.mu.Unlock()
		return ErrUnknownEndpoint
	}
	if ep.conn == nil || ep.established {
		t.mu.Unlock()
		return ErrNoPendingConnection
	}
	ep.localAccepted = true
	pc := ep.conn
	t.mu.Unlock()

	if err := pc.SendDecision(true); err != nil {
		return err
	}

	t.mu.Lock()
	if ep.conn == pc {
		t.maybeEstablishLocked(ep)
	}
	t.mu.Unlock()
	return nil
}

// RejectConnection refuses a pending handshake and drops the connection.
func (t *Transport) RejectConnection(_ context.Context, endpointID string) error {
	t.mu.Lock()
	ep, ok := t.endpoints[endpointID]
	if !ok {
		t.mu.Unlock()
		return ErrUnknownEndpoint
	}
	if ep.conn == nil || ep.established {
		t.mu.Unlock()
		return ErrNoPendingConnection
	}
	pc := t.detachLocked(ep)
	t.mu.Unlock()

	_ = pc.SendDecision(false)
	return pc.Close()
}

// Disconnect closes the connection to an endpoint. No local event is emitted.
func (t *Transport) Disconnect(endpointID string) error {
	t.mu.Lock()
	ep, ok := t.endpoints[endpointID]
	if !ok {
		t.mu.Unlock()
		return ErrUnknownEndpoint
	}
	if ep.conn == nil {
		t.mu.Unlock()
		return nil
	}
	pc := t.detachLocked(ep)
	t.retireIfLostLocked(ep, false)
	t.mu.Unlock()

	return pc.Disconnect()
}

// Send writes one sealed payload to an established endpoint.
func (t *Transport) Send(_ context.Context, endpointID string, payload []byte) error {
	t.mu.Lock()
	ep, ok := t.endpoints[endpointID]
	if !ok {
		t.mu.Unlock()
		return ErrUnknownEndpoint
	}
	pc := ep.conn
	established := ep.established
	t.mu.Unlock()

	if pc == nil || !established {
		return ErrNotEstablished
	}
	return pc.SendData(payload)
}

// Close stops discovery, drops every connection and closes Events.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		conns := make([]*PeerConnection, 0, len(t.endpoints))
		for _, ep := range t.endpoints {
			if ep.conn != nil {
				conns = append(conns, t.detachLocked(ep))
			}
		}
		t.mu.Unlock()

		for _, pc := range conns {
			_ = pc.Disconnect()
		}
		t.discovery.Close()
		t.cancel()
		_ = t.server.Close()
		t.wg.Wait()
		close(t.events)
	})
	return nil
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for pc := range t.server.Incoming() {
		t.handleIncoming(pc)
	}
}

func (t *Transport) serverErrorLoop() {
	defer t.wg.Done()
	for err := range t.server.Errors() {
		t.log.WithError(err).Debug("inbound connection failed")
	}
}

func (t *Transport) discoveryLoop() {
	defer t.wg.Done()
	events := t.discovery.Events()
	for {
		select {
		case <-t.ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			t.handleDiscovery(event)
		}
	}
}

func (t *Transport) handleDiscovery(event discovery.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	switch event.Type {
	case discovery.EventPeerUpserted:
		ep := t.endpointForDeviceLocked(event.Peer.DeviceID)
		ep.peer = event.Peer
		if !ep.discovered {
			ep.discovered = true
			t.emitLocked(mesh.EndpointFound{EndpointID: ep.id, Name: event.Peer.DeviceName})
		}
	case discovery.EventPeerRemoved:
		id, ok := t.byDevice[event.Peer.DeviceID]
		if !ok {
			return
		}
		ep := t.endpoints[id]
		ep.discovered = false
		t.retireIfLostLocked(ep, true)
	}
}

func (t *Transport) handleIncoming(pc *PeerConnection) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = pc.Close()
		return
	}
	ep := t.endpointForDeviceLocked(pc.PeerDeviceID())
	if ep.peer.DeviceName == "" {
		ep.peer.DeviceName = pc.PeerDeviceName()
	}
	sendAccept := t.adoptLocked(ep, pc)
	t.mu.Unlock()

	if sendAccept {
		t.sendDecision(ep.id, pc, true)
	}
}

func (t *Transport) endpointForDeviceLocked(deviceID string) *endpoint {
	if id, ok := t.byDevice[deviceID]; ok {
		return t.endpoints[id]
	}
	ep := &endpoint{
		id:   uuid.NewString(),
		peer: models.Peer{DeviceID: deviceID},
	}
	t.endpoints[ep.id] = ep
	t.byDevice[deviceID] = ep.id
	return ep
}

// adoptLocked attaches pc to ep. When both devices dialed each other, the connection dialed by
// the lower device id wins on both sides. It reports whether an earlier local accept has to be
// replayed on pc.
func (t *Transport) adoptLocked(ep *endpoint, pc *PeerConnection) bool {
	if existing := ep.conn; existing != nil {
		if !ep.established && existing.Outgoing() != pc.Outgoing() {
			if dialerID(existing, t.options.DeviceID) < dialerID(pc, t.options.DeviceID) {
				_ = pc.Close()
				return false
			}
			// Same handshake from the operator's view; keep its decisions.
			ep.conn = pc
			ep.remoteAccepted = false
			_ = existing.Close()
			t.serve(ep.id, pc)
			t.log.WithField("endpoint_id", ep.id).Debug("resolved simultaneous dial")
			return ep.localAccepted
		}
		// The peer redialed; the old connection is gone.
		established := ep.established
		old := t.detachLocked(ep)
		_ = old.Close()
		if established {
			t.emitLocked(mesh.Disconnected{EndpointID: ep.id})
		} else {
			t.emitLocked(mesh.ConnectionResult{EndpointID: ep.id, Success: false, Reason: "superseded by a new connection"})
		}
	}

	ep.conn = pc
	ep.localAccepted = false
	ep.remoteAccepted = false
	ep.established = false
	t.serve(ep.id, pc)
	t.emitLocked(mesh.ConnectionInitiated{
		EndpointID:          ep.id,
		EndpointName:        ep.peer.DeviceName,
		AuthenticationToken: pc.AuthenticationToken(),
		IsIncoming:          !pc.Outgoing(),
	})
	return false
}

func dialerID(pc *PeerConnection, localDeviceID string) string {
	if pc.Outgoing() {
		return localDeviceID
	}
	return pc.PeerDeviceID()
}

// detachLocked removes the endpoint's connection without emitting events.
func (t *Transport) detachLocked(ep *endpoint) *PeerConnection {
	pc := ep.conn
	ep.conn = nil
	ep.localAccepted = false
	ep.remoteAccepted = false
	ep.established = false
	return pc
}

// retireIfLostLocked drops an endpoint id that discovery lost and that has no connection.
func (t *Transport) retireIfLostLocked(ep *endpoint, emit bool) {
	if ep.discovered || ep.conn != nil || ep.dialing {
		return
	}
	delete(t.endpoints, ep.id)
	delete(t.byDevice, ep.peer.DeviceID)
	if emit {
		t.emitLocked(mesh.EndpointLost{EndpointID: ep.id})
	}
}

func (t *Transport) maybeEstablishLocked(ep *endpoint) {
	if ep.established || !ep.localAccepted || !ep.remoteAccepted || ep.conn == nil {
		return
	}
	ep.established = true
	ep.conn.MarkEstablished()
	t.emitLocked(mesh.ConnectionResult{EndpointID: ep.id, Success: true})
}

func (t *Transport) sendDecision(endpointID string, pc *PeerConnection, accept bool) {
	if err := pc.SendDecision(accept); err != nil {
		t.log.WithError(err).WithField("endpoint_id", endpointID).Debug("send decision failed")
		return
	}
	t.mu.Lock()
	if ep, ok := t.endpoints[endpointID]; ok && ep.conn == pc {
		t.maybeEstablishLocked(ep)
	}
	t.mu.Unlock()
}

// serve starts the reader for one adopted connection.
func (t *Transport) serve(endpointID string, pc *PeerConnection) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			frame, err := pc.ReceiveMessage(t.ctx)
			if err != nil {
				t.connectionEnded(endpointID, pc, err)
				return
			}
			t.handleFrame(endpointID, pc, frame)
		}
	}()
}

func (t *Transport) handleFrame(endpointID string, pc *PeerConnection, frame []byte) {
	msgType, err := DecodeMessageType(frame)
	if err != nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	ep, ok := t.endpoints[endpointID]
	if !ok || ep.conn != pc {
		return
	}
	log := t.log.WithField("endpoint_id", endpointID)

	switch msgType {
	case TypeAccept:
		ep.remoteAccepted = true
		t.maybeEstablishLocked(ep)
	case TypeReject:
		t.detachLocked(ep)
		_ = pc.Close()
		t.emitLocked(mesh.ConnectionResult{EndpointID: endpointID, Success: false, Reason: "rejected by remote"})
		t.retireIfLostLocked(ep, true)
	case TypeData:
		if !ep.established {
			log.Debug("dropping data frame before connection established")
			return
		}
		payload, err := pc.OpenData(frame)
		if err != nil {
			log.WithError(err).Warn("dropping unreadable data frame")
			return
		}
		t.emitLocked(mesh.MessageReceived{EndpointID: endpointID, Payload: payload})
	default:
		log.WithField("type", msgType).Debug("ignoring frame")
	}
}

func (t *Transport) connectionEnded(endpointID string, pc *PeerConnection, err error) {
	_ = pc.Close()
	if errors.Is(err, context.Canceled) {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	ep, ok := t.endpoints[endpointID]
	if !ok || ep.conn != pc {
		return
	}
	established := ep.established
	t.detachLocked(ep)

	if established {
		t.emitLocked(mesh.Disconnected{EndpointID: endpointID})
		if ep.discovered {
			t.reissueLocked(ep)
			return
		}
	} else {
		reason := "connection closed"
		if cause := pc.LastError(); cause != nil {
			reason = cause.Error()
		}
		t.emitLocked(mesh.ConnectionResult{EndpointID: endpointID, Success: false, Reason: reason})
	}
	t.retireIfLostLocked(ep, true)
}

// reissueLocked replaces the id of a still-discovered endpoint whose connection dropped, so the
// device shows up again as a fresh, connectable endpoint.
func (t *Transport) reissueLocked(ep *endpoint) {
	delete(t.endpoints, ep.id)
	delete(t.byDevice, ep.peer.DeviceID)
	t.emitLocked(mesh.EndpointLost{EndpointID: ep.id})

	fresh := t.endpointForDeviceLocked(ep.peer.DeviceID)
	fresh.peer = ep.peer
	fresh.discovered = true
	t.emitLocked(mesh.EndpointFound{EndpointID: fresh.id, Name: ep.peer.DeviceName})
	t.log.WithFields(logrus.Fields{"old_endpoint_id": ep.id, "endpoint_id": fresh.id}).
		Debug("reissued endpoint after disconnect")
}

// emitLocked keeps per-endpoint ordering by emitting under t.mu.
func (t *Transport) emitLocked(event mesh.Event) {
	select {
	case t.events <- event:
	case <-t.ctx.Done():
	}
}

func dialAddresses(peer models.Peer) []string {
	port := strconv.Itoa(peer.Port)
	out := make([]string, 0, len(peer.Addresses))
	for _, address := range peer.Addresses {
		out = append(out, net.JoinHostPort(address, port))
	}
	return out
}
