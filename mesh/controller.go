package mesh

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultRequestTTL is how long an unanswered incoming request stays queued.
	DefaultRequestTTL = 2 * time.Minute
	// DefaultMaxHops bounds how far a message is flooded.
	DefaultMaxHops = 16

	maxAdvisories = 32
)

var (
	ErrUnknownRequest = errors.New("mesh: unknown connection request")
	ErrUnknownPeer    = errors.New("mesh: unknown peer")
	ErrNotConnectable = errors.New("mesh: peer is not in discovered state")
	ErrClosed         = errors.New("mesh: session closed")
)

// link is the subset of TransportAdapter the controller drives.
type link interface {
	StartDiscovering()
	StopDiscovering()
	StartAdvertising()
	StopAdvertising()
	RequestConnection(endpointID string)
	AcceptConnection(endpointID string)
	RejectConnection(endpointID string)
	Disconnect(endpointID string)
	Send(endpointID string, payload []byte)
	Forget(endpointID string)
}

// Advisory is a recorded, non-fatal transport failure.
type Advisory struct {
	Op         TransportOp `json:"op"`
	EndpointID string      `json:"endpoint_id,omitempty"`
	Reason     string      `json:"reason"`
	At         time.Time   `json:"at"`
}

// Status summarizes the session for operators.
type Status struct {
	DeviceID        string     `json:"device_id"`
	Active          bool       `json:"active"`
	Peers           int        `json:"peers"`
	Connected       int        `json:"connected"`
	PendingRequests int        `json:"pending_requests"`
	Messages        int        `json:"messages"`
	Unsent          int        `json:"unsent"`
	Advisories      []Advisory `json:"advisories,omitempty"`
}

// ControllerOptions configures a Controller.
type ControllerOptions struct {
	DeviceID   string
	Policy     AcceptPolicy
	RequestTTL time.Duration
	MaxHops    int
}

func (o ControllerOptions) withDefaults() ControllerOptions {
	out := o
	if out.DeviceID == "" {
		out.DeviceID = SelfOrigin
	}
	if out.Policy == nil {
		out.Policy = AutoAcceptWhileActive
	}
	if out.RequestTTL <= 0 {
		out.RequestTTL = DefaultRequestTTL
	}
	if out.MaxHops <= 0 {
		out.MaxHops = DefaultMaxHops
	}
	return out
}

// Controller is the mesh state machine. It owns the peer registry, the message log, the
// pending request queue and the active flag, all guarded by one mutex.
type Controller struct {
	options ControllerOptions
	link    link
	journal Journal
	notify  *notifier
	log     logrus.FieldLogger
	now     func() time.Time

	// journalMu orders journal writes. It is acquired while holding mu, never the reverse.
	journalMu sync.Mutex

	mu         sync.Mutex
	active     bool
	registry   *PeerRegistry
	messages   *MessageLog
	requests   map[string]ConnectionRequest
	advisories []Advisory
	journalOps []func(Journal)
}

func newController(l link, journal Journal, notify *notifier, log logrus.FieldLogger, options ControllerOptions) *Controller {
	if log == nil {
		log = discardLogger()
	}
	if notify == nil {
		notify = newNotifier()
	}
	log = log.WithField("component", "controller")
	return &Controller{
		options:  options.withDefaults(),
		link:     l,
		journal:  journal,
		notify:   notify,
		log:      log,
		now:      time.Now,
		registry: NewPeerRegistry(log),
		messages: NewMessageLog(),
		requests: make(map[string]ConnectionRequest),
	}
}

// Run consumes events until the channel closes or ctx is done. Queued requests older than the
// request TTL are rejected along the way.
func (c *Controller) Run(ctx context.Context, events <-chan Event) {
	sweep := time.NewTicker(c.sweepInterval())
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			c.HandleEvent(event)
		case <-sweep.C:
			c.ExpireRequests()
		}
	}
}

func (c *Controller) sweepInterval() time.Duration {
	interval := c.options.RequestTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

// HandleEvent applies one transport event.
func (c *Controller) HandleEvent(event Event) {
	c.mu.Lock()
	defer c.unlockAndFlush()

	switch e := event.(type) {
	case EndpointFound:
		c.onEndpointFound(e)
	case EndpointLost:
		c.onEndpointLost(e)
	case ConnectionInitiated:
		c.onConnectionInitiated(e)
	case ConnectionResult:
		c.onConnectionResult(e)
	case Disconnected:
		c.onDisconnected(e)
	case MessageReceived:
		c.onMessageReceived(e)
	case TransportFailed:
		c.onTransportFailed(e)
	default:
		c.log.Debugf("ignoring event %T", event)
	}
}

func (c *Controller) onEndpointFound(e EndpointFound) {
	if !c.registry.UpsertDiscovered(e.EndpointID, e.Name) {
		return
	}
	c.log.WithFields(logrus.Fields{"endpoint_id": e.EndpointID, "name": e.Name}).Info("endpoint found")
	c.notify.publish(ChangePeers)
	if c.active {
		c.connectLocked(e.EndpointID)
	}
}

func (c *Controller) onEndpointLost(e EndpointLost) {
	removed := c.registry.Remove(e.EndpointID)
	_, hadRequest := c.requests[e.EndpointID]
	delete(c.requests, e.EndpointID)
	c.link.Forget(e.EndpointID)
	if removed {
		c.log.WithField("endpoint_id", e.EndpointID).Info("endpoint lost")
		c.notify.publish(ChangePeers)
	}
	if hadRequest {
		c.notify.publish(ChangeRequests)
	}
}

func (c *Controller) onConnectionInitiated(e ConnectionInitiated) {
	fields := logrus.Fields{"endpoint_id": e.EndpointID, "incoming": e.IsIncoming}
	if c.registry.UpsertDiscovered(e.EndpointID, e.EndpointName) {
		c.notify.publish(ChangePeers)
	}
	if !c.registry.MarkPending(e.EndpointID) {
		c.log.WithFields(fields).Warn("connection initiated for peer that is not connectable")
		return
	}
	c.notify.publish(ChangePeers)

	if !e.IsIncoming {
		// Our own request; the handshake still needs our side to accept.
		c.link.AcceptConnection(e.EndpointID)
		return
	}

	request := ConnectionRequest{
		EndpointID:          e.EndpointID,
		EndpointName:        e.EndpointName,
		AuthenticationToken: e.AuthenticationToken,
		IsIncoming:          true,
		ReceivedAt:          c.now(),
	}
	if c.options.Policy.AutoAccept(request, c.active) {
		c.log.WithFields(fields).WithField("token", e.AuthenticationToken).Info("auto-accepting connection")
		c.link.AcceptConnection(e.EndpointID)
		return
	}
	c.log.WithFields(fields).WithField("token", e.AuthenticationToken).Info("connection request queued")
	c.requests[e.EndpointID] = request
	c.notify.publish(ChangeRequests)
}

func (c *Controller) onConnectionResult(e ConnectionResult) {
	if _, ok := c.requests[e.EndpointID]; ok {
		delete(c.requests, e.EndpointID)
		c.notify.publish(ChangeRequests)
	}
	fields := logrus.Fields{"endpoint_id": e.EndpointID}
	if e.Success {
		if c.registry.MarkConnected(e.EndpointID) {
			c.log.WithFields(fields).Info("peer connected")
			c.notify.publish(ChangePeers)
		}
		return
	}
	c.log.WithFields(fields).WithField("reason", e.Reason).Warn("connection failed")
	c.recordAdvisoryLocked(OpRequestConnection, e.EndpointID, e.Reason)
	if c.registry.RevertToDiscovered(e.EndpointID) {
		c.notify.publish(ChangePeers)
	}
}

func (c *Controller) onDisconnected(e Disconnected) {
	c.link.Forget(e.EndpointID)
	if _, ok := c.requests[e.EndpointID]; ok {
		delete(c.requests, e.EndpointID)
		c.notify.publish(ChangeRequests)
	}
	if c.registry.MarkDisconnected(e.EndpointID) {
		c.log.WithField("endpoint_id", e.EndpointID).Info("peer disconnected")
		c.notify.publish(ChangePeers)
	}
}

func (c *Controller) onMessageReceived(e MessageReceived) {
	message, err := DecodeMessage(e.Payload)
	if err != nil {
		c.log.WithError(err).WithField("endpoint_id", e.EndpointID).Warn("dropping malformed payload")
		return
	}
	message.ReceivedFrom = e.EndpointID
	if !c.appendLocked(message) {
		return
	}
	c.log.WithFields(logrus.Fields{
		"endpoint_id": e.EndpointID,
		"origin_id":   message.OriginID,
		"key":         message.Key,
		"hops":        message.Hops,
	}).Info("message received")

	if !c.active {
		return
	}
	if message.Hops >= c.options.MaxHops {
		c.log.WithField("key", message.Key).Debug("hop limit reached, not relaying")
		return
	}
	c.broadcastLocked([]Message{message})
}

func (c *Controller) onTransportFailed(e TransportFailed) {
	c.log.WithFields(logrus.Fields{"op": e.Op, "endpoint_id": e.EndpointID, "reason": e.Reason}).
		Warn("transport call failed")
	c.recordAdvisoryLocked(e.Op, e.EndpointID, e.Reason)

	switch e.Op {
	case OpRequestConnection, OpAcceptConnection:
		if c.registry.RevertToDiscovered(e.EndpointID) {
			c.notify.publish(ChangePeers)
		}
		if _, ok := c.requests[e.EndpointID]; ok {
			delete(c.requests, e.EndpointID)
			c.notify.publish(ChangeRequests)
		}
	}
}

// Start begins discovery. Discovery runs in both modes.
func (c *Controller) Start() {
	c.link.StartDiscovering()
}

// SetActive switches the mesh mode and reports whether it changed.
//
// Activation starts advertising, connects to every Discovered peer and runs queued requests
// through the accept policy again. Deactivation stops advertising; connections stay up.
func (c *Controller) SetActive(active bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == active {
		return false
	}
	c.active = active
	c.log.WithField("active", active).Info("mesh mode changed")
	c.notify.publish(ChangeStatus)

	if !active {
		c.link.StopAdvertising()
		return true
	}

	c.link.StartAdvertising()
	for _, request := range c.sortedRequestsLocked() {
		if c.options.Policy.AutoAccept(request, true) {
			delete(c.requests, request.EndpointID)
			c.link.AcceptConnection(request.EndpointID)
			c.notify.publish(ChangeRequests)
		}
	}
	var discovered []string
	for peer := range c.registry.ListDiscovered() {
		discovered = append(discovered, peer.EndpointID)
	}
	for _, id := range discovered {
		c.connectLocked(id)
	}
	return true
}

// Active reports the mesh mode.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Connect requests a connection to a Discovered peer on operator demand.
func (c *Controller) Connect(endpointID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	peer, ok := c.registry.Get(endpointID)
	if !ok {
		return ErrUnknownPeer
	}
	if peer.State != StateDiscovered {
		return ErrNotConnectable
	}
	c.connectLocked(endpointID)
	return nil
}

func (c *Controller) connectLocked(endpointID string) {
	if !c.registry.MarkPending(endpointID) {
		return
	}
	c.log.WithField("endpoint_id", endpointID).Info("requesting connection")
	c.link.RequestConnection(endpointID)
	c.notify.publish(ChangePeers)
}

// AcceptRequest accepts a queued incoming request.
func (c *Controller) AcceptRequest(endpointID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.requests[endpointID]; !ok {
		return ErrUnknownRequest
	}
	delete(c.requests, endpointID)
	c.link.AcceptConnection(endpointID)
	c.notify.publish(ChangeRequests)
	return nil
}

// RejectRequest rejects a queued incoming request.
func (c *Controller) RejectRequest(endpointID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.requests[endpointID]; !ok {
		return ErrUnknownRequest
	}
	c.rejectLocked(endpointID)
	return nil
}

func (c *Controller) rejectLocked(endpointID string) {
	delete(c.requests, endpointID)
	c.link.RejectConnection(endpointID)
	c.notify.publish(ChangeRequests)
	if c.registry.RevertToDiscovered(endpointID) {
		c.notify.publish(ChangePeers)
	}
}

// ExpireRequests rejects queued requests older than the request TTL.
func (c *Controller) ExpireRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-c.options.RequestTTL)
	expired := 0
	for _, request := range c.sortedRequestsLocked() {
		if request.ReceivedAt.After(cutoff) {
			continue
		}
		c.log.WithField("endpoint_id", request.EndpointID).Info("connection request expired")
		c.rejectLocked(request.EndpointID)
		expired++
	}
	return expired
}

// AppendLocal stores a self-originated message. It is refused while the mesh is inactive.
func (c *Controller) AppendLocal(message Message) bool {
	c.mu.Lock()
	defer c.unlockAndFlush()

	if !c.active {
		return false
	}
	message.ReceivedFrom = ""
	return c.appendLocked(message)
}

func (c *Controller) appendLocked(message Message) bool {
	if !c.messages.Append(message) {
		return false
	}
	if c.journal != nil {
		stored, _ := c.messages.Get(message.DedupKey())
		c.journalOps = append(c.journalOps, func(j Journal) {
			if err := j.SaveMessage(stored); err != nil {
				c.log.WithError(err).WithField("key", stored.Key).Warn("journal save failed")
			}
		})
	}
	c.notify.publish(ChangeMessages)
	return true
}

// unlockAndFlush releases c.mu and then applies the journal writes queued under it.
func (c *Controller) unlockAndFlush() {
	ops := c.journalOps
	c.journalOps = nil
	if len(ops) == 0 {
		c.mu.Unlock()
		return
	}
	c.journalMu.Lock()
	c.mu.Unlock()
	defer c.journalMu.Unlock()
	for _, op := range ops {
		op(c.journal)
	}
}

// Restore loads journaled messages into the log without writing them back.
func (c *Controller) Restore(messages []Message) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	restored := 0
	for _, message := range messages {
		if c.messages.Append(message) {
			restored++
		}
	}
	if restored > 0 {
		c.notify.publish(ChangeMessages)
	}
	return restored
}

// HasUnsent reports whether any message still awaits uplink.
func (c *Controller) HasUnsent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messages.HasUnsent()
}

// Unsent returns the messages not yet uploaded, oldest first.
func (c *Controller) Unsent() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messages.UnsentSince(c.messages.HighWater())
}

// MarkDelivered records a successful upload.
func (c *Controller) MarkDelivered(message Message) bool {
	c.mu.Lock()
	defer c.unlockAndFlush()

	if !c.messages.MarkDeliveredToRemote(message.DedupKey()) {
		return false
	}
	if c.journal != nil {
		c.journalOps = append(c.journalOps, func(j Journal) {
			if err := j.MarkUploaded(message.OriginID, message.Key); err != nil {
				c.log.WithError(err).WithField("key", message.Key).Warn("journal update failed")
			}
		})
	}
	c.notify.publish(ChangeMessages)
	return true
}

// Broadcast sends messages to every connected peer except each message's sender and returns
// the number of sends issued.
func (c *Controller) Broadcast(messages []Message) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broadcastLocked(messages)
}

// broadcastLocked encodes each message once, then queues them peer by peer. Messages at the hop
// limit are stored but never forwarded.
func (c *Controller) broadcastLocked(messages []Message) int {
	type outbound struct {
		from string
		raw  []byte
	}
	batch := make([]outbound, 0, len(messages))
	for _, message := range messages {
		if message.Hops >= c.options.MaxHops {
			continue
		}
		raw, err := EncodeMessage(message)
		if err != nil {
			c.log.WithError(err).WithField("key", message.Key).Warn("skipping unencodable message")
			continue
		}
		batch = append(batch, outbound{from: message.ReceivedFrom, raw: raw})
	}
	if len(batch) == 0 {
		return 0
	}

	sends := 0
	for peer := range c.registry.ListConnected() {
		for _, item := range batch {
			if peer.EndpointID == item.from {
				continue
			}
			c.link.Send(peer.EndpointID, item.raw)
			sends++
		}
	}
	return sends
}

// Peers returns every known peer.
func (c *Controller) Peers() []Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.Snapshot()
}

// ConnectedPeers returns the peers currently used for broadcast.
func (c *Controller) ConnectedPeers() []Peer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Peer
	for peer := range c.registry.ListConnected() {
		out = append(out, peer)
	}
	sortPeers(out)
	return out
}

// PendingRequests returns queued requests, oldest first.
func (c *Controller) PendingRequests() []ConnectionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sortedRequestsLocked()
}

// RecentMessages returns up to n of the newest messages, oldest first.
func (c *Controller) RecentMessages(n int) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messages.Recent(n)
}

// Status returns a summary of the session.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	connected := 0
	for range c.registry.ListConnected() {
		connected++
	}
	advisories := make([]Advisory, len(c.advisories))
	copy(advisories, c.advisories)
	return Status{
		DeviceID:        c.options.DeviceID,
		Active:          c.active,
		Peers:           c.registry.Len(),
		Connected:       connected,
		PendingRequests: len(c.requests),
		Messages:        c.messages.Len(),
		Unsent:          len(c.messages.UnsentSince(c.messages.HighWater())),
		Advisories:      advisories,
	}
}

// liveEndpoints returns endpoints that hold or are negotiating a connection.
func (c *Controller) liveEndpoints() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ids []string
	for _, peer := range c.registry.Snapshot() {
		if peer.State == StateConnected || peer.State == StateConnectionPending {
			ids = append(ids, peer.EndpointID)
		}
	}
	sort.Strings(ids)
	return ids
}

func (c *Controller) recordAdvisoryLocked(op TransportOp, endpointID, reason string) {
	c.advisories = append(c.advisories, Advisory{
		Op:         op,
		EndpointID: endpointID,
		Reason:     reason,
		At:         c.now(),
	})
	if len(c.advisories) > maxAdvisories {
		c.advisories = c.advisories[len(c.advisories)-maxAdvisories:]
	}
	c.notify.publish(ChangeStatus)
}

func (c *Controller) sortedRequestsLocked() []ConnectionRequest {
	out := make([]ConnectionRequest, 0, len(c.requests))
	for _, request := range c.requests {
		out = append(out, request)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].EndpointID < out[j].EndpointID
		}
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	return out
}
