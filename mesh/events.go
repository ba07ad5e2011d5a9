package mesh

// Event is one normalized notification from the transport.
//
// The concrete types are EndpointFound, EndpointLost, ConnectionInitiated, ConnectionResult,
// Disconnected, MessageReceived, and TransportFailed.
type Event interface {
	// Endpoint returns the endpoint the event refers to, or "" for mesh-wide events.
	Endpoint() string
	isEvent()
}

// EndpointFound reports a newly discovered endpoint.
type EndpointFound struct {
	EndpointID string
	Name       string
}

// EndpointLost reports that an endpoint left discovery range.
type EndpointLost struct {
	EndpointID string
}

// ConnectionInitiated reports a connection handshake that now awaits accept or reject.
type ConnectionInitiated struct {
	EndpointID          string
	EndpointName        string
	AuthenticationToken string
	IsIncoming          bool
}

// ConnectionResult reports the outcome of a pending connection.
type ConnectionResult struct {
	EndpointID string
	Success    bool
	Reason     string
}

// Disconnected reports that an established connection ended.
type Disconnected struct {
	EndpointID string
}

// MessageReceived carries raw bytes from a connected endpoint.
type MessageReceived struct {
	EndpointID string
	Payload    []byte
}

// TransportFailed reports a failed transport call. EndpointID is empty for
// discovery/advertising failures.
type TransportFailed struct {
	Op         TransportOp
	EndpointID string
	Reason     string
}

// TransportOp names a transport capability call.
type TransportOp string

const (
	OpStartDiscovering  TransportOp = "start_discovering"
	OpStopDiscovering   TransportOp = "stop_discovering"
	OpStartAdvertising  TransportOp = "start_advertising"
	OpStopAdvertising   TransportOp = "stop_advertising"
	OpRequestConnection TransportOp = "request_connection"
	OpAcceptConnection  TransportOp = "accept_connection"
	OpRejectConnection  TransportOp = "reject_connection"
	OpDisconnect        TransportOp = "disconnect"
	OpSend              TransportOp = "send"
)

func (e EndpointFound) Endpoint() string       { return e.EndpointID }
func (e EndpointLost) Endpoint() string        { return e.EndpointID }
func (e ConnectionInitiated) Endpoint() string { return e.EndpointID }
func (e ConnectionResult) Endpoint() string    { return e.EndpointID }
func (e Disconnected) Endpoint() string        { return e.EndpointID }
func (e MessageReceived) Endpoint() string     { return e.EndpointID }
func (e TransportFailed) Endpoint() string     { return e.EndpointID }

func (EndpointFound) isEvent()       {}
func (EndpointLost) isEvent()        {}
func (ConnectionInitiated) isEvent() {}
func (ConnectionResult) isEvent()    {}
func (Disconnected) isEvent()        {}
func (MessageReceived) isEvent()     {}
func (TransportFailed) isEvent()     {}
