package mesh

import "time"

// PeerState is the connection lifecycle state of one endpoint.
type PeerState string

const (
	StateDiscovered        PeerState = "DISCOVERED"
	StateConnectionPending PeerState = "CONNECTION_PENDING"
	StateConnected         PeerState = "CONNECTED"
	StateDisconnected      PeerState = "DISCONNECTED"
)

// Peer is one discovered, connecting, or connected remote device.
type Peer struct {
	EndpointID   string    `json:"endpoint_id"`
	DisplayName  string    `json:"display_name"`
	State        PeerState `json:"state"`
	DiscoveredAt time.Time `json:"discovered_at"`
	ConnectedAt  time.Time `json:"connected_at,omitzero"`
}

// ConnectionRequest is an incoming invitation waiting for an operator decision.
type ConnectionRequest struct {
	EndpointID          string    `json:"endpoint_id"`
	EndpointName        string    `json:"endpoint_name"`
	AuthenticationToken string    `json:"authentication_token"`
	IsIncoming          bool      `json:"is_incoming"`
	ReceivedAt          time.Time `json:"received_at"`
}
