package models

import "time"

// Peer represents a device announced on the local network.
type Peer struct {
	DeviceID   string    `json:"device_id"`
	DeviceName string    `json:"device_name"`
	Version    int       `json:"version"`
	HostName   string    `json:"host_name"`
	Port       int       `json:"port"`
	Addresses  []string  `json:"addresses"`
	LastSeen   time.Time `json:"last_seen"`
}

// Dialable reports whether the peer announced an address and port.
func (p Peer) Dialable() bool {
	return p.Port > 0 && len(p.Addresses) > 0
}
