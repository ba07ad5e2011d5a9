package network

import (
	"crypto/ecdh"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"time"

	"resqmesh/crypto"
)

// HandshakeOptions configures the hello exchange and connection behavior.
type HandshakeOptions struct {
	Identity LocalIdentity

	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	AutoRespondPing   *bool
}

func (o HandshakeOptions) withDefaults() HandshakeOptions {
	out := o
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.KeepAliveTimeout <= 0 {
		out.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if out.FrameReadTimeout <= 0 {
		out.FrameReadTimeout = DefaultFrameReadTimeout
	}
	return out
}

func (o HandshakeOptions) validateIdentity() error {
	if o.Identity.DeviceID == "" {
		return errors.New("local device ID is required")
	}
	if o.Identity.DeviceName == "" {
		return errors.New("local device name is required")
	}
	return nil
}

func (o HandshakeOptions) autoRespondPingEnabled() bool {
	if o.AutoRespondPing == nil {
		return true
	}
	return *o.AutoRespondPing
}

func (o HandshakeOptions) connectionOptions(peer HelloMessage, outgoing bool) ConnectionOptions {
	return ConnectionOptions{
		LocalDeviceID:     o.Identity.DeviceID,
		PeerDeviceID:      peer.DeviceID,
		PeerDeviceName:    peer.DeviceName,
		Outgoing:          outgoing,
		KeepAliveInterval: o.KeepAliveInterval,
		KeepAliveTimeout:  o.KeepAliveTimeout,
		FrameReadTimeout:  o.FrameReadTimeout,
		AutoRespondPing:   o.autoRespondPingEnabled(),
	}
}

func buildHello(identity LocalIdentity, ephemeralPublicKey []byte, msgType string) HelloMessage {
	return HelloMessage{
		Type:            msgType,
		DeviceID:        identity.DeviceID,
		DeviceName:      identity.DeviceName,
		X25519PublicKey: base64.StdEncoding.EncodeToString(ephemeralPublicKey),
		ProtocolVersion: ProtocolVersion,
		Timestamp:       time.Now().UnixMilli(),
	}
}

// sessionSecrets holds what both ends derive from one hello exchange.
type sessionSecrets struct {
	key   []byte
	token string
}

func deriveSession(localEphemeralPrivateKey *ecdh.PrivateKey, peerX25519PublicKeyBase64, localDeviceID, peerDeviceID string) (sessionSecrets, error) {
	peerPublicRaw, err := base64.StdEncoding.DecodeString(peerX25519PublicKeyBase64)
	if err != nil {
		return sessionSecrets{}, fmt.Errorf("decode peer ephemeral public key: %w", err)
	}

	sharedSecret, err := crypto.ComputeX25519SharedSecret(localEphemeralPrivateKey, peerPublicRaw)
	if err != nil {
		return sessionSecrets{}, err
	}

	key, err := crypto.DeriveSessionKey(sharedSecret, localDeviceID, peerDeviceID)
	if err != nil {
		return sessionSecrets{}, err
	}
	token, err := crypto.AuthenticationToken(sharedSecret, localDeviceID, peerDeviceID)
	if err != nil {
		return sessionSecrets{}, err
	}
	return sessionSecrets{key: key, token: token}, nil
}

func makeVersionMismatchError(got int) ErrorMessage {
	return ErrorMessage{
		Type:              TypeError,
		Code:              "version_mismatch",
		Message:           fmt.Sprintf("Unsupported protocol version. Expected %d, got %d.", ProtocolVersion, got),
		SupportedVersions: []int{ProtocolVersion},
		Timestamp:         time.Now().UnixMilli(),
	}
}

func sendError(conn net.Conn, message ErrorMessage) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return WriteFrame(conn, payload)
}
