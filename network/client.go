package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"resqmesh/crypto"
)

// Dial connects to a peer, performs the hello exchange, and returns a pending PeerConnection.
// Addresses are tried in order until one answers.
func Dial(ctx context.Context, addresses []string, options HandshakeOptions) (*PeerConnection, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}
	if len(addresses) == 0 {
		return nil, errors.New("no address to dial")
	}

	dialer := net.Dialer{Timeout: opts.ConnectionTimeout}
	var lastErr error
	for _, address := range addresses {
		conn, err := dialer.DialContext(ctx, "tcp", address)
		if err != nil {
			lastErr = fmt.Errorf("dial %q: %w", address, err)
			continue
		}
		pc, err := clientHandshake(ctx, conn, opts)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		return pc, nil
	}
	return nil, lastErr
}

func clientHandshake(ctx context.Context, conn net.Conn, opts HandshakeOptions) (*PeerConnection, error) {
	deadline := time.Now().Add(opts.ConnectionTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	localEphemeralPrivateKey, localEphemeralPublicKey, err := crypto.GenerateEphemeralX25519KeyPair()
	if err != nil {
		return nil, err
	}

	payload, err := EncodeJSON(buildHello(opts.Identity, localEphemeralPublicKey, TypeHello))
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(conn, payload); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}

	responsePayload, err := ReadFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("read hello response: %w", err)
	}
	response, err := decodeHello(responsePayload, TypeHelloResponse)
	if err != nil {
		return nil, err
	}

	secrets, err := deriveSession(localEphemeralPrivateKey, response.X25519PublicKey, opts.Identity.DeviceID, response.DeviceID)
	if err != nil {
		return nil, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	return newPeerConnection(conn, secrets, opts.connectionOptions(response, true))
}
