package network

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"
)

func TestHelloExchangeDerivesMatchingTokens(t *testing.T) {
	server, err := Listen("127.0.0.1:0", HandshakeOptions{
		Identity: LocalIdentity{DeviceID: "server-device", DeviceName: "Server"},
	})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer func() {
		_ = server.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := Dial(ctx, []string{server.Addr().String()}, HandshakeOptions{
		Identity: LocalIdentity{DeviceID: "client-device", DeviceName: "Client"},
	})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	var inbound *PeerConnection
	select {
	case inbound = <-server.Incoming():
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for inbound connection")
	}
	defer func() {
		_ = inbound.Close()
	}()

	if client.PeerDeviceID() != "server-device" || inbound.PeerDeviceID() != "client-device" {
		t.Fatalf("unexpected peer ids: %q %q", client.PeerDeviceID(), inbound.PeerDeviceID())
	}
	if inbound.PeerDeviceName() != "Client" {
		t.Fatalf("unexpected inbound peer name %q", inbound.PeerDeviceName())
	}
	if !client.Outgoing() || inbound.Outgoing() {
		t.Fatalf("unexpected connection directions")
	}
	if len(client.AuthenticationToken()) != 4 || client.AuthenticationToken() != inbound.AuthenticationToken() {
		t.Fatalf("tokens differ: %q vs %q", client.AuthenticationToken(), inbound.AuthenticationToken())
	}
}

func TestServerRejectsUnsupportedVersion(t *testing.T) {
	server, err := Listen("127.0.0.1:0", HandshakeOptions{
		Identity: LocalIdentity{DeviceID: "server-device", DeviceName: "Server"},
	})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer func() {
		_ = server.Close()
	}()

	conn, err := net.DialTimeout("tcp", server.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer func() {
		_ = conn.Close()
	}()

	hello := buildHello(LocalIdentity{DeviceID: "old-device", DeviceName: "Old"}, []byte{1}, TypeHello)
	hello.ProtocolVersion = ProtocolVersion + 1
	payload, _ := EncodeJSON(hello)
	if err := WriteFrame(conn, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	response, err := ReadFrameWithTimeout(conn, 2*time.Second)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	var remote ErrorMessage
	if err := json.Unmarshal(response, &remote); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if remote.Code != "version_mismatch" || len(remote.SupportedVersions) != 1 {
		t.Fatalf("unexpected error response: %+v", remote)
	}
}

func TestDialRequiresAddress(t *testing.T) {
	_, err := Dial(context.Background(), nil, HandshakeOptions{
		Identity: LocalIdentity{DeviceID: "client-device", DeviceName: "Client"},
	})
	if err == nil {
		t.Fatalf("expected error without addresses")
	}
}
