package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (1 MiB).
	MaxFrameSize = 1 << 20
	// DefaultConnectionTimeout bounds TCP dial/handshake duration.
	DefaultConnectionTimeout = 10 * time.Second
	// DefaultKeepAliveInterval sends ping on idle connections.
	DefaultKeepAliveInterval = 15 * time.Second
	// DefaultKeepAliveTimeout waits this long for pong after ping.
	DefaultKeepAliveTimeout = 10 * time.Second
	// DefaultFrameReadTimeout bounds each frame read.
	DefaultFrameReadTimeout = 30 * time.Second
)

const (
	TypeHello         = "hello"
	TypeHelloResponse = "hello_response"
	TypeAccept        = "accept"
	TypeReject        = "reject"
	TypeData          = "data"
	TypePing          = "ping"
	TypePong          = "pong"
	TypeDisconnect    = "disconnect"
	TypeError         = "error"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
)

// LocalIdentity contains local device values announced in the hello exchange.
type LocalIdentity struct {
	DeviceID   string
	DeviceName string
}

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// HelloMessage opens a connection and carries the sender's ephemeral X25519 key. The listener
// answers with the same shape and TypeHelloResponse.
type HelloMessage struct {
	Type            string `json:"type"`
	DeviceID        string `json:"device_id"`
	DeviceName      string `json:"device_name"`
	X25519PublicKey string `json:"x25519_public_key"`
	ProtocolVersion int    `json:"protocol_version"`
	Timestamp       int64  `json:"timestamp"`
}

// DecisionMessage carries one side's accept or reject of a pending connection.
type DecisionMessage struct {
	Type         string `json:"type"`
	FromDeviceID string `json:"from_device_id"`
	Timestamp    int64  `json:"timestamp"`
}

// DataMessage is one sealed application payload.
type DataMessage struct {
	Type       string `json:"type"`
	Sequence   uint64 `json:"sequence"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// DisconnectMessage signals graceful disconnect.
type DisconnectMessage struct {
	Type         string `json:"type"`
	FromDeviceID string `json:"from_device_id"`
	Timestamp    int64  `json:"timestamp"`
}

// PingMessage is a keep-alive ping.
type PingMessage struct {
	Type         string `json:"type"`
	FromDeviceID string `json:"from_device_id"`
	Timestamp    int64  `json:"timestamp"`
}

// PongMessage is a keep-alive pong response.
type PongMessage struct {
	Type         string `json:"type"`
	FromDeviceID string `json:"from_device_id"`
	Timestamp    int64  `json:"timestamp"`
}

// ErrorMessage reports protocol errors.
type ErrorMessage struct {
	Type              string `json:"type"`
	Code              string `json:"code"`
	Message           string `json:"message"`
	SupportedVersions []int  `json:"supported_versions,omitempty"`
	Timestamp         int64  `json:"timestamp"`
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}

func decodeHello(payload []byte, expectedType string) (HelloMessage, error) {
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return HelloMessage{}, err
	}
	if msgType == TypeError {
		var remote ErrorMessage
		if err := json.Unmarshal(payload, &remote); err != nil {
			return HelloMessage{}, fmt.Errorf("decode remote error response: %w", err)
		}
		if remote.Code == "version_mismatch" {
			return HelloMessage{}, ErrUnsupportedVersion
		}
		return HelloMessage{}, fmt.Errorf("remote error [%s]: %s", remote.Code, remote.Message)
	}
	if msgType != expectedType {
		return HelloMessage{}, fmt.Errorf("expected %q, got %q", expectedType, msgType)
	}

	var msg HelloMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return HelloMessage{}, fmt.Errorf("decode %s: %w", expectedType, err)
	}
	if msg.DeviceID == "" {
		return HelloMessage{}, fmt.Errorf("%s without device id", expectedType)
	}
	if msg.ProtocolVersion != ProtocolVersion {
		return msg, ErrUnsupportedVersion
	}
	return msg, nil
}
