package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"resqmesh/crypto"
)

var (
	// ErrSequenceReplay indicates a non-monotonic sequence value.
	ErrSequenceReplay = errors.New("network: sequence replay detected")
	// ErrPongTimeout indicates keep-alive timed out waiting for pong.
	ErrPongTimeout = errors.New("network: pong timeout")
	// ErrNotEstablished indicates data was sent before both sides accepted.
	ErrNotEstablished = errors.New("network: connection not established")
)

// ConnectionState represents the lifecycle state of one peer connection.
type ConnectionState string

const (
	// StatePending means the hello exchange finished and both sides still have to accept.
	StatePending       ConnectionState = "PENDING"
	StateEstablished   ConnectionState = "ESTABLISHED"
	StateDisconnecting ConnectionState = "DISCONNECTING"
	StateDisconnected  ConnectionState = "DISCONNECTED"
)

// ConnectionOptions controls runtime behavior of PeerConnection.
type ConnectionOptions struct {
	LocalDeviceID  string
	PeerDeviceID   string
	PeerDeviceName string
	// Outgoing is true on the side that dialed.
	Outgoing bool

	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	AutoRespondPing   bool
}

// PeerConnection manages a framed TCP session after the hello exchange.
type PeerConnection struct {
	conn   net.Conn
	sealer *crypto.Sealer
	token  string

	localDeviceID  string
	peerDeviceID   string
	peerDeviceName string
	outgoing       bool

	sequenceMu   sync.Mutex
	sendSequence uint64
	lastSeenSeq  uint64

	sendMu sync.Mutex

	stateMu sync.RWMutex
	state   ConnectionState

	waitMu       sync.Mutex
	waitingPong  bool
	pongDeadline time.Time

	lastActivity atomic.Int64

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	frameReadTimeout  time.Duration
	autoRespondPing   bool

	inbound chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newPeerConnection(conn net.Conn, secrets sessionSecrets, options ConnectionOptions) (*PeerConnection, error) {
	sealer, err := crypto.NewSealer(secrets.key)
	if err != nil {
		return nil, err
	}

	interval := options.KeepAliveInterval
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}

	timeout := options.KeepAliveTimeout
	if timeout <= 0 {
		timeout = DefaultKeepAliveTimeout
	}

	readTimeout := options.FrameReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultFrameReadTimeout
	}

	pc := &PeerConnection{
		conn:              conn,
		sealer:            sealer,
		token:             secrets.token,
		localDeviceID:     options.LocalDeviceID,
		peerDeviceID:      options.PeerDeviceID,
		peerDeviceName:    options.PeerDeviceName,
		outgoing:          options.Outgoing,
		keepAliveInterval: interval,
		keepAliveTimeout:  timeout,
		frameReadTimeout:  readTimeout,
		autoRespondPing:   options.AutoRespondPing,
		inbound:           make(chan []byte, 64),
		closed:            make(chan struct{}),
		state:             StatePending,
	}

	pc.touchActivity()
	go pc.readLoop()
	go pc.keepAliveLoop()

	return pc, nil
}

// PeerDeviceID returns the remote device id from the hello exchange.
func (pc *PeerConnection) PeerDeviceID() string { return pc.peerDeviceID }

// PeerDeviceName returns the remote device name from the hello exchange.
func (pc *PeerConnection) PeerDeviceName() string { return pc.peerDeviceName }

// AuthenticationToken returns the short code both sides derived from the key exchange.
func (pc *PeerConnection) AuthenticationToken() string { return pc.token }

// Outgoing reports whether this side dialed.
func (pc *PeerConnection) Outgoing() bool { return pc.outgoing }

// State returns the current connection state.
func (pc *PeerConnection) State() ConnectionState {
	pc.stateMu.RLock()
	defer pc.stateMu.RUnlock()
	return pc.state
}

// MarkEstablished records that both sides accepted. Data frames flow only after this.
func (pc *PeerConnection) MarkEstablished() {
	pc.stateMu.Lock()
	defer pc.stateMu.Unlock()
	if pc.state == StatePending {
		pc.state = StateEstablished
	}
}

// Done is closed when the connection is fully disconnected.
func (pc *PeerConnection) Done() <-chan struct{} {
	return pc.closed
}

// LastError returns the terminal connection error, if any.
func (pc *PeerConnection) LastError() error {
	pc.errMu.RLock()
	defer pc.errMu.RUnlock()
	return pc.closeErr
}

// SendDecision sends an accept or reject control frame.
func (pc *PeerConnection) SendDecision(accept bool) error {
	msgType := TypeReject
	if accept {
		msgType = TypeAccept
	}
	return pc.SendMessage(DecisionMessage{
		Type:         msgType,
		FromDeviceID: pc.localDeviceID,
		Timestamp:    time.Now().UnixMilli(),
	})
}

// SendData seals payload and writes it as one data frame.
func (pc *PeerConnection) SendData(payload []byte) error {
	if pc.State() != StateEstablished {
		return ErrNotEstablished
	}

	sequence := pc.nextSendSequence()
	ciphertext, nonce, err := pc.sealer.Seal(payload, dataAAD(pc.localDeviceID, sequence))
	if err != nil {
		return err
	}
	return pc.SendMessage(DataMessage{
		Type:       TypeData,
		Sequence:   sequence,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	})
}

// OpenData authenticates and decrypts an inbound data frame.
func (pc *PeerConnection) OpenData(frame []byte) ([]byte, error) {
	var msg DataMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, fmt.Errorf("decode data frame: %w", err)
	}
	plaintext, err := pc.sealer.Open(msg.Nonce, msg.Ciphertext, dataAAD(pc.peerDeviceID, msg.Sequence))
	if err != nil {
		return nil, err
	}
	if err := pc.validateSequence(msg.Sequence); err != nil {
		return nil, err
	}
	return plaintext, nil
}

func dataAAD(senderDeviceID string, sequence uint64) []byte {
	return []byte(TypeData + "|" + senderDeviceID + "|" + strconv.FormatUint(sequence, 10))
}

func (pc *PeerConnection) nextSendSequence() uint64 {
	pc.sequenceMu.Lock()
	defer pc.sequenceMu.Unlock()
	pc.sendSequence++
	return pc.sendSequence
}

func (pc *PeerConnection) validateSequence(sequence uint64) error {
	pc.sequenceMu.Lock()
	defer pc.sequenceMu.Unlock()

	if sequence <= pc.lastSeenSeq {
		return ErrSequenceReplay
	}
	pc.lastSeenSeq = sequence
	return nil
}

// SendMessage marshals a protocol message and writes it as one frame.
func (pc *PeerConnection) SendMessage(message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return pc.sendRaw(payload)
}

func (pc *PeerConnection) sendRaw(payload []byte) error {
	if pc.State() == StateDisconnected {
		if err := pc.LastError(); err != nil {
			return err
		}
		return io.EOF
	}

	pc.sendMu.Lock()
	defer pc.sendMu.Unlock()
	if err := WriteFrame(pc.conn, payload); err != nil {
		if !errors.Is(err, ErrFrameTooLarge) {
			pc.closeWithError(err)
		}
		return err
	}

	pc.touchActivity()
	return nil
}

// ReceiveMessage waits for the next non-keepalive inbound protocol frame.
func (pc *PeerConnection) ReceiveMessage(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-pc.inbound:
		return payload, nil
	case <-pc.closed:
		// Drain frames that arrived before the close.
		select {
		case payload := <-pc.inbound:
			return payload, nil
		default:
		}
		if err := pc.LastError(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Disconnect sends a disconnect frame and closes the connection.
func (pc *PeerConnection) Disconnect() error {
	pc.setState(StateDisconnecting)

	_ = pc.SendMessage(DisconnectMessage{
		Type:         TypeDisconnect,
		FromDeviceID: pc.localDeviceID,
		Timestamp:    time.Now().UnixMilli(),
	})

	return pc.Close()
}

// Close terminates the connection.
func (pc *PeerConnection) Close() error {
	pc.closeWithError(nil)
	return nil
}

func (pc *PeerConnection) readLoop() {
	for {
		select {
		case <-pc.closed:
			return
		default:
		}

		payload, err := ReadFrameWithTimeout(pc.conn, pc.frameReadTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				pc.closeWithError(nil)
				return
			}

			pc.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}

		pc.touchActivity()
		if len(payload) == 0 {
			continue
		}

		msgType, err := DecodeMessageType(payload)
		if err != nil {
			continue
		}

		switch msgType {
		case TypePing:
			if pc.autoRespondPing {
				_ = pc.SendMessage(PongMessage{
					Type:         TypePong,
					FromDeviceID: pc.localDeviceID,
					Timestamp:    time.Now().UnixMilli(),
				})
			}
		case TypePong:
			pc.ackPong()
		case TypeDisconnect:
			pc.setState(StateDisconnecting)
			pc.closeWithError(nil)
			return
		default:
			select {
			case pc.inbound <- payload:
			case <-pc.closed:
				return
			}
		}
	}
}

func (pc *PeerConnection) keepAliveLoop() {
	checkEvery := pc.keepAliveInterval / 2
	if checkEvery <= 0 {
		checkEvery = pc.keepAliveInterval
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if pc.State() == StateDisconnected {
				return
			}

			if pc.waitingPongExpired() {
				pc.closeWithError(ErrPongTimeout)
				return
			}

			idleFor := time.Since(time.Unix(0, pc.lastActivity.Load()))
			if idleFor < pc.keepAliveInterval || pc.isWaitingPong() {
				continue
			}

			if err := pc.SendMessage(PingMessage{
				Type:         TypePing,
				FromDeviceID: pc.localDeviceID,
				Timestamp:    time.Now().UnixMilli(),
			}); err != nil {
				return
			}
			pc.setWaitingPong(time.Now().Add(pc.keepAliveTimeout))
		case <-pc.closed:
			return
		}
	}
}

func (pc *PeerConnection) setState(state ConnectionState) {
	pc.stateMu.Lock()
	defer pc.stateMu.Unlock()
	pc.state = state
}

func (pc *PeerConnection) touchActivity() {
	pc.lastActivity.Store(time.Now().UnixNano())
}

func (pc *PeerConnection) setWaitingPong(deadline time.Time) {
	pc.waitMu.Lock()
	defer pc.waitMu.Unlock()
	pc.waitingPong = true
	pc.pongDeadline = deadline
}

func (pc *PeerConnection) ackPong() {
	pc.waitMu.Lock()
	defer pc.waitMu.Unlock()
	pc.waitingPong = false
	pc.pongDeadline = time.Time{}
}

func (pc *PeerConnection) isWaitingPong() bool {
	pc.waitMu.Lock()
	defer pc.waitMu.Unlock()
	return pc.waitingPong
}

func (pc *PeerConnection) waitingPongExpired() bool {
	pc.waitMu.Lock()
	defer pc.waitMu.Unlock()
	return pc.waitingPong && time.Now().After(pc.pongDeadline)
}

func (pc *PeerConnection) closeWithError(err error) {
	pc.closeOnce.Do(func() {
		pc.errMu.Lock()
		pc.closeErr = err
		pc.errMu.Unlock()

		pc.setState(StateDisconnected)
		_ = pc.conn.Close()
		close(pc.closed)
	})
}
