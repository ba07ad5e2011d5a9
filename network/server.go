package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"resqmesh/crypto"
)

// Server accepts inbound TCP sessions and upgrades them to pending PeerConnections.
type Server struct {
	listener net.Listener
	options  HandshakeOptions

	incoming chan *PeerConnection
	errs     chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and hello accept loop.
func Listen(address string, options HandshakeOptions) (*Server, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}

	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		listener: listener,
		options:  opts,
		incoming: make(chan *PeerConnection, 16),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the listening TCP port.
func (s *Server) Port() int {
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Incoming returns connections that completed the hello exchange.
func (s *Server) Incoming() <-chan *PeerConnection {
	return s.incoming
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting and closes all server channels.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()
		close(s.incoming)
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			s.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

func (s *Server) handleInboundConn(conn net.Conn) {
	defer s.wg.Done()

	closeConn := true
	defer func() {
		if closeConn {
			_ = conn.Close()
		}
	}()

	if err := conn.SetDeadline(time.Now().Add(s.options.ConnectionTimeout)); err != nil {
		s.reportError(fmt.Errorf("set handshake deadline: %w", err))
		return
	}

	helloPayload, err := ReadFrame(conn)
	if err != nil {
		s.reportError(fmt.Errorf("read hello: %w", err))
		return
	}
	hello, err := decodeHello(helloPayload, TypeHello)
	if errors.Is(err, ErrUnsupportedVersion) {
		_ = sendError(conn, makeVersionMismatchError(hello.ProtocolVersion))
		return
	}
	if err != nil {
		_ = sendError(conn, ErrorMessage{
			Type:      TypeError,
			Code:      "invalid_hello",
			Message:   err.Error(),
			Timestamp: time.Now().UnixMilli(),
		})
		s.reportError(err)
		return
	}
	if hello.DeviceID == s.options.Identity.DeviceID {
		s.reportError(errors.New("rejected hello from own device id"))
		return
	}

	localEphemeralPrivateKey, localEphemeralPublicKey, err := crypto.GenerateEphemeralX25519KeyPair()
	if err != nil {
		s.reportError(err)
		return
	}

	secrets, err := deriveSession(localEphemeralPrivateKey, hello.X25519PublicKey, s.options.Identity.DeviceID, hello.DeviceID)
	if err != nil {
		s.reportError(err)
		return
	}

	responsePayload, err := EncodeJSON(buildHello(s.options.Identity, localEphemeralPublicKey, TypeHelloResponse))
	if err != nil {
		s.reportError(err)
		return
	}
	if err := WriteFrame(conn, responsePayload); err != nil {
		s.reportError(fmt.Errorf("write hello response: %w", err))
		return
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		s.reportError(fmt.Errorf("clear handshake deadline: %w", err))
		return
	}

	peerConnection, err := newPeerConnection(conn, secrets, s.options.connectionOptions(hello, false))
	if err != nil {
		s.reportError(err)
		return
	}

	closeConn = false
	select {
	case s.incoming <- peerConnection:
	case <-s.closed:
		_ = peerConnection.Close()
	}
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}

	// Accept loop shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) {
		return
	}

	select {
	case s.errs <- err:
	default:
	}
}
