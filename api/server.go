// Package api exposes the local operator surface over HTTP: session queries, operator actions
// and a websocket stream of change notifications.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"resqmesh/mesh"
)

const (
	// DefaultMessageLimit is used when /api/messages has no limit parameter.
	DefaultMessageLimit = 50
	// MaxMessageLimit caps the limit parameter.
	MaxMessageLimit = 500

	eventWriteTimeout  = 5 * time.Second
	eventPingInterval  = 30 * time.Second
	subscriptionBuffer = 16
)

// Core is the session surface the API drives.
type Core interface {
	Status() mesh.Status
	Peers() []mesh.Peer
	ConnectedPeers() []mesh.Peer
	PendingRequests() []mesh.ConnectionRequest
	RecentMessages(n int) []mesh.Message
	Activate() error
	Deactivate() error
	AcceptRequest(endpointID string) error
	RejectRequest(endpointID string) error
	Connect(endpointID string) error
	Subscribe(buffer int) (<-chan mesh.Change, func())
}

// Server is the operator API.
type Server struct {
	core     Core
	echo     *echo.Echo
	upgrader websocket.Upgrader
	log      logrus.FieldLogger
}

// NewServer builds the API and registers its routes.
func NewServer(core Core, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		core: core,
		echo: e,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log.WithField("component", "api"),
	}

	e.Use(middleware.Recover())
	e.Use(s.requestLogger)
	s.routes()
	return s
}

func (s *Server) routes() {
	g := s.echo.Group("/api")
	g.GET("/status", s.getStatus)
	g.GET("/peers", s.getPeers)
	g.GET("/requests", s.getRequests)
	g.GET("/messages", s.getMessages)
	g.GET("/events", s.streamEvents)

	g.POST("/activate", s.activate)
	g.POST("/deactivate", s.deactivate)
	g.POST("/requests/:id/accept", s.acceptRequest)
	g.POST("/requests/:id/reject", s.rejectRequest)
	g.POST("/peers/:id/connect", s.connectPeer)
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on address until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start(address string) error {
	s.log.WithField("address", address).Info("operator api listening")
	if err := s.echo.Start(address); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		s.log.WithFields(logrus.Fields{
			"method":   c.Request().Method,
			"path":     c.Path(),
			"status":   c.Response().Status,
			"duration": time.Since(start).String(),
		}).Debug("api request")
		return nil
	}
}

func successResponse(message string, data interface{}) map[string]interface{} {
	response := map[string]interface{}{
		"status":  "success",
		"message": message,
	}
	if data != nil {
		response["data"] = data
	}
	return response
}

func listResponse(items interface{}, count int) map[string]interface{} {
	return map[string]interface{}{
		"items": items,
		"count": count,
	}
}

// statusFor maps session errors to HTTP errors.
func statusFor(err error) error {
	switch {
	case errors.Is(err, mesh.ErrUnknownRequest), errors.Is(err, mesh.ErrUnknownPeer):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, mesh.ErrNotConnectable):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, mesh.ErrClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) getStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.core.Status())
}

// getPeers lists every known peer, or only the broadcast set with ?state=connected.
func (s *Server) getPeers(c echo.Context) error {
	var peers []mesh.Peer
	switch state := c.QueryParam("state"); state {
	case "":
		peers = s.core.Peers()
	case "connected":
		peers = s.core.ConnectedPeers()
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unsupported state filter "+strconv.Quote(state))
	}
	return c.JSON(http.StatusOK, listResponse(peers, len(peers)))
}

func (s *Server) getRequests(c echo.Context) error {
	requests := s.core.PendingRequests()
	return c.JSON(http.StatusOK, listResponse(requests, len(requests)))
}

func (s *Server) getMessages(c echo.Context) error {
	limit := DefaultMessageLimit
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = min(parsed, MaxMessageLimit)
	}
	messages := s.core.RecentMessages(limit)
	return c.JSON(http.StatusOK, listResponse(messages, len(messages)))
}

func (s *Server) activate(c echo.Context) error {
	if err := s.core.Activate(); err != nil {
		return statusFor(err)
	}
	return c.JSON(http.StatusOK, successResponse("mesh activated", s.core.Status()))
}

func (s *Server) deactivate(c echo.Context) error {
	if err := s.core.Deactivate(); err != nil {
		return statusFor(err)
	}
	return c.JSON(http.StatusOK, successResponse("mesh deactivated", s.core.Status()))
}

func (s *Server) acceptRequest(c echo.Context) error {
	id := c.Param("id")
	if err := s.core.AcceptRequest(id); err != nil {
		return statusFor(err)
	}
	return c.JSON(http.StatusOK, successResponse("request accepted", nil))
}

func (s *Server) rejectRequest(c echo.Context) error {
	id := c.Param("id")
	if err := s.core.RejectRequest(id); err != nil {
		return statusFor(err)
	}
	return c.JSON(http.StatusOK, successResponse("request rejected", nil))
}

func (s *Server) connectPeer(c echo.Context) error {
	id := c.Param("id")
	if err := s.core.Connect(id); err != nil {
		return statusFor(err)
	}
	return c.JSON(http.StatusAccepted, successResponse("connection requested", nil))
}

// streamEvents forwards change notifications until the client goes away or the session closes.
func (s *Server) streamEvents(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.WithError(err).Debug("websocket upgrade failed")
		return nil
	}
	defer conn.Close()

	changes, unsubscribe := s.core.Subscribe(subscriptionBuffer)
	defer unsubscribe()

	// The read side only exists to notice the client closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return nil
		case change, ok := <-changes:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
					time.Now().Add(eventWriteTimeout))
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteJSON(change); err != nil {
				s.log.WithError(err).Debug("event stream write failed")
				return nil
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteTimeout)); err != nil {
				return nil
			}
		}
	}
}
