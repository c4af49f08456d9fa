// Package wsbus - WebSocket transport for the detection bus.
//
// The producer binds a Server on a well-known host:port; any number of
// Clients connect to it. Each connection is a hub subscription with its own
// bounded queue and writer goroutine, so a slow or dead connection never
// stalls the producer or the other connections.
package wsbus

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nvr-ai/go-detbus/bus"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	// DefaultEndpoint is the address the producer binds by default.
	DefaultEndpoint = "localhost:5555"
	// DefaultPath is the HTTP path that is upgraded to a WebSocket.
	DefaultPath = "/detections"
	// DefaultWriteTimeout bounds a single frame write to one subscriber.
	DefaultWriteTimeout = 5 * time.Second
)

// ServerConfig configures a Server.
type ServerConfig struct {
	// Endpoint is the host:port to bind.
	Endpoint string
	// Path is the upgrade path.
	Path string
	// HighWaterMark is the per-connection queue length.
	HighWaterMark int
	// Binary sends binary frames instead of text frames.
	Binary bool
	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration
}

// Server is the producer-side endpoint. It implements bus.Broadcaster.
type Server struct {
	cfg      ServerConfig
	hub      *bus.Hub
	listener net.Listener
	http     *http.Server
	upgrader websocket.Upgrader
	logger   *zap.Logger

	// mu orders connection goroutine registration against Close.
	mu        sync.Mutex
	closing   bool
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Listen binds the endpoint and starts accepting subscribers.
//
// Arguments:
//   - cfg: The server configuration.
//   - logger: The logger, nil for none.
//
// Returns:
//   - *Server: The running server.
//   - error: An error if the endpoint cannot be bound.
func Listen(cfg ServerConfig, logger *zap.Logger) (*Server, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	listener, err := net.Listen("tcp", cfg.Endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "bind %s", cfg.Endpoint)
	}

	s := &Server{
		cfg:      cfg,
		hub:      bus.NewHub(cfg.HighWaterMark, logger),
		listener: listener,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handle)
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("websocket server stopped", zap.Error(err))
		}
	}()

	logger.Info("detection bus listening",
		zap.String("endpoint", listener.Addr().String()),
		zap.String("path", cfg.Path))
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// URL returns the ws:// URL subscribers dial.
func (s *Server) URL() string {
	return "ws://" + s.Addr() + s.cfg.Path
}

// Subscribers returns the number of attached connections.
func (s *Server) Subscribers() int {
	return s.hub.Len()
}

// Stats returns per-connection delivery counters.
func (s *Server) Stats() map[string]bus.SubscriberStats {
	return s.hub.Stats()
}

// Broadcast implements bus.Broadcaster.
func (s *Server) Broadcast(msg []byte) error {
	return s.hub.Broadcast(msg)
}

// Close stops accepting subscribers, disconnects the attached ones and
// waits for their writers to exit.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()

		s.closeErr = multierr.Combine(
			s.hub.Close(),
			s.http.Close(),
		)
		s.wg.Wait()
		s.logger.Info("detection bus closed", zap.String("endpoint", s.Addr()))
	})
	return s.closeErr
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	// The subscription exists before the handshake completes so a client
	// whose Dial has returned is guaranteed to see the next broadcast.
	sub, err := s.hub.Subscribe()
	if err != nil {
		http.Error(w, "bus closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = sub.Close()
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		_ = sub.Close()
		_ = conn.Close()
		return
	}

	s.logger.Info("subscriber connected",
		zap.String("subscriber", sub.ID()),
		zap.String("remote", r.RemoteAddr))

	s.wg.Add(2)
	go s.write(conn, sub)
	go s.read(conn, sub)
}

// write drains one subscription onto its connection in order.
func (s *Server) write(conn *websocket.Conn, sub *bus.Subscription) {
	defer s.wg.Done()
	defer conn.Close()

	messageType := websocket.TextMessage
	if s.cfg.Binary {
		messageType = websocket.BinaryMessage
	}

	for {
		msg, err := sub.Receive()
		if err != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(time.Second))
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if err := conn.WriteMessage(messageType, msg); err != nil {
			s.logger.Debug("subscriber write failed",
				zap.String("subscriber", sub.ID()),
				zap.Error(err))
			_ = sub.Close()
			return
		}
	}
}

// read consumes control frames and detaches the subscription once the peer
// goes away.
func (s *Server) read(conn *websocket.Conn, sub *bus.Subscription) {
	defer s.wg.Done()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			stats := sub.Stats()
			_ = sub.Close()
			s.logger.Info("subscriber disconnected",
				zap.String("subscriber", sub.ID()),
				zap.Uint64("sent", stats.Sent),
				zap.Uint64("dropped", stats.Dropped))
			return
		}
	}
}
