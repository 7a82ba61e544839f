// Package fanout implements the downstream websocket server. Client
// applications connect here to register the accounts they care about and
// receive the confirmation events the gateway relays from the node.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/nanotools/nanogate/internal/config"
	"github.com/nanotools/nanogate/internal/subs"
	"github.com/nanotools/nanogate/pkg/log"
)

// clientCommand is the message downstream clients send to manage their
// interest set.
type clientCommand struct {
	Action  string `json:"action"`
	Account string `json:"account"`
}

// Server accepts downstream websocket clients and bridges them to the
// subscription manager.
type Server struct {
	cfg    *config.Config
	logger *log.Logger
	subs   *subs.Manager

	httpServer *http.Server
	nextID     atomic.Uint64

	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

// NewServer creates a fan-out server.
func NewServer(cfg *config.Config, logger *log.Logger, manager *subs.Manager) *Server {
	s := &Server{
		cfg:    cfg,
		logger: logger.WithComponent("fanout"),
		subs:   manager,
		conns:  make(map[string]*websocket.Conn),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleClient)

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.FanoutAddr, cfg.FanoutPort),
		Handler:     mux,
		ReadTimeout: 0, // websocket connections are long-lived
	}

	return s
}

// Start runs the websocket server until it is shut down.
func (s *Server) Start() error {
	s.logger.Info("fanout listening", "address", s.httpServer.Addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("fanout server failed: %w", err)
	}
	return nil
}

// Shutdown closes all client connections and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down fanout")

	s.mu.Lock()
	for _, ws := range s.conns {
		ws.Close(websocket.StatusGoingAway, "server shutting down")
	}
	s.mu.Unlock()

	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the accept handler for tests.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleClient)
}

// handleClient upgrades one downstream connection and runs it until it drops.
func (s *Server) handleClient(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // clients are local applications, not browsers
	})
	if err != nil {
		s.logger.WithError(err).Debug("websocket accept failed")
		return
	}
	ws.SetReadLimit(1 << 16)

	clientID := fmt.Sprintf("client-%d", s.nextID.Add(1))
	logger := s.logger.WithFields("client_id", clientID)
	logger.LogConnection("client connected", r.RemoteAddr)

	s.mu.Lock()
	s.conns[clientID] = ws
	s.mu.Unlock()

	// The sink is buffered; a client that cannot drain it misses events
	// instead of stalling the relay.
	sink := make(chan []byte, 64)
	s.subs.Attach(clientID, sink)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go s.writeLoop(ctx, ws, sink, logger)
	s.readLoop(ctx, ws, clientID, logger)

	s.subs.Detach(clientID)
	s.mu.Lock()
	delete(s.conns, clientID)
	s.mu.Unlock()

	ws.Close(websocket.StatusNormalClosure, "")
	logger.LogConnection("client disconnected", r.RemoteAddr)
}

// readLoop consumes interest commands until the client disconnects.
func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, clientID string, logger *log.Logger) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}

		var cmd clientCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			logger.Debug("malformed client command", "error", err.Error())
			continue
		}

		switch cmd.Action {
		case "register_account":
			if cmd.Account == "" {
				continue
			}
			s.subs.Register(clientID, cmd.Account)
		case "unregister_account":
			if cmd.Account == "" {
				continue
			}
			s.subs.Unregister(clientID, cmd.Account)
		default:
			logger.Debug("unknown client command", "action", cmd.Action)
		}
	}
}

// writeLoop relays broadcast events to one client.
func (s *Server) writeLoop(ctx context.Context, ws *websocket.Conn, sink <-chan []byte, logger *log.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-sink:
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := ws.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				logger.WithError(err).Debug("client write failed")
				return
			}
		}
	}
}

// ClientCount returns the number of connected downstream clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
