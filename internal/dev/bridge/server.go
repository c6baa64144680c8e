// Package bridge connects an app running in the browser to the remote
// platform during local development.
//
// Clients speak a small JSON protocol over a WebSocket. Every request
// carries a type and a correlation id; it is handled on its own goroutine
// and answered on the connection it came from. Migration prompts are
// broadcast to every connected client.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/windmill-labs/windmill-sub006/internal/dev/migrate"
)

const writeTimeout = 5 * time.Second

// Server accepts WebSocket clients and serves requests against a Session.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server
	session  *Session

	clients   map[*client]bool
	clientsMu sync.RWMutex
	seq       uint64 // last broadcast sequence number, guarded by clientsMu

	broadcast chan envelope
	register  chan *client

	// ctx outlives individual connections so jobs started by a client
	// keep running after it disconnects
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// inflight tracks request handlers; stopMu orders new handlers
	// against cancel
	inflight sync.WaitGroup
	stopMu   sync.Mutex

	logger zerolog.Logger
}

// Config holds server configuration.
type Config struct {
	// Host to bind (default: localhost)
	Host string

	// Port to listen on; 0 picks a free port
	Port int

	Logger zerolog.Logger
}

// client is one connected socket.
type client struct {
	id   string
	conn *websocket.Conn

	// since is the last broadcast the client was caught up on at
	// registration; older broadcasts are not delivered to it
	since uint64
	ready chan struct{}
}

// envelope is a broadcast numbered in the order it was queued.
type envelope struct {
	seq uint64
	msg Message
}

// NewServer creates a server for session. Queue broadcasts of the session
// are routed to this server's clients.
func NewServer(session *Session, config Config) *Server {
	if config.Host == "" {
		config.Host = "localhost"
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		addr:      net.JoinHostPort(config.Host, fmt.Sprint(config.Port)),
		session:   session,
		clients:   make(map[*client]bool),
		broadcast: make(chan envelope, 100),
		register:  make(chan *client),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger.With().Str("component", "bridge").Logger(),
	}
	session.notifier.attach(s.Broadcast)
	return s
}

// Start begins serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleRoot)

	// No read/write timeouts: sockets stay open for the whole session.
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("Bridge listening")
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Server error")
		}
	}()

	return nil
}

// Stop closes every client and shuts the server down.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping bridge")

	s.stopMu.Lock()
	s.cancel()
	s.stopMu.Unlock()

	s.clientsMu.Lock()
	for c := range s.clients {
		_ = c.conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, c)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	s.inflight.Wait()

	s.logger.Info().Msg("Bridge stopped")
	return nil
}

// Broadcast queues a message for every connected client. It never blocks.
// Clients that register later do not receive it.
func (s *Server) Broadcast(msg Message) {
	s.clientsMu.Lock()
	s.seq++
	env := envelope{seq: s.seq, msg: msg}
	s.clientsMu.Unlock()

	select {
	case s.broadcast <- env:
	case <-s.ctx.Done():
	default:
		s.logger.Warn().Str("type", string(msg.Type)).Msg("Broadcast channel full, dropping message")
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case c := <-s.register:
			s.attach(c)

		case env := <-s.broadcast:
			data, err := json.Marshal(env.msg)
			if err != nil {
				s.logger.Error().Err(err).Msg("Failed to marshal message")
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*client, 0, len(s.clients))
			for c := range s.clients {
				if c.since < env.seq {
					clients = append(clients, c)
				}
			}
			s.clientsMu.RUnlock()

			for _, c := range clients {
				if err := s.write(c, data); err != nil {
					s.logger.Warn().Err(err).Str("client", c.id).Msg("Failed to send to client")
					s.removeClient(c)
				}
			}
		}
	}
}

func (s *Server) write(c *client, data []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// send delivers a message to one client. A client that went away simply
// misses it.
func (s *Server) send(c *client, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error().Err(err).Str("type", string(msg.Type)).Msg("Failed to marshal message")
		return
	}
	if err := s.write(c, data); err != nil {
		s.logger.Debug().Err(err).Str("client", c.id).Str("type", string(msg.Type)).Msg("Dropped response")
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"}, // local development only
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn.SetReadLimit(32 << 20)

	c := &client{id: uuid.NewString(), conn: conn, ready: make(chan struct{})}

	select {
	case s.register <- c:
		<-c.ready
	case <-s.ctx.Done():
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		return
	}

	s.readLoop(c)
}

// attach registers c and brings it up to date on the active migration.
// It runs on the broadcast goroutine, so a presentation sent here is never
// followed by a queued copy of the same broadcast.
func (s *Server) attach(c *client) {
	defer close(c.ready)

	var clientCount int
	s.session.queue.Attach(func() {
		s.clientsMu.Lock()
		c.since = s.seq
		s.clients[c] = true
		clientCount = len(s.clients)
		s.clientsMu.Unlock()
	}, func(p migrate.Presentation) {
		s.send(c, presentationMessage(p))
	})

	s.logger.Info().Str("client", c.id).Int("total", clientCount).Msg("Client connected")
}

// readLoop dispatches every message on its own goroutine until the client
// goes away.
func (s *Server) readLoop(c *client) {
	defer s.removeClient(c)

	for {
		typ, data, err := c.conn.Read(s.ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			s.logger.Warn().Str("client", c.id).Msg("Ignoring binary message")
			continue
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			s.logger.Warn().Err(err).Str("client", c.id).Msg("Dropping malformed message")
			continue
		}

		if !s.spawn(func() { s.dispatch(c, &req) }) {
			return
		}
	}
}

// spawn runs a request handler on its own goroutine unless the server is
// stopping.
func (s *Server) spawn(f func()) bool {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		f()
	}()
	return true
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	if _, exists := s.clients[c]; exists {
		delete(s.clients, c)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = c.conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Info().Str("client", c.id).Int("total", clientCount).Msg("Client disconnected")
	} else {
		s.clientsMu.Unlock()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var active any
	if p, ok := s.session.queue.Active(); ok {
		active = p.FileName
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":          "ok",
		"clients":         s.ClientCount(),
		"activeMigration": active,
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>wmill-dev</title>
</head>
<body>
    <h1>wmill-dev bridge</h1>
    <p>App: <code>%s</code></p>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Health check: <a href="/health">/health</a></p>
</body>
</html>`, s.session.jobs.AppPath(), r.Host)
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
