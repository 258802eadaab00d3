package server

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aeolun/parley/pkg/auth"
	"github.com/aeolun/parley/pkg/llm"
	"github.com/aeolun/parley/pkg/store"
)

// Server wires the chat server together: storage, identity, the session
// registry, the room registry and the AI gate, plus the TCP (optionally TLS)
// listener sessions arrive on.
type Server struct {
	config   Config
	db       *store.DB
	ids      IdentityStore
	registry *Registry
	rooms    *Rooms
	gate     *AIGate
	metrics  *Metrics

	listener    net.Listener
	metricsSrv  *http.Server
	wsSrv       *http.Server
	shutdown    chan struct{}
	wg          sync.WaitGroup
	nextSession atomic.Uint64

	connMu   sync.Mutex
	conns    map[net.Conn]struct{}
	sessions sync.WaitGroup
}

// NewServer creates a server instance over an opened database. Metrics are
// only registered when the metrics endpoint is enabled; everything else is
// nil-safe without them.
func NewServer(db *store.DB, config Config) *Server {
	var metrics *Metrics
	if config.MetricsAddr != "" {
		metrics = NewMetrics()
	}
	ids := auth.NewService(db, config.TokenTTL)
	registry := NewRegistry(ids)
	rooms := NewRooms(registry, db.Queue(), metrics)
	completer := llm.NewClient(config.OllamaURL, config.OllamaModel)
	gate := NewAIGate(rooms, completer, metrics)

	return &Server{
		config:   config,
		db:       db,
		ids:      ids,
		registry: registry,
		rooms:    rooms,
		gate:     gate,
		metrics:  metrics,
		shutdown: make(chan struct{}),
		conns:    make(map[net.Conn]struct{}),
	}
}

// Start loads persisted state and starts the listener. Without both TLS
// paths configured the server falls back to plain TCP, which is only
// acceptable behind a terminating proxy or in development.
func (s *Server) Start() error {
	rooms, err := s.db.LoadRooms()
	if err != nil {
		return fmt.Errorf("failed to load rooms: %w", err)
	}
	conversations := make(map[int64][]string, len(rooms))
	for _, room := range rooms {
		log, err := s.db.LoadConversation(room.ID)
		if err != nil {
			return fmt.Errorf("failed to load conversation for room %d: %w", room.ID, err)
		}
		conversations[room.ID] = log
	}
	s.rooms.Load(rooms, conversations, s.config.SeedRooms)

	addr := fmt.Sprintf(":%d", s.config.Port)
	listener, err := s.listen(addr)
	if err != nil {
		return err
	}
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()

	if s.config.MetricsAddr != "" {
		s.startMetricsServer()
	}
	if s.config.WebSocketAddr != "" {
		s.startWebSocketServer()
	}

	return nil
}

// listen opens the client listener, TLS when certificate and key are
// configured.
func (s *Server) listen(addr string) (net.Listener, error) {
	if s.config.TLSCertPath == "" || s.config.TLSKeyPath == "" {
		errorLog.Printf("TLS not configured, listening on %s in plaintext", addr)
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		return listener, nil
	}

	cert, err := tls.LoadX509KeyPair(s.config.TLSCertPath, s.config.TLSKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	listener, err := tls.Listen("tcp", addr, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	debugLog.Printf("TLS listener on %s", addr)
	return listener, nil
}

// Stop closes the listeners, disconnects live sessions and waits for them
// to tear down, then waits for in-flight AI work and flushes the store.
// Session writes queued during teardown land before the final flush.
func (s *Server) Stop() error {
	close(s.shutdown)

	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}
	if s.metricsSrv != nil {
		s.metricsSrv.Close()
	}
	if s.wsSrv != nil {
		s.wsSrv.Close()
	}

	s.wg.Wait()

	s.connMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connMu.Unlock()
	s.sessions.Wait()

	s.gate.Wait()

	return s.db.Close()
}

// Addr returns the client listener address, for tests binding port 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				errorLog.Printf("Accept error: %v", err)
				continue
			}
		}

		go s.handleConnection(conn)
	}
}

// handleConnection runs a session for one accepted connection. The
// connection is tracked so Stop can disconnect it and wait for the session
// goroutine before the store flushes.
func (s *Server) handleConnection(conn net.Conn) {
	if !s.trackConn(conn) {
		conn.Close()
		return
	}
	defer s.untrackConn(conn)

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	id := s.nextSession.Add(1)
	s.metrics.RecordSessionCreated(s.registry.OnlineCount())

	sess := newSession(id, s, conn)
	sess.run()
}

// trackConn registers a live connection. Refused once shutdown has begun,
// so a connection accepted mid-Stop cannot start a session the shutdown
// won't wait for.
func (s *Server) trackConn(conn net.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	select {
	case <-s.shutdown:
		return false
	default:
	}
	s.conns[conn] = struct{}{}
	s.sessions.Add(1)
	return true
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
	s.sessions.Done()
}

// startMetricsServer exposes Prometheus metrics over HTTP.
func (s *Server) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.metricsSrv = &http.Server{Addr: s.config.MetricsAddr, Handler: mux}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		debugLog.Printf("Metrics endpoint on %s", s.config.MetricsAddr)
		if err := s.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errorLog.Printf("Metrics server error: %v", err)
		}
	}()
}

// startWebSocketServer accepts clients over websockets, e.g. browser
// frontends that can't open raw TCP.
func (s *Server) startWebSocketServer() {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.wsSrv = &http.Server{Addr: s.config.WebSocketAddr, Handler: mux}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		debugLog.Printf("WebSocket endpoint on %s", s.config.WebSocketAddr)
		if err := s.wsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errorLog.Printf("WebSocket server error: %v", err)
		}
	}()
}
