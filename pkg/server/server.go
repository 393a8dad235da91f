package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/andrew-markin/blobs/pkg/auth"
	"github.com/andrew-markin/blobs/pkg/gate"
	"github.com/andrew-markin/blobs/pkg/keylock"
	"github.com/andrew-markin/blobs/pkg/log"
	"github.com/andrew-markin/blobs/pkg/metrics"
	"github.com/andrew-markin/blobs/pkg/store"
	"github.com/andrew-markin/blobs/pkg/subs"
)

// readLimit bounds inbound frames: the 1 MiB data payload plus envelope
// headroom.
const readLimit = 0x100000 + 4096

// Options configures a Server.
type Options struct {
	Addr   string
	Signer *auth.Signer
	Store  store.Store
}

// Server accepts websocket connections, authenticates them into bucket
// sessions and serves the blob protocol.
type Server struct {
	signer   *auth.Signer
	store    store.Store
	locks    *keylock.Registry
	subs     *subs.Registry
	gate     *gate.Gate
	upgrader websocket.Upgrader
	http     *http.Server
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewServer creates a Server; call Start to begin listening.
func NewServer(opts Options) *Server {
	s := &Server{
		signer: opts.Signer,
		store:  opts.Store,
		locks:  keylock.NewRegistry(),
		subs:   subs.NewRegistry(),
		gate:   gate.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from any origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:   log.WithComponent("server"),
		sessions: make(map[string]*Session),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleConnect)
	mux.HandleFunc("/healthz", metrics.HealthHandler)
	mux.Handle("/metrics", metrics.Handler())

	s.http = &http.Server{
		Addr:    opts.Addr,
		Handler: mux,
	}
	return s
}

// Start listens and serves until Shutdown. It returns http.ErrServerClosed
// after a clean shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.http.Addr, err)
	}
	s.logger.Info().Str("addr", s.http.Addr).Msg("listening")
	return s.http.Serve(ln)
}

// Shutdown drains in-flight handlers through the execution gate, then
// closes every session and the listener. New handshakes are refused as soon
// as the drain begins.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.logger.Info().Msg("shutting down")

	if err := s.gate.Shutdown(timeout); errors.Is(err, gate.ErrDrainTimeout) {
		s.logger.Warn().Dur("timeout", timeout).Msg("drain timed out, proceeding")
	}

	s.mu.Lock()
	open := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()

	for _, sess := range open {
		sess.teardown("server shutdown")
	}

	if err := s.http.Close(); err != nil {
		return fmt.Errorf("failed to close listener: %w", err)
	}
	s.logger.Info().Msg("shutdown complete")
	return nil
}

// handleConnect authenticates the handshake and upgrades it into a session.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if s.gate.Closing() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	bucket, err := s.signer.Verify(handshakeToken(r))
	if err != nil {
		// One opaque outcome for every verification failure.
		http.Error(w, "access denied", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("upgrade failed")
		return
	}
	conn.SetReadLimit(readLimit)

	ip := r.Header.Get("X-Real-IP")
	if ip == "" {
		ip = "unknown"
	}

	sess := &Session{
		id:     uuid.New().String(),
		bucket: bucket,
		ip:     ip,
		srv:    s,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
	}
	sess.logger = log.WithSession(sess.id, bucket)

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Inc()
	sess.logger.Info().Str("ip", ip).Msg("connection established")

	go sess.writePump()
	go sess.readPump()
}

// dropSession removes a closed session from the server's index.
func (s *Server) dropSession(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
}

// handshakeToken extracts the auth token from the Authorization header or,
// failing that, the token query parameter.
func handshakeToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return token
		}
	}
	return r.URL.Query().Get("token")
}
