package socks5

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/socks5d/socks5d/internal/logging"
	"github.com/socks5d/socks5d/internal/metrics"
)

// ServerConfig holds the TCP listener's configuration.
type ServerConfig struct {
	// Address to listen on, e.g. "127.0.0.1:1080".
	Address string

	// MaxConnections limits concurrent sessions (0 = unlimited).
	MaxConnections int

	// IdleTimeout, if positive, is set as the connection deadline at accept
	// time. The session replaces it with its own per-phase deadline as soon
	// as negotiation starts, so the Timeouts bound the negotiation itself.
	IdleTimeout time.Duration

	Auth     AuthHandler
	Events   EventHandler
	Dialer   Dialer
	Resolver Resolver
	Timeouts Timeouts

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:        "127.0.0.1:1080",
		MaxConnections: 1000,
		IdleTimeout:    5 * time.Minute,
		Auth:           NoAuthHandler{},
		Dialer:         DirectDialer{},
		Timeouts:       DefaultTimeouts(),
	}
}

// Server is a SOCKS5 proxy's TCP acceptor. It spawns one Session per
// accepted connection and enforces the connection limit and accept-error
// backoff policy.
type Server struct {
	cfg      ServerConfig
	listener net.Listener
	tracker  *connTracker[net.Conn]
	logger   *slog.Logger

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a Server from cfg, filling in defaults for any
// unconfigured capability.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Auth == nil {
		cfg.Auth = NoAuthHandler{}
	}
	if cfg.Events == nil {
		cfg.Events = NopEventHandler{}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = DirectDialer{}
	}
	if cfg.Resolver == nil {
		cfg.Resolver = NewDefaultResolver(DefaultDNSConfig())
	}
	if cfg.Timeouts == (Timeouts{}) {
		cfg.Timeouts = DefaultTimeouts()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Server{
		cfg:     cfg,
		tracker: newConnTracker[net.Conn](),
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Start begins listening and accepting connections in the background.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("socks5: server already running")
	}

	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("socks5: listen: %w", err)
	}

	s.listener = listener
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop closes the listener, closes every tracked connection, and waits for
// all in-flight sessions to finish.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)
		close(s.stopCh)
		if s.listener != nil {
			err = s.listener.Close()
		}
		for _, cut := range s.tracker.closeAll() {
			s.logger.Debug("session cut short by shutdown",
				logging.KeySessionID, cut.sessionID,
				logging.KeyRemoteAddr, cut.remoteAddr,
				logging.KeyDuration, time.Since(cut.connectedAt).String())
		}
	})
	s.wg.Wait()
	return err
}

// StopWithContext stops the server, returning ctx.Err() if it does not
// finish before ctx is done.
func (s *Server) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- s.Stop() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Address returns the listening address, or nil if the server has not been
// started.
func (s *Server) Address() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ConnectionCount returns the number of currently active sessions.
func (s *Server) ConnectionCount() int64 {
	return s.tracker.count()
}

// IsRunning reports whether the server is currently accepting connections.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// acceptLoop accepts incoming connections until the server is stopped. A
// transient accept error (one where Temporary()-style backoff helps, such as
// a momentary file-descriptor exhaustion) triggers an increasing backoff
// instead of a tight error loop; any other accept error is treated as fatal
// and ends the loop.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	backoff := 5 * time.Millisecond
	const maxBackoff = time.Second

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}

			if isTransientAcceptErr(err) {
				s.logger.Warn("transient accept error, backing off",
					logging.KeyComponent, "socks5.acceptor",
					logging.KeyError, err.Error(),
					logging.KeyDuration, backoff.String())
				time.Sleep(backoff)
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}

			s.logger.Error("fatal accept error, stopping acceptor",
				logging.KeyComponent, "socks5.acceptor",
				logging.KeyError, err.Error())
			return
		}
		backoff = 5 * time.Millisecond

		if s.cfg.MaxConnections > 0 && s.tracker.count() >= int64(s.cfg.MaxConnections) {
			conn.Close()
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.RecordSessionError("max_connections")
			}
			continue
		}

		s.tracker.add(conn, conn.RemoteAddr().String())
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// isTransientAcceptErr reports whether err is a temporary condition worth
// retrying (as opposed to, e.g., the listener having been closed).
func isTransientAcceptErr(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Temporary()
	}
	return false
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.tracker.remove(conn)

	if s.cfg.IdleTimeout > 0 {
		conn.SetDeadline(time.Now().Add(s.cfg.IdleTimeout))
	}

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordSessionAccepted()
		defer s.cfg.Metrics.RecordSessionClosed()
	}

	session := NewSession(conn, SessionConfig{
		Auth:     s.cfg.Auth,
		Events:   s.cfg.Events,
		Dialer:   s.cfg.Dialer,
		Resolver: s.cfg.Resolver,
		Timeouts: s.cfg.Timeouts,
		Metrics:  sessionMetricsSinkFrom(s.cfg.Metrics),
	})
	s.tracker.tag(conn, session.ID())

	if err := session.Run(context.Background()); err != nil {
		var se *sessionError
		kind := "transport"
		if errors.As(err, &se) {
			kind = se.Kind.String()
		}
		s.logger.Debug("session ended",
			logging.KeySessionID, session.ID(),
			logging.KeyRemoteAddr, conn.RemoteAddr().String(),
			logging.KeyError, err.Error())
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordSessionError(kind)
		}
	}
}

// sessionMetricsSinkFrom adapts the package-level metrics.Metrics into the
// small function-pointer sink Session consumes, so Session itself never
// refers to the metrics package's prometheus-backed types.
func sessionMetricsSinkFrom(m *metrics.Metrics) *sessionMetricsSink {
	if m == nil {
		return nil
	}
	return &sessionMetricsSink{
		RecordAuthFailure:    m.RecordAuthFailure,
		RecordAuthMethod:     m.RecordAuthMethod,
		RecordConnectLatency: m.RecordConnectLatency,
		RecordDialError:      m.RecordDialError,
		RecordReply:          m.RecordReply,
		RecordBytesRelayed:   m.RecordBytesRelayed,
		RecordSessionError:   m.RecordSessionError,
	}
}

// NewWebSocketListenerConfig builds a WebSocketConfig whose session policy
// (auth, dialer, resolver, timeouts, metrics) mirrors cfg, the TCP listener's
// ServerConfig, so the WebSocket ingress enforces identical behavior as the
// plain TCP one and both surfaces report through the same metrics sink.
func NewWebSocketListenerConfig(cfg ServerConfig, address, path string, tlsConfig *tls.Config, plainText bool, wsCredentials CredentialStore, onError func(error)) WebSocketConfig {
	return WebSocketConfig{
		Address:     address,
		Path:        path,
		TLSConfig:   tlsConfig,
		PlainText:   plainText,
		Credentials: wsCredentials,
		OnError:     onError,
		Session: SessionConfig{
			Auth:     cfg.Auth,
			Events:   cfg.Events,
			Dialer:   cfg.Dialer,
			Resolver: cfg.Resolver,
			Timeouts: cfg.Timeouts,
			Metrics:  sessionMetricsSinkFrom(cfg.Metrics),
		},
	}
}

// WithAuth returns a copy of cfg using the given AuthHandler.
func (cfg ServerConfig) WithAuth(h AuthHandler) ServerConfig {
	cfg.Auth = h
	return cfg
}

// WithDialer returns a copy of cfg using the given Dialer.
func (cfg ServerConfig) WithDialer(d Dialer) ServerConfig {
	cfg.Dialer = d
	return cfg
}

// WithMaxConnections returns a copy of cfg with MaxConnections set.
func (cfg ServerConfig) WithMaxConnections(max int) ServerConfig {
	cfg.MaxConnections = max
	return cfg
}
