package socks5

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

// Phase identifies a session's position in the SOCKS5 negotiation. Sessions
// move strictly forward through these phases; a session never returns to an
// earlier phase.
type Phase int

const (
	PhaseAwaitGreeting Phase = iota
	PhaseAwaitAuthSubprotocol
	PhaseAwaitRequest
	PhaseRelaying
	PhaseClosing
)

func (p Phase) String() string {
	switch p {
	case PhaseAwaitGreeting:
		return "await_greeting"
	case PhaseAwaitAuthSubprotocol:
		return "await_auth"
	case PhaseAwaitRequest:
		return "await_request"
	case PhaseRelaying:
		return "relaying"
	case PhaseClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Dialer makes outbound connections on behalf of a CONNECT request.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DirectDialer dials the destination directly; it is the default Dialer.
type DirectDialer struct{}

func (DirectDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, address)
}

// Timeouts bounds each phase of the negotiation. A zero field disables the
// corresponding deadline; a Timeouts that is zero in every field is replaced
// by DefaultTimeouts.
type Timeouts struct {
	Greeting time.Duration
	Auth     time.Duration
	Request  time.Duration
	Dial     time.Duration
}

// DefaultTimeouts returns the timeouts used when none are configured.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Greeting: 10 * time.Second,
		Auth:     30 * time.Second,
		Request:  10 * time.Second,
		Dial:     30 * time.Second,
	}
}

// noDeadlineMonitor is implemented by connections (such as a WebSocket
// transport) whose underlying library tears down the connection when a read
// deadline fires mid-read, which breaks the disconnect-polling pattern used
// while a CONNECT dial is in flight. Such connections opt out of the monitor.
type noDeadlineMonitor interface {
	NoDeadlineMonitor() bool
}

// SessionConfig supplies everything a Session needs beyond the raw
// connection: capability handlers and limits.
type SessionConfig struct {
	Auth      AuthHandler
	Events    EventHandler
	Dialer    Dialer
	Resolver  Resolver
	Timeouts  Timeouts
	Metrics   *sessionMetricsSink
	MaxFrame  int // per-message buffer cap; 0 uses a safe default
}

// sessionMetricsSink is the minimal surface Session needs from the metrics
// package, kept as a struct of optional function fields so sessions can run
// without metrics (a nil sink or nil field records nothing).
type sessionMetricsSink struct {
	RecordAuthFailure    func()
	RecordAuthMethod     func(method string)
	RecordConnectLatency func(seconds float64)
	RecordDialError      func(reply string)
	RecordReply          func(reply string)
	RecordBytesRelayed   func(direction string, n int)
	RecordSessionError   func(kind string)
}

// Session drives one accepted client connection through the SOCKS5
// negotiation and, for CONNECT, the relay phase.
type Session struct {
	id     string
	conn   net.Conn
	br     *bufio.Reader
	cfg    SessionConfig
	phase  Phase
}

// NewSession wraps conn for negotiation. The caller must call Run.
func NewSession(conn net.Conn, cfg SessionConfig) *Session {
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
	maxFrame := cfg.MaxFrame
	if maxFrame <= 0 {
		maxFrame = 64 * 1024
	}
	return &Session{
		id:    uuid.NewString(),
		conn:  conn,
		br:    bufio.NewReaderSize(conn, maxFrame),
		cfg:   cfg,
		phase: PhaseAwaitGreeting,
	}
}

// ID returns the session's unique identifier, used to correlate events and
// log lines for this connection.
func (s *Session) ID() string { return s.id }

// Run drives the session to completion: negotiation, then (for CONNECT) the
// relay phase. It always closes the client connection before returning, and
// always calls cfg.Events.Closed exactly once.
func (s *Session) Run(ctx context.Context) error {
	s.cfg.Events.Accepted(s.id, s.conn.RemoteAddr())

	var bytesUp, bytesDown int64
	closeErr := s.negotiate(ctx, &bytesUp, &bytesDown)

	s.phase = PhaseClosing
	s.conn.Close()
	s.cfg.Events.Closed(s.id, closeErr, bytesUp, bytesDown)
	return closeErr
}

func (s *Session) negotiate(ctx context.Context, bytesUp, bytesDown *int64) error {
	if err := s.setDeadline(s.cfg.Timeouts.Greeting); err != nil {
		return newSessionError(KindTransport, err)
	}
	greeting, err := s.readGreeting()
	if err != nil {
		return newSessionError(classifyReadErr(err), err)
	}

	method := s.cfg.Auth.ChooseMethod(greeting.Methods)
	if err := s.writeFrame(EncodeMethodSelection(MethodSelection{Method: method})); err != nil {
		return newSessionError(KindTransport, err)
	}
	if method == MethodNoAcceptable {
		return newSessionError(KindPolicyDenied, ErrNoAcceptableMethod)
	}
	s.recordAuthMethod(method)

	// No-Auth has no sub-negotiation to run: the state table goes straight
	// from AwaitGreeting to AwaitRequest, and Authenticated never fires.
	if method != MethodNoAuth {
		s.phase = PhaseAwaitAuthSubprotocol
		if err := s.setDeadline(s.cfg.Timeouts.Auth); err != nil {
			return newSessionError(KindTransport, err)
		}
		outcome, err := s.cfg.Auth.RunSubprotocol(ctx, method, &connReadWriter{s})
		if err != nil {
			s.recordAuthFailure()
			return newSessionError(KindPolicyDenied, err)
		}
		s.cfg.Events.Authenticated(s.id, method, outcome.Username)
	}

	s.phase = PhaseAwaitRequest
	if err := s.setDeadline(s.cfg.Timeouts.Request); err != nil {
		return newSessionError(KindTransport, err)
	}
	req, err := s.readRequest()
	if err != nil {
		return newSessionError(classifyReadErr(err), err)
	}

	return s.dispatch(ctx, req, bytesUp, bytesDown)
}

func (s *Session) dispatch(ctx context.Context, req Request, bytesUp, bytesDown *int64) error {
	switch req.Command {
	case CmdConnect:
		return s.handleConnect(ctx, req, bytesUp, bytesDown)
	default:
		// BIND and UDP_ASSOCIATE are accepted by the wire format but this
		// implementation does not provide a routing/relay path for them;
		// both get the documented "not supported" reply.
		s.sendReply(ReplyCmdNotSupported, ZeroBindAddress(), 0)
		return newSessionError(KindUnsupported, fmt.Errorf("%w: %s", ErrUnsupportedCommand, req.Command))
	}
}

func (s *Session) handleConnect(ctx context.Context, req Request, bytesUp, bytesDown *int64) error {
	connectStart := time.Now()

	targetAddr, err := s.cfg.Resolver.Resolve(ctx, req.Dest, req.Port)
	if err != nil {
		s.sendReplyForError(err)
		return newSessionError(KindTransport, err)
	}

	dialCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.cfg.Timeouts.Dial > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, s.cfg.Timeouts.Dial)
	}
	defer cancel()

	target, err := s.dialWithDisconnectMonitor(dialCtx, targetAddr)
	if err != nil {
		s.sendReplyForError(err)
		s.recordDialError(err)
		return newSessionError(KindTransport, err)
	}
	defer target.Close()
	s.recordConnectLatency(time.Since(connectStart))

	local, _ := target.LocalAddr().(*net.TCPAddr)
	var boundAddr Address
	var boundPort uint16
	if local != nil {
		boundAddr = NewIPAddress(local.IP)
		boundPort = uint16(local.Port)
	} else {
		boundAddr = ZeroBindAddress()
	}
	s.sendReply(ReplySucceeded, boundAddr, boundPort)
	s.cfg.Events.Established(s.id, req.Dest, req.Port)

	s.phase = PhaseRelaying
	s.conn.SetDeadline(time.Time{})
	target.SetDeadline(time.Time{})

	result := relay(s.br, s.conn, s.conn, target)
	*bytesUp = result.BytesUp
	*bytesDown = result.BytesDown
	s.recordBytesRelayed(result.BytesUp, result.BytesDown)
	if result.Err != nil {
		return newSessionError(KindTransport, result.Err)
	}
	return nil
}

// dialWithDisconnectMonitor dials targetAddr while watching the client
// connection for an early disconnect, cancelling the dial if the client goes
// away first. The monitor only peeks at the buffered reader, so client bytes
// that arrive before the Reply stay buffered and are relayed to the target
// once relaying begins. Connections that can't tolerate deadline polling
// (e.g. a WebSocket transport) opt out via noDeadlineMonitor.
func (s *Session) dialWithDisconnectMonitor(ctx context.Context, targetAddr string) (net.Conn, error) {
	useMonitor := true
	if ndm, ok := s.conn.(noDeadlineMonitor); ok && ndm.NoDeadlineMonitor() {
		useMonitor = false
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dialDone := make(chan struct{})
	monitorExited := make(chan struct{})

	if useMonitor {
		go func() {
			defer close(monitorExited)
			for {
				select {
				case <-dialDone:
					return
				default:
				}
				s.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
				_, err := s.br.Peek(1)
				select {
				case <-dialDone:
					return
				default:
				}
				if err != nil {
					if ne, ok := err.(net.Error); ok && ne.Timeout() {
						continue
					}
					cancel()
					return
				}
				// Early data from the client: it stays buffered as the first
				// relay payload, and the client is evidently still connected,
				// so stop monitoring and let the dial finish.
				return
			}
		}()
	} else {
		close(monitorExited)
	}

	target, err := s.cfg.Dialer.DialContext(ctx, "tcp", targetAddr)
	close(dialDone)
	if useMonitor {
		s.conn.SetReadDeadline(time.Now().Add(-time.Second))
	}
	<-monitorExited
	s.conn.SetReadDeadline(time.Time{})

	return target, err
}

func (s *Session) readGreeting() (Greeting, error) {
	frame, err := s.readFrame(GreetingFrameLen, 2+255)
	if err != nil {
		return Greeting{}, err
	}
	return DecodeGreeting(frame)
}

func (s *Session) readRequest() (Request, error) {
	frame, err := s.readFrame(RequestFrameLen, 4+1+255+2)
	if err != nil {
		return Request{}, err
	}
	return DecodeRequest(frame)
}

// readFrame accumulates bytes from the buffered reader until frameLen(buf)
// reports a definite length, then returns exactly that many bytes. frameLen
// may return ErrIncomplete while more bytes are needed; max bounds how many
// bytes will be buffered before giving up, guarding against a client that
// never completes a message.
func (s *Session) readFrame(frameLen func([]byte) (int, error), max int) ([]byte, error) {
	for probe := 2; ; probe++ {
		peeked, err := s.br.Peek(probe)
		if len(peeked) == 0 && err != nil {
			return nil, err
		}
		n, lerr := frameLen(peeked)
		if lerr == ErrIncomplete {
			if probe >= max {
				return nil, fmt.Errorf("%w: frame exceeds maximum size", ErrMalformedRequest)
			}
			if err != nil {
				return nil, err
			}
			continue
		}
		if lerr != nil {
			return nil, lerr
		}
		if n > max {
			return nil, fmt.Errorf("%w: frame exceeds maximum size", ErrMalformedRequest)
		}
		full, err := s.br.Peek(n)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, n)
		copy(buf, full)
		if _, err := s.br.Discard(n); err != nil {
			return nil, err
		}
		return buf, nil
	}
}

func (s *Session) writeFrame(b []byte) error {
	_, err := s.conn.Write(b)
	return err
}

func (s *Session) sendReply(code ReplyCode, addr Address, port uint16) {
	b, err := EncodeReply(Reply{Code: code, Bound: addr, Port: port})
	if err != nil {
		return
	}
	s.conn.Write(b)
	s.recordReply(code)
}

func (s *Session) sendReplyForError(err error) {
	s.sendReply(mapErrorToReply(err), ZeroBindAddress(), 0)
}

func (s *Session) setDeadline(d time.Duration) error {
	if d <= 0 {
		return s.conn.SetDeadline(time.Time{})
	}
	return s.conn.SetDeadline(time.Now().Add(d))
}

func classifyReadErr(err error) ErrorKind {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return KindTimeout
	}
	return KindMalformed
}

func (s *Session) recordAuthMethod(m AuthMethod) {
	if s.cfg.Metrics != nil && s.cfg.Metrics.RecordAuthMethod != nil {
		s.cfg.Metrics.RecordAuthMethod(m.String())
	}
}

func (s *Session) recordAuthFailure() {
	if s.cfg.Metrics != nil && s.cfg.Metrics.RecordAuthFailure != nil {
		s.cfg.Metrics.RecordAuthFailure()
	}
}

func (s *Session) recordReply(code ReplyCode) {
	if s.cfg.Metrics != nil && s.cfg.Metrics.RecordReply != nil {
		s.cfg.Metrics.RecordReply(code.String())
	}
}

func (s *Session) recordDialError(err error) {
	if s.cfg.Metrics != nil && s.cfg.Metrics.RecordDialError != nil {
		s.cfg.Metrics.RecordDialError(mapErrorToReply(err).String())
	}
}

func (s *Session) recordConnectLatency(d time.Duration) {
	if s.cfg.Metrics != nil && s.cfg.Metrics.RecordConnectLatency != nil {
		s.cfg.Metrics.RecordConnectLatency(d.Seconds())
	}
}

func (s *Session) recordBytesRelayed(up, down int64) {
	if s.cfg.Metrics == nil || s.cfg.Metrics.RecordBytesRelayed == nil {
		return
	}
	s.cfg.Metrics.RecordBytesRelayed("client_to_upstream", int(up))
	s.cfg.Metrics.RecordBytesRelayed("upstream_to_client", int(down))
}

// connReadWriter adapts a Session's buffered reader and raw connection
// writer into a single io.ReadWriter for AuthHandler.RunSubprotocol, so auth
// sub-negotiation reads go through the same buffer as frame parsing.
type connReadWriter struct {
	s *Session
}

func (c *connReadWriter) Read(p []byte) (int, error)  { return c.s.br.Read(p) }
func (c *connReadWriter) Write(p []byte) (int, error) { return c.s.conn.Write(p) }
