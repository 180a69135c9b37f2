package socks5

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func TestNewWebSocketListener_RequiresTLSOrPlaintext(t *testing.T) {
	_, err := NewWebSocketListener(WebSocketConfig{Address: "127.0.0.1:0"})
	if err == nil {
		t.Fatal("expected error when neither TLSConfig nor PlainText is set")
	}
}

func TestNewWebSocketListener_DefaultPath(t *testing.T) {
	l, err := NewWebSocketListener(WebSocketConfig{Address: "127.0.0.1:0", PlainText: true})
	if err != nil {
		t.Fatalf("NewWebSocketListener: %v", err)
	}
	if l.cfg.Path != "/socks5" {
		t.Errorf("Path = %q, want /socks5", l.cfg.Path)
	}
}

// TestWebSocketListener_SOCKS5Integration exercises a full SOCKS5 CONNECT and
// relay over a WebSocket transport end-to-end, the same shape as
// TestServer_BasicConnect but dialing in over nhooyr.io/websocket instead of
// a raw TCP socket.
func TestWebSocketListener_SOCKS5Integration(t *testing.T) {
	echoListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("echo listen: %v", err)
	}
	defer echoListener.Close()
	go func() {
		for {
			conn, err := echoListener.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()

	serverCfg := DefaultServerConfig()
	wsCfg := NewWebSocketListenerConfig(serverCfg, "127.0.0.1:0", "/socks5", nil, true, nil, nil)
	l, err := NewWebSocketListener(wsCfg)
	if err != nil {
		t.Fatalf("NewWebSocketListener: %v", err)
	}
	if err := l.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer l.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws://" + l.Address() + "/socks5"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{"socks5"},
	})
	if err != nil {
		t.Fatalf("WebSocket dial: %v", err)
	}
	wc := newWsConn(conn)
	defer wc.Close()

	if _, err := wc.Write([]byte{Version, 1, byte(MethodNoAuth.Byte())}); err != nil {
		t.Fatalf("write greeting: %v", err)
	}
	sel := make([]byte, 2)
	if _, err := io.ReadFull(wc, sel); err != nil {
		t.Fatalf("read method selection: %v", err)
	}
	if sel[1] != byte(MethodNoAuth.Byte()) {
		t.Fatalf("method = 0x%02x, want no-auth", sel[1])
	}

	host, portStr, _ := net.SplitHostPort(echoListener.Addr().String())
	ip := net.ParseIP(host).To4()
	port, _ := net.LookupPort("tcp", portStr)

	req := &bytes.Buffer{}
	req.WriteByte(Version)
	req.WriteByte(byte(CmdConnect))
	req.WriteByte(0x00)
	req.WriteByte(byte(AddrIPv4))
	req.Write(ip)
	binary.Write(req, binary.BigEndian, uint16(port))
	if _, err := wc.Write(req.Bytes()); err != nil {
		t.Fatalf("write connect request: %v", err)
	}

	reply := make([]byte, 10)
	if _, err := io.ReadFull(wc, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[1] != byte(ReplySucceeded) {
		t.Fatalf("reply code = 0x%02x, want succeeded", reply[1])
	}

	payload := []byte("hello over the wire")
	if _, err := wc.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	echoed := make([]byte, len(payload))
	if _, err := io.ReadFull(wc, echoed); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if !bytes.Equal(echoed, payload) {
		t.Errorf("echoed = %q, want %q", echoed, payload)
	}

	if l.ConnectionCount() != 1 {
		t.Errorf("ConnectionCount() = %d, want 1", l.ConnectionCount())
	}
}

// TestWebSocketListener_StartStop mirrors TestServer_StartStop for the
// WebSocket ingress.
func TestWebSocketListener_StartStop(t *testing.T) {
	l, err := NewWebSocketListener(WebSocketConfig{Address: "127.0.0.1:0", PlainText: true})
	if err != nil {
		t.Fatalf("NewWebSocketListener: %v", err)
	}

	if err := l.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !l.IsRunning() {
		t.Error("listener should be running after Start()")
	}

	if err := l.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if l.IsRunning() {
		t.Error("listener should not be running after Stop()")
	}

	// Stop is idempotent.
	if err := l.Stop(); err != nil {
		t.Errorf("double Stop() error = %v", err)
	}
}

// TestWebSocketListener_SubprotocolValidation confirms a client that doesn't
// negotiate the "socks5" subprotocol is rejected.
func TestWebSocketListener_SubprotocolValidation(t *testing.T) {
	l, err := NewWebSocketListener(WebSocketConfig{Address: "127.0.0.1:0", PlainText: true, Session: SessionConfig{}})
	if err != nil {
		t.Fatalf("NewWebSocketListener: %v", err)
	}
	if err := l.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer l.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws://" + l.Address() + "/socks5"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("WebSocket dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, _, err = conn.Read(ctx)
	if err == nil {
		t.Fatal("expected connection to be closed for missing socks5 subprotocol")
	}
}

// TestWebSocketListener_CutShortReportsOnError confirms that sessions still
// connected when Stop is called are reported through OnError.
func TestWebSocketListener_CutShortReportsOnError(t *testing.T) {
	errCh := make(chan error, 1)
	wsCfg := WebSocketConfig{
		Address:   "127.0.0.1:0",
		PlainText: true,
		OnError: func(err error) {
			select {
			case errCh <- err:
			default:
			}
		},
	}
	l, err := NewWebSocketListener(wsCfg)
	if err != nil {
		t.Fatalf("NewWebSocketListener: %v", err)
	}
	if err := l.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws://" + l.Address() + "/socks5"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{"socks5"},
	})
	if err != nil {
		t.Fatalf("WebSocket dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Give the server goroutine time to accept and track the connection
	// before we force a shutdown.
	time.Sleep(100 * time.Millisecond)

	if err := l.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("expected non-nil cut-short error")
		}
	case <-time.After(time.Second):
		t.Error("expected OnError to be called for the cut-short session")
	}
}
