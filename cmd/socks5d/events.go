package main

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"

	"github.com/socks5d/socks5d/internal/logging"
	"github.com/socks5d/socks5d/internal/socks5"
)

// slogEventHandler logs session lifecycle events at debug level, giving an
// operator a request trace without needing the metrics scrape.
type slogEventHandler struct {
	logger *slog.Logger
}

func (h *slogEventHandler) Accepted(sessionID string, remote net.Addr) {
	remoteAddr := ""
	if remote != nil {
		remoteAddr = remote.String()
	}
	h.logger.Debug("session accepted", logging.KeySessionID, sessionID, logging.KeyRemoteAddr, remoteAddr)
}

func (h *slogEventHandler) Authenticated(sessionID string, method socks5.AuthMethod, username string) {
	h.logger.Debug("session authenticated", logging.KeySessionID, sessionID, logging.KeyMethod, method.String(), "username", username)
}

func (h *slogEventHandler) Established(sessionID string, target socks5.Address, port uint16) {
	h.logger.Debug("connect established", logging.KeySessionID, sessionID, logging.KeyAddress, target.String(), "port", port)
}

func (h *slogEventHandler) Closed(sessionID string, reason error, bytesUp, bytesDown int64) {
	attrs := []any{logging.KeySessionID, sessionID, "bytes_up", bytesUp, "bytes_down", bytesDown}
	if reason != nil {
		attrs = append(attrs, logging.KeyError, reason.Error())
	}
	h.logger.Debug("session closed", attrs...)
}

var _ socks5.EventHandler = (*slogEventHandler)(nil)

// loadTLSConfig builds a server-side TLS configuration for the WebSocket
// listener from a certificate/key pair on disk.
func loadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}
