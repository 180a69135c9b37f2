package socks5

import "net"

// EventHandler receives lifecycle notifications for a session. Each method
// is called at most once per session, in the order Accepted, Authenticated,
// Established, Closed; a session that fails before reaching a later stage
// simply never calls it. Implementations must not block for long: they run
// on the session's own goroutine.
type EventHandler interface {
	// Accepted is called as soon as a client connection is accepted, before
	// any protocol bytes are read.
	Accepted(sessionID string, remote net.Addr)

	// Authenticated is called once the auth sub-negotiation succeeds, naming
	// the chosen method and, for Username/Password, the authenticated user.
	Authenticated(sessionID string, method AuthMethod, username string)

	// Established is called once a CONNECT target has been successfully
	// dialed and the relay phase is about to begin.
	Established(sessionID string, target Address, port uint16)

	// Closed is called exactly once when the session ends, reporting the
	// reason and bytes relayed in each direction (zero if relay never began).
	Closed(sessionID string, reason error, bytesUp, bytesDown int64)
}

// NopEventHandler discards all events. It is the default when no handler is
// configured.
type NopEventHandler struct{}

func (NopEventHandler) Accepted(string, net.Addr)                {}
func (NopEventHandler) Authenticated(string, AuthMethod, string) {}
func (NopEventHandler) Established(string, Address, uint16)      {}
func (NopEventHandler) Closed(string, error, int64, int64)       {}

var _ EventHandler = NopEventHandler{}
