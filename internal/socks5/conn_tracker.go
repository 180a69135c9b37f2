package socks5

import (
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// connCloser combines io.Closer with comparable for map key usage.
type connCloser interface {
	comparable
	io.Closer
}

// trackedSession is the metadata connTracker keeps alongside each tracked
// connection: enough to report, on a forced shutdown, which sessions were
// cut off and not just how many.
type trackedSession struct {
	sessionID   string
	remoteAddr  string
	connectedAt time.Time
}

// connTracker manages active connections with thread-safe tracking,
// per-session metadata, and counting. It provides a reusable component for
// both the TCP and WebSocket listeners.
type connTracker[T connCloser] struct {
	mu          sync.Mutex
	connections map[T]trackedSession
	connCount   atomic.Int64
}

// newConnTracker creates a new connection tracker.
func newConnTracker[T connCloser]() *connTracker[T] {
	return &connTracker[T]{
		connections: make(map[T]trackedSession),
	}
}

// add registers a connection for tracking as soon as it's accepted, before
// its Session (and therefore its session ID) exists.
func (t *connTracker[T]) add(conn T, remoteAddr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connections[conn] = trackedSession{remoteAddr: remoteAddr, connectedAt: time.Now()}
	t.connCount.Add(1)
}

// tag records the session ID for an already-tracked connection, once its
// Session has been constructed. A no-op if conn isn't tracked (e.g. it was
// already removed by a concurrent closeAll).
func (t *connTracker[T]) tag(conn T, sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ts, exists := t.connections[conn]; exists {
		ts.sessionID = sessionID
		t.connections[conn] = ts
	}
}

// remove unregisters a connection from tracking.
// Safe to call multiple times for the same connection.
func (t *connTracker[T]) remove(conn T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.connections[conn]; exists {
		delete(t.connections, conn)
		t.connCount.Add(-1)
	}
}

// count returns the number of active connections.
func (t *connTracker[T]) count() int64 {
	return t.connCount.Load()
}

// closeAll closes every tracked connection, resets the tracker state, and
// returns the metadata of the sessions it cut off, so a shutdown path can
// log which sessions were forcibly ended rather than just a bare count.
func (t *connTracker[T]) closeAll() []trackedSession {
	t.mu.Lock()
	defer t.mu.Unlock()

	cut := make([]trackedSession, 0, len(t.connections))
	for conn, ts := range t.connections {
		conn.Close()
		cut = append(cut, ts)
	}
	// Clear the map and reset counter to prevent stale references
	// and counter inconsistency if remove() is called after closeAll().
	t.connections = make(map[T]trackedSession)
	t.connCount.Store(0)
	return cut
}
