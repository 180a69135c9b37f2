package socks5

import (
	"io"
	"net"
)

// halfCloser is implemented by connections that support half-close (TCP and
// similar stream transports). It lets one direction signal EOF to its peer
// while the other direction keeps flowing.
type halfCloser interface {
	CloseWrite() error
}

// relayResult reports how many bytes moved in each direction and which side
// (if either) ended with an error.
type relayResult struct {
	BytesUp   int64 // client -> target
	BytesDown int64 // target -> client
	Err       error
}

// relay copies data bidirectionally between client and target until both
// directions reach EOF or an error occurs. client is typically the session's
// buffered reader wrapping the accepted net.Conn (so bytes already read
// during request parsing are not lost), while clientWriter/clientCloser give
// access to the raw connection for the reverse direction and half-close.
//
// The two directions run on independent goroutines with no shared state, so
// one side stalling never blocks the other.
func relay(client io.Reader, clientWriter io.Writer, clientConn, target net.Conn) relayResult {
	type dirResult struct {
		n   int64
		err error
	}
	upCh := make(chan dirResult, 1)
	downCh := make(chan dirResult, 1)

	go func() {
		n, err := io.Copy(target, client)
		if hc, ok := target.(halfCloser); ok {
			hc.CloseWrite()
		} else {
			target.Close()
		}
		upCh <- dirResult{n, err}
	}()

	go func() {
		n, err := io.Copy(clientWriter, target)
		if hc, ok := clientConn.(halfCloser); ok {
			hc.CloseWrite()
		} else {
			clientConn.Close()
		}
		downCh <- dirResult{n, err}
	}()

	up := <-upCh
	down := <-downCh

	result := relayResult{BytesUp: up.n, BytesDown: down.n}
	switch {
	case up.err != nil:
		result.Err = up.err
	case down.err != nil:
		result.Err = down.err
	}
	return result
}
