package rpc

import (
	"context"
	"io"
)

// Conn is the byte-stream abstraction the core consumes: a duplex,
// reliable, ordered stream supporting reads, writes, and close.
// Establishing one (TCP connect, Unix-domain connect, TLS handshake,
// accept) is out of this core's scope.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
}

// SocketClient dials a Conn for a given endpoint, honoring ctx's deadline.
// StubPool uses one to create connections on demand; it is the external
// collaborator responsible for socket acceptance, connect/listen, TLS
// handshake, and endpoint resolution.
type SocketClient interface {
	Dial(ctx context.Context, endpoint string, tls bool) (Conn, error)
}
