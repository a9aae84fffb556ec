// Package transport carries binary frames between endpoints over WebSocket.
// Each frame holds exactly one wire message.
package transport

import (
	"context"
	"encoding"
	"errors"
)

var (
	// ErrClosed is the cause once the peer closed the connection normally.
	ErrClosed = errors.New("transport: closed")

	// ErrProtocol marks errors caused by a peer sending malformed or unexpected frames.
	// Wrap it to close the connection with a protocol error status.
	ErrProtocol = errors.New("transport: protocol error")
)

type Transport interface {
	// Read returns the next inbound frame.
	// Once the transport has shut down it returns the cause.
	Read() ([]byte, error)

	// Send writes one frame. A failure shuts down the transport.
	Send(b []byte) error

	// Context returns a context which is Done when the underlying connection has closed.
	Context() context.Context

	// Close shuts down the transport. The connection is closed with a status derived from err;
	// nil closes it normally.
	Close(err error)
}

// Handler runs a server-side Transport. The connection is closed when it returns.
type Handler func(tr Transport) (err error)

// SendMessage encodes m and sends it as one frame.
func SendMessage(tr Transport, m encoding.BinaryAppender) error {
	b, err := m.AppendBinary(nil)
	if err != nil {
		return err
	}
	return tr.Send(b)
}
