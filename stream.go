package cnode

import (
	"net"

	"github.com/quic-go/quic-go"
)

// streamWrapper turns a QUIC stream into the net.Conn a Connection runs on.
// The stream owns its QUIC connection: closing one closes the other.
type streamWrapper struct {
	conn quic.Connection

	// NB(raskyld): quic-go syncs Write/Close/Read with a mutex internally,
	// the stream can be read and written from different goroutines.
	quic.Stream
}

func (s *streamWrapper) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *streamWrapper) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *streamWrapper) Close() error {
	s.Stream.CancelRead(quic.StreamErrorCode(qErrNone))
	err := s.Stream.Close()
	s.conn.CloseWithError(qErrNone, "closed")
	return err
}
