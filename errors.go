package cnode

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by this package wraps exactly one of
// them, so callers can switch on the kind with errors.Is or KindOf.
var (
	ErrInit    = errors.New("cnode: init failed")
	ErrConnect = errors.New("cnode: connect failed")
	ErrSend    = errors.New("cnode: send failed")
	ErrReceive = errors.New("cnode: receive failed")
	ErrDecode  = errors.New("cnode: decode failed")
)

var (
	ErrInvalidName   = errors.New("node: name must be non-empty and contain no NUL byte")
	ErrInvalidCookie = errors.New("node: cookie must contain no NUL byte")
	ErrInvalidCfg    = errors.New("node: invalid options")
	ErrNodeConsumed  = errors.New("node: already used to establish a connection")

	ErrTimeout           = errors.New("connection: timed out")
	ErrConnectionBroken  = errors.New("connection: broken by a previous failed write")
	ErrConnectionClosed  = errors.New("connection: closed")
	ErrFrameTooLarge     = errors.New("connection: frame exceeds the maximum message size")
	ErrProtocolViolation = errors.New("connection: protocol violation")
	ErrShortWrite        = errors.New("connection: short write")

	ErrAuthFailed      = errors.New("handshake: digest mismatch")
	ErrHandshakeStatus = errors.New("handshake: refused by peer")
	ErrHandshakeFlags  = errors.New("handshake: peer lacks mandatory capabilities")

	ErrInvalidPid = errors.New("pid: node must be non-empty and contain no NUL byte")

	ErrNameResolution = errors.New("resolver: node name could not be resolved")
	ErrJoinCluster    = errors.New("resolver: could not join gossip cluster")
	ErrNoTLSConfig    = errors.New("transport: TlsConfig is required")
)

// KindOf returns the error kind wrapped by err, or nil when err does not
// come from this package.
func KindOf(err error) error {
	for _, kind := range []error{ErrInit, ErrConnect, ErrSend, ErrReceive, ErrDecode} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// Retryable reports whether err may be transient. Connect, Send and Receive
// failures can be retried with a backoff, Init and Decode failures cannot
// without a code or protocol fix.
func Retryable(err error) bool {
	switch KindOf(err) {
	case ErrConnect, ErrSend, ErrReceive:
		return true
	}
	return false
}

func wrap(kind, cause error) error {
	return fmt.Errorf("%w: %w", kind, cause)
}
