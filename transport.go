package cnode

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// Dialer opens the transport to a resolved address. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// DialerFunc adapts a function to a Dialer.
type DialerFunc func(ctx context.Context, network, addr string) (net.Conn, error)

func (f DialerFunc) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return f(ctx, network, addr)
}

// QUICProtocol is the ALPN identifier negotiated by QUICDialer and ListenQUIC.
const QUICProtocol = "erlang-dist"

// QUICDialer carries a Connection over one bidirectional QUIC stream. Both
// ends must be Go nodes, Erlang only speaks TCP.
type QUICDialer struct {
	// TlsConfig is required. It SHOULD enable mTLS, since cookies only
	// authenticate and never encrypt.
	TlsConfig *tls.Config

	// QuicConfig is optional.
	QuicConfig *quic.Config
}

func (d *QUICDialer) DialContext(ctx context.Context, _, addr string) (net.Conn, error) {
	if d.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}

	qconn, err := quic.DialAddr(ctx, addr, withALPN(d.TlsConfig), d.QuicConfig)
	if err != nil {
		return nil, err
	}

	stream, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		qconn.CloseWithError(qErrInternal, "cannot open stream")
		return nil, err
	}

	return &streamWrapper{conn: qconn, Stream: stream}, nil
}

const (
	qErrNone     quic.ApplicationErrorCode = 0x0
	qErrInternal quic.ApplicationErrorCode = 0x1
	qErrShutdown quic.ApplicationErrorCode = 0x2
)

// ListenQUIC listens for QUIC connections on addr. Each accepted
// connection yields one net.Conn, its first stream, to hand to
// `Node.Accept`.
func ListenQUIC(addr string, tlsConf *tls.Config, conf *quic.Config, logHandler slog.Handler) (net.Listener, error) {
	if tlsConf == nil {
		return nil, ErrNoTLSConfig
	}

	ln, err := quic.ListenAddr(addr, withALPN(tlsConf), conf)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}

	ql := &quicListener{
		ln:       ln,
		streamCh: make(chan net.Conn),
		closeCh:  make(chan struct{}),
	}
	if logHandler == nil {
		ql.logger = slog.Default()
	} else {
		ql.logger = slog.New(logHandler)
	}
	ql.ctx, ql.cancel = context.WithCancel(context.Background())

	ql.wg.Add(1)
	go ql.acceptCx()
	return ql, nil
}

type quicListener struct {
	ln     *quic.Listener
	logger *slog.Logger

	streamCh chan net.Conn
	closeCh  chan struct{}
	once     sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func (ql *quicListener) acceptCx() {
	defer ql.wg.Done()
	for {
		qconn, err := ql.ln.Accept(ql.ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, quic.ErrServerClosed) {
				ql.logger.Error("stopped accepting QUIC connections", LabelError.L(err))
			}
			return
		}
		ql.wg.Add(1)
		go ql.acceptStream(qconn)
	}
}

// The peer must write before its stream becomes visible here, which the
// initiating side of the handshake always does.
func (ql *quicListener) acceptStream(qconn quic.Connection) {
	defer ql.wg.Done()

	ctx, cancel := context.WithTimeout(ql.ctx, 30*time.Second)
	defer cancel()

	stream, err := qconn.AcceptStream(ctx)
	if err != nil {
		ql.logger.Debug(
			"no stream opened by peer",
			LabelPeerAddr.L(qconn.RemoteAddr().String()),
			LabelError.L(err),
		)
		qconn.CloseWithError(qErrInternal, "no stream")
		return
	}

	select {
	case ql.streamCh <- &streamWrapper{conn: qconn, Stream: stream}:
	case <-ql.closeCh:
		qconn.CloseWithError(qErrShutdown, "listener closed")
	}
}

func (ql *quicListener) Accept() (net.Conn, error) {
	select {
	case conn := <-ql.streamCh:
		return conn, nil
	case <-ql.closeCh:
		return nil, net.ErrClosed
	}
}

func (ql *quicListener) Close() error {
	var err error
	ql.once.Do(func() {
		close(ql.closeCh)
		ql.cancel()
		err = ql.ln.Close()
		ql.wg.Wait()
	})
	return err
}

func (ql *quicListener) Addr() net.Addr {
	return ql.ln.Addr()
}

func withALPN(tlsConf *tls.Config) *tls.Config {
	conf := tlsConf.Clone()
	if len(conf.NextProtos) == 0 {
		conf.NextProtos = []string{QUICProtocol}
	}
	return conf
}
