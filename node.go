package cnode

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/raskyld/cnode"

// Node is the local identity used to establish one Connection.
//
// A Node is consumed by the first call to Connect or Accept, later calls
// fail with ErrNodeConsumed. Create one Node per Connection, they can share
// the same name and cookie.
type Node struct {
	name     NodeName
	cookie   secret
	config   config
	logger   *slog.Logger
	tracer   trace.Tracer
	consumed atomic.Bool
}

// NewNode validates name and cookie and applies opts. A name without host
// part gets the short name of the local host.
func NewNode(name, cookie string, opts ...Option) (*Node, error) {
	nn, err := ParseNodeName(name)
	if err != nil {
		return nil, wrap(ErrInit, err)
	}
	if strings.ContainsRune(cookie, 0) {
		return nil, wrap(ErrInit, ErrInvalidCookie)
	}

	n := &Node{
		name:   nn,
		cookie: secret(cookie),
	}
	n.config.handshakeTimeout = defaultHandshakeTimeout
	n.config.maxMessageSize = defaultMaxMessageSize

	for _, opt := range opts {
		err := opt(&n.config)
		if err != nil {
			return nil, wrap(ErrInit, fmt.Errorf("%w: %w", ErrInvalidCfg, err))
		}
	}

	// Logging implementations.
	if n.config.logHandler != nil {
		n.logger = slog.New(n.config.logHandler)
	} else {
		n.logger = slog.Default()
	}
	n.logger = n.logger.With(LabelNode.L(nn))

	// Metrics implementations.
	if n.config.msink == nil {
		n.config.msink = metrics.Default()
	}
	n.config.metricLabels = withLabels(n.config.metricLabels, LabelNode.M(nn.String()))

	// Tracing implementations.
	if n.config.tracerProvider == nil {
		n.config.tracerProvider = otel.GetTracerProvider()
	}
	n.tracer = n.config.tracerProvider.Tracer(tracerName)

	if n.config.dialer == nil {
		n.config.dialer = &net.Dialer{}
	}
	if n.config.resolver == nil {
		n.config.resolver = &EPMDResolver{}
	}

	if n.config.creation == 0 {
		n.config.creation = uint32(time.Now().Unix())
		if n.config.creation == 0 {
			n.config.creation = 1
		}
	}

	return n, nil
}

// Name returns the full name of the node.
func (n *Node) Name() string {
	return n.name.String()
}

// Creation returns the creation announced to peers.
func (n *Node) Creation() uint32 {
	return n.config.creation
}

// Self returns the pid identifying this node as a message sender.
func (n *Node) Self() Pid {
	return Pid{
		Node:     n.name.String(),
		ID:       1,
		Serial:   0,
		Creation: n.config.creation,
	}
}

// Connect resolves target, dials it and runs the handshake. On failure the
// transport is closed and no Connection is returned.
func (n *Node) Connect(ctx context.Context, target string) (conn *Connection, err error) {
	if !n.consumed.CompareAndSwap(false, true) {
		return nil, wrap(ErrConnect, ErrNodeConsumed)
	}

	ctx, span := n.tracer.Start(ctx, "cnode.Connect",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("cnode.peer", target)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	peer, err := ParseNodeName(target)
	if err != nil {
		return nil, wrap(ErrConnect, err)
	}
	logger := n.logger.With(LabelPeerName.L(peer))

	ctx, cancel := context.WithTimeout(ctx, n.config.handshakeTimeout)
	defer cancel()

	addr, err := n.config.resolver.Resolve(ctx, peer)
	if err != nil {
		n.config.msink.IncrCounterWithLabels(
			MetricResolveErrorCount,
			1.0,
			withLabels(n.config.metricLabels, LabelPeerName.M(peer.String())),
		)
		logger.Debug("could not resolve peer", LabelError.L(err))
		return nil, wrap(ErrConnect, err)
	}
	span.SetAttributes(attribute.String("cnode.peer_addr", addr))

	rawConn, err := n.config.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if f, ok := n.config.resolver.(interface{ Forget(NodeName) }); ok {
			f.Forget(peer)
		}
		logger.Debug("could not dial peer", LabelPeerAddr.L(addr), LabelError.L(err))
		return nil, wrap(ErrConnect, err)
	}

	res, err := n.handshake(ctx, rawConn, true)
	if err != nil {
		rawConn.Close()
		logger.Warn("handshake failed", LabelPeerAddr.L(addr), LabelError.L(err))
		return nil, wrap(ErrConnect, err)
	}

	logger.Info("connected", LabelPeerAddr.L(addr))
	return newConnection(n, rawConn, res), nil
}

// Accept runs the accepting side of the handshake on conn, an already
// established transport. On failure conn is closed.
func (n *Node) Accept(ctx context.Context, conn net.Conn) (c *Connection, err error) {
	if !n.consumed.CompareAndSwap(false, true) {
		conn.Close()
		return nil, wrap(ErrConnect, ErrNodeConsumed)
	}

	ctx, span := n.tracer.Start(ctx, "cnode.Accept",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("cnode.peer_addr", conn.RemoteAddr().String())),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	ctx, cancel := context.WithTimeout(ctx, n.config.handshakeTimeout)
	defer cancel()

	res, err := n.handshake(ctx, conn, false)
	if err != nil {
		conn.Close()
		n.logger.Warn("handshake failed", LabelPeerAddr.L(conn.RemoteAddr().String()), LabelError.L(err))
		return nil, wrap(ErrConnect, err)
	}

	span.SetAttributes(attribute.String("cnode.peer", res.peerName))
	n.logger.Info("accepted", LabelPeerName.L(res.peerName))
	return newConnection(n, conn, res), nil
}

func (n *Node) handshake(ctx context.Context, conn net.Conn, client bool) (res handshakeResult, err error) {
	side := "server"
	if client {
		side = "client"
	}
	defer func() {
		labels := withLabels(n.config.metricLabels, LabelSide.M(side))
		if err != nil {
			n.config.msink.IncrCounterWithLabels(MetricHandshakeErrorCount, 1.0, labels)
		} else {
			n.config.msink.IncrCounterWithLabels(MetricHandshakeCount, 1.0, labels)
		}
	}()

	if dl, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(dl); err != nil {
			return res, err
		}
	}
	// Unblock pending reads and writes when ctx is cancelled early.
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	hs := &handshaker{
		conn:     conn,
		name:     n.name.String(),
		creation: n.config.creation,
		cookie:   n.cookie,
		flags:    localFlags,
	}
	if client {
		res, err = hs.client()
	} else {
		res, err = hs.server()
	}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, fmt.Errorf("%w: %w", ErrTimeout, ctxErr)
		}
		if isTimeout(err) {
			return res, fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return res, err
	}

	if !stop() {
		// ctx fired right after the last message, the deadline is poisoned.
		return res, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
	return res, conn.SetDeadline(time.Time{})
}
