package cnode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/cnode/pkg/etf"
)

var tick = []byte{0, 0, 0, 0}

// Connection is an authenticated channel to one remote node.
//
// One goroutine may receive while others send: writes, including the tick
// replies emitted while receiving, are serialised. Receiving from two
// goroutines at once is not supported.
//
// Ticks are only answered during a receive call. A Connection that only
// sends for longer than the net_ticktime of its peer gets disconnected.
type Connection struct {
	conn   net.Conn
	self   Pid
	peer   string
	flags  uint64
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	reader frameReader
	rlk    sync.Mutex

	wlk    sync.Mutex
	broken atomic.Bool
	closed atomic.Bool
}

func newConnection(n *Node, conn net.Conn, res handshakeResult) *Connection {
	c := &Connection{
		conn:  conn,
		self:  n.Self(),
		peer:  res.peerName,
		flags: res.peerFlags,
		logger: n.logger.With(
			LabelPeerName.L(res.peerName),
			LabelPeerAddr.L(conn.RemoteAddr().String()),
		),
		msink:  n.config.msink,
		labels: withLabels(n.config.metricLabels, LabelPeerName.M(res.peerName)),
		reader: frameReader{r: conn, max: n.config.maxMessageSize},
	}
	return c
}

// Self returns the pid used as sender of our messages.
func (c *Connection) Self() Pid {
	return c.self
}

// Peer returns the full name the remote node announced during the handshake.
func (c *Connection) Peer() string {
	return c.peer
}

// Send delivers term to the process to.
func (c *Connection) Send(to Pid, term etf.Term) error {
	if !validIdentifier(to.Node) {
		return wrap(ErrSend, ErrInvalidPid)
	}
	return c.send(sendControl(c.self, to, c.flags), term)
}

// RegSend delivers term to the process registered as name on the peer.
func (c *Connection) RegSend(name string, term etf.Term) error {
	return c.send(regSendControl(c.self, name), term)
}

func (c *Connection) send(control etf.Tuple, payload etf.Term) error {
	if c.closed.Load() {
		return wrap(ErrSend, ErrConnectionClosed)
	}
	if c.broken.Load() {
		return wrap(ErrSend, ErrConnectionBroken)
	}

	buf := takeBuffer()
	defer buf.Release()

	// Length is patched once the body is encoded.
	buf.B = append(buf.B, 0, 0, 0, 0, passThrough)

	var err error
	if buf.B, err = etf.AppendTerm(buf.B, control); err != nil {
		c.countSendError("encode")
		return wrap(ErrSend, err)
	}
	if buf.B, err = etf.AppendTerm(buf.B, payload); err != nil {
		c.countSendError("encode")
		return wrap(ErrSend, err)
	}
	binary.BigEndian.PutUint32(buf.B, uint32(buf.Len()-4))

	if err := c.write(buf.B); err != nil {
		c.countSendError("write")
		return wrap(ErrSend, err)
	}

	c.msink.IncrCounterWithLabels(MetricFrameOutBytes, float32(buf.Len()), c.labels)
	c.msink.IncrCounterWithLabels(MetricMessageOutCount, 1.0, c.labels)
	return nil
}

// write puts b on the wire in one call.
func (c *Connection) write(b []byte) error {
	c.wlk.Lock()
	defer c.wlk.Unlock()
	return c.writeLocked(b, time.Time{})
}

// replyTick answers a tick without outliving deadline. When another writer
// holds the lock the reply is skipped, its frame keeps the link alive.
func (c *Connection) replyTick(deadline time.Time) (bool, error) {
	if !c.wlk.TryLock() {
		return false, nil
	}
	defer c.wlk.Unlock()
	return true, c.writeLocked(tick, deadline)
}

// writeLocked must be called with wlk held. A failed or short write leaves
// a truncated frame behind, so the transport is closed to make the peer see
// EOF instead of reading garbage. A write timing out before any byte left
// keeps the stream intact.
func (c *Connection) writeLocked(b []byte, deadline time.Time) error {
	if c.broken.Load() {
		return ErrConnectionBroken
	}
	if !deadline.IsZero() {
		if err := c.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer c.conn.SetWriteDeadline(time.Time{})
	}

	n, err := c.conn.Write(b)
	if err == nil && n != len(b) {
		err = ErrShortWrite
	}
	if err != nil {
		if n == 0 && isTimeout(err) {
			return fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		c.broken.Store(true)
		c.conn.Close()
		c.logger.Warn("write failed, connection is now broken", LabelError.L(err))
		return fmt.Errorf("%w: %w", ErrConnectionBroken, err)
	}
	return nil
}

func (c *Connection) countSendError(reason string) {
	c.msink.IncrCounterWithLabels(
		MetricSendErrorCount,
		1.0,
		withLabels(c.labels, LabelError.M(reason)),
	)
}

// Receive blocks until a message carrying a payload arrives and returns the
// payload.
func (c *Connection) Receive() (etf.Term, error) {
	msg, err := c.receive(time.Time{}, true)
	if err != nil {
		return nil, err
	}
	return msg.Payload, nil
}

// ReceiveTimeout is Receive bounded by timeout. The bound covers the whole
// call: ticks absorbed while waiting do not extend it. A zero timeout blocks
// like Receive.
func (c *Connection) ReceiveTimeout(timeout time.Duration) (etf.Term, error) {
	msg, err := c.receive(deadlineFor(timeout), true)
	if err != nil {
		return nil, err
	}
	return msg.Payload, nil
}

// ReceiveMessage returns the next distribution message, including control
// messages without payload such as links and exits. A zero timeout blocks.
func (c *Connection) ReceiveMessage(timeout time.Duration) (*Message, error) {
	return c.receive(deadlineFor(timeout), false)
}

func deadlineFor(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

func (c *Connection) receive(deadline time.Time, payloadOnly bool) (*Message, error) {
	c.rlk.Lock()
	defer c.rlk.Unlock()

	if c.closed.Load() {
		return nil, wrap(ErrReceive, ErrConnectionClosed)
	}
	if c.broken.Load() {
		return nil, wrap(ErrReceive, ErrConnectionBroken)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, wrap(ErrReceive, err)
	}

	for {
		fr := c.reader.next()

		switch fr.kind {
		case frameHeartbeat:
			c.msink.IncrCounterWithLabels(MetricTickInCount, 1.0, c.labels)
			replied, err := c.replyTick(deadline)
			if err != nil {
				return nil, c.receiveError(err)
			}
			if replied {
				c.msink.IncrCounterWithLabels(MetricTickOutCount, 1.0, c.labels)
			}

		case frameError:
			if !errors.Is(fr.err, ErrTimeout) {
				// The stream cannot be resynchronised.
				c.breakConnection()
			}
			return nil, c.receiveError(fr.err)

		case frameData:
			c.msink.IncrCounterWithLabels(MetricFrameInBytes, float32(fr.body.Len()+4), c.labels)
			msg, err := parseMessage(fr.body.B)
			fr.body.Release()
			if err != nil {
				if errors.Is(err, ErrDecode) {
					c.msink.IncrCounterWithLabels(MetricDecodeErrorCount, 1.0, c.labels)
				} else {
					c.msink.IncrCounterWithLabels(MetricReceiveErrorCount, 1.0, c.labels)
				}
				c.logger.Debug("dropping undecodable message", LabelError.L(err))
				return nil, err
			}

			if payloadOnly && !msg.Op.IsMessage() {
				c.msink.IncrCounterWithLabels(
					MetricMessageSkippedCount,
					1.0,
					withLabels(c.labels, LabelOp.M(msg.Op.String())),
				)
				c.logger.Debug("skipping control message", LabelOp.L(msg.Op.String()))
				continue
			}

			c.msink.IncrCounterWithLabels(MetricMessageInCount, 1.0, c.labels)
			return msg, nil
		}
	}
}

func (c *Connection) receiveError(err error) error {
	c.msink.IncrCounterWithLabels(MetricReceiveErrorCount, 1.0, c.labels)
	return wrap(ErrReceive, err)
}

func (c *Connection) breakConnection() {
	if c.broken.Swap(true) {
		return
	}
	c.reader.release()
	c.conn.Close()
}

// Close closes the transport. Pending calls return with an error.
func (c *Connection) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.logger.Debug("closing connection")
	return c.conn.Close()
}
