package cnode

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/cnode/pkg/etf"
	"github.com/stretchr/testify/require"
)

func testLogHandler(emitter string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(emitter)},
	})
}

func testNode(t *testing.T, name string, opts ...Option) (*Node, *metrics.InmemSink) {
	t.Helper()
	sink := metrics.NewInmemSink(time.Second, 5*time.Minute)
	opts = append([]Option{WithLog(testLogHandler(name)), WithMetricSink(sink)}, opts...)
	n, err := NewNode(name, "secret", opts...)
	require.NoError(t, err)
	return n, sink
}

// testConnection returns a Connection already past the handshake, and the
// raw end of the peer.
func testConnection(t *testing.T, peerFlags uint64, opts ...Option) (*Connection, net.Conn, *metrics.InmemSink) {
	t.Helper()
	n, sink := testNode(t, "a@host", opts...)
	local, remote := net.Pipe()
	c := newConnection(n, local, handshakeResult{peerName: "b@host", peerFlags: peerFlags, peerCreation: 2})
	t.Cleanup(func() {
		c.Close()
		remote.Close()
	})
	return c, remote, sink
}

func counterSum(sink *metrics.InmemSink, name string) float64 {
	var total float64
	for _, interval := range sink.Data() {
		for _, v := range interval.Counters {
			if v.Name == name {
				total += v.Sum
			}
		}
	}
	return total
}

var remotePid = Pid{Node: "b@host", ID: 42, Serial: 1, Creation: 2}

func dataFrame(t *testing.T, control etf.Term, payload etf.Term) []byte {
	t.Helper()
	body := []byte{passThrough}
	body, err := etf.AppendTerm(body, control)
	require.NoError(t, err)
	if payload != nil {
		body, err = etf.AppendTerm(body, payload)
		require.NoError(t, err)
	}
	return rawFrame(body)
}

func rawFrame(body []byte) []byte {
	return append(binary.BigEndian.AppendUint32(nil, uint32(len(body))), body...)
}

func sendFrame(t *testing.T, payload etf.Term) []byte {
	return dataFrame(t, etf.Tuple{int(OpSendSender), remotePid.Term(), Pid{Node: "a@host", ID: 1, Creation: 1}.Term()}, payload)
}

// readFrame reads one frame written by the Connection under test.
func readFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	var hdr [4]byte
	_, err := io.ReadFull(conn, hdr[:])
	require.NoError(t, err)
	body := make([]byte, binary.BigEndian.Uint32(hdr[:]))
	_, err = io.ReadFull(conn, body)
	require.NoError(t, err)
	return body
}

func TestReceive_HeartbeatTransparency(t *testing.T) {
	for _, ticks := range []int{0, 1, 100} {
		c, remote, sink := testConnection(t, localFlags)

		var replies atomic.Int32
		go func() {
			var reply [4]byte
			for i := 0; i < ticks; i++ {
				if _, err := remote.Write(tick); err != nil {
					return
				}
				if _, err := io.ReadFull(remote, reply[:]); err != nil || reply != [4]byte{} {
					return
				}
				replies.Add(1)
			}
			remote.Write(sendFrame(t, etf.Atom("data")))
		}()

		got, err := c.Receive()
		require.NoError(t, err, "ticks=%d", ticks)
		require.Equal(t, etf.Atom("data"), got, "ticks=%d", ticks)
		require.Equal(t, int32(ticks), replies.Load())
		require.Equal(t, float64(ticks), counterSum(sink, "cnode.tick.in.count"))
		require.Equal(t, float64(ticks), counterSum(sink, "cnode.tick.out.count"))
	}
}

func TestReceiveTimeout(t *testing.T) {
	t.Run("nothing arrives", func(t *testing.T) {
		c, _, _ := testConnection(t, localFlags)

		start := time.Now()
		_, err := c.ReceiveTimeout(100 * time.Millisecond)
		elapsed := time.Since(start)

		require.ErrorIs(t, err, ErrReceive)
		require.ErrorIs(t, err, ErrTimeout)
		require.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
		require.Less(t, elapsed, 600*time.Millisecond)
		require.True(t, Retryable(err))
	})

	t.Run("ticks do not extend the deadline", func(t *testing.T) {
		c, remote, _ := testConnection(t, localFlags)

		go func() {
			var reply [4]byte
			for {
				if _, err := remote.Write(tick); err != nil {
					return
				}
				if _, err := io.ReadFull(remote, reply[:]); err != nil {
					return
				}
				time.Sleep(20 * time.Millisecond)
			}
		}()

		start := time.Now()
		_, err := c.ReceiveTimeout(200 * time.Millisecond)
		elapsed := time.Since(start)

		require.ErrorIs(t, err, ErrTimeout)
		require.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
		require.Less(t, elapsed, 700*time.Millisecond)
	})

	t.Run("a frame split by the deadline is resumed", func(t *testing.T) {
		c, remote, _ := testConnection(t, localFlags)
		frame := sendFrame(t, etf.Atom("split"))
		half := len(frame) / 2

		go remote.Write(frame[:half])
		_, err := c.ReceiveTimeout(50 * time.Millisecond)
		require.ErrorIs(t, err, ErrTimeout)

		go remote.Write(frame[half:])
		got, err := c.ReceiveTimeout(time.Second)
		require.NoError(t, err)
		require.Equal(t, etf.Atom("split"), got)
	})

	t.Run("tick reply is bounded by the deadline", func(t *testing.T) {
		c, remote, sink := testConnection(t, localFlags)

		// The peer ticks but never reads our reply.
		go remote.Write(tick)

		start := time.Now()
		_, err := c.ReceiveTimeout(100 * time.Millisecond)
		elapsed := time.Since(start)

		require.ErrorIs(t, err, ErrReceive)
		require.ErrorIs(t, err, ErrTimeout)
		require.Less(t, elapsed, 600*time.Millisecond)
		require.Zero(t, counterSum(sink, "cnode.tick.out.count"))

		// Nothing was written, the connection is still usable.
		go remote.Write(sendFrame(t, etf.Atom("after")))
		got, err := c.ReceiveTimeout(time.Second)
		require.NoError(t, err)
		require.Equal(t, etf.Atom("after"), got)
	})

	t.Run("tick reply is skipped while a writer holds the link", func(t *testing.T) {
		c, remote, sink := testConnection(t, localFlags)

		c.wlk.Lock()
		defer c.wlk.Unlock()

		go func() {
			remote.Write(tick)
			remote.Write(sendFrame(t, etf.Atom("data")))
		}()

		got, err := c.ReceiveTimeout(time.Second)
		require.NoError(t, err)
		require.Equal(t, etf.Atom("data"), got)
		require.Equal(t, 1.0, counterSum(sink, "cnode.tick.in.count"))
		require.Zero(t, counterSum(sink, "cnode.tick.out.count"))
	})
}

func TestReceive_Errors(t *testing.T) {
	t.Run("non pass-through body", func(t *testing.T) {
		c, remote, _ := testConnection(t, localFlags)
		go func() {
			remote.Write(rawFrame([]byte{'x', 1, 2, 3}))
			remote.Write(sendFrame(t, etf.Atom("after")))
		}()

		_, err := c.Receive()
		require.ErrorIs(t, err, ErrReceive)
		require.ErrorIs(t, err, ErrProtocolViolation)
		require.NotErrorIs(t, err, ErrDecode)

		got, err := c.Receive()
		require.NoError(t, err)
		require.Equal(t, etf.Atom("after"), got)
	})

	t.Run("control without operation", func(t *testing.T) {
		c, remote, _ := testConnection(t, localFlags)
		go remote.Write(dataFrame(t, etf.Atom("oops"), etf.Atom("x")))

		_, err := c.Receive()
		require.ErrorIs(t, err, ErrReceive)
		require.ErrorIs(t, err, ErrProtocolViolation)
	})

	t.Run("peer hangs up", func(t *testing.T) {
		c, remote, _ := testConnection(t, localFlags)
		remote.Close()

		_, err := c.Receive()
		require.ErrorIs(t, err, ErrReceive)
		require.ErrorIs(t, err, io.EOF)
		require.NotErrorIs(t, err, ErrDecode)

		_, err = c.Receive()
		require.ErrorIs(t, err, ErrConnectionBroken)
	})

	t.Run("peer hangs up mid-frame", func(t *testing.T) {
		c, remote, _ := testConnection(t, localFlags)
		go func() {
			frame := sendFrame(t, etf.Atom("lost"))
			remote.Write(frame[:len(frame)-1])
			remote.Close()
		}()

		_, err := c.Receive()
		require.ErrorIs(t, err, ErrReceive)
		require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("oversized frame", func(t *testing.T) {
		c, remote, _ := testConnection(t, localFlags, WithMaxMessageSize(16))
		go remote.Write(sendFrame(t, etf.Binary(make([]byte, 64))))

		_, err := c.Receive()
		require.ErrorIs(t, err, ErrReceive)
		require.ErrorIs(t, err, ErrFrameTooLarge)
	})
}

func TestReceive_DecodeIsolation(t *testing.T) {
	c, remote, sink := testConnection(t, localFlags)

	corrupt := dataFrame(t, etf.Tuple{int(OpSend), etf.Atom(""), remotePid.Term()}, nil)
	body := append(corrupt[4:], 131, 104, 3, 97) // truncated tuple
	go func() {
		remote.Write(rawFrame(body))
		remote.Write(sendFrame(t, etf.Atom("next")))
	}()

	_, err := c.Receive()
	require.ErrorIs(t, err, ErrDecode)
	require.NotErrorIs(t, err, ErrReceive)
	require.False(t, Retryable(err))

	got, err := c.Receive()
	require.NoError(t, err)
	require.Equal(t, etf.Atom("next"), got)
	require.Equal(t, 1.0, counterSum(sink, "cnode.decode.error.count"))
}

func TestReceive_ControlMessages(t *testing.T) {
	c, remote, sink := testConnection(t, localFlags)
	self := c.Self()

	link := dataFrame(t, etf.Tuple{int(OpLink), remotePid.Term(), self.Term()}, nil)
	regSend := dataFrame(t, etf.Tuple{int(OpRegSend), remotePid.Term(), etf.Atom(""), etf.Atom("logger")}, etf.Atom("hello"))
	go func() {
		remote.Write(link)
		remote.Write(regSend)
		remote.Write(link)
	}()

	got, err := c.Receive()
	require.NoError(t, err)
	require.Equal(t, etf.Atom("hello"), got)
	require.Equal(t, 1.0, counterSum(sink, "cnode.message.skipped.count"))

	msg, err := c.ReceiveMessage(time.Second)
	require.NoError(t, err)
	require.Equal(t, OpLink, msg.Op)
	require.Nil(t, msg.Payload)
	require.Equal(t, "LINK", msg.Op.String())
}

func TestParseMessage(t *testing.T) {
	self := Pid{Node: "a@host", ID: 1, Creation: 1}

	cases := []struct {
		name    string
		control etf.Tuple
		want    Message
	}{
		{
			name:    "send",
			control: etf.Tuple{int(OpSend), etf.Atom(""), self.Term()},
			want:    Message{Op: OpSend, To: self},
		},
		{
			name:    "send sender",
			control: etf.Tuple{int(OpSendSender), remotePid.Term(), self.Term()},
			want:    Message{Op: OpSendSender, From: remotePid, To: self},
		},
		{
			name:    "reg send with trace token",
			control: etf.Tuple{int(OpRegSendTT), remotePid.Term(), etf.Atom(""), etf.Atom("srv"), etf.Atom("token")},
			want:    Message{Op: OpRegSendTT, From: remotePid, ToName: "srv"},
		},
		{
			name:    "alias send",
			control: etf.Tuple{int(OpAliasSend), remotePid.Term(), etf.Ref{Node: "a@host", Creation: 1, ID: []uint32{1, 2, 3}}},
			want:    Message{Op: OpAliasSend, From: remotePid, Alias: &etf.Ref{Node: "a@host", Creation: 1, ID: []uint32{1, 2, 3}}},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frame := dataFrame(t, tc.control, etf.Binary("payload"))
			msg, err := parseMessage(frame[4:])
			require.NoError(t, err)

			require.Equal(t, etf.Binary("payload"), msg.Payload)
			msg.Payload = nil
			msg.Control = nil
			require.Equal(t, tc.want, *msg)
		})
	}

	t.Run("bad pid is a decode error", func(t *testing.T) {
		bad := etf.Pid{Node: "", ID: 1}
		frame := dataFrame(t, etf.Tuple{int(OpSendSender), bad, self.Term()}, etf.Atom("x"))
		_, err := parseMessage(frame[4:])
		require.ErrorIs(t, err, ErrDecode)
		require.ErrorIs(t, err, ErrInvalidPid)
	})

	t.Run("message without payload", func(t *testing.T) {
		frame := dataFrame(t, etf.Tuple{int(OpSend), etf.Atom(""), self.Term()}, nil)
		_, err := parseMessage(frame[4:])
		require.ErrorIs(t, err, ErrReceive)
	})
}

func TestSend(t *testing.T) {
	to := Pid{Node: "b@host", ID: 7, Serial: 3, Creation: 2}

	cases := []struct {
		name    string
		flags   uint64
		send    func(c *Connection) error
		control func(self Pid) etf.Tuple
	}{
		{
			name:  "send with sender",
			flags: localFlags,
			send:  func(c *Connection) error { return c.Send(to, etf.Atom("hi")) },
			control: func(self Pid) etf.Tuple {
				return etf.Tuple{int64(OpSendSender), self.Term(), to.Term()}
			},
		},
		{
			name:  "send to an old peer",
			flags: requiredFlags,
			send:  func(c *Connection) error { return c.Send(to, etf.Atom("hi")) },
			control: func(self Pid) etf.Tuple {
				return etf.Tuple{int64(OpSend), etf.Atom(""), to.Term()}
			},
		},
		{
			name:  "reg send",
			flags: localFlags,
			send:  func(c *Connection) error { return c.RegSend("echo_server", etf.Atom("hi")) },
			control: func(self Pid) etf.Tuple {
				return etf.Tuple{int64(OpRegSend), self.Term(), etf.Atom(""), etf.Atom("echo_server")}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, remote, sink := testConnection(t, tc.flags)

			errCh := make(chan error, 1)
			go func() { errCh <- tc.send(c) }()

			body := readFrame(t, remote)
			require.NoError(t, <-errCh)
			require.Equal(t, byte(passThrough), body[0])

			control, rest, err := etf.Decode(body[1:])
			require.NoError(t, err)
			require.Equal(t, tc.control(c.Self()), control)

			payload, err := etf.Unmarshal(rest)
			require.NoError(t, err)
			require.Equal(t, etf.Atom("hi"), payload)
			require.Equal(t, 1.0, counterSum(sink, "cnode.message.out.count"))
		})
	}
}

func TestSend_InvalidDestination(t *testing.T) {
	c, remote, _ := testConnection(t, localFlags)

	for _, to := range []Pid{{}, {Node: "b\x00@host", ID: 1}} {
		err := c.Send(to, etf.Atom("hi"))
		require.ErrorIs(t, err, ErrSend)
		require.ErrorIs(t, err, ErrInvalidPid)
	}

	// Nothing reached the wire.
	require.NoError(t, remote.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	var b [1]byte
	_, err := remote.Read(b[:])
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)
}

func TestSend_EncodeFailureWritesNothing(t *testing.T) {
	c, remote, _ := testConnection(t, localFlags)

	err := c.RegSend("srv", struct{}{})
	require.ErrorIs(t, err, ErrSend)
	require.ErrorIs(t, err, etf.ErrUnsupported)

	go c.RegSend("srv", etf.Atom("valid"))
	body := readFrame(t, remote)
	_, rest, err := etf.Decode(body[1:])
	require.NoError(t, err)
	payload, err := etf.Unmarshal(rest)
	require.NoError(t, err)
	require.Equal(t, etf.Atom("valid"), payload)
}

// faultyConn fails after writing half of what it is given.
type faultyConn struct {
	net.Conn
}

func (fc *faultyConn) Write(b []byte) (int, error) {
	n, err := fc.Conn.Write(b[:len(b)/2])
	if err != nil {
		return n, err
	}
	return n, errors.New("link severed")
}

func TestSend_Atomicity(t *testing.T) {
	a, _ := testNode(t, "a@host")
	b, _ := testNode(t, "b@host")
	local, remote := net.Pipe()

	sender := newConnection(a, &faultyConn{local}, handshakeResult{peerName: "b@host", peerFlags: localFlags})
	receiver := newConnection(b, remote, handshakeResult{peerName: "a@host", peerFlags: localFlags})
	defer sender.Close()
	defer receiver.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- sender.Send(receiver.Self(), etf.Binary(make([]byte, 256))) }()

	_, err := receiver.Receive()
	require.ErrorIs(t, err, ErrReceive)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	sendErr := <-errCh
	require.ErrorIs(t, sendErr, ErrSend)
	require.ErrorIs(t, sendErr, ErrConnectionBroken)

	require.ErrorIs(t, sender.Send(receiver.Self(), etf.Atom("again")), ErrConnectionBroken)
}

func TestClose(t *testing.T) {
	c, _, _ := testConnection(t, localFlags)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.Receive()
	require.ErrorIs(t, err, ErrConnectionClosed)
	require.ErrorIs(t, c.RegSend("srv", etf.Atom("x")), ErrConnectionClosed)
}
