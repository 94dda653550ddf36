package epmd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) *Client {
	t.Helper()
	return startServerWithLogger(t, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})).With("emitter", "epmd"))
}

func startServerWithLogger(t *testing.T, logger *slog.Logger) *Client {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &Server{Logger: logger}
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		require.NoError(t, srv.Close())
		require.NoError(t, <-done)
	})

	return &Client{Port: ln.Addr().(*net.TCPAddr).Port}
}

func TestClientServer(t *testing.T) {
	client := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reg, err := client.Register(ctx, "127.0.0.1", NodeInfo{
		Name:  "echo",
		Port:  5555,
		Extra: []byte("x"),
	})
	require.NoError(t, err)
	require.NotZero(t, reg.Creation)

	t.Run("lookup a registered node", func(t *testing.T) {
		info, err := client.LookupPort(ctx, "127.0.0.1", "echo")
		require.NoError(t, err)
		require.Equal(t, NodeInfo{
			Name:           "echo",
			Port:           5555,
			Type:           TypeHidden,
			HighestVersion: HighestVersion,
			LowestVersion:  LowestVersion,
			Extra:          []byte("x"),
		}, info)
	})

	t.Run("lookup an unknown node", func(t *testing.T) {
		_, err := client.LookupPort(ctx, "127.0.0.1", "nobody")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("names lists registrations", func(t *testing.T) {
		other, err := client.Register(ctx, "127.0.0.1", NodeInfo{Name: "another", Port: 6666, Type: TypeNormal})
		require.NoError(t, err)
		defer other.Close()
		require.NotEqual(t, reg.Creation, other.Creation)

		entries, err := client.Names(ctx, "127.0.0.1")
		require.NoError(t, err)
		require.Equal(t, []Entry{
			{Name: "another", Port: 6666},
			{Name: "echo", Port: 5555},
		}, entries)
	})

	t.Run("a name can only be registered once", func(t *testing.T) {
		_, err := client.Register(ctx, "127.0.0.1", NodeInfo{Name: "echo", Port: 7777})
		require.ErrorIs(t, err, ErrRegistration)
	})

	t.Run("closing the registration unregisters", func(t *testing.T) {
		require.NoError(t, reg.Close())
		require.Eventually(t, func() bool {
			_, err := client.LookupPort(ctx, "127.0.0.1", "echo")
			return errors.Is(err, ErrNotFound)
		}, 2*time.Second, 20*time.Millisecond)
	})
}

func TestNodeInfoEncoding(t *testing.T) {
	info := NodeInfo{
		Name:           "a",
		Port:           0x1234,
		Type:           TypeNormal,
		Protocol:       0,
		HighestVersion: 6,
		LowestVersion:  5,
		Extra:          []byte{},
	}
	b := appendNodeInfo(nil, info)
	require.Equal(t, []byte{0x12, 0x34, 77, 0, 0, 6, 0, 5, 0, 1, 'a', 0, 0}, b)

	got, err := parseNodeInfo(b)
	require.NoError(t, err)
	require.Equal(t, info, got)

	_, err = parseNodeInfo(b[:len(b)-1])
	require.ErrorIs(t, err, ErrProtocol)
}

// syncBuffer collects log lines written from several goroutines.
type syncBuffer struct {
	lk  sync.Mutex
	buf bytes.Buffer
}

func (sb *syncBuffer) Write(p []byte) (int, error) {
	sb.lk.Lock()
	defer sb.lk.Unlock()
	return sb.buf.Write(p)
}

func (sb *syncBuffer) String() string {
	sb.lk.Lock()
	defer sb.lk.Unlock()
	return sb.buf.String()
}

func TestServer_LogKeys(t *testing.T) {
	logs := &syncBuffer{}
	client := startServerWithLogger(t, slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reg, err := client.Register(ctx, "127.0.0.1", NodeInfo{Name: "echo", Port: 5555})
	require.NoError(t, err)
	defer reg.Close()
	_, err = client.Register(ctx, "127.0.0.1", NodeInfo{Name: "echo", Port: 7777})
	require.ErrorIs(t, err, ErrRegistration)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(client.Port)))
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte{0, 1, 99})
	require.NoError(t, err)
	_, err = io.Copy(io.Discard, conn)
	require.NoError(t, err)

	out := logs.String()
	require.Contains(t, out, `"`+LogKeyNode+`":"echo"`)
	require.Contains(t, out, `"`+LogKeyPeerAddr+`":"127.0.0.1:`)
	require.NotContains(t, out, `"name":`)
	require.NotContains(t, out, `"remote":`)
}
