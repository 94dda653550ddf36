// Package cnode lets a Go program join an Erlang cluster as a hidden node.
//
// A `Node` holds the local identity: a name like `gopher@host` and the
// cookie shared with the cluster. `Node.Connect` resolves a peer, dials it
// and runs the distribution handshake, yielding a `Connection` that can
// `Connection.Send` terms to a pid, `Connection.RegSend` terms to a
// registered name and `Connection.Receive` what the peer sends back.
//
//	node, err := cnode.NewNode("gopher@localhost", "secret")
//	if err != nil {
//		return err
//	}
//	conn, err := node.Connect(ctx, "echo@localhost")
//	if err != nil {
//		return err
//	}
//	defer conn.Close()
//
//	err = conn.RegSend("echo_server", etf.Atom("ping"))
//	reply, err := conn.ReceiveTimeout(5 * time.Second)
//
// Terms are encoded with the in-tree `etf` package.
//
// ## How it works
//
// Peers are found through a `Resolver`. The default asks the epmd of the
// peer host, other implementations read a static table, an etcd prefix or
// the metadata of a memberlist cluster, and `CachingResolver` sits in front
// of any of them.
//
// The transport comes from a `Dialer`: plain TCP by default, or one QUIC
// stream per connection with `QUICDialer` and `ListenQUIC` when both ends are
// Go nodes.
//
// Once connected, the peer sends ticks (empty frames) to check we are alive.
// They are answered from within the receive calls, so a Connection nobody
// receives on eventually gets dropped by the peer.
//
// ## Errors
//
// Every error wraps one kind: `ErrInit`, `ErrConnect`, `ErrSend`,
// `ErrReceive` or `ErrDecode`, and a more precise cause. Use `errors.Is`
// on either, or `KindOf` and `Retryable`.
//
// A failed write leaves the peer with a partial frame, the Connection is
// closed and later calls fail with `ErrConnectionBroken`. A term that cannot
// be decoded only fails the receive call that read it.
//
// ## Observability
//
// Logs go to the `slog.Handler` given with `WithLog`, metrics to the
// go-metrics `MetricSink` given with `WithMetricSink` and spans to the
// OpenTelemetry `TracerProvider` given with `WithTracerProvider`. Cookies
// are never logged.
package cnode
