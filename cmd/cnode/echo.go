package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/raskyld/cnode"
	"github.com/raskyld/cnode/pkg/epmd"
	"github.com/raskyld/cnode/pkg/etf"
	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"
)

func echoCmd(g *globals) *cobra.Command {
	var (
		listen        string
		epmdHost      string
		noEPMD        bool
		etcdEndpoints []string
		gossipPeers   []string
		gossipPort    int
	)

	cmd := &cobra.Command{
		Use:   "echo",
		Short: "Serve a process answering ping with pong",
		Long: `Accept distribution connections and answer every message sent to
any registered name: ping is answered with pong, any other term is sent back
unchanged. The listener is registered with the local epmd, and optionally in
etcd or a gossip cluster.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			name, err := cnode.ParseNodeName(g.name)
			if err != nil {
				return err
			}

			ln, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("could not listen: %w", err)
			}
			defer ln.Close()
			port := ln.Addr().(*net.TCPAddr).Port
			logger := g.logger.With("node", name.String(), "port", port)

			// Zero lets every node pick its own creation.
			var creation uint32
			if !noEPMD {
				client := &epmd.Client{}
				reg, err := client.Register(ctx, epmdHost, epmd.NodeInfo{Name: name.Alive, Port: port})
				if err != nil {
					return fmt.Errorf("could not register with epmd: %w", err)
				}
				defer reg.Close()
				creation = reg.Creation
				logger.Info("registered with epmd", "creation", creation)
			}

			if len(etcdEndpoints) > 0 {
				client, err := clientv3.New(clientv3.Config{
					Endpoints:   etcdEndpoints,
					DialTimeout: 5 * time.Second,
				})
				if err != nil {
					return fmt.Errorf("could not create etcd client: %w", err)
				}
				defer client.Close()

				addr := net.JoinHostPort(name.Host, fmt.Sprint(port))
				reg, err := cnode.RegisterEtcd(ctx, client, client, "", name.String(), addr, 10, g.logger.Handler())
				if err != nil {
					return err
				}
				defer reg.Close(context.Background())
			}

			if len(gossipPeers) > 0 || gossipPort != 0 {
				gossip, err := cnode.NewGossip(cnode.GossipConfig{
					Name:       name.String(),
					BindPort:   gossipPort,
					Peers:      gossipPeers,
					LogHandler: g.logger.Handler(),
				})
				if err != nil {
					return err
				}
				defer gossip.Close()
				if err := gossip.Advertise(name.String(), port); err != nil {
					return err
				}
			}

			go func() {
				<-ctx.Done()
				ln.Close()
			}()

			logger.Info("waiting for connections")
			var wg sync.WaitGroup
			defer wg.Wait()
			for {
				conn, err := ln.Accept()
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					serveEcho(ctx, g, conn, creation)
				}()
			}
		},
	}

	cmd.Flags().StringVar(&listen, "listen", ":0", "address to accept distribution connections on")
	cmd.Flags().StringVar(&epmdHost, "epmd-host", "localhost", "host of the epmd to register with")
	cmd.Flags().BoolVar(&noEPMD, "no-epmd", false, "do not register with epmd")
	cmd.Flags().StringSliceVar(&etcdEndpoints, "etcd", nil, "also register the node in etcd")
	cmd.Flags().StringSliceVar(&gossipPeers, "gossip-peers", nil, "also advertise the node to a gossip cluster")
	cmd.Flags().IntVar(&gossipPort, "gossip-port", 0, "port of the gossip member")

	return cmd
}

// serveEcho runs the handshake on raw and answers messages until the peer
// hangs up or ctx is done. Local pids carry creation.
func serveEcho(ctx context.Context, g *globals, raw net.Conn, creation uint32) {
	node, err := g.node(cnode.WithCreation(creation))
	if err != nil {
		g.logger.Error("could not create node", "error", err)
		raw.Close()
		return
	}

	conn, err := node.Accept(ctx, raw)
	if err != nil {
		return
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	logger := g.logger.With("peer", conn.Peer())
	for {
		msg, err := conn.ReceiveMessage(0)
		if err != nil {
			if errors.Is(err, cnode.ErrDecode) {
				logger.Warn("dropping undecodable message", "error", err)
				continue
			}
			if ctx.Err() == nil && !errors.Is(err, cnode.ErrConnectionClosed) {
				logger.Info("connection lost", "error", err)
			}
			return
		}
		if !msg.Op.IsMessage() || msg.From == (cnode.Pid{}) {
			logger.Debug("ignoring control message", "op", msg.Op.String())
			continue
		}

		reply := msg.Payload
		if msg.Payload == etf.Atom("ping") {
			reply = etf.Atom("pong")
		}
		if err := conn.Send(msg.From, reply); err != nil {
			logger.Warn("could not reply", "to", msg.From, "error", err)
			return
		}
		logger.Debug("echoed", "to", msg.From)
	}
}
