package main

import (
	"fmt"
	"time"

	"github.com/raskyld/cnode"
	"github.com/raskyld/cnode/pkg/etf"
	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"
)

func pingCmd(g *globals) *cobra.Command {
	var (
		process       string
		timeout       time.Duration
		count         int
		etcdEndpoints []string
	)

	cmd := &cobra.Command{
		Use:   "ping TARGET",
		Short: "Send ping to a registered process and wait for the answer",
		Long: `Connect to TARGET, send the atom ping to a registered process and
print every reply. An echo process replies pong.`,
		Example: `  cnode ping --cookie secret b@localhost
  cnode ping --process echo_server --count 3 b@localhost`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []cnode.Option
			if len(etcdEndpoints) > 0 {
				client, err := clientv3.New(clientv3.Config{
					Endpoints:   etcdEndpoints,
					DialTimeout: 5 * time.Second,
				})
				if err != nil {
					return fmt.Errorf("could not create etcd client: %w", err)
				}
				defer client.Close()
				opts = append(opts, cnode.WithResolver(&cnode.EtcdResolver{KV: client}))
			}

			node, err := g.node(opts...)
			if err != nil {
				return err
			}

			conn, err := node.Connect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer conn.Close()

			for i := 0; i < count; i++ {
				start := time.Now()
				if err := conn.RegSend(process, etf.Atom("ping")); err != nil {
					return err
				}
				reply, err := conn.ReceiveTimeout(timeout)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%v from %s in %s\n", reply, conn.Peer(), time.Since(start))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&process, "process", "echo_server", "registered name to send to")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "how long to wait for each reply")
	cmd.Flags().IntVar(&count, "count", 1, "number of pings")
	cmd.Flags().StringSliceVar(&etcdEndpoints, "etcd", nil, "resolve TARGET through etcd instead of epmd")

	return cmd
}
