package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/raskyld/cnode/pkg/epmd"
	"github.com/spf13/cobra"
)

func namesCmd(g *globals) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "names [HOST]",
		Short: "List the nodes registered with the epmd of HOST",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host := "localhost"
			if len(args) == 1 {
				host = args[0]
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			client := &epmd.Client{Port: port}
			entries, err := client.Names(ctx, host)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tPORT")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%d\n", e.Name, e.Port)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&port, "epmd-port", epmd.DefaultPort, "port of epmd")
	return cmd
}

func epmdCmd(g *globals) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "epmd",
		Short: "Run an epmd",
		Long: `Run a minimal epmd answering ALIVE2, PORT_PLEASE2 and NAMES requests,
for hosts without an Erlang installation.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ln, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("could not listen: %w", err)
			}

			srv := &epmd.Server{Logger: g.logger}
			go func() {
				<-ctx.Done()
				srv.Close()
			}()
			return srv.Serve(ln)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", fmt.Sprintf(":%d", epmd.DefaultPort), "address to listen on")
	return cmd
}
