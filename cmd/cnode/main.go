// Command cnode talks to Erlang nodes from the command line.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/hashicorp/go-metrics"
	gmprom "github.com/hashicorp/go-metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/raskyld/cnode"
	"github.com/spf13/cobra"
)

type globals struct {
	name        string
	cookie      string
	logLevel    string
	metricsAddr string

	logger *slog.Logger
	sink   metrics.MetricSink
}

func main() {
	g := &globals{}

	rootCmd := &cobra.Command{
		Use:   "cnode",
		Short: "Talk to Erlang nodes over the distribution protocol",
		Long: `cnode runs a hidden node speaking the Erlang distribution protocol.

It can ping registered processes, serve an echo process other nodes can
call, list the nodes known to an epmd and run a small epmd of its own.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return g.setup()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&g.name, "name", "cnode", "node name, alive@host or alive")
	flags.StringVar(&g.cookie, "cookie", os.Getenv("ERLANG_COOKIE"), "distribution cookie (defaults to $ERLANG_COOKIE)")
	flags.StringVar(&g.logLevel, "log-level", "info", "one of debug, info, warn, error")
	flags.StringVar(&g.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	rootCmd.AddCommand(
		pingCmd(g),
		echoCmd(g),
		namesCmd(g),
		epmdCmd(g),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func (g *globals) setup() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	g.logger = slog.New(handler)
	slog.SetDefault(g.logger)

	if g.metricsAddr == "" {
		g.sink = &metrics.BlackholeSink{}
		return nil
	}

	registry := prometheus.NewRegistry()
	sink, err := gmprom.NewPrometheusSinkFrom(gmprom.PrometheusOpts{
		Expiration: time.Minute,
		Registerer: registry,
	})
	if err != nil {
		return fmt.Errorf("could not create metrics sink: %w", err)
	}
	g.sink = sink

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	go func() {
		err := http.ListenAndServe(g.metricsAddr, mux)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("metrics server stopped", "error", err)
		}
	}()
	return nil
}

// node returns a fresh Node, one is needed per connection.
func (g *globals) node(opts ...cnode.Option) (*cnode.Node, error) {
	opts = append([]cnode.Option{
		cnode.WithLog(g.logger.Handler()),
		cnode.WithMetricSink(g.sink),
	}, opts...)
	return cnode.NewNode(g.name, g.cookie, opts...)
}
