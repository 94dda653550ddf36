package cnode

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"google.golang.org/protobuf/encoding/protowire"
)

// GossipConfig configures the memberlist cluster behind a Gossip resolver.
type GossipConfig struct {
	// Name of the member, unique in the cluster. Defaults to the hostname.
	Name string

	// BindAddr and BindPort are where the gossip protocol listens. A zero
	// port picks a free one.
	BindAddr string
	BindPort int

	// Peers are tried to join the cluster.
	Peers []string

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler

	// MetricLabels to add to every metrics emitted by memberlist.
	MetricLabels []metrics.Label
}

// Gossip resolves node names through a memberlist cluster. Every member
// advertises the distribution listeners it hosts in its metadata, so Go
// nodes can find each other without epmd.
type Gossip struct {
	ml     *memberlist.Memberlist
	logger *slog.Logger

	lk         sync.RWMutex
	advertised map[string]int
}

const metaTimeout = 5 * time.Second

// NewGossip starts a member and joins cfg.Peers, if any.
func NewGossip(cfg GossipConfig) (*Gossip, error) {
	g := &Gossip{
		advertised: make(map[string]int),
	}

	mlCfg := memberlist.DefaultLocalConfig()
	if cfg.Name != "" {
		mlCfg.Name = cfg.Name
	}
	if cfg.BindAddr != "" {
		mlCfg.BindAddr = cfg.BindAddr
	}
	mlCfg.BindPort = cfg.BindPort
	mlCfg.AdvertisePort = cfg.BindPort

	// Logging implementations.
	handler := cfg.LogHandler
	if handler == nil {
		handler = slog.Default().Handler()
	}
	g.logger = slog.New(handler).With("component", "gossip")
	mlCfg.Logger = slog.NewLogLogger(handler, slog.LevelDebug)

	// TODO(raskyld): drop the translation once memberlist moves to
	// hashicorp/go-metrics.
	mlCfg.MetricLabels = make([]leg_metrics.Label, len(cfg.MetricLabels))
	for i, label := range cfg.MetricLabels {
		mlCfg.MetricLabels[i] = leg_metrics.Label{
			Name:  label.Name,
			Value: label.Value,
		}
	}

	mlCfg.Delegate = &gossipDelegate{g}
	mlCfg.Events = &gossipEvents{g.logger}

	ml, err := memberlist.Create(mlCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	g.ml = ml

	if len(cfg.Peers) > 0 {
		joined, err := ml.Join(cfg.Peers)
		if err != nil {
			ml.Shutdown()
			return nil, fmt.Errorf("%w: %w", ErrJoinCluster, err)
		}
		if joined != len(cfg.Peers) {
			g.logger.Warn(
				"not all peers are reachable",
				"joined", joined,
				"expected", len(cfg.Peers),
			)
		}
	}
	return g, nil
}

// LocalAddr returns the gossip address other members can join.
func (g *Gossip) LocalAddr() string {
	return g.ml.LocalNode().Address()
}

// Members returns the number of alive members.
func (g *Gossip) Members() int {
	return g.ml.NumMembers()
}

// Advertise announces that node accepts distribution connections on port of
// this member.
func (g *Gossip) Advertise(node string, port int) error {
	nn, err := ParseNodeName(node)
	if err != nil {
		return err
	}
	if port <= 0 || port > 0xffff {
		return fmt.Errorf("%w: port %d", ErrInvalidCfg, port)
	}

	g.lk.Lock()
	g.advertised[nn.String()] = port
	g.lk.Unlock()
	return g.ml.UpdateNode(metaTimeout)
}

// Withdraw stops advertising node.
func (g *Gossip) Withdraw(node string) error {
	if nn, err := ParseNodeName(node); err == nil {
		node = nn.String()
	}
	g.lk.Lock()
	delete(g.advertised, node)
	g.lk.Unlock()
	return g.ml.UpdateNode(metaTimeout)
}

func (g *Gossip) Resolve(_ context.Context, node NodeName) (string, error) {
	name := node.String()
	for _, member := range g.ml.Members() {
		nodes, err := decodeMeta(member.Meta)
		if err != nil {
			withLogNode(g.logger, member).Debug("ignoring malformed metadata", LabelError.L(err))
			continue
		}
		if port, ok := nodes[name]; ok {
			return net.JoinHostPort(member.Addr.String(), strconv.Itoa(port)), nil
		}
	}
	return "", fmt.Errorf("%w: %s is not advertised", ErrNameResolution, name)
}

// Close leaves the cluster and stops the member.
func (g *Gossip) Close() error {
	if err := g.ml.Leave(metaTimeout); err != nil {
		g.logger.Warn("could not leave gracefully", LabelError.L(err))
	}
	return g.ml.Shutdown()
}

// Metadata layout, one field 1 per advertised node:
//
//	message Advertisement { string node = 1; uint32 port = 2; }
//	message Meta { repeated Advertisement nodes = 1; }
func encodeMeta(nodes map[string]int, limit int) []byte {
	var out []byte
	for _, name := range slices.Sorted(maps.Keys(nodes)) {
		var ad []byte
		ad = protowire.AppendTag(ad, 1, protowire.BytesType)
		ad = protowire.AppendString(ad, name)
		ad = protowire.AppendTag(ad, 2, protowire.VarintType)
		ad = protowire.AppendVarint(ad, uint64(nodes[name]))

		next := protowire.AppendTag(out, 1, protowire.BytesType)
		next = protowire.AppendBytes(next, ad)
		if len(next) > limit {
			break
		}
		out = next
	}
	return out
}

func decodeMeta(b []byte) (map[string]int, error) {
	nodes := make(map[string]int)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if err := protowire.ParseError(n); err != nil {
			return nil, err
		}
		b = b[n:]

		if num != 1 || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if err := protowire.ParseError(n); err != nil {
				return nil, err
			}
			b = b[n:]
			continue
		}

		ad, n := protowire.ConsumeBytes(b)
		if err := protowire.ParseError(n); err != nil {
			return nil, err
		}
		b = b[n:]

		name, port, err := decodeAdvertisement(ad)
		if err != nil {
			return nil, err
		}
		nodes[name] = port
	}
	return nodes, nil
}

func decodeAdvertisement(b []byte) (string, int, error) {
	var name string
	var port uint64
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if err := protowire.ParseError(n); err != nil {
			return "", 0, err
		}
		b = b[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			name, n = protowire.ConsumeString(b)
		case num == 2 && typ == protowire.VarintType:
			port, n = protowire.ConsumeVarint(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if err := protowire.ParseError(n); err != nil {
			return "", 0, err
		}
		b = b[n:]
	}
	if name == "" || port == 0 || port > 0xffff {
		return "", 0, fmt.Errorf("%w: incomplete advertisement", ErrProtocolViolation)
	}
	return name, int(port), nil
}

type gossipDelegate struct {
	g *Gossip
}

func (d *gossipDelegate) NodeMeta(limit int) []byte {
	d.g.lk.RLock()
	defer d.g.lk.RUnlock()
	return encodeMeta(d.g.advertised, limit)
}

func (d *gossipDelegate) NotifyMsg([]byte)                           {}
func (d *gossipDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *gossipDelegate) LocalState(join bool) []byte                { return nil }
func (d *gossipDelegate) MergeRemoteState(buf []byte, join bool)     {}

type gossipEvents struct {
	logger *slog.Logger
}

func (g *gossipEvents) NotifyJoin(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("peer joined cluster")
}

func (g *gossipEvents) NotifyLeave(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("peer left cluster")
}

func (g *gossipEvents) NotifyUpdate(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("peer updated")
}

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With(
		LabelPeerName.L(node.Name),
		LabelPeerAddr.L(node.Address()),
	)
}
