package cnode

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/patrickmn/go-cache"
	"github.com/raskyld/cnode/pkg/epmd"
)

// Resolver finds the address a node accepts distribution connections on.
type Resolver interface {
	Resolve(ctx context.Context, node NodeName) (string, error)
}

// ResolverFunc adapts a function to a Resolver.
type ResolverFunc func(ctx context.Context, node NodeName) (string, error)

func (f ResolverFunc) Resolve(ctx context.Context, node NodeName) (string, error) {
	return f(ctx, node)
}

// StaticResolver maps full node names to addresses.
type StaticResolver map[string]string

func (sr StaticResolver) Resolve(_ context.Context, node NodeName) (string, error) {
	addr, ok := sr[node.String()]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNameResolution, node)
	}
	return addr, nil
}

// EPMDResolver asks the epmd running on the host part of the node name.
// It is the default Resolver of a Node.
type EPMDResolver struct {
	Client epmd.Client
}

func (er *EPMDResolver) Resolve(ctx context.Context, node NodeName) (string, error) {
	info, err := er.Client.LookupPort(ctx, node.Host, node.Alive)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNameResolution, err)
	}
	if info.LowestVersion > 6 || info.HighestVersion < 6 {
		return "", fmt.Errorf(
			"%w: %s speaks distribution versions %d to %d",
			ErrNameResolution, node, info.LowestVersion, info.HighestVersion,
		)
	}
	return net.JoinHostPort(node.Host, strconv.Itoa(info.Port)), nil
}

// CachingResolver remembers what another Resolver answered for a while.
// `Node.Connect` forgets an entry when dialing the cached address fails.
type CachingResolver struct {
	next   Resolver
	cache  *cache.Cache
	msink  metrics.MetricSink
	labels []metrics.Label
}

// NewCachingResolver caches the answers of next for ttl. A nil sink uses
// metrics.Default().
func NewCachingResolver(next Resolver, ttl time.Duration, msink metrics.MetricSink, labels []metrics.Label) *CachingResolver {
	if msink == nil {
		msink = metrics.Default()
	}
	return &CachingResolver{
		next:   next,
		cache:  cache.New(ttl, 2*ttl),
		msink:  msink,
		labels: labels,
	}
}

func (cr *CachingResolver) Resolve(ctx context.Context, node NodeName) (string, error) {
	key := node.String()
	if addr, ok := cr.cache.Get(key); ok {
		cr.msink.IncrCounterWithLabels(
			MetricResolveCacheHitCount,
			1.0,
			withLabels(cr.labels, LabelPeerName.M(key)),
		)
		return addr.(string), nil
	}

	addr, err := cr.next.Resolve(ctx, node)
	if err != nil {
		return "", err
	}
	cr.cache.SetDefault(key, addr)
	return addr, nil
}

// Forget drops the cached address of node.
func (cr *CachingResolver) Forget(node NodeName) {
	cr.cache.Delete(node.String())
}
