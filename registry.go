package cnode

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// DefaultEtcdPrefix is where node addresses are stored in etcd.
const DefaultEtcdPrefix = "/cnode/nodes/"

// EtcdResolver reads node addresses registered with RegisterEtcd.
type EtcdResolver struct {
	KV clientv3.KV

	// Prefix defaults to DefaultEtcdPrefix.
	Prefix string
}

func (er *EtcdResolver) Resolve(ctx context.Context, node NodeName) (string, error) {
	resp, err := er.KV.Get(ctx, etcdKey(er.Prefix, node.String()))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNameResolution, err)
	}
	if len(resp.Kvs) == 0 || len(resp.Kvs[0].Value) == 0 {
		return "", fmt.Errorf("%w: %s is not registered", ErrNameResolution, node)
	}
	return string(resp.Kvs[0].Value), nil
}

// EtcdRegistration keeps a node address in etcd until it is closed or its
// lease cannot be renewed anymore.
type EtcdRegistration struct {
	lease   clientv3.Lease
	leaseID clientv3.LeaseID
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

// RegisterEtcd stores addr under the name of node, attached to a lease of
// ttl seconds renewed in the background.
func RegisterEtcd(
	ctx context.Context,
	kv clientv3.KV,
	lease clientv3.Lease,
	prefix, node, addr string,
	ttl int64,
	logHandler slog.Handler,
) (*EtcdRegistration, error) {
	nn, err := ParseNodeName(node)
	if err != nil {
		return nil, err
	}

	grant, err := lease.Grant(ctx, ttl)
	if err != nil {
		return nil, fmt.Errorf("registry: could not grant lease: %w", err)
	}

	_, err = kv.Put(ctx, etcdKey(prefix, nn.String()), addr, clientv3.WithLease(grant.ID))
	if err != nil {
		lease.Revoke(ctx, grant.ID)
		return nil, fmt.Errorf("registry: could not register %s: %w", nn, err)
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	keepAlive, err := lease.KeepAlive(kaCtx, grant.ID)
	if err != nil {
		cancel()
		lease.Revoke(ctx, grant.ID)
		return nil, fmt.Errorf("registry: could not keep lease alive: %w", err)
	}

	reg := &EtcdRegistration{
		lease:   lease,
		leaseID: grant.ID,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	logger := slog.Default()
	if logHandler != nil {
		logger = slog.New(logHandler)
	}
	logger = logger.With(LabelNode.L(nn))

	go func() {
		defer close(reg.done)
		for range keepAlive {
		}
		if kaCtx.Err() == nil {
			logger.Warn("etcd lease expired, node is not registered anymore")
		}
	}()

	return reg, nil
}

// Done is closed once the lease stops being renewed.
func (r *EtcdRegistration) Done() <-chan struct{} {
	return r.done
}

// Close revokes the lease, removing the registration.
func (r *EtcdRegistration) Close(ctx context.Context) error {
	var err error
	r.once.Do(func() {
		r.cancel()
		_, err = r.lease.Revoke(ctx, r.leaseID)
	})
	return err
}

func etcdKey(prefix, node string) string {
	if prefix == "" {
		prefix = DefaultEtcdPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix + node
}
