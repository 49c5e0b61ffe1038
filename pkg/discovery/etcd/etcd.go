// Package etcd implements discovery against an etcd cluster: each node
// registers itself under a lease-backed key and discovers peers with a
// prefix Get, refreshed periodically and on Watch notifications.
package etcd

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/amirimatin/rapid-core/pkg/discovery"
)

// Options configures etcd-backed discovery.
type Options struct {
	Endpoints []string
	Prefix    string // defaults to "/rapid/nodes/"

	// When NodeID and Addr are both non-empty, New puts NodeID -> Addr under a
	// lease and keep it alive for the lifetime of the returned Discovery.
	NodeID string
	Addr   string
	TTL    int64 // lease TTL in seconds, defaults to 10

	DialTimeout time.Duration // defaults to 5s
	Refresh     time.Duration // cache staleness bound, defaults to 5s
	Logger      *log.Logger
}

type impl struct {
	opts Options
	cli  *clientv3.Client

	mu    sync.Mutex
	last  time.Time
	cache []string
}

// New connects to etcd, optionally registers this node under a leased
// key, and returns a Discovery backed by a prefix scan over sibling
// registrations.
func New(ctx context.Context, opts Options) (discovery.Discovery, error) {
	if opts.Prefix == "" {
		opts.Prefix = "/rapid/nodes/"
	}
	if opts.TTL <= 0 {
		opts.TTL = 10
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.Refresh <= 0 {
		opts.Refresh = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	cli, err := clientv3.New(clientv3.Config{Endpoints: opts.Endpoints, DialTimeout: opts.DialTimeout})
	if err != nil {
		return nil, fmt.Errorf("etcd: connect: %w", err)
	}

	d := &impl{opts: opts, cli: cli}

	if opts.NodeID != "" && opts.Addr != "" {
		if err := d.register(ctx); err != nil {
			cli.Close()
			return nil, err
		}
	}

	go d.watch(ctx)
	return d, nil
}

func (d *impl) key() string { return d.opts.Prefix + d.opts.NodeID }

func (d *impl) register(ctx context.Context) error {
	lease, err := d.cli.Grant(ctx, d.opts.TTL)
	if err != nil {
		return fmt.Errorf("etcd: grant lease: %w", err)
	}
	if _, err := d.cli.Put(ctx, d.key(), d.opts.Addr, clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("etcd: register: %w", err)
	}
	ch, err := d.cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("etcd: keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
		d.opts.Logger.Printf("etcd: keepalive channel for %s closed", d.opts.NodeID)
	}()
	return nil
}

func (d *impl) watch(ctx context.Context) {
	wch := d.cli.Watch(ctx, d.opts.Prefix, clientv3.WithPrefix())
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-wch:
			if !ok {
				return
			}
			d.mu.Lock()
			d.last = time.Time{}
			d.mu.Unlock()
		}
	}
}

// Seeds returns the addresses currently registered under the configured
// prefix, refreshing the cache when it is older than Options.Refresh or
// a watch notification invalidated it.
func (d *impl) Seeds() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if time.Since(d.last) < d.opts.Refresh && len(d.cache) > 0 {
		return append([]string(nil), d.cache...)
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.DialTimeout)
	defer cancel()
	resp, err := d.cli.Get(ctx, d.opts.Prefix, clientv3.WithPrefix())
	if err != nil {
		d.opts.Logger.Printf("etcd: seeds query failed: %v", err)
		return append([]string(nil), d.cache...)
	}
	out := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out = append(out, string(kv.Value))
	}
	d.cache = out
	d.last = time.Now()
	return append([]string(nil), out...)
}

// Close releases the etcd client.
func (d *impl) Close() error { return d.cli.Close() }

var _ discovery.Discovery = (*impl)(nil)
