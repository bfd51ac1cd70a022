package it

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"continuum/internal/config"
	"continuum/internal/health"
	"continuum/internal/pool"
	"continuum/internal/router"
)

// Backend is a TCP server standing in for a cache node. It accepts and
// immediately closes connections, which is all a dial probe needs.
type Backend struct {
	Name string
	Addr string

	mu  sync.Mutex
	lis net.Listener
	wg  sync.WaitGroup
}

// StartBackend listens on addr ("127.0.0.1:0" picks a port).
func StartBackend(name, addr string) (*Backend, error) {
	b := &Backend{Name: name}
	if err := b.listen(addr); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Backend) listen(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen for backend %s: %w", b.Name, err)
	}

	b.mu.Lock()
	b.lis = lis
	b.Addr = lis.Addr().String()
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	return nil
}

// Stop closes the listener so probes fail.
func (b *Backend) Stop() {
	b.mu.Lock()
	lis := b.lis
	b.lis = nil
	b.mu.Unlock()

	if lis != nil {
		lis.Close()
		b.wg.Wait()
	}
}

// Restart listens again on the same address.
func (b *Backend) Restart() error {
	return b.listen(b.Addr)
}

// Options tunes the cluster's routing and ejection timing.
type Options struct {
	Backends       int
	Distribution   string
	RetryTimeout   time.Duration
	FailureLimit   int
	HealthInterval time.Duration

	// Hash is the key hash. Defaults to xxhash, whose low bits stay well
	// mixed for keys that differ only in a trailing digit.
	Hash string
}

// Cluster is a router with one auto-ejecting pool over local backends.
type Cluster struct {
	Backends []*Backend
	Pool     *pool.Pool

	monitor *health.Monitor
	server  *router.Server
	conn    *grpc.ClientConn
	client  *router.Client
	done    chan error
}

// PoolName is the name of the cluster's pool.
const PoolName = "it"

// StartCluster starts backends, the pool, its monitor and a router on a
// local port, and waits until the router answers.
func StartCluster(ctx context.Context, opts Options) (*Cluster, error) {
	c := &Cluster{done: make(chan error, 1)}

	hash := opts.Hash
	if hash == "" {
		hash = "xxhash"
	}
	cfg := &config.Pool{
		Name:               PoolName,
		Hash:               hash,
		Distribution:       opts.Distribution,
		AutoEjectHosts:     true,
		ServerRetryTimeout: opts.RetryTimeout,
		ServerFailureLimit: opts.FailureLimit,
	}
	for i := 0; i < opts.Backends; i++ {
		b, err := StartBackend(fmt.Sprintf("b%d", i+1), "127.0.0.1:0")
		if err != nil {
			c.Stop()
			return nil, err
		}
		c.Backends = append(c.Backends, b)
		cfg.Servers = append(cfg.Servers, config.Server{Name: b.Name, Addr: b.Addr, Weight: 100})
	}

	p, err := pool.New(cfg)
	if err != nil {
		c.Stop()
		return nil, err
	}
	c.Pool = p

	c.monitor = health.NewMonitor(p, health.DialProbe(), opts.HealthInterval, logr.Discard())
	c.monitor.Start()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		c.Stop()
		return nil, fmt.Errorf("failed to listen for router: %w", err)
	}
	c.server = router.NewServer(lis.Addr().String(), []*pool.Pool{p}, logr.Discard())
	go func() { c.done <- c.server.Serve(lis) }()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		c.Stop()
		return nil, fmt.Errorf("failed to dial router: %w", err)
	}
	c.conn = conn
	c.client = router.NewClient(conn)

	if err := c.waitForReady(ctx, 10*time.Second); err != nil {
		c.Stop()
		return nil, err
	}
	return c, nil
}

// waitForReady polls Ring until the router answers.
func (c *Cluster) waitForReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		readyCtx, cancel := context.WithTimeout(ctx, time.Second)
		_, err := c.client.Ring(readyCtx, PoolName)
		cancel()
		if err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				return fmt.Errorf("timeout waiting for router to be ready: %w", err)
			}
		}
	}
}

// Client returns the router client.
func (c *Cluster) Client() *router.Client {
	return c.client
}

// Stop stops everything the cluster started.
func (c *Cluster) Stop() {
	if c.conn != nil {
		c.conn.Close()
	}
	if c.server != nil {
		c.server.Stop()
		<-c.done
	}
	if c.monitor != nil {
		c.monitor.Stop()
	}
	for _, b := range c.Backends {
		b.Stop()
	}
}
