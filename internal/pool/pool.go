package pool

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"continuum/internal/config"
	"continuum/internal/hashkit"
	"continuum/internal/ring"
)

var (
	// ErrNoLiveServers is returned by Route when no server is live.
	ErrNoLiveServers = errors.New("pool: no live servers")
	// ErrUnknownServer is returned for a server name not in the pool.
	ErrUnknownServer = errors.New("pool: unknown server")
)

// Server is a backend of the pool. Its fields never change after New.
type Server struct {
	Name   string
	Addr   string
	Weight uint32
	Index  int
}

// Status is a point-in-time view of a server's health.
type Status struct {
	Server
	Live       bool
	EligibleAt time.Time
	Failures   int
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(log logr.Logger) Option {
	return func(p *Pool) { p.log = log }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithMaxPoints caps the continuum size.
func WithMaxPoints(n int) Option {
	return func(p *Pool) { p.maxPoints = n }
}

// Pool is a named set of servers routed through one continuum.
type Pool struct {
	mu sync.Mutex // serializes builds and failure accounting

	name         string
	distribution string
	hash         hashkit.Func
	autoEject    bool
	retryTimeout time.Duration
	failureLimit int
	maxPoints    int

	servers  []Server
	nodes    []*ring.Node // handed to ring.Build, same order as servers
	failures []int
	byName   map[string]int

	ring *ring.Ring

	onRebuild func(next time.Time)

	log logr.Logger
	now func() time.Time
}

// New creates a pool from its configuration and builds the first continuum.
func New(cfg *config.Pool, opts ...Option) (*Pool, error) {
	hash, err := hashkit.Lookup(cfg.Hash)
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", cfg.Name, err)
	}

	p := &Pool{
		name:         cfg.Name,
		distribution: cfg.Distribution,
		hash:         hash,
		autoEject:    cfg.AutoEjectHosts,
		retryTimeout: cfg.ServerRetryTimeout,
		failureLimit: cfg.ServerFailureLimit,
		byName:       make(map[string]int, len(cfg.Servers)),
		log:          logr.Discard(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.failureLimit <= 0 {
		p.failureLimit = 1
	}

	points := cfg.Points()
	for i, s := range cfg.Servers {
		if err := checkWeight(points, s); err != nil {
			return nil, fmt.Errorf("pool %s: %w", cfg.Name, err)
		}
		p.servers = append(p.servers, Server{Name: s.Name, Addr: s.Addr, Weight: s.Weight, Index: i})
		p.nodes = append(p.nodes, &ring.Node{Name: s.Name, Addr: s.Addr, Weight: s.Weight})
		p.byName[s.Name] = i
	}
	if len(p.servers) == 0 {
		return nil, fmt.Errorf("pool %s: no servers", cfg.Name)
	}
	p.failures = make([]int, len(p.servers))

	p.ring = ring.New(ring.Config{PointsPerWeight: points, MaxPoints: p.maxPoints})
	if err := p.Rebuild(); err != nil {
		return nil, err
	}
	return p, nil
}

// checkWeight rejects weights that would give a server no share of the ring.
func checkWeight(points uint32, s config.Server) error {
	if points > 0 {
		if float64(uint64(points)*uint64(s.Weight))/100.0+0.5 < 1 {
			return fmt.Errorf("server %s: weight %d yields no points at %d points per weight", s.Name, s.Weight, points)
		}
		return nil
	}
	if float64(s.Weight)/100.0+0.5 < 1 {
		return fmt.Errorf("server %s: weight %d is below one share (50)", s.Name, s.Weight)
	}
	return nil
}

// Name returns the pool name.
func (p *Pool) Name() string {
	return p.name
}

// Distribution returns the configured distribution.
func (p *Pool) Distribution() string {
	return p.distribution
}

// Ring returns the pool's continuum for read-only inspection.
func (p *Pool) Ring() *ring.Ring {
	return p.ring
}

// NextRebuildAt returns when an ejected server becomes eligible again, or
// the zero time when none is ejected.
func (p *Pool) NextRebuildAt() time.Time {
	return p.ring.NextRebuildAt()
}

// SetOnRebuild sets a callback invoked after every rebuild with the next
// rebuild time. The callback must not block or call back into the pool.
func (p *Pool) SetOnRebuild(callback func(next time.Time)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onRebuild = callback
}

// Rebuild rebuilds the continuum from the current server liveness.
// Having no live server is logged, not returned.
func (p *Pool) Rebuild() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rebuild()
}

// rebuild must be called with p.mu held.
func (p *Pool) rebuild() error {
	err := p.ring.Build(p.nodes, p.now(), p.autoEject)
	next := p.ring.NextRebuildAt()

	switch {
	case errors.Is(err, ring.ErrNoLiveNodes):
		p.log.Info("no live servers", "pool", p.name, "servers", len(p.nodes), "nextRebuild", next)
	case err != nil:
		p.log.Error(err, "failed to rebuild continuum", "pool", p.name)
		return fmt.Errorf("pool %s: %w", p.name, err)
	default:
		p.log.V(1).Info("rebuilt continuum", "pool", p.name,
			"live", p.ring.LiveCount(), "servers", len(p.nodes), "points", p.ring.Len())
	}

	if p.onRebuild != nil {
		p.onRebuild(next)
	}
	return nil
}

// rebuildIfDue rebuilds when an ejected server's retry time has passed.
func (p *Pool) rebuildIfDue() error {
	next := p.ring.NextRebuildAt()
	if next.IsZero() || p.now().Before(next) {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// Another caller may have rebuilt while we waited.
	next = p.ring.NextRebuildAt()
	if next.IsZero() || p.now().Before(next) {
		return nil
	}
	return p.rebuild()
}

// Route returns the server owning key.
func (p *Pool) Route(key []byte) (Server, error) {
	if err := p.rebuildIfDue(); err != nil {
		return Server{}, err
	}
	if p.ring.LiveCount() == 0 {
		return Server{}, fmt.Errorf("pool %s: %w", p.name, ErrNoLiveServers)
	}

	h := p.hash(key)
	var idx uint32
	if p.distribution == config.DistributionWeighted {
		idx = p.ring.DispatchByWeight(h)
	} else {
		idx = p.ring.Dispatch(h)
	}
	return p.servers[idx], nil
}

// ReportFailure records a failed request or probe against a server. With
// auto-eject enabled, reaching the failure limit ejects the server for the
// retry timeout and rebuilds the continuum.
func (p *Pool) ReportFailure(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	i, ok := p.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	if !p.autoEject {
		return nil
	}

	now := p.now()
	if p.nodes[i].EligibleAt.After(now) {
		return nil // already ejected
	}

	p.failures[i]++
	if p.failures[i] < p.failureLimit {
		p.log.V(1).Info("server failure", "pool", p.name, "server", name, "failures", p.failures[i])
		return nil
	}

	p.failures[i] = 0
	p.nodes[i].EligibleAt = now.Add(p.retryTimeout)
	p.log.Info("ejecting server", "pool", p.name, "server", name, "retryAt", p.nodes[i].EligibleAt)
	return p.rebuild()
}

// ReportSuccess clears a server's failure count.
func (p *Pool) ReportSuccess(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	i, ok := p.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	p.failures[i] = 0
	return nil
}

// Servers returns the status of every server in configuration order.
func (p *Pool) Servers() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	statuses := make([]Status, len(p.servers))
	for i, s := range p.servers {
		eligibleAt := p.nodes[i].EligibleAt
		statuses[i] = Status{
			Server:     s,
			Live:       !p.autoEject || !eligibleAt.After(now),
			EligibleAt: eligibleAt,
			Failures:   p.failures[i],
		}
	}
	return statuses
}

// Server returns the server at index i.
func (p *Pool) Server(i int) (Server, bool) {
	if i < 0 || i >= len(p.servers) {
		return Server{}, false
	}
	return p.servers[i], true
}
