package pool

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"continuum/internal/config"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig(distribution string, autoEject bool, n int) *config.Pool {
	servers := make([]config.Server, n)
	for i := range servers {
		servers[i] = config.Server{
			Name:   fmt.Sprintf("server%d", i+1),
			Addr:   fmt.Sprintf("127.0.0.1:%d", 11211+i),
			Weight: 100,
		}
	}
	return &config.Pool{
		Name:               "alpha",
		Hash:               "fnv1a_64",
		Distribution:       distribution,
		AutoEjectHosts:     autoEject,
		ServerRetryTimeout: 30 * time.Second,
		ServerFailureLimit: 2,
		Servers:            servers,
	}
}

func newTestPool(t *testing.T, cfg *config.Pool) (*Pool, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	p, err := New(cfg, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p, clock
}

func routeOwners(t *testing.T, p *Pool, keys int) map[string]int {
	t.Helper()
	owners := make(map[string]int)
	for i := 0; i < keys; i++ {
		s, err := p.Route([]byte(fmt.Sprintf("key-%d", i)))
		if err != nil {
			t.Fatalf("Route() error = %v", err)
		}
		owners[s.Name]++
	}
	return owners
}

func TestPool_Route_AllDistributions(t *testing.T) {
	for _, d := range []string{config.DistributionKetama, config.DistributionProportional, config.DistributionWeighted} {
		t.Run(d, func(t *testing.T) {
			p, _ := newTestPool(t, testConfig(d, false, 3))

			first, err := p.Route([]byte("user:42"))
			if err != nil {
				t.Fatalf("Route() error = %v", err)
			}
			for i := 0; i < 50; i++ {
				got, _ := p.Route([]byte("user:42"))
				if got != first {
					t.Fatalf("Route not deterministic: %v vs %v", got, first)
				}
			}

			owners := routeOwners(t, p, 3000)
			if len(owners) != 3 {
				t.Errorf("owners = %v, want all 3 servers", owners)
			}
		})
	}
}

func TestPool_Route_ReturnsConfiguredServer(t *testing.T) {
	p, _ := newTestPool(t, testConfig(config.DistributionKetama, false, 4))
	s, err := p.Route([]byte("anything"))
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	want, ok := p.Server(s.Index)
	if !ok || want != s {
		t.Errorf("Route() = %+v, Server(%d) = %+v", s, s.Index, want)
	}
}

func TestPool_ReportFailure_EjectsAndRecovers(t *testing.T) {
	p, clock := newTestPool(t, testConfig(config.DistributionKetama, true, 3))

	var rebuilds []time.Time
	p.SetOnRebuild(func(next time.Time) { rebuilds = append(rebuilds, next) })

	if err := p.ReportFailure("server2"); err != nil {
		t.Fatalf("ReportFailure() error = %v", err)
	}
	if len(rebuilds) != 0 {
		t.Fatalf("rebuilt after first failure, limit is 2")
	}
	if err := p.ReportFailure("server2"); err != nil {
		t.Fatalf("ReportFailure() error = %v", err)
	}

	retryAt := clock.Now().Add(30 * time.Second)
	if len(rebuilds) != 1 || !rebuilds[0].Equal(retryAt) {
		t.Fatalf("rebuild callbacks = %v, want one at %v", rebuilds, retryAt)
	}
	if got := p.NextRebuildAt(); !got.Equal(retryAt) {
		t.Errorf("NextRebuildAt() = %v, want %v", got, retryAt)
	}

	owners := routeOwners(t, p, 2000)
	if owners["server2"] != 0 {
		t.Errorf("ejected server2 received %d keys", owners["server2"])
	}
	if st := p.Servers()[1]; st.Live || !st.EligibleAt.Equal(retryAt) {
		t.Errorf("server2 status = %+v, want ejected until %v", st, retryAt)
	}

	// Failures against an ejected server do not extend its ejection.
	clock.Advance(10 * time.Second)
	_ = p.ReportFailure("server2")
	_ = p.ReportFailure("server2")
	if got := p.NextRebuildAt(); !got.Equal(retryAt) {
		t.Errorf("NextRebuildAt() = %v after repeated failures, want %v", got, retryAt)
	}

	clock.Advance(20 * time.Second)
	owners = routeOwners(t, p, 2000)
	if owners["server2"] == 0 {
		t.Error("server2 received no keys after retry timeout")
	}
	if st := p.Servers()[1]; !st.Live || !st.EligibleAt.IsZero() {
		t.Errorf("server2 status = %+v, want live", st)
	}
	if !p.NextRebuildAt().IsZero() {
		t.Errorf("NextRebuildAt() = %v, want zero", p.NextRebuildAt())
	}
}

func TestPool_ReportSuccess_ResetsFailures(t *testing.T) {
	p, _ := newTestPool(t, testConfig(config.DistributionKetama, true, 2))

	_ = p.ReportFailure("server1")
	if err := p.ReportSuccess("server1"); err != nil {
		t.Fatalf("ReportSuccess() error = %v", err)
	}
	_ = p.ReportFailure("server1")

	if st := p.Servers()[0]; !st.Live || st.Failures != 1 {
		t.Errorf("server1 status = %+v, want live with 1 failure", st)
	}
}

func TestPool_NoLiveServers(t *testing.T) {
	p, clock := newTestPool(t, testConfig(config.DistributionWeighted, true, 2))

	for _, name := range []string{"server1", "server1", "server2", "server2"} {
		if err := p.ReportFailure(name); err != nil {
			t.Fatalf("ReportFailure(%s) error = %v", name, err)
		}
	}

	_, err := p.Route([]byte("key"))
	if !errors.Is(err, ErrNoLiveServers) {
		t.Fatalf("Route() error = %v, want ErrNoLiveServers", err)
	}

	clock.Advance(31 * time.Second)
	if _, err := p.Route([]byte("key")); err != nil {
		t.Fatalf("Route() after retry error = %v", err)
	}
	if p.Ring().LiveCount() != 2 {
		t.Errorf("LiveCount() = %d, want 2", p.Ring().LiveCount())
	}
}

func TestPool_AutoEjectDisabled(t *testing.T) {
	p, _ := newTestPool(t, testConfig(config.DistributionKetama, false, 2))
	for i := 0; i < 10; i++ {
		if err := p.ReportFailure("server1"); err != nil {
			t.Fatalf("ReportFailure() error = %v", err)
		}
	}
	if owners := routeOwners(t, p, 1000); owners["server1"] == 0 {
		t.Error("server1 ejected with auto_eject_hosts disabled")
	}
}

func TestPool_UnknownServer(t *testing.T) {
	p, _ := newTestPool(t, testConfig(config.DistributionKetama, true, 2))
	if err := p.ReportFailure("nope"); !errors.Is(err, ErrUnknownServer) {
		t.Errorf("ReportFailure() error = %v, want ErrUnknownServer", err)
	}
	if err := p.ReportSuccess("nope"); !errors.Is(err, ErrUnknownServer) {
		t.Errorf("ReportSuccess() error = %v, want ErrUnknownServer", err)
	}
	if _, ok := p.Server(5); ok {
		t.Error("Server(5) found a server")
	}
}

func TestNew_Invalid(t *testing.T) {
	points := uint32(1)
	cfg := testConfig(config.DistributionKetama, false, 2)
	cfg.KetamaPoints = &points
	cfg.Servers[0].Weight = 10
	if _, err := New(cfg); err == nil {
		t.Error("New() accepted a server with no ring points")
	}

	cfg = testConfig(config.DistributionProportional, false, 2)
	cfg.Servers[1].Weight = 20
	if _, err := New(cfg); err == nil {
		t.Error("New() accepted a server below one share")
	}

	cfg = testConfig(config.DistributionKetama, false, 2)
	cfg.Hash = "sha3"
	if _, err := New(cfg); err == nil {
		t.Error("New() accepted an unknown hash")
	}

	cfg = testConfig(config.DistributionKetama, false, 0)
	if _, err := New(cfg); err == nil {
		t.Error("New() accepted an empty pool")
	}
}

func TestNew_OutOfMemory(t *testing.T) {
	cfg := testConfig(config.DistributionKetama, false, 3)
	if _, err := New(cfg, WithMaxPoints(100)); err == nil {
		t.Error("New() built a continuum above the point limit")
	}
}

func TestPool_ConcurrentRouteAndFailures(t *testing.T) {
	p, clock := newTestPool(t, testConfig(config.DistributionKetama, true, 4))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				if _, err := p.Route([]byte(fmt.Sprintf("g%d-%d", g, i))); err != nil && !errors.Is(err, ErrNoLiveServers) {
					t.Errorf("Route() error = %v", err)
					return
				}
			}
		}(g)
	}
	for i := 0; i < 50; i++ {
		_ = p.ReportFailure(fmt.Sprintf("server%d", i%4+1))
		clock.Advance(time.Second)
	}
	wg.Wait()
}
