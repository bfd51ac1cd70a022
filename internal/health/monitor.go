package health

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"continuum/internal/pool"
)

// ProbeFunc checks whether the backend at addr is reachable.
type ProbeFunc func(ctx context.Context, addr string) error

// DialProbe returns a ProbeFunc that opens and closes a TCP connection.
func DialProbe() ProbeFunc {
	var d net.Dialer
	return func(ctx context.Context, addr string) error {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// Pool is the part of pool.Pool the monitor drives.
type Pool interface {
	Name() string
	Servers() []pool.Status
	ReportFailure(name string) error
	ReportSuccess(name string) error
	Rebuild() error
	NextRebuildAt() time.Time
	SetOnRebuild(callback func(next time.Time))
}

// Monitor probes a pool's live servers and schedules its rebuilds.
type Monitor struct {
	pool     Pool
	probe    ProbeFunc
	interval time.Duration
	log      logr.Logger

	rearm chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor. A nil probe disables probing; the rebuild
// scheduler still runs.
func NewMonitor(p Pool, probe ProbeFunc, interval time.Duration, log logr.Logger) *Monitor {
	if interval <= 0 {
		interval = 1 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		pool:     p,
		probe:    probe,
		interval: interval,
		log:      log.WithValues("pool", p.Name()),
		rearm:    make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	p.SetOnRebuild(func(time.Time) { m.signal() })
	return m
}

func (m *Monitor) signal() {
	select {
	case m.rearm <- struct{}{}:
	default:
	}
}

// Start starts the probe loop and the rebuild scheduler.
func (m *Monitor) Start() {
	if m.probe != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			ticker := time.NewTicker(m.interval)
			defer ticker.Stop()

			for {
				select {
				case <-m.ctx.Done():
					return
				case <-ticker.C:
					m.ProbeOnce(m.ctx)
				}
			}
		}()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.schedule()
	}()
	m.signal()
}

// Stop stops both loops and waits for them to exit.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

// schedule keeps a timer armed at the pool's next rebuild time.
func (m *Monitor) schedule() {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	arm := func() {
		next := m.pool.NextRebuildAt()
		if next.IsZero() {
			timer.Stop()
			return
		}
		timer.Reset(time.Until(next))
	}

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.rearm:
			arm()
		case <-timer.C:
			m.log.V(1).Info("rebuild due")
			if err := m.pool.Rebuild(); err != nil {
				m.log.Error(err, "scheduled rebuild failed")
			}
			arm()
		}
	}
}

// ProbeOnce probes every live server once in parallel, each with a timeout
// of one probe interval, and returns when all probes are recorded.
func (m *Monitor) ProbeOnce(ctx context.Context) {
	var wg sync.WaitGroup
	for _, st := range m.pool.Servers() {
		if !st.Live {
			continue
		}

		wg.Add(1)
		go func(name, addr string) {
			defer wg.Done()

			probeCtx, cancel := context.WithTimeout(ctx, m.interval)
			err := m.probe(probeCtx, addr)
			cancel()
			if ctx.Err() != nil {
				return
			}

			if err != nil {
				m.log.V(1).Info("probe failed", "server", name, "addr", addr, "error", err.Error())
				err = m.pool.ReportFailure(name)
			} else {
				err = m.pool.ReportSuccess(name)
			}
			if err != nil {
				m.log.Error(err, "failed to record probe result", "server", name)
			}
		}(st.Name, st.Addr)
	}
	wg.Wait()
}
