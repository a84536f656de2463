// Package app wires the proxy pool, downstream listener, and background
// tasks (health prober, auto-optimizer) into one runnable server, mirroring
// the teacher's AppServer lifecycle (Run/Stop/Wait, stopOnce, WaitGroup).
package app

import (
	"fmt"
	"sync"
	"time"

	"multisocks/internal/listener"
	"multisocks/internal/optimizer"
	"multisocks/internal/pool"
	"multisocks/internal/proxyspec"
	"multisocks/internal/session"
	"multisocks/internal/shared/logger"
	"multisocks/internal/shared/types"
)

// Options configures one AppServer run. It is the resolved product of CLI
// flags and an optional ini file (spec.md §6, SPEC_FULL.md §6 supplement).
type Options struct {
	Host string
	Port int

	Descriptors []proxyspec.ProxyDescriptor

	AutoOptimize bool

	StateFile      string
	ShutdownGrace  time.Duration

	Pool      types.PoolConf
	Session   types.SessionConf
	Optimizer types.OptimizerConf
}

// AppServer is the application's main struct: it owns exactly the pool,
// listener, and the two background tasks that mutate pool state.
type AppServer struct {
	opts Options

	pool     *pool.Pool
	listener *listener.Listener
	prober   *pool.Prober
	optim    *optimizer.Optimizer

	snapshotTicker *time.Ticker

	waitGroup sync.WaitGroup
	stopOnce  sync.Once
	stopCh    chan struct{}
}

// New builds an AppServer from resolved options. It does not bind the
// listening socket or start background tasks; call Run for that.
func New(opts Options) *AppServer {
	p := pool.New(opts.Descriptors, opts.Pool.FMax)

	s := &AppServer{
		opts:   opts,
		pool:   p,
		prober: pool.NewProber(p, time.Duration(opts.Pool.ProbeIntervalSeconds)*time.Second, time.Duration(opts.Pool.ProbeTimeoutSeconds)*time.Second),
		stopCh: make(chan struct{}),
	}

	handler := session.NewHandler(p, time.Duration(opts.Session.ConnectTimeoutSeconds)*time.Second, opts.Session.MaxAttempts)
	s.listener = listener.New(handler)

	if opts.AutoOptimize {
		s.optim = optimizer.New(
			p,
			time.Duration(opts.Optimizer.RetuneIntervalSeconds)*time.Second,
			time.Duration(opts.Optimizer.FetchTimeoutSeconds)*time.Second,
			opts.Optimizer.BandwidthURL,
		)
	}

	return s
}

// Run binds the listener, starts background tasks and the accept loop in
// their own goroutines, and returns without blocking; Wait blocks until
// they have all returned after Stop. It returns an error only on bind
// failure (spec.md §6 exit code 2).
func (s *AppServer) Run() error {
	if s.opts.StateFile != "" {
		if err := s.pool.LoadState(s.opts.StateFile); err != nil {
			lg := logger.WithComponent("app")
			lg.Warn().Err(err).Msg("app: failed to load proxy state file, starting fresh")
		}
	}

	logStartupSummary(s.opts.Descriptors)

	if err := s.listener.Bind(s.opts.Host, s.opts.Port); err != nil {
		return err
	}

	s.prober.Start()
	if s.optim != nil {
		s.optim.Start()
	}

	s.snapshotTicker = time.NewTicker(30 * time.Second)
	s.waitGroup.Add(1)
	go s.snapshotLoop()

	s.waitGroup.Add(1)
	go func() {
		defer s.waitGroup.Done()
		s.listener.Serve()
	}()

	return nil
}

// Wait blocks until every background task and the listener have returned.
func (s *AppServer) Wait() {
	s.waitGroup.Wait()
}

// Stop gracefully shuts the server down: stops accepting, waits up to
// ShutdownGrace for in-flight sessions, stops background tasks, and
// persists pool state if configured.
func (s *AppServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)

		grace := s.opts.ShutdownGrace
		if grace <= 0 {
			grace = 10 * time.Second
		}
		s.listener.Close(grace)

		s.prober.Stop()
		if s.optim != nil {
			s.optim.Stop()
		}
		if s.snapshotTicker != nil {
			s.snapshotTicker.Stop()
		}

		if s.opts.StateFile != "" {
			if err := s.pool.SaveState(s.opts.StateFile); err != nil {
				lg := logger.WithComponent("app")
				lg.Warn().Err(err).Msg("app: failed to save proxy state file")
			}
		}

		lg := logger.WithComponent("app")
		lg.Info().Msg("app: shutdown complete")
	})
}

// ListenerInfo reports where the server ended up listening, useful when
// Options.Port is 0.
func (s *AppServer) ListenerInfo() types.ListenerInfo {
	return s.listener.ListenerInfo()
}

func (s *AppServer) snapshotLoop() {
	defer s.waitGroup.Done()
	l := logger.WithComponent("app")
	for {
		select {
		case <-s.snapshotTicker.C:
			for _, status := range s.pool.Snapshot() {
				l.Debug().
					Int("proxy_id", status.Descriptor.ID).
					Bool("alive", status.Health.Alive).
					Uint32("consecutive_failures", status.Health.ConsecutiveFailures).
					Float64("avg_latency_ms", status.Health.AvgLatencyMs).
					Uint32("in_flight", status.Health.InFlight).
					Msg("app: pool snapshot")
			}
			metrics := s.pool.Metrics()
			l.Debug().
				Int64("active_sessions", metrics.ActiveSessions).
				Int64("latency_ms", metrics.LatencyMs).
				Msg("app: aggregate metrics")
		case <-s.stopCh:
			return
		}
	}
}

// logStartupSummary logs the loaded proxy count and, for more than five
// proxies, an elision — matching cli.py's "Loaded N proxies" / "...and N
// more" console output, rendered as structured log lines instead of prints.
func logStartupSummary(descriptors []proxyspec.ProxyDescriptor) {
	l := logger.WithComponent("app")
	l.Info().Int("count", len(descriptors)).Msg("app: loaded proxies")

	shown := descriptors
	if len(shown) > 5 {
		shown = shown[:5]
	}
	for _, d := range shown {
		l.Info().Str("proxy", d.String()).Msg("app: proxy descriptor")
	}
	if len(descriptors) > 5 {
		l.Info().Int("more", len(descriptors)-5).Msg("app: additional proxies not shown")
	}
}

// errNoProxies is returned by Options validation when neither --proxies
// nor --proxy-file yielded any usable descriptor (spec.md §6 exit code 3).
var errNoProxies = fmt.Errorf("app: no proxies loaded")

// Validate checks Options invariants the CLI layer cannot itself enforce
// (e.g. a post-parse empty descriptor set).
func (o Options) Validate() error {
	if len(o.Descriptors) == 0 {
		return errNoProxies
	}
	return nil
}
