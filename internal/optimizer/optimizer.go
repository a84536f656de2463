// Package optimizer implements the auto-optimizer (spec.md §4.6): on a
// fixed interval it measures direct bandwidth against per-proxy bandwidth
// and retunes how many proxies the pool keeps active.
package optimizer

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"multisocks/internal/pool"
	"multisocks/internal/proxyspec"
	"multisocks/internal/shared/logger"
	"multisocks/internal/socks"
	"multisocks/internal/socksclient"
)

const (
	// maxProxiesPerRound bounds how many alive proxies get measured in a
	// single retune cycle, matching bandwidth.py's measure_proxy_speeds cap.
	maxProxiesPerRound = 5

	// measureDuration bounds how long a single bandwidth sample reads for,
	// matching bandwidth.py's TEST_DURATION.
	measureDuration = 5 * time.Second

	// fallbackAssumedMbps is the speed assumed for every alive proxy when
	// none could be measured this round, matching bandwidth.py's
	// "or [5.0]" default before its average-speed calculation.
	fallbackAssumedMbps = 5.0
)

// fallbackTestURLs rotates in if the configured bandwidth URL repeatedly
// fails, mirroring bandwidth.py's TEST_URLS list.
var fallbackTestURLs = []string{
	"https://speed.cloudflare.com/__down?bytes=10000000",
	"https://proof.ovh.net/files/100Mb.dat",
	"https://speedtest.tele2.net/100MB.zip",
}

// Optimizer retunes Pool.ActiveCount on a fixed interval based on measured
// bandwidth.
type Optimizer struct {
	pool         *pool.Pool
	interval     time.Duration
	fetchTimeout time.Duration
	primaryURL   string

	mu                     sync.Mutex
	lastDirectMbps         float64
	consecutiveDirectFails int
	urlIndex               int

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
	ticker   *time.Ticker
}

func New(p *pool.Pool, interval, fetchTimeout time.Duration, bandwidthURL string) *Optimizer {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if fetchTimeout <= 0 {
		fetchTimeout = 20 * time.Second
	}
	if bandwidthURL == "" {
		bandwidthURL = fallbackTestURLs[0]
	}
	return &Optimizer{
		pool:         p,
		interval:     interval,
		fetchTimeout: fetchTimeout,
		primaryURL:   bandwidthURL,
		stopCh:       make(chan struct{}),
	}
}

// currentURL returns the configured bandwidth URL until two consecutive
// direct-measurement attempts have failed, and an entry of fallbackTestURLs
// after that; every further two consecutive failures move on to the next
// entry (spec.md §4.6 supplement: URL rotation on repeated failure).
func (o *Optimizer) currentURL() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.urlIndex == 0 {
		return o.primaryURL
	}
	return fallbackTestURLs[o.urlIndex%len(fallbackTestURLs)]
}

func (o *Optimizer) Start() {
	o.ticker = time.NewTicker(o.interval)
	o.wg.Add(1)
	go o.loop()
}

func (o *Optimizer) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
	o.wg.Wait()
	if o.ticker != nil {
		o.ticker.Stop()
	}
}

func (o *Optimizer) loop() {
	defer o.wg.Done()
	for {
		select {
		case <-o.ticker.C:
			o.retune()
		case <-o.stopCh:
			return
		}
	}
}

// retune runs one full measure/compute/apply cycle (spec.md §4.6 steps 1-4).
func (o *Optimizer) retune() {
	l := logger.WithComponent("optimizer")

	direct := o.measureDirect()
	aliveIDs := o.pool.AliveIDs()
	if len(aliveIDs) > maxProxiesPerRound {
		aliveIDs = aliveIDs[:maxProxiesPerRound]
	}
	if len(aliveIDs) == 0 {
		l.Info().Msg("optimizer: no alive proxies this round, skipping retune")
		return
	}

	samples := make([]proxySample, 0, len(aliveIDs))
	for _, id := range aliveIDs {
		descriptor := o.pool.Descriptor(id)
		mbps, err := o.measureProxy(descriptor)
		if err != nil {
			l.Debug().Int("proxy_id", id).Err(err).Msg("optimizer: proxy bandwidth probe failed")
			continue
		}
		o.pool.RecordBandwidth(id, mbps*1_000_000/8) // Mbps -> bytes/sec
		samples = append(samples, proxySample{id: id, mbps: mbps})
	}

	if len(samples) == 0 {
		l.Info().Float64("direct_mbps", direct).Msg("optimizer: no proxy could be measured this round, assuming fallback speed for available proxies")
		for _, id := range aliveIDs {
			samples = append(samples, proxySample{id: id, mbps: fallbackAssumedMbps})
		}
	}

	activeIDs := rankedActiveIDs(direct, samples)
	o.pool.SetActiveIDs(activeIDs)

	l.Info().
		Float64("direct_mbps", direct).
		Int("measured_proxies", len(samples)).
		Int("active_count", len(activeIDs)).
		Msg("optimizer: retune complete")
}

// proxySample is one proxy's measured throughput for a single retune round.
type proxySample struct {
	id   int
	mbps float64
}

// rankedActiveIDs sorts samples by measured throughput descending and
// greedily sums until the cumulative throughput meets direct (spec.md
// §4.6 step 3: "smallest k such that the sum of the top-k B_i >=
// B_direct"), returning the ids of exactly that prefix in rank order
// (step 4: "the selector immediately restricts to the top-k by measured
// throughput").
func rankedActiveIDs(direct float64, samples []proxySample) []int {
	ranked := make([]proxySample, len(samples))
	copy(ranked, samples)
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].mbps > ranked[j].mbps })

	target := direct
	k := len(ranked)
	sum := 0.0
	for i, s := range ranked {
		sum += s.mbps
		if sum >= target {
			k = i + 1
			break
		}
	}
	if k < 1 {
		k = 1
	}

	ids := make([]int, k)
	for i := 0; i < k; i++ {
		ids[i] = ranked[i].id
	}
	return ids
}

// measureDirect fetches o.currentURL() without a proxy and returns the observed
// throughput in Mbps. On failure it returns the previous successful
// measurement (spec.md §4.6 step 1: "on failure, reuse previous value").
func (o *Optimizer) measureDirect() float64 {
	client := &http.Client{Timeout: o.fetchTimeout}
	mbps, err := measureThroughput(client, o.currentURL())

	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.consecutiveDirectFails++
		if o.consecutiveDirectFails >= 2 {
			o.urlIndex++
			o.consecutiveDirectFails = 0
		}
		return o.lastDirectMbps
	}
	o.consecutiveDirectFails = 0
	o.lastDirectMbps = mbps
	return mbps
}

// measureProxy fetches o.currentURL() through descriptor's SOCKS handshake and
// returns the observed throughput in Mbps. A measurement failure is
// returned as an error so the caller excludes the proxy from this
// round's estimate entirely (spec.md §4.6 step 2), rather than counting
// it at some assumed speed.
func (o *Optimizer) measureProxy(descriptor proxyspec.ProxyDescriptor) (float64, error) {
	client, err := clientThrough(descriptor, o.fetchTimeout)
	if err != nil {
		return 0, err
	}
	return measureThroughput(client, o.currentURL())
}

// clientThrough builds an http.Client whose transport dials through
// descriptor. SOCKS5/5h go through golang.org/x/net/proxy's dialer, the
// same way the teacher's validator checks SOCKS5 connectivity; SOCKS4/4a
// has no such stdlib-compatible dialer, so those route through the
// session's own socksclient handshake.
func clientThrough(descriptor proxyspec.ProxyDescriptor, timeout time.Duration) (*http.Client, error) {
	var dialContext func(ctx context.Context, network, addr string) (net.Conn, error)

	switch descriptor.Scheme {
	case proxyspec.SOCKS5, proxyspec.SOCKS5H:
		proxyAddr := net.JoinHostPort(descriptor.Host, fmt.Sprintf("%d", descriptor.Port))
		var auth *proxy.Auth
		if descriptor.Credentials != nil {
			auth = &proxy.Auth{User: descriptor.Credentials.Username, Password: descriptor.Credentials.Password}
		}
		dialer, err := proxy.SOCKS5("tcp", proxyAddr, auth, &net.Dialer{Timeout: timeout})
		if err != nil {
			return nil, fmt.Errorf("optimizer: failed to build socks5 dialer: %w", err)
		}
		ctxDialer, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("optimizer: socks5 dialer does not support DialContext")
		}
		dialContext = ctxDialer.DialContext
	default:
		dialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, portStr, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			var port uint16
			fmt.Sscanf(portStr, "%d", &port)
			target := socks.Target{Host: socks.ParseHost(host), Port: port}
			return socksclient.ConnectVia(descriptor, target, time.Now().Add(timeout))
		}
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: dialContext,
		},
	}, nil
}

// measureThroughput reads from url for up to measureDuration (bounded by
// the client's own timeout) and returns the observed rate in Mbps.
func measureThroughput(client *http.Client, rawURL string) (float64, error) {
	if _, err := url.Parse(rawURL); err != nil {
		return 0, fmt.Errorf("optimizer: invalid bandwidth url %q: %w", rawURL, err)
	}

	resp, err := client.Get(rawURL)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	start := time.Now()
	deadline := start.Add(measureDuration)
	var total int64
	buf := make([]byte, 64*1024)
	for time.Now().Before(deadline) {
		n, err := resp.Body.Read(buf)
		total += int64(n)
		if err != nil {
			break
		}
	}
	elapsed := time.Since(start)
	if elapsed <= 0 || total == 0 {
		return 0, fmt.Errorf("optimizer: no bytes read from %s", rawURL)
	}
	mbps := float64(total*8) / (elapsed.Seconds() * 1_000_000)
	return mbps, nil
}
