package quality

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/pageflow/pageflow/internal/config"
	"github.com/pageflow/pageflow/pkg/types"
)

// Defaults assumed when no passive signal exists and active probing is
// unavailable or has not run yet. Matches a typical 4g connection.
const (
	defaultEffectiveType = "4g"
	defaultDownlinkMbps  = 10.0
	defaultRTT           = 50 * time.Millisecond
)

// NetworkMonitor maintains an immutable NetworkSnapshot of connection
// characteristics. Passive observations (fetch timings reported by the
// pipeline) keep the snapshot current; when a probe URL is configured,
// small rate-limited HEAD probes against it measure RTT directly.
type NetworkMonitor struct {
	probeURL string
	client   *http.Client
	logger   *log.Logger
	limiter  *rate.Limiter
	timeout  time.Duration

	mu   sync.RWMutex
	snap types.NetworkSnapshot

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewNetworkMonitor creates a monitor seeded with the default snapshot.
// Probing starts only after Start is called, and only with a probe URL
// configured; without one the monitor is purely passive.
func NewNetworkMonitor(cfg config.NetworkConfig, logger *log.Logger) *NetworkMonitor {
	if logger == nil {
		logger = log.Default()
	}
	perMinute := cfg.ProbesPerMinute
	if perMinute <= 0 {
		perMinute = 4
	}
	timeout := cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &NetworkMonitor{
		probeURL: cfg.ProbeURL,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With("component", "netmon"),
		limiter:  rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), 1),
		timeout:  timeout,
		snap: types.NetworkSnapshot{
			EffectiveType: defaultEffectiveType,
			DownlinkMbps:  defaultDownlinkMbps,
			RTT:           defaultRTT,
			SampledAt:     time.Now(),
		},
		stopCh: make(chan struct{}),
	}
}

// Snapshot returns the current connection view. Always safe to call; before
// the first measurement it reports the documented defaults.
func (m *NetworkMonitor) Snapshot() types.NetworkSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// Observe folds a completed transfer into the snapshot: a passive measurement
// derived from real fetch traffic, preferred over active probes.
func (m *NetworkMonitor) Observe(byteSize int64, duration time.Duration) {
	if byteSize <= 0 || duration <= 0 {
		return
	}
	mbps := float64(byteSize) * 8 / duration.Seconds() / 1e6

	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.snap.DownlinkMbps
	if !m.snap.Measured {
		prev = mbps
	}
	// Exponential smoothing so one slow transfer does not whipsaw the tier.
	smoothed := prev*0.7 + mbps*0.3
	m.snap = types.NetworkSnapshot{
		DownlinkMbps:  smoothed,
		RTT:           m.snap.RTT,
		EffectiveType: effectiveType(smoothed),
		Measured:      true,
		SampledAt:     time.Now(),
	}
}

// Start begins periodic active probing. Safe to call once; with no probe
// URL configured the monitor stays passive.
func (m *NetworkMonitor) Start(interval time.Duration) {
	if m.probeURL == "" {
		return
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	m.wg.Add(1)
	go m.probeLoop(interval)
}

// Stop halts active probing.
func (m *NetworkMonitor) Stop() {
	m.once.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *NetworkMonitor) probeLoop(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.probe()
		}
	}
}

// probe issues one HEAD request against the configured probe URL and records
// the round-trip time. Probe failures fall back to the existing snapshot.
func (m *NetworkMonitor) probe() {
	if m.probeURL == "" || !m.limiter.Allow() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.probeURL, nil)
	if err != nil {
		m.logger.Debug("active probe failed", "url", m.probeURL, "err", err)
		return
	}
	start := time.Now()
	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Debug("active probe failed", "url", m.probeURL, "err", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		m.logger.Debug("active probe failed", "url", m.probeURL, "status", resp.StatusCode)
		return
	}
	rtt := time.Since(start)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.RTT = rtt
	m.snap.Measured = true
	m.snap.SampledAt = time.Now()
}

// effectiveType buckets a downlink estimate into connection-type labels.
func effectiveType(mbps float64) string {
	switch {
	case mbps >= 5:
		return "4g"
	case mbps >= 1:
		return "3g"
	case mbps >= 0.1:
		return "2g"
	default:
		return "slow-2g"
	}
}
