package quality

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/pageflow/pageflow/pkg/types"
)

// renderSampleWindow bounds how many render reports feed the score.
const renderSampleWindow = 20

// scoreBaseline is the neutral starting point for tier evaluation; signal
// contributions move the score up or down from here.
const scoreBaseline = 50.0

// Dependent receives the new tier configuration on every transition. Calls
// are synchronous and in registration order; dependents must apply the
// configuration idempotently.
type Dependent func(types.TierConfig)

// Stats counts controller activity.
type Stats struct {
	Evaluations uint64 `json:"evaluations"`
	Transitions uint64 `json:"transitions"`
	Suppressed  uint64 `json:"suppressed"`
	Overrides   uint64 `json:"overrides"`
}

// Controller owns the current quality tier. An evaluation tick folds device
// capability, network condition, and live render feedback into a composite
// score and maps it onto one of the five tiers; transitions respect a
// cooldown unless forced by an explicit override.
type Controller struct {
	netmon   *NetworkMonitor
	device   types.DeviceSnapshot
	logger   *log.Logger
	cooldown time.Duration
	interval time.Duration

	mu         sync.Mutex
	current    types.QualityTier
	lastAuto   time.Time
	renders    []types.RenderReport
	dependents []Dependent
	stats      Stats

	// memory supplies a heap-footprint reading (MB) when render reports
	// carry none. May be nil.
	memory func() float64

	// now is swappable for tests.
	now func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewController creates a controller at the given initial tier. The device
// snapshot caps how high automatic evaluation may climb on weak hardware.
func NewController(initial types.QualityTier, device types.DeviceSnapshot, netmon *NetworkMonitor, cooldown, interval time.Duration, logger *log.Logger) *Controller {
	if _, ok := types.TierConfigs[initial]; !ok {
		initial = types.TierMedium
	}
	if cooldown < 0 {
		cooldown = 10 * time.Second
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Controller{
		netmon:   netmon,
		device:   device,
		logger:   logger.With("component", "quality"),
		cooldown: cooldown,
		interval: interval,
		current:  initial,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// SetMemorySource installs a fallback heap-footprint reading used when no
// render report carries a memory figure.
func (c *Controller) SetMemorySource(fn func() float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memory = fn
}

// Current returns the active tier.
func (c *Controller) Current() types.QualityTier {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Config returns the active tier's configuration record.
func (c *Controller) Config() types.TierConfig {
	return types.TierConfigs[c.Current()]
}

// Stats returns a copy of the controller counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Subscribe registers a dependent and immediately applies the current tier
// to it, so late subscribers converge without waiting for a transition.
func (c *Controller) Subscribe(dep Dependent) {
	c.mu.Lock()
	c.dependents = append(c.dependents, dep)
	cfg := types.TierConfigs[c.current]
	c.mu.Unlock()
	dep(cfg)
}

// ReportRender feeds one render measurement into the evaluation window.
func (c *Controller) ReportRender(r types.RenderReport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.renders = append(c.renders, r)
	if len(c.renders) > renderSampleWindow {
		c.renders = c.renders[len(c.renders)-renderSampleWindow:]
	}
}

// Override sets the tier explicitly, bypassing the cooldown. Re-applying the
// current tier is a no-op.
func (c *Controller) Override(tier types.QualityTier) bool {
	if _, ok := types.TierConfigs[tier]; !ok {
		return false
	}
	c.mu.Lock()
	c.stats.Overrides++
	applied, deps, cfg := c.transitionLocked(tier, true)
	c.mu.Unlock()
	if applied {
		c.notify(deps, cfg)
	}
	return applied
}

// Evaluate runs one scoring pass and applies the resulting tier if the
// cooldown allows. It returns the tier selected by the score, whether or not
// the transition was applied.
func (c *Controller) Evaluate() types.QualityTier {
	net := types.NetworkSnapshot{DownlinkMbps: defaultDownlinkMbps, RTT: defaultRTT}
	if c.netmon != nil {
		net = c.netmon.Snapshot()
	}

	c.mu.Lock()
	c.stats.Evaluations++
	score := c.scoreLocked(net)
	tier := tierForScore(score)
	if ceiling := tierCap(c.device); tier.Rank() > ceiling.Rank() {
		tier = ceiling
	}
	applied, deps, cfg := c.transitionLocked(tier, false)
	c.mu.Unlock()

	if applied {
		c.notify(deps, cfg)
	}
	return tier
}

// Start runs the periodic evaluation loop.
func (c *Controller) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Evaluate()
			}
		}
	}()
}

// Stop halts the evaluation loop.
func (c *Controller) Stop() {
	c.once.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// transitionLocked applies a tier change under the lock and returns whether
// it took effect plus the dependents to notify. The same tier never
// re-notifies, and automatic transitions inside the cooldown are suppressed.
func (c *Controller) transitionLocked(tier types.QualityTier, manual bool) (bool, []Dependent, types.TierConfig) {
	if tier == c.current {
		return false, nil, types.TierConfig{}
	}
	if !manual && c.now().Sub(c.lastAuto) < c.cooldown {
		c.stats.Suppressed++
		return false, nil, types.TierConfig{}
	}

	from := c.current
	c.current = tier
	if !manual {
		c.lastAuto = c.now()
	}
	c.stats.Transitions++
	c.logger.Info("tier transition", "from", from, "to", tier, "manual", manual)

	deps := make([]Dependent, len(c.dependents))
	copy(deps, c.dependents)
	return true, deps, types.TierConfigs[tier]
}

func (c *Controller) notify(deps []Dependent, cfg types.TierConfig) {
	for _, dep := range deps {
		dep(cfg)
	}
}

// scoreLocked computes the composite score from the render window, the last
// reported memory footprint, and the network snapshot.
func (c *Controller) scoreLocked(net types.NetworkSnapshot) float64 {
	score := scoreBaseline

	if avg, ok := c.avgRenderLocked(); ok {
		switch {
		case avg < 100*time.Millisecond:
			score += 20
		case avg < 300*time.Millisecond:
			score += 10
		case avg < 800*time.Millisecond:
			score -= 10
		default:
			score -= 30
		}
	}

	if mem, ok := c.lastMemoryLocked(); ok {
		switch {
		case mem < 100:
			score += 15
		case mem < 200:
			score += 5
		case mem < 350:
			score -= 10
		default:
			score -= 25
		}
	}

	switch {
	case net.DownlinkMbps >= 10:
		score += 15
	case net.DownlinkMbps >= 5:
		score += 5
	case net.DownlinkMbps >= 1:
		score -= 10
	default:
		score -= 20
	}

	return score
}

func (c *Controller) avgRenderLocked() (time.Duration, bool) {
	if len(c.renders) == 0 {
		return 0, false
	}
	var total time.Duration
	for _, r := range c.renders {
		total += r.Duration
	}
	return total / time.Duration(len(c.renders)), true
}

func (c *Controller) lastMemoryLocked() (float64, bool) {
	for i := len(c.renders) - 1; i >= 0; i-- {
		if c.renders[i].MemoryMB > 0 {
			return c.renders[i].MemoryMB, true
		}
	}
	if c.memory != nil {
		if mb := c.memory(); mb > 0 {
			return mb, true
		}
	}
	return 0, false
}

// tierForScore maps a composite score onto a tier via fixed thresholds.
func tierForScore(score float64) types.QualityTier {
	switch {
	case score >= 80:
		return types.TierUltra
	case score >= 60:
		return types.TierHigh
	case score >= 40:
		return types.TierMedium
	case score >= 20:
		return types.TierLow
	default:
		return types.TierMinimal
	}
}

// tierCap limits automatic tier climbing on weak hardware. Overrides are
// not capped; the user may pin any tier.
func tierCap(d types.DeviceSnapshot) types.QualityTier {
	switch {
	case d.Score >= 70 || d.Score == 0:
		return types.TierUltra
	case d.Score >= 50:
		return types.TierHigh
	default:
		return types.TierMedium
	}
}
