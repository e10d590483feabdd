package types

import (
	"time"
)

// PageAsset is the decoded, renderable artifact for one document page.
// The cache tier holding an asset owns it exclusively; Release frees any
// backing resource (native bitmap handle, pooled buffer) and must only be
// called by the owner, once.
type PageAsset struct {
	PageNumber int       `json:"page_number"`
	ByteSize   int64     `json:"byte_size"`
	CreatedAt  time.Time `json:"created_at"`
	SourceURL  string    `json:"source_url"`

	// Data holds the decoded bytes for format-agnostic consumers. Renderer
	// backends may attach an opaque handle instead.
	Data   []byte `json:"-"`
	Handle any    `json:"-"`

	// OnRelease frees backend resources. May be nil.
	OnRelease func() `json:"-"`
}

// Release frees the asset's backing resource. Safe to call when no release
// hook is attached.
func (a *PageAsset) Release() {
	if a == nil || a.OnRelease == nil {
		return
	}
	hook := a.OnRelease
	a.OnRelease = nil
	hook()
}

// Priority orders requests within the pipeline queue. Higher values dispatch
// first; within a priority, FIFO order holds.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

// BehaviorClass is a coarse classification of the user's navigation pattern.
type BehaviorClass string

const (
	BehaviorSequential BehaviorClass = "sequential"
	BehaviorReverse    BehaviorClass = "reverse"
	BehaviorJump       BehaviorClass = "jump"
	BehaviorRandom     BehaviorClass = "random"
	BehaviorResearch   BehaviorClass = "research"
	BehaviorBrowsing   BehaviorClass = "browsing"
)

// BehaviorSample records one page visit for session classification.
type BehaviorSample struct {
	PageNumber int           `json:"page_number"`
	Timestamp  time.Time     `json:"timestamp"`
	Dwell      time.Duration `json:"dwell"`
}

// QualityTier names a configuration bundle trading rendering fidelity for
// resource cost. Exactly one tier is current at any time.
type QualityTier string

const (
	TierUltra   QualityTier = "ultra"
	TierHigh    QualityTier = "high"
	TierMedium  QualityTier = "medium"
	TierLow     QualityTier = "low"
	TierMinimal QualityTier = "minimal"
)

// Rank returns the tier's numeric rank, minimal=0 through ultra=4.
func (t QualityTier) Rank() int {
	switch t {
	case TierUltra:
		return 4
	case TierHigh:
		return 3
	case TierMedium:
		return 2
	case TierLow:
		return 1
	default:
		return 0
	}
}

// TierConfig is the fixed configuration record for a quality tier.
type TierConfig struct {
	Tier             QualityTier `json:"tier"`
	Scale            float64     `json:"scale"`
	AcceleratedPath  bool        `json:"accelerated_path"`
	CompressionLevel int         `json:"compression_level"`
	CacheCapacity    int         `json:"cache_capacity"`
	PrefetchWindow   int         `json:"prefetch_window"`
}

// TierConfigs is the fixed lookup table for all tiers. Cache capacity and
// prefetch window are monotonic in tier rank.
var TierConfigs = map[QualityTier]TierConfig{
	TierUltra:   {Tier: TierUltra, Scale: 2.0, AcceleratedPath: true, CompressionLevel: 0, CacheCapacity: 24, PrefetchWindow: 5},
	TierHigh:    {Tier: TierHigh, Scale: 1.5, AcceleratedPath: true, CompressionLevel: 1, CacheCapacity: 18, PrefetchWindow: 4},
	TierMedium:  {Tier: TierMedium, Scale: 1.0, AcceleratedPath: true, CompressionLevel: 2, CacheCapacity: 12, PrefetchWindow: 3},
	TierLow:     {Tier: TierLow, Scale: 0.75, AcceleratedPath: false, CompressionLevel: 3, CacheCapacity: 8, PrefetchWindow: 2},
	TierMinimal: {Tier: TierMinimal, Scale: 0.5, AcceleratedPath: false, CompressionLevel: 4, CacheCapacity: 4, PrefetchWindow: 1},
}

// CacheStats represents cache performance statistics.
type CacheStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Entries     int     `json:"entries"`
	Capacity    int     `json:"capacity"`
	Bytes       int64   `json:"bytes"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}

// NetworkSnapshot is an immutable view of connection characteristics.
// Consumers never mutate it; the monitor replaces the whole record on refresh.
type NetworkSnapshot struct {
	DownlinkMbps  float64       `json:"downlink_mbps"`
	RTT           time.Duration `json:"rtt"`
	EffectiveType string        `json:"effective_type"`
	Measured      bool          `json:"measured"`
	SampledAt     time.Time     `json:"sampled_at"`
}

// DeviceSnapshot is the one-shot device capability descriptor computed at
// startup and passed down instead of repeated runtime feature probing.
type DeviceSnapshot struct {
	Cores           int     `json:"cores"`
	MemoryGB        float64 `json:"memory_gb"`
	PixelRatio      float64 `json:"pixel_ratio"`
	AcceleratedPath bool    `json:"accelerated_path"`
	WorkerSupport   bool    `json:"worker_support"`
	Score           float64 `json:"score"`
}

// RenderReport carries live render-performance feedback into the quality
// control loop.
type RenderReport struct {
	PageNumber int           `json:"page_number"`
	Duration   time.Duration `json:"duration"`
	MemoryMB   float64       `json:"memory_mb"`
	ReportedAt time.Time     `json:"reported_at"`
}
