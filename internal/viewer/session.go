package viewer

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/pageflow/pageflow/internal/cache"
	"github.com/pageflow/pageflow/internal/config"
	"github.com/pageflow/pageflow/internal/decode"
	"github.com/pageflow/pageflow/internal/metrics"
	"github.com/pageflow/pageflow/internal/pipeline"
	"github.com/pageflow/pageflow/internal/prefetch"
	"github.com/pageflow/pageflow/internal/quality"
	"github.com/pageflow/pageflow/internal/source"
	pferrors "github.com/pageflow/pageflow/pkg/errors"
	"github.com/pageflow/pageflow/pkg/memmon"
	"github.com/pageflow/pageflow/pkg/retry"
	"github.com/pageflow/pageflow/pkg/types"
)

// Session is the coordinating context owning the page cache, the request
// pipeline, and the behavior-driven schedulers for one open document. All
// collaborators are wired here; nothing is global.
type Session struct {
	cfg        *config.Configuration
	logger     *log.Logger
	memory     *cache.PageCache
	store      *cache.PersistentStore
	src        source.Source
	decoder    *decode.Pool
	pipe       *pipeline.Pipeline
	classifier *prefetch.Classifier
	scheduler  *prefetch.Scheduler
	netmon     *quality.NetworkMonitor
	heap       *memmon.Monitor
	quality    *quality.Controller
	collector  *metrics.Collector
	retryer    *retry.Retryer
	events     *bus

	mu          sync.Mutex
	currentPage int
	closed      bool
}

// SessionStats aggregates the counters of every tier and component.
type SessionStats struct {
	Memory     types.CacheStats    `json:"memory"`
	Persistent *types.CacheStats   `json:"persistent,omitempty"`
	Pipeline   pipeline.Stats      `json:"pipeline"`
	Quality    quality.Stats       `json:"quality"`
	Tier       types.QualityTier   `json:"tier"`
	Behavior   types.BehaviorClass `json:"behavior"`
}

// NewLogger builds the session logger from configuration.
func NewLogger(cfg config.LoggingConfig) *log.Logger {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		level = log.InfoLevel
	}
	return log.NewWithOptions(os.Stderr, log.Options{
		Level:           level,
		ReportTimestamp: true,
		Prefix:          "pageflow",
	})
}

// NewSession wires a complete session from configuration. A nil decoder
// falls back to the passthrough decoder; a nil logger is built from the
// logging configuration.
func NewSession(cfg *config.Configuration, dec decode.Decoder, logger *log.Logger) (*Session, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = NewLogger(cfg.Logging)
	}
	if dec == nil {
		dec = decode.PassthroughDecoder{}
	}

	collector := metrics.NewCollector(cfg.Metrics)
	if err := collector.Serve(); err != nil {
		return nil, err
	}

	maxBytes, err := cfg.CacheMaxBytes()
	if err != nil {
		return nil, err
	}
	memory := cache.NewPageCache(cache.PageCacheConfig{
		Capacity: cfg.Cache.Capacity,
		MaxBytes: maxBytes,
		Logger:   logger,
		Recorder: collector,
	})

	var store *cache.PersistentStore
	if cfg.Persistent.Enabled {
		store, err = cache.OpenPersistentStore(cache.PersistentStoreConfig{
			Path:       cfg.Persistent.Path,
			MaxEntries: cfg.Persistent.MaxEntries,
			MaxAge:     cfg.Persistent.MaxAge,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
	}

	backend, err := source.New(cfg)
	if err != nil {
		return nil, err
	}
	src := source.Guard(backend, nil, logger)

	pool := decode.NewPool(dec, cfg.Pipeline.DecodeWorkers, logger)

	netmon := quality.NewNetworkMonitor(cfg.Network, logger)
	device := quality.ProbeDevice()
	heap := memmon.New()
	ctrl := quality.NewController(
		types.QualityTier(cfg.Quality.InitialTier),
		device, netmon,
		cfg.Quality.Cooldown, cfg.Quality.EvalInterval,
		logger,
	)
	ctrl.SetMemorySource(heap.UsageMB)

	pipe := pipeline.New(pipeline.Config{
		MaxConcurrent: cfg.Pipeline.MaxConcurrent,
		FetchTimeout:  cfg.Pipeline.FetchTimeout,
		Variant:       func() string { return string(ctrl.Current()) },
		Target: func() decode.TargetSpec {
			tc := ctrl.Config()
			return decode.TargetSpec{
				Scale:            tc.Scale,
				CompressionLevel: tc.CompressionLevel,
				AcceleratedPath:  tc.AcceleratedPath,
			}
		},
		Transfer: netmon.Observe,
	}, memory, store, src, pool, logger, collector)

	var sched *prefetch.Scheduler
	if cfg.Prefetch.Enabled {
		bw, err := cfg.PrefetchBandwidth()
		if err != nil {
			return nil, err
		}
		sched = prefetch.NewScheduler(prefetch.Config{
			PageCount:         cfg.Document.PageCount,
			Window:            cfg.Prefetch.Window,
			MinWindow:         cfg.Prefetch.MinWindow,
			MaxWindow:         cfg.Prefetch.MaxWindow,
			RebalanceInterval: cfg.Prefetch.RebalanceInterval,
			HitRateLow:        cfg.Prefetch.HitRateLow,
			HitRateHigh:       cfg.Prefetch.HitRateHigh,
			BandwidthBytes:    bw,
			SectionCount:      cfg.Prefetch.SectionCount,
		}, pipe, func() float64 { return memory.Stats().HitRate }, logger)
	}

	rc := retry.DefaultConfig()
	rc.MaxAttempts = cfg.Pipeline.RetryAttempts
	rc.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Debug("retrying navigation load", "attempt", attempt, "delay", delay, "err", err)
	}

	s := &Session{
		cfg:        cfg,
		logger:     logger.With("component", "session"),
		memory:     memory,
		store:      store,
		src:        src,
		decoder:    pool,
		pipe:       pipe,
		classifier: prefetch.NewClassifier(),
		scheduler:  sched,
		netmon:     netmon,
		heap:       heap,
		quality:    ctrl,
		collector:  collector,
		retryer:    retry.New(rc),
		events:     newBus(),
	}

	// Tier transitions reconfigure the cache, the prefetch window, and the
	// decode target. Each application is idempotent, so the initial
	// subscription callback converges dependents to the starting tier.
	ctrl.Subscribe(func(tc types.TierConfig) {
		memory.Resize(tc.CacheCapacity)
		if sched != nil {
			sched.SetWindow(tc.PrefetchWindow)
		}
		collector.SetTierRank(tc.Tier.Rank())
		s.events.emit(EventQualityChange, tc)
	})

	netmon.Start(cfg.Network.ProbeInterval)
	heap.Start(cfg.Quality.EvalInterval)
	ctrl.Start()
	return s, nil
}

// Navigate loads a page for explicit user navigation: highest priority, one
// retry on transient failure, behavior recording, and prefetch scheduling
// for the pages likely to follow.
func (s *Session) Navigate(ctx context.Context, pageNumber int) (*types.PageAsset, error) {
	if pageNumber < 1 || pageNumber > s.cfg.Document.PageCount {
		return nil, pferrors.Newf(pferrors.ErrCodeNotFound, "page %d outside document (1..%d)", pageNumber, s.cfg.Document.PageCount).
			WithComponent("session").WithPage(pageNumber)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, pferrors.New(pferrors.ErrCodeComponentStopped, "session closed").
			WithComponent("session").WithPage(pageNumber)
	}
	s.currentPage = pageNumber
	s.mu.Unlock()

	s.classifier.Record(pageNumber)
	class := s.classifier.Classify()
	s.collector.BehaviorClassified(string(class))

	var asset *types.PageAsset
	err := s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		a, loadErr := s.pipe.Load(ctx, pageNumber, types.PriorityHigh)
		if loadErr != nil {
			return loadErr
		}
		asset = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.scheduler != nil {
		for _, t := range s.scheduler.Schedule(pageNumber, class) {
			s.collector.PrefetchScheduled(t.Priority.String())
		}
	}

	stats := s.memory.Stats()
	s.collector.SetCacheEntries("memory", stats.Entries)
	s.events.emit(EventCacheStats, stats)
	return asset, nil
}

// ReportRender feeds render-performance feedback into the quality loop.
func (s *Session) ReportRender(r types.RenderReport) {
	s.quality.ReportRender(r)
}

// OverrideTier pins the quality tier explicitly, bypassing the cooldown.
func (s *Session) OverrideTier(tier types.QualityTier) bool {
	return s.quality.Override(tier)
}

// Tier returns the active quality tier.
func (s *Session) Tier() types.QualityTier {
	return s.quality.Current()
}

// Behavior returns the current session behavior classification.
func (s *Session) Behavior() types.BehaviorClass {
	return s.classifier.Classify()
}

// CurrentPage returns the page of the most recent navigation.
func (s *Session) CurrentPage() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentPage
}

// Subscribe registers a handler for a named session event and returns an
// unsubscribe function. Handlers run synchronously and must not block.
func (s *Session) Subscribe(name string, h Handler) func() {
	return s.events.subscribe(name, h)
}

// Stats aggregates counters from every component.
func (s *Session) Stats(ctx context.Context) SessionStats {
	stats := SessionStats{
		Memory:   s.memory.Stats(),
		Pipeline: s.pipe.Stats(),
		Quality:  s.quality.Stats(),
		Tier:     s.quality.Current(),
		Behavior: s.classifier.Classify(),
	}
	if s.store != nil {
		ps := s.store.Stats(ctx)
		stats.Persistent = &ps
	}
	return stats
}

// Close shuts the session down: schedulers stop first so nothing feeds the
// pipeline while it drains, then workers and stores.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.scheduler != nil {
		s.scheduler.Close()
	}
	s.quality.Stop()
	s.netmon.Stop()
	s.heap.Stop()
	s.pipe.Close()
	s.decoder.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.collector.Shutdown(ctx); err != nil {
		s.logger.Warn("metrics shutdown", "err", err)
	}

	s.memory.Clear(0)
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}
