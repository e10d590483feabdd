package prefetch

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/pageflow/pageflow/internal/pipeline"
	"github.com/pageflow/pageflow/pkg/types"
)

// estimatedPageBytes sizes the bandwidth budget per prefetched page. Page
// assets vary, but a fixed estimate keeps the token bucket simple; the real
// transfer is bounded by the pipeline's fetch timeout anyway.
const estimatedPageBytes = 256 * 1024

// Task is one speculative page fetch. At most one pending task exists per
// page; re-adding keeps the higher priority.
type Task struct {
	PageNumber int            `json:"page_number"`
	Priority   types.Priority `json:"priority"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// Config configures the scheduler.
type Config struct {
	// PageCount bounds candidate pages to the document.
	PageCount int
	// Window is the initial forward window; Min/MaxWindow bound adaptation.
	Window    int
	MinWindow int
	MaxWindow int
	// RebalanceInterval is the adaptive window tick period.
	RebalanceInterval time.Duration
	// HitRateLow widens the window below it; HitRateHigh narrows above it.
	HitRateLow  float64
	HitRateHigh float64
	// BandwidthBytes limits prefetch throughput in bytes/s; 0 disables.
	BandwidthBytes int64
	// SectionCount is how many section-start pages browsing mode covers.
	SectionCount int
}

// HitRateFunc reports the recent memory-cache hit rate for adaptation.
type HitRateFunc func() float64

// Scheduler computes speculative page fetches from the current page and the
// session behavior class, and executes them through the shared request
// pipeline at priority <= normal so they never starve explicit navigation.
type Scheduler struct {
	cfg     Config
	pipe    *pipeline.Pipeline
	hitRate HitRateFunc
	logger  *log.Logger
	limiter *rate.Limiter

	mu      sync.Mutex
	window  int
	pending map[int]*Task
	order   [3][]*Task // indexed by types.Priority
	closed  bool

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates and starts a prefetch scheduler.
func NewScheduler(cfg Config, pipe *pipeline.Pipeline, hitRate HitRateFunc, logger *log.Logger) *Scheduler {
	if cfg.Window <= 0 {
		cfg.Window = 3
	}
	if cfg.MinWindow < 1 {
		cfg.MinWindow = 1
	}
	if cfg.MaxWindow < cfg.MinWindow {
		cfg.MaxWindow = cfg.MinWindow + 5
	}
	if cfg.RebalanceInterval <= 0 {
		cfg.RebalanceInterval = 10 * time.Second
	}
	if cfg.HitRateLow <= 0 {
		cfg.HitRateLow = 0.70
	}
	if cfg.HitRateHigh <= 0 {
		cfg.HitRateHigh = 0.90
	}
	if cfg.SectionCount <= 0 {
		cfg.SectionCount = 8
	}
	if logger == nil {
		logger = log.Default()
	}

	var limiter *rate.Limiter
	if cfg.BandwidthBytes > 0 {
		// The burst must cover one whole page; with a smaller burst a budget
		// below estimatedPageBytes could never admit a single fetch and the
		// scheduler would starve permanently.
		burst := int(cfg.BandwidthBytes)
		if burst < estimatedPageBytes {
			burst = estimatedPageBytes
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.BandwidthBytes), burst)
	}

	s := &Scheduler{
		cfg:     cfg,
		pipe:    pipe,
		hitRate: hitRate,
		logger:  logger.With("component", "prefetch"),
		limiter: limiter,
		window:  clamp(cfg.Window, cfg.MinWindow, cfg.MaxWindow),
		pending: make(map[int]*Task),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}

	s.wg.Add(2)
	go s.executor()
	go s.rebalancer()
	return s
}

// Schedule computes the candidate set for the current page and behavior
// class and enqueues the pages that are neither cached nor already pending.
// It returns the tasks enqueued or upgraded in dispatch order.
func (s *Scheduler) Schedule(currentPage int, class types.BehaviorClass) []Task {
	candidates := s.candidates(currentPage, class)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}

	var accepted []Task
	now := time.Now()
	for _, c := range candidates {
		if c.PageNumber < 1 || c.PageNumber > s.cfg.PageCount || c.PageNumber == currentPage {
			continue
		}
		if s.pipe.Cached(c.PageNumber) || s.pipe.Pending(c.PageNumber) {
			continue
		}
		if existing, ok := s.pending[c.PageNumber]; ok {
			if c.Priority > existing.Priority {
				s.promoteLocked(existing, c.Priority)
				accepted = append(accepted, *existing)
			}
			continue
		}
		t := &Task{PageNumber: c.PageNumber, Priority: c.Priority, EnqueuedAt: now}
		s.pending[c.PageNumber] = t
		s.order[t.Priority] = append(s.order[t.Priority], t)
		accepted = append(accepted, *t)
	}
	s.mu.Unlock()

	if len(accepted) > 0 {
		s.kick()
	}
	return accepted
}

// Window returns the current adaptive forward window.
func (s *Scheduler) Window() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window
}

// SetWindow applies a new base window, clamped to the configured bounds.
// Re-applying the current value is a no-op; the quality controller calls
// this on tier changes.
func (s *Scheduler) SetWindow(window int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.window = clamp(window, s.cfg.MinWindow, s.cfg.MaxWindow)
}

// Close stops the executor and drops pending tasks.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.pending = make(map[int]*Task)
	s.order = [3][]*Task{}
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
}

// candidates derives the ordered candidate set for a behavior class.
func (s *Scheduler) candidates(currentPage int, class types.BehaviorClass) []Task {
	s.mu.Lock()
	window := s.window
	s.mu.Unlock()

	var out []Task
	switch class {
	case types.BehaviorSequential:
		// Forward window at high priority, a smaller backward window low.
		for i := 1; i <= window; i++ {
			out = append(out, Task{PageNumber: currentPage + i, Priority: types.PriorityHigh})
		}
		for i := 1; i <= backWindow(window); i++ {
			out = append(out, Task{PageNumber: currentPage - i, Priority: types.PriorityLow})
		}

	case types.BehaviorReverse:
		for i := 1; i <= window; i++ {
			out = append(out, Task{PageNumber: currentPage - i, Priority: types.PriorityHigh})
		}
		for i := 1; i <= backWindow(window); i++ {
			out = append(out, Task{PageNumber: currentPage + i, Priority: types.PriorityLow})
		}

	case types.BehaviorResearch:
		// Anchor pages a studying reader returns to: cover, index, back.
		for _, page := range []int{1, 2, s.cfg.PageCount} {
			out = append(out, Task{PageNumber: page, Priority: types.PriorityNormal})
		}

	case types.BehaviorBrowsing:
		// Evenly spaced section starts across the document.
		sections := s.cfg.SectionCount
		if sections > s.cfg.PageCount {
			sections = s.cfg.PageCount
		}
		if sections > 0 {
			stride := s.cfg.PageCount / sections
			if stride < 1 {
				stride = 1
			}
			for page := 1; page <= s.cfg.PageCount; page += stride {
				out = append(out, Task{PageNumber: page, Priority: types.PriorityLow})
			}
		}

	default:
		// Random or unclassified: immediate neighbors only.
		out = append(out,
			Task{PageNumber: currentPage + 1, Priority: types.PriorityNormal},
			Task{PageNumber: currentPage - 1, Priority: types.PriorityNormal},
		)
	}
	return out
}

func (s *Scheduler) promoteLocked(t *Task, priority types.Priority) {
	queue := s.order[t.Priority]
	for i, queued := range queue {
		if queued == t {
			s.order[t.Priority] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	t.Priority = priority
	s.order[priority] = append(s.order[priority], t)
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// executor drains pending tasks through the pipeline. Prefetch failures are
// swallowed and logged; prefetching is best-effort and must never surface a
// user-visible error.
func (s *Scheduler) executor() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.wake:
		}

		for {
			t := s.next()
			if t == nil {
				break
			}

			if s.limiter != nil && !s.limiter.AllowN(time.Now(), estimatedPageBytes) {
				// Budget exhausted; requeue and retry on the next wake or
				// rebalance tick rather than blocking a goroutine on Wait.
				s.logger.Debug("bandwidth budget exhausted, deferring prefetch",
					"page", t.PageNumber)
				s.requeue(t)
				break
			}

			// Prefetch never exceeds normal priority in the shared pipeline,
			// so explicit navigation loads always dispatch first.
			priority := t.Priority
			if priority > types.PriorityNormal {
				priority = types.PriorityNormal
			}
			if _, err := s.pipe.Load(context.Background(), t.PageNumber, priority); err != nil {
				s.logger.Debug("prefetch dropped", "page", t.PageNumber, "err", err)
			}

			select {
			case <-s.stopCh:
				return
			default:
			}
		}
	}
}

func (s *Scheduler) next() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pr := types.PriorityHigh; pr >= types.PriorityLow; pr-- {
		if len(s.order[pr]) > 0 {
			t := s.order[pr][0]
			s.order[pr] = s.order[pr][1:]
			delete(s.pending, t.PageNumber)
			return t
		}
	}
	return nil
}

func (s *Scheduler) requeue(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.pending[t.PageNumber]; ok {
		return
	}
	s.pending[t.PageNumber] = t
	s.order[t.Priority] = append([]*Task{t}, s.order[t.Priority]...)
}

// rebalancer adapts the window to the recent hit rate on a periodic tick: a
// low hit rate widens the window by one page, a very high one narrows it.
func (s *Scheduler) rebalancer() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.RebalanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.hitRate != nil {
				hr := s.hitRate()
				s.mu.Lock()
				switch {
				case hr < s.cfg.HitRateLow && s.window < s.cfg.MaxWindow:
					s.window++
				case hr > s.cfg.HitRateHigh && s.window > s.cfg.MinWindow:
					s.window--
				}
				s.mu.Unlock()
			}
			// The kick also retries work deferred on an exhausted
			// bandwidth budget.
			s.kick()
		}
	}
}

// backWindow is the trailing window paired with a forward window: roughly
// half of it, rounded up, so a 3-page forward window keeps 2 pages behind.
func backWindow(window int) int {
	back := (window + 1) / 2
	if back < 1 {
		back = 1
	}
	return back
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
