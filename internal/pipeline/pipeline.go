package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/pageflow/pageflow/internal/cache"
	"github.com/pageflow/pageflow/internal/decode"
	"github.com/pageflow/pageflow/internal/source"
	pferrors "github.com/pageflow/pageflow/pkg/errors"
	"github.com/pageflow/pageflow/pkg/types"
)

// Observer receives pipeline events for metrics export.
type Observer interface {
	FetchStarted()
	FetchFinished(duration time.Duration, outcome string)
	QueueDepth(depth int)
}

// Config configures the request pipeline.
type Config struct {
	// MaxConcurrent caps in-flight fetches; excess requests queue.
	MaxConcurrent int
	// FetchTimeout bounds each fetch attempt.
	FetchTimeout time.Duration
	// Variant derives the cache-key variant from the current quality tier.
	// May be nil when assets have a single variant.
	Variant func() string
	// Target derives the decode target from the current quality tier.
	// May be nil; the zero TargetSpec is used.
	Target func() decode.TargetSpec
	// Transfer observes completed network transfers (bytes, elapsed) for
	// passive bandwidth estimation. May be nil.
	Transfer func(byteSize int64, elapsed time.Duration)
}

// Pipeline turns a page request into a cached, ready-to-render asset.
//
// Requests check the memory cache, then the persistent store, then the
// network. At most MaxConcurrent fetch tasks run at once; the rest queue in
// strict priority order (high before any earlier normal/low, FIFO within a
// priority). Concurrent requests for the same page share one in-flight task
// and resolve together.
type Pipeline struct {
	cfg      Config
	memory   *cache.PageCache
	store    *cache.PersistentStore
	src      source.Source
	decoder  *decode.Pool
	logger   *log.Logger
	observer Observer

	mu       sync.Mutex
	queues   [3][]*task // indexed by types.Priority
	inflight map[int]*task
	active   int
	closed   bool

	stats Stats
}

// Stats counts pipeline activity.
type Stats struct {
	Dispatched uint64 `json:"dispatched"`
	Deduped    uint64 `json:"deduped"`
	Timeouts   uint64 `json:"timeouts"`
	Failures   uint64 `json:"failures"`
	StoreHits  uint64 `json:"store_hits"`
}

// task is one deduplicated page fetch. Its lifecycle is
// Queued -> Dispatched -> {Succeeded | Failed | TimedOut}; every terminal
// state releases the concurrency slot and drains the queue.
type task struct {
	pageNumber int
	priority   types.Priority
	enqueuedAt time.Time
	dispatched bool

	done  chan struct{}
	asset *types.PageAsset
	err   error
}

// New creates a request pipeline. The persistent store may be nil.
func New(cfg Config, memory *cache.PageCache, store *cache.PersistentStore, src source.Source, decoder *decode.Pool, logger *log.Logger, observer Observer) *Pipeline {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Pipeline{
		cfg:      cfg,
		memory:   memory,
		store:    store,
		src:      src,
		decoder:  decoder,
		logger:   logger.With("component", "pipeline"),
		observer: observer,
		inflight: make(map[int]*task),
	}
}

// Load resolves a page asset, fetching and decoding on a miss. The caller's
// context bounds only its own wait: abandoning a shared in-flight task never
// cancels it for other waiters, and a completed fetch is cached regardless.
func (p *Pipeline) Load(ctx context.Context, pageNumber int, priority types.Priority) (*types.PageAsset, error) {
	if asset, ok := p.memory.Get(p.key(pageNumber)); ok {
		return asset, nil
	}

	t, err := p.enqueue(pageNumber, priority)
	if err != nil {
		return nil, err
	}

	select {
	case <-t.done:
		return t.asset, t.err
	case <-ctx.Done():
		return nil, pferrors.New(pferrors.ErrCodeCanceled, "load abandoned by caller").
			WithComponent("pipeline").WithPage(pageNumber).WithCause(ctx.Err())
	}
}

// Cached reports whether the page is already in the memory cache.
func (p *Pipeline) Cached(pageNumber int) bool {
	return p.memory.Contains(p.key(pageNumber))
}

// Pending reports whether a fetch for the page is queued or in flight.
func (p *Pipeline) Pending(pageNumber int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inflight[pageNumber]
	return ok
}

// Stats returns a snapshot of pipeline counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Close rejects new loads. In-flight tasks run to completion.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *Pipeline) key(pageNumber int) string {
	variant := ""
	if p.cfg.Variant != nil {
		variant = p.cfg.Variant()
	}
	return cache.Key(pageNumber, variant)
}

// enqueue registers a task for the page, merging into an existing in-flight
// task when one exists. A merged request upgrades the queued task's priority
// when its own is higher.
func (p *Pipeline) enqueue(pageNumber int, priority types.Priority) (*task, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, pferrors.New(pferrors.ErrCodeComponentStopped, "pipeline closed").
			WithComponent("pipeline").WithPage(pageNumber)
	}

	if existing, ok := p.inflight[pageNumber]; ok {
		p.stats.Deduped++
		if priority > existing.priority && !existing.dispatched {
			p.promoteLocked(existing, priority)
		}
		return existing, nil
	}

	t := &task{
		pageNumber: pageNumber,
		priority:   priority,
		enqueuedAt: time.Now(),
		done:       make(chan struct{}),
	}
	p.inflight[pageNumber] = t
	p.queues[priority] = append(p.queues[priority], t)
	p.notifyDepthLocked()
	p.dispatchLocked()
	return t, nil
}

// promoteLocked moves a queued task to a higher priority queue, keeping its
// original arrival order within the new priority class.
func (p *Pipeline) promoteLocked(t *task, priority types.Priority) {
	queue := p.queues[t.priority]
	for i, queued := range queue {
		if queued == t {
			p.queues[t.priority] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	t.priority = priority
	p.queues[priority] = append(p.queues[priority], t)
}

// dispatchLocked starts queued tasks while slots are free, highest priority
// first, FIFO within a priority.
func (p *Pipeline) dispatchLocked() {
	for p.active < p.cfg.MaxConcurrent {
		t := p.nextLocked()
		if t == nil {
			return
		}
		t.dispatched = true
		p.active++
		p.stats.Dispatched++
		go p.run(t)
	}
}

func (p *Pipeline) nextLocked() *task {
	for pr := types.PriorityHigh; pr >= types.PriorityLow; pr-- {
		if len(p.queues[pr]) > 0 {
			t := p.queues[pr][0]
			p.queues[pr] = p.queues[pr][1:]
			return t
		}
	}
	return nil
}

func (p *Pipeline) notifyDepthLocked() {
	if p.observer == nil {
		return
	}
	depth := len(p.queues[0]) + len(p.queues[1]) + len(p.queues[2])
	p.observer.QueueDepth(depth)
}

// run executes one dispatched task. The slot release and queue drain run on
// every terminal path.
func (p *Pipeline) run(t *task) {
	start := time.Now()
	if p.observer != nil {
		p.observer.FetchStarted()
	}

	asset, err := p.resolve(t)

	outcome := "success"
	p.mu.Lock()
	if err != nil {
		p.stats.Failures++
		outcome = "error"
		if pferrors.IsTimeout(err) {
			p.stats.Timeouts++
			outcome = "timeout"
		} else if pferrors.IsNotFound(err) {
			outcome = "not_found"
		}
	}
	t.asset = asset
	t.err = err
	delete(p.inflight, t.pageNumber)
	p.active--
	p.dispatchLocked()
	p.notifyDepthLocked()
	p.mu.Unlock()

	close(t.done)
	if p.observer != nil {
		p.observer.FetchFinished(time.Since(start), outcome)
	}
}

// resolve produces the asset: memory recheck, persistent store, network.
func (p *Pipeline) resolve(t *task) (*types.PageAsset, error) {
	key := p.key(t.pageNumber)

	// A concurrent load may have populated the cache between enqueue and
	// dispatch; re-check before paying for a fetch. Peek keeps the stats
	// honest: the caller's Load already counted this lookup.
	if asset, ok := p.memory.Peek(key); ok {
		return asset, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.FetchTimeout)
	defer cancel()

	if p.store != nil {
		if raw, sourceURL, ok := p.store.Get(ctx, key); ok {
			p.mu.Lock()
			p.stats.StoreHits++
			p.mu.Unlock()
			asset, err := p.decode(ctx, t.pageNumber, raw, sourceURL)
			if err == nil {
				p.memory.Put(key, asset)
				return asset, nil
			}
			// A stale or corrupt blob falls through to the network.
			p.logger.Warn("persistent blob decode failed", "page", t.pageNumber, "err", err)
		}
	}

	fetchStart := time.Now()
	raw, sourceURL, err := p.src.Fetch(ctx, t.pageNumber)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded && !pferrors.IsTimeout(err) {
			err = pferrors.Newf(pferrors.ErrCodeTimeout, "fetch exceeded %s", p.cfg.FetchTimeout).
				WithComponent("pipeline").WithPage(t.pageNumber).WithCause(err)
		}
		return nil, err
	}
	if p.cfg.Transfer != nil {
		p.cfg.Transfer(int64(len(raw)), time.Since(fetchStart))
	}

	asset, err := p.decode(ctx, t.pageNumber, raw, sourceURL)
	if err != nil {
		return nil, err
	}

	p.memory.Put(key, asset)
	if p.store != nil {
		p.store.Put(ctx, key, t.pageNumber, sourceURL, raw)
	}
	return asset, nil
}

func (p *Pipeline) decode(ctx context.Context, pageNumber int, raw []byte, sourceURL string) (*types.PageAsset, error) {
	var target decode.TargetSpec
	if p.cfg.Target != nil {
		target = p.cfg.Target()
	}
	asset, err := p.decoder.Decode(ctx, pageNumber, raw, target)
	if err != nil {
		return nil, err
	}
	asset.SourceURL = sourceURL
	return asset, nil
}
