package prefetch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pageflow/pageflow/internal/cache"
	"github.com/pageflow/pageflow/internal/decode"
	"github.com/pageflow/pageflow/internal/pipeline"
	"github.com/pageflow/pageflow/pkg/types"
)

type stubSource struct{}

func (stubSource) Fetch(_ context.Context, pageNumber int) ([]byte, string, error) {
	return []byte(fmt.Sprintf("body-%d", pageNumber)), fmt.Sprintf("u-%d", pageNumber), nil
}

func (stubSource) Head(context.Context, int) error { return nil }

func newSchedulerUnderTest(t *testing.T, cfg Config, hitRate HitRateFunc) (*Scheduler, *pipeline.Pipeline, *cache.PageCache) {
	t.Helper()
	memory := cache.NewPageCache(cache.PageCacheConfig{Capacity: 50})
	pool := decode.NewPool(decode.PassthroughDecoder{}, 1, nil)
	t.Cleanup(pool.Close)
	pipe := pipeline.New(pipeline.Config{MaxConcurrent: 2, FetchTimeout: time.Second}, memory, nil, stubSource{}, pool, nil, nil)
	s := NewScheduler(cfg, pipe, hitRate, nil)
	t.Cleanup(s.Close)
	return s, pipe, memory
}

func taskPages(tasks []Task) []int {
	pages := make([]int, len(tasks))
	for i, t := range tasks {
		pages[i] = t.PageNumber
	}
	return pages
}

func assertTasks(t *testing.T, got []Task, want []Task) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got tasks %v, want pages %v", taskPages(got), taskPages(want))
	}
	for i := range want {
		if got[i].PageNumber != want[i].PageNumber || got[i].Priority != want[i].Priority {
			t.Errorf("task %d = (page %d, %v), want (page %d, %v)",
				i, got[i].PageNumber, got[i].Priority, want[i].PageNumber, want[i].Priority)
		}
	}
}

func TestScheduleSequential(t *testing.T) {
	s, _, _ := newSchedulerUnderTest(t, Config{PageCount: 100, Window: 3}, nil)

	got := s.Schedule(4, types.BehaviorSequential)
	assertTasks(t, got, []Task{
		{PageNumber: 5, Priority: types.PriorityHigh},
		{PageNumber: 6, Priority: types.PriorityHigh},
		{PageNumber: 7, Priority: types.PriorityHigh},
		{PageNumber: 3, Priority: types.PriorityLow},
		{PageNumber: 2, Priority: types.PriorityLow},
	})
}

func TestScheduleReverse(t *testing.T) {
	s, _, _ := newSchedulerUnderTest(t, Config{PageCount: 100, Window: 3}, nil)

	got := s.Schedule(10, types.BehaviorReverse)
	assertTasks(t, got, []Task{
		{PageNumber: 9, Priority: types.PriorityHigh},
		{PageNumber: 8, Priority: types.PriorityHigh},
		{PageNumber: 7, Priority: types.PriorityHigh},
		{PageNumber: 11, Priority: types.PriorityLow},
		{PageNumber: 12, Priority: types.PriorityLow},
	})
}

func TestScheduleResearchAnchors(t *testing.T) {
	s, _, _ := newSchedulerUnderTest(t, Config{PageCount: 90, Window: 3}, nil)

	got := s.Schedule(40, types.BehaviorResearch)
	assertTasks(t, got, []Task{
		{PageNumber: 1, Priority: types.PriorityNormal},
		{PageNumber: 2, Priority: types.PriorityNormal},
		{PageNumber: 90, Priority: types.PriorityNormal},
	})
}

func TestScheduleBrowsingSectionStarts(t *testing.T) {
	s, _, _ := newSchedulerUnderTest(t, Config{PageCount: 80, Window: 3, SectionCount: 8}, nil)

	got := s.Schedule(35, types.BehaviorBrowsing)
	want := make([]Task, 0, 8)
	for page := 1; page <= 80; page += 10 {
		want = append(want, Task{PageNumber: page, Priority: types.PriorityLow})
	}
	assertTasks(t, got, want)
}

func TestScheduleRandomNeighbors(t *testing.T) {
	s, _, _ := newSchedulerUnderTest(t, Config{PageCount: 100, Window: 3}, nil)

	got := s.Schedule(50, types.BehaviorRandom)
	assertTasks(t, got, []Task{
		{PageNumber: 51, Priority: types.PriorityNormal},
		{PageNumber: 49, Priority: types.PriorityNormal},
	})
}

func TestScheduleRespectsDocumentBounds(t *testing.T) {
	t.Run("forward window clips at last page", func(t *testing.T) {
		s, _, _ := newSchedulerUnderTest(t, Config{PageCount: 5, Window: 3}, nil)
		got := s.Schedule(4, types.BehaviorSequential)
		assertTasks(t, got, []Task{
			{PageNumber: 5, Priority: types.PriorityHigh},
			{PageNumber: 3, Priority: types.PriorityLow},
			{PageNumber: 2, Priority: types.PriorityLow},
		})
	})

	t.Run("no page below one", func(t *testing.T) {
		s, _, _ := newSchedulerUnderTest(t, Config{PageCount: 5, Window: 3}, nil)
		got := s.Schedule(1, types.BehaviorRandom)
		assertTasks(t, got, []Task{
			{PageNumber: 2, Priority: types.PriorityNormal},
		})
	})
}

func TestScheduleSkipsCachedPages(t *testing.T) {
	s, pipe, _ := newSchedulerUnderTest(t, Config{PageCount: 100, Window: 3}, nil)

	if _, err := pipe.Load(context.Background(), 5, types.PriorityHigh); err != nil {
		t.Fatalf("warm load: %v", err)
	}

	got := s.Schedule(4, types.BehaviorSequential)
	for _, task := range got {
		if task.PageNumber == 5 {
			t.Error("cached page 5 must not be scheduled again")
		}
	}
}

func TestScheduleMergeKeepsHigherPriority(t *testing.T) {
	// Everything the scheduler accepts stays queued: no limiter tokens means
	// the executor requeues instead of dispatching, keeping tasks observable.
	s := &Scheduler{
		cfg:     Config{PageCount: 100, MinWindow: 1, MaxWindow: 8, SectionCount: 8},
		window:  3,
		pending: make(map[int]*Task),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
	s.pipe = func() *pipeline.Pipeline {
		memory := cache.NewPageCache(cache.PageCacheConfig{Capacity: 50})
		pool := decode.NewPool(decode.PassthroughDecoder{}, 1, nil)
		t.Cleanup(pool.Close)
		return pipeline.New(pipeline.Config{MaxConcurrent: 1, FetchTimeout: time.Second}, memory, nil, stubSource{}, pool, nil, nil)
	}()

	first := s.Schedule(50, types.BehaviorRandom) // 51 and 49 at normal
	if len(first) != 2 {
		t.Fatalf("first schedule accepted %v", taskPages(first))
	}

	second := s.Schedule(52, types.BehaviorSequential) // 53,54,55 high; 51,50 low
	for _, task := range second {
		if task.PageNumber == 51 && task.Priority != types.PriorityNormal {
			t.Errorf("page 51 priority = %v, want normal kept over low", task.Priority)
		}
	}
	if _, ok := s.pending[51]; !ok {
		t.Error("page 51 should still be pending once")
	}
}

func TestSetWindowClamps(t *testing.T) {
	s, _, _ := newSchedulerUnderTest(t, Config{PageCount: 100, Window: 3, MinWindow: 1, MaxWindow: 6}, nil)

	s.SetWindow(10)
	if got := s.Window(); got != 6 {
		t.Errorf("window = %d, want clamp to 6", got)
	}
	s.SetWindow(0)
	if got := s.Window(); got != 1 {
		t.Errorf("window = %d, want clamp to 1", got)
	}
	s.SetWindow(4)
	if got := s.Window(); got != 4 {
		t.Errorf("window = %d, want 4", got)
	}
}

func TestWindowAdaptsToHitRate(t *testing.T) {
	hitRate := 0.5
	s, _, _ := newSchedulerUnderTest(t, Config{
		PageCount:         100,
		Window:            3,
		MinWindow:         1,
		MaxWindow:         4,
		RebalanceInterval: 10 * time.Millisecond,
	}, func() float64 { return hitRate })

	deadline := time.Now().Add(time.Second)
	for s.Window() < 4 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := s.Window(); got != 4 {
		t.Fatalf("window = %d, want widened to max 4 under low hit rate", got)
	}

	hitRate = 0.95
	deadline = time.Now().Add(time.Second)
	for s.Window() > 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := s.Window(); got != 1 {
		t.Fatalf("window = %d, want narrowed to min 1 under high hit rate", got)
	}
}

func TestSmallBandwidthBudgetStillPrefetches(t *testing.T) {
	// A budget below the per-page estimate must slow prefetching down, not
	// disable it: the burst covers at least one page, so the first fetch is
	// always admitted.
	s, pipe, _ := newSchedulerUnderTest(t, Config{
		PageCount:      100,
		Window:         3,
		BandwidthBytes: 100 * 1024,
	}, nil)

	s.Schedule(4, types.BehaviorSequential)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pipe.Cached(5) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no prefetch ran under a sub-page bandwidth budget")
}

func TestExecutorWarmsCache(t *testing.T) {
	s, pipe, _ := newSchedulerUnderTest(t, Config{PageCount: 100, Window: 2}, nil)

	s.Schedule(10, types.BehaviorSequential)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pipe.Cached(11) && pipe.Cached(12) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("prefetched pages never arrived in the cache")
}
