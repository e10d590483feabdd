// Package memmon samples the process heap for the quality control loop.
package memmon

import (
	"runtime"
	"sync"
	"time"
)

// Snapshot is one heap observation.
type Snapshot struct {
	HeapMB    float64   `json:"heap_mb"`
	SysMB     float64   `json:"sys_mb"`
	NumGC     uint32    `json:"num_gc"`
	SampledAt time.Time `json:"sampled_at"`
}

// Monitor keeps a smoothed view of heap usage. Rendering backends that
// cannot report their own footprint lean on this as the memory signal for
// tier evaluation.
type Monitor struct {
	mu       sync.RWMutex
	last     Snapshot
	smoothed float64

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a monitor with one immediate sample taken.
func New() *Monitor {
	m := &Monitor{stopCh: make(chan struct{})}
	m.sample()
	return m
}

// Start samples on the given interval until Stop.
func (m *Monitor) Start(interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.sample()
			}
		}
	}()
}

// Stop halts background sampling.
func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Current returns the latest snapshot.
func (m *Monitor) Current() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// UsageMB returns the smoothed heap footprint in megabytes.
func (m *Monitor) UsageMB() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.smoothed
}

func (m *Monitor) sample() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	snap := Snapshot{
		HeapMB:    float64(ms.HeapAlloc) / (1 << 20),
		SysMB:     float64(ms.Sys) / (1 << 20),
		NumGC:     ms.NumGC,
		SampledAt: time.Now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.smoothed == 0 {
		m.smoothed = snap.HeapMB
	} else {
		// Smoothing keeps one GC cycle from flapping the quality tier.
		m.smoothed = m.smoothed*0.7 + snap.HeapMB*0.3
	}
	m.last = snap
}
