package prefetch

import (
	"sync"
	"time"

	"github.com/pageflow/pageflow/pkg/types"
)

// behaviorWindow is how many recent samples the classifier keeps.
const behaviorWindow = 50

// classifyTransitions is how many recent transitions the classification
// looks at; older navigation stops mattering quickly.
const classifyTransitions = 10

// Classifier observes the page-visit sequence and derives a coarse
// navigation pattern that tunes prefetching.
type Classifier struct {
	mu      sync.Mutex
	samples []types.BehaviorSample
	now     func() time.Time
}

// NewClassifier creates a session behavior classifier.
func NewClassifier() *Classifier {
	return &Classifier{
		samples: make([]types.BehaviorSample, 0, behaviorWindow),
		now:     time.Now,
	}
}

// Record appends a page visit. The dwell of the previous sample is fixed to
// the elapsed time between the two visits.
func (c *Classifier) Record(pageNumber int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if n := len(c.samples); n > 0 {
		c.samples[n-1].Dwell = now.Sub(c.samples[n-1].Timestamp)
	}
	c.samples = append(c.samples, types.BehaviorSample{
		PageNumber: pageNumber,
		Timestamp:  now,
	})
	if len(c.samples) > behaviorWindow {
		c.samples = c.samples[len(c.samples)-behaviorWindow:]
	}
}

// Samples returns a copy of the retained samples, oldest first.
func (c *Classifier) Samples() []types.BehaviorSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.BehaviorSample, len(c.samples))
	copy(out, c.samples)
	return out
}

// Classify derives the current navigation pattern from recent transitions.
//
// Mostly +1 steps read as sequential, mostly -1 as reverse. A jump-heavy
// session splits on dwell: long dwells mean the reader studies the pages
// they land on (research), short dwells mean skimming across the document
// (browsing). Too few samples, or no dominant pattern, classify as random.
func (c *Classifier) Classify() types.BehaviorClass {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.samples) < 3 {
		return types.BehaviorRandom
	}

	start := len(c.samples) - classifyTransitions - 1
	if start < 0 {
		start = 0
	}
	window := c.samples[start:]

	var forward, backward, jumps int
	var jumpDwell time.Duration
	var dwellSamples int
	for i := 1; i < len(window); i++ {
		delta := window[i].PageNumber - window[i-1].PageNumber
		switch {
		case delta == 1:
			forward++
		case delta == -1:
			backward++
		case delta != 0:
			jumps++
			if d := window[i-1].Dwell; d > 0 {
				jumpDwell += d
				dwellSamples++
			}
		}
	}

	transitions := len(window) - 1
	if transitions == 0 {
		return types.BehaviorRandom
	}

	switch {
	case float64(forward)/float64(transitions) >= 0.7:
		return types.BehaviorSequential
	case float64(backward)/float64(transitions) >= 0.7:
		return types.BehaviorReverse
	case float64(jumps)/float64(transitions) >= 0.5:
		if dwellSamples == 0 {
			return types.BehaviorJump
		}
		avgDwell := jumpDwell / time.Duration(dwellSamples)
		if avgDwell >= 10*time.Second {
			return types.BehaviorResearch
		}
		if avgDwell < 2*time.Second {
			return types.BehaviorBrowsing
		}
		return types.BehaviorJump
	default:
		return types.BehaviorRandom
	}
}

// Reset drops all retained samples, e.g. when a new document opens.
func (c *Classifier) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = c.samples[:0]
}
