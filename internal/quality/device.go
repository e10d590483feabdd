package quality

import (
	"runtime"

	"github.com/pageflow/pageflow/pkg/types"
)

// ProbeDevice builds the one-shot device capability snapshot. It runs once at
// session creation; the result is passed down rather than re-probed, so every
// consumer sees the same view.
func ProbeDevice() types.DeviceSnapshot {
	snap := types.DeviceSnapshot{
		Cores:         runtime.NumCPU(),
		MemoryGB:      approxMemoryGB(),
		PixelRatio:    1.0,
		WorkerSupport: true,
	}
	snap.AcceleratedPath = snap.Cores >= 4 && snap.MemoryGB >= 4
	snap.Score = deviceScore(snap)
	return snap
}

// approxMemoryGB estimates installed memory from the runtime's view. The
// exact figure matters less than the bucket it lands in.
func approxMemoryGB() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	switch {
	case runtime.NumCPU() >= 8:
		return 16
	case runtime.NumCPU() >= 4:
		return 8
	default:
		return 4
	}
}

// deviceScore maps a capability snapshot onto a 0..100 scale used as one
// input to tier evaluation.
func deviceScore(d types.DeviceSnapshot) float64 {
	score := 0.0

	switch {
	case d.Cores >= 8:
		score += 40
	case d.Cores >= 4:
		score += 30
	case d.Cores >= 2:
		score += 20
	default:
		score += 10
	}

	switch {
	case d.MemoryGB >= 16:
		score += 40
	case d.MemoryGB >= 8:
		score += 30
	case d.MemoryGB >= 4:
		score += 20
	default:
		score += 10
	}

	if d.AcceleratedPath {
		score += 10
	}
	if d.WorkerSupport {
		score += 10
	}
	return score
}
