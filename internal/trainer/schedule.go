package trainer

import (
	"fmt"
	"math"
)

// Schedule maps a 0-based optimizer step to its learning rate.
type Schedule func(step int) float64

// NewSchedule builds the named learning-rate schedule. All three ramp
// linearly from zero over warmupSteps; afterwards "linear" decays to zero
// at totalSteps, "cosine" follows a half cosine wave down to zero, and
// "constant" holds the base rate.
func NewSchedule(name string, base float64, warmupSteps, totalSteps int) (Schedule, error) {
	if base <= 0 {
		return nil, fmt.Errorf("base learning rate must be positive, got %g", base)
	}
	if warmupSteps < 0 || totalSteps < 0 {
		return nil, fmt.Errorf("schedule steps must not be negative")
	}

	warmup := func(step int) float64 {
		return base * float64(step) / float64(max(1, warmupSteps))
	}

	switch name {
	case "linear":
		return func(step int) float64 {
			if step < warmupSteps {
				return warmup(step)
			}
			remaining := float64(totalSteps-step) / float64(max(1, totalSteps-warmupSteps))
			return base * math.Max(0, remaining)
		}, nil
	case "cosine":
		return func(step int) float64 {
			if step < warmupSteps {
				return warmup(step)
			}
			progress := float64(step-warmupSteps) / float64(max(1, totalSteps-warmupSteps))
			if progress > 1 {
				progress = 1
			}
			return base * 0.5 * (1 + math.Cos(math.Pi*progress))
		}, nil
	case "constant":
		return func(step int) float64 {
			if step < warmupSteps {
				return warmup(step)
			}
			return base
		}, nil
	default:
		return nil, fmt.Errorf("unknown lr scheduler %q", name)
	}
}
