package models

// Tier represents the concurrency tier a task is dispatched under. Tiers
// group tasks by expected runtime so pool limits and wait timeouts can be
// set per tier rather than per task.
type Tier string

const (
	// TierLight is for quick, low-risk tasks.
	TierLight Tier = "light"
	// TierStandard is for ordinary implementation tasks.
	TierStandard Tier = "standard"
	// TierHeavy is for long-running or high-complexity tasks.
	TierHeavy Tier = "heavy"
)

// Valid returns true if the tier is a known value.
func (t Tier) Valid() bool {
	switch t {
	case TierLight, TierStandard, TierHeavy:
		return true
	default:
		return false
	}
}

// TierFor maps a task complexity to its concurrency tier.
func TierFor(c Complexity) Tier {
	switch c {
	case ComplexityEasy:
		return TierLight
	case ComplexityComplex:
		return TierHeavy
	default:
		return TierStandard
	}
}
