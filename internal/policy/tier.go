package policy

import "fmt"

// Tier is an action's risk tier. Higher tier = more restricted.
type Tier int

// Risk tier constants.
const (
	TierSafe     Tier = 0 // Execute immediately, log
	TierElevated Tier = 1 // Execute, soft confirmation is advisory only
	TierGuarded  Tier = 2 // Challenge-response confirmation with TTL
	TierCritical Tier = 3 // Always denied, never bound to a handler
)

// TierLabel returns a human-readable label for the tier.
func TierLabel(tier Tier) string {
	switch tier {
	case TierSafe:
		return "safe"
	case TierElevated:
		return "elevated"
	case TierGuarded:
		return "guarded"
	case TierCritical:
		return "critical"
	default:
		return fmt.Sprintf("unknown(%d)", int(tier))
	}
}

func (t Tier) String() string { return TierLabel(t) }

// Valid reports whether t is one of the four defined tiers.
func (t Tier) Valid() bool {
	return t >= TierSafe && t <= TierCritical
}
