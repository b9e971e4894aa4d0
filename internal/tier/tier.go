// Package tier defines the closed set of model tiers the kernel routes to.
// Adding a tier is a baseline change, not a code change: everything
// tier-specific (thresholds, costs) lives in tier-indexed tables inside
// the baselines, never in code paths.
package tier

import (
	"fmt"
)

// Tier represents one model capability class, ordered cheapest to strongest.
type Tier int

const (
	// Fast is the cheapest/fastest tier for simple queries.
	Fast Tier = iota

	// Medium is the balanced tier for standard queries.
	Medium

	// Strong is the most capable tier for complex queries.
	Strong
)

// All returns the tiers in ascending capability order. The slice is fresh on
// every call so callers may reorder it freely.
func All() []Tier {
	return []Tier{Fast, Medium, Strong}
}

// String returns the canonical lowercase name for the tier.
func (t Tier) String() string {
	switch t {
	case Fast:
		return "fast"
	case Medium:
		return "medium"
	case Strong:
		return "strong"
	default:
		return "unknown"
	}
}

// Valid reports whether t is a member of the closed tier set.
func (t Tier) Valid() bool {
	return t >= Fast && t <= Strong
}

// Parse converts a tier name to a Tier. It returns an error for names outside
// the closed set; callers surface this as an input error.
func Parse(s string) (Tier, error) {
	switch s {
	case "fast":
		return Fast, nil
	case "medium":
		return Medium, nil
	case "strong":
		return Strong, nil
	default:
		return Fast, fmt.Errorf("unknown tier %q (want fast, medium, or strong)", s)
	}
}

// Distance returns the absolute tier-index distance between two tiers.
func Distance(a, b Tier) int {
	d := int(a) - int(b)
	if d < 0 {
		d = -d
	}
	return d
}

// MarshalText encodes the tier as its canonical name. Implementing the text
// marshaler (rather than the JSON one) lets Tier double as a JSON map key.
func (t Tier) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("cannot encode invalid tier %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText decodes a tier from its canonical name.
func (t *Tier) UnmarshalText(data []byte) error {
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
