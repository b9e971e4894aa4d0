package baseline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"routekern/internal/tier"
)

// applyTargetPath returns a copy of the baselines with the dotted target path
// set to the proposed value. The path addresses the JSON shape of the
// baselines (e.g. "complexity_thresholds.fast.hi", "dq_weights.validity").
// Unknown fields are preserved through the round-trip.
func applyTargetPath(b *Baselines, path string, value float64) (*Baselines, error) {
	segs := strings.Split(path, ".")
	if len(segs) == 0 || path == "" {
		return nil, fmt.Errorf("%w: empty target path", ErrBaselinesInvalid)
	}
	if segs[0] == "version" || segs[0] == "lineage" {
		return nil, fmt.Errorf("%w: target path %q is not updatable", ErrBaselinesInvalid, path)
	}

	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode baselines: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode baselines: %w", err)
	}

	node := doc
	for i := 0; i < len(segs)-1; i++ {
		child, ok := node[segs[i]].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: target path %q does not resolve (at %q)", ErrBaselinesInvalid, path, segs[i])
		}
		node = child
	}
	leaf := segs[len(segs)-1]
	if _, ok := node[leaf]; !ok {
		return nil, fmt.Errorf("%w: target path %q does not resolve (missing %q)", ErrBaselinesInvalid, path, leaf)
	}
	node[leaf] = value

	// A tier boundary is shared between adjacent ranges: moving one side
	// moves the other, keeping the partition contiguous.
	if len(segs) == 3 && segs[0] == "complexity_thresholds" {
		if err := coupleBoundary(doc, segs[1], leaf, value); err != nil {
			return nil, err
		}
	}

	merged, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode updated baselines: %w", err)
	}
	updated := &Baselines{}
	if err := json.Unmarshal(merged, updated); err != nil {
		return nil, fmt.Errorf("%w: updated baselines malformed: %v", ErrBaselinesInvalid, err)
	}
	return updated, nil
}

// coupleBoundary mirrors a moved range edge onto the neighbouring tier:
// tier N's hi is tier N+1's lo. The outermost edges (fast.lo, strong.hi)
// have no neighbour and stay pinned by validation.
func coupleBoundary(doc map[string]any, tierName, edge string, value float64) error {
	t, err := tier.Parse(tierName)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBaselinesInvalid, err)
	}
	var neighbour tier.Tier
	var neighbourEdge string
	switch edge {
	case "hi":
		neighbour, neighbourEdge = t+1, "lo"
	case "lo":
		neighbour, neighbourEdge = t-1, "hi"
	default:
		return nil
	}
	if !neighbour.Valid() {
		return nil
	}

	thresholds, ok := doc["complexity_thresholds"].(map[string]any)
	if !ok {
		return fmt.Errorf("%w: complexity_thresholds malformed", ErrBaselinesInvalid)
	}
	r, ok := thresholds[neighbour.String()].(map[string]any)
	if !ok {
		return fmt.Errorf("%w: complexity_thresholds.%s malformed", ErrBaselinesInvalid, neighbour)
	}
	r[neighbourEdge] = value
	return nil
}

// resolveTargetPath reads the current value at a dotted path. Used to record
// CurrentValue on proposals and to sanity-check them at apply time.
func resolveTargetPath(b *Baselines, path string) (float64, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return 0, err
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, err
	}

	segs := strings.Split(path, ".")
	node := doc
	for i := 0; i < len(segs)-1; i++ {
		child, ok := node[segs[i]].(map[string]any)
		if !ok {
			return 0, fmt.Errorf("%w: target path %q does not resolve (at %q)", ErrBaselinesInvalid, path, segs[i])
		}
		node = child
	}
	v, ok := node[segs[len(segs)-1]].(float64)
	if !ok {
		return 0, fmt.Errorf("%w: target path %q is not numeric", ErrBaselinesInvalid, path)
	}
	return v, nil
}

// bumpPatch increments the patch component of a "major.minor.patch" version.
func bumpPatch(version string) (string, error) {
	parts, err := parseVersion(version)
	if err != nil {
		return "", err
	}
	parts[2]++
	return fmt.Sprintf("%d.%d.%d", parts[0], parts[1], parts[2]), nil
}

// compareVersions returns -1, 0, or 1 for a < b, a == b, a > b.
func compareVersions(a, b string) (int, error) {
	pa, err := parseVersion(a)
	if err != nil {
		return 0, err
	}
	pb, err := parseVersion(b)
	if err != nil {
		return 0, err
	}
	for i := 0; i < 3; i++ {
		if pa[i] < pb[i] {
			return -1, nil
		}
		if pa[i] > pb[i] {
			return 1, nil
		}
	}
	return 0, nil
}

func parseVersion(v string) ([3]int, error) {
	var out [3]int
	parts := strings.Split(v, ".")
	if len(parts) != 3 {
		return out, fmt.Errorf("%w: version %q is not major.minor.patch", ErrBaselinesInvalid, v)
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return out, fmt.Errorf("%w: version %q component %q invalid", ErrBaselinesInvalid, v, p)
		}
		out[i] = n
	}
	return out, nil
}
