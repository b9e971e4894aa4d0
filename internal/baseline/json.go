package baseline

import (
	"encoding/json"
)

// knownFields are the top-level JSON keys the kernel understands. Anything
// else round-trips through the extra map untouched.
var knownFields = []string{
	"version",
	"dq_weights",
	"complexity_thresholds",
	"cost_per_mtok",
	"actionable_threshold",
	"token_heuristic",
	"feedback_gates",
	"analyzer",
	"detector",
	"lineage",
}

// baselinesAlias breaks marshal recursion.
type baselinesAlias Baselines

// UnmarshalJSON decodes baselines, stashing unknown top-level fields so they
// survive read-modify-write cycles.
func (b *Baselines) UnmarshalJSON(data []byte) error {
	var a baselinesAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range knownFields {
		delete(raw, k)
	}

	*b = Baselines(a)
	if len(raw) > 0 {
		b.extra = raw
	}
	return nil
}

// MarshalJSON encodes baselines, re-emitting preserved unknown fields. When
// extras are present the output is key-sorted (map encoding), which keeps
// persisted files deterministic.
func (b Baselines) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(baselinesAlias(b))
	if err != nil {
		return nil, err
	}
	if len(b.extra) == 0 {
		return data, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range b.extra {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}
