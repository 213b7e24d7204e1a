package steps

import (
	"encoding/json"
	"fmt"
)

// redactedFields are the only top level fields kept by RemoveStepDetails.
var redactedFields = []string{"state", "achieved_points"}

// RemoveStepDetails strips a step log down to states and points for
// viewers that may not see step internals.
func RemoveStepDetails(kind Kind, log []byte) (json.RawMessage, error) {
	if len(log) == 0 {
		return json.RawMessage(`{}`), nil
	}

	raw := map[string]any{}
	if err := json.Unmarshal(log, &raw); err != nil {
		return nil, fmt.Errorf("decoding step log: %w", err)
	}

	var out map[string]any

	switch kind {
	case KindIOTest:
		out = map[string]any{"steps": redactCases(raw["steps"])}
	case KindRunProgram, KindCustomOutput, KindJUnitTest:
		out = pick(raw)
	case KindCheckPoints, KindCodeQuality:
		out = map[string]any{}
	default:
		return nil, fmt.Errorf("unknown step type %q: %w", kind, ErrInvalidConfig)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encoding redacted log: %w", err)
	}

	return data, nil
}

func redactCases(v any) []map[string]any {
	cases, _ := v.([]any)

	out := make([]map[string]any, 0, len(cases))

	for _, c := range cases {
		m, ok := c.(map[string]any)
		if !ok {
			continue
		}

		out = append(out, pick(m))
	}

	return out
}

func pick(m map[string]any) map[string]any {
	out := make(map[string]any, len(redactedFields))

	for _, key := range redactedFields {
		if v, ok := m[key]; ok {
			out[key] = v
		}
	}

	return out
}
