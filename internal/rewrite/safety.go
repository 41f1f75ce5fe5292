// Package rewrite implements the POST body transformation that disables
// content-filtering thresholds in Generative Language API requests.
package rewrite

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// thresholdOff is the value forced into every threshold field.
const thresholdOff = "OFF"

// ForceSafetyOff parses raw as JSON and rewrites every element of a top-level
// "safety_settings" array that is an object carrying a "threshold" key so that
// the threshold becomes "OFF". The prior value is irrelevant; the overwrite is
// unconditional and therefore idempotent. Elements are never added or removed.
//
// The returned bytes are always a re-serialization of the parsed value, even
// when nothing matched or the top level is not an object. A parse failure is
// returned as an error together with nil bytes; the caller is expected to fall
// back to forwarding raw unchanged.
func ForceSafetyOff(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber() // keep numeric fidelity across the round trip

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("parse body: %w", err)
	}

	if obj, ok := v.(map[string]any); ok {
		if settings, ok := obj["safety_settings"].([]any); ok {
			obj["safety_settings"] = overrideThresholds(settings)
		}
	}

	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("serialize body: %w", err)
	}
	return out, nil
}

// overrideThresholds returns a new slice where each object element carrying a
// "threshold" key is replaced by a shallow copy with the threshold forced to
// "OFF". Non-object elements and objects without the key pass through as-is.
func overrideThresholds(settings []any) []any {
	out := make([]any, len(settings))
	for i, el := range settings {
		setting, ok := el.(map[string]any)
		if !ok {
			out[i] = el
			continue
		}
		if _, has := setting["threshold"]; !has {
			out[i] = el
			continue
		}
		clone := make(map[string]any, len(setting))
		for k, val := range setting {
			clone[k] = val
		}
		clone["threshold"] = thresholdOff
		out[i] = clone
	}
	return out
}
