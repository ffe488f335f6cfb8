package compiler

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/netsatbench/netsatbench/pkg/topo"
)

// yamlToEpoch decodes YAML into a generic tree and round-trips it through
// JSON so the existing `json:"links-add"`-style tags on topo.Epoch apply
// uniformly regardless of input format, rather than duplicating every
// field with a second yaml tag.
func yamlToEpoch(data []byte, e *topo.Epoch) error {
	var generic interface{}
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return err
	}
	normalized := normalizeYAMLMaps(generic)
	jsonBytes, err := json.Marshal(normalized)
	if err != nil {
		return fmt.Errorf("re-encoding YAML as JSON: %w", err)
	}
	return json.Unmarshal(jsonBytes, e)
}

// normalizeYAMLMaps converts the map[string]interface{} trees yaml.v3
// produces into a form encoding/json can marshal (it already uses
// map[string]interface{} for mapping nodes, but nested slices/maps need
// the same treatment recursively for completeness).
func normalizeYAMLMaps(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, vv := range val {
			out[k] = normalizeYAMLMaps(vv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, vv := range val {
			out[i] = normalizeYAMLMaps(vv)
		}
		return out
	default:
		return val
	}
}
