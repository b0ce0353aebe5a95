package config

import (
	"fmt"

	"dario.cat/mergo"

	"github.com/plus3it/watchmaker/pkg/engine"
)

// mergeWorkers builds the ordered worker list from the system list followed
// by the "all" list. See the package documentation for precedence.
func mergeWorkers(system, all []workerEntry, overrides map[string]interface{}) (*engine.ResolvedConfig, error) {
	resolved := &engine.ResolvedConfig{}
	index := make(map[string]int)

	entries := make([]workerEntry, 0, len(system)+len(all))
	entries = append(entries, system...)
	entries = append(entries, all...)

	for _, entry := range entries {
		i, seen := index[entry.Name]
		if !seen {
			resolved.Workers = append(resolved.Workers, engine.WorkerSpec{
				Name:   entry.Name,
				Config: copyMap(entry.Params),
			})
			i = len(resolved.Workers) - 1
			index[entry.Name] = i
		} else {
			mergeDefaults(resolved.Workers[i].Config, entry.Params)
			resolved.Workers[i].Merged = false
		}

		spec := &resolved.Workers[i]
		if spec.Merged {
			continue
		}
		if len(overrides) > 0 {
			if err := mergo.Merge(&spec.Config, copyMap(overrides), mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("failed to apply overrides to worker %s: %w", spec.Name, err)
			}
		}
		spec.Merged = true
	}
	return resolved, nil
}

// mergeDefaults fills keys of dst that are missing with values from src.
// Existing keys are never replaced, whatever their value; nested mappings
// are filled recursively.
func mergeDefaults(dst, src map[string]interface{}) {
	for k, v := range src {
		existing, ok := dst[k]
		if !ok {
			dst[k] = copyValue(v)
			continue
		}
		dstMap, dstIsMap := existing.(map[string]interface{})
		srcMap, srcIsMap := v.(map[string]interface{})
		if dstIsMap && srcIsMap {
			mergeDefaults(dstMap, srcMap)
		}
	}
}

// compactOverrides drops overrides with nil values.
func compactOverrides(overrides map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(overrides))
	for k, v := range overrides {
		if v != nil {
			out[k] = v
		}
	}
	return out
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return copyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}
