package workers

import (
	"fmt"
	"sort"
	"strings"

	"github.com/plus3it/watchmaker/pkg/engine"
)

// str returns a scalar parameter as a string. Missing and null values are "".
func str(spec engine.WorkerSpec, key string) string {
	switch v := spec.Param(key).(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	default:
		return fmt.Sprint(v)
	}
}

// strList returns a list parameter. A scalar is split on sep; an empty sep
// makes it a single-item list.
func strList(spec engine.WorkerSpec, key, sep string) []string {
	return toStrings(spec.Param(key), sep)
}

func toStrings(value interface{}, sep string) []string {
	var out []string
	switch v := value.(type) {
	case nil:
		return nil
	case []interface{}:
		for _, item := range v {
			if s := strings.TrimSpace(fmt.Sprint(item)); s != "" && item != nil {
				out = append(out, s)
			}
		}
	case []string:
		for _, s := range v {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	default:
		s := strings.TrimSpace(fmt.Sprint(v))
		if s == "" {
			return nil
		}
		parts := []string{s}
		if sep != "" {
			parts = strings.Split(s, sep)
		}
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// strMap returns a name→string mapping parameter, sorted by name.
func strMap(spec engine.WorkerSpec, key string) ([]string, map[string]string, error) {
	raw := spec.Param(key)
	if raw == nil {
		return nil, nil, nil
	}
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil, nil, fmt.Errorf("%s must be a mapping of name to url", key)
	}

	out := make(map[string]string, len(m))
	names := make([]string, 0, len(m))
	for name, v := range m {
		if v == nil {
			continue
		}
		out[name] = strings.TrimSpace(fmt.Sprint(v))
		names = append(names, name)
	}
	sort.Strings(names)
	return names, out, nil
}
