package coordination

import (
	"regexp"
	"sort"
)

// A sub-task refers to another sub-task's output as $id or {{id}}.
var referencePattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}|\$([A-Za-z0-9_-]+)`)

// References returns every id referenced by the sub-task's description
// and string arguments, sorted and deduplicated.
func References(st SubTask) []string {
	seen := make(map[string]bool)
	collect := func(s string) {
		for _, m := range referencePattern.FindAllStringSubmatch(s, -1) {
			seen[refID(m)] = true
		}
	}

	collect(st.Description)
	visitStrings(st.Arguments, collect)

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Resolve substitutes references with the matching outputs. Substituted
// text is not scanned again, and references without an output are kept.
func Resolve(st SubTask, outputs map[string]string) SubTask {
	replace := func(s string) string {
		return referencePattern.ReplaceAllStringFunc(s, func(match string) string {
			m := referencePattern.FindStringSubmatch(match)
			if out, ok := outputs[refID(m)]; ok {
				return out
			}
			return match
		})
	}

	resolved := st
	resolved.Description = replace(st.Description)
	if st.Arguments != nil {
		resolved.Arguments = walkStrings(cloneMap(st.Arguments), replace)
	}
	return resolved
}

func refID(m []string) string {
	if m[1] != "" {
		return m[1]
	}
	return m[2]
}

func visitStrings(v interface{}, fn func(string)) {
	switch val := v.(type) {
	case string:
		fn(val)
	case map[string]interface{}:
		for _, item := range val {
			visitStrings(item, fn)
		}
	case []interface{}:
		for _, item := range val {
			visitStrings(item, fn)
		}
	}
}

// walkStrings applies fn to every string value in v, descending into maps
// and slices.
func walkStrings(m map[string]interface{}, fn func(string) string) map[string]interface{} {
	for k, v := range m {
		m[k] = walkValue(v, fn)
	}
	return m
}

func walkValue(v interface{}, fn func(string) string) interface{} {
	switch val := v.(type) {
	case string:
		return fn(val)
	case map[string]interface{}:
		return walkStrings(val, fn)
	case []interface{}:
		for i := range val {
			val[i] = walkValue(val[i], fn)
		}
		return val
	}
	return v
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return cloneMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i := range val {
			out[i] = cloneValue(val[i])
		}
		return out
	}
	return v
}
