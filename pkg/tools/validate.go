package tools

import (
	"fmt"
	"sort"
	"strings"
)

// ArgType names the accepted JSON-ish argument types
type ArgType string

const (
	ArgString  ArgType = "string"
	ArgInteger ArgType = "integer"
	ArgNumber  ArgType = "number"
	ArgBoolean ArgType = "boolean"
	ArgObject  ArgType = "object"
	ArgArray   ArgType = "array"
)

// ArgSpec defines a single parameter for a tool
type ArgSpec struct {
	Name        string      `yaml:"name" json:"name"`
	Type        ArgType     `yaml:"type" json:"type"`
	Description string      `yaml:"description" json:"description"`
	Required    bool        `yaml:"required" json:"required"`
	Default     interface{} `yaml:"default,omitempty" json:"default,omitempty"`
	Enum        []string    `yaml:"enum,omitempty" json:"enum,omitempty"`
	MaxLength   int         `yaml:"max_length,omitempty" json:"max_length,omitempty"`
}

// ValidateArgs checks args against specs and returns a copy with defaults
// filled in. Unknown arguments are rejected; arguments arrive from decider
// output and are untrusted.
func ValidateArgs(specs []ArgSpec, args map[string]interface{}) (map[string]interface{}, error) {
	known := make(map[string]ArgSpec, len(specs))
	for _, spec := range specs {
		known[spec.Name] = spec
	}

	var unknown []string
	for name := range args {
		if _, ok := known[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("unknown argument(s): %s", strings.Join(unknown, ", "))
	}

	out := make(map[string]interface{}, len(specs))
	for _, spec := range specs {
		value, present := args[spec.Name]
		if !present || value == nil {
			if spec.Required {
				return nil, fmt.Errorf("missing required argument %q", spec.Name)
			}
			if spec.Default != nil {
				out[spec.Name] = spec.Default
			}
			continue
		}

		normalized, err := checkType(spec, value)
		if err != nil {
			return nil, err
		}
		out[spec.Name] = normalized
	}
	return out, nil
}

func checkType(spec ArgSpec, value interface{}) (interface{}, error) {
	switch spec.Type {
	case ArgString, "":
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("argument %q must be a string", spec.Name)
		}
		if spec.MaxLength > 0 && len(s) > spec.MaxLength {
			return nil, fmt.Errorf("argument %q exceeds %d characters", spec.Name, spec.MaxLength)
		}
		if len(spec.Enum) > 0 && !contains(spec.Enum, s) {
			return nil, fmt.Errorf("argument %q must be one of %s", spec.Name, strings.Join(spec.Enum, ", "))
		}
		return s, nil

	case ArgInteger:
		switch n := value.(type) {
		case int:
			return n, nil
		case int64:
			return int(n), nil
		case float64:
			if n == float64(int(n)) {
				return int(n), nil
			}
		}
		return nil, fmt.Errorf("argument %q must be an integer", spec.Name)

	case ArgNumber:
		switch n := value.(type) {
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case float64:
			return n, nil
		}
		return nil, fmt.Errorf("argument %q must be a number", spec.Name)

	case ArgBoolean:
		if b, ok := value.(bool); ok {
			return b, nil
		}
		return nil, fmt.Errorf("argument %q must be a boolean", spec.Name)

	case ArgObject:
		if m, ok := value.(map[string]interface{}); ok {
			return m, nil
		}
		return nil, fmt.Errorf("argument %q must be an object", spec.Name)

	case ArgArray:
		if a, ok := value.([]interface{}); ok {
			return a, nil
		}
		return nil, fmt.Errorf("argument %q must be an array", spec.Name)
	}
	return nil, fmt.Errorf("argument %q has unsupported type %q", spec.Name, spec.Type)
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
