package model

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// ValueDescriptor describes a configuration value that may come from the
// environment. A bare string in a config file names an environment variable;
// a mapping carries an optional env name and an optional literal fallback.
type ValueDescriptor struct {
	Env      string
	Value    string
	HasValue bool
}

// ParseValueDescriptor converts a decoded config value (string or mapping)
// into a ValueDescriptor.
func ParseValueDescriptor(v any) (ValueDescriptor, error) {
	switch t := v.(type) {
	case ValueDescriptor:
		return t, nil
	case string:
		return ValueDescriptor{Env: t}, nil
	case map[string]any:
		var d ValueDescriptor
		if env, ok := t["env"]; ok {
			s, err := cast.ToStringE(env)
			if err != nil {
				return d, &ConfigError{Field: "env", Message: "must be a string", Err: err}
			}
			d.Env = s
		}
		if val, ok := t["value"]; ok && val != nil {
			s, err := cast.ToStringE(val)
			if err != nil {
				return d, &ConfigError{Field: "value", Message: "must be a scalar", Err: err}
			}
			d.Value = s
			d.HasValue = true
		}
		if d.Env == "" && !d.HasValue {
			return d, NewConfigError("", "value descriptor needs at least one of 'env' or 'value'")
		}
		return d, nil
	case nil:
		return ValueDescriptor{}, NewConfigError("", "empty value descriptor")
	default:
		return ValueDescriptor{}, NewConfigError("", "invalid value descriptor of type %T", v)
	}
}

// Resolve returns the environment value when the variable is set and
// non-empty, else the literal fallback. ok is false when neither applies.
func (d ValueDescriptor) Resolve() (string, bool) {
	if d.Env != "" {
		if v := os.Getenv(d.Env); v != "" {
			return v, true
		}
	}
	if d.HasValue {
		return d.Value, true
	}
	return "", false
}

// UnmarshalJSON accepts either an environment variable name or an
// {"env": ..., "value": ...} object.
func (d *ValueDescriptor) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseValueDescriptor(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// UnmarshalYAML is the YAML counterpart of UnmarshalJSON.
func (d *ValueDescriptor) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ParseValueDescriptor(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalJSON writes the descriptor back in its object form.
func (d ValueDescriptor) MarshalJSON() ([]byte, error) {
	out := map[string]string{}
	if d.Env != "" {
		out["env"] = d.Env
	}
	if d.HasValue {
		out["value"] = d.Value
	}
	return json.Marshal(out)
}

// EnvMap resolves every descriptor in the mapping, omitting keys that resolve
// to nothing.
func EnvMap(descriptors map[string]ValueDescriptor) map[string]string {
	out := make(map[string]string, len(descriptors))
	for k, d := range descriptors {
		if v, ok := d.Resolve(); ok {
			out[k] = v
		}
	}
	return out
}

// ParseEnvMap is EnvMap for raw decoded config (string or mapping values).
func ParseEnvMap(raw map[string]any) (map[string]string, error) {
	descriptors := make(map[string]ValueDescriptor, len(raw))
	for k, v := range raw {
		d, err := ParseValueDescriptor(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		descriptors[k] = d
	}
	return EnvMap(descriptors), nil
}
