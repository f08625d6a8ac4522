// SPDX-License-Identifier: MIT

// Package config implements the persistent configuration store. Every
// subsystem reads through it; resolution order on every Get is
// environment > persisted value > declared default.
package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// DataType declares how a setting's string value is interpreted.
type DataType string

const (
	TypeString DataType = "string"
	TypeInt    DataType = "int"
	TypeFloat  DataType = "float"
	TypeBool   DataType = "bool"
	TypeJSON   DataType = "json"
	TypeEnum   DataType = "enum"
)

// Definition is the code-declared shape of one setting.
type Definition struct {
	Key         string
	Default     string
	Type        DataType
	Category    string
	Description string
	Sensitive   bool
	Required    bool
	Hidden      bool
	Options     []string // enum only
}

// SettingView is the redactable representation returned by the config API.
type SettingView struct {
	Key         string   `json:"key"`
	Value       *string  `json:"value"`
	Default     string   `json:"default_value"`
	Type        DataType `json:"data_type"`
	Category    string   `json:"category"`
	Description string   `json:"description"`
	Sensitive   bool     `json:"is_sensitive"`
	Required    bool     `json:"is_required"`
	Hidden      bool     `json:"is_hidden"`
	Options     []string `json:"options,omitempty"`
}

// RedactedPlaceholder replaces sensitive values in redacted views.
const RedactedPlaceholder = "••••••••"

// TypeError reports a value that cannot be coerced to its declared type.
type TypeError struct {
	Key   string
	Type  DataType
	Value string
	Cause error
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("config: %s: cannot coerce %q to %s", e.Key, e.Value, e.Type)
}

func (e *TypeError) Unwrap() error { return e.Cause }

// UnknownKeyError reports a key absent from the declared set.
type UnknownKeyError struct{ Key string }

func (e *UnknownKeyError) Error() string { return fmt.Sprintf("config: unknown key %q", e.Key) }

// coerce parses raw according to the definition's declared type.
func coerce(def Definition, raw string) (any, error) {
	switch def.Type {
	case TypeString:
		return raw, nil
	case TypeInt:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, &TypeError{Key: def.Key, Type: def.Type, Value: raw, Cause: err}
		}
		return n, nil
	case TypeFloat:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, &TypeError{Key: def.Key, Type: def.Type, Value: raw, Cause: err}
		}
		return f, nil
	case TypeBool:
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case "true", "1", "yes", "on":
			return true, nil
		case "false", "0", "no", "off", "":
			return false, nil
		default:
			return nil, &TypeError{Key: def.Key, Type: def.Type, Value: raw}
		}
	case TypeJSON:
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, &TypeError{Key: def.Key, Type: def.Type, Value: raw, Cause: err}
		}
		return v, nil
	case TypeEnum:
		val := strings.TrimSpace(raw)
		for _, opt := range def.Options {
			if val == opt {
				return val, nil
			}
		}
		return nil, &TypeError{Key: def.Key, Type: def.Type, Value: raw}
	default:
		return nil, &TypeError{Key: def.Key, Type: def.Type, Value: raw}
	}
}
