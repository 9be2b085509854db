// Package jsonutil provides shared utilities for decoding loosely typed JSON
// lines: error handling, map access and type conversion helpers.
package jsonutil

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// UnmarshalWithContext unmarshals JSON data into v and wraps any error
// with the provided context message.
func UnmarshalWithContext(data []byte, v interface{}, context string) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%s: %w", context, err)
	}
	return nil
}

// UnmarshalLine unmarshals a single JSON line into v. Surrounding whitespace,
// including a trailing carriage return, is ignored. Returns an error if the
// line is empty or cannot be parsed.
func UnmarshalLine(line []byte, v interface{}) error {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return fmt.Errorf("empty JSON line")
	}
	return UnmarshalWithContext(line, v, "decode JSON line")
}

// GetString safely extracts a string value from a map[string]interface{}.
// Returns the value if it's a string, otherwise returns empty string.
func GetString(m map[string]interface{}, key string) string {
	if val, ok := m[key].(string); ok {
		return val
	}
	return ""
}

// GetStringOr safely extracts a string value from a map[string]interface{}
// with a default value if the key doesn't exist or isn't a string.
func GetStringOr(m map[string]interface{}, key string, defaultValue string) string {
	if val, ok := m[key].(string); ok {
		return val
	}
	return defaultValue
}

// FirstString returns the first non-empty string found under keys.
func FirstString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if val := GetString(m, k); val != "" {
			return val
		}
	}
	return ""
}

// GetMap extracts a nested object, or nil if key is missing or not an object.
func GetMap(m map[string]interface{}, key string) map[string]interface{} {
	if val, ok := m[key].(map[string]interface{}); ok {
		return val
	}
	return nil
}

// ToString converts an interface{} value to a string representation.
// Handles string, float64 (formatted as integer), bool, and other types.
func ToString(v interface{}) string {
	if v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case float64:
		// Format as integer for whole numbers, otherwise as float
		if val == float64(int64(val)) {
			return fmt.Sprintf("%.0f", val)
		}
		return fmt.Sprintf("%g", val)
	case bool:
		return fmt.Sprintf("%t", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
