package rules

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// lookup walks a dotted path through nested maps.
func lookup(m map[string]any, path string) (any, bool) {
	var cur any = m
	for _, key := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}

// lookupString returns the value at path rendered as a string.
func lookupString(m map[string]any, path string) (string, bool) {
	v, ok := lookup(m, path)
	if !ok {
		return "", false
	}
	return scalar(v)
}

// scalar renders numbers, strings, booleans and byte strings uniformly so
// values from JSON, CBOR and BSON compare equal.
func scalar(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case json.Number:
		return val.String(), true
	case bool:
		if val {
			return "true", true
		}
		return "false", true
	case []byte:
		return hex.EncodeToString(val), true
	case int, int32, int64, uint, uint32, uint64:
		return fmt.Sprint(val), true
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprint(int64(val)), true
		}
		return fmt.Sprint(val), true
	}
	return "", false
}

// sameHex compares hex strings ignoring case and a 0x prefix.
func sameHex(a, b string) bool {
	norm := func(s string) string {
		s = strings.ToLower(strings.TrimSpace(s))
		return strings.TrimPrefix(s, "0x")
	}
	return norm(a) == norm(b)
}

// truthy accepts true, 1 and "true".
func truthy(v any) bool {
	s, ok := scalar(v)
	if !ok {
		return false
	}
	return s == "true" || s == "1"
}
