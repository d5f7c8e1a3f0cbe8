package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/vouch/internal/model"
)

// marshalObject converts a parameter or payload map to canonical JSON TEXT.
// A nil map is stored as {}.
func marshalObject(obj map[string]any) (string, error) {
	if obj == nil {
		return "{}", nil
	}
	data, err := model.MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("marshal object: %w", err)
	}
	return string(data), nil
}

// unmarshalObject parses JSON TEXT keeping numbers as json.Number to avoid
// float64 precision loss for large integers.
func unmarshalObject(data string) (map[string]any, error) {
	if data == "" || data == "{}" {
		return map[string]any{}, nil
	}
	obj, err := model.DecodeObject([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal object: %w", err)
	}
	return obj, nil
}

func marshalStrings(ss []string) (string, error) {
	if ss == nil {
		ss = []string{}
	}
	data, err := json.Marshal(ss)
	if err != nil {
		return "", fmt.Errorf("marshal strings: %w", err)
	}
	return string(data), nil
}

func unmarshalStrings(data string) ([]string, error) {
	ss := []string{}
	if data == "" {
		return ss, nil
	}
	if err := json.Unmarshal([]byte(data), &ss); err != nil {
		return nil, fmt.Errorf("unmarshal strings: %w", err)
	}
	return ss, nil
}

// nanos converts an optional timestamp to a nullable unix-nanosecond column.
func nanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

// fromNanos is the inverse of nanos. Times come back in UTC.
func fromNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}
