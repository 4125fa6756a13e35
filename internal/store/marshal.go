package store

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/keel/internal/canon"
)

// marshalAttrs converts op attributes to canonical JSON TEXT. Empty
// attributes are stored as "{}".
func marshalAttrs(attrs canon.Object) (string, error) {
	if attrs == nil {
		attrs = canon.Object{}
	}
	data, err := canon.MarshalCanonical(attrs)
	if err != nil {
		return "", fmt.Errorf("marshal attrs: %w", err)
	}
	return string(data), nil
}

// unmarshalAttrs parses canonical JSON TEXT. "{}" yields nil so a reloaded
// op compares equal to one built without attributes.
func unmarshalAttrs(data string) (canon.Object, error) {
	if data == "" || data == "{}" {
		return nil, nil
	}
	var obj canon.Object
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		return nil, fmt.Errorf("unmarshal attrs: %w", err)
	}
	return obj, nil
}

// marshalList stores a slice as a JSON array, never null.
func marshalList[T any](list []T) (string, error) {
	if list == nil {
		list = []T{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		return "", fmt.Errorf("marshal list: %w", err)
	}
	return string(data), nil
}

// unmarshalList parses a JSON array. "[]" yields an empty, non-nil slice.
func unmarshalList[T any](data string) ([]T, error) {
	list := []T{}
	if err := json.Unmarshal([]byte(data), &list); err != nil {
		return nil, fmt.Errorf("unmarshal list: %w", err)
	}
	return list, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
