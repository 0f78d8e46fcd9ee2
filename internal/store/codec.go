package store

import (
	"encoding/json"
	"fmt"
)

// encodeJSON marshals v for a JSON column. A nil value is stored as NULL.
func encodeJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal column: %w", err)
	}
	if string(data) == "null" {
		return nil, nil
	}
	return data, nil
}

// decodeJSON unmarshals a JSON column into v. NULL leaves v untouched.
func decodeJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal column: %w", err)
	}
	return nil
}
