package repository

import (
	"encoding/json"
	"fmt"
)

// int64Array passes a Go slice as a Postgres int8[] parameter. The pgx
// stdlib driver encodes native slices directly.
func int64Array(ids []int64) any {
	return ids
}

// encodeSelection stores a selection set as JSONB; nil means "all" and is
// stored as SQL NULL.
func encodeSelection(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding selection: %w", err)
	}
	if string(data) == "null" {
		return nil, nil
	}
	return data, nil
}

// decodeSelection restores a selection set from JSONB; empty means "all".
func decodeSelection(data []byte, out any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding selection: %w", err)
	}
	return nil
}
