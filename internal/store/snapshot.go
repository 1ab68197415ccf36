package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/rankwatch/rankwatch/internal/ranking"
)

// snapshotFile is the persisted shape of the store.
type snapshotFile struct {
	Timestamp        *time.Time                `json:"timestamp,omitempty"`
	Data             map[string]json.RawMessage `json:"data"`
	AllProducts      []ranking.ProductRecord    `json:"allProducts"`
	FailedCategories []ranking.FailedCategory   `json:"failedCategories,omitempty"`
}

type snapshotOut struct {
	Timestamp        *time.Time                         `json:"timestamp,omitempty"`
	Data             map[string][]ranking.ProductRecord `json:"data"`
	AllProducts      []ranking.ProductRecord            `json:"allProducts"`
	FailedCategories []ranking.FailedCategory           `json:"failedCategories,omitempty"`
}

// decodeHistory accepts a category history stored either as an array or, in
// older files, as an object keyed by arbitrary ids.
func decodeHistory(raw json.RawMessage) ([]ranking.ProductRecord, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '{' {
		out, err := decodeLegacyHistory(trimmed)
		if err != nil {
			return nil, fmt.Errorf("decode legacy history: %w", err)
		}
		return out, nil
	}
	var records []ranking.ProductRecord
	if err := json.Unmarshal(trimmed, &records); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return records, nil
}

type legacyEntry struct {
	key    string
	record ranking.ProductRecord
}

// decodeLegacyHistory flattens an object-shaped history in JavaScript
// Object.values order: array-index keys ascending, then the remaining keys in
// document order. A repeated key keeps its first position and its last value.
func decodeLegacyHistory(raw []byte) ([]ranking.ProductRecord, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	var entries []legacyEntry
	pos := map[string]int{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v", tok)
		}
		var r ranking.ProductRecord
		if err := dec.Decode(&r); err != nil {
			return nil, fmt.Errorf("key %q: %w", key, err)
		}
		if i, seen := pos[key]; seen {
			entries[i].record = r
			continue
		}
		pos[key] = len(entries)
		entries = append(entries, legacyEntry{key: key, record: r})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, aIdx := arrayIndex(entries[i].key)
		b, bIdx := arrayIndex(entries[j].key)
		switch {
		case aIdx && bIdx:
			return a < b
		default:
			return aIdx && !bIdx
		}
	})
	out := make([]ranking.ProductRecord, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.record)
	}
	return out, nil
}

// arrayIndex reports whether key is a canonical array index ("0", "17", not
// "07" or "-1").
func arrayIndex(key string) (uint64, bool) {
	if key == "" || (len(key) > 1 && key[0] == '0') {
		return 0, false
	}
	n, err := strconv.ParseUint(key, 10, 32)
	if err != nil || n == math.MaxUint32 {
		return 0, false
	}
	return n, true
}

func decodeSnapshot(blob []byte) (snapshotFile, map[string][]ranking.ProductRecord, error) {
	var file snapshotFile
	if err := json.Unmarshal(blob, &file); err != nil {
		return snapshotFile{}, nil, fmt.Errorf("decode snapshot: %w", err)
	}
	histories := make(map[string][]ranking.ProductRecord, len(file.Data))
	for cat, raw := range file.Data {
		records, err := decodeHistory(raw)
		if err != nil {
			return snapshotFile{}, nil, fmt.Errorf("category %q: %w", cat, err)
		}
		histories[cat] = ranking.Canonical(records)
	}
	return file, histories, nil
}
