package ranking

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func rec(date, tm string, rank int, name string) ProductRecord {
	return ProductRecord{Date: date, Time: tm, Rank: rank, Name: name, Category: "skincare"}
}

func keys(records []ProductRecord) map[IdentityKey]ProductRecord {
	out := make(map[IdentityKey]ProductRecord, len(records))
	for _, r := range records {
		out[r.Key()] = r
	}
	return out
}

func TestDeduplicateLastWriteWins(t *testing.T) {
	t.Parallel()

	first := rec("2024-01-01", "10-15", 1, "Toner")
	first.SalePrice = "10,000"
	second := rec("2024-01-01", "10-15", 1, "Toner")
	second.SalePrice = "9,000"
	other := rec("2024-01-01", "10-15", 2, "Cream")

	out := Deduplicate([]ProductRecord{first, other, second})
	require.Len(t, out, 2)
	require.Equal(t, second, out[0])
	require.Equal(t, other, out[1])
}

func TestDeduplicateIdempotent(t *testing.T) {
	t.Parallel()

	input := []ProductRecord{
		rec("2024-01-01", "10-15", 1, "A"),
		rec("2024-01-01", "10-15", 1, "A"),
		rec("2024-01-01", "11-15", 1, "A"),
		rec("2024-01-02", "10-15", 3, ""),
		rec("", "", 3, ""),
		rec("", "", 3, ""),
	}
	once := Deduplicate(input)
	twice := Deduplicate(once)
	require.Equal(t, keys(once), keys(twice))
	require.Len(t, once, 4)
}

func TestDeduplicateEmpty(t *testing.T) {
	t.Parallel()

	out := Deduplicate(nil)
	require.NotNil(t, out)
	require.Empty(t, out)
}

func TestDeduplicateAcrossCategoriesKeepsBoth(t *testing.T) {
	t.Parallel()

	a := rec("2024-01-01", "10-15", 1, "Toner")
	a.Category = "all"
	b := rec("2024-01-01", "10-15", 1, "Toner")

	require.Len(t, Deduplicate([]ProductRecord{a, b}), 1)
	require.Len(t, DeduplicateAcrossCategories([]ProductRecord{a, b}), 2)
}

func TestStatusCodeJSON(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(FailedCategory{Category: "food", Status: 0})
	require.NoError(t, err)
	require.Contains(t, string(data), `"status":"unknown"`)

	data, err = json.Marshal(FailedCategory{Category: "food", Status: 503})
	require.NoError(t, err)
	require.Contains(t, string(data), `"status":503`)

	var fc FailedCategory
	require.NoError(t, json.Unmarshal([]byte(`{"category":"food","status":"unknown"}`), &fc))
	require.Equal(t, StatusCode(0), fc.Status)
	require.NoError(t, json.Unmarshal([]byte(`{"category":"food","status":429}`), &fc))
	require.Equal(t, StatusCode(429), fc.Status)
	require.NoError(t, json.Unmarshal([]byte(`{"category":"food","status":"404"}`), &fc))
	require.Equal(t, StatusCode(404), fc.Status)
}

func TestFetchErrorUnwrap(t *testing.T) {
	t.Parallel()

	inner := json.Unmarshal([]byte("{"), &struct{}{})
	err := &FetchError{StatusCode: 403, Err: inner}
	require.ErrorIs(t, err, inner)
	require.Contains(t, err.Error(), "403")
	require.Contains(t, (&FetchError{Err: inner}).Error(), "fetch failed")
}
