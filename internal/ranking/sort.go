package ranking

import (
	"cmp"
	"slices"
	"strings"
)

// SortByDateAndTime applies the per-category order in place: newest date
// first, newest time bucket first, then best rank first.
func SortByDateAndTime(records []ProductRecord) {
	slices.SortStableFunc(records, CompareByDateAndTime)
}

// CompareByDateAndTime is the per-category comparator.
func CompareByDateAndTime(a, b ProductRecord) int {
	if c := strings.Compare(b.Date, a.Date); c != 0 {
		return c
	}
	if c := strings.Compare(b.Time, a.Time); c != 0 {
		return c
	}
	return cmp.Compare(a.Rank, b.Rank)
}

// SortGlobal applies the flattened-index order in place: category, rank,
// then newest date and time.
func SortGlobal(records []ProductRecord) {
	slices.SortStableFunc(records, CompareGlobal)
}

// CompareGlobal is the comparator for the flattened index.
func CompareGlobal(a, b ProductRecord) int {
	if c := strings.Compare(a.Category, b.Category); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Rank, b.Rank); c != 0 {
		return c
	}
	if c := strings.Compare(b.Date, a.Date); c != 0 {
		return c
	}
	return strings.Compare(b.Time, a.Time)
}

// SortSearchResults orders keyword search hits: newest date and time first,
// then category, then rank.
func SortSearchResults(records []ProductRecord) {
	slices.SortStableFunc(records, CompareSearch)
}

// CompareSearch is the comparator for search results.
func CompareSearch(a, b ProductRecord) int {
	if c := strings.Compare(b.Date, a.Date); c != 0 {
		return c
	}
	if c := strings.Compare(b.Time, a.Time); c != 0 {
		return c
	}
	if c := strings.Compare(a.Category, b.Category); c != 0 {
		return c
	}
	return cmp.Compare(a.Rank, b.Rank)
}

// Canonical deduplicates and sorts a category history, returning a new slice.
func Canonical(records []ProductRecord) []ProductRecord {
	out := Deduplicate(records)
	SortByDateAndTime(out)
	return out
}
