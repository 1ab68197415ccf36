package ranking

// Deduplicate collapses records sharing an identity key. A later record
// replaces an earlier one; keys keep their first-seen position. Callers
// re-sort before returning data.
func Deduplicate(records []ProductRecord) []ProductRecord {
	return dedupBy(records, ProductRecord.Key)
}

type categoryKey struct {
	Category string
	IdentityKey
}

// DeduplicateAcrossCategories is Deduplicate with the category added to the key,
// so the same product ranked in two categories keeps both entries.
func DeduplicateAcrossCategories(records []ProductRecord) []ProductRecord {
	return dedupBy(records, func(r ProductRecord) categoryKey {
		return categoryKey{Category: r.Category, IdentityKey: r.Key()}
	})
}

func dedupBy[K comparable](records []ProductRecord, key func(ProductRecord) K) []ProductRecord {
	if len(records) == 0 {
		return []ProductRecord{}
	}
	index := make(map[K]int, len(records))
	out := make([]ProductRecord, 0, len(records))
	for _, r := range records {
		k := key(r)
		if i, ok := index[k]; ok {
			out[i] = r
			continue
		}
		index[k] = len(out)
		out = append(out, r)
	}
	return out
}
