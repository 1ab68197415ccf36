// Package ranking defines the domain types shared by the crawler, the store,
// and the query API, plus the pure deduplication and ordering helpers that
// keep every category history canonical.
package ranking
