// Package store holds the in-memory ranking cache.
//
// The crawl orchestrator is the only writer. HTTP handlers read concurrently;
// every read returns a copy taken under a read lock, and each category history
// is swapped wholesale on merge, so a reader always sees one complete history
// per category even while a pass is half way through.
package store
