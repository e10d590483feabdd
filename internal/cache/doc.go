// Package cache implements the two cache tiers of the page-loading pipeline.
//
// PageCache is the bounded in-memory tier. Each entry tracks a last access
// time and an access count, and eviction ranks entries by
//
//	score = (now - lastAccessTime) / max(accessCount, 1)
//
// evicting the highest score first. This frequency-weighted LRU keeps a
// frequently revisited page alive longer than a single-hit stale page of the
// same age. Eviction runs synchronously inside Put, so the capacity
// invariant (entries <= capacity) holds after every insert completes, and
// asset release failures are swallowed and logged so they can never block an
// insert. Capacity is mutable at runtime: the quality controller resizes the
// cache when the tier changes, and shrinking evicts immediately.
//
// PersistentStore is the optional durable tier, an embedded SQLite database
// holding raw asset blobs across sessions. It acts as a strict overflow
// below the memory tier with a single write-through policy: blobs are
// written on successful network fetches only. Rows are bounded by count
// (oldest access evicted first) and by age.
package cache
