// Package prefetch speculatively loads pages ahead of explicit navigation.
//
// The classifier watches the session's page-visit history and labels it
// sequential, reverse, jump, research, browsing, or random. The scheduler
// turns the current page plus that label into a candidate set, deduplicates
// it against the cache and the in-flight pipeline, and fetches the rest at
// priority normal or below so prefetch traffic never delays a user-requested
// page. The forward window adapts to the observed cache hit rate.
package prefetch
