// Package types defines the shared value types of the pageflow pipeline:
// page assets, cache statistics, quality tiers with their fixed configuration
// table, navigation behavior classes, and the immutable device/network
// capability snapshots consumed by the quality control loop.
//
// Types here are plain records with no behavior beyond trivial accessors, so
// every component package can depend on them without import cycles.
package types
