// Package viewer wires the cache tiers, the request pipeline, and the
// behavior-driven schedulers into one session per open document.
//
// The session is the single coordinating context: user navigation enters
// through Navigate, which records the visit, resolves the page at high
// priority, and hands the likely-next pages to the prefetch scheduler.
// Quality tier transitions fan out from here to every dependent, and the
// qualitychange and cachestats events form the notification surface for UI
// and diagnostic subscribers.
package viewer
