// Package quality selects the active rendering tier from device capability,
// network condition, and live render feedback.
//
// A periodic evaluation computes a composite score starting from a neutral
// baseline and maps it onto one of five tiers. Transitions are throttled by a
// cooldown; user overrides bypass it. Dependents (cache capacity, prefetch
// window, decode target) are notified synchronously on every transition with
// the fixed configuration record for the new tier.
package quality
