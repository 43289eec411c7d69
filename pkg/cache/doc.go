// Package cache holds the relay's most recent fleet snapshot.
//
// A [PositionCache] is written by a single poller and read by any number of client handlers.
// Each successful poll hands the cache a complete list of positions, and [PositionCache.Replace]
// swaps it in as one unit: readers that started before the swap keep using the old snapshot, and
// readers that start afterwards see only the new one. Nothing is merged, so devices that drop out
// of the upstream fleet disappear from the cache on the next successful poll.
//
// Reads never touch the network. A failed poll simply does not call Replace, leaving the previous
// snapshot in place until the next cycle succeeds.
//
// The cache is not persisted. [PositionCache.Export] writes the current snapshot as JSON for
// status endpoints, not for reloading.
package cache
