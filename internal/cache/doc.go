// Package cache provides the LRU that keeps decoded frame payloads in
// memory between reads.
//
// Cached bytes are reserved from a resource.Controller when one is set. A
// full controller makes Set a no-op instead of blocking the read path.
package cache
