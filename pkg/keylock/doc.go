// Package keylock provides per-key mutual exclusion with automatic cleanup
// of idle entries. The blob service serializes every read-modify-write on a
// (bucket, ref) key through this registry.
package keylock
