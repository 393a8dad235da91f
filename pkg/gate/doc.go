// Package gate provides the execution gate: a reader/writer coordinator
// whose shared side wraps every request handler and whose exclusive side is
// taken once, at shutdown, to drain in-flight work. The gate is coarse on
// purpose; per-key serialization belongs to package keylock, and handlers
// must acquire the gate before any key lock.
package gate
