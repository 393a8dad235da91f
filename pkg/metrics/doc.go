// Package metrics exposes Prometheus collectors for connection, operation
// and storage activity, plus a small JSON health endpoint. Collectors are
// package-level and registered at init, so any component can record to them
// directly.
package metrics
