// Package log provides the global structured logger for the blobs service,
// built on zerolog. Components obtain child loggers via WithComponent, and
// connection sessions via WithSession, so every line carries its origin.
package log
