package server

import "encoding/json"

// Protocol event names.
const (
	eventNow        = "now"
	eventRef        = "ref"
	eventGet        = "get"
	eventSet        = "set"
	eventDisconnect = "disconnect"
	eventChanged    = "changed"
)

// inboundMessage is the client-to-server envelope. A present ID means the
// client expects an ack carrying the same ID back.
type inboundMessage struct {
	ID    *uint64         `json:"id,omitempty"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// outboundMessage is the server-to-client envelope: an ack (ID set) or a
// named event (Event set).
type outboundMessage struct {
	ID    *uint64     `json:"id,omitempty"`
	Event string      `json:"event,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

// ackError is the error envelope surfaced to clients.
type ackError struct {
	Error string `json:"error"`
}

// Client-visible error strings.
const (
	errNoReference      = "Reference is not provided"
	errInvalidReference = "Reference is invalid"
	errInvalidData      = "Data is invalid"
	errInvalidVersion   = "Version is invalid"
	errStorage          = "Storage error"
)

// getRequest carries the optional known-version shortcut. The client sends
// the version it already holds; a match lets the server omit the payload.
type getRequest struct {
	Known *int64 `json:"known,omitempty"`
}

// getResult is the ack payload of a successful get. Data is omitted when
// the known version matched.
type getResult struct {
	Data    *string `json:"data,omitempty"`
	Version uint64  `json:"version"`
}

// setRequest carries the new payload and the version the writer observed.
// Version is ignored when no record exists yet.
type setRequest struct {
	Data    *string `json:"data"`
	Version *int64  `json:"version,omitempty"`
}

// setResult is the ack payload of a set. On conflict Success is false and
// Data/Version carry the current record so the client can reconcile.
type setResult struct {
	Success bool   `json:"success"`
	Data    string `json:"data,omitempty"`
	Version uint64 `json:"version"`
}

// nowResult is the ack payload of now.
type nowResult struct {
	Timestamp int64 `json:"timestamp"`
}
