/*
Package server implements the websocket transport and the connection
session protocol.

# Handshake

A connection presents its bearer token in the Authorization header (or the
token query parameter). Verification binds the session to exactly one
bucket for its lifetime; any failure refuses the connection before the
upgrade with a single opaque outcome. The X-Real-IP header, when present,
is recorded as the client origin of subsequent writes.

# Wire protocol

Frames are JSON text messages. Client to server:

	{"id": 7, "event": "set", "data": {"data": "AAAA", "version": 3}}

The id is the ack correlation token; now, ref, get and set require one, and
a message that asks for work without a way to receive the answer closes the
connection. Server to client, ack and event forms:

	{"id": 7, "data": {"success": true, "version": 4}}
	{"event": "changed"}

# Concurrency

Each inbound message is handled on its own goroutine under the shared side
of the execution gate, so teardown never aborts a handler mid-flight and
shutdown can drain all of them. get and set additionally serialize on the
key lock. A single writer goroutine owns the socket; emits are
fire-and-forget enqueues that drop rather than block.
*/
package server
