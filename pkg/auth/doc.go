// Package auth mints and verifies the signed bearer tokens that authorize a
// connection for exactly one bucket. Verification failures are opaque: the
// caller sees only ErrAccessDenied.
package auth
