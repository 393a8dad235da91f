/*
Package types defines the core data structures shared by all blobs packages.

It contains the Blob record (the on-wire and on-disk payload for one
reference), the Key pair that identifies a blob within a tenant bucket, and
the validation helpers the protocol layer applies to client input:

  - References are 32 bytes expressed as 64 hex characters, normalized to
    lowercase before use.
  - Buckets come from auth token claims and are used as filesystem path
    components, so path separators and traversal sequences are rejected.
  - Blob data travels as base64 text bounded at 1 MiB.
  - Version counters are positive integers, starting at 1.

All other packages depend on types; types depends on nothing but the
standard library.
*/
package types
