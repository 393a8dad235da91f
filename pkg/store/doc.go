/*
Package store persists blob records on a local filesystem with crash-atomic
replacement.

# Layout

Each record is one JSON file:

	<root>/<bucket>/<ref[0:2]>/<ref>.json

The two-character reference prefix shards directories so a bucket never
collects millions of entries in one directory.

# Write transition

Replacing an existing file F with new content goes through a sidecar backup:

 1. rename F -> F.backup (clobbering any stale backup)
 2. write a temp file with the new content, fsync, rename over F
 3. remove F.backup

A crash before step 2 completes leaves the old content in F.backup; a crash
after leaves the new content in F. The read path restores F.backup -> F
whenever the sidecar is present, so a successful read always observes either
the pre-write or the post-write record, never a partial one. The restore
rename is idempotent, which makes concurrent reads of the same key safe.

Cross-key isolation is the caller's job: hold the key lock for the duration
of any read-modify-write cycle.
*/
package store
