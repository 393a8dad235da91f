// Package subs tracks which connections observe which (bucket, ref) keys
// and answers peer-set queries for change fan-out. Empty key entries are
// dropped eagerly so the map tracks live interest only.
package subs
