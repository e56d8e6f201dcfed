// Package vbucket maps keys to vbucket ids.
//
// spec.md treats the vbucket id carried in a request header as opaque to
// the core (§3 GLOSSARY: "shard identifier... opaque to this core"); the
// core only ever copies whatever id a client sent into the response frame,
// or (for NotMyVbucket) lets an out-of-scope mechanism supply the map.
// This package exists only so the in-memory reference engine and its
// tests can exercise more than one vbucket without inventing an ad hoc
// hash; it is not part of the core's wire-level contract.
package vbucket

import "github.com/zeebo/xxh3"

// Count is the number of vbuckets the reference engine simulates, matching
// the conventional Couchbase default.
const Count = 1024

// Of hashes key with xxh3 (as pior-memcache hashes server selection keys)
// and folds the result into [0, Count).
func Of(key string) uint16 {
	h := xxh3.HashString(key)
	return uint16(h % Count)
}
