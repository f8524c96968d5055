// Package cachekey derives filesystem- and object-name-safe cache keys from
// dataset identifiers (DIDs).
package cachekey

import "strings"

// separator replaces the scheme delimiter and path separators in a DID. It
// is reserved: a DID must not rely on it having any other meaning.
const separator = "-"

// FromDID maps a DID to its cache key. The mapping is deterministic, and the
// result is always a valid filesystem name and object name (no "/", no scheme
// delimiter). The scheme name is retained (not dropped) so DIDs that differ
// only by scheme never collapse to the same key. The mapping is injective
// only over DIDs that do not themselves contain the separator: a "-" in a
// DID is kept as is, so "s3://a/b-c" and "s3://a/b/c" both map to "s3-a-b-c".
//
// s3://models/gpt-4-weights -> s3-models-gpt-4-weights
func FromDID(did string) string {
	key := strings.Replace(did, "://", separator, 1)
	key = strings.ReplaceAll(key, "/", separator)
	return key
}
