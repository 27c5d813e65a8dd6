package util

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// NewID returns a lowercase ULID, optionally namespaced with a prefix,
// e.g. NewID("sess") -> "sess_01jx3...". ULIDs sort by creation time,
// which keeps session listings cheap to order.
func NewID(prefix string) string {
	id := strings.ToLower(ulid.Make().String())
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
