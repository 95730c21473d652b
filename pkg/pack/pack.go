// Package pack implements the on-disk pack container: a single append-only
// blob of compressed records, addressed by (offset, length) values stored in
// the per-kind content indexes, plus the small codecs shared by everything
// that names pack files (kind suffixes, index value strings, the size tuple
// recorded in pack-names).
package pack

import (
	"fmt"
	"regexp"
)

// Kind describes one record kind stored in a pack: its index file suffix and
// the shape of its index.
type Kind struct {
	Name     string
	Suffix   string
	KeyWidth int
	RefLists int
}

var (
	// Revisions index revision ids; reference list 0 is the parent
	// revisions.
	Revisions = Kind{Name: "revisions", Suffix: ".rix", KeyWidth: 1, RefLists: 1}
	// Inventories index revision ids; list 0 is parents, list 1 the
	// compression basis.
	Inventories = Kind{Name: "inventories", Suffix: ".iix", KeyWidth: 1, RefLists: 2}
	// Texts index (file-id, revision-id) pairs; list 0 is the per-file
	// parents, list 1 the compression basis.
	Texts = Kind{Name: "texts", Suffix: ".tix", KeyWidth: 2, RefLists: 2}
	// Signatures index revision ids with no references.
	Signatures = Kind{Name: "signatures", Suffix: ".six", KeyWidth: 1, RefLists: 0}
	// CHK indexes content-hash pages; only repositories with the paged
	// index format carry this kind.
	CHK = Kind{Name: "chk", Suffix: ".cix", KeyWidth: 1, RefLists: 0}
)

// Kinds returns the record kinds of a repository, in the canonical suffix
// order used by the size tuple.
func Kinds(withCHK bool) []Kind {
	kinds := []Kind{Revisions, Inventories, Texts, Signatures}
	if withCHK {
		kinds = append(kinds, CHK)
	}
	return kinds
}

// namePattern is the shape of a pack name: the lowercase hex digest of the
// pack blob. Resume tokens are pack names and are validated against the
// same pattern before any path is built from them.
var namePattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ValidName reports whether s is a well-formed pack name.
func ValidName(s string) bool {
	return namePattern.MatchString(s)
}

// FileName returns the pack blob file name for a pack name.
func FileName(name string) string {
	return name + ".pack"
}

// IndexFileName returns the index file name for a pack name and kind.
func IndexFileName(name string, kind Kind) string {
	return name + kind.Suffix
}

// String implements fmt.Stringer for log output.
func (k Kind) String() string { return k.Name }

var _ fmt.Stringer = Kind{}
