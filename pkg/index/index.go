// Package index implements the sorted, immutable key to (value, references)
// mappings that back every kind of record in a pack, plus the combined view
// that merges the indexes of many packs into one lookup surface.
package index

import (
	"github.com/pkg/errors"
)

// ErrBadData is wrapped around any structural problem found while decoding
// index bytes: bad magic, truncated entries, out of range reference ordinals.
// A reader must fail with this rather than return partial data.
var ErrBadData = errors.New("malformed index data")

// Entry is one row of a content index. Refs holds one list of referenced
// keys per reference list declared by the index; the meaning of each list
// (graph parents, compression parent) is up to the caller.
type Entry struct {
	Key   Key
	Value []byte
	Refs  [][]Key
}

// Reader is the read-only contract shared by the flat and the B-tree
// encodings, and by the in-memory Builder while a write group is open.
//
// Lookup of an absent key yields nothing; it is not an error.
type Reader interface {
	// Lookup returns the entries for the given keys, in index order.
	// Keys not present are silently skipped.
	Lookup(keys []Key) ([]Entry, error)

	// IterAll calls fn for every entry in key order. Returning an error
	// from fn stops the iteration and propagates the error.
	IterAll(fn func(Entry) error) error

	// KeyCount returns the number of present keys in the index.
	KeyCount() int

	// ExternalRefs returns the keys referenced from the given reference
	// list that are not themselves present in this index.
	ExternalRefs(refList int) ([]Key, error)

	// RefLists returns the number of reference lists per entry.
	RefLists() int

	// KeyWidth returns the number of elements in every key.
	KeyWidth() int
}

// lookupSorted binary-searches a sorted entry slice for each requested key.
func lookupSorted(entries []Entry, keys []Key) []Entry {
	var out []Entry
	for _, k := range keys {
		lo, hi := 0, len(entries)
		for lo < hi {
			mid := (lo + hi) / 2
			if entries[mid].Key.Compare(k) < 0 {
				lo = mid + 1
			} else {
				hi = mid
			}
		}
		if lo < len(entries) && entries[lo].Key.Compare(k) == 0 {
			out = append(out, entries[lo])
		}
	}
	return out
}

// externalRefs collects the keys referenced from refList that are absent
// from the present set.
func externalRefs(entries []Entry, present map[string]struct{}, refList int) []Key {
	seen := map[string]struct{}{}
	var out []Key
	for _, e := range entries {
		if refList >= len(e.Refs) {
			continue
		}
		for _, ref := range e.Refs[refList] {
			id := ref.String()
			if _, ok := present[id]; ok {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, ref)
		}
	}
	return out
}
