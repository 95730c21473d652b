package index

import (
	"sort"

	"github.com/pkg/errors"
)

// Builder is a mutable, in-memory content index. It accumulates entries
// during a write group and is queryable through the same Reader contract as
// the on-disk encodings, so a combined index can serve uncommitted data.
type Builder struct {
	keyWidth int
	refLists int
	entries  map[string]Entry
}

// NewBuilder returns an empty builder for keys of keyWidth elements and
// refLists reference lists per entry.
func NewBuilder(keyWidth, refLists int) *Builder {
	return &Builder{
		keyWidth: keyWidth,
		refLists: refLists,
		entries:  map[string]Entry{},
	}
}

// Add inserts one entry. Keys of the wrong width, references of the wrong
// width, and re-adding an existing key with different content are errors;
// re-adding identical content is a no-op.
func (b *Builder) Add(key Key, value []byte, refs [][]Key) error {
	if len(key) != b.keyWidth {
		return errors.Errorf("index: key %q has %d elements, want %d", key.String(), len(key), b.keyWidth)
	}
	for _, el := range key {
		if el == "" {
			return errors.Errorf("index: key %q has an empty element", key.String())
		}
	}
	if len(refs) > b.refLists {
		return errors.Errorf("index: entry %q has %d reference lists, want at most %d", key.String(), len(refs), b.refLists)
	}
	normRefs := make([][]Key, b.refLists)
	for i := range refs {
		for _, ref := range refs[i] {
			if len(ref) != b.keyWidth {
				return errors.Errorf("index: reference %q has %d elements, want %d", ref.String(), len(ref), b.keyWidth)
			}
		}
		normRefs[i] = refs[i]
	}
	id := key.String()
	if prev, ok := b.entries[id]; ok {
		if sameEntry(prev, Entry{Key: key, Value: value, Refs: normRefs}) {
			return nil
		}
		return errors.Errorf("index: key %q already added with different content", key.String())
	}
	b.entries[id] = Entry{Key: key, Value: value, Refs: normRefs}
	return nil
}

func sameEntry(a, b Entry) bool {
	if string(a.Value) != string(b.Value) || len(a.Refs) != len(b.Refs) {
		return false
	}
	for i := range a.Refs {
		if len(a.Refs[i]) != len(b.Refs[i]) {
			return false
		}
		for j := range a.Refs[i] {
			if a.Refs[i][j].Compare(b.Refs[i][j]) != 0 {
				return false
			}
		}
	}
	return true
}

// Sorted returns all entries in key order.
func (b *Builder) Sorted() []Entry {
	out := make([]Entry, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Compare(out[j].Key) < 0 })
	return out
}

// Lookup implements Reader.
func (b *Builder) Lookup(keys []Key) ([]Entry, error) {
	var out []Entry
	for _, k := range keys {
		if e, ok := b.entries[k.String()]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// IterAll implements Reader.
func (b *Builder) IterAll(fn func(Entry) error) error {
	for _, e := range b.Sorted() {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// KeyCount implements Reader.
func (b *Builder) KeyCount() int { return len(b.entries) }

// RefLists implements Reader.
func (b *Builder) RefLists() int { return b.refLists }

// KeyWidth implements Reader.
func (b *Builder) KeyWidth() int { return b.keyWidth }

// ExternalRefs implements Reader.
func (b *Builder) ExternalRefs(refList int) ([]Key, error) {
	present := make(map[string]struct{}, len(b.entries))
	for id := range b.entries {
		present[id] = struct{}{}
	}
	return externalRefs(b.Sorted(), present, refList), nil
}
