package index

// KeyRefs tracks, per write group, which keys have been referenced and
// which have been satisfied by an insert, so that commit can ask for the
// references that still point at nothing.
type KeyRefs struct {
	needed    map[string]Key
	satisfied map[string]struct{}
}

// NewKeyRefs returns an empty tracker.
func NewKeyRefs() *KeyRefs {
	return &KeyRefs{
		needed:    map[string]Key{},
		satisfied: map[string]struct{}{},
	}
}

// Add records one inserted key and everything it references.
func (kr *KeyRefs) Add(key Key, refs []Key) {
	id := key.String()
	kr.satisfied[id] = struct{}{}
	delete(kr.needed, id)
	for _, ref := range refs {
		rid := ref.String()
		if _, ok := kr.satisfied[rid]; ok {
			continue
		}
		kr.needed[rid] = ref
	}
}

// Unsatisfied returns the referenced keys that no insert has satisfied.
// They may still exist in already-committed packs; the caller resolves
// that against the union.
func (kr *KeyRefs) Unsatisfied() []Key {
	out := make([]Key, 0, len(kr.needed))
	for _, k := range kr.needed {
		out = append(out, k)
	}
	return out
}

// Clear empties the tracker.
func (kr *KeyRefs) Clear() {
	kr.needed = map[string]Key{}
	kr.satisfied = map[string]struct{}{}
}
