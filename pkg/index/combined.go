package index

// Combined merges an ordered list of Reader instances into one logical
// index. Queries walk the constituents in order and de-duplicate on key;
// after each query the constituents that produced hits are moved to the
// front, since consecutive queries tend to hit the same packs.
//
// Several Combined instances representing the same union (one per open
// collection handle on the same repository) can be registered as siblings:
// a reordering discovered by one is propagated to the others by constituent
// name. The sibling set is non-owning and best effort; correctness never
// depends on the propagation happening.
type Combined struct {
	indices []Reader
	names   []string
	// Peer unions to reorder alongside this one. Best effort only.
	siblings []*Combined
}

// NewCombined returns a Combined over the given readers, each identified by
// the matching name (typically the pack name).
func NewCombined(indices []Reader, names []string) *Combined {
	c := &Combined{}
	c.indices = append(c.indices, indices...)
	c.names = append(c.names, names...)
	return c
}

// InsertIndex adds a constituent at the given position. Iterators already
// in flight are unaffected because they operate on the snapshot taken when
// the query started.
func (c *Combined) InsertIndex(pos int, r Reader, name string) {
	c.indices = append(c.indices, nil)
	copy(c.indices[pos+1:], c.indices[pos:])
	c.indices[pos] = r
	c.names = append(c.names, "")
	copy(c.names[pos+1:], c.names[pos:])
	c.names[pos] = name
}

// RemoveIndex drops the constituent r, matched by identity. Removing an
// unknown reader reports false.
func (c *Combined) RemoveIndex(r Reader) bool {
	for i, existing := range c.indices {
		if existing == r {
			c.indices = append(c.indices[:i], c.indices[i+1:]...)
			c.names = append(c.names[:i], c.names[i+1:]...)
			return true
		}
	}
	return false
}

// Clear drops all constituents.
func (c *Combined) Clear() {
	c.indices = nil
	c.names = nil
}

// Names returns the constituent names in current search order.
func (c *Combined) Names() []string {
	return append([]string(nil), c.names...)
}

// SetSiblings replaces the sibling set.
func (c *Combined) SetSiblings(siblings []*Combined) {
	c.siblings = siblings
}

// Lookup returns the entries for the given keys, consulting each
// constituent in order and reporting each key at most once. An error from
// any constituent propagates; constituents are never silently skipped.
func (c *Combined) Lookup(keys []Key) ([]Entry, error) {
	pending := make(map[string]struct{}, len(keys))
	order := make([]Key, 0, len(keys))
	for _, k := range keys {
		id := k.String()
		if _, ok := pending[id]; !ok {
			pending[id] = struct{}{}
			order = append(order, k)
		}
	}
	found := map[string]Entry{}
	var hits []Reader
	remaining := order
	for _, idx := range c.indices {
		if len(remaining) == 0 {
			break
		}
		entries, err := idx.Lookup(remaining)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			hits = append(hits, idx)
		}
		for _, e := range entries {
			found[e.Key.String()] = e
		}
		var next []Key
		for _, k := range remaining {
			if _, ok := found[k.String()]; !ok {
				next = append(next, k)
			}
		}
		remaining = next
	}
	c.moveToFront(hits)
	var out []Entry
	for _, k := range order {
		if e, ok := found[k.String()]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// IterAll iterates every entry across all constituents, reporting each key
// once; the first constituent to hold a key wins.
func (c *Combined) IterAll(fn func(Entry) error) error {
	seen := map[string]struct{}{}
	for _, idx := range c.indices {
		err := idx.IterAll(func(e Entry) error {
			id := e.Key.String()
			if _, ok := seen[id]; ok {
				return nil
			}
			seen[id] = struct{}{}
			return fn(e)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// KeyCount estimates the union's key count as the sum of the constituents.
// Duplicate keys across constituents inflate the estimate, which is
// acceptable for the autopack heuristics this feeds.
func (c *Combined) KeyCount() int {
	total := 0
	for _, idx := range c.indices {
		total += idx.KeyCount()
	}
	return total
}

// HasKey reports whether any constituent holds key.
func (c *Combined) HasKey(key Key) (bool, error) {
	entries, err := c.Lookup([]Key{key})
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}

// MissingKeys returns the subset of keys that no constituent holds.
func (c *Combined) MissingKeys(keys []Key) ([]Key, error) {
	entries, err := c.Lookup(keys)
	if err != nil {
		return nil, err
	}
	found := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		found[e.Key.String()] = struct{}{}
	}
	var missing []Key
	seen := map[string]struct{}{}
	for _, k := range keys {
		id := k.String()
		if _, ok := found[id]; ok {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		missing = append(missing, k)
	}
	return missing, nil
}

// FindAncestry walks the reference closure of keys along refList across the
// whole union. It returns the map of found key to its referenced keys, and
// the set of keys (requested or referenced) present in no constituent.
func (c *Combined) FindAncestry(keys []Key, refList int) (map[string][]Key, []Key, error) {
	parents := map[string][]Key{}
	missing := map[string]Key{}
	queue := append([]Key(nil), keys...)
	for len(queue) > 0 {
		var lookup []Key
		for _, k := range queue {
			id := k.String()
			if _, ok := parents[id]; ok {
				continue
			}
			if _, ok := missing[id]; ok {
				continue
			}
			lookup = append(lookup, k)
		}
		queue = queue[:0]
		if len(lookup) == 0 {
			break
		}
		entries, err := c.Lookup(lookup)
		if err != nil {
			return nil, nil, err
		}
		found := map[string]struct{}{}
		for _, e := range entries {
			id := e.Key.String()
			found[id] = struct{}{}
			var refs []Key
			if refList < len(e.Refs) {
				refs = e.Refs[refList]
			}
			parents[id] = refs
			queue = append(queue, refs...)
		}
		for _, k := range lookup {
			if _, ok := found[k.String()]; !ok {
				missing[k.String()] = k
			}
		}
	}
	var missingKeys []Key
	for _, k := range missing {
		missingKeys = append(missingKeys, k)
	}
	return parents, missingKeys, nil
}

// moveToFront reorders hit constituents to the head of the search order,
// preserving relative order otherwise, and propagates the reordering to the
// registered siblings by name.
func (c *Combined) moveToFront(hits []Reader) {
	if len(hits) == 0 {
		return
	}
	prefix := true
	for i, h := range hits {
		if i >= len(c.indices) || c.indices[i] != h {
			prefix = false
			break
		}
	}
	if prefix {
		return
	}
	hitNames := c.moveToFrontByIndex(hits)
	for _, sibling := range c.siblings {
		sibling.MoveToFrontByName(hitNames)
	}
}

func (c *Combined) moveToFrontByIndex(hits []Reader) []string {
	isHit := func(r Reader) bool {
		for _, h := range hits {
			if h == r {
				return true
			}
		}
		return false
	}
	var hitIdx, restIdx []Reader
	var hitNames, restNames []string
	for i, idx := range c.indices {
		if isHit(idx) {
			hitIdx = append(hitIdx, idx)
			hitNames = append(hitNames, c.names[i])
		} else {
			restIdx = append(restIdx, idx)
			restNames = append(restNames, c.names[i])
		}
	}
	c.indices = append(hitIdx, restIdx...)
	c.names = append(hitNames, restNames...)
	return hitNames
}

// MoveToFrontByName applies a sibling's reordering to this union. Names not
// present here are ignored.
func (c *Combined) MoveToFrontByName(hitNames []string) {
	var hits []Reader
	for i, name := range c.names {
		for _, hit := range hitNames {
			if name == hit {
				hits = append(hits, c.indices[i])
				break
			}
		}
	}
	if len(hits) > 0 {
		c.moveToFrontByIndex(hits)
	}
}
