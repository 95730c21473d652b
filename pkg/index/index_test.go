package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func k(elements ...string) Key { return Key(elements) }

func TestBuilderAddValidation(t *testing.T) {
	b := NewBuilder(2, 1)

	err := b.Add(k("only-one"), []byte("v"), nil)
	assert.Error(t, err, "wrong key width must be rejected")

	err = b.Add(k("a", ""), []byte("v"), nil)
	assert.Error(t, err, "empty key element must be rejected")

	err = b.Add(k("a", "b"), []byte("v"), [][]Key{{k("short")}})
	assert.Error(t, err, "reference of wrong width must be rejected")

	err = b.Add(k("a", "b"), []byte("v"), [][]Key{{}, {}})
	assert.Error(t, err, "too many reference lists must be rejected")

	err = b.Add(k("a", "b"), []byte("v"), [][]Key{{k("p", "q")}})
	require.NoError(t, err)

	// Identical re-add is a no-op, differing content is an error.
	err = b.Add(k("a", "b"), []byte("v"), [][]Key{{k("p", "q")}})
	assert.NoError(t, err)
	err = b.Add(k("a", "b"), []byte("other"), [][]Key{{k("p", "q")}})
	assert.Error(t, err)
	assert.Equal(t, 1, b.KeyCount())
}

func TestBuilderSortedAndLookup(t *testing.T) {
	b := NewBuilder(1, 0)
	require.NoError(t, b.Add(k("charlie"), []byte("3"), nil))
	require.NoError(t, b.Add(k("alpha"), []byte("1"), nil))
	require.NoError(t, b.Add(k("bravo"), []byte("2"), nil))

	sorted := b.Sorted()
	require.Len(t, sorted, 3)
	assert.Equal(t, k("alpha"), sorted[0].Key)
	assert.Equal(t, k("bravo"), sorted[1].Key)
	assert.Equal(t, k("charlie"), sorted[2].Key)

	entries, err := b.Lookup([]Key{k("bravo"), k("missing")})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []byte("2"), entries[0].Value)
}

func TestBuilderExternalRefs(t *testing.T) {
	b := NewBuilder(1, 1)
	require.NoError(t, b.Add(k("child"), []byte("v"), [][]Key{{k("parent"), k("ghost")}}))
	require.NoError(t, b.Add(k("parent"), []byte("v"), [][]Key{{}}))

	external, err := b.ExternalRefs(0)
	require.NoError(t, err)
	require.Len(t, external, 1)
	assert.Equal(t, k("ghost"), external[0])
}

func TestFlatRoundTrip(t *testing.T) {
	b := NewBuilder(2, 2)
	require.NoError(t, b.Add(k("file-1", "rev-2"), []byte("0 100"), [][]Key{
		{k("file-1", "rev-1")},
		{k("file-1", "rev-0")},
	}))
	require.NoError(t, b.Add(k("file-1", "rev-1"), []byte("100 80"), [][]Key{{}, {}}))

	data := EncodeFlat(b)
	f, err := OpenFlat(data, int64(len(data)))
	require.NoError(t, err)

	assert.Equal(t, 2, f.KeyCount())
	assert.Equal(t, 2, f.KeyWidth())
	assert.Equal(t, 2, f.RefLists())

	entries, err := f.Lookup([]Key{k("file-1", "rev-2")})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []byte("0 100"), entries[0].Value)
	require.Len(t, entries[0].Refs, 2)
	require.Len(t, entries[0].Refs[0], 1)
	assert.Equal(t, k("file-1", "rev-1"), entries[0].Refs[0][0])

	// rev-0 is referenced but not present, so it is reachable only as an
	// external reference of list 1.
	external, err := f.ExternalRefs(1)
	require.NoError(t, err)
	require.Len(t, external, 1)
	assert.Equal(t, k("file-1", "rev-0"), external[0])

	external, err = f.ExternalRefs(0)
	require.NoError(t, err)
	assert.Empty(t, external)
}

func TestFlatIterAllIsSorted(t *testing.T) {
	b := NewBuilder(1, 0)
	for _, id := range []string{"zulu", "alpha", "mike"} {
		require.NoError(t, b.Add(k(id), []byte(id), nil))
	}
	data := EncodeFlat(b)
	f, err := OpenFlat(data, -1)
	require.NoError(t, err)

	var seen []string
	err = f.IterAll(func(e Entry) error {
		seen = append(seen, e.Key[0])
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "mike", "zulu"}, seen)
}

func TestOpenFlatRejectsBadData(t *testing.T) {
	b := NewBuilder(1, 1)
	require.NoError(t, b.Add(k("a"), []byte("v"), [][]Key{{k("b")}}))
	data := EncodeFlat(b)

	_, err := OpenFlat(data, int64(len(data))+1)
	assert.ErrorIs(t, err, ErrBadData, "size mismatch")

	_, err = OpenFlat([]byte("not an index"), -1)
	assert.ErrorIs(t, err, ErrBadData, "bad magic")

	_, err = OpenFlat(data[:len(data)-3], -1)
	assert.ErrorIs(t, err, ErrBadData, "truncated")

	_, err = OpenFlat(append(append([]byte(nil), data...), 0, 0, 0), -1)
	assert.ErrorIs(t, err, ErrBadData, "trailing bytes")
}

func mustFlat(t *testing.T, b *Builder) *Flat {
	t.Helper()
	data := EncodeFlat(b)
	f, err := OpenFlat(data, int64(len(data)))
	require.NoError(t, err)
	return f
}

func TestCombinedLookupOrderAndDedup(t *testing.T) {
	first := NewBuilder(1, 0)
	require.NoError(t, first.Add(k("shared"), []byte("from-first"), nil))
	require.NoError(t, first.Add(k("only-first"), []byte("1"), nil))
	second := NewBuilder(1, 0)
	require.NoError(t, second.Add(k("shared"), []byte("from-second"), nil))
	require.NoError(t, second.Add(k("only-second"), []byte("2"), nil))

	c := NewCombined(
		[]Reader{mustFlat(t, first), mustFlat(t, second)},
		[]string{"first", "second"},
	)

	entries, err := c.Lookup([]Key{k("only-second"), k("shared"), k("missing")})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Results come back in requested order, and the earlier constituent
	// wins for duplicated keys.
	assert.Equal(t, k("only-second"), entries[0].Key)
	assert.Equal(t, k("shared"), entries[1].Key)
	assert.Equal(t, []byte("from-first"), entries[1].Value)
}

func TestCombinedMoveToFront(t *testing.T) {
	cold := NewBuilder(1, 0)
	require.NoError(t, cold.Add(k("cold-key"), []byte("c"), nil))
	hot := NewBuilder(1, 0)
	require.NoError(t, hot.Add(k("hot-key"), []byte("h"), nil))

	c := NewCombined(
		[]Reader{mustFlat(t, cold), mustFlat(t, hot)},
		[]string{"cold", "hot"},
	)

	_, err := c.Lookup([]Key{k("hot-key")})
	require.NoError(t, err)
	assert.Equal(t, []string{"hot", "cold"}, c.Names())

	// A hit on the head leaves the order alone.
	_, err = c.Lookup([]Key{k("hot-key")})
	require.NoError(t, err)
	assert.Equal(t, []string{"hot", "cold"}, c.Names())
}

func TestCombinedSiblingPropagation(t *testing.T) {
	a1 := NewBuilder(1, 0)
	require.NoError(t, a1.Add(k("a"), []byte("a"), nil))
	b1 := NewBuilder(1, 0)
	require.NoError(t, b1.Add(k("b"), []byte("b"), nil))

	main := NewCombined([]Reader{mustFlat(t, a1), mustFlat(t, b1)}, []string{"pack-a", "pack-b"})
	// The sibling holds its own readers over the same packs.
	a2 := NewBuilder(1, 0)
	require.NoError(t, a2.Add(k("a"), []byte("a"), nil))
	b2 := NewBuilder(1, 0)
	require.NoError(t, b2.Add(k("b"), []byte("b"), nil))
	peer := NewCombined([]Reader{mustFlat(t, a2), mustFlat(t, b2)}, []string{"pack-a", "pack-b"})
	main.SetSiblings([]*Combined{peer})

	_, err := main.Lookup([]Key{k("b")})
	require.NoError(t, err)
	assert.Equal(t, []string{"pack-b", "pack-a"}, main.Names())
	assert.Equal(t, []string{"pack-b", "pack-a"}, peer.Names())
}

func TestCombinedInsertRemoveClear(t *testing.T) {
	b := NewBuilder(1, 0)
	require.NoError(t, b.Add(k("x"), []byte("x"), nil))
	r1 := mustFlat(t, b)
	r2 := mustFlat(t, b)

	c := NewCombined(nil, nil)
	c.InsertIndex(0, r1, "one")
	c.InsertIndex(0, r2, "two")
	assert.Equal(t, []string{"two", "one"}, c.Names())

	assert.True(t, c.RemoveIndex(r1))
	assert.False(t, c.RemoveIndex(r1))
	assert.Equal(t, []string{"two"}, c.Names())

	c.Clear()
	assert.Empty(t, c.Names())
	assert.Equal(t, 0, c.KeyCount())
}

func TestCombinedMissingKeys(t *testing.T) {
	b := NewBuilder(1, 0)
	require.NoError(t, b.Add(k("present"), []byte("p"), nil))
	c := NewCombined([]Reader{mustFlat(t, b)}, []string{"only"})

	missing, err := c.MissingKeys([]Key{k("present"), k("absent"), k("absent")})
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, k("absent"), missing[0])

	has, err := c.HasKey(k("present"))
	require.NoError(t, err)
	assert.True(t, has)
}

func TestCombinedFindAncestry(t *testing.T) {
	older := NewBuilder(1, 1)
	require.NoError(t, older.Add(k("rev-1"), []byte("v"), [][]Key{{}}))
	require.NoError(t, older.Add(k("rev-2"), []byte("v"), [][]Key{{k("rev-1")}}))
	newer := NewBuilder(1, 1)
	require.NoError(t, newer.Add(k("rev-3"), []byte("v"), [][]Key{{k("rev-2"), k("ghost")}}))

	c := NewCombined(
		[]Reader{mustFlat(t, older), mustFlat(t, newer)},
		[]string{"older", "newer"},
	)

	parents, missing, err := c.FindAncestry([]Key{k("rev-3")}, 0)
	require.NoError(t, err)
	assert.Len(t, parents, 3)
	assert.Equal(t, []Key{k("rev-2"), k("ghost")}, parents["rev-3"])
	assert.Empty(t, parents["rev-1"])
	require.Len(t, missing, 1)
	assert.Equal(t, k("ghost"), missing[0])
}

func TestKeyRefs(t *testing.T) {
	kr := NewKeyRefs()
	kr.Add(k("rev-2"), []Key{k("rev-1"), k("rev-0")})
	require.Len(t, kr.Unsatisfied(), 2)

	// Inserting a needed key satisfies it, even retroactively.
	kr.Add(k("rev-1"), nil)
	unsatisfied := kr.Unsatisfied()
	require.Len(t, unsatisfied, 1)
	assert.Equal(t, k("rev-0"), unsatisfied[0])

	// A reference to an already-satisfied key never becomes needed.
	kr.Add(k("rev-3"), []Key{k("rev-2")})
	require.Len(t, kr.Unsatisfied(), 1)

	kr.Clear()
	assert.Empty(t, kr.Unsatisfied())
}

func TestKeyCompare(t *testing.T) {
	assert.Equal(t, 0, k("a", "b").Compare(k("a", "b")))
	assert.Equal(t, -1, k("a", "a").Compare(k("a", "b")))
	assert.Equal(t, 1, k("b").Compare(k("a")))
	assert.Equal(t, -1, k("a").Compare(k("a", "b")))

	parsed := ParseKey(k("dir/file", "rev-1").String())
	assert.Equal(t, k("dir/file", "rev-1"), parsed)
}
