// Package btree implements the paged content-index encoding. Entries are
// packed into independently zlib-compressed leaf pages; internal pages hold
// the first key of each child, so a point lookup only decompresses the path
// from the root to one leaf instead of the whole index. This matters when
// an index lives behind a slow transport and for the large chk indexes.
package btree

import (
	"bytes"
	"encoding/binary"

	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"

	"github.com/packdepot/packdepot/pkg/index"
)

var magic = []byte("PDBT1\n")

// targetPageSize bounds the uncompressed size of a leaf page. A page always
// holds at least one entry, so oversized single entries spill past it.
const targetPageSize = 4096

// internalFanout is the number of children per internal page.
const internalFanout = 64

// Encode serialises the builder's entries in the paged encoding.
//
// Layout:
//
//	magic "PDBT1\n"
//	uvarint keyWidth | refLists | entryCount | leafCount | pageCount | rootPage
//	pageCount x uvarint compressed page length
//	compressed pages, concatenated
func Encode(b *index.Builder) ([]byte, error) {
	entries := b.Sorted()
	leaves, firstKeys := buildLeaves(entries, b.KeyWidth(), b.RefLists())

	pages := leaves
	level := make([]pageRef, len(leaves))
	for i := range leaves {
		level[i] = pageRef{firstKey: firstKeys[i], page: uint64(i)}
	}
	// Build internal levels bottom-up until one root remains.
	for len(level) > 1 {
		var next []pageRef
		for start := 0; start < len(level); start += internalFanout {
			end := start + internalFanout
			if end > len(level) {
				end = len(level)
			}
			group := level[start:end]
			var page bytes.Buffer
			writeUvarint(&page, uint64(len(group)))
			for _, child := range group {
				writeKey(&page, child.firstKey)
				writeUvarint(&page, child.page)
			}
			pages = append(pages, page.Bytes())
			next = append(next, pageRef{firstKey: group[0].firstKey, page: uint64(len(pages) - 1)})
		}
		level = next
	}
	rootPage := uint64(0)
	if len(pages) > 0 {
		rootPage = uint64(len(pages) - 1)
	}

	var out bytes.Buffer
	out.Write(magic)
	writeUvarint(&out, uint64(b.KeyWidth()))
	writeUvarint(&out, uint64(b.RefLists()))
	writeUvarint(&out, uint64(len(entries)))
	writeUvarint(&out, uint64(len(leaves)))
	writeUvarint(&out, uint64(len(pages)))
	writeUvarint(&out, rootPage)
	compressed := make([][]byte, len(pages))
	for i, page := range pages {
		var cbuf bytes.Buffer
		zw := zlib.NewWriter(&cbuf)
		if _, err := zw.Write(page); err != nil {
			return nil, errors.Wrap(err, "btree: compress page")
		}
		if err := zw.Close(); err != nil {
			return nil, errors.Wrap(err, "btree: compress page")
		}
		compressed[i] = cbuf.Bytes()
		writeUvarint(&out, uint64(len(compressed[i])))
	}
	for _, page := range compressed {
		out.Write(page)
	}
	return out.Bytes(), nil
}

type pageRef struct {
	firstKey index.Key
	page     uint64
}

func buildLeaves(entries []index.Entry, keyWidth, refLists int) ([][]byte, []index.Key) {
	var leaves [][]byte
	var firstKeys []index.Key
	var current bytes.Buffer
	var rows bytes.Buffer
	count := 0
	var first index.Key
	flush := func() {
		if count == 0 {
			return
		}
		current.Reset()
		writeUvarint(&current, uint64(count))
		current.Write(rows.Bytes())
		leaves = append(leaves, append([]byte(nil), current.Bytes()...))
		firstKeys = append(firstKeys, first)
		rows.Reset()
		count = 0
	}
	for _, e := range entries {
		var row bytes.Buffer
		writeKey(&row, e.Key)
		writeUvarint(&row, uint64(len(e.Value)))
		row.Write(e.Value)
		for i := 0; i < refLists; i++ {
			var list []index.Key
			if i < len(e.Refs) {
				list = e.Refs[i]
			}
			writeUvarint(&row, uint64(len(list)))
			for _, ref := range list {
				writeKey(&row, ref)
			}
		}
		if count > 0 && rows.Len()+row.Len() > targetPageSize {
			flush()
		}
		if count == 0 {
			first = e.Key
		}
		rows.Write(row.Bytes())
		count++
	}
	flush()
	if len(leaves) == 0 {
		// An empty index still carries one empty leaf so that the reader
		// has a root page to descend into.
		var page bytes.Buffer
		writeUvarint(&page, 0)
		leaves = append(leaves, page.Bytes())
		firstKeys = append(firstKeys, nil)
	}
	return leaves, firstKeys
}

// Tree is a read-only paged index. The backing bytes are retained whole,
// but pages are only decompressed as lookups touch them.
type Tree struct {
	keyWidth  int
	refLists  int
	keyCount  int
	leafCount int
	rootPage  int
	pages     [][]byte // compressed
	cache     map[int][]byte
	cacheCap  int
}

// Open parses data as a paged index. size, when non-negative, is the
// expected byte length recorded in pack-names and is validated first.
// unlimitedCache keeps every decompressed page resident, which suits the
// chk index's random access pattern.
func Open(data []byte, size int64, unlimitedCache bool) (*Tree, error) {
	if size >= 0 && int64(len(data)) != size {
		return nil, errors.Wrapf(index.ErrBadData, "btree index is %d bytes, expected %d", len(data), size)
	}
	if !bytes.HasPrefix(data, magic) {
		return nil, errors.Wrap(index.ErrBadData, "btree index: bad magic")
	}
	r := bytes.NewReader(data[len(magic):])
	hdr := make([]uint64, 6)
	for i := range hdr {
		v, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, errors.Wrap(index.ErrBadData, "btree index: header")
		}
		hdr[i] = v
	}
	keyWidth, refLists, keyCount, leafCount, pageCount, rootPage := hdr[0], hdr[1], hdr[2], hdr[3], hdr[4], hdr[5]
	if leafCount > pageCount || (pageCount > 0 && rootPage >= pageCount) {
		return nil, errors.Wrapf(index.ErrBadData, "btree index: %d leaves, %d pages, root %d", leafCount, pageCount, rootPage)
	}
	lengths := make([]uint64, pageCount)
	var total uint64
	for i := range lengths {
		v, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, errors.Wrap(index.ErrBadData, "btree index: page table")
		}
		lengths[i] = v
		total += v
	}
	if uint64(r.Len()) != total {
		return nil, errors.Wrapf(index.ErrBadData, "btree index: %d page bytes, table says %d", r.Len(), total)
	}
	body := data[len(data)-r.Len():]
	t := &Tree{
		keyWidth:  int(keyWidth),
		refLists:  int(refLists),
		keyCount:  int(keyCount),
		leafCount: int(leafCount),
		rootPage:  int(rootPage),
		pages:     make([][]byte, pageCount),
		cache:     map[int][]byte{},
		cacheCap:  128,
	}
	if unlimitedCache {
		t.cacheCap = 0
	}
	off := 0
	for i, n := range lengths {
		t.pages[i] = body[off : off+int(n)]
		off += int(n)
	}
	return t, nil
}

func (t *Tree) page(id int) ([]byte, error) {
	if page, ok := t.cache[id]; ok {
		return page, nil
	}
	zr, err := zlib.NewReader(bytes.NewReader(t.pages[id]))
	if err != nil {
		return nil, errors.Wrapf(index.ErrBadData, "btree index: page %d: %v", id, err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(zr); err != nil {
		return nil, errors.Wrapf(index.ErrBadData, "btree index: page %d: %v", id, err)
	}
	if err := zr.Close(); err != nil {
		return nil, errors.Wrapf(index.ErrBadData, "btree index: page %d: %v", id, err)
	}
	page := buf.Bytes()
	if t.cacheCap > 0 && len(t.cache) >= t.cacheCap {
		// Decompression is cheap enough that wholesale eviction beats
		// per-page accounting here.
		t.cache = map[int][]byte{}
	}
	t.cache[id] = page
	return page, nil
}

func (t *Tree) leafEntries(id int) ([]index.Entry, error) {
	page, err := t.page(id)
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(page)
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, errors.Wrapf(index.ErrBadData, "btree index: leaf %d", id)
	}
	entries := make([]index.Entry, 0, n)
	for i := uint64(0); i < n; i++ {
		key, err := readKey(r, t.keyWidth)
		if err != nil {
			return nil, errors.Wrapf(err, "btree index: leaf %d", id)
		}
		value, err := readBlob(r)
		if err != nil {
			return nil, errors.Wrapf(err, "btree index: leaf %d", id)
		}
		refs := make([][]index.Key, t.refLists)
		for j := 0; j < t.refLists; j++ {
			m, err := binary.ReadUvarint(r)
			if err != nil {
				return nil, errors.Wrapf(index.ErrBadData, "btree index: leaf %d", id)
			}
			refs[j] = make([]index.Key, m)
			for k := uint64(0); k < m; k++ {
				ref, err := readKey(r, t.keyWidth)
				if err != nil {
					return nil, errors.Wrapf(err, "btree index: leaf %d", id)
				}
				refs[j][k] = ref
			}
		}
		entries = append(entries, index.Entry{Key: key, Value: value, Refs: refs})
	}
	return entries, nil
}

// findLeaf descends from the root to the leaf that may hold key.
func (t *Tree) findLeaf(key index.Key) (int, error) {
	id := t.rootPage
	for id >= t.leafCount {
		page, err := t.page(id)
		if err != nil {
			return 0, err
		}
		r := bytes.NewReader(page)
		n, err := binary.ReadUvarint(r)
		if err != nil || n == 0 {
			return 0, errors.Wrapf(index.ErrBadData, "btree index: internal page %d", id)
		}
		child := -1
		for i := uint64(0); i < n; i++ {
			first, err := readKey(r, t.keyWidth)
			if err != nil {
				return 0, errors.Wrapf(err, "btree index: internal page %d", id)
			}
			pageID, err := binary.ReadUvarint(r)
			if err != nil {
				return 0, errors.Wrapf(index.ErrBadData, "btree index: internal page %d", id)
			}
			if i == 0 || first.Compare(key) <= 0 {
				child = int(pageID)
			}
		}
		if child < 0 || child >= len(t.pages) || child == id {
			return 0, errors.Wrapf(index.ErrBadData, "btree index: bad child from page %d", id)
		}
		id = child
	}
	return id, nil
}

// Lookup implements index.Reader.
func (t *Tree) Lookup(keys []index.Key) ([]index.Entry, error) {
	var out []index.Entry
	for _, k := range keys {
		leaf, err := t.findLeaf(k)
		if err != nil {
			return nil, err
		}
		entries, err := t.leafEntries(leaf)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.Key.Compare(k) == 0 {
				out = append(out, e)
				break
			}
		}
	}
	return out, nil
}

// IterAll implements index.Reader, walking the leaves in key order.
func (t *Tree) IterAll(fn func(index.Entry) error) error {
	for leaf := 0; leaf < t.leafCount; leaf++ {
		entries, err := t.leafEntries(leaf)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := fn(e); err != nil {
				return err
			}
		}
	}
	return nil
}

// KeyCount implements index.Reader.
func (t *Tree) KeyCount() int { return t.keyCount }

// RefLists implements index.Reader.
func (t *Tree) RefLists() int { return t.refLists }

// KeyWidth implements index.Reader.
func (t *Tree) KeyWidth() int { return t.keyWidth }

// ExternalRefs implements index.Reader.
func (t *Tree) ExternalRefs(refList int) ([]index.Key, error) {
	if refList >= t.refLists {
		return nil, nil
	}
	present := map[string]struct{}{}
	referenced := map[string]index.Key{}
	err := t.IterAll(func(e index.Entry) error {
		present[e.Key.String()] = struct{}{}
		for _, ref := range e.Refs[refList] {
			referenced[ref.String()] = ref
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	var out []index.Key
	for id, ref := range referenced {
		if _, ok := present[id]; !ok {
			out = append(out, ref)
		}
	}
	return out, nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func writeKey(buf *bytes.Buffer, key index.Key) {
	for _, el := range key {
		writeUvarint(buf, uint64(len(el)))
		buf.WriteString(el)
	}
}

func readKey(r *bytes.Reader, width int) (index.Key, error) {
	key := make(index.Key, width)
	for i := 0; i < width; i++ {
		el, err := readBlob(r)
		if err != nil {
			return nil, err
		}
		key[i] = string(el)
	}
	return key, nil
}

func readBlob(r *bytes.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, errors.Wrap(index.ErrBadData, "truncated length")
	}
	if n > uint64(r.Len()) {
		return nil, errors.Wrapf(index.ErrBadData, "blob of %d bytes with %d remaining", n, r.Len())
	}
	out := make([]byte, n)
	if n > 0 {
		if _, err := r.Read(out); err != nil {
			return nil, errors.Wrap(index.ErrBadData, "truncated blob")
		}
	}
	return out, nil
}
