package index

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"
)

// The flat encoding stores every row of the index, sorted by key, in one
// contiguous byte run that is parsed completely at open time. References
// are stored as ordinals into the row array; keys that are referenced but
// not present in this index get an "absent" row so that every ordinal
// resolves locally.
//
// Layout:
//
//	magic "PDIX1\n"
//	uvarint keyWidth | refLists | rowCount | presentCount
//	rows, sorted by key:
//	  flag byte (0 present, 1 absent)
//	  keyWidth x (uvarint len + bytes)
//	  uvarint len + value bytes
//	  refLists x (uvarint n + n x uvarint row ordinal)
var flatMagic = []byte("PDIX1\n")

type flatRow struct {
	key    Key
	value  []byte
	refs   [][]uint64
	absent bool
}

// EncodeFlat serialises the builder's entries in the flat encoding.
func EncodeFlat(b *Builder) []byte {
	entries := b.Sorted()
	rows := buildRows(entries, b.KeyWidth(), b.RefLists())
	var buf bytes.Buffer
	buf.Write(flatMagic)
	writeUvarint(&buf, uint64(b.KeyWidth()))
	writeUvarint(&buf, uint64(b.RefLists()))
	writeUvarint(&buf, uint64(len(rows)))
	writeUvarint(&buf, uint64(len(entries)))
	for _, r := range rows {
		if r.absent {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		for _, el := range r.key {
			writeUvarint(&buf, uint64(len(el)))
			buf.WriteString(el)
		}
		writeUvarint(&buf, uint64(len(r.value)))
		buf.Write(r.value)
		for _, list := range r.refs {
			writeUvarint(&buf, uint64(len(list)))
			for _, ord := range list {
				writeUvarint(&buf, ord)
			}
		}
	}
	return buf.Bytes()
}

// buildRows produces the sorted row array for the on-disk encodings:
// all present entries plus an absent row for every referenced key that has
// no entry of its own, with references resolved to row ordinals.
func buildRows(entries []Entry, keyWidth, refLists int) []flatRow {
	present := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		present[e.Key.String()] = struct{}{}
	}
	absent := map[string]Key{}
	for _, e := range entries {
		for _, list := range e.Refs {
			for _, ref := range list {
				id := ref.String()
				if _, ok := present[id]; !ok {
					absent[id] = ref
				}
			}
		}
	}
	keys := make([]Key, 0, len(entries)+len(absent))
	byID := make(map[string]Entry, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Key)
		byID[e.Key.String()] = e
	}
	for _, k := range absent {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })
	ordinals := make(map[string]uint64, len(keys))
	for i, k := range keys {
		ordinals[k.String()] = uint64(i)
	}
	rows := make([]flatRow, 0, len(keys))
	for _, k := range keys {
		e, ok := byID[k.String()]
		if !ok {
			rows = append(rows, flatRow{key: k, refs: make([][]uint64, refLists), absent: true})
			continue
		}
		refs := make([][]uint64, refLists)
		for i, list := range e.Refs {
			refs[i] = make([]uint64, len(list))
			for j, ref := range list {
				refs[i][j] = ordinals[ref.String()]
			}
		}
		rows = append(rows, flatRow{key: e.Key, value: e.Value, refs: refs})
	}
	return rows
}

// Flat is a read-only flat-encoded index, fully parsed at open time.
type Flat struct {
	keyWidth int
	refLists int
	rows     []flatRow
	entries  []Entry // present rows only, with references materialised
}

// OpenFlat parses data as a flat index. size, when non-negative, is the
// expected byte length recorded in pack-names and is validated first.
func OpenFlat(data []byte, size int64) (*Flat, error) {
	if size >= 0 && int64(len(data)) != size {
		return nil, errors.Wrapf(ErrBadData, "flat index is %d bytes, expected %d", len(data), size)
	}
	if !bytes.HasPrefix(data, flatMagic) {
		return nil, errors.Wrap(ErrBadData, "flat index: bad magic")
	}
	r := bytes.NewReader(data[len(flatMagic):])
	keyWidth, err := readUvarint(r)
	if err != nil {
		return nil, errors.Wrap(ErrBadData, "flat index: header")
	}
	refLists, err := readUvarint(r)
	if err != nil {
		return nil, errors.Wrap(ErrBadData, "flat index: header")
	}
	rowCount, err := readUvarint(r)
	if err != nil {
		return nil, errors.Wrap(ErrBadData, "flat index: header")
	}
	presentCount, err := readUvarint(r)
	if err != nil {
		return nil, errors.Wrap(ErrBadData, "flat index: header")
	}
	if presentCount > rowCount {
		return nil, errors.Wrapf(ErrBadData, "flat index: %d present of %d rows", presentCount, rowCount)
	}
	f := &Flat{keyWidth: int(keyWidth), refLists: int(refLists)}
	f.rows = make([]flatRow, 0, rowCount)
	for i := uint64(0); i < rowCount; i++ {
		row, err := readFlatRow(r, f.keyWidth, f.refLists, rowCount)
		if err != nil {
			return nil, errors.Wrapf(err, "flat index: row %d", i)
		}
		f.rows = append(f.rows, row)
	}
	if r.Len() != 0 {
		return nil, errors.Wrapf(ErrBadData, "flat index: %d trailing bytes", r.Len())
	}
	f.entries = make([]Entry, 0, presentCount)
	for _, row := range f.rows {
		if row.absent {
			continue
		}
		refs := make([][]Key, f.refLists)
		for i, list := range row.refs {
			refs[i] = make([]Key, len(list))
			for j, ord := range list {
				refs[i][j] = f.rows[ord].key
			}
		}
		f.entries = append(f.entries, Entry{Key: row.key, Value: row.value, Refs: refs})
	}
	if uint64(len(f.entries)) != presentCount {
		return nil, errors.Wrapf(ErrBadData, "flat index: %d present rows, header says %d", len(f.entries), presentCount)
	}
	return f, nil
}

func readFlatRow(r *bytes.Reader, keyWidth, refLists int, rowCount uint64) (flatRow, error) {
	var row flatRow
	flag, err := r.ReadByte()
	if err != nil {
		return row, errors.Wrap(ErrBadData, "truncated row")
	}
	if flag > 1 {
		return row, errors.Wrapf(ErrBadData, "bad row flag %d", flag)
	}
	row.absent = flag == 1
	row.key = make(Key, keyWidth)
	for i := 0; i < keyWidth; i++ {
		el, err := readBlob(r)
		if err != nil {
			return row, err
		}
		row.key[i] = string(el)
	}
	row.value, err = readBlob(r)
	if err != nil {
		return row, err
	}
	row.refs = make([][]uint64, refLists)
	for i := 0; i < refLists; i++ {
		n, err := readUvarint(r)
		if err != nil {
			return row, errors.Wrap(ErrBadData, "truncated reference list")
		}
		if n > rowCount {
			return row, errors.Wrapf(ErrBadData, "reference list of %d in index of %d rows", n, rowCount)
		}
		row.refs[i] = make([]uint64, n)
		for j := uint64(0); j < n; j++ {
			ord, err := readUvarint(r)
			if err != nil {
				return row, errors.Wrap(ErrBadData, "truncated reference")
			}
			if ord >= rowCount {
				return row, errors.Wrapf(ErrBadData, "reference ordinal %d out of %d rows", ord, rowCount)
			}
			row.refs[i][j] = ord
		}
	}
	return row, nil
}

// Lookup implements Reader.
func (f *Flat) Lookup(keys []Key) ([]Entry, error) {
	return lookupSorted(f.entries, keys), nil
}

// IterAll implements Reader.
func (f *Flat) IterAll(fn func(Entry) error) error {
	for _, e := range f.entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// KeyCount implements Reader.
func (f *Flat) KeyCount() int { return len(f.entries) }

// RefLists implements Reader.
func (f *Flat) RefLists() int { return f.refLists }

// KeyWidth implements Reader.
func (f *Flat) KeyWidth() int { return f.keyWidth }

// ExternalRefs implements Reader.
func (f *Flat) ExternalRefs(refList int) ([]Key, error) {
	if refList >= f.refLists {
		return nil, nil
	}
	seen := map[string]struct{}{}
	var out []Key
	for _, row := range f.rows {
		if row.absent {
			continue
		}
		for _, ord := range row.refs[refList] {
			target := f.rows[ord]
			if !target.absent {
				continue
			}
			id := target.key.String()
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, target.key)
		}
	}
	return out, nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func readUvarint(r *bytes.Reader) (uint64, error) {
	v, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, errors.Wrap(ErrBadData, "truncated varint")
	}
	return v, nil
}

func readBlob(r *bytes.Reader) ([]byte, error) {
	n, err := readUvarint(r)
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Len()) {
		return nil, errors.Wrapf(ErrBadData, "blob of %d bytes with %d remaining", n, r.Len())
	}
	out := make([]byte, n)
	if _, err := r.Read(out); err != nil {
		return nil, errors.Wrap(ErrBadData, "truncated blob")
	}
	return out, nil
}
