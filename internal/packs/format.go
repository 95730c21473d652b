// Package packs implements the pack collection: the mutable view over the
// repository's pack files, their content indexes, the pack-names registry,
// write groups, and the autopack maintenance that keeps the pack count
// bounded.
package packs

import (
	"github.com/packdepot/packdepot/pkg/btree"
	"github.com/packdepot/packdepot/pkg/index"
	"github.com/packdepot/packdepot/pkg/pack"
)

// Repository directory layout, relative to the repository root.
const (
	PacksDir    = "packs"
	IndicesDir  = "indices"
	UploadDir   = "upload"
	ObsoleteDir = "obsolete_packs"
	NamesFile   = "pack-names"
)

// Format selects the content-index encoding. The paged encoding also
// carries the chk kind.
type Format struct {
	Btree bool
}

// Kinds returns the record kinds of this format in canonical order.
func (f Format) Kinds() []pack.Kind {
	return pack.Kinds(f.Btree)
}

func (f Format) openIndex(data []byte, size int64, kind pack.Kind) (index.Reader, error) {
	if f.Btree {
		return btree.Open(data, size, kind.Name == pack.CHK.Name)
	}
	return index.OpenFlat(data, size)
}

func (f Format) encodeIndex(b *index.Builder) ([]byte, error) {
	if f.Btree {
		return btree.Encode(b)
	}
	return index.EncodeFlat(b), nil
}
