package packs

import (
	"context"

	"github.com/pkg/errors"

	"github.com/packdepot/packdepot/pkg/index"
	"github.com/packdepot/packdepot/pkg/pack"
)

// Pack is an open pack: its name, the recorded sizes of its files, and one
// index reader per kind. The blob itself is downloaded lazily on the first
// record read and cached for the lifetime of the descriptor.
type Pack struct {
	Name    string
	Sizes   pack.Sizes
	indexes map[string]index.Reader
	// staged marks a suspended write group's pack, whose files still live
	// in the upload directory.
	staged bool
	blob   []byte
}

// Index returns the reader for the given kind, or nil for a kind this pack
// does not carry.
func (p *Pack) Index(kind pack.Kind) index.Reader {
	return p.indexes[kind.Name]
}

// RevisionCount returns the number of revisions in this pack, which drives
// the autopack distribution.
func (p *Pack) RevisionCount() int {
	idx := p.indexes[pack.Revisions.Name]
	if idx == nil {
		return 0
	}
	return idx.KeyCount()
}

func (p *Pack) dir() string {
	if p.staged {
		return UploadDir
	}
	return PacksDir
}

// record reads and decompresses one record span out of the pack blob,
// fetching the blob on first use.
func (p *Pack) record(ctx context.Context, c *Collection, offset, length int64) ([]byte, error) {
	if p.blob == nil {
		data, err := c.fs.ReadFile(ctx, p.dir(), pack.FileName(p.Name))
		if err != nil {
			return nil, err
		}
		if err := pack.CheckMagic(data); err != nil {
			return nil, errors.Wrapf(err, "pack %s", p.Name)
		}
		p.blob = data
	}
	data, err := pack.ReadRecord(p.blob, offset, length)
	if err != nil {
		return nil, errors.Wrapf(err, "pack %s", p.Name)
	}
	return data, nil
}
