package packs

import (
	"github.com/packdepot/packdepot/pkg/index"
	"github.com/packdepot/packdepot/pkg/pack"
)

// aggregate is the per-kind view over all packs: the union of every
// committed pack's index for this kind, plus the write group's in-memory
// builder while one is open. The writable builder sits at the front of the
// union so uncommitted data shadows nothing and is found first.
type aggregate struct {
	kind     pack.Kind
	union    *index.Combined
	writable *index.Builder
}

func newAggregate(kind pack.Kind) *aggregate {
	return &aggregate{kind: kind, union: index.NewCombined(nil, nil)}
}

// addIndex registers a committed pack's index under the pack's name. New
// packs go to the front; recently written data is the likeliest target of
// the next query.
func (a *aggregate) addIndex(r index.Reader, name string) {
	a.union.InsertIndex(0, r, name)
}

func (a *aggregate) removeIndex(r index.Reader) bool {
	return a.union.RemoveIndex(r)
}

// setWritable registers the open write group's builder.
func (a *aggregate) setWritable(b *index.Builder, name string) {
	a.writable = b
	a.union.InsertIndex(0, b, name)
}

// clearWritable removes the builder from the union, tolerating a builder
// that was already removed by an earlier teardown step.
func (a *aggregate) clearWritable() {
	if a.writable != nil {
		a.union.RemoveIndex(a.writable)
		a.writable = nil
	}
}

func (a *aggregate) clear() {
	a.union.Clear()
	a.writable = nil
}
