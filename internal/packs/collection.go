package packs

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/packdepot/packdepot/internal/vfs"
	"github.com/packdepot/packdepot/pkg/index"
	"github.com/packdepot/packdepot/pkg/pack"
)

// Collection is the in-memory view of the repository's packs. It loads the
// pack-names registry lazily, keeps one aggregate per kind, and owns the
// write group state.
//
// All exported methods are safe for concurrent use within one process;
// cross-process coordination happens through pack-names and the lock
// directories.
type Collection struct {
	fs     *vfs.FS
	log    *logrus.Logger
	format Format

	namesLock *vfs.LockDir

	mu          sync.Mutex
	loaded      bool
	names       map[string]pack.Sizes
	namesAtLoad map[string]string
	packs       map[string]*Pack
	aggregates  map[string]*aggregate
	wg          *writeGroup
}

// NewCollection returns a Collection over the repository rooted at fs.
func NewCollection(fs *vfs.FS, log *logrus.Logger, format Format) *Collection {
	c := &Collection{
		fs:         fs,
		log:        log,
		format:     format,
		namesLock:  vfs.NewLockDir(fs, "names-lock"),
		aggregates: map[string]*aggregate{},
	}
	for _, kind := range format.Kinds() {
		c.aggregates[kind.Name] = newAggregate(kind)
	}
	c.resetLocked()
	return c
}

// Format returns the collection's index format.
func (c *Collection) Format() Format { return c.format }

func (c *Collection) agg(kind pack.Kind) *aggregate {
	return c.aggregates[kind.Name]
}

// EnsureLoaded reads the pack-names registry if it has not been read yet.
// It reports whether this call performed the first read.
func (c *Collection) EnsureLoaded(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureLoaded(ctx)
}

func (c *Collection) ensureLoaded(ctx context.Context) (bool, error) {
	if c.loaded {
		return false, nil
	}
	nodes, err := c.readDiskNodes(ctx)
	if err != nil {
		return false, err
	}
	sizesByName := make(map[string]pack.Sizes, len(nodes))
	for name, value := range nodes {
		sizes, err := pack.ParseSizes([]byte(value), len(c.format.Kinds()))
		if err != nil {
			return false, errors.Wrapf(err, "pack-names entry %s", name)
		}
		sizesByName[name] = sizes
	}
	opened, err := c.openAll(ctx, sizesByName)
	if err != nil {
		return false, err
	}
	for name, p := range opened {
		c.names[name] = sizesByName[name]
		c.addPackToMemory(p)
	}
	c.namesAtLoad = nodes
	c.loaded = true
	return true, nil
}

// Reset drops all cached state; the next operation reloads from disk. A
// reset discards any open write group's in-memory data.
func (c *Collection) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

func (c *Collection) resetLocked() {
	for _, a := range c.aggregates {
		a.clear()
	}
	c.names = map[string]pack.Sizes{}
	c.namesAtLoad = nil
	c.packs = map[string]*Pack{}
	c.loaded = false
	c.wg = nil
}

// Names returns the committed pack names in sorted order.
func (c *Collection) Names(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	return c.sortedNames(), nil
}

func (c *Collection) sortedNames() []string {
	out := make([]string, 0, len(c.names))
	for name := range c.names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// readDiskNodes reads the pack-names registry, returning a map of pack name
// to its encoded size tuple. A missing registry file is an empty repository.
func (c *Collection) readDiskNodes(ctx context.Context) (map[string]string, error) {
	data, err := c.fs.ReadFile(ctx, NamesFile)
	if err != nil {
		if errors.Is(err, vfs.ErrNotFound) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	reader, err := index.OpenFlat(data, -1)
	if err != nil {
		return nil, errors.Wrap(err, "pack-names")
	}
	nodes := map[string]string{}
	err = reader.IterAll(func(e index.Entry) error {
		nodes[e.Key[0]] = string(e.Value)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

// openPack opens the index readers of a committed pack, validating each
// index file against the size recorded in pack-names.
func (c *Collection) openPack(ctx context.Context, name string, sizes pack.Sizes) (*Pack, error) {
	kinds := c.format.Kinds()
	if len(sizes.Index) != len(kinds) {
		return nil, errors.Errorf("pack %s: %d index sizes for %d kinds", name, len(sizes.Index), len(kinds))
	}
	p := &Pack{Name: name, Sizes: sizes, indexes: map[string]index.Reader{}}
	for i, kind := range kinds {
		data, err := c.fs.ReadFile(ctx, IndicesDir, pack.IndexFileName(name, kind))
		if err != nil {
			return nil, err
		}
		reader, err := c.format.openIndex(data, sizes.Index[i], kind)
		if err != nil {
			return nil, errors.Wrapf(err, "pack %s %s index", name, kind)
		}
		p.indexes[kind.Name] = reader
	}
	return p, nil
}

// openStagedPack opens a suspended pack from the upload directory. Sizes
// come from the staged files themselves.
func (c *Collection) openStagedPack(ctx context.Context, name string) (*Pack, error) {
	p := &Pack{Name: name, staged: true, indexes: map[string]index.Reader{}}
	for _, kind := range c.format.Kinds() {
		fileName := pack.IndexFileName(name, kind)
		size, err := c.fs.Size(ctx, UploadDir, fileName)
		if err != nil {
			return nil, err
		}
		data, err := c.fs.ReadFile(ctx, UploadDir, fileName)
		if err != nil {
			return nil, err
		}
		reader, err := c.format.openIndex(data, size, kind)
		if err != nil {
			return nil, errors.Wrapf(err, "staged pack %s %s index", name, kind)
		}
		p.indexes[kind.Name] = reader
		p.Sizes.Index = append(p.Sizes.Index, size)
	}
	blobSize, err := c.fs.Size(ctx, UploadDir, pack.FileName(name))
	if err != nil {
		return nil, err
	}
	p.Sizes.Pack = blobSize
	return p, nil
}

// addPackToMemory registers an open pack with every aggregate.
func (c *Collection) addPackToMemory(p *Pack) {
	c.packs[p.Name] = p
	for _, kind := range c.format.Kinds() {
		c.agg(kind).addIndex(p.Index(kind), p.Name)
	}
}

// removePackFromMemory unregisters a pack. Missing indexes are tolerated
// when ignoreMissing is set, for teardown paths that may run after a
// partial removal.
func (c *Collection) removePackFromMemory(p *Pack, ignoreMissing bool) {
	delete(c.packs, p.Name)
	delete(c.names, p.Name)
	for _, kind := range c.format.Kinds() {
		if !c.agg(kind).removeIndex(p.Index(kind)) && !ignoreMissing {
			c.log.WithFields(logrus.Fields{
				"pack": p.Name,
				"kind": kind.Name,
			}).Warn("pack index missing from aggregate during removal")
		}
	}
}

// allocate records a newly committed pack in the names map and the
// aggregates. The pack is reopened from its final on-disk location so that
// what the collection serves is exactly what was written.
func (c *Collection) allocate(ctx context.Context, name string, sizes pack.Sizes) error {
	if _, ok := c.names[name]; ok {
		return errors.Errorf("pack %s already exists in the collection", name)
	}
	p, err := c.openPack(ctx, name, sizes)
	if err != nil {
		return err
	}
	c.names[name] = sizes
	c.addPackToMemory(p)
	return nil
}

// ReloadNames resyncs the in-memory view with the pack-names registry,
// reporting whether anything changed. Callers use it when a file they
// expected to exist has vanished, which happens when another process
// repacked the repository.
func (c *Collection) ReloadNames(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reloadNames(ctx)
}

func (c *Collection) reloadNames(ctx context.Context) (bool, error) {
	first, err := c.ensureLoaded(ctx)
	if err != nil {
		return false, err
	}
	if first {
		return true, nil
	}
	diff, err := c.diffNames(ctx)
	if err != nil {
		return false, err
	}
	c.namesAtLoad = diff.origDisk
	changed, err := c.synchronize(ctx, diff.merged)
	if err != nil {
		return false, err
	}
	return changed, nil
}

// synchronize updates the in-memory packs to match the merged node set,
// reporting whether anything was removed, added, or modified.
func (c *Collection) synchronize(ctx context.Context, nodes map[string]string) (bool, error) {
	changed := false
	for name, p := range c.packs {
		if p.staged {
			continue
		}
		if _, ok := nodes[name]; !ok {
			c.removePackFromMemory(p, false)
			changed = true
		}
	}
	for name, value := range nodes {
		sizes, err := pack.ParseSizes([]byte(value), len(c.format.Kinds()))
		if err != nil {
			return changed, errors.Wrapf(err, "pack-names entry %s", name)
		}
		if existing, ok := c.names[name]; ok {
			if string(existing.Encode()) == value {
				continue
			}
			// The pack's indexes were replaced underneath us. Rare, but
			// reopen rather than serve stale readers.
			c.removePackFromMemory(c.packs[name], false)
			if err := c.allocate(ctx, name, sizes); err != nil {
				return changed, err
			}
			changed = true
			continue
		}
		if err := c.allocate(ctx, name, sizes); err != nil {
			return changed, err
		}
		changed = true
	}
	return changed, nil
}

// TotalRevisions returns the revision count across all committed packs.
func (c *Collection) TotalRevisions(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.ensureLoaded(ctx); err != nil {
		return 0, err
	}
	return c.agg(pack.Revisions).union.KeyCount(), nil
}

// GetRecord returns the decompressed content of key in the given kind,
// searching the open write group first, then the packs in the aggregate's
// current search order. A blob file that vanished mid-read triggers one
// names reload and a retry before the miss is surfaced.
func (c *Collection) GetRecord(ctx context.Context, kind pack.Kind, key index.Key) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	data, err := c.getRecord(ctx, kind, key)
	if err != nil && errors.Is(err, vfs.ErrNotFound) {
		changed, rerr := c.reloadNames(ctx)
		if rerr != nil {
			return nil, rerr
		}
		if changed {
			return c.getRecord(ctx, kind, key)
		}
	}
	return data, err
}

func (c *Collection) getRecord(ctx context.Context, kind pack.Kind, key index.Key) ([]byte, error) {
	if c.wg != nil {
		builder := c.wg.builders[kind.Name]
		if builder != nil {
			entries, _ := builder.Lookup([]index.Key{key})
			if len(entries) == 1 {
				offset, length, err := pack.ParseValue(entries[0].Value)
				if err != nil {
					return nil, err
				}
				return pack.ReadRecord(c.wg.writer.Bytes(), offset, length)
			}
		}
	}
	a := c.agg(kind)
	for _, name := range a.union.Names() {
		p, ok := c.packs[name]
		if !ok {
			continue
		}
		entries, err := p.Index(kind).Lookup([]index.Key{key})
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			continue
		}
		offset, length, err := pack.ParseValue(entries[0].Value)
		if err != nil {
			return nil, errors.Wrapf(err, "pack %s %s index", name, kind)
		}
		data, err := p.record(ctx, c, offset, length)
		if err != nil {
			return nil, err
		}
		a.union.MoveToFrontByName([]string{name})
		return data, nil
	}
	return nil, errors.Wrapf(ErrObjectNotFound, "%s %s", kind, key)
}

// HasKey reports whether the union for kind holds key, uncommitted write
// group data included.
func (c *Collection) HasKey(ctx context.Context, kind pack.Kind, key index.Key) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.ensureLoaded(ctx); err != nil {
		return false, err
	}
	return c.agg(kind).union.HasKey(key)
}

// AllKeys returns every key in the union for kind, in sorted order.
func (c *Collection) AllKeys(ctx context.Context, kind pack.Kind) ([]index.Key, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	var keys []index.Key
	err := c.agg(kind).union.IterAll(func(e index.Entry) error {
		keys = append(keys, e.Key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })
	return keys, nil
}

// Ancestry walks the parent references of keys across the whole repository.
// It returns the parent map and the keys that are referenced but present in
// no pack.
func (c *Collection) Ancestry(ctx context.Context, kind pack.Kind, keys []index.Key, refList int) (map[string][]index.Key, []index.Key, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.ensureLoaded(ctx); err != nil {
		return nil, nil, err
	}
	return c.agg(kind).union.FindAncestry(keys, refList)
}

// Check walks every kind's union and reports, as human-readable problem
// strings, every reference that does not resolve to a present key.
func (c *Collection) Check(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	var problems []string
	for _, kind := range c.format.Kinds() {
		union := c.agg(kind).union
		present := map[string]struct{}{}
		err := union.IterAll(func(e index.Entry) error {
			present[e.Key.String()] = struct{}{}
			return nil
		})
		if err != nil {
			return nil, err
		}
		err = union.IterAll(func(e index.Entry) error {
			for list, refs := range e.Refs {
				for _, ref := range refs {
					if _, ok := present[ref.String()]; !ok {
						problems = append(problems, errors.Errorf(
							"%s: %s list %d references missing %s",
							kind, e.Key, list, ref).Error())
					}
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return problems, nil
}
