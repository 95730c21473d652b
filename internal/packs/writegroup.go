package packs

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/packdepot/packdepot/internal/vfs"
	"github.com/packdepot/packdepot/pkg/index"
	"github.com/packdepot/packdepot/pkg/pack"
)

// writableName is the aggregate constituent name for the open write
// group's builders. It can never collide with a pack name, which is always
// a hex digest.
const writableName = "<new-pack>"

// writeGroup is the state of an open write group: the in-memory pack blob
// being accumulated, one index builder and one dependency tracker per kind,
// and any suspended packs resumed into this group.
type writeGroup struct {
	writer       *pack.Writer
	builders     map[string]*index.Builder
	refs         map[string]*index.KeyRefs
	resumed      []*Pack
	dataInserted bool
	// finalized is set once the group's files are written and moved into
	// place and its packs allocated in memory. A commit retried after a
	// registry-save failure must not redo the file work.
	finalized bool
	// allocated are the pack names this group put into place, kept so an
	// abort after a failed save can retire them again.
	allocated []string
}

// StartWriteGroup opens a write group. Only one group may be open per
// collection.
func (c *Collection) StartWriteGroup(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.ensureLoaded(ctx); err != nil {
		return err
	}
	if c.wg != nil {
		return ErrWriteGroupActive
	}
	wg := &writeGroup{
		writer:   pack.NewWriter(),
		builders: map[string]*index.Builder{},
		refs:     map[string]*index.KeyRefs{},
	}
	for _, kind := range c.format.Kinds() {
		builder := index.NewBuilder(kind.KeyWidth, kind.RefLists)
		wg.builders[kind.Name] = builder
		wg.refs[kind.Name] = index.NewKeyRefs()
		c.agg(kind).setWritable(builder, writableName)
	}
	c.wg = wg
	return nil
}

// WriteGroupActive reports whether a write group is open.
func (c *Collection) WriteGroupActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wg != nil
}

// Insert adds one record to the open write group. Re-inserting a key with
// identical content is a no-op; different content for an existing key is an
// error. References may name objects that do not exist yet; they are
// checked at commit.
func (c *Collection) Insert(ctx context.Context, kind pack.Kind, key index.Key, content []byte, refs [][]index.Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wg == nil {
		return ErrNoWriteGroup
	}
	builder := c.wg.builders[kind.Name]
	if builder == nil {
		return errors.Errorf("repository format does not carry the %s kind", kind)
	}
	if entries, _ := builder.Lookup([]index.Key{key}); len(entries) == 1 {
		offset, length, err := pack.ParseValue(entries[0].Value)
		if err != nil {
			return err
		}
		existing, err := pack.ReadRecord(c.wg.writer.Bytes(), offset, length)
		if err != nil {
			return err
		}
		if string(existing) == string(content) && sameRefs(entries[0].Refs, refs) {
			return nil
		}
		return errors.Errorf("%s %s already inserted with different content", kind, key)
	}
	offset, length, err := c.wg.writer.Add(content)
	if err != nil {
		return err
	}
	if err := builder.Add(key, pack.EncodeValue(offset, length), refs); err != nil {
		return err
	}
	var flat []index.Key
	for _, list := range refs {
		flat = append(flat, list...)
	}
	c.wg.refs[kind.Name].Add(key, flat)
	c.wg.dataInserted = true
	return nil
}

func sameRefs(a, b [][]index.Key) bool {
	for i := 0; i < len(a) || i < len(b); i++ {
		var la, lb []index.Key
		if i < len(a) {
			la = a[i]
		}
		if i < len(b) {
			lb = b[i]
		}
		if len(la) != len(lb) {
			return false
		}
		for j := range la {
			if la[j].Compare(lb[j]) != 0 {
				return false
			}
		}
	}
	return true
}

// missingReferences collects, per kind, every reference of the write group
// (new inserts and resumed packs alike) that resolves nowhere: not in the
// group, not in a resumed pack, not in any committed pack.
func (c *Collection) missingReferences(kind pack.Kind) ([]index.Key, error) {
	candidates := c.wg.refs[kind.Name].Unsatisfied()
	for _, p := range c.wg.resumed {
		for list := 0; list < kind.RefLists; list++ {
			external, err := p.Index(kind).ExternalRefs(list)
			if err != nil {
				return nil, err
			}
			candidates = append(candidates, external...)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	return c.agg(kind).union.MissingKeys(candidates)
}

// CommitWriteGroup closes the group, making its data visible: the staged
// blob and indexes are written and moved into place, resumed packs are
// promoted, the registry is saved, and autopack runs if the pack count now
// exceeds its bound. Before any of that, every reference recorded during
// the group must resolve, or the commit fails with ErrMissingParents.
//
// A failed commit leaves the group open so the caller can inspect, retry,
// or abort; retrying after a registry-save failure skips the already
// completed file work.
func (c *Collection) CommitWriteGroup(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wg == nil {
		return nil, ErrNoWriteGroup
	}
	if !c.wg.finalized {
		for _, kind := range c.format.Kinds() {
			missing, err := c.missingReferences(kind)
			if err != nil {
				return nil, err
			}
			if len(missing) > 0 {
				sort.Slice(missing, func(i, j int) bool { return missing[i].Compare(missing[j]) < 0 })
				return nil, errors.Wrapf(ErrMissingParents, "%s: %v", kind, missing)
			}
		}

		for _, kind := range c.format.Kinds() {
			c.agg(kind).clearWritable()
		}
		if c.wg.dataInserted {
			name, sizes, err := c.finishPackFiles(ctx, c.wg.writer, c.wg.builders, false)
			if err != nil {
				return nil, err
			}
			if err := c.allocate(ctx, name, sizes); err != nil {
				return nil, err
			}
			c.wg.allocated = append(c.wg.allocated, name)
		}
		for _, p := range c.wg.resumed {
			c.removePackFromMemory(p, true)
			if err := c.promoteStagedPack(ctx, p); err != nil {
				return nil, err
			}
			if err := c.allocate(ctx, p.Name, p.Sizes); err != nil {
				return nil, err
			}
			c.wg.allocated = append(c.wg.allocated, p.Name)
		}
		c.wg.finalized = true
	}
	if len(c.wg.allocated) == 0 {
		c.wg = nil
		return nil, nil
	}
	names, packed, err := c.autopack(ctx)
	if err != nil {
		return nil, err
	}
	if !packed {
		names, err = c.saveNames(ctx, false, nil)
		if err != nil {
			return nil, err
		}
	}
	c.wg = nil
	return names, nil
}

// promoteStagedPack moves a suspended pack's files from the upload
// directory to their committed locations.
func (c *Collection) promoteStagedPack(ctx context.Context, p *Pack) error {
	fileName := pack.FileName(p.Name)
	if err := c.fs.Move(ctx, UploadDir+"/"+fileName, PacksDir+"/"+fileName); err != nil {
		return err
	}
	for _, kind := range c.format.Kinds() {
		indexName := pack.IndexFileName(p.Name, kind)
		if err := c.fs.Move(ctx, UploadDir+"/"+indexName, IndicesDir+"/"+indexName); err != nil {
			return err
		}
	}
	return nil
}

// SuspendWriteGroup stages the group's data in the upload directory and
// returns the tokens needed to resume it later, one per staged pack. A
// group that resumed earlier groups returns their tokens too. A group with
// no data returns no tokens.
func (c *Collection) SuspendWriteGroup(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wg == nil {
		return nil, ErrNoWriteGroup
	}
	var tokens []string
	for _, p := range c.wg.resumed {
		tokens = append(tokens, p.Name)
	}
	for _, kind := range c.format.Kinds() {
		c.agg(kind).clearWritable()
	}
	if c.wg.dataInserted {
		name, _, err := c.finishPackFiles(ctx, c.wg.writer, c.wg.builders, true)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, name)
	}
	for _, p := range c.wg.resumed {
		c.removePackFromMemory(p, true)
	}
	c.wg = nil
	return tokens, nil
}

// ResumeWriteGroup attaches previously suspended packs to the open write
// group. Tokens are validated as pack names before any path is formed;
// malformed tokens and tokens whose staged files are gone both fail with
// ErrUnresumableToken.
func (c *Collection) ResumeWriteGroup(ctx context.Context, tokens []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wg == nil {
		return ErrNoWriteGroup
	}
	for _, token := range tokens {
		if !pack.ValidName(token) {
			return errors.Wrapf(ErrUnresumableToken, "malformed token %q", token)
		}
		p, err := c.openStagedPack(ctx, token)
		if err != nil {
			if errors.Is(err, vfs.ErrNotFound) {
				return errors.Wrapf(ErrUnresumableToken, "token %s: staged files are gone", token)
			}
			return err
		}
		c.addPackToMemory(p)
		c.wg.resumed = append(c.wg.resumed, p)
	}
	return nil
}

// AbortWriteGroup discards the open group: in-memory data is dropped, the
// staged files of any resumed packs are deleted, and packs a failed commit
// already moved into place are retired again. Every cleanup step runs
// regardless of earlier failures and the group always ends closed; the
// aggregated deletion error is returned unless suppressErrors is set, for
// callers that are aborting because of an earlier failure and must not
// mask it.
func (c *Collection) AbortWriteGroup(ctx context.Context, suppressErrors bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wg == nil {
		return ErrNoWriteGroup
	}
	var firstErr error
	fail := func(file string, err error) {
		c.log.WithField("file", file).WithError(err).
			Warn("could not delete write group file during abort")
		if firstErr == nil {
			firstErr = errors.Wrapf(err, "abort: deleting %s", file)
		}
	}
	for _, kind := range c.format.Kinds() {
		c.agg(kind).clearWritable()
	}
	for _, name := range c.wg.allocated {
		if p, ok := c.packs[name]; ok {
			c.removePackFromMemory(p, true)
		}
		fileName := pack.FileName(name)
		if err := c.fs.Delete(ctx, PacksDir, fileName); err != nil {
			fail(fileName, err)
		}
		for _, kind := range c.format.Kinds() {
			indexName := pack.IndexFileName(name, kind)
			if err := c.fs.Delete(ctx, IndicesDir, indexName); err != nil {
				fail(indexName, err)
			}
		}
	}
	if !c.wg.finalized {
		for _, p := range c.wg.resumed {
			c.removePackFromMemory(p, true)
			fileName := pack.FileName(p.Name)
			if err := c.fs.Delete(ctx, UploadDir, fileName); err != nil {
				fail(fileName, err)
			}
			for _, kind := range c.format.Kinds() {
				indexName := pack.IndexFileName(p.Name, kind)
				if err := c.fs.Delete(ctx, UploadDir, indexName); err != nil {
					fail(indexName, err)
				}
			}
		}
	}
	c.wg = nil
	if suppressErrors {
		return nil
	}
	return firstErr
}
