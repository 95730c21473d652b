package packs

import (
	"context"
	"sort"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/packdepot/packdepot/internal/vfs"
	"github.com/packdepot/packdepot/pkg/index"
	"github.com/packdepot/packdepot/pkg/pack"
)

// maxPackCount returns how many packs a repository of totalRevisions may
// hold before autopack kicks in: the sum of the decimal digits of the
// revision count. An empty repository still allows one pack.
func maxPackCount(totalRevisions int) int {
	if totalRevisions <= 0 {
		return 1
	}
	count := 0
	for n := totalRevisions; n > 0; n /= 10 {
		count += n % 10
	}
	return count
}

// packDistribution returns the desired revision count of each pack, largest
// first, from the decimal digit decomposition of the total: 132 revisions
// become [100 10 10 10 1 1].
func packDistribution(totalRevisions int) []int {
	if totalRevisions == 0 {
		return []int{0}
	}
	var reversed []int
	size := 1
	for n := totalRevisions; n > 0; n /= 10 {
		for i := 0; i < n%10; i++ {
			reversed = append(reversed, size)
		}
		size *= 10
	}
	out := make([]int, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		out = append(out, reversed[i])
	}
	return out
}

// packOperation is one planned combine: the packs to merge and the revision
// count they carry.
type packOperation struct {
	revCount int
	packs    []*Pack
}

// planAutopackCombinations decides which packs to combine so that the pack
// counts follow the distribution. Packs that already fill a distribution
// slot are left untouched; the undersized remainder is merged into a single
// new pack.
func planAutopackCombinations(existing []*Pack, distribution []int) ([]packOperation, error) {
	if len(existing) <= len(distribution) {
		return nil, nil
	}
	sorted := append([]*Pack(nil), existing...)
	sort.Slice(sorted, func(i, j int) bool {
		ri, rj := sorted[i].RevisionCount(), sorted[j].RevisionCount()
		if ri != rj {
			return ri > rj
		}
		return sorted[i].Name > sorted[j].Name
	})
	dist := append([]int(nil), distribution...)
	ops := []packOperation{{}}
	for _, p := range sorted {
		revCount := p.RevisionCount()
		if len(dist) > 0 && revCount >= dist[0] {
			// Already packed at least as well as the distribution asks;
			// consume the slots it covers instead of rewriting it.
			for revCount > 0 {
				revCount -= dist[0]
				if revCount >= 0 {
					dist = dist[1:]
				} else {
					dist[0] = -revCount
				}
			}
			continue
		}
		last := &ops[len(ops)-1]
		last.revCount += revCount
		last.packs = append(last.packs, p)
		if len(dist) > 0 && last.revCount >= dist[0] {
			dist = dist[1:]
			ops = append(ops, packOperation{})
		}
	}
	// Collapse into a single combine so one autopack writes one new pack.
	var final packOperation
	for _, op := range ops {
		final.revCount += op.revCount
		final.packs = append(final.packs, op.packs...)
	}
	if len(final.packs) == 0 {
		return nil, nil
	}
	if len(final.packs) == 1 {
		return nil, errors.Errorf("autopack planned a combine of a single pack %s", final.packs[0].Name)
	}
	return []packOperation{final}, nil
}

// Autopack combines packs when their count exceeds the bound for the
// current revision total. It reports the names saved to the registry and
// whether any packing took place. Source packs that vanish mid-copy
// (because another process packed them first) trigger a names reload and a
// bounded retry.
func (c *Collection) Autopack(ctx context.Context) ([]string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.ensureLoaded(ctx); err != nil {
		return nil, false, err
	}
	return c.autopack(ctx)
}

func (c *Collection) autopack(ctx context.Context) (newNames []string, packed bool, err error) {
	operation := func() error {
		names, did, opErr := c.doAutopack(ctx)
		if opErr != nil {
			if errors.Is(opErr, vfs.ErrNotFound) {
				changed, rerr := c.reloadNames(ctx)
				if rerr == nil && changed {
					return opErr
				}
			}
			return backoff.Permanent(opErr)
		}
		newNames, packed = names, did
		return nil
	}
	err = backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx))
	return newNames, packed, err
}

func (c *Collection) doAutopack(ctx context.Context) ([]string, bool, error) {
	totalRevisions := c.agg(pack.Revisions).union.KeyCount()
	totalPacks := len(c.names)
	if maxPackCount(totalRevisions) >= totalPacks {
		return nil, false, nil
	}
	distribution := packDistribution(totalRevisions)
	var existing []*Pack
	for _, name := range c.sortedNames() {
		p := c.packs[name]
		// Packs with no revisions come from signature-only operations;
		// combining them would rewrite ancient history for no gain.
		if p.RevisionCount() == 0 {
			continue
		}
		existing = append(existing, p)
	}
	ops, err := planAutopackCombinations(existing, distribution)
	if err != nil {
		return nil, false, err
	}
	if len(ops) == 0 {
		return nil, false, nil
	}
	c.log.WithFields(logrus.Fields{
		"total_packs":     totalPacks,
		"total_revisions": totalRevisions,
		"combining":       len(ops[0].packs),
	}).Info("auto-packing repository")
	names, err := c.executePackOperations(ctx, ops)
	if err != nil {
		return nil, false, err
	}
	c.log.Info("auto-packing completed")
	return names, true, nil
}

// executePackOperations copies each planned combine into a new pack,
// retires the sources, and saves the registry with the sources quarantined.
func (c *Collection) executePackOperations(ctx context.Context, ops []packOperation) ([]string, error) {
	var obsolete []*Pack
	for _, op := range ops {
		if len(op.packs) <= 1 {
			continue
		}
		name, sizes, err := c.copyPacks(ctx, op.packs)
		if err != nil {
			return nil, err
		}
		for _, p := range op.packs {
			c.removePackFromMemory(p, false)
		}
		if err := c.allocate(ctx, name, sizes); err != nil {
			return nil, err
		}
		obsolete = append(obsolete, op.packs...)
	}
	return c.saveNames(ctx, true, obsolete)
}

// copyPacks streams every record of the source packs into one new pack,
// first source wins on duplicate keys, and writes its files into place.
func (c *Collection) copyPacks(ctx context.Context, sources []*Pack) (string, pack.Sizes, error) {
	writer := pack.NewWriter()
	builders := map[string]*index.Builder{}
	for _, kind := range c.format.Kinds() {
		builder := index.NewBuilder(kind.KeyWidth, kind.RefLists)
		seen := map[string]struct{}{}
		for _, src := range sources {
			err := src.Index(kind).IterAll(func(e index.Entry) error {
				id := e.Key.String()
				if _, ok := seen[id]; ok {
					return nil
				}
				seen[id] = struct{}{}
				offset, length, err := pack.ParseValue(e.Value)
				if err != nil {
					return errors.Wrapf(err, "pack %s %s index", src.Name, kind)
				}
				content, err := src.record(ctx, c, offset, length)
				if err != nil {
					return err
				}
				newOffset, newLength, err := writer.Add(content)
				if err != nil {
					return err
				}
				return builder.Add(e.Key, pack.EncodeValue(newOffset, newLength), e.Refs)
			})
			if err != nil {
				return "", pack.Sizes{}, err
			}
		}
		builders[kind.Name] = builder
	}
	return c.finishPackFiles(ctx, writer, builders, false)
}

// finishPackFiles stages the blob, verifies it by re-reading through the
// transport and re-hashing, writes the index files, and (unless suspending)
// moves the blob to its final location. It returns the pack's name and the
// size tuple for the registry.
func (c *Collection) finishPackFiles(ctx context.Context, writer *pack.Writer, builders map[string]*index.Builder, suspend bool) (string, pack.Sizes, error) {
	name := writer.Name()
	blob := writer.Bytes()
	stagedName := pack.FileName(name)
	if err := c.fs.WriteFile(ctx, blob, UploadDir, stagedName); err != nil {
		return "", pack.Sizes{}, err
	}
	readBack, err := c.fs.ReadFile(ctx, UploadDir, stagedName)
	if err != nil {
		return "", pack.Sizes{}, err
	}
	if pack.NameOf(readBack) != name {
		_ = c.fs.Delete(ctx, UploadDir, stagedName)
		return "", pack.Sizes{}, errors.Wrapf(pack.ErrCorrupted,
			"staged pack %s did not read back with the same digest", name)
	}

	indexDir := IndicesDir
	if suspend {
		indexDir = UploadDir
	}
	var sizes pack.Sizes
	for _, kind := range c.format.Kinds() {
		data, err := c.format.encodeIndex(builders[kind.Name])
		if err != nil {
			return "", pack.Sizes{}, errors.Wrapf(err, "pack %s %s index", name, kind)
		}
		if err := c.fs.WriteFile(ctx, data, indexDir, pack.IndexFileName(name, kind)); err != nil {
			return "", pack.Sizes{}, err
		}
		sizes.Index = append(sizes.Index, int64(len(data)))
	}
	sizes.Pack = int64(len(blob))

	if !suspend {
		if err := c.fs.Move(ctx, UploadDir+"/"+stagedName, PacksDir+"/"+stagedName); err != nil {
			return "", pack.Sizes{}, err
		}
	}
	return name, sizes, nil
}

// PackAll combines the repository's packs into one. A non-nil hint
// restricts the combine to the named packs; cleanObsolete additionally
// empties the quarantine afterwards. A repository that already has at most
// one pack is left alone.
func (c *Collection) PackAll(ctx context.Context, hint []string, cleanObsolete bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.ensureLoaded(ctx); err != nil {
		return err
	}
	if len(c.names) > 1 {
		hintSet := map[string]struct{}{}
		for _, h := range hint {
			hintSet[h] = struct{}{}
		}
		c.log.WithFields(logrus.Fields{
			"total_packs": len(c.names),
			"hint":        hint,
		}).Info("packing repository")
		// The operation plan is rebuilt on every attempt: a retry after a
		// names reload must work against the packs that now exist.
		operation := func() error {
			var op packOperation
			for _, name := range c.sortedNames() {
				if hint != nil {
					if _, ok := hintSet[name]; !ok {
						continue
					}
				}
				p := c.packs[name]
				op.revCount += p.RevisionCount()
				op.packs = append(op.packs, p)
			}
			_, err := c.executePackOperations(ctx, []packOperation{op})
			if err != nil && errors.Is(err, vfs.ErrNotFound) {
				changed, rerr := c.reloadNames(ctx)
				if rerr == nil && changed {
					return err
				}
			}
			if err != nil {
				return backoff.Permanent(err)
			}
			return nil
		}
		err := backoff.Retry(operation, backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx))
		if err != nil {
			return err
		}
	}
	if cleanObsolete {
		c.clearObsoletePacks(ctx, nil)
	}
	return nil
}
