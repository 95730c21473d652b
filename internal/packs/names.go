package packs

import (
	"context"
	"sort"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/packdepot/packdepot/internal/vfs"
	"github.com/packdepot/packdepot/pkg/index"
)

// namesDiff is the three-way comparison between the pack-names registry on
// disk, the registry as it looked when we loaded it, and our in-memory
// state. Node maps carry pack name to encoded size tuple; a node matches
// only when both name and value match.
type namesDiff struct {
	// merged is the registry that should be written: the disk nodes, minus
	// what we deleted, plus what we added.
	merged map[string]string
	// added are the nodes this process introduced.
	added map[string]string
	// deleted are the nodes this process removed since load.
	deleted map[string]string
	// origDisk is the registry as read from disk just now.
	origDisk map[string]string
}

// diffNames reads the registry from disk and merges it with our changes.
// Changes made concurrently by other processes survive the merge: we only
// remove the exact nodes we saw at load time and have since dropped.
func (c *Collection) diffNames(ctx context.Context) (*namesDiff, error) {
	disk, err := c.readDiskNodes(ctx)
	if err != nil {
		return nil, err
	}
	origDisk := map[string]string{}
	merged := map[string]string{}
	for name, value := range disk {
		origDisk[name] = value
		merged[name] = value
	}

	current := map[string]string{}
	for name, sizes := range c.names {
		current[name] = string(sizes.Encode())
	}

	deleted := map[string]string{}
	for name, value := range c.namesAtLoad {
		if cur, ok := current[name]; !ok || cur != value {
			deleted[name] = value
		}
	}
	added := map[string]string{}
	for name, value := range current {
		if prev, ok := c.namesAtLoad[name]; !ok || prev != value {
			added[name] = value
		}
	}

	for name, value := range deleted {
		if merged[name] == value {
			delete(merged, name)
		}
	}
	for name, value := range added {
		merged[name] = value
	}
	return &namesDiff{merged: merged, added: added, deleted: deleted, origDisk: origDisk}, nil
}

// BreakNamesLock forcibly removes the names lock left behind by a dead
// process.
func (c *Collection) BreakNamesLock(ctx context.Context) error {
	return c.namesLock.Break(ctx)
}

// saveNames writes the merged registry under the names lock, then brings
// the in-memory state in line with what was written and quarantines the
// obsoleted packs. It returns the names this save newly introduced.
// Contention on the names lock is retried with a bounded backoff; the
// holder is another writer's short critical section, not a deadlock.
func (c *Collection) saveNames(ctx context.Context, clearObsolete bool, obsolete []*Pack) ([]string, error) {
	acquire := func() error {
		err := c.namesLock.Acquire(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, vfs.ErrLockContention) {
			return err
		}
		return backoff.Permanent(err)
	}
	if err := backoff.Retry(acquire, backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)); err != nil {
		return nil, err
	}
	defer func() {
		if err := c.namesLock.Release(ctx); err != nil {
			c.log.WithError(err).Warn("releasing names lock")
		}
	}()

	diff, err := c.diffNames(ctx)
	if err != nil {
		return nil, err
	}
	builder := index.NewBuilder(1, 0)
	for name, value := range diff.merged {
		if err := builder.Add(index.Key{name}, []byte(value), nil); err != nil {
			return nil, err
		}
	}
	if err := c.fs.WriteFileAtomic(ctx, index.EncodeFlat(builder), NamesFile); err != nil {
		return nil, err
	}
	c.namesAtLoad = diff.merged

	var alreadyObsolete map[string]struct{}
	if clearObsolete {
		preserve := map[string]struct{}{}
		for _, p := range obsolete {
			preserve[p.Name] = struct{}{}
		}
		found := c.clearObsoletePacks(ctx, preserve)
		alreadyObsolete = map[string]struct{}{}
		for _, name := range found {
			alreadyObsolete[name] = struct{}{}
		}
	}

	if _, err := c.synchronize(ctx, diff.merged); err != nil {
		return nil, err
	}

	if len(obsolete) > 0 {
		toMove := obsolete[:0:0]
		for _, p := range obsolete {
			if _, ok := alreadyObsolete[p.Name]; ok {
				continue
			}
			toMove = append(toMove, p)
		}
		c.obsoletePacks(ctx, toMove)
	}

	newNames := make([]string, 0, len(diff.added))
	for name := range diff.added {
		newNames = append(newNames, name)
	}
	sort.Strings(newNames)
	return newNames, nil
}
