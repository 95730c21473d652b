// Package packdepot implements a pack-based object storage engine for
// version-control data. Objects are appended in immutable pack files with
// sorted content indexes alongside; a small pack-names registry makes a set
// of packs visible atomically, and an autopack pass keeps the number of
// packs logarithmic in the repository's revision count. All file access
// goes through a URL-addressed transport, so repositories work the same on
// local disk and in memory.
package packdepot

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/packdepot/packdepot/internal/packs"
	"github.com/packdepot/packdepot/internal/vfs"
)

const (
	formatFileName = "format"
	formatFlat     = "Packdepot Repository Format 1 (flat)\n"
	formatBtree    = "Packdepot Repository Format 1 (btree)\n"
)

// Repository is a handle on one repository. Handles are safe for
// concurrent use within a process; between processes, the pack-names
// registry and the lock directories coordinate.
type Repository struct {
	log    *logrus.Logger
	fs     *vfs.FS
	format packs.Format
	col    *packs.Collection
	lock   *vfs.LockDir

	mu         sync.Mutex
	writeLocks int
	readLocks  int
}

// Init creates a new repository at conf.URL and returns an open handle.
// btreeIndexes selects the paged index encoding, which also enables the
// chk record kind.
func Init(ctx context.Context, conf Config, btreeIndexes bool) (*Repository, error) {
	fs := vfs.New(conf.URL)
	if ok, err := fs.Exists(ctx, formatFileName); err != nil {
		return nil, err
	} else if ok {
		return nil, errors.Wrap(ErrRepositoryExists, conf.URL)
	}
	for _, dir := range []string{packs.PacksDir, packs.IndicesDir, packs.UploadDir, packs.ObsoleteDir} {
		if err := fs.Mkdir(ctx, dir); err != nil {
			return nil, err
		}
	}
	tag := formatFlat
	if btreeIndexes {
		tag = formatBtree
	}
	if err := fs.WriteFileAtomic(ctx, []byte(tag), formatFileName); err != nil {
		return nil, err
	}
	return Open(ctx, conf)
}

// Open opens the repository at conf.URL, detecting its index format from
// the format tag file.
func Open(ctx context.Context, conf Config) (*Repository, error) {
	fs := vfs.New(conf.URL)
	tag, err := fs.ReadFile(ctx, formatFileName)
	if err != nil {
		if errors.Is(err, vfs.ErrNotFound) {
			return nil, errors.Wrap(ErrNoRepository, conf.URL)
		}
		return nil, err
	}
	var format packs.Format
	switch strings.TrimSpace(string(tag)) {
	case strings.TrimSpace(formatFlat):
	case strings.TrimSpace(formatBtree):
		format.Btree = true
	default:
		return nil, errors.Errorf("unknown repository format %q at %s", strings.TrimSpace(string(tag)), conf.URL)
	}
	log := conf.logger()
	return &Repository{
		log:    log,
		fs:     fs,
		format: format,
		col:    packs.NewCollection(fs, log, format),
		lock:   vfs.NewLockDir(fs, "lock"),
	}, nil
}

// URL returns the repository root URL.
func (r *Repository) URL() string { return r.fs.BaseURL() }

// BtreeIndexes reports whether this repository uses the paged index
// encoding (and therefore carries the chk kind).
func (r *Repository) BtreeIndexes() bool { return r.format.Btree }

// LockWrite takes the repository write lock. Write locks nest within a
// process; the physical lock is taken on the first acquisition and
// released when the count drops to zero.
func (r *Repository) LockWrite(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writeLocks == 0 {
		if err := r.lock.Acquire(ctx); err != nil {
			return err
		}
	}
	r.writeLocks++
	return nil
}

// LockRead takes a read lock. Reads need no physical lock; the count only
// gates the API so that usage errors surface close to their cause.
func (r *Repository) LockRead(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readLocks++
	// A reader wants a fresh view of the packs.
	if r.readLocks == 1 && r.writeLocks == 0 {
		if _, err := r.col.ReloadNames(ctx); err != nil {
			r.readLocks--
			return err
		}
	}
	return nil
}

// Unlock drops the most recent lock. Dropping the last write lock with a
// write group still open fails; commit or abort first.
func (r *Repository) Unlock(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.writeLocks > 0:
		if r.writeLocks == 1 {
			if r.col.WriteGroupActive() {
				return errors.Wrap(ErrWriteGroupActive, "unlock")
			}
			// Drop the count before surfacing a release error: a broken
			// lock is gone whether or not the holder likes it, and the
			// handle must not stay wedged as write locked.
			r.writeLocks--
			return r.lock.Release(ctx)
		}
		r.writeLocks--
	case r.readLocks > 0:
		r.readLocks--
	default:
		return errors.Wrap(ErrNotLocked, "unlock")
	}
	return nil
}

// IsLocked reports whether this handle holds any lock.
func (r *Repository) IsLocked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writeLocks > 0 || r.readLocks > 0
}

// IsWriteLocked reports whether this handle holds the write lock.
func (r *Repository) IsWriteLocked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writeLocks > 0
}

func (r *Repository) requireLocked() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writeLocks == 0 && r.readLocks == 0 {
		return ErrNotLocked
	}
	return nil
}

func (r *Repository) requireWriteLocked() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writeLocks == 0 {
		return ErrNotWriteLocked
	}
	return nil
}

// BreakLock forcibly removes the repository write lock and the names lock
// left behind by a dead process. Data written under the broken lock stays;
// only the locks go.
func (r *Repository) BreakLock(ctx context.Context) error {
	if err := r.lock.Break(ctx); err != nil {
		return err
	}
	return r.col.BreakNamesLock(ctx)
}

// PeekLock returns the current write lock holder's info, for diagnostics
// before breaking a lock. Nil means the lock is free.
func (r *Repository) PeekLock(ctx context.Context) (*vfs.LockInfo, error) {
	return r.lock.Peek(ctx)
}

// ReloadNames resyncs the in-memory pack view with the registry on disk,
// reporting whether anything changed.
func (r *Repository) ReloadNames(ctx context.Context) (bool, error) {
	return r.col.ReloadNames(ctx)
}

// Pack rewrites the repository into a single pack. A non-nil hint limits
// the combine to the named packs; cleanObsolete empties the quarantine
// afterwards.
func (r *Repository) Pack(ctx context.Context, hint []string, cleanObsolete bool) error {
	if err := r.requireWriteLocked(); err != nil {
		return err
	}
	return r.col.PackAll(ctx, hint, cleanObsolete)
}

// PackNames returns the committed pack names, sorted.
func (r *Repository) PackNames(ctx context.Context) ([]string, error) {
	if err := r.requireLocked(); err != nil {
		return nil, err
	}
	return r.col.Names(ctx)
}
