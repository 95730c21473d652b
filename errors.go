package packdepot

import (
	"github.com/pkg/errors"

	"github.com/packdepot/packdepot/internal/packs"
	"github.com/packdepot/packdepot/internal/vfs"
	"github.com/packdepot/packdepot/pkg/index"
	"github.com/packdepot/packdepot/pkg/pack"
)

// Sentinel errors of the repository API. Callers discriminate with
// errors.Is; the returned errors carry wrapped context.
var (
	// ErrNoRepository reports that the URL holds no repository.
	ErrNoRepository = errors.New("no repository found")
	// ErrRepositoryExists reports an Init against an initialised URL.
	ErrRepositoryExists = errors.New("repository already exists")
	// ErrNotLocked reports an operation that requires a lock the caller
	// does not hold.
	ErrNotLocked = errors.New("repository is not locked")
	// ErrNotWriteLocked reports a mutating operation under a read lock or
	// no lock.
	ErrNotWriteLocked = errors.New("repository is not write locked")

	// ErrObjectNotFound reports a read of an object no pack holds.
	ErrObjectNotFound = packs.ErrObjectNotFound
	// ErrMissingParents reports a commit whose references do not resolve.
	ErrMissingParents = packs.ErrMissingParents
	// ErrNoWriteGroup reports a write-group operation with no group open.
	ErrNoWriteGroup = packs.ErrNoWriteGroup
	// ErrWriteGroupActive reports starting a group while one is open, or
	// unlocking with one open.
	ErrWriteGroupActive = packs.ErrWriteGroupActive
	// ErrUnresumableToken reports a resume token that is malformed or
	// whose staged data is gone.
	ErrUnresumableToken = packs.ErrUnresumableToken

	// ErrPackCorrupted reports pack bytes that fail structural checks or
	// digest verification.
	ErrPackCorrupted = pack.ErrCorrupted
	// ErrBadIndexData reports index bytes that fail structural checks.
	ErrBadIndexData = index.ErrBadData

	// ErrLockContention reports that another process holds a lock.
	ErrLockContention = vfs.ErrLockContention
	// ErrLockBroken reports that a lock this handle held was broken.
	ErrLockBroken = vfs.ErrLockBroken
)
