package packs

import "github.com/pkg/errors"

var (
	// ErrMissingParents reports that committing or checking found
	// references to objects present nowhere in the repository.
	ErrMissingParents = errors.New("references to missing objects")

	// ErrWriteGroupActive reports an attempt to start a write group while
	// one is already open.
	ErrWriteGroupActive = errors.New("a write group is already active")

	// ErrNoWriteGroup reports a write-group operation with no group open.
	ErrNoWriteGroup = errors.New("no write group is active")

	// ErrUnresumableToken reports a malformed resume token or one whose
	// staged files are gone.
	ErrUnresumableToken = errors.New("write group token cannot be resumed")

	// ErrObjectNotFound reports a read of a key no pack holds.
	ErrObjectNotFound = errors.New("object not found")
)
