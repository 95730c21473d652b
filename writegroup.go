package packdepot

import (
	"context"
)

// StartWriteGroup opens a write group. Data inserted into the group is
// visible through this handle immediately, and to everyone else only after
// CommitWriteGroup. Requires the write lock.
func (r *Repository) StartWriteGroup(ctx context.Context) error {
	if err := r.requireWriteLocked(); err != nil {
		return err
	}
	return r.col.StartWriteGroup(ctx)
}

// CommitWriteGroup makes the group's data durable and visible atomically.
// Every reference recorded during the group must resolve to an object in
// the group, a resumed pack, or a committed pack, or the commit fails with
// ErrMissingParents and the group stays open.
func (r *Repository) CommitWriteGroup(ctx context.Context) error {
	if err := r.requireWriteLocked(); err != nil {
		return err
	}
	_, err := r.col.CommitWriteGroup(ctx)
	return err
}

// AbortWriteGroup discards the open group and any staged files of resumed
// packs. Cleanup failures are returned unless suppressErrors is set, which
// logs them instead; use it when aborting because of an earlier failure
// that the cleanup error would otherwise mask.
func (r *Repository) AbortWriteGroup(ctx context.Context, suppressErrors bool) error {
	if err := r.requireWriteLocked(); err != nil {
		return err
	}
	return r.col.AbortWriteGroup(ctx, suppressErrors)
}

// SuspendWriteGroup stages the group's data without committing it and
// returns one token per staged pack. The tokens resume the group later,
// from this process or another.
func (r *Repository) SuspendWriteGroup(ctx context.Context) ([]string, error) {
	if err := r.requireWriteLocked(); err != nil {
		return nil, err
	}
	return r.col.SuspendWriteGroup(ctx)
}

// ResumeWriteGroup opens a write group and attaches the suspended packs
// named by tokens to it. On failure the group is aborted.
func (r *Repository) ResumeWriteGroup(ctx context.Context, tokens []string) error {
	if err := r.requireWriteLocked(); err != nil {
		return err
	}
	if err := r.col.StartWriteGroup(ctx); err != nil {
		return err
	}
	if err := r.col.ResumeWriteGroup(ctx, tokens); err != nil {
		// Suppress cleanup errors: the resume failure is the one to report.
		if abortErr := r.col.AbortWriteGroup(ctx, true); abortErr != nil {
			r.log.WithError(abortErr).Warn("aborting write group after failed resume")
		}
		return err
	}
	return nil
}

// InWriteGroup reports whether a write group is open on this handle.
func (r *Repository) InWriteGroup() bool {
	return r.col.WriteGroupActive()
}
