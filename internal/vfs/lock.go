package vfs

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// ErrLockContention reports that someone else holds the lock.
var ErrLockContention = errors.New("lock is held by someone else")

// ErrLockBroken reports that a lock we held was broken or stolen.
var ErrLockBroken = errors.New("lock was broken while held")

// LockInfo is the advisory information stored in a held lock directory,
// serialised as YAML so a human can read it off disk when deciding whether
// to break a stale lock.
type LockInfo struct {
	Nonce      string    `yaml:"nonce"`
	Host       string    `yaml:"host"`
	PID        int       `yaml:"pid"`
	AcquiredAt time.Time `yaml:"acquired_at"`
}

// LockDir is an advisory lock built from transport primitives only: a
// populated directory is renamed into the well-known "held" location, and
// the rename either wins or fails. It works on any afs scheme that gives
// rename-like Move semantics, which both file:// and mem:// do locally.
type LockDir struct {
	fs    *FS
	path  string
	nonce string
	held  bool
}

// NewLockDir returns a lock rooted at the directory path (relative to the
// FS base), e.g. "lock" or "names-lock".
func NewLockDir(fs *FS, path string) *LockDir {
	return &LockDir{fs: fs, path: path}
}

func (l *LockDir) heldInfoPath() []string {
	return []string{l.path, "held", "info"}
}

// Acquire takes the lock or fails with ErrLockContention. The sequence is:
// refuse if a holder is already visible, write an info file into a uniquely
// named pending directory, rename the directory to "held", then read the
// info back and compare nonces. Rename cannot be trusted to fail on
// collision (some transports replace or merge the target), so the holder
// check runs before the move and the nonce read-back confirms the move
// afterwards.
func (l *LockDir) Acquire(ctx context.Context) error {
	if l.held {
		return errors.Errorf("lock %s already held by this handle", l.path)
	}
	if err := l.fs.Mkdir(ctx, l.path); err != nil {
		return err
	}
	holder, err := l.Peek(ctx)
	if err != nil {
		return err
	}
	if holder != nil {
		return errors.Wrapf(ErrLockContention,
			"lock %s held by %s (pid %d)", l.path, holder.Host, holder.PID)
	}
	nonce := uuid.NewString()
	host, _ := os.Hostname()
	info := LockInfo{
		Nonce:      nonce,
		Host:       host,
		PID:        os.Getpid(),
		AcquiredAt: time.Now().UTC(),
	}
	data, err := yaml.Marshal(info)
	if err != nil {
		return errors.Wrap(err, "marshal lock info")
	}
	pending := l.path + "/pending-" + nonce
	if err := l.fs.WriteFile(ctx, data, pending, "info"); err != nil {
		return err
	}
	if err := l.fs.Move(ctx, pending, l.path+"/held"); err != nil {
		_ = l.fs.Delete(ctx, pending)
		return errors.Wrapf(ErrLockContention, "lock %s: %v", l.path, err)
	}
	// Confirm we are the holder: the window between the check and the move
	// stays detectable through the nonce.
	current, err := l.Peek(ctx)
	if err != nil || current == nil || current.Nonce != nonce {
		return errors.Wrapf(ErrLockContention, "lock %s taken concurrently", l.path)
	}
	l.nonce = nonce
	l.held = true
	return nil
}

// Release drops the lock. If the held info no longer carries our nonce the
// lock was broken or stolen, which is reported as ErrLockBroken after
// leaving the foreign lock in place.
func (l *LockDir) Release(ctx context.Context) error {
	if !l.held {
		return errors.Errorf("lock %s not held by this handle", l.path)
	}
	l.held = false
	current, err := l.Peek(ctx)
	if err != nil {
		return err
	}
	if current == nil || current.Nonce != l.nonce {
		return errors.Wrapf(ErrLockBroken, "lock %s", l.path)
	}
	return l.fs.Delete(ctx, l.path, "held")
}

// Held reports whether this handle currently holds the lock.
func (l *LockDir) Held() bool { return l.held }

// Peek returns the current holder's info, or nil when the lock is free.
func (l *LockDir) Peek(ctx context.Context) (*LockInfo, error) {
	data, err := l.fs.ReadFile(ctx, l.heldInfoPath()...)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var info LockInfo
	if err := yaml.Unmarshal(data, &info); err != nil {
		return nil, errors.Wrapf(err, "lock %s: bad info file", l.path)
	}
	return &info, nil
}

// Break forcibly removes the held lock, whoever owns it. Breaking a free
// lock is a no-op.
func (l *LockDir) Break(ctx context.Context) error {
	ok, err := l.fs.Exists(ctx, l.path, "held")
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return l.fs.Delete(ctx, l.path, "held")
}
