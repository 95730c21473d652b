// Package vfs is the repository's transport layer. All file access goes
// through an afs.Service, so a repository works identically over file://
// and mem:// URLs, and tests can run against pure in-memory storage.
package vfs

import (
	"bytes"
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/storage"
	"github.com/viant/afs/url"
)

// ErrNotFound is wrapped around reads and stats of paths that do not exist.
var ErrNotFound = errors.New("no such file")

// FS exposes the handful of operations the repository needs, rooted at a
// base URL.
type FS struct {
	svc  afs.Service
	base string
}

// New returns an FS rooted at baseURL, e.g. "file:///srv/repo" or
// "mem://localhost/repo".
func New(baseURL string) *FS {
	return &FS{svc: afs.New(), base: strings.TrimRight(baseURL, "/")}
}

// BaseURL returns the root this FS was created with.
func (f *FS) BaseURL() string { return f.base }

// URL joins path elements onto the base URL.
func (f *FS) URL(elements ...string) string {
	out := f.base
	for _, el := range elements {
		out = url.Join(out, el)
	}
	return out
}

// ReadFile returns the contents of the file at rel. A missing file reports
// ErrNotFound.
func (f *FS) ReadFile(ctx context.Context, rel ...string) ([]byte, error) {
	target := f.URL(rel...)
	data, err := f.svc.DownloadWithURL(ctx, target)
	if err != nil {
		if ok, _ := f.svc.Exists(ctx, target); !ok {
			return nil, errors.Wrap(ErrNotFound, target)
		}
		return nil, errors.Wrapf(err, "read %s", target)
	}
	return data, nil
}

// WriteFile stores data at rel, creating parent directories as needed.
func (f *FS) WriteFile(ctx context.Context, data []byte, rel ...string) error {
	target := f.URL(rel...)
	if err := f.svc.Upload(ctx, target, file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
		return errors.Wrapf(err, "write %s", target)
	}
	return nil
}

// WriteFileAtomic stores data at rel via a uniquely named sibling and a
// rename, so concurrent readers see either the old bytes or the new bytes.
func (f *FS) WriteFileAtomic(ctx context.Context, data []byte, rel ...string) error {
	target := f.URL(rel...)
	tmp := target + ".tmp-" + uuid.NewString()
	if err := f.svc.Upload(ctx, tmp, file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
		return errors.Wrapf(err, "write %s", tmp)
	}
	if err := f.svc.Move(ctx, tmp, target); err != nil {
		_ = f.svc.Delete(ctx, tmp)
		return errors.Wrapf(err, "rename %s into place", tmp)
	}
	return nil
}

// Move renames src to dst.
func (f *FS) Move(ctx context.Context, src, dst string) error {
	if err := f.svc.Move(ctx, f.URL(src), f.URL(dst)); err != nil {
		return errors.Wrapf(err, "move %s to %s", src, dst)
	}
	return nil
}

// Delete removes the file or directory at rel.
func (f *FS) Delete(ctx context.Context, rel ...string) error {
	target := f.URL(rel...)
	if err := f.svc.Delete(ctx, target); err != nil {
		return errors.Wrapf(err, "delete %s", target)
	}
	return nil
}

// Exists reports whether rel exists.
func (f *FS) Exists(ctx context.Context, rel ...string) (bool, error) {
	return f.svc.Exists(ctx, f.URL(rel...))
}

// Mkdir creates the directory at rel, parents included. Creating an
// existing directory is not an error.
func (f *FS) Mkdir(ctx context.Context, rel ...string) error {
	target := f.URL(rel...)
	if ok, _ := f.svc.Exists(ctx, target); ok {
		return nil
	}
	if err := f.svc.Create(ctx, target, file.DefaultDirOsMode, true); err != nil {
		return errors.Wrapf(err, "mkdir %s", target)
	}
	return nil
}

// List returns the plain-file objects directly under the directory rel.
func (f *FS) List(ctx context.Context, rel ...string) ([]storage.Object, error) {
	target := f.URL(rel...)
	objects, err := f.svc.List(ctx, target)
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", target)
	}
	out := make([]storage.Object, 0, len(objects))
	for _, obj := range objects {
		if obj.IsDir() {
			continue
		}
		out = append(out, obj)
	}
	return out, nil
}

// Size returns the byte size of the file at rel, or ErrNotFound.
func (f *FS) Size(ctx context.Context, rel ...string) (int64, error) {
	target := f.URL(rel...)
	obj, err := f.svc.Object(ctx, target)
	if err != nil {
		return 0, errors.Wrap(ErrNotFound, target)
	}
	return obj.Size(), nil
}
