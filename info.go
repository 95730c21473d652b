package packdepot

import (
	"context"
	"net/url"

	"github.com/shirou/gopsutil/disk"
)

// Info summarises a repository for display.
type Info struct {
	// URL is the repository root.
	URL string
	// Format is the format tag, without the trailing newline.
	Format string
	// PackCount is the number of committed packs.
	PackCount int
	// RevisionCount is the number of revisions across all packs.
	RevisionCount int
	// DiskFree and DiskTotal describe the filesystem holding the
	// repository. Both are zero for non-local transports.
	DiskFree  uint64
	DiskTotal uint64
}

// Info returns repository statistics. Disk figures are filled in for
// file:// repositories only.
func (r *Repository) Info(ctx context.Context) (*Info, error) {
	if err := r.requireLocked(); err != nil {
		return nil, err
	}
	names, err := r.col.Names(ctx)
	if err != nil {
		return nil, err
	}
	revisions, err := r.col.TotalRevisions(ctx)
	if err != nil {
		return nil, err
	}
	tag := formatFlat
	if r.format.Btree {
		tag = formatBtree
	}
	info := &Info{
		URL:           r.fs.BaseURL(),
		Format:        tag[:len(tag)-1],
		PackCount:     len(names),
		RevisionCount: revisions,
	}
	if u, err := url.Parse(r.fs.BaseURL()); err == nil && u.Scheme == "file" {
		if usage, err := disk.Usage(u.Path); err == nil {
			info.DiskFree = usage.Free
			info.DiskTotal = usage.Total
		}
	}
	return info, nil
}
