package packdepot

import (
	"context"

	"github.com/pkg/errors"

	"github.com/packdepot/packdepot/pkg/index"
	"github.com/packdepot/packdepot/pkg/pack"
)

// AddRevision records a revision body under id with its parent revisions.
// Parents may not exist yet; they are resolved at commit time.
func (r *Repository) AddRevision(ctx context.Context, id string, body []byte, parents []string) error {
	if err := r.requireWriteLocked(); err != nil {
		return err
	}
	return r.col.Insert(ctx, pack.Revisions, index.Key{id}, body, [][]index.Key{toKeys(parents)})
}

// AddInventory records the inventory of revision id. parents are the
// inventories of the revision's parents; basis, when non-empty, names the
// inventory this body is a delta against.
func (r *Repository) AddInventory(ctx context.Context, id string, body []byte, parents []string, basis string) error {
	if err := r.requireWriteLocked(); err != nil {
		return err
	}
	refs := [][]index.Key{toKeys(parents), nil}
	if basis != "" {
		refs[1] = []index.Key{{basis}}
	}
	return r.col.Insert(ctx, pack.Inventories, index.Key{id}, body, refs)
}

// AddText records one version of one file's text. The key is the pair
// (fileID, revisionID); parents name earlier versions of the same file and
// basis, when non-empty, the version this body is a delta against.
func (r *Repository) AddText(ctx context.Context, fileID, revisionID string, body []byte, parents [][2]string, basis [2]string) error {
	if err := r.requireWriteLocked(); err != nil {
		return err
	}
	parentKeys := make([]index.Key, 0, len(parents))
	for _, p := range parents {
		parentKeys = append(parentKeys, index.Key{p[0], p[1]})
	}
	refs := [][]index.Key{parentKeys, nil}
	if basis != [2]string{} {
		refs[1] = []index.Key{{basis[0], basis[1]}}
	}
	return r.col.Insert(ctx, pack.Texts, index.Key{fileID, revisionID}, body, refs)
}

// AddSignature records the testament signature of revision id.
func (r *Repository) AddSignature(ctx context.Context, id string, body []byte) error {
	if err := r.requireWriteLocked(); err != nil {
		return err
	}
	return r.col.Insert(ctx, pack.Signatures, index.Key{id}, body, nil)
}

// AddCHKPage records one content-hash-keyed page. Only repositories with
// btree indexes carry the chk kind.
func (r *Repository) AddCHKPage(ctx context.Context, key string, body []byte) error {
	if err := r.requireWriteLocked(); err != nil {
		return err
	}
	if !r.format.Btree {
		return errors.New("chk pages require a repository with btree indexes")
	}
	return r.col.Insert(ctx, pack.CHK, index.Key{key}, body, nil)
}

// GetRevision returns the body of revision id.
func (r *Repository) GetRevision(ctx context.Context, id string) ([]byte, error) {
	if err := r.requireLocked(); err != nil {
		return nil, err
	}
	return r.col.GetRecord(ctx, pack.Revisions, index.Key{id})
}

// GetInventory returns the inventory body of revision id.
func (r *Repository) GetInventory(ctx context.Context, id string) ([]byte, error) {
	if err := r.requireLocked(); err != nil {
		return nil, err
	}
	return r.col.GetRecord(ctx, pack.Inventories, index.Key{id})
}

// GetText returns the body of one file version.
func (r *Repository) GetText(ctx context.Context, fileID, revisionID string) ([]byte, error) {
	if err := r.requireLocked(); err != nil {
		return nil, err
	}
	return r.col.GetRecord(ctx, pack.Texts, index.Key{fileID, revisionID})
}

// GetSignature returns the signature of revision id.
func (r *Repository) GetSignature(ctx context.Context, id string) ([]byte, error) {
	if err := r.requireLocked(); err != nil {
		return nil, err
	}
	return r.col.GetRecord(ctx, pack.Signatures, index.Key{id})
}

// GetCHKPage returns the body of one content-hash-keyed page.
func (r *Repository) GetCHKPage(ctx context.Context, key string) ([]byte, error) {
	if err := r.requireLocked(); err != nil {
		return nil, err
	}
	if !r.format.Btree {
		return nil, errors.New("chk pages require a repository with btree indexes")
	}
	return r.col.GetRecord(ctx, pack.CHK, index.Key{key})
}

// HasRevision reports whether revision id is present, uncommitted write
// group data included.
func (r *Repository) HasRevision(ctx context.Context, id string) (bool, error) {
	if err := r.requireLocked(); err != nil {
		return false, err
	}
	return r.col.HasKey(ctx, pack.Revisions, index.Key{id})
}

// HasSignature reports whether revision id carries a signature.
func (r *Repository) HasSignature(ctx context.Context, id string) (bool, error) {
	if err := r.requireLocked(); err != nil {
		return false, err
	}
	return r.col.HasKey(ctx, pack.Signatures, index.Key{id})
}

// AllRevisionIDs returns every revision id in the repository, sorted.
func (r *Repository) AllRevisionIDs(ctx context.Context) ([]string, error) {
	if err := r.requireLocked(); err != nil {
		return nil, err
	}
	keys, err := r.col.AllKeys(ctx, pack.Revisions)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, key[0])
	}
	return ids, nil
}

// Ancestry walks the revision graph from ids towards the roots. It returns
// the parent map and the ids that are referenced as parents but stored
// nowhere, the ghosts.
func (r *Repository) Ancestry(ctx context.Context, ids []string) (map[string][]string, []string, error) {
	if err := r.requireLocked(); err != nil {
		return nil, nil, err
	}
	parents, missing, err := r.col.Ancestry(ctx, pack.Revisions, toKeys(ids), 0)
	if err != nil {
		return nil, nil, err
	}
	out := make(map[string][]string, len(parents))
	for id, refs := range parents {
		ps := make([]string, 0, len(refs))
		for _, ref := range refs {
			ps = append(ps, ref[0])
		}
		out[id] = ps
	}
	ghosts := make([]string, 0, len(missing))
	for _, key := range missing {
		ghosts = append(ghosts, key[0])
	}
	return out, ghosts, nil
}

func toKeys(ids []string) []index.Key {
	keys := make([]index.Key, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, index.Key{id})
	}
	return keys
}
