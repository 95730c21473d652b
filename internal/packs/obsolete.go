package packs

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/packdepot/packdepot/pkg/pack"
)

// obsoletePacks moves packs and their indexes into the obsolete_packs
// quarantine. This must only run after a pack-names registry without these
// packs has been written: the quarantine exists so that a concurrent reader
// mid-download can still finish, not to preserve the data.
//
// Failures are per file: a pack that cannot be moved is logged and skipped,
// never fatal. A missing quarantine directory is recreated once and the
// move retried.
func (c *Collection) obsoletePacks(ctx context.Context, packsToMove []*Pack) {
	for _, p := range packsToMove {
		fileName := pack.FileName(p.Name)
		err := c.fs.Move(ctx, PacksDir+"/"+fileName, ObsoleteDir+"/"+fileName)
		if err != nil {
			if mkErr := c.fs.Mkdir(ctx, ObsoleteDir); mkErr == nil {
				err = c.fs.Move(ctx, PacksDir+"/"+fileName, ObsoleteDir+"/"+fileName)
			}
		}
		if err != nil {
			c.log.WithFields(logrus.Fields{
				"pack": p.Name,
			}).WithError(err).Warn("could not move obsolete pack, skipping it")
		}
		for _, kind := range c.format.Kinds() {
			indexName := pack.IndexFileName(p.Name, kind)
			if err := c.fs.Move(ctx, IndicesDir+"/"+indexName, ObsoleteDir+"/"+indexName); err != nil {
				c.log.WithFields(logrus.Fields{
					"pack": p.Name,
					"kind": kind.Name,
				}).WithError(err).Warn("could not move obsolete index, skipping it")
			}
		}
	}
}

// clearObsoletePacks deletes everything in the quarantine directory except
// the names in preserve, and returns the pack names it found there, deleted
// or not. Per-file delete failures are logged and skipped.
func (c *Collection) clearObsoletePacks(ctx context.Context, preserve map[string]struct{}) []string {
	var found []string
	objects, err := c.fs.List(ctx, ObsoleteDir)
	if err != nil {
		return found
	}
	for _, obj := range objects {
		fileName := obj.Name()
		name := fileName
		if dot := strings.LastIndex(fileName, "."); dot >= 0 {
			name = fileName[:dot]
		}
		if strings.HasSuffix(fileName, ".pack") {
			found = append(found, name)
		}
		if _, ok := preserve[name]; ok {
			continue
		}
		if err := c.fs.Delete(ctx, ObsoleteDir, fileName); err != nil {
			c.log.WithField("file", fileName).WithError(err).
				Warn("could not delete obsolete pack file, skipping it")
		}
	}
	return found
}
