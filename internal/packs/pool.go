package packs

import (
	"context"
	"runtime"
	"sync"

	"github.com/packdepot/packdepot/pkg/pack"
)

type openedPack struct {
	name string
	p    *Pack
	err  error
}

// openAll opens every pack named in sizes, reading and parsing the index
// files with a bounded worker pool. A repository that autopack has kept in
// shape still opens on the order of ten packs, each with several index
// files, so the reads are worth overlapping.
func (c *Collection) openAll(ctx context.Context, sizes map[string]pack.Sizes) (map[string]*Pack, error) {
	if len(sizes) == 0 {
		return map[string]*Pack{}, nil
	}
	workers := runtime.NumCPU()
	if workers > len(sizes) {
		workers = len(sizes)
	}
	tasks := make(chan string, len(sizes))
	results := make(chan openedPack, len(sizes))
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for name := range tasks {
				p, err := c.openPack(ctx, name, sizes[name])
				results <- openedPack{name: name, p: p, err: err}
			}
		}()
	}
	for name := range sizes {
		tasks <- name
	}
	close(tasks)
	wg.Wait()
	close(results)

	out := make(map[string]*Pack, len(sizes))
	for r := range results {
		if r.err != nil {
			return nil, r.err
		}
		out[r.name] = r.p
	}
	return out, nil
}
