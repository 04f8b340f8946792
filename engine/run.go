package engine

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/maldoc/record"
)

// Sink receives completed record trees. Implementations must tolerate
// concurrent Emit calls; workers stream results as each file finishes.
type Sink interface {
	Emit(ctx context.Context, rec *record.DocumentRecord) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, rec *record.DocumentRecord) error

// Emit implements Sink.
func (f SinkFunc) Emit(ctx context.Context, rec *record.DocumentRecord) error {
	return f(ctx, rec)
}

// Progress is notified after each file completes. Calls may come from any
// worker goroutine.
type Progress func(path string, rec *record.DocumentRecord)

// Run processes a corpus of top-level files with the configured worker
// pool, emitting one root record per input to the sink as it completes.
// A failed file never aborts the batch; the only errors returned are sink
// failures and batch-level context cancellation.
func (e *Engine) Run(ctx context.Context, paths []string, sink Sink, progress Progress) error {
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(e.cfg.Workers)

	for _, path := range paths {
		path := path
		if gctx.Err() != nil {
			break
		}
		eg.Go(func() error {
			rec := e.ProcessFile(gctx, path)
			e.cfg.Logger.Debug("file processed",
				"path", path, "status", rec.Status, "nodes", rec.CountNodes())
			if err := sink.Emit(gctx, rec); err != nil {
				// Losing the result sink is the one fault worth stopping a
				// batch for.
				return err
			}
			if progress != nil {
				progress(path, rec)
			}
			return nil
		})
	}
	return eg.Wait()
}

// CollectCorpus lists the regular files under a directory, sorted for
// deterministic batch ordering.
func CollectCorpus(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}
