package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/hazyhaar/maldoc/archive"
	"github.com/hazyhaar/maldoc/extract"
	"github.com/hazyhaar/maldoc/record"
	"github.com/hazyhaar/maldoc/scan"
	"github.com/hazyhaar/maldoc/sniff"
)

// Engine is the extraction pipeline for hostile documents.
type Engine struct {
	cfg Config
}

// New creates an Engine with the given configuration.
func New(cfg Config) *Engine {
	cfg.defaults()
	return &Engine{cfg: cfg}
}

// treeState is the per-top-level-file recursion state. One worker owns it
// exclusively; nothing here is shared across files.
type treeState struct {
	budget *archive.Budget

	// seen maps content hash to the completed canonical node, for dedup
	// within one tree.
	seen map[string]*record.DocumentRecord

	// onPath holds content hashes of the current ancestor chain, the
	// cycle guard against self-referential archives.
	onPath map[string]bool
}

// ProcessFile produces exactly one root record for a top-level file,
// converting every stage fault into record errors. The per-file timeout is
// enforced here; on expiry partial work is discarded and the root is
// FAILED with kind TIMEOUT.
func (e *Engine) ProcessFile(ctx context.Context, path string) *record.DocumentRecord {
	info, err := os.Stat(path)
	if err != nil {
		return e.failedStub(path, record.ErrIO, fmt.Sprintf("stat: %v", err))
	}
	if info.Size() > e.cfg.MaxFileSize {
		return e.failedStub(path, record.ErrResourceLimit,
			fmt.Sprintf("file of %d bytes exceeds limit %d", info.Size(), e.cfg.MaxFileSize))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return e.failedStub(path, record.ErrIO, fmt.Sprintf("read: %v", err))
	}

	tctx, cancel := context.WithTimeout(ctx, e.cfg.FileTimeout)
	defer cancel()

	done := make(chan *record.DocumentRecord, 1)
	go func() {
		done <- e.Process(tctx, path, data)
	}()

	select {
	case rec := <-done:
		// A cooperative cancellation inside the recursion also lands here.
		if tctx.Err() != nil && ctx.Err() == nil {
			return e.timeoutStub(path, data)
		}
		return rec
	case <-tctx.Done():
		// The parser is stuck in non-cancellable library code; abandon the
		// goroutine and report the timeout. Partial work is discarded.
		if ctx.Err() != nil {
			return e.failedStub(path, record.ErrTimeout, "batch cancelled")
		}
		return e.timeoutStub(path, data)
	}
}

// Process runs the full pipeline over in-memory content, producing one
// record tree. Exposed separately from ProcessFile so archive members and
// tests share the same path.
func (e *Engine) Process(ctx context.Context, name string, data []byte) (rec *record.DocumentRecord) {
	st := &treeState{
		budget: archive.NewBudget(e.cfg.limits()),
		seen:   map[string]*record.DocumentRecord{},
		onPath: map[string]bool{},
	}
	defer func() {
		// A panic that slipped past the extractor isolation still may not
		// kill the batch; it fails this one record.
		if r := recover(); r != nil {
			e.cfg.Logger.Error("pipeline panic", "file", name, "panic", r)
			rec = e.failedStub(name, record.ErrCorrupt, fmt.Sprintf("pipeline panic: %v", r))
		}
	}()
	rec = e.processStream(ctx, name, name, data, 0, st)
	return rec
}

// processStream handles one byte stream: sniff, dedup, then either archive
// expansion or extraction plus scanning.
func (e *Engine) processStream(ctx context.Context, srcPath, nameHint string, data []byte, depth int, st *treeState) *record.DocumentRecord {
	rec := record.New(srcPath, data)
	rec.SetBasic("size_bytes", fmt.Sprintf("%d", len(data)))

	if err := ctx.Err(); err != nil {
		rec.MarkFailed("pipeline", record.ErrTimeout, err.Error())
		return rec
	}

	rec.ContainerType = sniff.Detect(data, nameHint)

	// Cycle guard: a stream whose hash matches an ancestor on the current
	// recursion path is severed, never re-expanded.
	if st.onPath[rec.ID] {
		rec.Ref = true
		rec.AddError("walker", record.ErrResourceLimit, "content hash matches an ancestor; recursion severed")
		rec.Finalize()
		return rec
	}
	// Dedup: identical content already expanded elsewhere in this tree.
	if canon, ok := st.seen[rec.ID]; ok {
		return record.NewRef(srcPath, canon)
	}

	if rec.ContainerType.IsArchive() {
		e.expandArchive(ctx, rec, data, depth, st)
	} else {
		res := extract.Extract(ctx, rec.ContainerType, data)
		res.Apply(rec)
		if rec.Status != record.StatusFailed {
			e.scanContent(rec, data)
		}
	}

	rec.Finalize()
	st.seen[rec.ID] = rec
	return rec
}

func (e *Engine) expandArchive(ctx context.Context, rec *record.DocumentRecord, data []byte, depth int, st *treeState) {
	rec.SetDetailed("archive_format", string(rec.ContainerType))

	if err := st.budget.CheckDepth(depth); err != nil {
		rec.AddError("walker", record.ErrResourceLimit, err.Error())
		return
	}

	st.onPath[rec.ID] = true
	defer delete(st.onPath, rec.ID)

	memberIndex := 0
	err := archive.Walk(ctx, data, rec.ContainerType, st.budget, func(m archive.Member) error {
		memberIndex++
		childPath := rec.SourcePath + "!" + m.Path

		if m.Err != nil {
			child := e.memberErrorStub(rec.ID, childPath, m)
			rec.Children = append(rec.Children, child)
			return nil
		}

		child := e.processStream(ctx, childPath, m.Path, m.Data, depth+1, st)
		if m.RawName != m.Path {
			child.SetBasic("raw_name", m.RawName)
		}
		rec.Children = append(rec.Children, child)
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			rec.MarkFailed("walker", record.ErrTimeout, ctx.Err().Error())
			return
		}
		kind := record.ErrCorrupt
		if archive.IsPasswordProtected(err) {
			kind = record.ErrPasswordProtected
		}
		if len(rec.Children) == 0 {
			rec.MarkFailed("walker", kind, err.Error())
		} else {
			// Enumeration broke mid-archive; members already expanded stand.
			rec.AddError("walker", kind, err.Error())
		}
		return
	}
	rec.SetDetailed("member_count", fmt.Sprintf("%d", memberIndex))
}

// memberErrorStub builds the record for a member that could not be
// decompressed. There is no content to hash, so identity derives from the
// parent hash and raw member name: stable across runs, unique within the
// tree.
func (e *Engine) memberErrorStub(parentID, childPath string, m archive.Member) *record.DocumentRecord {
	child := &record.DocumentRecord{
		ID:            record.HashBytes([]byte(parentID + "\x00" + m.RawName)),
		SourcePath:    childPath,
		ContainerType: record.TypeUnknown,
	}
	if m.RawName != m.Path {
		child.SetBasic("raw_name", m.RawName)
	}
	child.MarkFailed("walker", m.ErrKind, m.Err.Error())
	return child
}

// scanContent runs the indicator scanner over whatever text the extractor
// produced; streams with no decoded text are scanned as raw text when they
// are mostly valid UTF-8 (scripts, configs, droppers-in-plain-sight).
func (e *Engine) scanContent(rec *record.DocumentRecord, data []byte) {
	opts := scan.Options{
		MinEncodedLen:  e.cfg.MinEncodedLen,
		DetectLanguage: true,
	}
	text := rec.ExtractedText
	if text == "" && rec.ContainerType == record.TypeUnknown && utf8.Valid(data) {
		text = string(data)
	}
	if text == "" {
		return
	}
	rec.ScanFindings = append(rec.ScanFindings, scan.Text(text, opts)...)
}

func (e *Engine) failedStub(path string, kind record.ErrorKind, msg string) *record.DocumentRecord {
	rec := &record.DocumentRecord{
		ID:            record.HashBytes([]byte("path\x00" + filepath.ToSlash(path))),
		SourcePath:    path,
		ContainerType: record.TypeUnknown,
	}
	rec.MarkFailed("pipeline", kind, msg)
	return rec
}

// timeoutStub is the root record for a file whose processing exceeded the
// wall-clock budget. Content was read, so identity stays content-derived.
func (e *Engine) timeoutStub(path string, data []byte) *record.DocumentRecord {
	rec := record.New(path, data)
	rec.SetBasic("size_bytes", fmt.Sprintf("%d", len(data)))
	rec.ContainerType = sniff.Detect(data, path)
	rec.MarkFailed("pipeline", record.ErrTimeout,
		fmt.Sprintf("processing exceeded %s budget", e.cfg.FileTimeout))
	return rec
}
