// Package extract implements the per-format extractors: PDF, Office
// (OOXML and legacy OLE), and RTF.
//
// Every extractor is a pure function from bytes to a Result carrying both
// partial values and an accumulated error list. A malformed field yields a
// missing value plus a recorded error, never a fault that escapes the
// extractor: panics inside format libraries are recovered and classified,
// so one hostile document can never take down sibling processing.
package extract

import (
	"context"
	"fmt"

	"github.com/hazyhaar/maldoc/record"
)

// Result is the outcome of extracting one byte stream. Partial values and
// errors coexist; callers derive record status from both.
type Result struct {
	Basic    map[string]string
	Detailed map[string]string
	Text     string
	Objects  []record.EmbeddedObject
	Findings []record.ScanFinding
	Errors   []record.ExtractionError

	// Failed marks an extraction that produced no usable content at all,
	// as opposed to degraded-but-partial output.
	Failed bool
}

func newResult() *Result {
	return &Result{
		Basic:    map[string]string{},
		Detailed: map[string]string{},
	}
}

func (res *Result) setBasic(key, value string) {
	if value != "" {
		res.Basic[key] = value
	}
}

func (res *Result) setDetailed(key, value string) {
	if value != "" {
		res.Detailed[key] = value
	}
}

func (res *Result) addError(stage string, kind record.ErrorKind, format string, args ...any) {
	res.Errors = append(res.Errors, record.ExtractionError{
		Stage:   stage,
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	})
}

func (res *Result) fail(stage string, kind record.ErrorKind, format string, args ...any) {
	res.addError(stage, kind, format, args...)
	res.Failed = true
}

// Apply merges the result into a record, enforcing the failed-record
// invariant.
func (res *Result) Apply(r *record.DocumentRecord) {
	for k, v := range res.Basic {
		r.SetBasic(k, v)
	}
	if res.Failed {
		r.Errors = append(r.Errors, res.Errors...)
		r.Status = record.StatusFailed
		r.ExtractedText = ""
		r.DetailedMetadata = nil
		r.Children = nil
		r.EmbeddedObjects = nil
		r.ScanFindings = nil
		return
	}
	for k, v := range res.Detailed {
		r.SetDetailed(k, v)
	}
	r.ExtractedText = res.Text
	r.EmbeddedObjects = append(r.EmbeddedObjects, res.Objects...)
	r.ScanFindings = append(r.ScanFindings, res.Findings...)
	r.Errors = append(r.Errors, res.Errors...)
}

// Extract dispatches to the extractor for a sniffed container type. The
// closed variant set keeps dispatch explicit: a new format is a new
// ContainerType plus one extractor here. Archive types are the walker's
// job, not this package's; for them (and UNKNOWN) only byte-level basics
// are recorded.
func Extract(ctx context.Context, typ record.ContainerType, data []byte) (res *Result) {
	defer func() {
		if rec := recover(); rec != nil {
			if res == nil {
				res = newResult()
			}
			res.fail(string(typ), record.ErrCorrupt, "parser panic: %v", rec)
		}
	}()

	res = newResult()
	res.setBasic("size_bytes", fmt.Sprintf("%d", len(data)))

	if err := ctx.Err(); err != nil {
		res.fail("extract", record.ErrTimeout, "%v", err)
		return res
	}

	switch typ {
	case record.TypePDF:
		extractPDF(data, res)
	case record.TypeOfficeOOXML:
		extractOOXML(data, res)
	case record.TypeOfficeOLE:
		extractOLE(data, res)
	case record.TypeRTF:
		extractRTF(data, res)
	}
	return res
}
