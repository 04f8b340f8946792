// Package record defines the structured output of the triage engine.
//
// One DocumentRecord is produced per distinct byte stream: the top-level
// file and every archive member reached during recursion. Records form a
// tree rooted at the top-level input; archive members appear as children in
// archive-listing order. The JSON schema is stable: downstream feature
// extraction depends on key names and types, so evolution is additive only.
package record

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// ContainerType identifies the format family of a byte stream.
type ContainerType string

const (
	TypePDF         ContainerType = "PDF"
	TypeOfficeOOXML ContainerType = "OFFICE_OOXML"
	TypeOfficeOLE   ContainerType = "OFFICE_OLE"
	TypeRTF         ContainerType = "RTF"
	TypeZIP         ContainerType = "ZIP"
	TypeRAR         ContainerType = "RAR"
	TypeUnknown     ContainerType = "UNKNOWN"
)

// IsArchive reports whether records of this type may carry children.
func (t ContainerType) IsArchive() bool {
	return t == TypeZIP || t == TypeRAR
}

// Status summarises how extraction went for one record.
type Status string

const (
	StatusOK      Status = "OK"
	StatusPartial Status = "PARTIAL"
	StatusFailed  Status = "FAILED"
)

// ErrorKind classifies an extraction fault.
type ErrorKind string

const (
	ErrCorrupt           ErrorKind = "CORRUPT"
	ErrUnsupported       ErrorKind = "UNSUPPORTED_SUBTYPE"
	ErrPasswordProtected ErrorKind = "PASSWORD_PROTECTED"
	ErrResourceLimit     ErrorKind = "RESOURCE_LIMIT_EXCEEDED"
	ErrTimeout           ErrorKind = "TIMEOUT"
	ErrIO                ErrorKind = "IO"
)

// FindingKind classifies a content scanner detection.
type FindingKind string

const (
	FindingBase64   FindingKind = "BASE64"
	FindingBase32   FindingKind = "BASE32"
	FindingIPv4     FindingKind = "IPV4"
	FindingIPv6     FindingKind = "IPV6"
	FindingLanguage FindingKind = "LANGUAGE"
	FindingMacro    FindingKind = "MACRO_BEHAVIOR"
)

// ScanFinding is one detected indicator within derived content.
type ScanFinding struct {
	Kind       FindingKind `json:"kind"`
	Value      string      `json:"value"`
	ByteOffset int         `json:"byte_offset"`
	Pattern    string      `json:"pattern,omitempty"` // heuristic rule name for MACRO_BEHAVIOR
}

// ExtractionError is one recorded fault, attached to the record it degraded.
type ExtractionError struct {
	Stage   string    `json:"stage"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// EmbeddedObject references one extracted binary artifact (image, OLE
// package, attachment). Payloads are not inlined; Sha256 keys the artifact
// in the results store when payload extraction succeeded.
type EmbeddedObject struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"` // image, attachment, ole_package, vba_project
	SizeBytes int64  `json:"size_bytes"`
	Sha256    string `json:"sha256,omitempty"`
}

// DocumentRecord is the per-stream result node.
type DocumentRecord struct {
	ID               string            `json:"id"`
	SourcePath       string            `json:"source_path"`
	ContainerType    ContainerType     `json:"container_type"`
	BasicMetadata    map[string]string `json:"basic_metadata,omitempty"`
	DetailedMetadata map[string]string `json:"detailed_metadata,omitempty"`
	ExtractedText    string            `json:"extracted_text,omitempty"`
	EmbeddedObjects  []EmbeddedObject  `json:"embedded_objects,omitempty"`
	ScanFindings     []ScanFinding     `json:"scan_findings,omitempty"`
	Children         []*DocumentRecord `json:"children,omitempty"`
	Status           Status            `json:"status"`
	Errors           []ExtractionError `json:"errors,omitempty"`

	// Ref marks a dedup stub: the same content hash already appears
	// elsewhere in this tree and was expanded there. A ref node carries the
	// id of the canonical node and never carries children of its own.
	Ref bool `json:"ref,omitempty"`
}

// New creates a record for the given content, with identity derived from a
// SHA-256 of the bytes.
func New(sourcePath string, content []byte) *DocumentRecord {
	return &DocumentRecord{
		ID:            HashBytes(content),
		SourcePath:    sourcePath,
		ContainerType: TypeUnknown,
		BasicMetadata: map[string]string{},
		Status:        StatusOK,
	}
}

// HashBytes returns the lowercase hex SHA-256 of b, the record identity.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// AddError appends a classified fault. It never overwrites prior errors;
// best-effort extraction accumulates them alongside partial results.
func (r *DocumentRecord) AddError(stage string, kind ErrorKind, msg string) {
	r.Errors = append(r.Errors, ExtractionError{Stage: stage, Kind: kind, Message: msg})
}

// MarkFailed transitions the record to FAILED and enforces the invariant
// that failed records carry no derived content. Basic metadata collected
// before the fault is kept.
func (r *DocumentRecord) MarkFailed(stage string, kind ErrorKind, msg string) {
	r.AddError(stage, kind, msg)
	r.Status = StatusFailed
	r.ExtractedText = ""
	r.DetailedMetadata = nil
	r.Children = nil
	r.EmbeddedObjects = nil
	r.ScanFindings = nil
}

// Finalize derives the status from accumulated errors. A record with errors
// but surviving content is PARTIAL; an already-FAILED record stays FAILED.
func (r *DocumentRecord) Finalize() {
	if r.Status == StatusFailed {
		return
	}
	if len(r.Errors) > 0 {
		r.Status = StatusPartial
		return
	}
	r.Status = StatusOK
}

// SetBasic records a basic metadata key, skipping empty values so absent
// fields stay absent in JSON.
func (r *DocumentRecord) SetBasic(key, value string) {
	if value == "" {
		return
	}
	if r.BasicMetadata == nil {
		r.BasicMetadata = map[string]string{}
	}
	r.BasicMetadata[key] = value
}

// SetDetailed records a format-specific metadata key.
func (r *DocumentRecord) SetDetailed(key, value string) {
	if value == "" {
		return
	}
	if r.DetailedMetadata == nil {
		r.DetailedMetadata = map[string]string{}
	}
	r.DetailedMetadata[key] = value
}

// NewRef creates a dedup stub pointing at an already-expanded node.
func NewRef(sourcePath string, canonical *DocumentRecord) *DocumentRecord {
	return &DocumentRecord{
		ID:            canonical.ID,
		SourcePath:    sourcePath,
		ContainerType: canonical.ContainerType,
		Status:        canonical.Status,
		Ref:           true,
	}
}

// Walk visits the record and every descendant in depth-first listing order.
func (r *DocumentRecord) Walk(fn func(*DocumentRecord)) {
	fn(r)
	for _, c := range r.Children {
		c.Walk(fn)
	}
}

// CountNodes returns the number of records in the tree, ref stubs included.
func (r *DocumentRecord) CountNodes() int {
	n := 0
	r.Walk(func(*DocumentRecord) { n++ })
	return n
}

// FormatTime renders timestamps the way every extractor stores them.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
