// Package archive enumerates ZIP and RAR members under strict resource
// limits, defending against decompression bombs, member-count bombs, deep
// nesting, and self-referential archives.
//
// The walker yields raw member bytes and in-archive paths; it never
// interprets member content. Callers route each member back through format
// sniffing, sharing one Budget across the whole recursion tree so the
// limits bound the tree, not a single archive.
package archive

import (
	"fmt"

	"github.com/hazyhaar/maldoc/record"
)

// Limits bounds one top-level file's recursion tree.
type Limits struct {
	// MaxDepth is the deepest nesting level expanded. Depth 0 is the
	// top-level file itself.
	MaxDepth int

	// MaxTotalBytes caps cumulative decompressed bytes across the tree.
	MaxTotalBytes int64

	// MaxMembers caps total members expanded across the tree.
	MaxMembers int

	// MaxMemberBytes caps a single decompressed member.
	MaxMemberBytes int64
}

// DefaultLimits returns the documented defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxDepth:       10,
		MaxTotalBytes:  1 << 30,
		MaxMembers:     10000,
		MaxMemberBytes: 64 << 20,
	}
}

func (l *Limits) defaults() {
	d := DefaultLimits()
	if l.MaxDepth <= 0 {
		l.MaxDepth = d.MaxDepth
	}
	if l.MaxTotalBytes <= 0 {
		l.MaxTotalBytes = d.MaxTotalBytes
	}
	if l.MaxMembers <= 0 {
		l.MaxMembers = d.MaxMembers
	}
	if l.MaxMemberBytes <= 0 {
		l.MaxMemberBytes = d.MaxMemberBytes
	}
}

// Budget is the mutable spend against Limits for one recursion tree. It is
// owned by a single worker; no locking.
type Budget struct {
	limits     Limits
	totalBytes int64
	members    int
}

// NewBudget creates a Budget, applying defaults for unset limits.
func NewBudget(l Limits) *Budget {
	l.defaults()
	return &Budget{limits: l}
}

// Limits returns the effective limits after defaulting.
func (b *Budget) Limits() Limits { return b.limits }

// ChargeMember consumes one member slot and its decompressed size.
// The returned error carries kind RESOURCE_LIMIT_EXCEEDED semantics.
func (b *Budget) ChargeMember(size int64) error {
	if b.members+1 > b.limits.MaxMembers {
		return &LimitError{msg: fmt.Sprintf("member count limit %d exceeded", b.limits.MaxMembers), exhausted: true}
	}
	if size > b.limits.MaxMemberBytes {
		return &LimitError{msg: fmt.Sprintf("member of %d bytes exceeds per-member limit %d", size, b.limits.MaxMemberBytes)}
	}
	if b.totalBytes+size > b.limits.MaxTotalBytes {
		return &LimitError{msg: fmt.Sprintf("cumulative decompressed bytes would exceed limit %d", b.limits.MaxTotalBytes), exhausted: true}
	}
	b.members++
	b.totalBytes += size
	return nil
}

// CheckDepth verifies that expanding an archive at the given depth stays
// within the nesting bound.
func (b *Budget) CheckDepth(depth int) error {
	if depth >= b.limits.MaxDepth {
		return &LimitError{msg: fmt.Sprintf("nesting depth limit %d exceeded", b.limits.MaxDepth)}
	}
	return nil
}

// LimitError marks a resource-limit violation, distinguished from
// corruption so operators can tune limits versus investigate samples.
type LimitError struct {
	msg string

	// exhausted marks a tree-wide budget spend (cumulative bytes, member
	// count): every later sibling would fail identically, so walkers stop
	// after reporting it once.
	exhausted bool
}

func (e *LimitError) Error() string { return e.msg }

// Exhausted reports whether the whole tree budget is spent.
func (e *LimitError) Exhausted() bool { return e.exhausted }

// Kind returns the record error classification for this fault.
func (e *LimitError) Kind() record.ErrorKind { return record.ErrResourceLimit }
