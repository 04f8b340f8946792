package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/nwaples/rardecode/v2"

	"github.com/hazyhaar/maldoc/record"
)

// Member is one yielded archive entry. When Err is non-nil the member could
// not be decompressed; Data is nil and ErrKind classifies the fault.
// Siblings continue regardless.
type Member struct {
	// Path is the sanitized in-archive path.
	Path string

	// RawName is the member name as stored in the archive, which for
	// hostile input may contain control characters or traversal sequences.
	RawName string

	Data    []byte
	Err     error
	ErrKind record.ErrorKind
}

// WalkFunc receives each member in archive-listing order. Returning an
// error stops the walk and propagates.
type WalkFunc func(Member) error

// ErrStop can be returned from a WalkFunc to end the walk early without an
// error reaching the caller.
var ErrStop = errors.New("archive: stop walk")

// Walk enumerates the members of an archive held in memory, charging the
// shared budget for every decompressed member. ZIP and RAR are supported;
// the container type must already have been sniffed.
func Walk(ctx context.Context, data []byte, typ record.ContainerType, budget *Budget, fn WalkFunc) error {
	var err error
	switch typ {
	case record.TypeZIP:
		err = walkZip(ctx, data, budget, fn)
	case record.TypeRAR:
		err = walkRar(ctx, data, budget, fn)
	default:
		return fmt.Errorf("archive: not an archive type: %s", typ)
	}
	if errors.Is(err, ErrStop) {
		return nil
	}
	return err
}

func walkZip(ctx context.Context, data []byte, budget *Budget, fn WalkFunc) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return &CorruptError{fmt.Sprintf("zip: %v", err)}
	}

	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			continue
		}

		m := Member{Path: SanitizeName(f.Name), RawName: f.Name}

		// Bit 0 of the general purpose flags marks traditional or AES
		// encryption; stdlib cannot decrypt either.
		if f.Flags&0x1 != 0 {
			m.Err = fmt.Errorf("zip member %q is encrypted", m.Path)
			m.ErrKind = record.ErrPasswordProtected
			if err := fn(m); err != nil {
				return err
			}
			continue
		}

		if chargeErr := budget.ChargeMember(int64(f.UncompressedSize64)); chargeErr != nil {
			m.Err = chargeErr
			m.ErrKind = record.ErrResourceLimit
			if err := fn(m); err != nil {
				return err
			}
			// An exhausted tree budget fails every later sibling the same
			// way; report it once and stop expanding.
			var le *LimitError
			if errors.As(chargeErr, &le) && le.Exhausted() {
				return nil
			}
			continue
		}

		data, readErr := readMember(f, int64(f.UncompressedSize64))
		if readErr != nil {
			m.Err = readErr
			m.ErrKind = classifyReadError(readErr)
		} else {
			m.Data = data
		}
		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}

// readMember decompresses one zip entry, distrusting the declared size:
// bombs understate it, so reads are capped at declared+1 and an overrun is
// corruption.
func readMember(f *zip.File, declared int64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open member %q: %w", f.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, declared+1))
	if err != nil {
		return nil, fmt.Errorf("read member %q: %w", f.Name, err)
	}
	if int64(len(data)) > declared {
		return nil, &CorruptError{fmt.Sprintf("member %q larger than declared size %d", f.Name, declared)}
	}
	return data, nil
}

func walkRar(ctx context.Context, data []byte, budget *Budget, fn WalkFunc) error {
	rr, err := rardecode.NewReader(bytes.NewReader(data))
	if err != nil {
		return classifyRarArchiveError(err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := rr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			// Header-level damage ends enumeration; members already
			// yielded stand.
			return classifyRarArchiveError(err)
		}
		if hdr.IsDir {
			continue
		}

		m := Member{Path: SanitizeName(hdr.Name), RawName: hdr.Name}

		memberCap := budget.Limits().MaxMemberBytes
		body, readErr := io.ReadAll(io.LimitReader(rr, memberCap+1))
		switch {
		case readErr != nil:
			m.Err = fmt.Errorf("read member %q: %w", m.Path, readErr)
			m.ErrKind = classifyReadError(readErr)
		case int64(len(body)) > memberCap:
			m.Err = &LimitError{msg: fmt.Sprintf("member %q exceeds per-member limit %d", m.Path, memberCap)}
			m.ErrKind = record.ErrResourceLimit
		default:
			if chargeErr := budget.ChargeMember(int64(len(body))); chargeErr != nil {
				m.Err = chargeErr
				m.ErrKind = record.ErrResourceLimit
				if err := fn(m); err != nil {
					return err
				}
				var le *LimitError
				if errors.As(chargeErr, &le) && le.Exhausted() {
					return nil
				}
				continue
			}
			m.Data = body
		}
		if err := fn(m); err != nil {
			return err
		}
	}
}

// CorruptError marks structural damage in a container.
type CorruptError struct{ msg string }

func (e *CorruptError) Error() string { return e.msg }

// Kind returns the record error classification for this fault.
func (e *CorruptError) Kind() record.ErrorKind { return record.ErrCorrupt }

func classifyReadError(err error) record.ErrorKind {
	var ce *CorruptError
	if errors.As(err, &ce) {
		return record.ErrCorrupt
	}
	if isPasswordError(err) {
		return record.ErrPasswordProtected
	}
	return record.ErrCorrupt
}

func classifyRarArchiveError(err error) error {
	if isPasswordError(err) {
		return fmt.Errorf("rar: %w", err)
	}
	return &CorruptError{fmt.Sprintf("rar: %v", err)}
}

// IsPasswordProtected reports whether err indicates encrypted content.
func IsPasswordProtected(err error) bool { return isPasswordError(err) }

func isPasswordError(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "password") || strings.Contains(s, "encrypt")
}

// SanitizeName maps hostile member names to printable, storable paths.
// Non-printable runes and path traversal are replaced; the raw name is
// preserved separately on the Member.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	parts := strings.Split(name, "/")
	out := parts[:0]
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			continue
		}
		var sb strings.Builder
		for _, r := range p {
			if r > 0x1f && r != 0x7f {
				sb.WriteRune(r)
			} else {
				sb.WriteByte('_')
			}
		}
		out = append(out, sb.String())
	}
	joined := strings.Join(out, "/")
	if joined == "" {
		return "_"
	}
	return joined
}
