package extract

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"github.com/hazyhaar/maldoc/record"
)

const stagePDF = "pdf"

// extractPDF pulls metadata, text, images and attachments from a PDF.
// Structured parsing via pdfcpu is attempted first; when the cross-reference
// machinery rejects the file (common for both encrypted and deliberately
// malformed samples) a raw byte probe still recovers what it can.
func extractPDF(data []byte, res *Result) {
	scanXMP(data, res)

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
	if err != nil {
		rawInfoProbe(data, res)
		if looksEncrypted(err, data) {
			res.setDetailed("encrypted", "true")
			res.addError(stagePDF, record.ErrPasswordProtected, "encrypted document: %v", err)
			return
		}
		res.fail(stagePDF, record.ErrCorrupt, "read: %v", err)
		return
	}

	res.setDetailed("page_count", strconv.Itoa(ctx.PageCount))
	if ctx.Encrypt != nil {
		res.setDetailed("encrypted", "true")
	}

	infoDictMetadata(ctx, res)
	pdfImages(ctx, res)
	pdfAttachments(ctx, res)

	var sb strings.Builder
	emptyPages := 0
	for pageNr := 1; pageNr <= ctx.PageCount; pageNr++ {
		text := pageText(ctx, pageNr)
		if text == "" {
			emptyPages++
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(text)
	}
	res.Text = sb.String()

	if res.Text == "" && ctx.PageCount > 0 {
		// Pages exist but no text stream decoded; typical of image-only or
		// damaged content streams.
		res.addError(stagePDF, record.ErrCorrupt, "no text recovered from %d pages", ctx.PageCount)
	} else if emptyPages > 0 {
		res.setDetailed("empty_pages", strconv.Itoa(emptyPages))
	}
}

// looksEncrypted separates password-protected documents from broken ones
// when pdfcpu refuses the file outright.
func looksEncrypted(err error, data []byte) bool {
	s := strings.ToLower(err.Error())
	if strings.Contains(s, "encrypt") || strings.Contains(s, "password") {
		return true
	}
	return bytes.Contains(data, []byte("/Encrypt"))
}

func infoDictMetadata(ctx *model.Context, res *Result) {
	if ctx.Info == nil {
		return
	}
	d, err := ctx.DereferenceDict(*ctx.Info)
	if err != nil || d == nil {
		res.addError(stagePDF, record.ErrCorrupt, "info dict unreadable: %v", err)
		return
	}
	res.setBasic("author", dictString(ctx, d, "Author"))
	res.setBasic("title", dictString(ctx, d, "Title"))
	res.setBasic("created_at", pdfDate(dictString(ctx, d, "CreationDate")))
	res.setBasic("modified_at", pdfDate(dictString(ctx, d, "ModDate")))
	res.setDetailed("producer", dictString(ctx, d, "Producer"))
	res.setDetailed("creator_tool", dictString(ctx, d, "Creator"))
}

// dictString resolves a dict entry to plain text across the literal forms
// PDF allows.
func dictString(ctx *model.Context, d types.Dict, key string) string {
	obj, found := d.Find(key)
	if !found {
		return ""
	}
	obj, err := ctx.Dereference(obj)
	if err != nil {
		return ""
	}
	switch v := obj.(type) {
	case types.StringLiteral:
		s, err := types.StringLiteralToString(v)
		if err != nil {
			return ""
		}
		return s
	case types.HexLiteral:
		s, err := types.HexLiteralToString(v)
		if err != nil {
			return ""
		}
		return s
	case types.Name:
		return v.String()
	default:
		return ""
	}
}

// pdfDate renders a PDF date literal (D:YYYYMMDDHHmmSS...) as RFC 3339,
// falling back to the raw value when it does not parse.
func pdfDate(raw string) string {
	if raw == "" {
		return ""
	}
	if t, ok := types.DateTime(raw, true); ok {
		return record.FormatTime(t)
	}
	return raw
}

// pdfImages enumerates image XObjects per page, hashing raw stream data
// when the optimizer loaded it.
func pdfImages(ctx *model.Context, res *Result) {
	if ctx.Optimize == nil {
		return
	}
	seen := map[int]bool{}
	for pageNr := 1; pageNr <= ctx.PageCount; pageNr++ {
		for _, objNr := range pdfcpu.ImageObjNrs(ctx, pageNr) {
			if seen[objNr] {
				continue
			}
			seen[objNr] = true
			obj := record.EmbeddedObject{
				Name: fmt.Sprintf("image_%d", objNr),
				Kind: "image",
			}
			if entry, ok := ctx.Table[objNr]; ok && entry != nil && !entry.Free {
				if sd, ok := entry.Object.(types.StreamDict); ok && len(sd.Raw) > 0 {
					obj.SizeBytes = int64(len(sd.Raw))
					obj.Sha256 = record.HashBytes(sd.Raw)
				}
			}
			res.Objects = append(res.Objects, obj)
		}
	}
	if len(seen) > 0 {
		res.setDetailed("image_count", strconv.Itoa(len(seen)))
	}
}

// pdfAttachments records embedded file specifications (PDF attachments are
// a favourite smuggling channel). Only the declared names are trusted; no
// payload is decoded here.
func pdfAttachments(ctx *model.Context, res *Result) {
	count := 0
	for _, entry := range ctx.Table {
		if entry == nil || entry.Free {
			continue
		}
		d, ok := entry.Object.(types.Dict)
		if !ok {
			continue
		}
		if typ := d.Type(); typ == nil || *typ != "Filespec" {
			continue
		}
		name := dictString(ctx, d, "UF")
		if name == "" {
			name = dictString(ctx, d, "F")
		}
		if name == "" {
			name = "attachment"
		}
		res.Objects = append(res.Objects, record.EmbeddedObject{
			Name: name,
			Kind: "attachment",
		})
		count++
	}
	if count > 0 {
		res.setDetailed("attachment_count", strconv.Itoa(count))
	}
}

func pageText(ctx *model.Context, pageNr int) string {
	r, err := pdfcpu.ExtractPageContent(ctx, pageNr)
	if err != nil || r == nil {
		return ""
	}
	content, err := io.ReadAll(r)
	if err != nil || len(content) == 0 {
		return ""
	}
	return contentStreamText(content)
}

var pdfStringRe = regexp.MustCompile(`\(((?:[^()\\]|\\.)*)\)`)

// contentStreamText walks content stream lines for the text-showing
// operators (Tj, TJ, ') and positioning operators that imply breaks.
func contentStreamText(content []byte) string {
	var sb strings.Builder
	for _, line := range bytes.Split(content, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		switch {
		case bytes.HasSuffix(line, []byte("Tj")), bytes.HasSuffix(line, []byte("TJ")):
			for _, m := range pdfStringRe.FindAllSubmatch(line, -1) {
				sb.WriteString(decodePDFString(m[1]))
			}
		case bytes.HasSuffix(line, []byte("'")) && bytes.Contains(line, []byte("(")):
			for _, m := range pdfStringRe.FindAllSubmatch(line, -1) {
				sb.WriteByte('\n')
				sb.WriteString(decodePDFString(m[1]))
			}
		case bytes.HasSuffix(line, []byte("Td")), bytes.HasSuffix(line, []byte("TD")):
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
		case bytes.Equal(line, []byte("T*")):
			sb.WriteByte('\n')
		}
	}
	return normalizeText(sb.String())
}

// decodePDFString resolves the escape sequences of a PDF string literal,
// including octal escapes.
func decodePDFString(raw []byte) string {
	var sb strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\\' || i+1 >= len(raw) {
			sb.WriteByte(raw[i])
			continue
		}
		i++
		switch c := raw[i]; c {
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		case 't':
			sb.WriteByte('\t')
		case '\\', '(', ')':
			sb.WriteByte(c)
		default:
			if c < '0' || c > '7' {
				sb.WriteByte(c)
				break
			}
			val := int(c - '0')
			for n := 0; n < 2 && i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7'; n++ {
				i++
				val = val*8 + int(raw[i]-'0')
			}
			sb.WriteByte(byte(val))
		}
	}
	return sb.String()
}

// normalizeText collapses whitespace runs and drops non-printables.
func normalizeText(text string) string {
	var sb strings.Builder
	prevSpace := false
	for _, r := range text {
		switch {
		case r == '\n':
			sb.WriteByte('\n')
			prevSpace = true
		case unicode.IsSpace(r):
			if !prevSpace && sb.Len() > 0 {
				sb.WriteByte(' ')
				prevSpace = true
			}
		case unicode.IsPrint(r):
			sb.WriteRune(r)
			prevSpace = false
		}
	}
	return strings.TrimSpace(sb.String())
}

var rawInfoRe = regexp.MustCompile(`/(Author|Title|Producer|Creator|CreationDate|ModDate)\s*\(((?:[^()\\]|\\.)*)\)`)

// rawInfoProbe scrapes literal-string info entries straight from the bytes.
// Used when structured parsing fails; last occurrence wins, matching how
// incremental updates append newer trailers.
func rawInfoProbe(data []byte, res *Result) {
	for _, m := range rawInfoRe.FindAllSubmatch(data, -1) {
		val := decodePDFString(m[2])
		if val == "" {
			continue
		}
		switch string(m[1]) {
		case "Author":
			res.setBasic("author", val)
		case "Title":
			res.setBasic("title", val)
		case "CreationDate":
			res.setBasic("created_at", pdfDate(val))
		case "ModDate":
			res.setBasic("modified_at", pdfDate(val))
		case "Producer":
			res.setDetailed("producer", val)
		case "Creator":
			res.setDetailed("creator_tool", val)
		}
	}
}

var xmpFieldRe = regexp.MustCompile(`<xmp:(CreatorTool|CreateDate|ModifyDate)>([^<]+)</xmp:`)

// scanXMP recovers XMP packet fields by raw scan, independent of whether
// the document structure survives validation.
func scanXMP(data []byte, res *Result) {
	if !bytes.Contains(data, []byte("<x:xmpmeta")) {
		return
	}
	res.setDetailed("has_xmp", "true")
	for _, m := range xmpFieldRe.FindAllSubmatch(data, -1) {
		key := "xmp_" + strings.ToLower(string(m[1]))
		res.setDetailed(key, strings.TrimSpace(string(m[2])))
	}
}
