// Package sniff classifies a byte stream's container type.
//
// Detection trusts content signatures first; the filename extension is only
// a tiebreak when signatures are inconclusive. Triage input routinely ships
// with a mismatched extension, so extension alone never decides.
package sniff

import (
	"archive/zip"
	"bytes"
	"path/filepath"
	"strings"

	"github.com/hazyhaar/maldoc/record"
)

var (
	sigZIP   = []byte("PK\x03\x04")
	sigZIPSp = []byte("PK\x05\x06") // empty archive, central directory only
	sigRAR4  = []byte("Rar!\x1a\x07\x00")
	sigRAR5  = []byte("Rar!\x1a\x07\x01\x00")
	sigOLE   = []byte("\xd0\xcf\x11\xe0\xa1\xb1\x1a\xe1")
	sigRTF   = []byte("{\\rtf")
	sigPDF   = []byte("%PDF")
)

// pdfProbeWindow is how far into the stream a %PDF header may sit. The PDF
// spec allows leading junk; malware uses it to defeat naive sniffers.
const pdfProbeWindow = 1024

// Detect classifies content, never failing: anything unrecognized is
// UNKNOWN. nameHint may be empty.
func Detect(content []byte, nameHint string) record.ContainerType {
	switch {
	case bytes.HasPrefix(content, sigRAR5), bytes.HasPrefix(content, sigRAR4):
		return record.TypeRAR
	case bytes.HasPrefix(content, sigOLE):
		return record.TypeOfficeOLE
	case bytes.HasPrefix(content, sigRTF):
		return record.TypeRTF
	case bytes.HasPrefix(content, sigZIP), bytes.HasPrefix(content, sigZIPSp):
		return classifyZip(content)
	}

	probe := content
	if len(probe) > pdfProbeWindow {
		probe = probe[:pdfProbeWindow]
	}
	if bytes.Contains(probe, sigPDF) {
		return record.TypePDF
	}

	return byExtension(nameHint)
}

// classifyZip splits ZIP payloads into OOXML documents versus plain
// archives by probing the member listing. OOXML containers always carry
// [Content_Types].xml at the root.
func classifyZip(content []byte) record.ContainerType {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		// Signature says zip but the directory is unreadable; let the
		// walker report the corruption.
		return record.TypeZIP
	}
	for _, f := range zr.File {
		if f.Name == "[Content_Types].xml" {
			return record.TypeOfficeOOXML
		}
	}
	return record.TypeZIP
}

func byExtension(nameHint string) record.ContainerType {
	switch strings.ToLower(filepath.Ext(nameHint)) {
	case ".pdf":
		return record.TypePDF
	case ".docx", ".docm", ".xlsx", ".xlsm", ".pptx", ".pptm":
		return record.TypeOfficeOOXML
	case ".doc", ".xls", ".ppt":
		return record.TypeOfficeOLE
	case ".rtf":
		return record.TypeRTF
	case ".zip":
		return record.TypeZIP
	case ".rar":
		return record.TypeRAR
	default:
		return record.TypeUnknown
	}
}
