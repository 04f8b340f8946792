package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/richardlehane/mscfb"

	"github.com/hazyhaar/maldoc/record"
)

const stageOOXML = "ooxml"

// ooxmlMemberCap bounds a single decompressed part. Office parts are small;
// anything larger inside a document container is suspect.
const ooxmlMemberCap = 64 << 20

// contentTypeSubtypes maps the main-part content type to the file subtype.
var contentTypeSubtypes = map[string]string{
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml": "docx",
	"application/vnd.ms-word.document.macroEnabled.main+xml":                           "docm",
	"application/vnd.ms-word.template.macroEnabledTemplate.main+xml":                   "dotm",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet.main+xml":       "xlsx",
	"application/vnd.ms-excel.sheet.macroEnabled.main+xml":                             "xlsm",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation.main+xml": "pptx",
	"application/vnd.ms-powerpoint.presentation.macroEnabled.main+xml":                 "pptm",
}

// extractOOXML parses a zip-based Office document: subtype, core/app
// properties, word-processing paragraph text, embedded VBA project, and
// the container's own zip statistics.
func extractOOXML(data []byte, res *Result) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		res.fail(stageOOXML, record.ErrCorrupt, "container: %v", err)
		return
	}

	zipContainerStats(zr, res)

	subtype := ooxmlSubtype(zr, res)
	res.setDetailed("subtype", subtype)

	if part := readPart(zr, "docProps/core.xml"); part != nil {
		coreProperties(part, res)
	}
	if part := readPart(zr, "docProps/app.xml"); part != nil {
		appProperties(part, res)
	}

	switch subtype {
	case "docx", "docm", "dotm":
		if part := readPart(zr, "word/document.xml"); part != nil {
			text, err := wordParagraphText(part)
			if err != nil {
				res.addError(stageOOXML, record.ErrCorrupt, "document.xml: %v", err)
			}
			res.Text = text
		} else {
			res.addError(stageOOXML, record.ErrCorrupt, "word/document.xml missing")
		}
	}

	ooxmlEmbeddings(zr, res)

	if vba := findVBAProject(zr); vba != nil {
		ooxmlVBA(vba, res)
	} else if subtype == "docm" || subtype == "xlsm" || subtype == "pptm" || subtype == "dotm" {
		// Macro-enabled subtype without a VBA part is itself notable.
		res.setDetailed("has_macros", "false")
	}
}

func readPart(zr *zip.Reader, name string) []byte {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil
		}
		defer rc.Close()
		data, err := io.ReadAll(io.LimitReader(rc, ooxmlMemberCap))
		if err != nil {
			return nil
		}
		return data
	}
	return nil
}

func zipContainerStats(zr *zip.Reader, res *Result) {
	var compressed, uncompressed uint64
	for _, f := range zr.File {
		compressed += f.CompressedSize64
		uncompressed += f.UncompressedSize64
	}
	res.setDetailed("zip_member_count", strconv.Itoa(len(zr.File)))
	res.setDetailed("zip_compressed_bytes", strconv.FormatUint(compressed, 10))
	res.setDetailed("zip_uncompressed_bytes", strconv.FormatUint(uncompressed, 10))
}

// ooxmlSubtype reads [Content_Types].xml and maps the main part's declared
// type. Malformed or missing listings degrade to "ooxml" with an error.
func ooxmlSubtype(zr *zip.Reader, res *Result) string {
	part := readPart(zr, "[Content_Types].xml")
	if part == nil {
		res.addError(stageOOXML, record.ErrUnsupported, "[Content_Types].xml missing")
		return "ooxml"
	}
	dec := xml.NewDecoder(bytes.NewReader(part))
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "Override" {
			continue
		}
		var ct string
		for _, attr := range start.Attr {
			if attr.Name.Local == "ContentType" {
				ct = attr.Value
			}
		}
		if subtype, known := contentTypeSubtypes[ct]; known {
			return subtype
		}
	}
	res.addError(stageOOXML, record.ErrUnsupported, "no recognized main part content type")
	return "ooxml"
}

// coreProperties pulls Dublin Core metadata from docProps/core.xml.
func coreProperties(part []byte, res *Result) {
	dec := xml.NewDecoder(bytes.NewReader(part))
	var current string
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			current = t.Name.Local
		case xml.CharData:
			value := strings.TrimSpace(string(t))
			if value == "" {
				continue
			}
			switch current {
			case "creator":
				res.setBasic("author", value)
			case "lastModifiedBy":
				res.setBasic("last_modified_by", value)
			case "title":
				res.setBasic("title", value)
			case "created":
				res.setBasic("created_at", value)
			case "modified":
				res.setBasic("modified_at", value)
			}
		case xml.EndElement:
			current = ""
		}
	}
}

func appProperties(part []byte, res *Result) {
	dec := xml.NewDecoder(bytes.NewReader(part))
	var current string
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			current = t.Name.Local
		case xml.CharData:
			value := strings.TrimSpace(string(t))
			if value == "" {
				continue
			}
			switch current {
			case "Application":
				res.setDetailed("application", value)
			case "AppVersion":
				res.setDetailed("app_version", value)
			case "Company":
				res.setDetailed("company", value)
			}
		case xml.EndElement:
			current = ""
		}
	}
}

// wordParagraphText walks word/document.xml tokens, emitting one line per
// paragraph. The token loop tolerates truncation: whatever parsed before
// the damage is kept.
func wordParagraphText(part []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(part))
	var sb strings.Builder
	var para strings.Builder
	inParagraph := false
	var tokenErr error

	for {
		tok, err := dec.Token()
		if err != nil {
			if err != io.EOF {
				tokenErr = err
			}
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "p" {
				inParagraph = true
				para.Reset()
			}
		case xml.CharData:
			if inParagraph {
				para.Write(t)
			}
		case xml.EndElement:
			if t.Name.Local == "p" && inParagraph {
				inParagraph = false
				if text := strings.TrimSpace(para.String()); text != "" {
					if sb.Len() > 0 {
						sb.WriteByte('\n')
					}
					sb.WriteString(text)
				}
			}
		}
	}
	return sb.String(), tokenErr
}

// ooxmlEmbeddings records media and embedded OLE parts as extracted
// artifacts.
func ooxmlEmbeddings(zr *zip.Reader, res *Result) {
	for _, f := range zr.File {
		dir := path.Dir(f.Name)
		base := path.Base(dir)
		if base != "media" && base != "embeddings" {
			continue
		}
		kind := "image"
		if base == "embeddings" {
			kind = "ole_package"
		}
		data := readPart(zr, f.Name)
		obj := record.EmbeddedObject{
			Name:      path.Base(f.Name),
			Kind:      kind,
			SizeBytes: int64(f.UncompressedSize64),
		}
		if data != nil {
			obj.Sha256 = record.HashBytes(data)
		}
		res.Objects = append(res.Objects, obj)
	}
}

// findVBAProject returns the vbaProject.bin payload wherever it sits in
// the container (word/, xl/, ppt/ or a hostile custom path).
func findVBAProject(zr *zip.Reader) []byte {
	for _, f := range zr.File {
		if strings.EqualFold(path.Base(f.Name), "vbaProject.bin") {
			return readPart(zr, f.Name)
		}
	}
	return nil
}

// ooxmlVBA opens the embedded compound file and extracts + scans module
// source.
func ooxmlVBA(vba []byte, res *Result) {
	res.Objects = append(res.Objects, record.EmbeddedObject{
		Name:      "vbaProject.bin",
		Kind:      "vba_project",
		SizeBytes: int64(len(vba)),
		Sha256:    record.HashBytes(vba),
	})

	reader, err := mscfb.New(bytes.NewReader(vba))
	if err != nil {
		res.addError(stageOOXML, record.ErrCorrupt, "vbaProject.bin: %v", err)
		return
	}
	sources := vbaModulesFromCFB(reader.File, res)
	for _, src := range sources {
		res.Findings = append(res.Findings, scanMacroSource(src)...)
	}
	if len(sources) == 0 {
		res.addError(stageOOXML, record.ErrCorrupt, "vba project present but no module source recovered")
		res.setDetailed("has_macros", "true")
	}
}
