package extract

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/hazyhaar/maldoc/record"
)

func buildZip(t *testing.T, parts map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range parts {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create %s: %v", name, err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("zip write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

const docxContentTypes = `<?xml version="1.0"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">
  <Default Extension="xml" ContentType="application/xml"/>
  <Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/>
</Types>`

func TestExtractOOXMLDocx(t *testing.T) {
	data := buildZip(t, map[string]string{
		"[Content_Types].xml": docxContentTypes,
		"docProps/core.xml": `<?xml version="1.0"?>
<cp:coreProperties xmlns:cp="http://schemas.openxmlformats.org/package/2006/metadata/core-properties"
  xmlns:dc="http://purl.org/dc/elements/1.1/" xmlns:dcterms="http://purl.org/dc/terms/">
  <dc:creator>Mallory</dc:creator>
  <dc:title>Invoice</dc:title>
  <cp:lastModifiedBy>Eve</cp:lastModifiedBy>
  <dcterms:created>2024-02-01T10:00:00Z</dcterms:created>
</cp:coreProperties>`,
		"docProps/app.xml": `<?xml version="1.0"?>
<Properties><Application>Microsoft Office Word</Application><AppVersion>16.0000</AppVersion></Properties>`,
		"word/document.xml": `<?xml version="1.0"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:r><w:t>First paragraph.</w:t></w:r></w:p>
    <w:p><w:r><w:t>Second</w:t></w:r><w:r><w:t> paragraph.</w:t></w:r></w:p>
  </w:body>
</w:document>`,
		"word/media/image1.png": "\x89PNG fake bytes",
	})

	res := newResult()
	extractOOXML(data, res)
	if res.Failed {
		t.Fatalf("unexpected failure: %+v", res.Errors)
	}
	if res.Detailed["subtype"] != "docx" {
		t.Errorf("subtype = %q, want docx", res.Detailed["subtype"])
	}
	if res.Basic["author"] != "Mallory" || res.Basic["title"] != "Invoice" {
		t.Errorf("core properties: %v", res.Basic)
	}
	if res.Basic["last_modified_by"] != "Eve" {
		t.Errorf("last_modified_by = %q", res.Basic["last_modified_by"])
	}
	if res.Basic["created_at"] != "2024-02-01T10:00:00Z" {
		t.Errorf("created_at = %q", res.Basic["created_at"])
	}
	if res.Detailed["application"] != "Microsoft Office Word" {
		t.Errorf("application = %q", res.Detailed["application"])
	}
	want := "First paragraph.\nSecond paragraph."
	if res.Text != want {
		t.Errorf("text = %q, want %q", res.Text, want)
	}
	if len(res.Objects) != 1 || res.Objects[0].Kind != "image" || res.Objects[0].Name != "image1.png" {
		t.Errorf("media objects: %+v", res.Objects)
	}
	if res.Detailed["zip_member_count"] != "5" {
		t.Errorf("zip_member_count = %q", res.Detailed["zip_member_count"])
	}
}

func TestExtractOOXMLUnknownSubtype(t *testing.T) {
	data := buildZip(t, map[string]string{
		"[Content_Types].xml": `<?xml version="1.0"?><Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types"></Types>`,
		"some/part.xml":       "<x/>",
	})
	res := newResult()
	extractOOXML(data, res)
	if res.Failed {
		t.Fatalf("unknown subtype must degrade, not fail: %+v", res.Errors)
	}
	if res.Detailed["subtype"] != "ooxml" {
		t.Errorf("subtype = %q, want ooxml fallback", res.Detailed["subtype"])
	}
	found := false
	for _, e := range res.Errors {
		if e.Kind == record.ErrUnsupported {
			found = true
		}
	}
	if !found {
		t.Errorf("expected UNSUPPORTED_SUBTYPE error, got %+v", res.Errors)
	}
}

func TestExtractOOXMLMissingDocument(t *testing.T) {
	data := buildZip(t, map[string]string{
		"[Content_Types].xml": docxContentTypes,
	})
	res := newResult()
	extractOOXML(data, res)
	if res.Failed {
		t.Fatalf("missing document.xml must degrade, not fail: %+v", res.Errors)
	}
	found := false
	for _, e := range res.Errors {
		if e.Kind == record.ErrCorrupt {
			found = true
		}
	}
	if !found {
		t.Errorf("expected CORRUPT error for missing main part, got %+v", res.Errors)
	}
}

func TestExtractOOXMLTruncatedDocumentXML(t *testing.T) {
	data := buildZip(t, map[string]string{
		"[Content_Types].xml": docxContentTypes,
		"word/document.xml": `<?xml version="1.0"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body><w:p><w:r><w:t>Kept prefix.</w:t></w:r></w:p><w:p><w:r><w:t>cut`,
	})
	res := newResult()
	extractOOXML(data, res)
	if res.Failed {
		t.Fatalf("truncated xml must degrade, not fail: %+v", res.Errors)
	}
	// Whatever parsed before the damage survives alongside the error.
	if res.Text != "Kept prefix." {
		t.Errorf("text = %q, want parsed prefix", res.Text)
	}
	if len(res.Errors) == 0 {
		t.Error("expected an error recording the truncation")
	}
}

func TestExtractOOXMLNotZip(t *testing.T) {
	res := newResult()
	extractOOXML([]byte("not a zip at all"), res)
	if !res.Failed {
		t.Fatal("expected failure for non-zip input")
	}
	if res.Errors[0].Kind != record.ErrCorrupt {
		t.Errorf("kind = %q, want CORRUPT", res.Errors[0].Kind)
	}
}

func TestExtractOOXMLMacroEnabledWithoutVBA(t *testing.T) {
	data := buildZip(t, map[string]string{
		"[Content_Types].xml": `<?xml version="1.0"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">
  <Override PartName="/word/document.xml" ContentType="application/vnd.ms-word.document.macroEnabled.main+xml"/>
</Types>`,
		"word/document.xml": `<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body/></w:document>`,
	})
	res := newResult()
	extractOOXML(data, res)
	if res.Detailed["subtype"] != "docm" {
		t.Errorf("subtype = %q, want docm", res.Detailed["subtype"])
	}
	if res.Detailed["has_macros"] != "false" {
		t.Errorf("has_macros = %q, want false for macro subtype without vbaProject.bin", res.Detailed["has_macros"])
	}
}

func TestExtractOOXMLCorruptVBAProject(t *testing.T) {
	data := buildZip(t, map[string]string{
		"[Content_Types].xml":   docxContentTypes,
		"word/document.xml":     `<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body/></w:document>`,
		"word/vbaProject.bin":   "definitely not a compound file",
	})
	res := newResult()
	extractOOXML(data, res)
	if res.Failed {
		t.Fatalf("corrupt vba project must degrade, not fail: %+v", res.Errors)
	}
	// The artifact itself is still recorded.
	foundProject := false
	for _, obj := range res.Objects {
		if obj.Kind == "vba_project" {
			foundProject = true
		}
	}
	if !foundProject {
		t.Errorf("vbaProject.bin artifact missing: %+v", res.Objects)
	}
	foundErr := false
	for _, e := range res.Errors {
		if e.Kind == record.ErrCorrupt {
			foundErr = true
		}
	}
	if !foundErr {
		t.Errorf("expected CORRUPT error for unparseable vba project, got %+v", res.Errors)
	}
}
