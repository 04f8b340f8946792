package sniff

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/hazyhaar/maldoc/record"
)

func zipWith(t *testing.T, names ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		w.Write([]byte("x"))
	}
	zw.Close()
	return buf.Bytes()
}

func TestDetectSignatures(t *testing.T) {
	tests := []struct {
		name    string
		content []byte
		hint    string
		want    record.ContainerType
	}{
		{"pdf header", []byte("%PDF-1.7\n..."), "", record.TypePDF},
		{"pdf with leading junk", append(bytes.Repeat([]byte{0x00}, 100), []byte("%PDF-1.4")...), "", record.TypePDF},
		{"rar4", []byte("Rar!\x1a\x07\x00rest"), "", record.TypeRAR},
		{"rar5", []byte("Rar!\x1a\x07\x01\x00rest"), "", record.TypeRAR},
		{"ole", []byte("\xd0\xcf\x11\xe0\xa1\xb1\x1a\xe1more"), "", record.TypeOfficeOLE},
		{"rtf", []byte(`{\rtf1\ansi hello}`), "", record.TypeRTF},
		{"unknown", []byte("nothing recognizable"), "", record.TypeUnknown},
	}
	for _, tt := range tests {
		if got := Detect(tt.content, tt.hint); got != tt.want {
			t.Errorf("%s: Detect = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestDetectZipVsOOXML(t *testing.T) {
	plain := zipWith(t, "readme.txt", "payload.bin")
	if got := Detect(plain, "archive.zip"); got != record.TypeZIP {
		t.Errorf("plain zip = %s, want ZIP", got)
	}

	ooxml := zipWith(t, "[Content_Types].xml", "word/document.xml")
	if got := Detect(ooxml, "invoice.docx"); got != record.TypeOfficeOOXML {
		t.Errorf("ooxml zip = %s, want OFFICE_OOXML", got)
	}

	// Extension lies: a real zip named .pdf is still a zip.
	if got := Detect(plain, "invoice.pdf"); got != record.TypeZIP {
		t.Errorf("zip named .pdf = %s, want ZIP", got)
	}
}

func TestDetectExtensionFallback(t *testing.T) {
	// No recognizable signature: extension may be consulted.
	body := []byte("plain text body with no magic")
	tests := []struct {
		hint string
		want record.ContainerType
	}{
		{"notes.rtf", record.TypeRTF},
		{"report.doc", record.TypeOfficeOLE},
		{"sheet.xlsm", record.TypeOfficeOOXML},
		{"bundle.rar", record.TypeRAR},
		{"whatever.bin", record.TypeUnknown},
		{"", record.TypeUnknown},
	}
	for _, tt := range tests {
		if got := Detect(body, tt.hint); got != tt.want {
			t.Errorf("hint %q: Detect = %s, want %s", tt.hint, got, tt.want)
		}
	}
}
