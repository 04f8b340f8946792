package extract

import (
	"strings"
	"testing"

	"github.com/hazyhaar/maldoc/record"
)

func runRTF(t *testing.T, doc string) *Result {
	t.Helper()
	res := newResult()
	extractRTF([]byte(doc), res)
	return res
}

func TestExtractRTFText(t *testing.T) {
	res := runRTF(t, `{\rtf1\ansi Hello \b world\b0 .\par Second line.}`)
	if res.Failed {
		t.Fatalf("unexpected failure: %+v", res.Errors)
	}
	want := "Hello world.\nSecond line."
	if res.Text != want {
		t.Errorf("text = %q, want %q", res.Text, want)
	}
}

func TestExtractRTFInfoGroup(t *testing.T) {
	doc := `{\rtf1{\info{\author Alice Smith}{\operator Bob}{\title Quarterly}` +
		`{\creatim\yr2023\mo7\dy14\hr9\min30}}Body}`
	res := runRTF(t, doc)
	if res.Failed {
		t.Fatalf("unexpected failure: %+v", res.Errors)
	}
	if got := res.Basic["author"]; got != "Alice Smith" {
		t.Errorf("author = %q", got)
	}
	if got := res.Basic["title"]; got != "Quarterly" {
		t.Errorf("title = %q", got)
	}
	if got := res.Basic["last_modified_by"]; got != "Bob" {
		t.Errorf("last_modified_by = %q", got)
	}
	if got := res.Basic["created_at"]; got != "2023-07-14T09:30:00Z" {
		t.Errorf("created_at = %q", got)
	}
	if res.Text != "Body" {
		t.Errorf("text = %q, info leaked into body", res.Text)
	}
}

func TestExtractRTFEscapes(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"hex", `{\rtf1 caf\'e9}`, "café"},
		{"unicode", `{\rtf1 \u1055?\u1088?}`, "Пр"},
		{"braces", `{\rtf1 a\{b\}c}`, "a{b}c"},
		{"nbsp", `{\rtf1 a\~b}`, "a b"},
		{"tab", `{\rtf1 a\tab b}`, "a\tb"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := runRTF(t, tc.doc)
			if res.Text != tc.want {
				t.Errorf("text = %q, want %q", res.Text, tc.want)
			}
		})
	}
}

func TestExtractRTFSkipDestinations(t *testing.T) {
	doc := `{\rtf1{\fonttbl{\f0 Times New Roman;}}{\colortbl;\red0\green0\blue0;}Visible}`
	res := runRTF(t, doc)
	if res.Text != "Visible" {
		t.Errorf("text = %q, skip destination leaked", res.Text)
	}
}

func TestExtractRTFBinSkip(t *testing.T) {
	res := runRTF(t, "{\\rtf1\\bin4 ABCDafter}")
	if res.Text != "after" {
		t.Errorf("text = %q, binary payload leaked", res.Text)
	}
}

func TestExtractRTFObjData(t *testing.T) {
	// OLE1 wrapper bytes followed by the compound-file magic.
	hexPayload := "01050000" + "d0cf11e0a1b11ae1" + "00000000"
	doc := `{\rtf1{\object\objemb{\*\objdata ` + hexPayload + `}}text}`
	res := runRTF(t, doc)
	if res.Failed {
		t.Fatalf("unexpected failure: %+v", res.Errors)
	}
	if len(res.Objects) != 1 {
		t.Fatalf("objects = %d, want 1", len(res.Objects))
	}
	obj := res.Objects[0]
	if obj.Kind != "ole_package" {
		t.Errorf("kind = %q, want ole_package", obj.Kind)
	}
	if obj.SizeBytes != 12 {
		t.Errorf("size = %d, want 12 (trimmed to compound-file start)", obj.SizeBytes)
	}
	if obj.Sha256 == "" {
		t.Error("object hash missing")
	}
	if res.Detailed["embedded_object_count"] != "1" {
		t.Errorf("embedded_object_count = %q", res.Detailed["embedded_object_count"])
	}
	if res.Text != "text" {
		t.Errorf("text = %q", res.Text)
	}
}

func TestExtractRTFObjDataNoOLE(t *testing.T) {
	doc := `{\rtf1{\object{\*\objdata 0102030405060708}}}`
	res := runRTF(t, doc)
	if len(res.Objects) != 1 {
		t.Fatalf("objects = %d, want 1", len(res.Objects))
	}
	if res.Objects[0].Kind != "object_data" {
		t.Errorf("kind = %q, want object_data", res.Objects[0].Kind)
	}
}

func TestExtractRTFNotRTF(t *testing.T) {
	res := runRTF(t, "plain text, no header")
	if !res.Failed {
		t.Fatal("expected failure for missing header")
	}
	if res.Errors[0].Kind != record.ErrCorrupt {
		t.Errorf("kind = %q, want CORRUPT", res.Errors[0].Kind)
	}
}

func TestExtractRTFTruncated(t *testing.T) {
	res := runRTF(t, `{\rtf1 salvaged text`)
	if res.Failed {
		t.Fatalf("truncation should degrade, not fail: %+v", res.Errors)
	}
	if res.Text != "salvaged text" {
		t.Errorf("text = %q", res.Text)
	}
}

func TestExtractRTFNestingBomb(t *testing.T) {
	doc := `{\rtf1 ` + strings.Repeat("{", 5000)
	res := runRTF(t, doc)
	// Must terminate without blowing the stack or failing hard.
	if res.Failed {
		t.Fatalf("nesting bomb should not fail the record: %+v", res.Errors)
	}
}
