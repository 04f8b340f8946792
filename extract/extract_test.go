package extract

import (
	"context"
	"testing"

	"github.com/hazyhaar/maldoc/record"
)

func TestExtractUnknownTypeBasicsOnly(t *testing.T) {
	res := Extract(context.Background(), record.TypeUnknown, []byte("hello"))
	if res.Failed {
		t.Fatalf("unknown type must not fail: %+v", res.Errors)
	}
	if res.Basic["size_bytes"] != "5" {
		t.Errorf("size_bytes = %q, want 5", res.Basic["size_bytes"])
	}
	if res.Text != "" || len(res.Objects) != 0 {
		t.Errorf("unknown type produced content: %+v", res)
	}
}

func TestExtractCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := Extract(ctx, record.TypeRTF, []byte(`{\rtf1 hi}`))
	if !res.Failed {
		t.Fatal("expected failure on cancelled context")
	}
	if res.Errors[0].Kind != record.ErrTimeout {
		t.Errorf("kind = %q, want TIMEOUT", res.Errors[0].Kind)
	}
}

func TestExtractDispatch(t *testing.T) {
	res := Extract(context.Background(), record.TypeRTF, []byte(`{\rtf1 body}`))
	if res.Failed {
		t.Fatalf("rtf dispatch failed: %+v", res.Errors)
	}
	if res.Text != "body" {
		t.Errorf("text = %q", res.Text)
	}
}

func TestApplyFailedClearsDerivedContent(t *testing.T) {
	res := newResult()
	res.setBasic("size_bytes", "10")
	res.Text = "recovered"
	res.Objects = append(res.Objects, record.EmbeddedObject{Name: "x"})
	res.fail("rtf", record.ErrCorrupt, "broken")

	r := record.New("a.rtf", []byte("content"))
	res.Apply(r)

	if r.Status != record.StatusFailed {
		t.Errorf("status = %q, want FAILED", r.Status)
	}
	if r.ExtractedText != "" || len(r.EmbeddedObjects) != 0 || len(r.ScanFindings) != 0 {
		t.Error("failed record kept derived content")
	}
	if r.BasicMetadata["size_bytes"] != "10" {
		t.Error("failed record must keep basic metadata")
	}
	if len(r.Errors) == 0 {
		t.Error("failed record missing its errors")
	}
}

func TestApplyPartial(t *testing.T) {
	res := newResult()
	res.Text = "some text"
	res.addError("ooxml", record.ErrCorrupt, "truncated part")

	r := record.New("b.docx", []byte("content"))
	res.Apply(r)
	r.Finalize()

	if r.Status != record.StatusPartial {
		t.Errorf("status = %q, want PARTIAL", r.Status)
	}
	if r.ExtractedText != "some text" {
		t.Errorf("text = %q", r.ExtractedText)
	}
}
