package extract

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
)

// compressLiteral builds an MS-OVBA container holding src as literal-only
// compressed chunks.
func compressLiteral(src []byte) []byte {
	out := []byte{0x01}
	for len(src) > 0 {
		chunk := src
		if len(chunk) > 4096 {
			chunk = chunk[:4096]
		}
		src = src[len(chunk):]

		var tokens []byte
		for i := 0; i < len(chunk); i += 8 {
			end := i + 8
			if end > len(chunk) {
				end = len(chunk)
			}
			tokens = append(tokens, 0x00)
			tokens = append(tokens, chunk[i:end]...)
		}
		header := uint16(2+len(tokens)-3) | 0x3000 | 0x8000
		out = binary.LittleEndian.AppendUint16(out, header)
		out = append(out, tokens...)
	}
	return out
}

func TestDecompressVBALiteralRoundTrip(t *testing.T) {
	src := []byte("Attribute VB_Name = \"Module1\"\r\nSub AutoOpen()\r\n  MsgBox \"hi\"\r\nEnd Sub\r\n")
	got, err := decompressVBA(compressLiteral(src))
	if err != nil {
		t.Fatalf("decompressVBA: %v", err)
	}
	if !bytes.Equal(got, src) {
		t.Errorf("round trip mismatch:\ngot  %q\nwant %q", got, src)
	}
}

func TestDecompressVBARawChunk(t *testing.T) {
	payload := []byte("HELLO RAW CHUNK")
	container := []byte{0x01}
	// Raw chunk: signature bits set, compressed flag clear.
	container = binary.LittleEndian.AppendUint16(container, 0x3fff)
	container = append(container, payload...)

	got, err := decompressVBA(container)
	if err != nil {
		t.Fatalf("decompressVBA: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("raw chunk: got %q, want %q", got, payload)
	}
}

func TestDecompressVBACopyToken(t *testing.T) {
	// Four literals then one copy token (offset 4, length 8): "ABCD" * 3.
	tokens := []byte{0x10, 'A', 'B', 'C', 'D', 0x05, 0x30}
	container := []byte{0x01}
	container = binary.LittleEndian.AppendUint16(container, uint16(2+len(tokens)-3)|0x3000|0x8000)
	container = append(container, tokens...)

	got, err := decompressVBA(container)
	if err != nil {
		t.Fatalf("decompressVBA: %v", err)
	}
	if string(got) != "ABCDABCDABCD" {
		t.Errorf("copy token expansion: got %q, want %q", got, "ABCDABCDABCD")
	}
}

func TestDecompressVBANotContainer(t *testing.T) {
	if _, err := decompressVBA([]byte{0x02, 0x00, 0x00}); err == nil {
		t.Error("expected error for missing signature byte")
	}
	if _, err := decompressVBA(nil); err == nil {
		t.Error("expected error for empty input")
	}
}

func TestDecompressVBABadChunkSignature(t *testing.T) {
	container := []byte{0x01}
	container = binary.LittleEndian.AppendUint16(container, 0x8005)
	container = append(container, "12345678"...)
	if _, err := decompressVBA(container); err == nil {
		t.Error("expected error for bad chunk signature bits")
	}
}

func TestCopyTokenBits(t *testing.T) {
	tests := []struct {
		decompressed int
		want         uint
	}{
		{0, 4},
		{16, 4},
		{17, 5},
		{64, 6},
		{4096, 12},
		{100000, 12},
	}
	for _, tc := range tests {
		if got := copyTokenBits(tc.decompressed); got != tc.want {
			t.Errorf("copyTokenBits(%d) = %d, want %d", tc.decompressed, got, tc.want)
		}
	}
}

func TestProbeVBASource(t *testing.T) {
	src := "Attribute VB_Name = \"ThisDocument\"\r\nSub Document_Open()\r\nEnd Sub\r\n"
	stream := append([]byte("XYZ junk prefix bytes"), compressLiteral([]byte(src))...)

	got, ok := probeVBASource(stream)
	if !ok {
		t.Fatal("expected VBA source to be found")
	}
	if !strings.Contains(got, "Attribute VB_Name") {
		t.Errorf("recovered source missing attributes: %q", got)
	}

	if _, ok := probeVBASource([]byte("nothing here at all")); ok {
		t.Error("expected no source in plain bytes")
	}
}

func TestScanMacroSource(t *testing.T) {
	src := `Attribute VB_Name = "ThisDocument"
Sub Document_Open()
    Set o = CreateObject("WScript.Shell")
    o.Run "powershell -enc AAA"
    s = Chr(104) & Chr(105)
End Sub
`
	findings := scanMacroSource(src)

	byPattern := map[string]int{}
	for _, f := range findings {
		byPattern[f.Pattern] = f.ByteOffset
	}
	for _, want := range []string{"autoexec_document_open", "exec_shell", "exec_createobject", "exec_powershell", "obfuscation_chr"} {
		if _, ok := byPattern[want]; !ok {
			t.Errorf("missing expected pattern %s in %v", want, byPattern)
		}
	}
	if off, ok := byPattern["autoexec_document_open"]; ok {
		if off != strings.Index(src, "Document_Open") {
			t.Errorf("autoexec offset = %d, want %d", off, strings.Index(src, "Document_Open"))
		}
	}
	if _, ok := byPattern["net_download"]; ok {
		t.Error("net_download should not match this source")
	}
}

func TestScanMacroSourceClean(t *testing.T) {
	if findings := scanMacroSource("Sub Helper()\n  x = 1 + 2\nEnd Sub\n"); len(findings) != 0 {
		t.Errorf("clean source produced findings: %v", findings)
	}
}
