package extract

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode"

	"github.com/richardlehane/mscfb"

	"github.com/hazyhaar/maldoc/record"
)

// VBA project streams store module source behind the MS-OVBA compression
// container: a 0x01 signature byte followed by 4 KiB chunks, each either
// stored raw or token-compressed with back-references into the chunk.

var errNotCompressed = errors.New("vba: not a compression container")

// decompressVBA expands one MS-OVBA compressed container.
func decompressVBA(data []byte) ([]byte, error) {
	if len(data) < 3 || data[0] != 0x01 {
		return nil, errNotCompressed
	}
	var out []byte
	pos := 1
	for pos+2 <= len(data) {
		header := binary.LittleEndian.Uint16(data[pos:])
		pos += 2

		size := int(header&0x0fff) + 3
		if (header>>12)&0x7 != 0b011 {
			return nil, fmt.Errorf("vba: bad chunk signature at %d", pos-2)
		}
		compressed := header&0x8000 != 0

		chunkEnd := pos + size - 2
		if chunkEnd > len(data) {
			chunkEnd = len(data)
		}

		if !compressed {
			// Raw chunk: 4096 literal bytes (possibly short at the end).
			end := pos + 4096
			if end > len(data) {
				end = len(data)
			}
			out = append(out, data[pos:end]...)
			pos = end
			continue
		}

		chunk, err := decompressChunk(data[pos:chunkEnd])
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
		pos = chunkEnd
	}
	return out, nil
}

// decompressChunk expands the token sequences of one compressed chunk.
// Copy-token offset/length split depends on how much of the chunk is
// already decompressed, per MS-OVBA 2.4.1.3.19.
func decompressChunk(data []byte) ([]byte, error) {
	out := make([]byte, 0, 4096)
	pos := 0
	for pos < len(data) && len(out) < 4096 {
		flags := data[pos]
		pos++
		for bit := 0; bit < 8 && pos < len(data) && len(out) < 4096; bit++ {
			if flags&(1<<bit) == 0 {
				out = append(out, data[pos])
				pos++
				continue
			}
			if pos+2 > len(data) {
				return nil, fmt.Errorf("vba: truncated copy token")
			}
			token := binary.LittleEndian.Uint16(data[pos:])
			pos += 2

			bitCount := copyTokenBits(len(out))
			lengthMask := uint16(0xffff) >> bitCount
			length := int(token&lengthMask) + 3
			offset := int(token>>(16-bitCount)) + 1

			if offset > len(out) {
				return nil, fmt.Errorf("vba: copy offset %d beyond %d decompressed bytes", offset, len(out))
			}
			for i := 0; i < length; i++ {
				out = append(out, out[len(out)-offset])
			}
		}
	}
	return out, nil
}

func copyTokenBits(decompressed int) uint {
	bits := uint(4)
	for 1<<bits < decompressed {
		bits++
	}
	if bits > 12 {
		bits = 12
	}
	return bits
}

// vbaModulesFromCFB walks a compound file's streams looking for VBA module
// source. Rather than trusting the dir stream (often deliberately damaged),
// every stream is probed for a decompressible container that yields VBA
// attributes, the same trick mainstream maldoc tooling uses.
func vbaModulesFromCFB(files []*mscfb.File, res *Result) []string {
	var sources []string
	for _, entry := range files {
		data := readCFBStream(entry)
		if data == nil {
			continue
		}
		src, ok := probeVBASource(data)
		if !ok {
			continue
		}
		sources = append(sources, src)
		res.Objects = append(res.Objects, record.EmbeddedObject{
			Name:      entry.Name,
			Kind:      "vba_module",
			SizeBytes: int64(len(src)),
			Sha256:    record.HashBytes([]byte(src)),
		})
	}
	if len(sources) > 0 {
		res.setDetailed("vba_module_count", fmt.Sprintf("%d", len(sources)))
		res.setDetailed("has_macros", "true")
	}
	return sources
}

// readCFBStream reads one compound-file stream fully, skipping empty or
// absurdly large streams.
func readCFBStream(entry *mscfb.File) []byte {
	if entry.Size <= 0 || entry.Size > 16<<20 {
		return nil
	}
	data := make([]byte, entry.Size)
	n, err := io.ReadFull(entry, data)
	if n <= 0 && err != nil {
		return nil
	}
	return data[:n]
}

// probeVBASource tries each plausible container start within a stream and
// accepts output that looks like VBA module text.
func probeVBASource(data []byte) (string, bool) {
	for i := 0; i < len(data); i++ {
		if data[i] != 0x01 {
			continue
		}
		out, err := decompressVBA(data[i:])
		if err != nil {
			continue
		}
		if bytes.Contains(out, []byte("Attribute VB_")) {
			return vbaText(out), true
		}
	}
	return "", false
}

// vbaText keeps the printable lines of decompressed module source.
func vbaText(raw []byte) string {
	var sb strings.Builder
	for _, r := range string(raw) {
		if r == '\n' || r == '\r' || r == '\t' || unicode.IsPrint(r) {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// macroPattern is one static signature matched against macro source.
type macroPattern struct {
	name string
	re   *regexp.Regexp
}

// Auto-execution entry points, process/network primitives, and the usual
// obfuscation machinery. Matches are reported as findings, never executed.
var macroPatterns = []macroPattern{
	{"autoexec_document_open", regexp.MustCompile(`(?i)\b(?:Document_Open|AutoOpen|Auto_Open)\b`)},
	{"autoexec_document_close", regexp.MustCompile(`(?i)\b(?:Document_Close|AutoClose|Auto_Close)\b`)},
	{"autoexec_workbook_open", regexp.MustCompile(`(?i)\bWorkbook_Open\b`)},
	{"exec_shell", regexp.MustCompile(`(?i)\b(?:Shell|ShellExecute|WScript\.Shell)\b`)},
	{"exec_createobject", regexp.MustCompile(`(?i)\bCreateObject\s*\(`)},
	{"exec_powershell", regexp.MustCompile(`(?i)powershell`)},
	{"net_download", regexp.MustCompile(`(?i)\b(?:URLDownloadToFile|XMLHTTP|WinHttpRequest|InternetOpen)\b`)},
	{"fs_write", regexp.MustCompile(`(?i)\b(?:FileSystemObject|ADODB\.Stream|SaveToFile)\b`)},
	{"obfuscation_chr", regexp.MustCompile(`(?i)\bChr[W$]?\s*\(\s*\d+\s*\)\s*[&+]\s*Chr`)},
	{"obfuscation_strreverse", regexp.MustCompile(`(?i)\bStrReverse\s*\(`)},
	{"registry_access", regexp.MustCompile(`(?i)\bRegWrite\b|\\CurrentVersion\\Run`)},
	{"env_probe", regexp.MustCompile(`(?i)\bEnviron\s*\(`)},
}

// scanMacroSource matches the static signature set against one module's
// source, with byte offsets into that module.
func scanMacroSource(source string) []record.ScanFinding {
	var findings []record.ScanFinding
	for _, p := range macroPatterns {
		loc := p.re.FindStringIndex(source)
		if loc == nil {
			continue
		}
		findings = append(findings, record.ScanFinding{
			Kind:       record.FindingMacro,
			Value:      source[loc[0]:loc[1]],
			ByteOffset: loc[0],
			Pattern:    p.name,
		})
	}
	return findings
}
