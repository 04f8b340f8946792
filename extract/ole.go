package extract

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/richardlehane/mscfb"
	"github.com/richardlehane/msoleps"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/hazyhaar/maldoc/record"
)

const stageOLE = "ole"

// extractOLE parses a legacy compound-file Office document: subtype from
// stream layout, property-set metadata, best-effort text recovery from the
// main stream, and VBA project extraction.
func extractOLE(data []byte, res *Result) {
	reader, err := mscfb.New(bytes.NewReader(data))
	if err != nil {
		res.fail(stageOLE, record.ErrCorrupt, "compound file: %v", err)
		return
	}

	var mainStream []byte
	subtype := "ole"
	for _, entry := range reader.File {
		switch entry.Name {
		case "WordDocument":
			subtype = "doc"
			mainStream = readCFBStream(entry)
		case "Workbook", "Book":
			subtype = "xls"
			mainStream = readCFBStream(entry)
		case "PowerPoint Document":
			subtype = "ppt"
			mainStream = readCFBStream(entry)
		case "\x05SummaryInformation":
			summaryProperties(readCFBStream(entry), res)
		}
	}
	res.setDetailed("subtype", subtype)
	res.setDetailed("stream_count", strconv.Itoa(len(reader.File)))

	if subtype == "ole" {
		res.addError(stageOLE, record.ErrUnsupported, "no recognized Office main stream")
	}

	if mainStream != nil {
		res.Text = recoverStreamText(mainStream)
	}

	sources := vbaModulesFromCFB(reader.File, res)
	for _, src := range sources {
		res.Findings = append(res.Findings, scanMacroSource(src)...)
	}
}

// summaryProperties decodes the \x05SummaryInformation property set.
// Damaged sets are common in the wild; any parse failure just leaves the
// fields absent.
func summaryProperties(data []byte, res *Result) {
	if data == nil {
		return
	}
	props := msoleps.New()
	if err := props.Reset(bytes.NewReader(data)); err != nil {
		res.addError(stageOLE, record.ErrCorrupt, "summary information: %v", err)
		return
	}
	for _, p := range props.Property {
		if p == nil || p.T == nil {
			continue
		}
		value := strings.TrimSpace(p.T.String())
		if value == "" {
			continue
		}
		name := strings.ToLower(p.Name)
		switch {
		case name == "author":
			res.setBasic("author", value)
		case name == "title":
			res.setBasic("title", value)
		case strings.Contains(name, "create"):
			res.setBasic("created_at", value)
		case strings.Contains(name, "last saved") || strings.Contains(name, "modif"):
			res.setBasic("modified_at", value)
		case strings.Contains(name, "last author"):
			res.setBasic("last_modified_by", value)
		case name == "application name" || name == "appname":
			res.setDetailed("application", value)
		}
	}
}

// minTextRun is the shortest byte run worth keeping during best-effort
// text recovery from binary Office streams.
const minTextRun = 16

// recoverStreamText pulls readable runs out of a binary main stream: the
// binary formats store body text as embedded ASCII or UTF-16LE runs, and a
// full FIB/piece-table parse gains little for triage purposes.
func recoverStreamText(stream []byte) string {
	var parts []string

	// UTF-16LE runs: printable low byte followed by a zero high byte.
	start := -1
	for i := 0; i+1 < len(stream); i += 2 {
		printable := stream[i] >= 0x20 && stream[i] < 0x7f && stream[i+1] == 0x00
		if printable && start < 0 {
			start = i
		}
		if !printable && start >= 0 {
			if i-start >= minTextRun {
				if s := decodeUTF16LE(stream[start:i]); s != "" {
					parts = append(parts, s)
				}
			}
			start = -1
		}
	}
	if start >= 0 && len(stream)-start >= minTextRun {
		if s := decodeUTF16LE(stream[start : len(stream)&^1]); s != "" {
			parts = append(parts, s)
		}
	}

	// ASCII runs.
	start = -1
	for i := 0; i < len(stream); i++ {
		printable := stream[i] >= 0x20 && stream[i] < 0x7f
		if printable && start < 0 {
			start = i
		}
		if !printable && start >= 0 {
			if i-start >= minTextRun {
				parts = append(parts, string(stream[start:i]))
			}
			start = -1
		}
	}
	if start >= 0 && len(stream)-start >= minTextRun {
		parts = append(parts, string(stream[start:]))
	}

	return normalizeText(strings.Join(parts, "\n"))
}

func decodeUTF16LE(run []byte) string {
	dec := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	out, _, err := transform.Bytes(dec, run)
	if err != nil {
		return ""
	}
	return string(out)
}
