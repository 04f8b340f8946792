package extract

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/maldoc/record"
)

const stageRTF = "rtf"

// Group modes while walking the RTF group tree.
const (
	rtfModeText = iota
	rtfModeSkip
	rtfModeInfo
	rtfModeInfoField
	rtfModeObjData
)

// Destinations whose content is never document text.
var rtfSkipDests = map[string]bool{
	"fonttbl": true, "colortbl": true, "stylesheet": true,
	"pict": true, "themedata": true, "listtable": true,
	"listoverridetable": true, "generator": true, "xmlnstbl": true,
	"latentstyles": true, "datastore": true, "rsidtbl": true,
}

// Info-group fields captured as metadata.
var rtfInfoFields = map[string]bool{
	"author": true, "operator": true, "title": true, "subject": true,
	"company": true, "doccomm": true,
}

type rtfGroup struct {
	mode      int
	infoField string
	timeDest  string // creatim or revtim inside \info
}

type rtfParser struct {
	data []byte
	pos  int

	text    strings.Builder
	objHex  strings.Builder
	info    map[string]string
	times   map[string]*rtfTime
	objects []record.EmbeddedObject
}

type rtfTime struct{ yr, mo, dy, hr, min int }

// extractRTF tokenizes an RTF document for metadata, plain text, and
// embedded OLE objects carried in \objdata hex runs. RTF from the wild is
// routinely truncated or over-nested; the parser treats both as end of
// input rather than faults.
func extractRTF(data []byte, res *Result) {
	if !bytes.HasPrefix(data, []byte("{\\rtf")) {
		res.fail(stageRTF, record.ErrCorrupt, "missing rtf header group")
		return
	}

	p := &rtfParser{
		data:  data,
		info:  map[string]string{},
		times: map[string]*rtfTime{},
	}
	p.parse()

	res.setBasic("author", p.info["author"])
	res.setBasic("title", p.info["title"])
	res.setBasic("last_modified_by", p.info["operator"])
	res.setDetailed("company", p.info["company"])
	if t := p.times["creatim"]; t != nil {
		res.setBasic("created_at", t.format())
	}
	if t := p.times["revtim"]; t != nil {
		res.setBasic("modified_at", t.format())
	}

	res.Text = normalizeRTFText(p.text.String())
	res.Objects = append(res.Objects, p.objects...)
	if len(p.objects) > 0 {
		res.setDetailed("embedded_object_count", fmt.Sprintf("%d", len(p.objects)))
	}
}

func (t *rtfTime) format() string {
	if t.yr == 0 {
		return ""
	}
	return record.FormatTime(time.Date(t.yr, time.Month(max(t.mo, 1)), max(t.dy, 1), t.hr, t.min, 0, 0, time.UTC))
}

func (p *rtfParser) parse() {
	stack := []rtfGroup{{mode: rtfModeText}}
	starred := false

	for p.pos < len(p.data) && len(stack) > 0 {
		c := p.data[p.pos]
		cur := &stack[len(stack)-1]

		switch c {
		case '{':
			p.pos++
			stack = append(stack, *cur)
			// Nesting bombs: beyond any plausible document depth, stop.
			if len(stack) > 512 {
				return
			}
		case '}':
			p.pos++
			if cur.mode == rtfModeObjData {
				p.finishObject()
			}
			stack = stack[:len(stack)-1]
		case '\\':
			word, param, hasParam := p.controlWord()
			starred = p.handleControl(cur, word, param, hasParam, starred)
		default:
			p.pos++
			if c == '\r' || c == '\n' {
				continue
			}
			p.emit(cur, rune(c))
		}
	}
}

// controlWord consumes a control word or control symbol after '\'.
func (p *rtfParser) controlWord() (string, int, bool) {
	p.pos++ // consume backslash
	if p.pos >= len(p.data) {
		return "", 0, false
	}

	c := p.data[p.pos]
	if !isAlpha(c) {
		// Control symbol: single character.
		p.pos++
		return string(c), 0, false
	}

	start := p.pos
	for p.pos < len(p.data) && isAlpha(p.data[p.pos]) {
		p.pos++
	}
	word := string(p.data[start:p.pos])

	param, hasParam := 0, false
	neg := false
	if p.pos < len(p.data) && (p.data[p.pos] == '-' || isDigit(p.data[p.pos])) {
		if p.data[p.pos] == '-' {
			neg = true
			p.pos++
		}
		for p.pos < len(p.data) && isDigit(p.data[p.pos]) {
			hasParam = true
			param = param*10 + int(p.data[p.pos]-'0')
			p.pos++
		}
		if neg {
			param = -param
		}
	}
	// A single space after the control word is part of it.
	if p.pos < len(p.data) && p.data[p.pos] == ' ' {
		p.pos++
	}
	return word, param, hasParam
}

func (p *rtfParser) handleControl(cur *rtfGroup, word string, param int, hasParam, starred bool) bool {
	switch word {
	case "*":
		return true
	case "'":
		// \'xx hex escape.
		if p.pos+2 <= len(p.data) {
			if b, err := hex.DecodeString(string(p.data[p.pos : p.pos+2])); err == nil {
				p.emit(cur, rune(b[0]))
			}
			p.pos += 2
		}
		return false
	case "u":
		if hasParam {
			r := rune(param)
			if param < 0 {
				r = rune(65536 + param)
			}
			p.emit(cur, r)
			// Skip the fallback character that follows.
			if p.pos < len(p.data) && p.data[p.pos] != '\\' && p.data[p.pos] != '{' && p.data[p.pos] != '}' {
				p.pos++
			}
		}
		return false
	case "bin":
		// Raw binary payload: skip it entirely.
		if hasParam && param > 0 {
			p.pos += min(param, len(p.data)-p.pos)
		}
		return false
	case "par", "line", "sect", "page":
		p.emit(cur, '\n')
		return false
	case "tab", "cell":
		p.emit(cur, '\t')
		return false
	case "\\", "{", "}":
		p.emit(cur, rune(word[0]))
		return false
	case "~":
		p.emit(cur, ' ')
		return false
	case "info":
		cur.mode = rtfModeInfo
		return false
	case "objdata":
		cur.mode = rtfModeObjData
		p.objHex.Reset()
		return false
	case "object", "objemb", "objclass", "objw", "objh", "result":
		// Object wrapper words carry no text of their own.
		return false
	}

	if rtfSkipDests[word] {
		cur.mode = rtfModeSkip
		return false
	}
	if cur.mode == rtfModeInfo || cur.mode == rtfModeInfoField {
		switch {
		case rtfInfoFields[word]:
			cur.mode = rtfModeInfoField
			cur.infoField = word
		case word == "creatim" || word == "revtim":
			cur.timeDest = word
			p.times[word] = &rtfTime{}
		case cur.timeDest != "":
			t := p.times[cur.timeDest]
			switch word {
			case "yr":
				t.yr = param
			case "mo":
				t.mo = param
			case "dy":
				t.dy = param
			case "hr":
				t.hr = param
			case "min":
				t.min = param
			}
		}
		return false
	}
	if starred {
		// Unknown starred destination: ignorable by definition.
		cur.mode = rtfModeSkip
	}
	return false
}

func (p *rtfParser) emit(cur *rtfGroup, r rune) {
	switch cur.mode {
	case rtfModeText:
		p.text.WriteRune(r)
	case rtfModeInfoField:
		p.info[cur.infoField] += string(r)
	case rtfModeObjData:
		if isHexChar(byte(r)) {
			p.objHex.WriteByte(byte(r))
		}
	}
}

var oleMagic = []byte{0xd0, 0xcf, 0x11, 0xe0, 0xa1, 0xb1, 0x1a, 0xe1}

// finishObject decodes an accumulated \objdata hex run. The payload is an
// OLE1 wrapper; the embedded compound file (when present) identifies a
// Packager-style dropper.
func (p *rtfParser) finishObject() {
	raw := p.objHex.String()
	p.objHex.Reset()
	if len(raw) < 2 {
		return
	}
	if len(raw)%2 == 1 {
		raw = raw[:len(raw)-1]
	}
	data, err := hex.DecodeString(raw)
	if err != nil || len(data) == 0 {
		// A bogus hex run is a false positive, not an error.
		return
	}
	kind := "ole_package"
	if idx := bytes.Index(data, oleMagic); idx >= 0 {
		data = data[idx:]
	} else {
		kind = "object_data"
	}
	p.objects = append(p.objects, record.EmbeddedObject{
		Name:      fmt.Sprintf("objdata_%d", len(p.objects)+1),
		Kind:      kind,
		SizeBytes: int64(len(data)),
		Sha256:    record.HashBytes(data),
	})
}

// normalizeRTFText collapses the whitespace noise tokenizing leaves behind.
func normalizeRTFText(text string) string {
	lines := strings.Split(text, "\n")
	var out []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

func isAlpha(c byte) bool   { return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' }
func isDigit(c byte) bool   { return c >= '0' && c <= '9' }
func isHexChar(c byte) bool { return isDigit(c) || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F' }
