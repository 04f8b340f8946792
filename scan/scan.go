// Package scan performs stateless indicator detection over extracted
// content: encoded substrings (base64/base32), IP literals, and the
// dominant natural language.
//
// The scanner is deliberately permissive about candidates and strict about
// validation: a substring that looks encoded but fails to decode is simply
// not a finding, just a false-positive pattern match.
package scan

import (
	"encoding/base32"
	"encoding/base64"
	"net/netip"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/abadojack/whatlanggo"

	"github.com/hazyhaar/maldoc/record"
)

// DefaultMinEncodedLen is the minimum candidate length for base64/base32
// detection. Short incidental matches (ordinary words are valid base64)
// drown findings in noise below this.
const DefaultMinEncodedLen = 16

// minLanguageTextLen gates language identification; detection over a few
// words is unreliable.
const minLanguageTextLen = 40

// Options tunes a scan. The zero value uses defaults.
type Options struct {
	// MinEncodedLen is the minimum length of a base64/base32 candidate
	// before the decoder is consulted.
	MinEncodedLen int

	// DetectLanguage enables dominant-language identification over text.
	DetectLanguage bool
}

func (o *Options) defaults() {
	if o.MinEncodedLen <= 0 {
		o.MinEncodedLen = DefaultMinEncodedLen
	}
}

// The encoded-run regexes keep a low floor so that MinEncodedLen is the
// only length gate; candidates below the configured minimum are dropped
// after matching.
var (
	base64Re = regexp.MustCompile(`[A-Za-z0-9+/]{4,}={0,2}`)
	base32Re = regexp.MustCompile(`[A-Z2-7]{4,}={0,6}`)
	ipv4Re   = regexp.MustCompile(`(?:\d{1,3}\.){3}\d{1,3}`)
	ipv6Re   = regexp.MustCompile(`(?:[0-9A-Fa-f]{0,4}:){2,7}[0-9A-Fa-f]{0,4}(?:%[0-9A-Za-z]+)?`)
)

// Text scans decoded text content and returns findings in offset order per
// kind: encoded substrings, then IP literals, then at most one LANGUAGE
// finding.
func Text(text string, opts Options) []record.ScanFinding {
	opts.defaults()

	var findings []record.ScanFinding
	findings = append(findings, encodedSubstrings(text, opts.MinEncodedLen)...)
	findings = append(findings, ipLiterals(text)...)

	if opts.DetectLanguage {
		if f, ok := language(text); ok {
			findings = append(findings, f)
		}
	}
	return findings
}

func encodedSubstrings(text string, minLen int) []record.ScanFinding {
	var findings []record.ScanFinding

	for _, loc := range base64Re.FindAllStringIndex(text, -1) {
		cand := text[loc[0]:loc[1]]
		if len(cand) < minLen {
			continue
		}
		decoded, ok := decodeBase64(cand)
		if !ok {
			continue
		}
		findings = append(findings, record.ScanFinding{
			Kind:       record.FindingBase64,
			Value:      decoded,
			ByteOffset: loc[0],
		})
	}

	for _, loc := range base32Re.FindAllStringIndex(text, -1) {
		cand := text[loc[0]:loc[1]]
		if len(cand) < minLen {
			continue
		}
		decoded, ok := decodeBase32(cand)
		if !ok {
			continue
		}
		findings = append(findings, record.ScanFinding{
			Kind:       record.FindingBase32,
			Value:      decoded,
			ByteOffset: loc[0],
		})
	}

	return findings
}

// decodeBase64 strictly decodes a candidate and keeps it only when the
// plaintext is mostly printable; binary blobs that happen to decode are
// still noise for downstream clustering.
func decodeBase64(cand string) (string, bool) {
	if len(cand)%4 != 0 {
		return "", false
	}
	raw, err := base64.StdEncoding.DecodeString(cand)
	if err != nil {
		return "", false
	}
	return printableOrEmpty(raw)
}

func decodeBase32(cand string) (string, bool) {
	if len(cand)%8 != 0 {
		return "", false
	}
	raw, err := base32.StdEncoding.DecodeString(cand)
	if err != nil {
		return "", false
	}
	return printableOrEmpty(raw)
}

func printableOrEmpty(raw []byte) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	if !utf8.Valid(raw) {
		return "", false
	}
	printable := 0
	total := 0
	for _, r := range string(raw) {
		total++
		if r >= 0x20 && r != 0x7f || r == '\n' || r == '\r' || r == '\t' {
			printable++
		}
	}
	if total == 0 || printable*100/total < 85 {
		return "", false
	}
	return string(raw), true
}

func ipLiterals(text string) []record.ScanFinding {
	var findings []record.ScanFinding

	for _, loc := range ipv4Re.FindAllStringIndex(text, -1) {
		cand := text[loc[0]:loc[1]]
		if boundedByDigitOrDot(text, loc) {
			continue
		}
		addr, err := netip.ParseAddr(cand)
		if err != nil || !addr.Is4() {
			// Octet out of range or malformed shape.
			continue
		}
		findings = append(findings, record.ScanFinding{
			Kind:       record.FindingIPv4,
			Value:      cand,
			ByteOffset: loc[0],
		})
	}

	for _, loc := range ipv6Re.FindAllStringIndex(text, -1) {
		cand := text[loc[0]:loc[1]]
		if !strings.Contains(cand, "::") && strings.Count(cand, ":") != 7 {
			continue
		}
		addr, err := netip.ParseAddr(cand)
		if err != nil || !addr.Is6() || addr.Is4In6() {
			continue
		}
		findings = append(findings, record.ScanFinding{
			Kind:       record.FindingIPv6,
			Value:      cand,
			ByteOffset: loc[0],
		})
	}

	return findings
}

// boundedByDigitOrDot rejects IPv4 candidates embedded in longer dotted
// runs such as version strings (1.2.3.4.5) where the regex matched a slice.
func boundedByDigitOrDot(text string, loc []int) bool {
	if loc[0] > 0 {
		c := text[loc[0]-1]
		if c == '.' || (c >= '0' && c <= '9') {
			return true
		}
	}
	if loc[1] < len(text) {
		c := text[loc[1]]
		if c == '.' || (c >= '0' && c <= '9') {
			return true
		}
	}
	return false
}

// language identifies the dominant natural language of text. Unreliable
// detections (short text, mixed scripts) yield no finding.
func language(text string) (record.ScanFinding, bool) {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < minLanguageTextLen {
		return record.ScanFinding{}, false
	}
	info := whatlanggo.Detect(trimmed)
	if !info.IsReliable() {
		return record.ScanFinding{}, false
	}
	return record.ScanFinding{
		Kind:       record.FindingLanguage,
		Value:      whatlanggo.LangToString(info.Lang),
		ByteOffset: 0,
	}, true
}
