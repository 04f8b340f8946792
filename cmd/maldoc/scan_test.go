package main

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/hazyhaar/maldoc/record"
)

// TestScanCommandNDJSONOut drives the scan command over a small corpus and
// verifies the NDJSON stream has one complete record per input after the
// output file is closed.
func TestScanCommandNDJSONOut(t *testing.T) {
	dir := t.TempDir()
	corpus := filepath.Join(dir, "corpus")
	if err := os.Mkdir(corpus, 0o755); err != nil {
		t.Fatal(err)
	}
	for name, body := range map[string]string{
		"a.txt": "plain text body one",
		"b.txt": "beacon to 192.168.1.1 here",
	} {
		if err := os.WriteFile(filepath.Join(corpus, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	outPath := filepath.Join(dir, "records.ndjson")

	rootCmd.SetArgs([]string{
		"scan", corpus,
		"--db", filepath.Join(dir, "results.db"),
		"--out", outPath,
		"--no-progress",
		"--workers", "2",
	})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("scan command: %v", err)
	}

	f, err := os.Open(outPath)
	if err != nil {
		t.Fatalf("open ndjson output: %v", err)
	}
	defer f.Close()

	byPath := map[string]record.Status{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec record.DocumentRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("truncated or invalid ndjson line: %v", err)
		}
		byPath[filepath.Base(rec.SourcePath)] = rec.Status
	}
	if err := sc.Err(); err != nil {
		t.Fatal(err)
	}
	if len(byPath) != 2 {
		t.Fatalf("got %d records, want 2: %v", len(byPath), byPath)
	}
	for name, status := range byPath {
		if status != record.StatusOK {
			t.Errorf("%s: status = %s, want OK", name, status)
		}
	}
}
