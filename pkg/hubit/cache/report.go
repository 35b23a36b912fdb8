package cache

import (
	"bufio"
	"bytes"
	"fmt"
	"os"

	"github.com/homeport/dyff"
	"github.com/gonvenience/ytbx"
	"gopkg.in/yaml.v3"

	"github.com/mrsonne/hubit-go/pkg/hubit/store"
)

// Report is a human-readable diagnostic: a diff between two
// persisted-cache snapshots, e.g. before/after an after_execution cache
// write, or the flat store a ReuseCached Get seeded against the one it
// actually produced. Grounded on cmd/graft's diffFiles
// (ytbx.LoadFiles + dyff.CompareInputFiles + dyff.HumanReport), with the
// two in-memory store.Flat snapshots inflated and YAML-marshaled to temp
// files since ytbx's entry point is path-based.
func Report(from, to store.Flat) (string, bool, error) {
	fromPath, err := writeYAMLTemp("hubit-cache-from-*.yml", store.Inflate(from))
	if err != nil {
		return "", false, err
	}
	defer os.Remove(fromPath)

	toPath, err := writeYAMLTemp("hubit-cache-to-*.yml", store.Inflate(to))
	if err != nil {
		return "", false, err
	}
	defer os.Remove(toPath)

	fromFile, toFile, err := ytbx.LoadFiles(fromPath, toPath)
	if err != nil {
		return "", false, fmt.Errorf("cache: load report inputs: %w", err)
	}

	report, err := dyff.CompareInputFiles(fromFile, toFile)
	if err != nil {
		return "", false, fmt.Errorf("cache: compare report inputs: %w", err)
	}

	writer := &dyff.HumanReport{
		Report:       report,
		OmitHeader:   true,
		NoTableStyle: false,
	}

	var buf bytes.Buffer
	out := bufio.NewWriter(&buf)
	if err := writer.WriteReport(out); err != nil {
		return "", false, fmt.Errorf("cache: write report: %w", err)
	}
	out.Flush()

	return buf.String(), len(report.Diffs) > 0, nil
}

func writeYAMLTemp(pattern string, data interface{}) (string, error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", fmt.Errorf("cache: create temp report file: %w", err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	if err := enc.Encode(data); err != nil {
		return "", fmt.Errorf("cache: marshal report input: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("cache: close report input: %w", err)
	}
	return f.Name(), nil
}
