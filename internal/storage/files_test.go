package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func record(id string, at time.Time) Record {
	return Record{
		Time:      at,
		ID:        id,
		Direction: "send",
		Nick:      "bob",
		File:      "my report.pdf",
		Outcome:   "complete",
		Bytes:     5000,
	}
}

func TestHistoryRoundTrip(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "rdcc-test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	// Create some records (newest first in memory)
	now := time.Date(2025, 2, 20, 12, 0, 0, 0, time.UTC)
	records := []Record{
		record("b", now),
		record("a", now.Add(-time.Hour)),
	}

	// Save history
	err = SaveHistory(tmpDir, records)
	if err != nil {
		t.Fatalf("SaveHistory failed: %v", err)
	}

	// Verify file is oldest first
	data, _ := os.ReadFile(filepath.Join(tmpDir, "transfers.txt"))
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 || !strings.Contains(lines[0], "\ta\t") {
		t.Errorf("History file should be oldest first: %q", string(data))
	}

	// Load history back
	loaded, err := LoadHistory(tmpDir)
	if err != nil {
		t.Fatalf("LoadHistory failed: %v", err)
	}

	if len(loaded) != len(records) {
		t.Fatalf("Expected %d records, got %d", len(records), len(loaded))
	}

	// Should be in same order (newest first)
	for i := range records {
		if loaded[i].String() != records[i].String() || !loaded[i].Time.Equal(records[i].Time) {
			t.Errorf("Record %d mismatch: expected %+v, got %+v", i, records[i], loaded[i])
		}
	}
}

func TestLoadHistoryMissing(t *testing.T) {
	loaded, err := LoadHistory(t.TempDir())
	if err != nil {
		t.Fatalf("LoadHistory should not fail for missing file: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("Expected empty history, got %d", len(loaded))
	}
}

func TestLoadHistoryCorrupt(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(tmpDir, "transfers.txt"), []byte("not a record\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadHistory(tmpDir); err == nil {
		t.Errorf("Expected an error for a corrupt history file")
	}
}

func TestAddHistory(t *testing.T) {
	now := time.Now()
	records := []Record{record("old1", now), record("old2", now)}
	records = AddHistory(records, record("new", now))

	if len(records) != 3 {
		t.Errorf("Expected 3 records, got %d", len(records))
	}

	if records[0].ID != "new" {
		t.Errorf("New record should be first, got %q", records[0].ID)
	}
}

func TestAddHistoryMaxEntries(t *testing.T) {
	// Create history at max capacity
	records := make([]Record, 500)
	for i := range records {
		records[i] = record("entry", time.Now())
	}

	// Add one more
	records = AddHistory(records, record("new", time.Now()))

	if len(records) != 500 {
		t.Errorf("Expected 500 records (max), got %d", len(records))
	}

	if records[0].ID != "new" {
		t.Errorf("New record should be first")
	}
}

func TestStatsRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()

	var stats []string
	for i := 0; i < 510; i++ {
		stats = AddStat(stats, "entry")
	}
	if len(stats) != 500 {
		t.Errorf("Expected 500 stats (max), got %d", len(stats))
	}
	stats = AddStat(stats, "latest")

	if err := SaveStats(tmpDir, stats); err != nil {
		t.Fatalf("SaveStats failed: %v", err)
	}
	loaded, err := LoadStats(tmpDir)
	if err != nil {
		t.Fatalf("LoadStats failed: %v", err)
	}
	if len(loaded) != 500 || loaded[len(loaded)-1] != "latest" {
		t.Errorf("Expected newest stat last, got %d entries", len(loaded))
	}
}

func TestRecordDisplay(t *testing.T) {
	rec := record("abc", time.Date(2025, 2, 20, 12, 0, 0, 0, time.UTC))
	got := rec.Display()
	want := `[Thu Feb 20, 2025 12:00:00 UTC] abc send bob "my report.pdf": complete (5000 bytes)`
	if got != want {
		t.Errorf("Display mismatch:\n got %q\nwant %q", got, want)
	}
}
