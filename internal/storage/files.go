package storage

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const maxEntries = 500

// timeLayout is how records are shown on IRC
const timeLayout = "Mon Jan 2, 2006 15:04:05 MST"

// Record is one finished transfer in the history file
type Record struct {
	Time      time.Time
	ID        string
	Direction string
	Nick      string
	File      string
	Outcome   string
	Bytes     int64
}

// String is the on-disk form: tab separated, RFC 3339 time first
func (r Record) String() string {
	return strings.Join([]string{
		r.Time.UTC().Format(time.RFC3339),
		r.ID,
		r.Direction,
		r.Nick,
		r.Outcome,
		strconv.FormatInt(r.Bytes, 10),
		r.File,
	}, "\t")
}

// Display formats the record for a PRIVMSG reply
func (r Record) Display() string {
	return fmt.Sprintf("[%s] %s %s %s %q: %s (%d bytes)",
		r.Time.Format(timeLayout), r.ID, r.Direction, r.Nick, r.File, r.Outcome, r.Bytes)
}

// ParseRecord reads the on-disk form written by Record.String
func ParseRecord(line string) (Record, error) {
	fields := strings.SplitN(line, "\t", 7)
	if len(fields) != 7 {
		return Record{}, fmt.Errorf("expected 7 fields, got %d", len(fields))
	}
	ts, err := time.Parse(time.RFC3339, fields[0])
	if err != nil {
		return Record{}, fmt.Errorf("bad time: %w", err)
	}
	n, err := strconv.ParseInt(fields[5], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("bad byte count: %w", err)
	}
	return Record{
		Time:      ts,
		ID:        fields[1],
		Direction: fields[2],
		Nick:      fields[3],
		Outcome:   fields[4],
		Bytes:     n,
		File:      fields[6],
	}, nil
}

// LoadHistory reads transfer history from file
// Returns records in reverse chronological order (newest first)
func LoadHistory(dataDir string) ([]Record, error) {
	path := filepath.Join(dataDir, "transfers.txt")
	lines, err := readLines(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Record{}, nil
		}
		return nil, err
	}

	records := make([]Record, 0, len(lines))
	// Reverse so newest is first (file stores oldest first)
	for _, line := range reverse(lines) {
		rec, err := ParseRecord(line)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// SaveHistory writes transfer history to file
// Expects records in reverse chronological order (newest first)
func SaveHistory(dataDir string, records []Record) error {
	path := filepath.Join(dataDir, "transfers.txt")
	lines := make([]string, len(records))
	for i, rec := range records {
		lines[i] = rec.String()
	}
	// Reverse back to oldest-first for file storage
	return writeLines(path, reverse(lines))
}

// LoadStats reads command stats from file
func LoadStats(dataDir string) ([]string, error) {
	path := filepath.Join(dataDir, "stats.txt")
	lines, err := readLines(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	return lines, nil
}

// SaveStats writes command stats to file (max 500 entries)
func SaveStats(dataDir string, stats []string) error {
	path := filepath.Join(dataDir, "stats.txt")
	// Trim to max entries (keep newest at end)
	if len(stats) > maxEntries {
		stats = stats[len(stats)-maxEntries:]
	}
	return writeLines(path, stats)
}

// AddHistory prepends a record (keeping newest first in memory)
func AddHistory(records []Record, rec Record) []Record {
	records = append([]Record{rec}, records...)
	if len(records) > maxEntries {
		records = records[:maxEntries]
	}
	return records
}

// AddStat appends a new stat entry
func AddStat(stats []string, entry string) []string {
	stats = append(stats, entry)
	if len(stats) > maxEntries {
		stats = stats[1:]
	}
	return stats
}

func readLines(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

func writeLines(path string, lines []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	for _, line := range lines {
		if _, err := fmt.Fprintln(file, line); err != nil {
			return err
		}
	}
	return nil
}

func reverse(s []string) []string {
	result := make([]string, len(s))
	for i, v := range s {
		result[len(s)-1-i] = v
	}
	return result
}
