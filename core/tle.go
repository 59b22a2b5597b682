package core

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// TLEEntry is one named two-line element set.
type TLEEntry struct {
	Name  string
	Line1 string
	Line2 string
}

// ValidateTLELines performs basic format validation on TLE lines.
func ValidateTLELines(line1, line2 string) error {
	line1 = strings.TrimSpace(line1)
	line2 = strings.TrimSpace(line2)

	if len(line1) != 69 {
		return fmt.Errorf("line1 length %d, expected 69", len(line1))
	}
	if len(line2) != 69 {
		return fmt.Errorf("line2 length %d, expected 69", len(line2))
	}
	if !strings.HasPrefix(line1, "1 ") {
		return fmt.Errorf("line1 must start with '1 ', got %q", line1[:2])
	}
	if !strings.HasPrefix(line2, "2 ") {
		return fmt.Errorf("line2 must start with '2 ', got %q", line2[:2])
	}
	if a, b := strings.TrimSpace(line1[2:7]), strings.TrimSpace(line2[2:7]); a != b {
		return fmt.Errorf("catalogue number mismatch between lines: %q vs %q", a, b)
	}
	return nil
}

// ParseTLE reads the 3-line NORAD format (name, line 1, line 2) from r.
// Blank lines are ignored. Any malformed record fails the whole parse: a
// partially loaded catalogue would silently drop bodies from monitoring.
func ParseTLE(r io.Reader) ([]TLEEntry, error) {
	scanner := bufio.NewScanner(r)
	var lines []string
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n ")
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading TLE data: %w", err)
	}
	if len(lines)%3 != 0 {
		return nil, fmt.Errorf("TLE data has %d non-empty lines, expected a multiple of 3", len(lines))
	}

	entries := make([]TLEEntry, 0, len(lines)/3)
	for i := 0; i < len(lines); i += 3 {
		name := strings.TrimSpace(lines[i])
		if name == "" {
			return nil, fmt.Errorf("TLE record at line %d has an empty name", i+1)
		}
		if err := ValidateTLELines(lines[i+1], lines[i+2]); err != nil {
			return nil, fmt.Errorf("TLE record %q: %w", name, err)
		}
		entries = append(entries, TLEEntry{
			Name:  name,
			Line1: strings.TrimSpace(lines[i+1]),
			Line2: strings.TrimSpace(lines[i+2]),
		})
	}
	return entries, nil
}
