package proxyspec

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// LoadFile reads proxy spec strings from a text file, one per line,
// skipping blank lines and lines whose first non-space character is '#'.
// The returned descriptors are assigned sequential IDs starting at 0.
func LoadFile(path string) ([]ProxyDescriptor, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("proxyspec: failed to open %s: %w", path, err)
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("proxyspec: failed to read %s: %w", path, err)
	}

	return ParseAll(lines)
}

// ParseAll parses a sequence of spec strings, assigning sequential IDs.
// The first InvalidProxySpecError encountered is returned immediately.
func ParseAll(raws []string) ([]ProxyDescriptor, error) {
	descriptors := make([]ProxyDescriptor, 0, len(raws))
	for i, raw := range raws {
		d, err := Parse(i, raw)
		if err != nil {
			return nil, err
		}
		descriptors = append(descriptors, d)
	}
	return descriptors, nil
}
