// Package ignore reads per-partition ignore files that exclude documents
// from indexing.
package ignore

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileName is the ignore file looked up in each partition directory.
const FileName = ".kbignore"

// rule is one parsed line. Later rules override earlier ones.
type rule struct {
	pattern string
	negate  bool
}

// Matcher decides whether a document name is excluded. The zero value and
// a nil Matcher match nothing.
type Matcher struct {
	rules []rule
}

// Load reads FileName from dir. A missing file yields an empty Matcher.
func Load(dir string) (*Matcher, error) {
	f, err := os.Open(filepath.Join(dir, FileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Matcher{}, nil
		}
		return nil, fmt.Errorf("opening ignore file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ignore file: %w", err)
	}
	return Parse(lines)
}

// Parse builds a Matcher from ignore file lines.
func Parse(lines []string) (*Matcher, error) {
	m := &Matcher{}
	for i, line := range lines {
		r, ok := parseLine(line)
		if !ok {
			continue
		}
		// Reject malformed globs up front so Match never has to.
		if _, err := filepath.Match(r.pattern, ""); err != nil {
			return nil, fmt.Errorf("line %d: invalid pattern %q: %w", i+1, line, err)
		}
		m.rules = append(m.rules, r)
	}
	return m, nil
}

// parseLine returns false for blank lines and comments.
func parseLine(line string) (rule, bool) {
	line = strings.TrimRight(line, " \t\r")
	if line == "" || strings.HasPrefix(line, "#") {
		return rule{}, false
	}

	var r rule
	if strings.HasPrefix(line, "!") {
		r.negate = true
		line = line[1:]
	}
	// Partitions are flat, so anchoring and directory markers carry no
	// extra meaning.
	line = strings.TrimPrefix(line, "/")
	line = strings.TrimSuffix(line, "/")
	line = strings.TrimPrefix(line, "**/")
	if line == "" {
		return rule{}, false
	}
	r.pattern = line
	return r, true
}

// Match reports whether name is ignored.
func (m *Matcher) Match(name string) bool {
	if m == nil {
		return false
	}
	ignored := false
	for _, r := range m.rules {
		if ok, _ := filepath.Match(r.pattern, name); ok {
			ignored = !r.negate
		}
	}
	return ignored
}

// Len returns the number of rules.
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.rules)
}
