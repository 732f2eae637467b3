// Package ignore reads .immunityignore files: gitignore-style patterns for
// paths the pre-commit gate never scans.
package ignore

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// FileName is the ignore file looked up at the repository root.
const FileName = ".immunityignore"

// DefaultPatterns apply when a repository has no ignore file: vendored and
// generated code that agents do not author.
var DefaultPatterns = []string{
	"vendor/",
	"node_modules/",
	"*.pb.go",
	"*.min.js",
}

// Parser reads and parses gitignore-style files.
type Parser struct {
	// IgnoreFiles is the list of ignore file names to look for.
	IgnoreFiles []string

	// FallbackPatterns are used when no ignore files are found.
	FallbackPatterns []string
}

// NewParser creates a new ignore file parser with the given configuration.
func NewParser(ignoreFiles, fallbackPatterns []string) *Parser {
	return &Parser{
		IgnoreFiles:      ignoreFiles,
		FallbackPatterns: fallbackPatterns,
	}
}

// Default looks for FileName and falls back to DefaultPatterns.
func Default() *Parser {
	return NewParser([]string{FileName}, DefaultPatterns)
}

// ParseProject reads every ignore file at root, in order. Later patterns
// take precedence, so a negation in a later file can re-include a path.
func (p *Parser) ParseProject(root string) ([]gitignore.Pattern, error) {
	var patterns []gitignore.Pattern
	foundAny := false

	for _, name := range p.IgnoreFiles {
		filePatterns, err := parseFile(filepath.Join(root, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		patterns = append(patterns, filePatterns...)
		foundAny = true
	}

	if !foundAny {
		for _, line := range p.FallbackPatterns {
			if ps := parseLine(line); ps != nil {
				patterns = append(patterns, ps)
			}
		}
	}
	return patterns, nil
}

// Matcher returns a matcher over the patterns at root.
func (p *Parser) Matcher(root string) (*Matcher, error) {
	patterns, err := p.ParseProject(root)
	if err != nil {
		return nil, err
	}
	return &Matcher{m: gitignore.NewMatcher(patterns), empty: len(patterns) == 0}, nil
}

// Matcher tests slash-separated repository paths.
type Matcher struct {
	m     gitignore.Matcher
	empty bool
}

// Ignored reports whether the file at path is excluded. A nil Matcher
// ignores nothing.
func (m *Matcher) Ignored(path string) bool {
	if m == nil || m.empty {
		return false
	}
	return m.m.Match(strings.Split(filepath.ToSlash(path), "/"), false)
}

func parseFile(path string) ([]gitignore.Pattern, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var patterns []gitignore.Pattern
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if ps := parseLine(scanner.Text()); ps != nil {
			patterns = append(patterns, ps)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return patterns, nil
}

// parseLine returns nil for blank lines and comments.
func parseLine(line string) gitignore.Pattern {
	line = strings.TrimRight(line, " \t\r")
	if line == "" || strings.HasPrefix(line, "#") {
		return nil
	}
	return gitignore.ParsePattern(line, nil)
}
