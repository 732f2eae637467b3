package vectors

import (
	"context"
	"regexp"
	"strings"
	"unicode"

	"github.com/fyrsmithlabs/immunity/internal/immunity"
)

var (
	conflictMarker = regexp.MustCompile(`^(?:<{7}|={7}|>{7})(?:\s|$)`)
	stubBody       = regexp.MustCompile(`panic\("(?i:not implemented|todo|unimplemented)[^"]*"\)|raise NotImplementedError|throw new Error\(["'](?i:not implemented)`)
	identifier     = regexp.MustCompile(`[A-Za-z][A-Za-z0-9]*`)
)

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true, "this": true,
	"from": true, "into": true, "when": true, "then": true, "make": true, "should": true,
	"add": true, "update": true, "change": true, "code": true, "file": true, "some": true,
}

// Coherence checks that a step is internally consistent and plausibly
// does what its intent says.
type Coherence struct{}

// NewCoherence builds the coherence vector.
func NewCoherence() *Coherence { return &Coherence{} }

func (c *Coherence) Descriptor() immunity.Descriptor {
	return immunity.Descriptor{ID: IDCoherence, Name: "Semantic coherence", DefaultWeight: 0.7, DefaultEnabled: true}
}

func (c *Coherence) Analyze(ctx context.Context, step *immunity.TrajectoryStep) (immunity.VectorResult, error) {
	var violations []immunity.Violation
	var fixes []string
	lines := analyzedLines(step)

	for _, l := range lines {
		if conflictMarker.MatchString(l.text) {
			violations = append(violations, violationAt(step.Content, "coherence.conflict-marker",
				"unresolved merge conflict marker", immunity.SeverityCritical, l.start, l.start+len(l.text)))
			fixes = append(fixes, "resolve the merge conflict")
		}
		if m := stubBody.FindStringIndex(l.text); m != nil {
			violations = append(violations, violationAt(step.Content, "coherence.stub",
				"placeholder implementation", immunity.SeverityWarning, l.start+m[0], l.start+m[1]))
			fixes = append(fixes, "implement the function body")
		}
	}

	confidence := 0.8
	if step.Kind != immunity.StepKindCommand {
		overlap, keywords := intentOverlap(step.Intent, step.Path, lines)
		if keywords >= 3 && overlap == 0 {
			violations = append(violations, immunity.Violation{
				Kind:     "coherence.intent-mismatch",
				Message:  "content shares no terms with the declared intent",
				Severity: immunity.SeverityWarning,
			})
			fixes = append(fixes, "keep the step focused on the declared task")
			confidence = 0.6
		}
	}
	return outcome(IDCoherence, confidence, violations, fixes), nil
}

// intentOverlap returns how many intent keywords appear among the
// identifiers of the content and path, and how many keywords there were.
func intentOverlap(intent, path string, lines []line) (int, int) {
	keywords := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(intent), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(w) >= 4 && !stopWords[w] {
			keywords[stem(w)] = true
		}
	}
	if len(keywords) == 0 {
		return 0, 0
	}

	terms := make(map[string]bool)
	collect := func(s string) {
		for _, id := range identifier.FindAllString(s, -1) {
			for _, part := range splitCamel(id) {
				terms[stem(strings.ToLower(part))] = true
			}
		}
	}
	collect(path)
	for _, l := range lines {
		collect(l.text)
	}

	overlap := 0
	for k := range keywords {
		if terms[k] {
			overlap++
		}
	}
	return overlap, len(keywords)
}

// splitCamel splits "parseHTTPRequest" into parse, HTTP, Request.
func splitCamel(s string) []string {
	var parts []string
	start := 0
	runes := []rune(s)
	for i := 1; i < len(runes); i++ {
		prevLower := unicode.IsLower(runes[i-1])
		curUpper := unicode.IsUpper(runes[i])
		nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
		if curUpper && (prevLower || (nextLower && unicode.IsUpper(runes[i-1]))) {
			parts = append(parts, string(runes[start:i]))
			start = i
		}
	}
	return append(parts, string(runes[start:]))
}

// stem strips common English suffixes so "parsing" matches "parser".
func stem(w string) string {
	for _, suffix := range []string{"ing", "ers", "er", "es", "ed", "s"} {
		if len(w) > len(suffix)+3 && strings.HasSuffix(w, suffix) {
			return strings.TrimSuffix(w, suffix)
		}
	}
	return w
}
