// Package vectors provides the built-in health vectors.
//
// Core vectors (security, dependency, performance, coherence,
// truthfulness) are enabled by default. Extended vectors (cost, privacy,
// accessibility, reproducibility, documentation) are registered disabled
// and switched on per project through doctrine or Options.EnableExtended.
// Both kinds implement the same immunity.HealthVector contract.
package vectors

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/immunity/internal/immunity"
)

// Vector identifiers.
const (
	IDSecurity        = "security"
	IDDependency      = "dependency"
	IDPerformance     = "performance"
	IDCoherence       = "coherence"
	IDTruthfulness    = "truthfulness"
	IDCost            = "cost"
	IDPrivacy         = "privacy"
	IDAccessibility   = "accessibility"
	IDReproducibility = "reproducibility"
	IDDocumentation   = "documentation"
)

// ExtendedIDs lists the opt-in vectors.
var ExtendedIDs = []string{IDCost, IDPrivacy, IDAccessibility, IDReproducibility, IDDocumentation}

// Options configures RegisterDefaults.
type Options struct {
	// AllowlistPath is a gitleaks-style TOML allowlist for the security vector.
	AllowlistPath string

	// DeniedModules are module path prefixes the dependency vector rejects.
	DeniedModules []string

	// TokenBudget is the cost vector's per-step token estimate limit (default: 8000).
	TokenBudget int

	// EnableExtended turns on extended vectors by default. "all" enables every one.
	EnableExtended []string

	Logger *zap.Logger
}

// RegisterDefaults registers every built-in vector into r.
func RegisterDefaults(r *immunity.Registry, opts *Options) error {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var allowlist *Allowlist
	if opts.AllowlistPath != "" {
		al, err := LoadAllowlist(opts.AllowlistPath)
		if err != nil {
			return fmt.Errorf("failed to load security allowlist: %w", err)
		}
		allowlist = al
	}
	security, err := NewSecurity(allowlist)
	if err != nil {
		return fmt.Errorf("failed to create security vector: %w", err)
	}

	enabled := make(map[string]bool)
	for _, id := range opts.EnableExtended {
		if id == "all" {
			for _, ext := range ExtendedIDs {
				enabled[ext] = true
			}
			continue
		}
		enabled[id] = true
	}

	all := []immunity.HealthVector{
		security,
		NewDependency(opts.DeniedModules),
		NewPerformance(),
		NewCoherence(),
		NewTruthfulness(),
		NewCost(opts.TokenBudget, enabled[IDCost]),
		NewPrivacy(enabled[IDPrivacy]),
		NewAccessibility(enabled[IDAccessibility]),
		NewReproducibility(enabled[IDReproducibility]),
		NewDocumentation(enabled[IDDocumentation]),
	}
	for _, v := range all {
		if err := r.Register(v); err != nil {
			return err
		}
	}
	logger.Info("registered built-in vectors",
		zap.Int("count", len(all)),
		zap.Strings("extended_enabled", sortedTrue(enabled)),
	)
	return nil
}

func sortedTrue(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		if v {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// line is one analyzable line with its byte offset in the step content.
type line struct {
	no    int
	start int
	text  string
}

// analyzedLines returns the lines a vector should inspect: the added lines
// of a diff, or every line otherwise. Offsets point into step.Content.
func analyzedLines(step *immunity.TrajectoryStep) []line {
	var out []line
	offset := 0
	for i, text := range strings.Split(step.Content, "\n") {
		start := offset
		offset += len(text) + 1

		if step.Kind != immunity.StepKindDiff {
			out = append(out, line{no: i + 1, start: start, text: text})
			continue
		}
		if strings.HasPrefix(text, "+++") || !strings.HasPrefix(text, "+") {
			continue
		}
		out = append(out, line{no: i + 1, start: start + 1, text: text[1:]})
	}
	return out
}

// violationAt builds a violation spanning content[start:end].
func violationAt(content, kind, msg string, sev immunity.Severity, start, end int) immunity.Violation {
	return immunity.Violation{
		Kind:     kind,
		Message:  msg,
		Severity: sev,
		Location: spanAt(content, start, end),
	}
}

// spanAt returns the location of content[start:end].
func spanAt(content string, start, end int) *immunity.Location {
	lineStart := strings.LastIndex(content[:start], "\n") + 1
	return &immunity.Location{
		Line:        strings.Count(content[:start], "\n") + 1,
		Column:      start - lineStart + 1,
		StartOffset: start,
		EndOffset:   end,
	}
}

func withReplacement(v immunity.Violation, replacement string) immunity.Violation {
	v.Replacement = &replacement
	return v
}

// outcome folds violations into a result. Any warning or critical
// violation fails the vector; info findings alone pass.
func outcome(id string, confidence float64, violations []immunity.Violation, fixes []string) immunity.VectorResult {
	res := immunity.VectorResult{
		VectorID:   id,
		Passed:     true,
		Confidence: confidence,
		Violations: violations,
	}
	for _, v := range violations {
		if v.Severity >= immunity.SeverityWarning {
			res.Passed = false
		}
	}
	if !res.Passed && len(fixes) > 0 {
		res.SuggestedFix = strings.Join(dedupe(fixes), "; ")
	}
	return res
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0:0]
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func isGo(step *immunity.TrajectoryStep) bool {
	return strings.HasSuffix(step.Path, ".go")
}

func hasExt(path string, exts ...string) bool {
	for _, ext := range exts {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}
