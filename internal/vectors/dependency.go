package vectors

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/mod/modfile"
	"golang.org/x/mod/module"
	"golang.org/x/mod/semver"

	"github.com/fyrsmithlabs/immunity/internal/immunity"
)

// deprecatedImports maps deprecated import paths to guidance.
var deprecatedImports = map[string]string{
	"io/ioutil":                  "use the equivalents in io and os",
	"github.com/golang/protobuf": "use google.golang.org/protobuf",
	"github.com/pkg/errors":      "use the standard errors package with %w wrapping",
	"golang.org/x/net/context":   "use the standard context package",
}

var (
	importLine  = regexp.MustCompile(`^\s*(?:import\s+)?(?:[\w.]+\s+)?"([^"\s]+)"\s*$`)
	requireLine = regexp.MustCompile(`^\s*(?:require\s+)?([a-zA-Z0-9][^\s]*\.[^\s]+)\s+(v[^\s]+)(?:\s*//.*)?$`)
	goGetCmd    = regexp.MustCompile(`\bgo\s+(?:get|install)\s+((?:-\w+\s+)*)([^\s@]+)(?:@([^\s]+))?`)
)

// Dependency checks module hygiene: go.mod validity, version syntax,
// local replaces, denied modules, and deprecated imports.
type Dependency struct {
	denied []string
}

// NewDependency builds the dependency vector. denied holds module path prefixes.
func NewDependency(denied []string) *Dependency {
	return &Dependency{denied: denied}
}

func (d *Dependency) Descriptor() immunity.Descriptor {
	return immunity.Descriptor{ID: IDDependency, Name: "Dependency hygiene", DefaultWeight: 0.8, DefaultEnabled: true}
}

func (d *Dependency) Analyze(ctx context.Context, step *immunity.TrajectoryStep) (immunity.VectorResult, error) {
	var violations []immunity.Violation
	var fixes []string

	switch {
	case filepath.Base(step.Path) == "go.mod" && step.Kind == immunity.StepKindFileWrite:
		violations, fixes = d.checkModFile(step)
	case filepath.Base(step.Path) == "go.mod":
		violations, fixes = d.checkRequireLines(step)
	case step.Kind == immunity.StepKindCommand:
		violations, fixes = d.checkCommand(step)
	case isGo(step):
		violations, fixes = d.checkImports(step)
	default:
		return immunity.VectorResult{VectorID: IDDependency, Passed: true, Confidence: 1}, nil
	}
	return outcome(IDDependency, 0.95, violations, fixes), nil
}

func (d *Dependency) checkModFile(step *immunity.TrajectoryStep) ([]immunity.Violation, []string) {
	f, err := modfile.Parse(step.Path, []byte(step.Content), nil)
	if err != nil {
		return []immunity.Violation{{
			Kind:     "dependency.invalid-gomod",
			Message:  fmt.Sprintf("go.mod does not parse: %v", err),
			Severity: immunity.SeverityCritical,
		}}, []string{"fix the go.mod syntax"}
	}

	var violations []immunity.Violation
	var fixes []string
	for _, req := range f.Require {
		vs, fx := d.checkModule(step.Content, req.Mod.Path, req.Mod.Version, req.Syntax)
		violations = append(violations, vs...)
		fixes = append(fixes, fx...)
	}
	for _, rep := range f.Replace {
		if modfile.IsDirectoryPath(rep.New.Path) {
			v := immunity.Violation{
				Kind:     "dependency.local-replace",
				Message:  fmt.Sprintf("replace %s points at local directory %s", rep.Old.Path, rep.New.Path),
				Severity: immunity.SeverityWarning,
			}
			if loc := syntaxLocation(step.Content, rep.Syntax); loc != nil {
				v.Location = loc
				v.Replacement = strPtr("")
			}
			violations = append(violations, v)
			fixes = append(fixes, "remove local replace directives before committing")
		}
	}
	return violations, fixes
}

func syntaxLocation(content string, line *modfile.Line) *immunity.Location {
	if line == nil {
		return nil
	}
	start, end := line.Start.Byte, line.End.Byte
	if start < 0 || end > len(content) || start >= end {
		return nil
	}
	// Consume the trailing newline so removal leaves no blank line.
	if end < len(content) && content[end] == '\n' {
		end++
	}
	return &immunity.Location{Line: line.Start.Line, Column: line.Start.LineRune, StartOffset: start, EndOffset: end}
}

// checkModule validates one module path and version.
func (d *Dependency) checkModule(content, path, version string, syntax *modfile.Line) ([]immunity.Violation, []string) {
	var violations []immunity.Violation
	var fixes []string
	add := func(kind, msg string, sev immunity.Severity, fix string) {
		v := immunity.Violation{Kind: kind, Message: msg, Severity: sev}
		if loc := syntaxLocation(content, syntax); loc != nil {
			v.Location = &immunity.Location{Line: loc.Line, Column: loc.Column, StartOffset: loc.StartOffset, EndOffset: loc.StartOffset}
		}
		violations = append(violations, v)
		fixes = append(fixes, fix)
	}

	if err := module.CheckPath(path); err != nil {
		add("dependency.invalid-path", fmt.Sprintf("invalid module path %s: %v", path, err), immunity.SeverityCritical, "use a valid module path")
	}
	if d.isDenied(path) {
		add("dependency.denied-module", fmt.Sprintf("module %s is denied by policy", path), immunity.SeverityCritical, "replace the denied module with an approved alternative")
	}
	if version == "" {
		return violations, fixes
	}
	switch {
	case !semver.IsValid(version):
		add("dependency.invalid-version", fmt.Sprintf("%s has invalid version %s", path, version), immunity.SeverityCritical, "pin a valid semantic version")
	case module.IsPseudoVersion(version):
		add("dependency.pseudo-version", fmt.Sprintf("%s is pinned to pseudo-version %s", path, version), immunity.SeverityInfo, "")
	case semver.Prerelease(version) != "":
		add("dependency.prerelease", fmt.Sprintf("%s is pinned to prerelease %s", path, version), immunity.SeverityInfo, "")
	}
	if msg, ok := deprecatedModule(path); ok {
		add("dependency.deprecated", fmt.Sprintf("%s is deprecated: %s", path, msg), immunity.SeverityWarning, msg)
	}
	return violations, fixes
}

func (d *Dependency) checkRequireLines(step *immunity.TrajectoryStep) ([]immunity.Violation, []string) {
	var violations []immunity.Violation
	var fixes []string
	for _, l := range analyzedLines(step) {
		m := requireLine.FindStringSubmatchIndex(l.text)
		if m == nil {
			if strings.Contains(l.text, "=>") && modfile.IsDirectoryPath(strings.TrimSpace(l.text[strings.Index(l.text, "=>")+2:])) {
				violations = append(violations, violationAt(step.Content, "dependency.local-replace",
					"replace points at a local directory", immunity.SeverityWarning, l.start, l.start+len(l.text)))
				fixes = append(fixes, "remove local replace directives before committing")
			}
			continue
		}
		path, version := l.text[m[2]:m[3]], l.text[m[4]:m[5]]
		vs, fx := d.checkModule("", path, version, nil)
		for i := range vs {
			vs[i].Location = spanAt(step.Content, l.start+m[2], l.start+m[5])
		}
		violations = append(violations, vs...)
		fixes = append(fixes, fx...)
	}
	return violations, fixes
}

func (d *Dependency) checkCommand(step *immunity.TrajectoryStep) ([]immunity.Violation, []string) {
	var violations []immunity.Violation
	var fixes []string
	for _, l := range analyzedLines(step) {
		for _, m := range goGetCmd.FindAllStringSubmatchIndex(l.text, -1) {
			path := l.text[m[4]:m[5]]
			if strings.HasPrefix(path, ".") {
				continue
			}
			if d.isDenied(path) {
				violations = append(violations, violationAt(step.Content, "dependency.denied-module",
					fmt.Sprintf("module %s is denied by policy", path), immunity.SeverityCritical, l.start+m[4], l.start+m[5]))
				fixes = append(fixes, "replace the denied module with an approved alternative")
			}
		}
	}
	return violations, fixes
}

func (d *Dependency) checkImports(step *immunity.TrajectoryStep) ([]immunity.Violation, []string) {
	var violations []immunity.Violation
	var fixes []string
	inBlock := step.Kind == immunity.StepKindDiff
	for _, l := range analyzedLines(step) {
		trimmed := strings.TrimSpace(l.text)
		switch {
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
			continue
		case trimmed == ")" && step.Kind != immunity.StepKindDiff:
			inBlock = false
			continue
		}
		if !inBlock && !strings.HasPrefix(trimmed, "import ") {
			continue
		}
		m := importLine.FindStringSubmatchIndex(l.text)
		if m == nil {
			continue
		}
		path := l.text[m[2]:m[3]]
		start, end := l.start+m[2], l.start+m[3]
		if d.isDenied(path) {
			violations = append(violations, violationAt(step.Content, "dependency.denied-module",
				fmt.Sprintf("import of denied module %s", path), immunity.SeverityCritical, start, end))
			fixes = append(fixes, "replace the denied module with an approved alternative")
		}
		if msg, ok := deprecatedModule(path); ok {
			violations = append(violations, violationAt(step.Content, "dependency.deprecated-import",
				fmt.Sprintf("import of deprecated package %s", path), immunity.SeverityWarning, start, end))
			fixes = append(fixes, msg)
		}
	}
	return violations, fixes
}

func (d *Dependency) isDenied(path string) bool {
	for _, prefix := range d.denied {
		if path == prefix || strings.HasPrefix(path, strings.TrimSuffix(prefix, "/")+"/") {
			return true
		}
	}
	return false
}

func deprecatedModule(path string) (string, bool) {
	for dep, msg := range deprecatedImports {
		if path == dep || strings.HasPrefix(path, dep+"/") {
			return msg, true
		}
	}
	return "", false
}
