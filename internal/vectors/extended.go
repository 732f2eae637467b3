package vectors

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/immunity/internal/immunity"
)

// DefaultTokenBudget is the cost vector's default per-step limit.
const DefaultTokenBudget = 8000

var embeddedBlob = regexp.MustCompile(`[A-Za-z0-9+/]{1000}[A-Za-z0-9+/]{24,}={0,2}`)

// Cost estimates the token footprint of a step.
type Cost struct {
	budget  int
	enabled bool
}

// NewCost builds the cost vector. budget <= 0 uses DefaultTokenBudget.
func NewCost(budget int, enabled bool) *Cost {
	if budget <= 0 {
		budget = DefaultTokenBudget
	}
	return &Cost{budget: budget, enabled: enabled}
}

func (c *Cost) Descriptor() immunity.Descriptor {
	return immunity.Descriptor{ID: IDCost, Name: "Cost", DefaultWeight: 0.3, DefaultEnabled: c.enabled}
}

func (c *Cost) Analyze(ctx context.Context, step *immunity.TrajectoryStep) (immunity.VectorResult, error) {
	var violations []immunity.Violation
	var fixes []string

	// Roughly four bytes per token for source text.
	if tokens := len(step.Content) / 4; tokens > c.budget {
		violations = append(violations, immunity.Violation{
			Kind:     "cost.large-step",
			Message:  fmt.Sprintf("step is about %d tokens, budget is %d", tokens, c.budget),
			Severity: immunity.SeverityWarning,
		})
		fixes = append(fixes, "split the change into smaller steps")
	}
	for _, l := range analyzedLines(step) {
		if m := embeddedBlob.FindStringIndex(l.text); m != nil {
			violations = append(violations, violationAt(step.Content, "cost.embedded-blob",
				"large encoded blob embedded in source", immunity.SeverityWarning, l.start+m[0], l.start+m[1]))
			fixes = append(fixes, "load binary assets from files")
		} else if len(l.text) > 2000 {
			violations = append(violations, violationAt(step.Content, "cost.long-line",
				"line longer than 2000 bytes", immunity.SeverityInfo, l.start, l.start+len(l.text)))
		}
	}
	return outcome(IDCost, 0.9, violations, fixes), nil
}

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@([a-zA-Z0-9.-]+\.[a-zA-Z]{2,})`)
	ssnPattern   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`)
	phonePattern = regexp.MustCompile(`(?:\+1[ .-]?)?\(?\b\d{3}\)?[ .-]\d{3}[ .-]\d{4}\b`)
)

var placeholderDomains = map[string]bool{
	"example.com": true, "example.org": true, "example.net": true,
	"test.com": true, "localhost": true, "users.noreply.github.com": true,
}

// Privacy detects personal data in step content.
type Privacy struct{ enabled bool }

// NewPrivacy builds the privacy vector.
func NewPrivacy(enabled bool) *Privacy { return &Privacy{enabled: enabled} }

func (p *Privacy) Descriptor() immunity.Descriptor {
	return immunity.Descriptor{ID: IDPrivacy, Name: "Privacy", DefaultWeight: 0.8, DefaultEnabled: p.enabled}
}

func (p *Privacy) Analyze(ctx context.Context, step *immunity.TrajectoryStep) (immunity.VectorResult, error) {
	var violations []immunity.Violation
	var fixes []string
	add := func(l line, m []int, kind, msg string, sev immunity.Severity, replacement string) {
		v := violationAt(step.Content, kind, msg, sev, l.start+m[0], l.start+m[1])
		violations = append(violations, withReplacement(v, replacement))
		fixes = append(fixes, "replace personal data with synthetic values")
	}

	for _, l := range analyzedLines(step) {
		for _, m := range emailPattern.FindAllStringSubmatchIndex(l.text, -1) {
			domain := strings.ToLower(l.text[m[2]:m[3]])
			if placeholderDomains[domain] || strings.HasPrefix(strings.ToLower(l.text[m[0]:m[1]]), "noreply@") {
				continue
			}
			add(l, m, "privacy.email", "email address", immunity.SeverityWarning, "user@example.com")
		}
		for _, m := range ssnPattern.FindAllStringIndex(l.text, -1) {
			add(l, m, "privacy.ssn", "social security number", immunity.SeverityCritical, "XXX-XX-XXXX")
		}
		for _, m := range cardPattern.FindAllStringIndex(l.text, -1) {
			if luhn(l.text[m[0]:m[1]]) {
				add(l, m, "privacy.card-number", "payment card number", immunity.SeverityCritical, "<redacted-card>")
			}
		}
		for _, m := range phonePattern.FindAllStringIndex(l.text, -1) {
			if ssnPattern.MatchString(l.text[m[0]:m[1]]) {
				continue
			}
			add(l, m, "privacy.phone", "phone number", immunity.SeverityWarning, "<redacted-phone>")
		}
	}
	return outcome(IDPrivacy, 0.8, violations, fixes), nil
}

// luhn validates a card number, ignoring separators.
func luhn(s string) bool {
	var digits []int
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 {
		return false
	}
	sum := 0
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if (len(digits)-1-i)%2 == 1 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
	}
	return sum%10 == 0
}

var (
	imgTag       = regexp.MustCompile(`<img\b[^>]*>`)
	clickable    = regexp.MustCompile(`<(?:div|span)\b[^>]*\bon[Cc]lick\b[^>]*>`)
	positiveTab  = regexp.MustCompile(`tab[Ii]ndex=["'{]?[1-9]`)
	altAttribute = regexp.MustCompile(`\balt\s*=`)
	roleAttr     = regexp.MustCompile(`\brole\s*=`)
)

// Accessibility checks markup for common barriers.
type Accessibility struct{ enabled bool }

// NewAccessibility builds the accessibility vector.
func NewAccessibility(enabled bool) *Accessibility { return &Accessibility{enabled: enabled} }

func (a *Accessibility) Descriptor() immunity.Descriptor {
	return immunity.Descriptor{ID: IDAccessibility, Name: "Accessibility", DefaultWeight: 0.4, DefaultEnabled: a.enabled}
}

func (a *Accessibility) Analyze(ctx context.Context, step *immunity.TrajectoryStep) (immunity.VectorResult, error) {
	if !hasExt(step.Path, ".html", ".htm", ".jsx", ".tsx", ".vue", ".svelte") {
		return immunity.VectorResult{VectorID: IDAccessibility, Passed: true, Confidence: 1}, nil
	}

	var violations []immunity.Violation
	var fixes []string
	for _, l := range analyzedLines(step) {
		for _, m := range imgTag.FindAllStringIndex(l.text, -1) {
			if altAttribute.MatchString(l.text[m[0]:m[1]]) {
				continue
			}
			start := l.start + m[0]
			v := violationAt(step.Content, "accessibility.img-alt", "image without alt text",
				immunity.SeverityWarning, start, start+len("<img"))
			violations = append(violations, withReplacement(v, `<img alt=""`))
			fixes = append(fixes, "describe images with alt text, or alt=\"\" when decorative")
		}
		for _, m := range clickable.FindAllStringIndex(l.text, -1) {
			if roleAttr.MatchString(l.text[m[0]:m[1]]) {
				continue
			}
			violations = append(violations, violationAt(step.Content, "accessibility.click-handler",
				"click handler on a non-interactive element", immunity.SeverityWarning, l.start+m[0], l.start+m[1]))
			fixes = append(fixes, "use a button or add role and keyboard handling")
		}
		for _, m := range positiveTab.FindAllStringIndex(l.text, -1) {
			violations = append(violations, violationAt(step.Content, "accessibility.tabindex",
				"positive tabindex overrides natural focus order", immunity.SeverityInfo, l.start+m[0], l.start+m[1]))
		}
	}
	return outcome(IDAccessibility, 0.85, violations, fixes), nil
}

var (
	dockerFrom    = regexp.MustCompile(`^\s*FROM\s+(?:--platform=\S+\s+)?(\S+)`)
	latestInstall = regexp.MustCompile(`\b(?:go\s+(?:install|get)|npx|npm\s+(?:i|install))\s+\S+@latest\b`)
	pipUnpinned   = regexp.MustCompile(`\bpip3?\s+install\s+((?:[A-Za-z][\w.-]*\s*)+)$`)
)

// Reproducibility flags unpinned images and tool versions.
type Reproducibility struct{ enabled bool }

// NewReproducibility builds the reproducibility vector.
func NewReproducibility(enabled bool) *Reproducibility { return &Reproducibility{enabled: enabled} }

func (r *Reproducibility) Descriptor() immunity.Descriptor {
	return immunity.Descriptor{ID: IDReproducibility, Name: "Reproducibility", DefaultWeight: 0.5, DefaultEnabled: r.enabled}
}

func (r *Reproducibility) Analyze(ctx context.Context, step *immunity.TrajectoryStep) (immunity.VectorResult, error) {
	var violations []immunity.Violation
	var fixes []string
	dockerfile := strings.HasPrefix(filepath.Base(step.Path), "Dockerfile") || strings.HasSuffix(step.Path, ".dockerfile")

	for _, l := range analyzedLines(step) {
		if dockerfile {
			if m := dockerFrom.FindStringSubmatchIndex(l.text); m != nil {
				image := l.text[m[2]:m[3]]
				if image != "scratch" && !strings.Contains(image, "@sha256:") && !strings.HasPrefix(image, "$") {
					name := image[strings.LastIndex(image, "/")+1:]
					if !strings.Contains(name, ":") || strings.HasSuffix(name, ":latest") {
						violations = append(violations, violationAt(step.Content, "reproducibility.unpinned-image",
							fmt.Sprintf("base image %s is not pinned", image), immunity.SeverityWarning, l.start+m[2], l.start+m[3]))
						fixes = append(fixes, "pin base images to a version tag or digest")
					}
				}
			}
		}
		if m := latestInstall.FindStringIndex(l.text); m != nil {
			violations = append(violations, violationAt(step.Content, "reproducibility.latest-version",
				"tool installed at @latest", immunity.SeverityWarning, l.start+m[0], l.start+m[1]))
			fixes = append(fixes, "install a specific version")
		}
		if m := pipUnpinned.FindStringIndex(l.text); m != nil && !strings.Contains(l.text, "-r ") {
			violations = append(violations, violationAt(step.Content, "reproducibility.unpinned-package",
				"package installed without a version", immunity.SeverityInfo, l.start+m[0], l.start+m[1]))
		}
	}
	return outcome(IDReproducibility, 0.85, violations, fixes), nil
}

// Documentation checks that exported Go declarations carry doc comments.
type Documentation struct{ enabled bool }

// NewDocumentation builds the documentation vector.
func NewDocumentation(enabled bool) *Documentation { return &Documentation{enabled: enabled} }

func (d *Documentation) Descriptor() immunity.Descriptor {
	return immunity.Descriptor{ID: IDDocumentation, Name: "Documentation", DefaultWeight: 0.3, DefaultEnabled: d.enabled}
}

func (d *Documentation) Analyze(ctx context.Context, step *immunity.TrajectoryStep) (immunity.VectorResult, error) {
	if !isGo(step) || step.Kind != immunity.StepKindFileWrite || strings.HasSuffix(step.Path, "_test.go") {
		return immunity.VectorResult{VectorID: IDDocumentation, Passed: true, Confidence: 1}, nil
	}
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, step.Path, step.Content, parser.ParseComments|parser.SkipObjectResolution)
	if err != nil {
		// Unparsable Go is the coherence and performance vectors' concern.
		return immunity.VectorResult{VectorID: IDDocumentation, Passed: true, Confidence: 0.5}, nil
	}

	var violations []immunity.Violation
	missing := func(name string, node ast.Node) {
		start := fset.Position(node.Pos()).Offset
		end := fset.Position(node.End()).Offset
		violations = append(violations, violationAt(step.Content, "documentation.missing-doc",
			fmt.Sprintf("exported %s has no doc comment", name), immunity.SeverityWarning, start, end))
	}

	for _, decl := range file.Decls {
		switch x := decl.(type) {
		case *ast.FuncDecl:
			if x.Name.IsExported() && x.Doc == nil && (x.Recv == nil || exportedReceiver(x.Recv)) {
				missing(x.Name.Name, x.Name)
			}
		case *ast.GenDecl:
			if x.Tok != token.TYPE || x.Doc != nil {
				continue
			}
			for _, spec := range x.Specs {
				ts := spec.(*ast.TypeSpec)
				if ts.Name.IsExported() && ts.Doc == nil {
					missing(ts.Name.Name, ts.Name)
				}
			}
		}
	}
	var fixes []string
	if len(violations) > 0 {
		fixes = append(fixes, "document exported identifiers starting with their name")
	}
	return outcome(IDDocumentation, 0.9, violations, fixes), nil
}

func exportedReceiver(recv *ast.FieldList) bool {
	if len(recv.List) == 0 {
		return false
	}
	t := recv.List[0].Type
	if star, ok := t.(*ast.StarExpr); ok {
		t = star.X
	}
	if idx, ok := t.(*ast.IndexExpr); ok {
		t = idx.X
	}
	id, ok := t.(*ast.Ident)
	return ok && id.IsExported()
}
