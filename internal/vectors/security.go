package vectors

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"

	"github.com/fyrsmithlabs/immunity/internal/immunity"
)

// SecretRedaction replaces a detected secret during rule-based repair.
const SecretRedaction = "[REDACTED]"

// Allowlist errors.
var (
	ErrInvalidTOML  = errors.New("invalid allowlist TOML")
	ErrInvalidRegex = errors.New("invalid allowlist regex")
)

// Allowlist excludes paths and content from secret detection.
type Allowlist struct {
	Paths   []string
	Regexes []string
}

// LoadAllowlist reads a gitleaks-style TOML file:
//
//	[allowlist]
//	paths = ['''testdata/''']
//	regexes = ['''EXAMPLE_KEY''']
//
// A missing file yields an empty allowlist.
func LoadAllowlist(path string) (*Allowlist, error) {
	var doc struct {
		Allowlist struct {
			Paths   []string
			Regexes []string
		}
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return &Allowlist{}, nil
		}
		return nil, err
	}
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}
	for _, p := range append(doc.Allowlist.Paths, doc.Allowlist.Regexes...) {
		if _, err := regexp.Compile(p); err != nil {
			return nil, fmt.Errorf("%w: %q in %s: %v", ErrInvalidRegex, p, path, err)
		}
	}
	return &Allowlist{Paths: doc.Allowlist.Paths, Regexes: doc.Allowlist.Regexes}, nil
}

type securityRule struct {
	kind        string
	message     string
	severity    immunity.Severity
	pattern     *regexp.Regexp
	replacement *string
	fix         string
}

func strPtr(s string) *string { return &s }

var securityRules = []securityRule{
	{
		kind:     "security.pipe-to-shell",
		message:  "remote script piped directly into a shell",
		severity: immunity.SeverityCritical,
		pattern:  regexp.MustCompile(`(?:curl|wget)\s[^|]*\|\s*(?:sudo\s+)?(?:ba|z)?sh\b`),
		fix:      "download the script, verify its checksum, then run it",
	},
	{
		kind:     "security.destructive-command",
		message:  "recursive delete of the filesystem root or home directory",
		severity: immunity.SeverityCritical,
		pattern:  regexp.MustCompile(`\brm\s+-(?:rf|fr|r\s+-f|f\s+-r)\s+(?:/|~|\$HOME)(?:\s|\*|$)`),
		fix:      "scope the delete to an explicit project path",
	},
	{
		kind:        "security.tls-verify-disabled",
		message:     "TLS certificate verification disabled",
		severity:    immunity.SeverityCritical,
		pattern:     regexp.MustCompile(`InsecureSkipVerify:\s*true`),
		replacement: strPtr("InsecureSkipVerify: false"),
		fix:         "keep certificate verification enabled",
	},
	{
		kind:        "security.world-writable",
		message:     "world-writable permissions",
		severity:    immunity.SeverityWarning,
		pattern:     regexp.MustCompile(`\bchmod\s+(?:-R\s+)?777\b`),
		replacement: strPtr("chmod 755"),
		fix:         "grant the narrowest permissions that work",
	},
	{
		kind:     "security.shell-injection",
		message:  "command built through a shell interpreter",
		severity: immunity.SeverityWarning,
		pattern:  regexp.MustCompile(`exec\.Command(?:Context)?\((?:ctx,\s*)?"(?:ba)?sh",\s*"-c"|\bos\.system\(|subprocess\.\w+\([^)]*shell\s*=\s*True`),
		fix:      "pass arguments directly instead of through a shell",
	},
	{
		kind:     "security.dynamic-eval",
		message:  "dynamic code evaluation",
		severity: immunity.SeverityWarning,
		pattern:  regexp.MustCompile(`(?:^|[^\w.])eval\(`),
		fix:      "avoid evaluating generated code",
	},
	{
		kind:     "security.weak-hash",
		message:  "weak hash algorithm",
		severity: immunity.SeverityWarning,
		pattern:  regexp.MustCompile(`\b(?:md5|sha1)\.(?:New|Sum)\b|hashlib\.(?:md5|sha1)\(`),
		fix:      "use sha256 or stronger",
	},
	{
		kind:     "security.plaintext-http",
		message:  "plaintext HTTP endpoint",
		severity: immunity.SeverityInfo,
		pattern:  regexp.MustCompile(`http://(?:[a-zA-Z0-9-]+\.)+[a-zA-Z]{2,}`),
	},
}

// Security detects secrets with gitleaks and flags dangerous constructs.
type Security struct {
	mu        sync.Mutex // gitleaks detectors are not documented as concurrency safe
	detector  *detect.Detector
	skipPaths []*regexp.Regexp
}

// NewSecurity builds the security vector. allowlist may be nil.
func NewSecurity(allowlist *Allowlist) (*Security, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to create gitleaks detector: %w", err)
	}
	s := &Security{detector: detector}
	if allowlist != nil {
		if err := s.applyAllowlist(allowlist); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Security) applyAllowlist(al *Allowlist) error {
	global := &gitleaksConfig.Allowlist{Description: "immunity allowlist"}
	for _, p := range al.Paths {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidRegex, p, err)
		}
		s.skipPaths = append(s.skipPaths, re)
		global.Paths = append(global.Paths, (*gitleaksRegexp.Regexp)(re))
	}
	for _, p := range al.Regexes {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidRegex, p, err)
		}
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	global.StopWords = append(global.StopWords, al.Regexes...)
	s.detector.Config.Allowlists = append(s.detector.Config.Allowlists, global)
	return nil
}

func (s *Security) Descriptor() immunity.Descriptor {
	return immunity.Descriptor{ID: IDSecurity, Name: "Security", DefaultWeight: 1.0, DefaultEnabled: true}
}

func (s *Security) Analyze(ctx context.Context, step *immunity.TrajectoryStep) (immunity.VectorResult, error) {
	for _, re := range s.skipPaths {
		if step.Path != "" && re.MatchString(step.Path) {
			return immunity.VectorResult{VectorID: IDSecurity, Passed: true, Confidence: 1}, nil
		}
	}

	lines := analyzedLines(step)
	var violations []immunity.Violation
	var fixes []string

	added := make([]string, len(lines))
	for i, l := range lines {
		added[i] = l.text
	}
	for _, sv := range s.detectSecrets(step.Content, lines, strings.Join(added, "\n")) {
		violations = append(violations, sv)
		fixes = append(fixes, "load credentials from the environment or a secret manager")
	}
	if err := ctx.Err(); err != nil {
		return immunity.VectorResult{}, err
	}

	for _, l := range lines {
		for _, rule := range securityRules {
			for _, m := range rule.pattern.FindAllStringIndex(l.text, -1) {
				v := violationAt(step.Content, rule.kind, rule.message, rule.severity, l.start+m[0], l.start+m[1])
				v.Replacement = rule.replacement
				violations = append(violations, v)
				fixes = append(fixes, rule.fix)
			}
		}
	}
	return outcome(IDSecurity, 0.9, violations, fixes), nil
}

// detectSecrets runs gitleaks over the analyzed text and maps each secret
// back to its offset in content.
func (s *Security) detectSecrets(content string, lines []line, text string) []immunity.Violation {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	s.mu.Lock()
	findings := s.detector.DetectString(text)
	s.mu.Unlock()

	var out []immunity.Violation
	seen := make(map[int]bool)
	for _, f := range findings {
		if f.Secret == "" {
			continue
		}
		start := locate(content, lines, f.Secret, seen)
		if start < 0 {
			continue
		}
		seen[start] = true
		v := violationAt(content, "security.secret",
			fmt.Sprintf("possible %s (%s)", strings.ToLower(f.Description), f.RuleID),
			immunity.SeverityCritical, start, start+len(f.Secret))
		out = append(out, withReplacement(v, SecretRedaction))
	}
	return out
}

// locate finds the first unclaimed occurrence of secret within the analyzed lines.
func locate(content string, lines []line, secret string, seen map[int]bool) int {
	for _, l := range lines {
		from := 0
		for {
			idx := strings.Index(l.text[from:], secret)
			if idx < 0 {
				break
			}
			start := l.start + from + idx
			if !seen[start] {
				return start
			}
			from += idx + 1
		}
	}
	// Multi-line secrets such as private keys.
	if idx := strings.Index(content, secret); idx >= 0 && !seen[idx] {
		return idx
	}
	return -1
}
