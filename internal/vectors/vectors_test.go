package vectors

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/immunity/internal/immunity"
)

func fileStep(path, content string) *immunity.TrajectoryStep {
	return &immunity.TrajectoryStep{ID: "s1", Kind: immunity.StepKindFileWrite, Path: path, Content: content}
}

func diffStep(path, content string) *immunity.TrajectoryStep {
	return &immunity.TrajectoryStep{ID: "s1", Kind: immunity.StepKindDiff, Path: path, Content: content}
}

func commandStep(content string) *immunity.TrajectoryStep {
	return &immunity.TrajectoryStep{ID: "s1", Kind: immunity.StepKindCommand, Content: content}
}

func analyze(t *testing.T, v immunity.HealthVector, step *immunity.TrajectoryStep) immunity.VectorResult {
	t.Helper()
	res, err := v.Analyze(context.Background(), step)
	require.NoError(t, err)
	assert.Equal(t, v.Descriptor().ID, res.VectorID)
	return res
}

func kinds(res immunity.VectorResult) []string {
	out := make([]string, 0, len(res.Violations))
	for _, v := range res.Violations {
		out = append(out, v.Kind)
	}
	return out
}

func findKind(t *testing.T, res immunity.VectorResult, kind string) immunity.Violation {
	t.Helper()
	for _, v := range res.Violations {
		if v.Kind == kind {
			return v
		}
	}
	t.Fatalf("no %s violation in %v", kind, kinds(res))
	return immunity.Violation{}
}

// spanText returns the content a violation's location covers.
func spanText(t *testing.T, content string, v immunity.Violation) string {
	t.Helper()
	require.NotNil(t, v.Location, "violation %s has no location", v.Kind)
	return content[v.Location.StartOffset:v.Location.EndOffset]
}

func TestRegisterDefaults(t *testing.T) {
	t.Run("core enabled, extended registered disabled", func(t *testing.T) {
		r := immunity.NewRegistry()
		require.NoError(t, RegisterDefaults(r, nil))

		assert.Equal(t, 10, r.Snapshot().Len())
		var enabled []string
		for _, v := range r.ResolveEnabled(nil) {
			enabled = append(enabled, v.Descriptor().ID)
		}
		assert.Equal(t, []string{IDSecurity, IDDependency, IDPerformance, IDCoherence, IDTruthfulness}, enabled)
	})

	t.Run("enable all extended", func(t *testing.T) {
		r := immunity.NewRegistry()
		require.NoError(t, RegisterDefaults(r, &Options{EnableExtended: []string{"all"}}))
		assert.Len(t, r.ResolveEnabled(nil), 10)
	})

	t.Run("enable one extended", func(t *testing.T) {
		r := immunity.NewRegistry()
		require.NoError(t, RegisterDefaults(r, &Options{EnableExtended: []string{IDPrivacy}}))
		assert.Len(t, r.ResolveEnabled(nil), 6)
	})

	t.Run("doctrine can enable extended vectors", func(t *testing.T) {
		r := immunity.NewRegistry()
		require.NoError(t, RegisterDefaults(r, nil))
		cfg := &immunity.DoctrineConfig{Enabled: map[string]bool{IDCost: true, IDSecurity: false}}
		assert.Len(t, r.ResolveEnabled(cfg), 5)
	})

	t.Run("descriptors are valid", func(t *testing.T) {
		r := immunity.NewRegistry()
		require.NoError(t, RegisterDefaults(r, nil))
		for _, d := range r.Descriptors() {
			assert.NoError(t, d.Validate(), d.ID)
		}
	})

	t.Run("bad allowlist fails", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "allow.toml")
		require.NoError(t, os.WriteFile(path, []byte("[allowlist\n"), 0o600))
		err := RegisterDefaults(immunity.NewRegistry(), &Options{AllowlistPath: path})
		assert.ErrorIs(t, err, ErrInvalidTOML)
	})
}

func TestAnalyzedLines(t *testing.T) {
	t.Run("diff keeps added lines with offsets", func(t *testing.T) {
		content := "--- a/x.go\n+++ b/x.go\n@@ -1 +1 @@\n-old\n+new line\n context\n"
		lines := analyzedLines(diffStep("x.go", content))
		require.Len(t, lines, 1)
		assert.Equal(t, "new line", lines[0].text)
		assert.Equal(t, "new line", content[lines[0].start:lines[0].start+len(lines[0].text)])
		assert.Equal(t, 5, lines[0].no)
	})

	t.Run("file write keeps every line", func(t *testing.T) {
		lines := analyzedLines(fileStep("x.txt", "a\nb\nc"))
		require.Len(t, lines, 3)
		assert.Equal(t, 4, lines[2].start)
	})
}

func TestOutcome(t *testing.T) {
	info := immunity.Violation{Kind: "k", Severity: immunity.SeverityInfo}
	warn := immunity.Violation{Kind: "k", Severity: immunity.SeverityWarning}

	res := outcome("v", 0.7, []immunity.Violation{info}, []string{"fix"})
	assert.True(t, res.Passed)
	assert.Empty(t, res.SuggestedFix)

	res = outcome("v", 0.7, []immunity.Violation{info, warn}, []string{"a", "b", "a", ""})
	assert.False(t, res.Passed)
	assert.Equal(t, "a; b", res.SuggestedFix)
	assert.Equal(t, 0.7, res.Confidence)
}

func TestSpanAt(t *testing.T) {
	content := "one\ntwo three\n"
	loc := spanAt(content, 8, 13)
	assert.Equal(t, 2, loc.Line)
	assert.Equal(t, 5, loc.Column)
	assert.Equal(t, "three", content[loc.StartOffset:loc.EndOffset])
}
