package vectors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/immunity/internal/immunity"
)

func TestPerformance(t *testing.T) {
	p := NewPerformance()

	t.Run("loop costs on the AST", func(t *testing.T) {
		content := `package p

import (
	"os"
	"regexp"
)

func f(xs []string) string {
	out := ""
	for _, s := range xs {
		re := regexp.MustCompile(s)
		_ = re
		fh, _ := os.Open(s)
		defer fh.Close()
		out += "x"
	}
	return out
}
`
		res := analyze(t, p, fileStep("p.go", content))
		assert.False(t, res.Passed)
		assert.Equal(t, 0.85, res.Confidence)
		assert.ElementsMatch(t, []string{
			"performance.regexp-in-loop",
			"performance.defer-in-loop",
			"performance.string-concat-in-loop",
		}, kinds(res))

		v := findKind(t, res, "performance.regexp-in-loop")
		assert.Equal(t, "regexp.MustCompile(s)", spanText(t, content, v))
	})

	t.Run("closures in loops are not flagged", func(t *testing.T) {
		content := `package p

import "sync"

func f(n int) {
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
		}()
	}
	wg.Wait()
}
`
		res := analyze(t, p, fileStep("p.go", content))
		assert.True(t, res.Passed)
		assert.Empty(t, res.Violations)
	})

	t.Run("query per iteration", func(t *testing.T) {
		content := "package p\n\nfunc f(db DB, ids []int) {\n\tfor _, id := range ids {\n\t\tdb.QueryRow(\"select 1\", id)\n\t}\n}\n"
		res := analyze(t, p, fileStep("p.go", content))
		assert.Equal(t, []string{"performance.query-in-loop"}, kinds(res))
	})

	t.Run("diff falls back to heuristic", func(t *testing.T) {
		content := "+++ b/p.go\n+for i := 0; i < n; i++ {\n+\tdefer f.Close()\n+}\n+defer g.Close()\n"
		res := analyze(t, p, diffStep("p.go", content))
		assert.False(t, res.Passed)
		assert.Equal(t, 0.6, res.Confidence)
		assert.Equal(t, []string{"performance.defer-in-loop"}, kinds(res))
	})

	t.Run("non-Go passes", func(t *testing.T) {
		res := analyze(t, p, fileStep("script.py", "for x in y:\n    re.compile(x)\n"))
		assert.True(t, res.Passed)
		assert.Equal(t, 1.0, res.Confidence)
	})
}

func TestCoherence(t *testing.T) {
	c := NewCoherence()

	t.Run("conflict markers are critical", func(t *testing.T) {
		content := "<<<<<<< HEAD\nfoo\n=======\nbar\n>>>>>>> feature\n"
		res := analyze(t, c, fileStep("a.txt", content))
		assert.False(t, res.Passed)
		require.Len(t, res.Violations, 3)
		for _, v := range res.Violations {
			assert.Equal(t, "coherence.conflict-marker", v.Kind)
			assert.Equal(t, immunity.SeverityCritical, v.Severity)
		}
	})

	t.Run("stub body", func(t *testing.T) {
		res := analyze(t, c, fileStep("a.go", "func Parse() error {\n\tpanic(\"not implemented\")\n}\n"))
		v := findKind(t, res, "coherence.stub")
		assert.Equal(t, immunity.SeverityWarning, v.Severity)
	})

	t.Run("intent mismatch lowers confidence", func(t *testing.T) {
		step := fileStep("colors.go", "package colors\n\nfunc Blend(a, b int) int { return a + b }\n")
		step.Intent = "implement pagination cursor tokens"
		res := analyze(t, c, step)
		assert.False(t, res.Passed)
		assert.Equal(t, 0.6, res.Confidence)
		assert.Equal(t, []string{"coherence.intent-mismatch"}, kinds(res))
	})

	t.Run("matching intent passes", func(t *testing.T) {
		step := fileStep("list.go", "package list\n\nfunc NextCursor(pageToken string) string { return pageToken }\n")
		step.Intent = "implement pagination cursor tokens"
		res := analyze(t, c, step)
		assert.True(t, res.Passed)
		assert.Equal(t, 0.8, res.Confidence)
	})

	t.Run("commands skip the intent check", func(t *testing.T) {
		step := commandStep("ls -la")
		step.Intent = "implement pagination cursor tokens"
		assert.True(t, analyze(t, c, step).Passed)
	})
}

func TestSplitCamel(t *testing.T) {
	assert.Equal(t, []string{"parse", "HTTP", "Request"}, splitCamel("parseHTTPRequest"))
	assert.Equal(t, []string{"simple"}, splitCamel("simple"))
	assert.Equal(t, "pars", stem("parsing"))
	assert.Equal(t, "token", stem("tokens"))
}

func TestTruthfulness(t *testing.T) {
	tr := NewTruthfulness()

	t.Run("masked test failure", func(t *testing.T) {
		content := "go test ./... || true"
		res := analyze(t, tr, commandStep(content))
		assert.False(t, res.Passed)
		v := findKind(t, res, "truthfulness.masked-failure")
		assert.Equal(t, immunity.SeverityCritical, v.Severity)
		assert.Equal(t, "|| true", spanText(t, content, v))
		require.NotNil(t, v.Replacement)
		assert.Empty(t, *v.Replacement)
	})

	t.Run("fabricated output", func(t *testing.T) {
		res := analyze(t, tr, commandStep(`echo "all tests passed"`))
		v := findKind(t, res, "truthfulness.fabricated-result")
		assert.Equal(t, immunity.SeverityCritical, v.Severity)
	})

	t.Run("skipped and vacuous tests", func(t *testing.T) {
		content := "func TestX(t *testing.T) {\n\tt.Skip(\"flaky\")\n\tassert.True(t, true)\n}\n"
		res := analyze(t, tr, fileStep("x_test.go", content))
		assert.False(t, res.Passed)
		assert.ElementsMatch(t, []string{"truthfulness.skipped-test", "truthfulness.vacuous-assertion"}, kinds(res))
	})

	t.Run("claimed tests are informational", func(t *testing.T) {
		step := fileStep("parser.go", "package parser\n\nfunc Parse() {}\n")
		step.Intent = "add tests for the parser"
		res := analyze(t, tr, step)
		assert.True(t, res.Passed)
		v := findKind(t, res, "truthfulness.missing-tests")
		assert.Equal(t, immunity.SeverityInfo, v.Severity)
	})

	t.Run("honest command passes", func(t *testing.T) {
		res := analyze(t, tr, commandStep("go test -race ./..."))
		assert.True(t, res.Passed)
		assert.Empty(t, res.Violations)
	})
}
