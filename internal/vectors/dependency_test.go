package vectors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/immunity/internal/immunity"
)

const goModWithIssues = `module example.com/app

go 1.24

require (
	github.com/pkg/errors v0.9.1
	golang.org/x/text v0.21.0
	github.com/acme/lib v0.0.0-20240101000000-abcdefabcdef
)

replace example.com/shared => ../shared
`

func TestDependency_GoMod(t *testing.T) {
	d := NewDependency(nil)

	t.Run("deprecated module and local replace", func(t *testing.T) {
		res := analyze(t, d, fileStep("go.mod", goModWithIssues))
		assert.False(t, res.Passed)
		assert.Equal(t, 0.95, res.Confidence)

		dep := findKind(t, res, "dependency.deprecated")
		assert.Equal(t, immunity.SeverityWarning, dep.Severity)
		assert.Contains(t, dep.Message, "github.com/pkg/errors")

		pseudo := findKind(t, res, "dependency.pseudo-version")
		assert.Equal(t, immunity.SeverityInfo, pseudo.Severity)

		rep := findKind(t, res, "dependency.local-replace")
		require.NotNil(t, rep.Replacement)
		assert.Equal(t, "", *rep.Replacement)
		assert.Equal(t, "replace example.com/shared => ../shared\n", spanText(t, goModWithIssues, rep))
	})

	t.Run("unparsable go.mod is critical", func(t *testing.T) {
		res := analyze(t, d, fileStep("go.mod", "module example.com/app\n\nrequire github.com/foo/bar latest\n"))
		assert.False(t, res.Passed)
		v := findKind(t, res, "dependency.invalid-gomod")
		assert.Equal(t, immunity.SeverityCritical, v.Severity)
	})

	t.Run("clean go.mod passes", func(t *testing.T) {
		res := analyze(t, d, fileStep("go.mod", "module example.com/app\n\ngo 1.24\n\nrequire golang.org/x/text v0.21.0\n"))
		assert.True(t, res.Passed)
		assert.Empty(t, res.Violations)
	})

	t.Run("go.mod diff checks added requires", func(t *testing.T) {
		content := "--- a/go.mod\n+++ b/go.mod\n@@ -3,0 +3,1 @@\n+\tgithub.com/pkg/errors v0.9.1\n"
		res := analyze(t, d, diffStep("go.mod", content))
		v := findKind(t, res, "dependency.deprecated")
		assert.Equal(t, "github.com/pkg/errors v0.9.1", spanText(t, content, v))
	})
}

func TestDependency_Imports(t *testing.T) {
	d := NewDependency([]string{"github.com/evil"})

	content := "package main\n\nimport (\n\t\"fmt\"\n\t\"io/ioutil\"\n\tbad \"github.com/evil/pkg\"\n)\n"
	res := analyze(t, d, fileStep("main.go", content))
	assert.False(t, res.Passed)

	deprecated := findKind(t, res, "dependency.deprecated-import")
	assert.Equal(t, "io/ioutil", spanText(t, content, deprecated))
	assert.Equal(t, immunity.SeverityWarning, deprecated.Severity)

	denied := findKind(t, res, "dependency.denied-module")
	assert.Equal(t, "github.com/evil/pkg", spanText(t, content, denied))
	assert.Equal(t, immunity.SeverityCritical, denied.Severity)

	t.Run("prefix match respects path boundaries", func(t *testing.T) {
		res := analyze(t, d, fileStep("main.go", "package main\n\nimport \"github.com/evilcorp/ok\"\n"))
		assert.True(t, res.Passed)
	})
}

func TestDependency_Command(t *testing.T) {
	d := NewDependency([]string{"github.com/evil"})

	res := analyze(t, d, commandStep("go get -u github.com/evil/tool@v1.0.0"))
	assert.False(t, res.Passed)
	v := findKind(t, res, "dependency.denied-module")
	assert.Equal(t, immunity.SeverityCritical, v.Severity)

	res = analyze(t, d, commandStep("go get ./..."))
	assert.True(t, res.Passed)
}

func TestDependency_NotApplicable(t *testing.T) {
	res := analyze(t, NewDependency(nil), fileStep("README.md", "# hello\n"))
	assert.True(t, res.Passed)
	assert.Equal(t, 1.0, res.Confidence)
}
