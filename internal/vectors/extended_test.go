package vectors

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/immunity/internal/immunity"
)

func TestExtendedDefaults(t *testing.T) {
	for _, v := range []immunity.HealthVector{
		NewCost(0, false), NewPrivacy(false), NewAccessibility(false),
		NewReproducibility(false), NewDocumentation(false),
	} {
		d := v.Descriptor()
		assert.False(t, d.DefaultEnabled, d.ID)
		assert.NoError(t, d.Validate(), d.ID)
	}
	assert.True(t, NewPrivacy(true).Descriptor().DefaultEnabled)
}

func TestCost(t *testing.T) {
	t.Run("over budget", func(t *testing.T) {
		res := analyze(t, NewCost(100, true), fileStep("a.txt", strings.Repeat("word ", 100)))
		assert.False(t, res.Passed)
		v := findKind(t, res, "cost.large-step")
		assert.Equal(t, immunity.SeverityWarning, v.Severity)
		assert.Nil(t, v.Location)
	})

	t.Run("embedded blob", func(t *testing.T) {
		blob := strings.Repeat("QUJD", 300)
		content := "var logo = \"" + blob + "\"\n"
		res := analyze(t, NewCost(0, true), fileStep("logo.go", content))
		v := findKind(t, res, "cost.embedded-blob")
		assert.Equal(t, blob, spanText(t, content, v))
	})

	t.Run("long line is informational", func(t *testing.T) {
		res := analyze(t, NewCost(0, true), fileStep("min.js", strings.Repeat("a+b;", 600)))
		assert.True(t, res.Passed)
		findKind(t, res, "cost.long-line")
	})

	t.Run("small step passes", func(t *testing.T) {
		res := analyze(t, NewCost(0, true), fileStep("a.go", "package a\n"))
		assert.True(t, res.Passed)
		assert.Empty(t, res.Violations)
	})
}

func TestPrivacy(t *testing.T) {
	p := NewPrivacy(true)

	t.Run("personal data", func(t *testing.T) {
		content := strings.Join([]string{
			"owner: jane.doe@acme.io",
			"ssn: 123-45-6789",
			"card: 4111 1111 1111 1111",
			"call 555-867-5309",
		}, "\n")
		res := analyze(t, p, fileStep("fixtures.yaml", content))
		assert.False(t, res.Passed)
		assert.ElementsMatch(t, []string{"privacy.email", "privacy.ssn", "privacy.card-number", "privacy.phone"}, kinds(res))

		email := findKind(t, res, "privacy.email")
		assert.Equal(t, "jane.doe@acme.io", spanText(t, content, email))
		require.NotNil(t, email.Replacement)
		assert.Equal(t, "user@example.com", *email.Replacement)

		assert.Equal(t, immunity.SeverityCritical, findKind(t, res, "privacy.ssn").Severity)
		assert.Equal(t, "4111 1111 1111 1111", spanText(t, content, findKind(t, res, "privacy.card-number")))
	})

	t.Run("placeholders pass", func(t *testing.T) {
		content := "from: noreply@acme.io\nto: user@example.com\nid: 4111 1111 1111 1112\n"
		res := analyze(t, p, fileStep("fixtures.yaml", content))
		assert.True(t, res.Passed)
		assert.Empty(t, res.Violations)
	})
}

func TestLuhn(t *testing.T) {
	assert.True(t, luhn("4111111111111111"))
	assert.True(t, luhn("5500-0000-0000-0004"))
	assert.False(t, luhn("4111111111111112"))
	assert.False(t, luhn("1234"))
}

func TestAccessibility(t *testing.T) {
	a := NewAccessibility(true)

	t.Run("missing alt and click handler", func(t *testing.T) {
		content := "<img src=\"a.png\">\n<img src=\"b.png\" alt=\"logo\">\n<div onClick={open}>x</div>\n<div role=\"button\" onClick={open}>y</div>\n"
		res := analyze(t, a, fileStep("App.jsx", content))
		assert.False(t, res.Passed)
		assert.ElementsMatch(t, []string{"accessibility.img-alt", "accessibility.click-handler"}, kinds(res))

		img := findKind(t, res, "accessibility.img-alt")
		assert.Equal(t, "<img", spanText(t, content, img))
		require.NotNil(t, img.Replacement)
		assert.Equal(t, `<img alt=""`, *img.Replacement)
	})

	t.Run("positive tabindex is informational", func(t *testing.T) {
		res := analyze(t, a, fileStep("index.html", `<input tabindex="3">`))
		assert.True(t, res.Passed)
		findKind(t, res, "accessibility.tabindex")
	})

	t.Run("non-markup passes", func(t *testing.T) {
		res := analyze(t, a, fileStep("main.go", `s := "<img src=x>"`))
		assert.True(t, res.Passed)
		assert.Equal(t, 1.0, res.Confidence)
	})
}

func TestReproducibility(t *testing.T) {
	r := NewReproducibility(true)

	t.Run("unpinned images", func(t *testing.T) {
		content := "FROM golang:latest AS build\nFROM alpine\nFROM golang:1.24@sha256:abc\nFROM gcr.io/distroless/static:nonroot\nFROM scratch\n"
		res := analyze(t, r, fileStep("Dockerfile", content))
		assert.False(t, res.Passed)
		require.Len(t, res.Violations, 2)
		assert.Equal(t, "golang:latest", spanText(t, content, res.Violations[0]))
		assert.Equal(t, "alpine", spanText(t, content, res.Violations[1]))
	})

	t.Run("latest installs", func(t *testing.T) {
		res := analyze(t, r, commandStep("go install golang.org/x/tools/gopls@latest"))
		assert.False(t, res.Passed)
		findKind(t, res, "reproducibility.latest-version")
	})

	t.Run("unpinned pip packages are informational", func(t *testing.T) {
		res := analyze(t, r, commandStep("pip install requests flask"))
		assert.True(t, res.Passed)
		findKind(t, res, "reproducibility.unpinned-package")

		res = analyze(t, r, commandStep("pip install requests==2.32.3"))
		assert.Empty(t, res.Violations)
	})
}

func TestDocumentation(t *testing.T) {
	d := NewDocumentation(true)

	t.Run("exported without docs", func(t *testing.T) {
		content := `package p

// Documented does things.
func Documented() {}

func Undocumented() {}

type Thing struct{}

func (t Thing) Method() {}

type hidden struct{}

func (h *hidden) Exported() {}

func unexported() {}
`
		res := analyze(t, d, fileStep("p.go", content))
		assert.False(t, res.Passed)
		require.Len(t, res.Violations, 3)
		var names []string
		for _, v := range res.Violations {
			names = append(names, spanText(t, content, v))
		}
		assert.Equal(t, []string{"Undocumented", "Thing", "Method"}, names)
		assert.NotEmpty(t, res.SuggestedFix)
	})

	t.Run("grouped type doc counts", func(t *testing.T) {
		res := analyze(t, d, fileStep("p.go", "package p\n\n// Types.\ntype (\n\tA int\n\tB int\n)\n"))
		assert.True(t, res.Passed)
	})

	t.Run("tests and diffs are skipped", func(t *testing.T) {
		assert.True(t, analyze(t, d, fileStep("p_test.go", "package p\n\nfunc TestX() {}\n")).Passed)
		assert.True(t, analyze(t, d, diffStep("p.go", "+func X() {}\n")).Passed)
	})

	t.Run("unparsable Go is not judged", func(t *testing.T) {
		res := analyze(t, d, fileStep("p.go", "package p\nfunc {"))
		assert.True(t, res.Passed)
		assert.Equal(t, 0.5, res.Confidence)
	})
}
