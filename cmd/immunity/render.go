package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	httpserver "github.com/fyrsmithlabs/immunity/internal/http"
	"github.com/fyrsmithlabs/immunity/internal/immunity"
	"github.com/fyrsmithlabs/immunity/internal/monitor"
)

var (
	passStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("46")).Bold(true)
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("45"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

func checkOutput(format string) error {
	switch format {
	case "text", "json", "yaml":
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
	}
}

// render writes v in the selected format. Text rendering knows the result
// types; anything else falls back to JSON.
func render(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		// Round-trip through JSON so yaml keys follow the json tags.
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(generic)
	}

	var text string
	switch t := v.(type) {
	case *immunity.StepResult:
		text = renderStep(t)
	case *immunity.CommitDecision:
		text = renderDecision(t)
	case *httpserver.VectorsResponse:
		text = renderVectors(t)
	case monitor.Health:
		text = fmt.Sprintf("%s %s\n%s %s\n%s %d\n",
			labelStyle.Render("Status: "), t.Status,
			labelStyle.Render("Version:"), t.Version,
			labelStyle.Render("Vectors:"), t.Vectors)
	default:
		return render(w, "json", v)
	}
	_, err := io.WriteString(w, text)
	return err
}

func verdictText(v immunity.Verdict) string {
	if v == immunity.VerdictPass {
		return passStyle.Render("PASS")
	}
	return failStyle.Render("FAIL")
}

func renderStep(res *immunity.StepResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", verdictText(res.Verdict), res.StepID)
	if r := res.Report; r != nil {
		fmt.Fprintf(&b, " %s", dimStyle.Render(fmt.Sprintf("score %s, threshold %s",
			monitor.FormatScore(r.Score), monitor.FormatScore(r.Threshold))))
	}
	b.WriteString("\n")

	if r := res.Report; r != nil {
		for _, vr := range r.Results {
			switch {
			case vr.FailedOpen:
				fmt.Fprintf(&b, "  %s %s %s\n", warnStyle.Render("?"), vr.VectorID, dimStyle.Render("("+vr.FailureReason+")"))
			case !vr.Passed:
				fmt.Fprintf(&b, "  %s %s\n", failStyle.Render("✗"), vr.VectorID)
			}
			for _, v := range vr.Violations {
				loc := ""
				if v.Location != nil && v.Location.Line > 0 {
					loc = fmt.Sprintf(":%d", v.Location.Line)
				}
				fmt.Fprintf(&b, "    %-8s %s%s %s\n", v.Severity, v.Kind, loc, dimStyle.Render(v.Message))
			}
		}
		if len(r.Diagnostics.Critical) > 0 {
			fmt.Fprintf(&b, "  %s %s\n", labelStyle.Render("critical:"), strings.Join(r.Diagnostics.Critical, ", "))
		}
	}

	if res.Repair != nil {
		switch res.Repair.Kind {
		case immunity.OutcomeRepaired:
			fmt.Fprintf(&b, "  %s via %s\n", passStyle.Render("repaired"), res.Repair.Source)
		case immunity.OutcomeUnrepairable:
			fmt.Fprintf(&b, "  %s %s\n", failStyle.Render("unrepairable:"), res.Repair.Reason)
		}
	}
	return b.String()
}

func renderDecision(d *immunity.CommitDecision) string {
	var b strings.Builder
	if d.Allowed {
		fmt.Fprintf(&b, "%s %d step(s)\n", passStyle.Render("ALLOWED"), len(d.Results))
	} else {
		fmt.Fprintf(&b, "%s %d of %d step(s)\n", failStyle.Render("BLOCKED"), len(d.Blocked), len(d.Results))
	}
	for _, res := range d.Results {
		if res.Verdict != immunity.VerdictPass {
			b.WriteString(renderStep(res))
		}
	}
	return b.String()
}

func renderVectors(resp *httpserver.VectorsResponse) string {
	vs := append([]httpserver.VectorStatus(nil), resp.Vectors...)
	sort.SliceStable(vs, func(i, j int) bool { return vs[i].Enabled && !vs[j].Enabled })

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("threshold:"), monitor.FormatScore(resp.Threshold))
	for _, v := range vs {
		state := passStyle.Render("on ")
		if !v.Enabled {
			state = dimStyle.Render("off")
		}
		fmt.Fprintf(&b, "  %s %-16s %5.2f  %s\n", state, v.ID, v.Weight, dimStyle.Render(v.Name))
	}
	return b.String()
}
