package vectors

import (
	"context"
	"go/ast"
	"go/parser"
	"go/token"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/immunity/internal/immunity"
)

var queryMethods = map[string]bool{
	"Query": true, "QueryRow": true, "QueryContext": true, "QueryRowContext": true,
	"Exec": true, "ExecContext": true,
}

type loopFinding struct {
	kind    string
	message string
	fix     string
}

var (
	findingRegexpInLoop = loopFinding{"performance.regexp-in-loop", "regular expression compiled inside a loop", "hoist regexp compilation out of the loop"}
	findingDeferInLoop  = loopFinding{"performance.defer-in-loop", "defer inside a loop runs only when the function returns", "move the loop body into a function or release resources explicitly"}
	findingConcatInLoop = loopFinding{"performance.string-concat-in-loop", "string concatenation inside a loop", "use strings.Builder"}
	findingQueryInLoop  = loopFinding{"performance.query-in-loop", "database query issued once per iteration", "batch the query outside the loop"}
)

var heuristicLoopChecks = []struct {
	pattern *regexp.Regexp
	finding loopFinding
}{
	{regexp.MustCompile(`\bregexp\.(?:Must)?Compile\(`), findingRegexpInLoop},
	{regexp.MustCompile(`^\s*defer\s`), findingDeferInLoop},
	{regexp.MustCompile(`\w+\s*\+=\s*(?:"|fmt\.Sprint)`), findingConcatInLoop},
	{regexp.MustCompile(`\.(?:Query|QueryRow|Exec)(?:Context)?\(`), findingQueryInLoop},
}

// Performance flags loop-carried costs in Go code. Whole files are checked
// on the AST; diffs and unparsable content fall back to a line heuristic
// at lower confidence.
type Performance struct{}

// NewPerformance builds the performance vector.
func NewPerformance() *Performance { return &Performance{} }

func (p *Performance) Descriptor() immunity.Descriptor {
	return immunity.Descriptor{ID: IDPerformance, Name: "Performance", DefaultWeight: 0.6, DefaultEnabled: true}
}

func (p *Performance) Analyze(ctx context.Context, step *immunity.TrajectoryStep) (immunity.VectorResult, error) {
	if !isGo(step) || step.Kind == immunity.StepKindCommand {
		return immunity.VectorResult{VectorID: IDPerformance, Passed: true, Confidence: 1}, nil
	}
	if step.Kind == immunity.StepKindFileWrite {
		fset := token.NewFileSet()
		file, err := parser.ParseFile(fset, step.Path, step.Content, parser.SkipObjectResolution)
		if err == nil {
			violations, fixes := p.inspect(fset, file, step.Content)
			return outcome(IDPerformance, 0.85, violations, fixes), nil
		}
	}
	violations, fixes := p.heuristic(step)
	return outcome(IDPerformance, 0.6, violations, fixes), nil
}

func (p *Performance) inspect(fset *token.FileSet, file *ast.File, content string) ([]immunity.Violation, []string) {
	var violations []immunity.Violation
	var fixes []string
	report := func(node ast.Node, f loopFinding) {
		start := fset.Position(node.Pos()).Offset
		end := fset.Position(node.End()).Offset
		violations = append(violations, violationAt(content, f.kind, f.message, immunity.SeverityWarning, start, end))
		fixes = append(fixes, f.fix)
	}

	ast.Inspect(file, func(n ast.Node) bool {
		var body *ast.BlockStmt
		switch loop := n.(type) {
		case *ast.ForStmt:
			body = loop.Body
		case *ast.RangeStmt:
			body = loop.Body
		default:
			return true
		}
		ast.Inspect(body, func(inner ast.Node) bool {
			switch node := inner.(type) {
			case *ast.FuncLit:
				// Closures run on their own schedule.
				return false
			case *ast.ForStmt, *ast.RangeStmt:
				// Reported when the outer walk reaches the nested loop.
				return false
			case *ast.DeferStmt:
				report(node, findingDeferInLoop)
			case *ast.CallExpr:
				if sel, ok := node.Fun.(*ast.SelectorExpr); ok {
					if pkg, ok := sel.X.(*ast.Ident); ok && pkg.Name == "regexp" &&
						(sel.Sel.Name == "Compile" || sel.Sel.Name == "MustCompile") {
						report(node, findingRegexpInLoop)
					}
					if queryMethods[sel.Sel.Name] {
						report(node, findingQueryInLoop)
					}
				}
			case *ast.AssignStmt:
				if node.Tok == token.ADD_ASSIGN && len(node.Rhs) == 1 && isStringExpr(node.Rhs[0]) {
					report(node, findingConcatInLoop)
				}
			}
			return true
		})
		return true
	})
	return violations, fixes
}

// isStringExpr reports whether e is evidently a string without type info.
func isStringExpr(e ast.Expr) bool {
	switch x := e.(type) {
	case *ast.BasicLit:
		return x.Kind == token.STRING
	case *ast.BinaryExpr:
		return isStringExpr(x.X) || isStringExpr(x.Y)
	case *ast.CallExpr:
		if sel, ok := x.Fun.(*ast.SelectorExpr); ok {
			if pkg, ok := sel.X.(*ast.Ident); ok && pkg.Name == "fmt" && strings.HasPrefix(sel.Sel.Name, "Sprint") {
				return true
			}
		}
	}
	return false
}

// heuristic tracks loop nesting by braces on the analyzed lines.
func (p *Performance) heuristic(step *immunity.TrajectoryStep) ([]immunity.Violation, []string) {
	var violations []immunity.Violation
	var fixes []string
	var loops []int // brace depth at which each open loop started
	depth := 0

	for _, l := range analyzedLines(step) {
		trimmed := strings.TrimSpace(l.text)
		if len(loops) > 0 {
			for _, check := range heuristicLoopChecks {
				if m := check.pattern.FindStringIndex(l.text); m != nil {
					violations = append(violations, violationAt(step.Content, check.finding.kind, check.finding.message,
						immunity.SeverityWarning, l.start+m[0], l.start+m[1]))
					fixes = append(fixes, check.finding.fix)
				}
			}
		}
		if strings.HasPrefix(trimmed, "for ") || trimmed == "for {" {
			loops = append(loops, depth)
		}
		depth += strings.Count(l.text, "{") - strings.Count(l.text, "}")
		for len(loops) > 0 && depth <= loops[len(loops)-1] {
			loops = loops[:len(loops)-1]
		}
	}
	return violations, fixes
}
