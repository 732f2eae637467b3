package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/immunity/internal/doctrine"
	"github.com/fyrsmithlabs/immunity/internal/immunity"
	"github.com/fyrsmithlabs/immunity/internal/logging"
)

// Tool names.
const (
	ToolScan           = "immunity_scan"
	ToolVectors        = "immunity_vectors"
	ToolReloadDoctrine = "immunity_reload_doctrine"
)

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        ToolScan,
		Description: "Scan a proposed agent step (diff, file write or command) and return the verdict, failing vectors and any verified patch",
	}, s.handleScan)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        ToolVectors,
		Description: "List health vectors with the weight and enablement resolved for a project scope",
	}, s.handleVectors)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        ToolReloadDoctrine,
		Description: "Re-read the doctrine file; on failure the previous doctrine stays active",
	}, s.handleReloadDoctrine)
}

// track wraps a tool body with invocation metrics.
func (s *Server) track(ctx context.Context, tool string) func(error) {
	start := time.Now()
	s.metrics.IncrementActive(ctx, tool)
	return func(err error) {
		s.metrics.DecrementActive(ctx, tool)
		s.metrics.RecordInvocation(ctx, tool, time.Since(start), err)
	}
}

func (s *Server) doctrine(scope string) *immunity.DoctrineConfig {
	if s.doctrines == nil {
		d := immunity.DefaultDoctrine()
		d.Scope = scope
		return d
	}
	return s.doctrines.For(scope)
}

// ===== SCAN =====

type scanInput struct {
	Scope     string `json:"scope,omitempty" jsonschema:"Project scope selecting the doctrine"`
	StepID    string `json:"step_id,omitempty" jsonschema:"Step identifier (generated if empty)"`
	SessionID string `json:"session_id,omitempty" jsonschema:"Agent session identifier"`
	Kind      string `json:"kind" jsonschema:"Step kind: diff, file_write or command"`
	Path      string `json:"path,omitempty" jsonschema:"File the step touches"`
	Content   string `json:"content" jsonschema:"Proposed content"`
	Intent    string `json:"intent,omitempty" jsonschema:"Declared task intent"`
}

type violationOutput struct {
	VectorID string `json:"vector_id"`
	Kind     string `json:"kind"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Line     int    `json:"line,omitempty"`
}

type scanOutput struct {
	StepID         string            `json:"step_id"`
	Verdict        string            `json:"verdict"`
	Score          float64           `json:"score"`
	Threshold      float64           `json:"threshold"`
	FailedVectors  []string          `json:"failed_vectors,omitempty"`
	Violations     []violationOutput `json:"violations,omitempty"`
	Repair         string            `json:"repair,omitempty"`
	RepairReason   string            `json:"repair_reason,omitempty"`
	PatchedContent string            `json:"patched_content,omitempty"`
}

func (s *Server) handleScan(ctx context.Context, req *mcp.CallToolRequest, args scanInput) (*mcp.CallToolResult, scanOutput, error) {
	var toolErr error
	done := s.track(ctx, ToolScan)
	defer func() { done(toolErr) }()

	step := &immunity.TrajectoryStep{
		ID:        args.StepID,
		SessionID: args.SessionID,
		Kind:      immunity.StepKind(args.Kind),
		Path:      args.Path,
		Content:   args.Content,
		Intent:    args.Intent,
		CreatedAt: time.Now().UTC(),
	}
	if step.ID == "" {
		step.ID = uuid.NewString()
	}

	ctx = logging.WithStep(logging.WithScope(ctx, args.Scope), step.SessionID, step.ID)
	res, err := s.processor.Process(ctx, step, s.doctrine(args.Scope))
	if err != nil {
		toolErr = err
		logging.For(ctx, s.logger).Info("mcp scan rejected", zap.Error(err))
		return nil, scanOutput{}, fmt.Errorf("scan failed: %w", err)
	}

	out := scanOutput{StepID: res.StepID, Verdict: string(res.Verdict), PatchedContent: res.PatchedContent}
	if r := res.Report; r != nil {
		out.Score = r.Score
		out.Threshold = r.Threshold
		out.FailedVectors = r.FailedVectors()
		for _, vr := range r.Results {
			for _, v := range vr.Violations {
				vo := violationOutput{VectorID: vr.VectorID, Kind: v.Kind, Severity: v.Severity.String(), Message: v.Message}
				if v.Location != nil {
					vo.Line = v.Location.Line
				}
				out.Violations = append(out.Violations, vo)
			}
		}
	}
	if res.Repair != nil {
		out.Repair = string(res.Repair.Kind)
		out.RepairReason = res.Repair.Reason
	}

	logging.For(ctx, s.logger).Debug("mcp scan",
		zap.String("verdict", out.Verdict),
		zap.Float64("score", out.Score),
	)

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: summary(out)}},
	}, out, nil
}

func summary(out scanOutput) string {
	text := fmt.Sprintf("%s: score %.2f (threshold %.2f)", out.Verdict, out.Score, out.Threshold)
	if len(out.FailedVectors) > 0 {
		text += fmt.Sprintf(", failing vectors %v", out.FailedVectors)
	}
	if out.Repair != "" {
		text += ", repair " + out.Repair
	}
	return text
}

// ===== VECTORS =====

type vectorsInput struct {
	Scope string `json:"scope,omitempty" jsonschema:"Project scope selecting the doctrine"`
}

type vectorOutput struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Enabled bool    `json:"enabled"`
	Weight  float64 `json:"weight"`
}

type vectorsOutput struct {
	Scope     string         `json:"scope,omitempty"`
	Threshold float64        `json:"threshold"`
	Vectors   []vectorOutput `json:"vectors"`
}

func (s *Server) handleVectors(ctx context.Context, req *mcp.CallToolRequest, args vectorsInput) (*mcp.CallToolResult, vectorsOutput, error) {
	done := s.track(ctx, ToolVectors)
	defer done(nil)

	d := s.doctrine(args.Scope)
	snap := s.vectors.Snapshot()
	weights := snap.Weights(d)

	out := vectorsOutput{Scope: args.Scope, Threshold: d.Threshold(), Vectors: []vectorOutput{}}
	for _, desc := range snap.Descriptors() {
		w, enabled := weights[desc.ID]
		if !enabled {
			w, _ = snap.EffectiveWeight(desc.ID, d)
		}
		out.Vectors = append(out.Vectors, vectorOutput{ID: desc.ID, Name: desc.Name, Enabled: enabled, Weight: w})
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("%d vectors registered, %d enabled", len(out.Vectors), len(weights))}},
	}, out, nil
}

// ===== DOCTRINE =====

type reloadInput struct{}

type reloadOutput struct {
	LoadedAt string `json:"loaded_at"`
}

func (s *Server) handleReloadDoctrine(ctx context.Context, req *mcp.CallToolRequest, _ reloadInput) (*mcp.CallToolResult, reloadOutput, error) {
	var toolErr error
	done := s.track(ctx, ToolReloadDoctrine)
	defer func() { done(toolErr) }()

	if s.doctrines == nil {
		toolErr = doctrine.ErrNoPath
		return nil, reloadOutput{}, toolErr
	}
	if err := s.doctrines.Reload(ctx); err != nil {
		toolErr = err
		return nil, reloadOutput{}, fmt.Errorf("doctrine reload failed, previous doctrine kept: %w", err)
	}

	out := reloadOutput{LoadedAt: s.doctrines.LoadedAt().UTC().Format(time.RFC3339)}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: "doctrine reloaded at " + out.LoadedAt}},
	}, out, nil
}
