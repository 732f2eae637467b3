package mcp

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/immunity/internal/immunity"
)

// Processor runs steps through the immunity pipeline.
type Processor interface {
	Process(ctx context.Context, step *immunity.TrajectoryStep, d *immunity.DoctrineConfig) (*immunity.StepResult, error)
}

// Doctrines resolves and reloads per-project doctrine.
type Doctrines interface {
	For(scope string) *immunity.DoctrineConfig
	Reload(ctx context.Context) error
	LoadedAt() time.Time
}

// Vectors exposes the registry's current snapshot.
type Vectors interface {
	Snapshot() *immunity.Snapshot
}

// Server registers the immunity tools on an MCP server.
type Server struct {
	mcp       *mcp.Server
	processor Processor
	vectors   Vectors
	doctrines Doctrines
	metrics   *Metrics
	logger    *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "immunity")
	Name string

	// Version is the server version (default: "dev")
	Version string

	// Logger for structured logging
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "immunity",
		Version: "dev",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates a new MCP server. doctrines is optional; without it
// every scope uses the default doctrine and reload is refused.
func NewServer(cfg *Config, processor Processor, vectors Vectors, doctrines Doctrines) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if processor == nil {
		return nil, fmt.Errorf("processor is required")
	}
	if vectors == nil {
		return nil, fmt.Errorf("vectors are required")
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		},
		nil,
	)

	s := &Server{
		mcp:       mcpServer,
		processor: processor,
		vectors:   vectors,
		doctrines: doctrines,
		metrics:   NewMetrics(cfg.Logger),
		logger:    cfg.Logger,
	}
	s.registerTools()
	return s, nil
}

// Run starts the MCP server on the stdio transport.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	transport := &mcp.StdioTransport{}
	if err := s.mcp.Run(ctx, transport); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// Connect serves a single session on transport.
func (s *Server) Connect(ctx context.Context, transport mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcp.Connect(ctx, transport, nil)
}

// HTTPHandler serves the tools over the streamable HTTP transport.
func (s *Server) HTTPHandler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.mcp }, nil)
}
