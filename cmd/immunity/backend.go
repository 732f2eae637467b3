package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fyrsmithlabs/immunity/internal/config"
	"github.com/fyrsmithlabs/immunity/internal/doctrine"
	"github.com/fyrsmithlabs/immunity/internal/events"
	httpserver "github.com/fyrsmithlabs/immunity/internal/http"
	"github.com/fyrsmithlabs/immunity/internal/immunity"
	"github.com/fyrsmithlabs/immunity/internal/logging"
	"github.com/fyrsmithlabs/immunity/internal/synthesis"
	"github.com/fyrsmithlabs/immunity/internal/vectors"
)

// backend runs steps through the pipeline, wherever it lives.
type backend interface {
	Process(ctx context.Context, scope string, step *immunity.TrajectoryStep) (*immunity.StepResult, error)
	PreCommit(ctx context.Context, scope string, steps []*immunity.TrajectoryStep) (*immunity.CommitDecision, error)
	Vectors(ctx context.Context, scope string) (*httpserver.VectorsResponse, error)
	Close() error
}

// openBackend selects the backend from the persistent flags.
func openBackend() (backend, error) {
	switch {
	case local:
		return newLocalBackend(configPath)
	case natsURL != "":
		return newNATSBackend(natsURL, natsPrefix)
	default:
		return newHTTPBackend(serverURL), nil
	}
}

// ===== HTTP =====

type httpBackend struct {
	baseURL string
	client  *http.Client
}

func newHTTPBackend(baseURL string) *httpBackend {
	return &httpBackend{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (b *httpBackend) Process(ctx context.Context, scope string, step *immunity.TrajectoryStep) (*immunity.StepResult, error) {
	var res immunity.StepResult
	if err := b.do(ctx, http.MethodPost, "/api/v1/scan", httpserver.ScanRequest{Scope: scope, Step: step}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (b *httpBackend) PreCommit(ctx context.Context, scope string, steps []*immunity.TrajectoryStep) (*immunity.CommitDecision, error) {
	var decision immunity.CommitDecision
	if err := b.do(ctx, http.MethodPost, "/api/v1/precommit", httpserver.PreCommitRequest{Scope: scope, Steps: steps}, &decision); err != nil {
		return nil, err
	}
	return &decision, nil
}

func (b *httpBackend) Vectors(ctx context.Context, scope string) (*httpserver.VectorsResponse, error) {
	path := "/api/v1/vectors"
	if scope != "" {
		path += "?scope=" + url.QueryEscape(scope)
	}
	var resp httpserver.VectorsResponse
	if err := b.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (b *httpBackend) Close() error { return nil }

func (b *httpBackend) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		reqJSON, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(reqJSON)
	}

	u := b.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp httpserver.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.Error != "" {
			return fmt.Errorf("server returned status %d (%s): %s", resp.StatusCode, errResp.Code, errResp.Error)
		}
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// ===== NATS =====

type natsBackend struct {
	*events.Client
	nc *nats.Conn
}

func newNATSBackend(u, prefix string) (*natsBackend, error) {
	nc, err := nats.Connect(u, nats.Name("immunity-cli"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	client, err := events.NewClient(nc, prefix)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return &natsBackend{Client: client, nc: nc}, nil
}

func (b *natsBackend) Vectors(context.Context, string) (*httpserver.VectorsResponse, error) {
	return nil, errors.New("listing vectors is not served over NATS; use --server or --local")
}

func (b *natsBackend) Close() error {
	b.nc.Close()
	return nil
}

// ===== LOCAL =====

// localBackend runs the pipeline in this process with rule synthesis and
// an in-memory pattern store.
type localBackend struct {
	registry    *immunity.Registry
	coordinator *immunity.Coordinator
	doctrines   *doctrine.Store
}

func newLocalBackend(path string) (*localBackend, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	lc := logging.NewDefaultConfig()
	lc.Stderr = true
	lc.Format = "console"
	lc.Redact = cfg.Logging.Redact
	if lc.Level, err = logging.LevelFromString(cfg.Logging.Level); err != nil {
		return nil, err
	}
	zl, err := logging.New(lc, nil)
	if err != nil {
		return nil, err
	}

	registry := immunity.NewRegistry()
	if err := vectors.RegisterDefaults(registry, &vectors.Options{
		AllowlistPath:  cfg.Security.AllowlistPath,
		DeniedModules:  cfg.Security.DeniedModules,
		TokenBudget:    cfg.Vectors.TokenBudget,
		EnableExtended: cfg.Vectors.Extended,
		Logger:         zl.Named("vectors"),
	}); err != nil {
		return nil, fmt.Errorf("vectors: %w", err)
	}

	doctrines, err := doctrine.New(cfg.Doctrine.Path, doctrine.WithLogger(zl.Named("doctrine")), doctrine.WithRegistry(registry))
	if err != nil {
		return nil, fmt.Errorf("doctrine: %w", err)
	}

	cc := immunity.DefaultConfig()
	cc.VectorTimeout = cfg.Immunity.VectorTimeout.Duration()
	cc.StepTimeout = cfg.Immunity.StepTimeout.Duration()
	cc.RepairTimeout = cfg.Immunity.RepairTimeout.Duration()
	cc.MaxContentBytes = cfg.Immunity.MaxContentBytes
	coordinator, err := immunity.NewCoordinator(registry, cc,
		immunity.WithLogger(zl.Named("coordinator")),
		immunity.WithSynthesizer(synthesis.NewRule()),
	)
	if err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}

	return &localBackend{registry: registry, coordinator: coordinator, doctrines: doctrines}, nil
}

func (b *localBackend) Process(ctx context.Context, scope string, step *immunity.TrajectoryStep) (*immunity.StepResult, error) {
	return b.coordinator.Process(ctx, step, b.doctrines.For(scope))
}

func (b *localBackend) PreCommit(ctx context.Context, scope string, steps []*immunity.TrajectoryStep) (*immunity.CommitDecision, error) {
	return b.coordinator.PreCommit(ctx, steps, b.doctrines.For(scope))
}

func (b *localBackend) Vectors(_ context.Context, scope string) (*httpserver.VectorsResponse, error) {
	d := b.doctrines.For(scope)
	snap := b.registry.Snapshot()
	weights := snap.Weights(d)

	resp := &httpserver.VectorsResponse{Scope: scope, Threshold: d.Threshold(), Vectors: []httpserver.VectorStatus{}}
	for _, desc := range snap.Descriptors() {
		w, enabled := weights[desc.ID]
		if !enabled {
			w, _ = snap.EffectiveWeight(desc.ID, d)
		}
		resp.Vectors = append(resp.Vectors, httpserver.VectorStatus{Descriptor: desc, Enabled: enabled, Weight: w})
	}
	return resp, nil
}

func (b *localBackend) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.coordinator.Close(ctx)
}
