package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/immunity/internal/config"
	"github.com/fyrsmithlabs/immunity/internal/doctrine"
	"github.com/fyrsmithlabs/immunity/internal/embeddings"
	"github.com/fyrsmithlabs/immunity/internal/events"
	"github.com/fyrsmithlabs/immunity/internal/hooks"
	httpserver "github.com/fyrsmithlabs/immunity/internal/http"
	"github.com/fyrsmithlabs/immunity/internal/immunity"
	"github.com/fyrsmithlabs/immunity/internal/logging"
	mcpserver "github.com/fyrsmithlabs/immunity/internal/mcp"
	"github.com/fyrsmithlabs/immunity/internal/patternstore"
	"github.com/fyrsmithlabs/immunity/internal/synthesis"
	"github.com/fyrsmithlabs/immunity/internal/telemetry"
	"github.com/fyrsmithlabs/immunity/internal/vectors"
)

// daemon holds every long-lived component.
type daemon struct {
	zap *zap.Logger
	tel *telemetry.Telemetry

	registry    *immunity.Registry
	coordinator *immunity.Coordinator
	doctrines   *doctrine.Store
	hooks       *hooks.HookManager
	provider    embeddings.Provider
	patterns    patternstore.Store

	broker     *events.EmbeddedBroker
	nc         *nats.Conn
	stepServer *events.StepServer

	prom *prometheus.Registry
	mcp  *mcpserver.Server
	http *httpserver.Server
}

func newTelemetry(ctx context.Context, cfg *config.Config) (*telemetry.Telemetry, error) {
	tc := telemetry.DefaultConfig()
	tc.Enabled = cfg.Telemetry.Enabled
	tc.Endpoint = cfg.Telemetry.Endpoint
	tc.Protocol = cfg.Telemetry.Protocol
	tc.Insecure = cfg.Telemetry.Insecure
	tc.SampleRate = cfg.Telemetry.SampleRate
	tc.VectorSpans = cfg.Telemetry.VectorSpans
	tc.ServiceVersion = version
	return telemetry.New(ctx, tc)
}

// newLogger builds the process logger. In stdio mode stdout carries the MCP
// protocol, so logs go to stderr.
func newLogger(cfg *config.Config, stdio bool) (*zap.Logger, error) {
	lc := logging.NewDefaultConfig()
	level, err := logging.LevelFromString(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	lc.Level = level
	lc.Format = cfg.Logging.Format
	lc.OTEL = cfg.Logging.OTEL
	lc.Stderr = stdio
	lc.Redact = cfg.Logging.Redact
	return logging.New(lc, global.GetLoggerProvider())
}

// build wires the daemon. On error, everything built so far is closed.
func build(ctx context.Context, cfg *config.Config, zl *zap.Logger, tel *telemetry.Telemetry) (d *daemon, err error) {
	d = &daemon{zap: zl, tel: tel}
	defer func() {
		if err != nil {
			_ = d.close(context.Background(), false)
			d = nil
		}
	}()

	d.prom = prometheus.NewRegistry()
	d.prom.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	d.hooks, err = hooks.NewHookManager(&hooks.Config{QueueSize: cfg.Hooks.QueueSize}, zl.Named("hooks"))
	if err != nil {
		return nil, fmt.Errorf("hooks: %w", err)
	}
	d.hooks.RegisterHandler(hooks.Wildcard, events.NewPrometheusSink(d.prom).Handle)

	if err = d.connectNATS(cfg); err != nil {
		return nil, err
	}

	d.registry = immunity.NewRegistry()
	if err = vectors.RegisterDefaults(d.registry, &vectors.Options{
		AllowlistPath:  cfg.Security.AllowlistPath,
		DeniedModules:  cfg.Security.DeniedModules,
		TokenBudget:    cfg.Vectors.TokenBudget,
		EnableExtended: cfg.Vectors.Extended,
		Logger:         zl.Named("vectors"),
	}); err != nil {
		return nil, fmt.Errorf("vectors: %w", err)
	}

	d.provider, err = embeddings.NewProvider(embeddings.ProviderConfig{
		Provider:  cfg.Embeddings.Provider,
		Model:     cfg.Embeddings.Model,
		BaseURL:   cfg.Embeddings.BaseURL,
		APIKey:    cfg.Embeddings.APIKey.Value(),
		CacheDir:  cfg.Embeddings.CacheDir,
		Dimension: cfg.Embeddings.Dimension,
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings: %w", err)
	}

	d.patterns, err = patternstore.New(patternstore.Config{
		Backend:    cfg.Patterns.Backend,
		Collection: cfg.Patterns.Collection,
		Path:       cfg.Patterns.Path,
		Compress:   cfg.Patterns.Compress,
		Qdrant: patternstore.QdrantConfig{
			Host:   cfg.Patterns.Qdrant.Host,
			Port:   cfg.Patterns.Qdrant.Port,
			UseTLS: cfg.Patterns.Qdrant.UseTLS,
			APIKey: cfg.Patterns.Qdrant.APIKey.Value(),
		},
	}, d.provider, zl.Named("patterns"))
	if err != nil {
		return nil, fmt.Errorf("pattern store: %w", err)
	}

	metrics, err := immunity.NewMetrics(tel.Meter(immunity.InstrumentationName))
	if err != nil {
		zl.Warn("immunity metrics unavailable", zap.Error(err))
	}

	opts := []immunity.Option{
		immunity.WithLogger(zl.Named("coordinator")),
		immunity.WithMetrics(metrics),
		immunity.WithEmitter(d.hooks),
		immunity.WithPatternStore(d.patterns),
	}
	synth, err := newSynthesizer(cfg.Synthesis, zl.Named("synthesis"))
	if err != nil {
		return nil, fmt.Errorf("synthesis: %w", err)
	}
	if synth != nil {
		opts = append(opts, immunity.WithSynthesizer(synth))
	}

	d.coordinator, err = immunity.NewCoordinator(d.registry, coordinatorConfig(cfg.Immunity), opts...)
	if err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}

	d.doctrines, err = doctrine.New(cfg.Doctrine.Path,
		doctrine.WithLogger(zl.Named("doctrine")),
		doctrine.WithEmitter(d.hooks),
		doctrine.WithRegistry(d.registry),
	)
	if err != nil {
		return nil, fmt.Errorf("doctrine: %w", err)
	}
	if cfg.Doctrine.Watch {
		if err = d.doctrines.Watch(ctx, cfg.Doctrine.Debounce.Duration()); err != nil {
			return nil, fmt.Errorf("doctrine watch: %w", err)
		}
	}

	if cfg.NATS.Serve {
		d.stepServer, err = events.NewStepServer(d.nc, d.coordinator, d.doctrines, events.StepServerConfig{
			Prefix:  cfg.NATS.Prefix,
			Timeout: cfg.NATS.RequestTimeout.Duration(),
		}, zl.Named("stepserver"))
		if err != nil {
			return nil, fmt.Errorf("step server: %w", err)
		}
		if err = d.stepServer.Start(); err != nil {
			return nil, fmt.Errorf("step server: %w", err)
		}
	}

	d.mcp, err = mcpserver.NewServer(&mcpserver.Config{
		Name:    "immunity",
		Version: version,
		Logger:  zl.Named("mcp"),
	}, d.coordinator, d.registry, d.doctrines)
	if err != nil {
		return nil, fmt.Errorf("mcp: %w", err)
	}

	d.http, err = httpserver.NewServer(d.coordinator, d.registry, zl.Named("http"), &httpserver.Config{
		Host:      cfg.Server.Host,
		Port:      cfg.Server.Port,
		BodyLimit: cfg.Server.BodyLimit,
	},
		httpserver.WithDoctrines(d.doctrines),
		httpserver.WithGatherer(d.prom),
		httpserver.WithHTTPMetrics(httpserver.NewHTTPMetrics(zl)),
		httpserver.WithVersion(version),
	)
	if err != nil {
		return nil, fmt.Errorf("http: %w", err)
	}
	if cfg.Server.MCP {
		d.http.Mount("/mcp", d.mcp.HTTPHandler())
	}

	return d, nil
}

// connectNATS starts the embedded broker if configured, connects and routes
// every outcome event to the publisher.
func (d *daemon) connectNATS(cfg *config.Config) error {
	if !cfg.NATS.Enabled {
		return nil
	}

	opts := []nats.Option{
		nats.Name("immunityd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				d.zap.Warn("nats disconnected", zap.Error(err))
			}
		}),
	}

	var err error
	if cfg.NATS.Embedded {
		d.broker, err = events.StartEmbedded("127.0.0.1", cfg.NATS.EmbeddedPort)
		if err != nil {
			return fmt.Errorf("embedded nats: %w", err)
		}
		d.nc, err = d.broker.Connect(opts...)
	} else {
		d.nc, err = nats.Connect(cfg.NATS.URL, opts...)
	}
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}

	pub, err := events.NewPublisher(d.nc, cfg.NATS.Prefix, d.zap.Named("publisher"))
	if err != nil {
		return fmt.Errorf("nats publisher: %w", err)
	}
	d.hooks.RegisterHandler(hooks.Wildcard, pub.Publish)
	return nil
}

func newSynthesizer(cfg config.SynthesisConfig, logger *zap.Logger) (immunity.Synthesizer, error) {
	switch cfg.Provider {
	case "none":
		return nil, nil
	case "llm":
		llm, err := synthesis.NewLLM(synthesis.LLMConfig{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			APIKey:    cfg.APIKey.Value(),
			RateLimit: cfg.RateLimit,
			Burst:     cfg.Burst,
			MaxTokens: cfg.MaxTokens,
		}, logger)
		if err != nil {
			return nil, err
		}
		return synthesis.NewChain(logger, synthesis.NewRule(), llm), nil
	default:
		return synthesis.NewRule(), nil
	}
}

func coordinatorConfig(c config.ImmunityConfig) *immunity.Config {
	return &immunity.Config{
		VectorTimeout:       c.VectorTimeout.Duration(),
		StepTimeout:         c.StepTimeout.Duration(),
		RepairTimeout:       c.RepairTimeout.Duration(),
		LearningTimeout:     c.LearningTimeout.Duration(),
		MaxContentBytes:     c.MaxContentBytes,
		LearningConcurrency: c.LearningConcurrency,
		SimilarityThreshold: c.SimilarityThreshold,
		TombstoneSkipAfter:  c.TombstoneSkipAfter,
	}
}

// close stops intake first, then drains learning and events, then releases
// stores and connections.
func (d *daemon) close(ctx context.Context, stopHTTP bool) error {
	var errs []error

	if stopHTTP && d.http != nil {
		if err := d.http.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http: %w", err))
		}
	}
	if d.stepServer != nil {
		d.stepServer.Stop()
	}
	if d.coordinator != nil {
		if err := d.coordinator.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("coordinator: %w", err))
		}
	}
	if d.hooks != nil {
		if err := d.hooks.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("hooks: %w", err))
		}
	}
	if d.nc != nil {
		if err := d.nc.Drain(); err != nil {
			errs = append(errs, fmt.Errorf("nats: %w", err))
		}
	}
	if d.broker != nil {
		d.broker.Shutdown()
	}
	if d.patterns != nil {
		if err := d.patterns.Close(); err != nil {
			errs = append(errs, fmt.Errorf("pattern store: %w", err))
		}
	}
	if d.provider != nil {
		if err := d.provider.Close(); err != nil {
			errs = append(errs, fmt.Errorf("embeddings: %w", err))
		}
	}
	if d.tel != nil {
		if err := d.tel.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry: %w", err))
		}
	}

	return errors.Join(errs...)
}
