// Package doctrine loads per-project DoctrineConfigs from a YAML file.
//
// The file has a default entry and per-project entries merged over it:
//
//	default:
//	  confidence_threshold: 0.7
//	  weights: {security: 1.0}
//	projects:
//	  payments:
//	    enabled: {privacy: true}
//
// Lookups read an immutable snapshot; Reload swaps it atomically so
// in-flight invocations keep the doctrine they started with.
package doctrine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/immunity/internal/immunity"
)

const maxDoctrineFileSize = 1024 * 1024

var (
	// ErrFileTooLarge indicates a doctrine file over 1MB.
	ErrFileTooLarge = errors.New("doctrine file too large")

	// ErrNoPath indicates Reload was called on a store with no backing file.
	ErrNoPath = errors.New("doctrine store has no file")
)

// File is the on-disk layout.
type File struct {
	Default  immunity.DoctrineConfig            `koanf:"default"`
	Projects map[string]immunity.DoctrineConfig `koanf:"projects"`
}

type snapshot struct {
	def      *immunity.DoctrineConfig
	projects map[string]*immunity.DoctrineConfig
	loadedAt time.Time
}

// Store serves doctrines by project scope.
type Store struct {
	path     string
	logger   *zap.Logger
	emitter  immunity.EventEmitter
	registry *immunity.Registry
	current  atomic.Pointer[snapshot]
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithEmitter receives DoctrineReloaded events.
func WithEmitter(e immunity.EventEmitter) Option {
	return func(s *Store) { s.emitter = e }
}

// WithRegistry enables warnings for overrides naming unregistered vectors.
func WithRegistry(r *immunity.Registry) Option {
	return func(s *Store) { s.registry = r }
}

// New loads the doctrine file at path. An empty path serves
// immunity.DefaultDoctrine for every scope; a missing file is an error.
func New(path string, opts ...Option) (*Store, error) {
	s := &Store{path: path, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}

	if path == "" {
		s.current.Store(&snapshot{def: immunity.DefaultDoctrine(), loadedAt: time.Now()})
		return s, nil
	}
	snap, err := s.load()
	if err != nil {
		return nil, err
	}
	s.current.Store(snap)
	s.logger.Info("doctrine loaded", zap.String("path", path), zap.Int("projects", len(snap.projects)))
	return s, nil
}

// Path returns the backing file, if any.
func (s *Store) Path() string { return s.path }

// LoadedAt returns when the current snapshot was loaded.
func (s *Store) LoadedAt() time.Time { return s.current.Load().loadedAt }

// For returns the doctrine for scope: the project entry merged over the
// default, or the default alone for unknown scopes. The result is a copy.
func (s *Store) For(scope string) *immunity.DoctrineConfig {
	snap := s.current.Load()
	d := snap.projects[scope].Merge(snap.def)
	if scope != "" {
		d.Scope = scope
	}
	return d
}

// Scopes lists the configured projects.
func (s *Store) Scopes() []string {
	snap := s.current.Load()
	out := make([]string, 0, len(snap.projects))
	for k := range snap.projects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Reload re-reads the file and swaps the snapshot. On failure the previous
// snapshot stays in place.
func (s *Store) Reload(ctx context.Context) error {
	if s.path == "" {
		return ErrNoPath
	}
	snap, err := s.load()
	if err != nil {
		s.logger.Warn("doctrine reload failed, keeping previous", zap.String("path", s.path), zap.Error(err))
		return err
	}
	s.current.Store(snap)
	s.logger.Info("doctrine reloaded", zap.String("path", s.path), zap.Int("projects", len(snap.projects)))
	if s.emitter != nil {
		s.emitter.Emit(ctx, immunity.Event{
			Type:      immunity.EventDoctrineReloaded,
			Detail:    s.path,
			Timestamp: snap.loadedAt,
		})
	}
	return nil
}

func (s *Store) load() (*snapshot, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("opening doctrine file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat doctrine file: %w", err)
	}
	if info.Size() > maxDoctrineFileSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFileTooLarge, info.Size(), maxDoctrineFileSize)
	}
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading doctrine file: %w", err)
	}
	return s.parse(content)
}

func (s *Store) parse(content []byte) (*snapshot, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("parsing doctrine: %w", err)
	}
	var file File
	if err := k.Unmarshal("", &file); err != nil {
		return nil, fmt.Errorf("decoding doctrine: %w", err)
	}

	def := file.Default
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("default doctrine: %w", err)
	}
	snap := &snapshot{
		def:      &def,
		projects: make(map[string]*immunity.DoctrineConfig, len(file.Projects)),
		loadedAt: time.Now(),
	}
	s.warnUnknown("default", &def)
	for scope, d := range file.Projects {
		d := d
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("project %q: %w", scope, err)
		}
		s.warnUnknown(scope, &d)
		snap.projects[scope] = &d
	}
	return snap, nil
}

func (s *Store) warnUnknown(scope string, d *immunity.DoctrineConfig) {
	if s.registry == nil {
		return
	}
	if unknown := d.UnknownVectors(s.registry.Snapshot()); len(unknown) > 0 {
		s.logger.Warn("doctrine names unregistered vectors",
			zap.String("project.scope", scope),
			zap.Strings("vectors", unknown),
		)
	}
}
