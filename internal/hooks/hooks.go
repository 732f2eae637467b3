package hooks

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/immunity/internal/immunity"
)

// Wildcard matches every event type.
const Wildcard immunity.EventType = "*"

// Config holds hook configuration
type Config struct {
	// QueueSize bounds undelivered events (1-65536, default 1024).
	QueueSize int `koanf:"queue_size"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{QueueSize: 1024}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.QueueSize < 1 || c.QueueSize > 65536 {
		return fmt.Errorf("queue_size must be between 1 and 65536, got %d", c.QueueSize)
	}
	return nil
}

// HookHandler handles one event. Errors are logged, never propagated.
type HookHandler func(ctx context.Context, event immunity.Event) error

type queued struct {
	ctx   context.Context
	event immunity.Event
}

// HookManager fans events out to handlers.
type HookManager struct {
	config *Config
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[immunity.EventType][]HookHandler

	queue     chan queued
	done      chan struct{}
	closeOnce sync.Once
	closing   sync.RWMutex
	closed    bool
	dropped   atomic.Int64
}

// NewHookManager creates a hook manager and starts its dispatcher.
func NewHookManager(config *Config, logger *zap.Logger) (*HookManager, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &HookManager{
		config:   config,
		logger:   logger,
		handlers: make(map[immunity.EventType][]HookHandler),
		queue:    make(chan queued, config.QueueSize),
		done:     make(chan struct{}),
	}
	go h.dispatch()
	return h, nil
}

// RegisterHandler registers a handler for an event type, or Wildcard.
func (h *HookManager) RegisterHandler(eventType immunity.EventType, handler HookHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[eventType] = append(h.handlers[eventType], handler)
}

// Emit queues the event. It never blocks.
func (h *HookManager) Emit(ctx context.Context, event immunity.Event) {
	h.closing.RLock()
	defer h.closing.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.queue <- queued{ctx: context.WithoutCancel(ctx), event: event}:
	default:
		n := h.dropped.Add(1)
		h.logger.Warn("hook queue full, event dropped",
			zap.String("event", string(event.Type)),
			zap.Int64("dropped_total", n),
		)
	}
}

// Execute delivers an event synchronously and returns the first handler error.
func (h *HookManager) Execute(ctx context.Context, event immunity.Event) error {
	for _, handler := range h.handlersFor(event.Type) {
		if err := handler(ctx, event); err != nil {
			return fmt.Errorf("hook %s failed: %w", event.Type, err)
		}
	}
	return nil
}

func (h *HookManager) handlersFor(t immunity.EventType) []HookHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]HookHandler, 0, len(h.handlers[t])+len(h.handlers[Wildcard]))
	out = append(out, h.handlers[t]...)
	if t != Wildcard {
		out = append(out, h.handlers[Wildcard]...)
	}
	return out
}

func (h *HookManager) dispatch() {
	defer close(h.done)
	for q := range h.queue {
		for _, handler := range h.handlersFor(q.event.Type) {
			h.invoke(q, handler)
		}
	}
}

func (h *HookManager) invoke(q queued, handler HookHandler) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("hook handler panicked",
				zap.String("event", string(q.event.Type)),
				zap.Any("panic", r),
			)
		}
	}()
	if err := handler(q.ctx, q.event); err != nil {
		h.logger.Warn("hook handler failed",
			zap.String("event", string(q.event.Type)),
			zap.String("step.id", q.event.StepID),
			zap.Error(err),
		)
	}
}

// Dropped returns the number of events dropped on a full queue or after Close.
func (h *HookManager) Dropped() int64 { return h.dropped.Load() }

// Close stops accepting events and waits until queued ones are delivered
// or ctx is done.
func (h *HookManager) Close(ctx context.Context) error {
	h.closeOnce.Do(func() {
		h.closing.Lock()
		h.closed = true
		close(h.queue)
		h.closing.Unlock()
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Config returns the hook configuration
func (h *HookManager) Config() *Config {
	return h.config
}
