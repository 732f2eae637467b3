package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/immunity/internal/immunity"
)

// QueueGroup load-balances requests across daemons.
const QueueGroup = "immunity"

// Reply error codes.
const (
	CodeBadRequest = "bad_request"
	CodeValidation = "validation"
	CodeRegistry   = "registry"
	CodeInternal   = "internal"
)

// ProcessRequest asks for one step to be processed.
type ProcessRequest struct {
	Scope string                   `json:"scope,omitempty"`
	Step  *immunity.TrajectoryStep `json:"step"`
}

// PreCommitRequest asks for a batch of staged steps to be gated.
type PreCommitRequest struct {
	Scope string                     `json:"scope,omitempty"`
	Steps []*immunity.TrajectoryStep `json:"steps"`
}

// Reply carries a result or an error.
type Reply struct {
	Result   *immunity.StepResult     `json:"result,omitempty"`
	Decision *immunity.CommitDecision `json:"decision,omitempty"`
	Error    string                   `json:"error,omitempty"`
	Code     string                   `json:"code,omitempty"`
}

// RemoteError is a failed reply.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// StepServer answers step requests on NATS.
type StepServer struct {
	nc        *nats.Conn
	prefix    string
	processor Processor
	doctrines DoctrineSource
	timeout   time.Duration
	logger    *zap.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// StepServerConfig configures a StepServer.
type StepServerConfig struct {
	Prefix string

	// Timeout bounds each request (default 5s).
	Timeout time.Duration
}

// NewStepServer creates a server. doctrines may be nil, in which case the
// default doctrine is used for every scope.
func NewStepServer(nc *nats.Conn, processor Processor, doctrines DoctrineSource, cfg StepServerConfig, logger *zap.Logger) (*StepServer, error) {
	if nc == nil {
		return nil, ErrNoConnection
	}
	if processor == nil {
		return nil, ErrNoProcessor
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StepServer{
		nc:        nc,
		prefix:    cfg.Prefix,
		processor: processor,
		doctrines: doctrines,
		timeout:   cfg.Timeout,
		logger:    logger,
	}, nil
}

// Start subscribes to the request subjects.
func (s *StepServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for subject, handler := range map[string]nats.MsgHandler{
		ProcessSubject(s.prefix):   s.handleProcess,
		PreCommitSubject(s.prefix): s.handlePreCommit,
	} {
		sub, err := s.nc.QueueSubscribe(subject, QueueGroup, handler)
		if err != nil {
			s.unsubscribeLocked()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	s.logger.Info("step server listening",
		zap.String("process", ProcessSubject(s.prefix)),
		zap.String("precommit", PreCommitSubject(s.prefix)),
	)
	return nil
}

// Stop drains the subscriptions.
func (s *StepServer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribeLocked()
}

func (s *StepServer) unsubscribeLocked() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *StepServer) doctrine(scope string) *immunity.DoctrineConfig {
	if s.doctrines == nil {
		d := immunity.DefaultDoctrine()
		d.Scope = scope
		return d
	}
	return s.doctrines.For(scope)
}

func (s *StepServer) handleProcess(msg *nats.Msg) {
	var req ProcessRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.Step == nil {
		s.respond(msg, Reply{Code: CodeBadRequest, Error: "invalid process request"})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	res, err := s.processor.Process(ctx, req.Step, s.doctrine(req.Scope))
	if err != nil {
		s.respond(msg, errorReply(err))
		return
	}
	s.respond(msg, Reply{Result: res})
}

func (s *StepServer) handlePreCommit(msg *nats.Msg) {
	var req PreCommitRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, Reply{Code: CodeBadRequest, Error: "invalid precommit request"})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	decision, err := s.processor.PreCommit(ctx, req.Steps, s.doctrine(req.Scope))
	if err != nil {
		s.respond(msg, errorReply(err))
		return
	}
	s.respond(msg, Reply{Decision: decision})
}

func errorReply(err error) Reply {
	switch {
	case immunity.IsValidation(err):
		return Reply{Code: CodeValidation, Error: err.Error()}
	case immunity.IsRegistry(err):
		return Reply{Code: CodeRegistry, Error: err.Error()}
	default:
		return Reply{Code: CodeInternal, Error: err.Error()}
	}
}

func (s *StepServer) respond(msg *nats.Msg, reply Reply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Error("marshal reply failed", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("respond failed", zap.String("subject", msg.Subject), zap.Error(err))
	}
}

// Client sends step requests to a StepServer.
type Client struct {
	nc     *nats.Conn
	prefix string
}

// NewClient creates a client on nc.
func NewClient(nc *nats.Conn, prefix string) (*Client, error) {
	if nc == nil {
		return nil, ErrNoConnection
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Client{nc: nc, prefix: prefix}, nil
}

// Process sends one step and waits for its result.
func (c *Client) Process(ctx context.Context, scope string, step *immunity.TrajectoryStep) (*immunity.StepResult, error) {
	reply, err := c.request(ctx, ProcessSubject(c.prefix), ProcessRequest{Scope: scope, Step: step})
	if err != nil {
		return nil, err
	}
	return reply.Result, nil
}

// PreCommit sends a batch and waits for the decision.
func (c *Client) PreCommit(ctx context.Context, scope string, steps []*immunity.TrajectoryStep) (*immunity.CommitDecision, error) {
	reply, err := c.request(ctx, PreCommitSubject(c.prefix), PreCommitRequest{Scope: scope, Steps: steps})
	if err != nil {
		return nil, err
	}
	return reply.Decision, nil
}

func (c *Client) request(ctx context.Context, subject string, body any) (*Reply, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("no immunity daemon listening on %s: %w", subject, err)
		}
		return nil, fmt.Errorf("request %s: %w", subject, err)
	}
	var reply Reply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	if reply.Code != "" {
		return nil, &RemoteError{Code: reply.Code, Message: reply.Error}
	}
	return &reply, nil
}
