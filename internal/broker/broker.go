// Package broker accepts execution requests, gates them through the sandbox
// pool, and normalizes every outcome into a well-formed Result or one of the
// taxonomy errors. Nothing below this boundary escapes as an unhandled fault.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/mentorhub/codesession/internal/sandbox"
)

var (
	ErrUnsupportedLanguage = errors.New("unsupported language")
	// ErrPoolExhausted is transient; callers may retry with backoff.
	ErrPoolExhausted     = errors.New("execution pool exhausted")
	ErrBrokerUnavailable = errors.New("execution broker unavailable")
	ErrEmptySource       = errors.New("source code is empty")
)

// Exit statuses carried in Result. Timeouts and runtime faults are results,
// not errors: the UI renders them as program output.
const (
	StatusOK           = "ok"
	StatusError        = "error"
	StatusTimeout      = "timeout"
	StatusRuntimeError = "runtime_error"
)

type Request struct {
	Language   string
	SourceCode string
	Stdin      string
}

type Result struct {
	Stdout     string
	Stderr     string
	ExitStatus string
	ExitCode   int
	DurationMs int64
	Truncated  bool
}

type Broker struct {
	pool           *sandbox.Pool
	logger         *log.Logger
	defaultTimeout time.Duration
}

type Config struct {
	Pool           *sandbox.Pool
	Logger         *log.Logger
	DefaultTimeout time.Duration
}

func New(cfg Config) (*Broker, error) {
	if cfg.Pool == nil {
		return nil, errors.New("pool is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Second
	}
	return &Broker{
		pool:           cfg.Pool,
		logger:         cfg.Logger.With("component", "broker"),
		defaultTimeout: cfg.DefaultTimeout,
	}, nil
}

// Languages lists the supported language names.
func (b *Broker) Languages() []string {
	langs := b.pool.Languages()
	names := make([]string, len(langs))
	for i, lang := range langs {
		names[i] = lang.Name
	}
	return names
}

// Execute runs the request's source in a sandbox. The timeout is clamped to
// the pool's hard wall clock; zero means the broker default. The sandbox slot
// is always released, whatever the outcome.
func (b *Broker) Execute(ctx context.Context, req Request, timeout time.Duration) (*Result, error) {
	if !b.pool.Supported(req.Language) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, req.Language)
	}
	if req.SourceCode == "" {
		return nil, ErrEmptySource
	}

	if timeout <= 0 {
		timeout = b.defaultTimeout
	}
	if max := b.pool.MaxWallClock(); timeout > max {
		timeout = max
	}

	executionID := newExecutionID()
	logger := b.logger.With("execution_id", executionID, "language", req.Language)

	handle, err := b.pool.Acquire(ctx, req.Language)
	if err != nil {
		switch {
		case errors.Is(err, sandbox.ErrPoolExhausted):
			return nil, fmt.Errorf("%w: %s", ErrPoolExhausted, req.Language)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, err
		default:
			logger.Error("sandbox acquisition failed", "err", err)
			return nil, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
		}
	}
	defer handle.Release()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	runResult, runErr := handle.Run(runCtx, req.SourceCode, req.Stdin)
	duration := time.Since(start)

	result := &Result{
		ExitStatus: StatusOK,
		DurationMs: duration.Milliseconds(),
	}
	if runResult != nil {
		result.Stdout = runResult.Stdout
		result.Stderr = runResult.Stderr
		result.ExitCode = runResult.ExitCode
		result.Truncated = runResult.Truncated
	}

	switch {
	case errors.Is(runErr, context.Canceled) && ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(runErr, context.DeadlineExceeded):
		result.ExitStatus = StatusTimeout
		result.ExitCode = -1
		logger.Info("execution timed out", "timeout", timeout)
	case runErr != nil:
		// Sandbox crash or internal fault: reported, never thrown past here.
		result.ExitStatus = StatusRuntimeError
		result.ExitCode = -1
		if result.Stderr == "" {
			result.Stderr = runErr.Error()
		}
		logger.Warn("execution failed", "err", runErr)
	case result.ExitCode != 0:
		result.ExitStatus = StatusError
		logger.Debug("execution finished", "exit_code", result.ExitCode, "duration", duration)
	default:
		logger.Debug("execution finished", "exit_code", 0, "duration", duration)
	}

	return result, nil
}
