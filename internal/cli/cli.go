// Package cli implements the codesession command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"github.com/mentorhub/codesession/client"
	"github.com/mentorhub/codesession/internal/broker"
	"github.com/mentorhub/codesession/internal/endpoint"
	"github.com/mentorhub/codesession/internal/hub"
	"github.com/mentorhub/codesession/internal/runtimeconfig"
	"github.com/mentorhub/codesession/internal/sandbox"
	"github.com/mentorhub/codesession/internal/server"
	"github.com/mentorhub/codesession/internal/session"
	"github.com/redis/go-redis/v9"
)

type runtimeContext struct {
	Stdout     *os.File
	Stdin      io.Reader
	Config     runtimeconfig.Config
	ConfigPath string
}

type CLI struct {
	Serve     ServeCommand     `cmd:"" help:"Run the session hub and execution broker"`
	Exec      ExecCommand      `cmd:"" help:"Submit a source file for sandboxed execution"`
	Languages LanguagesCommand `cmd:"" help:"List languages the server can execute"`

	Version kong.VersionFlag `help:"Print version and exit"`
}

type ServeCommand struct {
	Listen   string `help:"Listen endpoint (host:port, http://host:port, or unix://path; defaults to runtime config)"`
	LogLevel string `help:"Server log level (debug|info|warn|error)"`
}

type ExecCommand struct {
	Host     string `help:"Server endpoint (http://host:port or https://host:port)"`
	LogLevel string `help:"Client log level (debug|info|warn|error)"`
	Token    string `help:"Bearer token for authenticated servers"`

	Language  string `required:"" help:"Language to execute the file as"`
	TimeoutMs int64  `help:"Execution timeout in milliseconds (defaults to the server's)"`
	Stdin     string `help:"Literal stdin to supply to the program"`

	File string `arg:"" help:"Source file to execute, or - for stdin"`
}

type LanguagesCommand struct {
	Host  string `help:"Server endpoint (http://host:port or https://host:port)"`
	Token string `help:"Bearer token for authenticated servers"`
}

type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("program exited with code %d", e.code)
}

func (e exitCodeError) ExitCode() int {
	return e.code
}

type hasExitCode interface {
	ExitCode() int
}

func Run(args []string, version string) error {
	cfg, cfgPath, err := runtimeconfig.Load()
	if err != nil {
		return err
	}

	runtimeCtx := &runtimeContext{
		Stdout:     os.Stdout,
		Stdin:      os.Stdin,
		Config:     cfg,
		ConfigPath: cfgPath,
	}

	cli := CLI{}
	parser, err := kong.New(
		&cli,
		kong.Name("codesession"),
		kong.Description("Collaborative code session hub and execution broker"),
		kong.Vars{"version": version},
	)
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return ctx.Run(runtimeCtx)
}

func ExitCode(err error) int {
	var codeErr hasExitCode
	if errors.As(err, &codeErr) {
		return codeErr.ExitCode()
	}
	return 1
}

func (s *ServeCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(s.LogLevel, "server")
	if err != nil {
		return err
	}
	cfg := ctx.Config

	listen := s.Listen
	if listen == "" {
		listen = cfg.Listen
	}
	ep, err := endpoint.ResolveListen(listen)
	if err != nil {
		return err
	}

	store, stopStore, err := buildStore(cfg, logger)
	if err != nil {
		return err
	}
	defer stopStore()

	pool, err := sandbox.NewPool(sandbox.PoolConfig{
		Languages:     poolLanguages(cfg.Languages),
		Runner:        sandbox.NewProcessRunner(cfg.Execute.MaxOutputBytes),
		AdmissionWait: time.Duration(cfg.Execute.AdmissionWaitMs) * time.Millisecond,
		MaxWallClock:  time.Duration(cfg.Execute.MaxTimeoutMs) * time.Millisecond,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	b, err := broker.New(broker.Config{
		Pool:           pool,
		Logger:         logger,
		DefaultTimeout: time.Duration(cfg.Execute.DefaultTimeoutMs) * time.Millisecond,
	})
	if err != nil {
		return err
	}

	var auth hub.Authorizer = hub.AllowAll{}
	if cfg.AuthToken != "" {
		auth = hub.StaticToken{Token: cfg.AuthToken}
	}
	heartbeat := time.Duration(cfg.HeartbeatSeconds) * time.Second
	h, err := hub.New(hub.Config{
		Store:             store,
		Authorizer:        auth,
		Logger:            logger,
		HeartbeatInterval: heartbeat,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Store:             store,
		Hub:               h,
		Broker:            b,
		Logger:            logger,
		HeartbeatInterval: heartbeat,
	})
	if err != nil {
		return err
	}

	logger.Debug("runtime config loaded", "path", ctx.ConfigPath, "languages", len(cfg.Languages))
	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return srv.Serve(runCtx, ep)
}

// buildStore picks the redis-backed store when an address is configured and
// falls back to the in-memory one otherwise.
func buildStore(cfg runtimeconfig.Config, logger *log.Logger) (session.Store, func(), error) {
	idleTimeout := time.Duration(cfg.IdleTimeoutSeconds) * time.Second

	if cfg.RedisAddr != "" {
		store, err := session.NewRedis(&session.RedisConfig{
			Client:          redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}),
			DefaultLanguage: cfg.DefaultLanguage,
			IdleTimeout:     idleTimeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("redis store at %q: %w", cfg.RedisAddr, err)
		}
		logger.Info("using redis session store", "addr", cfg.RedisAddr)
		return store, func() {}, nil
	}

	store := session.NewMemory(session.MemoryConfig{
		DefaultLanguage: cfg.DefaultLanguage,
		IdleTimeout:     idleTimeout,
		Logger:          logger,
	})
	return store, store.Stop, nil
}

func poolLanguages(configured map[string]runtimeconfig.LanguageConfig) []sandbox.Language {
	languages := make([]sandbox.Language, 0, len(configured))
	for name, lang := range configured {
		languages = append(languages, sandbox.Language{
			Name:      name,
			Extension: lang.Extension,
			Command:   append([]string(nil), lang.Command...),
			PoolSize:  lang.PoolSize,
			MemoryMiB: lang.MemoryMiB,
		})
	}
	return languages
}

func (e *ExecCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(e.LogLevel, "client")
	if err != nil {
		return err
	}

	source, err := readSource(ctx.Stdin, e.File)
	if err != nil {
		return err
	}

	c, err := client.New(e.Host, client.WithToken(e.Token))
	if err != nil {
		return err
	}
	defer c.Close()

	logger.Debug("submitting execution", "language", e.Language, "source_bytes", len(source), "timeout_ms", e.TimeoutMs)
	result, err := c.Execute(context.Background(), client.ExecuteRequest{
		Language:   e.Language,
		SourceCode: source,
		Stdin:      e.Stdin,
		TimeoutMs:  e.TimeoutMs,
	})
	if err != nil {
		return err
	}

	if _, err := fmt.Fprint(ctx.Stdout, result.Stdout); err != nil {
		return err
	}
	if result.Stderr != "" {
		if _, err := fmt.Fprint(os.Stderr, result.Stderr); err != nil {
			return err
		}
	}
	if result.Truncated {
		fmt.Fprintln(os.Stderr, "output truncated at the server's cap")
	}

	switch result.ExitStatus {
	case broker.StatusTimeout:
		return fmt.Errorf("execution timed out after %dms", result.DurationMs)
	case broker.StatusRuntimeError:
		return errors.New("execution failed inside the sandbox")
	}
	if result.ExitCode != 0 {
		return exitCodeError{code: result.ExitCode}
	}
	return nil
}

func readSource(stdin io.Reader, file string) (string, error) {
	if file == "-" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(b), nil
	}
	b, err := os.ReadFile(file)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (l *LanguagesCommand) Run(ctx *runtimeContext) error {
	c, err := client.New(l.Host, client.WithToken(l.Token))
	if err != nil {
		return err
	}
	defer c.Close()

	languages, err := c.Languages(context.Background())
	if err != nil {
		return err
	}
	for _, name := range languages {
		if _, err := fmt.Fprintln(ctx.Stdout, name); err != nil {
			return err
		}
	}
	return nil
}

func newLogger(rawLevel, component string) (*log.Logger, error) {
	levelName := strings.TrimSpace(strings.ToLower(rawLevel))
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", rawLevel, err)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:     level,
		Formatter: log.TextFormatter,
	})
	return logger.With("component", component), nil
}
