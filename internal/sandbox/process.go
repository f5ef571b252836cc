package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultMaxOutputBytes caps each captured stream.
	DefaultMaxOutputBytes = 64 * 1024

	killGracePeriod = time.Second
)

// ProcessRunner executes submitted source in a short-lived child process.
// The source is written to a private temp directory that is removed after
// the run; the child gets no inherited environment beyond PATH and HOME
// pointed at the scratch dir, and its output is capped.
type ProcessRunner struct {
	MaxOutputBytes int64
}

func NewProcessRunner(maxOutputBytes int64) *ProcessRunner {
	if maxOutputBytes <= 0 {
		maxOutputBytes = DefaultMaxOutputBytes
	}
	return &ProcessRunner{MaxOutputBytes: maxOutputBytes}
}

func (r *ProcessRunner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if len(req.Language.Command) == 0 {
		return nil, fmt.Errorf("language %q has no command configured", req.Language.Name)
	}

	dir, err := os.MkdirTemp("", "codesession-run-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	sourcePath := filepath.Join(dir, "main."+req.Language.Extension)
	if err := os.WriteFile(sourcePath, []byte(req.SourceCode), 0o600); err != nil {
		return nil, fmt.Errorf("write source: %w", err)
	}

	argv := make([]string, len(req.Language.Command))
	for i, arg := range req.Language.Command {
		argv[i] = strings.ReplaceAll(arg, "{file}", sourcePath)
	}
	if req.Language.MemoryMiB > 0 {
		argv = memoryBoundedArgv(argv, req.Language.MemoryMiB)
	}

	stdout := newCapWriter(r.MaxOutputBytes)
	stderr := newCapWriter(r.MaxOutputBytes)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + dir,
		"TMPDIR=" + dir,
	}
	cmd.Stdin = strings.NewReader(req.Stdin)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = killGracePeriod
	configureKill(cmd)

	runErr := cmd.Run()

	result := &RunResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}

	if ctx.Err() != nil {
		result.ExitCode = -1
		return result, ctx.Err()
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("run %s: %w", req.Language.Name, runErr)
	}

	result.ExitCode = 0
	return result, nil
}

// capWriter captures up to limit bytes and then keeps accepting (and
// discarding) writes so the child never blocks on a full pipe.
type capWriter struct {
	mu        sync.Mutex
	buf       strings.Builder
	limit     int64
	truncated bool
}

func newCapWriter(limit int64) *capWriter {
	return &capWriter{limit: limit}
}

func (w *capWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	remaining := w.limit - int64(w.buf.Len())
	if remaining <= 0 {
		w.truncated = true
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		w.buf.Write(p[:remaining])
		w.truncated = true
		return len(p), nil
	}
	w.buf.Write(p)
	return len(p), nil
}

func (w *capWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func (w *capWriter) Truncated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.truncated
}
