package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

var shLang = Language{
	Name:      "sh",
	Extension: "sh",
	Command:   []string{"sh", "{file}"},
	PoolSize:  1,
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("process runner tests need a POSIX shell")
	}
}

func TestProcessRunnerCapturesOutput(t *testing.T) {
	requireUnix(t)
	runner := NewProcessRunner(0)

	result, err := runner.Run(context.Background(), RunRequest{
		Language:   shLang,
		SourceCode: "echo out\necho err >&2\n",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Stdout != "out\n" {
		t.Fatalf("stdout: got %q", result.Stdout)
	}
	if result.Stderr != "err\n" {
		t.Fatalf("stderr: got %q", result.Stderr)
	}
	if result.ExitCode != 0 || result.Truncated {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestProcessRunnerNonZeroExit(t *testing.T) {
	requireUnix(t)
	runner := NewProcessRunner(0)

	result, err := runner.Run(context.Background(), RunRequest{
		Language:   shLang,
		SourceCode: "exit 3\n",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.ExitCode != 3 {
		t.Fatalf("exit code: got %d want 3", result.ExitCode)
	}
}

func TestProcessRunnerStdin(t *testing.T) {
	requireUnix(t)
	runner := NewProcessRunner(0)

	result, err := runner.Run(context.Background(), RunRequest{
		Language:   shLang,
		SourceCode: "cat\n",
		Stdin:      "hello stdin",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Stdout != "hello stdin" {
		t.Fatalf("stdout: got %q", result.Stdout)
	}
}

func TestProcessRunnerTimeout(t *testing.T) {
	requireUnix(t)
	runner := NewProcessRunner(0)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	result, err := runner.Run(ctx, RunRequest{
		Language:   shLang,
		SourceCode: "echo started\nsleep 30\n",
	})
	elapsed := time.Since(start)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if elapsed > 5*time.Second {
		t.Fatalf("run did not return promptly after timeout: %v", elapsed)
	}
	if result == nil {
		t.Fatal("expected partial result on timeout")
	}
	if !strings.Contains(result.Stdout, "started") {
		t.Fatalf("expected partial output captured before timeout, got %q", result.Stdout)
	}
}

func TestProcessRunnerTimeoutKillsSpawnedChildren(t *testing.T) {
	requireUnix(t)
	runner := NewProcessRunner(0)

	// The backgrounded subshell writes a marker well after the deadline; if
	// the whole process group dies with the timeout, the marker never appears.
	marker := filepath.Join(t.TempDir(), "survivor")
	source := fmt.Sprintf("(sleep 1 && echo alive > %s) &\nsleep 30\n", marker)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err := runner.Run(ctx, RunRequest{Language: shLang, SourceCode: source})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	time.Sleep(1200 * time.Millisecond)
	if _, statErr := os.Stat(marker); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatalf("background child survived the timeout (stat err: %v)", statErr)
	}
}

func TestProcessRunnerMemoryCeiling(t *testing.T) {
	requireUnix(t)
	runner := NewProcessRunner(0)

	bounded := shLang
	bounded.MemoryMiB = 64

	// ulimit -v reports the enforced address-space cap in KiB.
	result, err := runner.Run(context.Background(), RunRequest{
		Language:   bounded,
		SourceCode: "ulimit -v\n",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Stdout != "65536\n" {
		t.Fatalf("address-space cap not applied: got %q", result.Stdout)
	}
}

func TestProcessRunnerTruncatesAtCap(t *testing.T) {
	requireUnix(t)
	runner := NewProcessRunner(16)

	result, err := runner.Run(context.Background(), RunRequest{
		Language:   shLang,
		SourceCode: "printf 'aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa'\n",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !result.Truncated {
		t.Fatal("expected truncated result")
	}
	if len(result.Stdout) != 16 {
		t.Fatalf("stdout should be capped at exactly 16 bytes, got %d", len(result.Stdout))
	}
}

func TestProcessRunnerMissingCommand(t *testing.T) {
	runner := NewProcessRunner(0)
	_, err := runner.Run(context.Background(), RunRequest{
		Language: Language{Name: "broken", Extension: "x"},
	})
	if err == nil {
		t.Fatal("expected error for language with no command")
	}
}

func TestCapWriterExactBoundary(t *testing.T) {
	w := newCapWriter(4)

	n, err := w.Write([]byte("abcd"))
	if err != nil || n != 4 {
		t.Fatalf("write: n=%d err=%v", n, err)
	}
	if w.Truncated() {
		t.Fatal("writing exactly the cap should not truncate")
	}

	n, err = w.Write([]byte("e"))
	if err != nil || n != 1 {
		t.Fatalf("overflow write: n=%d err=%v", n, err)
	}
	if !w.Truncated() {
		t.Fatal("expected truncation past the cap")
	}
	if got := w.String(); got != "abcd" {
		t.Fatalf("captured: got %q want %q", got, "abcd")
	}
}
