package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mentorhub/codesession/internal/sandbox"
)

type stubRunner struct {
	result *sandbox.RunResult
	err    error
	delay  time.Duration
}

func (r *stubRunner) Run(ctx context.Context, _ sandbox.RunRequest) (*sandbox.RunResult, error) {
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return &sandbox.RunResult{Stdout: "partial", ExitCode: -1}, ctx.Err()
		}
	}
	return r.result, r.err
}

func newTestBroker(t *testing.T, runner sandbox.Runner) (*Broker, *sandbox.Pool) {
	t.Helper()
	pool, err := sandbox.NewPool(sandbox.PoolConfig{
		Languages: []sandbox.Language{
			{Name: "python", Extension: "py", Command: []string{"python3", "{file}"}, PoolSize: 1},
		},
		Runner:        runner,
		AdmissionWait: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	b, err := New(Config{Pool: pool})
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	return b, pool
}

func TestExecuteOK(t *testing.T) {
	b, _ := newTestBroker(t, &stubRunner{result: &sandbox.RunResult{Stdout: "42\n"}})

	result, err := b.Execute(context.Background(), Request{Language: "python", SourceCode: "print(42)"}, 0)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.ExitStatus != StatusOK {
		t.Fatalf("exit status: got %q want %q", result.ExitStatus, StatusOK)
	}
	if result.Stdout != "42\n" {
		t.Fatalf("stdout: got %q", result.Stdout)
	}
}

func TestExecuteNonZeroExit(t *testing.T) {
	b, _ := newTestBroker(t, &stubRunner{result: &sandbox.RunResult{Stderr: "boom", ExitCode: 1}})

	result, err := b.Execute(context.Background(), Request{Language: "python", SourceCode: "raise"}, 0)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.ExitStatus != StatusError || result.ExitCode != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestExecuteUnsupportedLanguageNeverAcquires(t *testing.T) {
	b, pool := newTestBroker(t, &stubRunner{result: &sandbox.RunResult{}})

	_, err := b.Execute(context.Background(), Request{Language: "cobol", SourceCode: "x"}, 0)
	if !errors.Is(err, ErrUnsupportedLanguage) {
		t.Fatalf("expected ErrUnsupportedLanguage, got %v", err)
	}
	if got := pool.AcquireCount(); got != 0 {
		t.Fatalf("unsupported language must not touch the pool, acquires=%d", got)
	}
}

func TestExecuteEmptySource(t *testing.T) {
	b, _ := newTestBroker(t, &stubRunner{result: &sandbox.RunResult{}})

	_, err := b.Execute(context.Background(), Request{Language: "python"}, 0)
	if !errors.Is(err, ErrEmptySource) {
		t.Fatalf("expected ErrEmptySource, got %v", err)
	}
}

func TestExecuteTimeoutReturnsPartialOutput(t *testing.T) {
	b, _ := newTestBroker(t, &stubRunner{delay: 5 * time.Second})

	start := time.Now()
	result, err := b.Execute(context.Background(), Request{Language: "python", SourceCode: "while True: pass"}, 100*time.Millisecond)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("timeout must be a result, not an error: %v", err)
	}
	if result.ExitStatus != StatusTimeout {
		t.Fatalf("exit status: got %q want %q", result.ExitStatus, StatusTimeout)
	}
	if result.Stdout != "partial" {
		t.Fatalf("expected partial output, got %q", result.Stdout)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("execute did not return near the timeout bound: %v", elapsed)
	}
}

func TestExecuteRuntimeFault(t *testing.T) {
	b, _ := newTestBroker(t, &stubRunner{err: errors.New("sandbox exploded")})

	result, err := b.Execute(context.Background(), Request{Language: "python", SourceCode: "x"}, 0)
	if err != nil {
		t.Fatalf("runtime fault must be a result, not an error: %v", err)
	}
	if result.ExitStatus != StatusRuntimeError {
		t.Fatalf("exit status: got %q want %q", result.ExitStatus, StatusRuntimeError)
	}
	if result.Stderr == "" {
		t.Fatal("expected captured stderr for runtime fault")
	}
}

func TestExecuteReleasesSlotAfterFault(t *testing.T) {
	b, _ := newTestBroker(t, &stubRunner{err: errors.New("sandbox exploded")})

	for i := 0; i < 3; i++ {
		if _, err := b.Execute(context.Background(), Request{Language: "python", SourceCode: "x"}, 0); err != nil {
			t.Fatalf("execute %d: %v", i, err)
		}
	}
}

func TestExecutePoolExhausted(t *testing.T) {
	blocked := &stubRunner{delay: 5 * time.Second}
	b, _ := newTestBroker(t, blocked)

	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = b.Execute(context.Background(), Request{Language: "python", SourceCode: "x"}, 3*time.Second)
	}()
	<-started
	time.Sleep(50 * time.Millisecond)

	_, err := b.Execute(context.Background(), Request{Language: "python", SourceCode: "x"}, time.Second)
	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
}

func TestExecutionIDFallback(t *testing.T) {
	orig := generateTypeID
	generateTypeID = func(string) (string, error) { return "", errors.New("nope") }
	t.Cleanup(func() { generateTypeID = orig })

	id := newExecutionID()
	if id == "" {
		t.Fatal("expected fallback execution id")
	}
}
