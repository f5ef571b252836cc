// Package sandbox provides isolated, resource-bounded execution of a single
// submitted program per language, and a bounded pool that gates how many run
// at once.
package sandbox

import (
	"context"
	"errors"
)

var (
	ErrUnknownLanguage = errors.New("unknown language")
	ErrPoolExhausted   = errors.New("sandbox pool exhausted")
)

// Language describes how one supported language is executed.
type Language struct {
	// Name is the wire-visible identifier, e.g. "python".
	Name string
	// Extension is the source file suffix, without the dot.
	Extension string
	// Command is the argv template; the placeholder {file} is replaced with
	// the path of the written source file.
	Command []string
	// PoolSize bounds concurrent executions for this language.
	PoolSize int64
	// MemoryMiB caps the address space of one execution, including anything
	// the program spawns. Zero means no ceiling.
	MemoryMiB int64
}

type RunRequest struct {
	Language   Language
	SourceCode string
	Stdin      string
}

type RunResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Truncated bool
}

// Runner executes one program to completion. Implementations must honor ctx
// cancellation and return whatever partial output was captured alongside the
// context error.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
}
