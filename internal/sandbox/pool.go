package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultAdmissionWait = 2 * time.Second
	// DefaultMaxWallClock bounds any single execution regardless of what the
	// caller asked for.
	DefaultMaxWallClock = 30 * time.Second
)

// Pool hands out exclusive execution slots per language. A slot must be
// released exactly once; Handle.Release is idempotent so callers can defer it
// unconditionally.
type Pool struct {
	runner        Runner
	admissionWait time.Duration
	maxWallClock  time.Duration
	logger        *log.Logger
	slots         map[string]*languageSlot

	acquires atomic.Int64
}

type languageSlot struct {
	lang Language
	sem  *semaphore.Weighted
}

type PoolConfig struct {
	Languages     []Language
	Runner        Runner
	AdmissionWait time.Duration
	MaxWallClock  time.Duration
	Logger        *log.Logger
}

func NewPool(cfg PoolConfig) (*Pool, error) {
	if len(cfg.Languages) == 0 {
		return nil, errors.New("at least one language is required")
	}
	if cfg.Runner == nil {
		cfg.Runner = NewProcessRunner(0)
	}
	if cfg.AdmissionWait <= 0 {
		cfg.AdmissionWait = DefaultAdmissionWait
	}
	if cfg.MaxWallClock <= 0 {
		cfg.MaxWallClock = DefaultMaxWallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	slots := make(map[string]*languageSlot, len(cfg.Languages))
	for _, lang := range cfg.Languages {
		if lang.Name == "" {
			return nil, errors.New("language with empty name")
		}
		if _, dup := slots[lang.Name]; dup {
			return nil, fmt.Errorf("duplicate language %q", lang.Name)
		}
		size := lang.PoolSize
		if size <= 0 {
			size = 2
			lang.PoolSize = size
		}
		slots[lang.Name] = &languageSlot{lang: lang, sem: semaphore.NewWeighted(size)}
	}

	return &Pool{
		runner:        cfg.Runner,
		admissionWait: cfg.AdmissionWait,
		maxWallClock:  cfg.MaxWallClock,
		logger:        cfg.Logger.With("component", "sandbox-pool"),
		slots:         slots,
	}, nil
}

// Supported reports whether the pool has a slot for the language.
func (p *Pool) Supported(language string) bool {
	_, ok := p.slots[language]
	return ok
}

// Languages returns the configured languages sorted by name.
func (p *Pool) Languages() []Language {
	out := make([]Language, 0, len(p.slots))
	for _, slot := range p.slots {
		out = append(out, slot.lang)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AcquireCount returns how many slots have ever been handed out.
func (p *Pool) AcquireCount() int64 {
	return p.acquires.Load()
}

// MaxWallClock is the hard execution bound the pool enforces.
func (p *Pool) MaxWallClock() time.Duration {
	return p.maxWallClock
}

// Acquire reserves an execution slot, waiting at most the admission wait.
func (p *Pool) Acquire(ctx context.Context, language string) (*Handle, error) {
	slot, ok := p.slots[language]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLanguage, language)
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.admissionWait)
	defer cancel()
	if err := slot.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.logger.Warn("admission wait exceeded", "language", language)
		return nil, fmt.Errorf("%w: language %q", ErrPoolExhausted, language)
	}

	p.acquires.Add(1)
	return &Handle{pool: p, slot: slot}, nil
}

// Handle is an exclusively owned execution slot.
type Handle struct {
	pool *Pool
	slot *languageSlot
	once sync.Once
}

// Run executes the source under the pool's hard wall-clock bound.
func (h *Handle) Run(ctx context.Context, sourceCode, stdin string) (*RunResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, h.pool.maxWallClock)
	defer cancel()

	return h.pool.runner.Run(runCtx, RunRequest{
		Language:   h.slot.lang,
		SourceCode: sourceCode,
		Stdin:      stdin,
	})
}

// Release returns the slot to the pool. Safe to call more than once.
func (h *Handle) Release() {
	h.once.Do(func() { h.slot.sem.Release(1) })
}
