// Package uploader adapts the external publish collaborators to the
// executor contract. Each platform maps to a configured command; the
// command receives the job as JSON on stdin and reports a small JSON
// result on stdout, which is translated into the escalation taxonomy
// exactly once, here.
package uploader

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"pubmatrix/internal/publish"
	logx "pubmatrix/pkg/logx"
)

// ErrUnknownPlatform reports a job targeting a platform with no
// configured executor. Batch validation surfaces this synchronously.
var ErrUnknownPlatform = errors.New("uploader: no executor for platform")

// Config wires platforms to uploader commands.
type Config struct {
	// Timeout caps one executor invocation. 0 leaves only the
	// scheduler's own attempt deadline.
	Timeout time.Duration
	// Commands maps platform name to a command line, split on
	// whitespace; no shell is involved.
	Commands map[string]string
}

// Registry resolves executors by platform.
type Registry struct {
	mu    sync.Mutex
	execs map[string]publish.Executor
}

func NewRegistry() *Registry {
	return &Registry{execs: make(map[string]publish.Executor)}
}

// FromConfig builds a registry of command executors.
func FromConfig(cfg Config, log logx.Logger) (*Registry, error) {
	r := NewRegistry()
	if err := r.Apply(cfg, log); err != nil {
		return nil, err
	}
	return r, nil
}

// Apply replaces the executor set from config. In-flight executions
// keep the executor they resolved; only new resolutions see the swap.
func (r *Registry) Apply(cfg Config, log logx.Logger) error {
	next := make(map[string]publish.Executor, len(cfg.Commands))
	for platform, command := range cfg.Commands {
		ex, err := NewCommand(platform, command, cfg.Timeout, log)
		if err != nil {
			return fmt.Errorf("uploader: platform %s: %w", platform, err)
		}
		next[platform] = ex
	}
	r.mu.Lock()
	r.execs = next
	r.mu.Unlock()
	return nil
}

// Register installs an executor for a platform, replacing any existing
// one. Used by tests and embedders with in-process executors.
func (r *Registry) Register(platform string, ex publish.Executor) {
	r.mu.Lock()
	r.execs[platform] = ex
	r.mu.Unlock()
}

// Executor resolves the executor for a platform.
func (r *Registry) Executor(platform string) (publish.Executor, error) {
	r.mu.Lock()
	ex, ok := r.execs[platform]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}
	return ex, nil
}

// Platforms lists the configured platforms, sorted.
func (r *Registry) Platforms() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.execs))
	for p := range r.execs {
		out = append(out, p)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}
