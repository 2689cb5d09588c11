// Package app assembles the watcher: the handler registry, the worker
// supervisor with hot reload, and the operational HTTP surface.
package app

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/fairyhunter13/xqueue-grader/internal/adapter/jail"
	"github.com/fairyhunter13/xqueue-grader/internal/config"
	"github.com/fairyhunter13/xqueue-grader/internal/domain"
	"github.com/fairyhunter13/xqueue-grader/internal/usecase"
)

// GradeItemCommand is the hidden subcommand a grading child is spawned
// with; cmd wires it to ServeChild.
const GradeItemCommand = "grade-item"

// forkGraceTime pads the grading child's wall clock beyond the
// interpreter runs it performs.
const forkGraceTime = 30 * time.Second

// HandlerContext is everything a factory gets to build one handler.
type HandlerContext struct {
	ConfigPath   string
	QueueName    string
	HandlerIndex int
	Handler      config.HandlerConfig

	// Inline forces the handler to grade in-process. Set inside a grading
	// child, where forking again would recurse forever.
	Inline bool
}

// HandlerFactory builds one handler from its config block.
type HandlerFactory func(hctx HandlerContext) (domain.Handler, error)

// Registry maps handler names from the config document to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]HandlerFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]HandlerFactory)}
}

// Register binds a factory to a handler name, replacing any previous one.
func (r *Registry) Register(name string, f HandlerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New builds the handler named by hctx.Handler.Handler.
func (r *Registry) New(hctx HandlerContext) (domain.Handler, error) {
	r.mu.RLock()
	f, ok := r.factories[hctx.Handler.Handler]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("op=app.Registry.New: unknown handler %q", hctx.Handler.Handler)
	}
	return f(hctx)
}

// DefaultRegistry returns a registry with the built-in handlers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("grader", NewGraderHandler)
	return r
}

// NewGraderHandler is the factory for the jailed grader. Unless the
// handler config disables it, grading is delegated to a child copy of
// this process so one wedged run cannot take the worker down.
func NewGraderHandler(hctx HandlerContext) (domain.Handler, error) {
	opts, err := usecase.OptionsFromKwargs(hctx.Handler.Kwargs)
	if err != nil {
		return nil, err
	}
	j, err := handlerJail(hctx.Handler)
	if err != nil {
		return nil, err
	}
	if hctx.Inline || !opts.ForkEnabled() {
		runner := jail.NewRunner(j)
		return usecase.NewJailedGrader(hctx.QueueName, runner, runner, opts)
	}
	// Three interpreter runs per item (reference, student, compare),
	// each bounded by the jail wall clock.
	timeout := 3*time.Duration(j.RealtimeSeconds())*time.Second + forkGraceTime
	return usecase.NewForkHandler([]string{
		GradeItemCommand,
		"--config", hctx.ConfigPath,
		"--queue", hctx.QueueName,
		"--handler", strconv.Itoa(hctx.HandlerIndex),
	}, timeout)
}

// handlerJail resolves the jail a handler runs in: its own CODEJAIL block
// if present, otherwise the shared "python" jail.
func handlerJail(hc config.HandlerConfig) (jail.Jail, error) {
	if hc.Codejail != nil {
		return jail.Configure(*hc.Codejail)
	}
	j, ok := jail.Get("python")
	if !ok {
		return jail.Jail{}, fmt.Errorf("op=app.handlerJail: no CODEJAIL block and no configured python jail")
	}
	return j, nil
}

// BuildQueueHandler rebuilds the handler at the given position of the
// named queue's handler list. The grading child uses it to reconstruct
// its parent's handler, inline.
func BuildQueueHandler(reg *Registry, cfg config.Config, queueName string, handlerIndex int, inline bool) (domain.Handler, error) {
	for _, cl := range cfg.Clients {
		if cl.QueueName != queueName {
			continue
		}
		if handlerIndex < 0 || handlerIndex >= len(cl.Handlers) {
			return nil, fmt.Errorf("op=app.BuildQueueHandler: queue %q has no handler %d", queueName, handlerIndex)
		}
		return reg.New(HandlerContext{
			ConfigPath:   cfg.Path,
			QueueName:    queueName,
			HandlerIndex: handlerIndex,
			Handler:      cl.Handlers[handlerIndex],
			Inline:       inline,
		})
	}
	return nil, fmt.Errorf("op=app.BuildQueueHandler: unknown queue %q", queueName)
}
