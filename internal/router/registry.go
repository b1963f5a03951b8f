package router

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/a-essam23/go-collab/pkg/pipeline"
)

// Registry holds the named steps that configuration may attach to events,
// and the resolvers for "{$...}" step parameters.
type Registry struct {
	logger  *slog.Logger
	steps   map[string]pipeline.StepFunc
	stepsMu sync.RWMutex

	params   map[string]ResolverFunc
	paramsMu sync.RWMutex
}

type ResolverFunc func(pctx *pipeline.Cargo) (string, error)

// NewRegistry returns a registry holding the core steps and params.
func NewRegistry(logger *slog.Logger) *Registry {
	r := &Registry{
		logger: logger.With(slog.String("component", "registry")),
		steps:  make(map[string]pipeline.StepFunc),
		params: make(map[string]ResolverFunc),
	}
	r.registerCore()
	return r
}

func (r *Registry) registerCore() {
	r.RegisterStep("_log", stepLog)
	r.RegisterStep("member", stepMember)
	r.RegisterStep("can_edit", stepCanEdit)
	r.RegisterStep("rate_limit", newRateLimitStep(r.logger))

	r.RegisterParams("target.id", paramTargetID)
	r.RegisterParams("conn.id", paramConnID)
	r.RegisterParams("user.id", paramUserID)
	r.logger.Debug("Registered core steps", slog.Int("steps", len(r.steps)), slog.Int("params", len(r.params)))
}

func (r *Registry) RegisterStep(name string, fn pipeline.StepFunc) {
	r.stepsMu.Lock()
	defer r.stepsMu.Unlock()
	if _, exists := r.steps[name]; exists {
		panic("step function already registered: " + name)
	}
	r.steps[name] = fn
}

func (r *Registry) GetStepFunc(name string) (pipeline.StepFunc, bool) {
	r.stepsMu.RLock()
	defer r.stepsMu.RUnlock()
	fn, ok := r.steps[name]
	return fn, ok
}

func (r *Registry) RegisterParams(name string, resolver ResolverFunc) {
	r.paramsMu.Lock()
	defer r.paramsMu.Unlock()
	if _, exists := r.params[name]; exists {
		panic("param already registered: " + name)
	}
	r.params[name] = resolver
}

func (r *Registry) GetParamResolver(name string) (ResolverFunc, bool) {
	r.paramsMu.RLock()
	defer r.paramsMu.RUnlock()
	resolver, ok := r.params[name]
	return resolver, ok
}

func paramUserID(pctx *pipeline.Cargo) (string, error) {
	if pctx.User == nil {
		return "", errors.New("param variable 'user.id' is unavailable")
	}
	return pctx.User.ID, nil
}

func paramConnID(pctx *pipeline.Cargo) (string, error) {
	if pctx.Connection == nil {
		return "", errors.New("param variable 'conn.id' is unavailable")
	}
	return pctx.Connection.ID.String(), nil
}

func paramTargetID(pctx *pipeline.Cargo) (string, error) {
	if pctx.TargetID == "" {
		return "", errors.New("param variable 'target.id' is unavailable")
	}
	return pctx.TargetID, nil
}
