// Package invoker dispatches stage attempts to the collaborator registered
// for the stage's service, optionally behind a per-service circuit breaker.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/conduit/internal/config"
	"github.com/pitabwire/conduit/model"
)

// Gateway maps stage services to runners. It is safe for concurrent use after
// initial registration.
type Gateway struct {
	mu       sync.RWMutex
	runners  map[string]model.StageRunner
	breakers map[string]*CircuitBreaker

	breakerDefaults *config.CircuitBreakerConfig
	breakerConfigs  map[string]config.CircuitBreakerConfig
	onBreakerChange func(service string, state BreakerState)
	logger          *zap.Logger
}

// GatewayOption customises a Gateway.
type GatewayOption func(*Gateway)

// WithLogger sets the gateway logger.
func WithLogger(l *zap.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = l }
}

// WithBreakers wraps every runner registered afterwards in a circuit breaker.
// perService overrides defaults for individual services.
func WithBreakers(defaults config.CircuitBreakerConfig, perService map[string]config.CircuitBreakerConfig) GatewayOption {
	return func(g *Gateway) {
		g.breakerDefaults = &defaults
		g.breakerConfigs = perService
	}
}

// WithBreakerObserver is told about every breaker state change, e.g. to
// export it as a gauge.
func WithBreakerObserver(fn func(service string, state BreakerState)) GatewayOption {
	return func(g *Gateway) { g.onBreakerChange = fn }
}

// NewGateway creates an empty Gateway.
func NewGateway(opts ...GatewayOption) *Gateway {
	g := &Gateway{
		runners:  make(map[string]model.StageRunner),
		breakers: make(map[string]*CircuitBreaker),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Register binds a runner to a stage service. Panics if the service already
// has a runner, since this indicates a wiring mistake at startup.
func (g *Gateway) Register(service string, runner model.StageRunner) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.runners[service]; exists {
		panic(fmt.Sprintf("invoker: runner for service %q already registered", service))
	}

	if g.breakerDefaults != nil {
		cfg := *g.breakerDefaults
		if c, ok := g.breakerConfigs[service]; ok {
			cfg = c
		}
		var opts []BreakerOption
		if g.onBreakerChange != nil {
			notify := g.onBreakerChange
			opts = append(opts, WithStateChange(func(s BreakerState) { notify(service, s) }))
		}
		cb := NewCircuitBreaker(cfg, opts...)
		g.breakers[service] = cb
		runner = &breakerRunner{service: service, breaker: cb, next: runner}
		if g.onBreakerChange != nil {
			g.onBreakerChange(service, BreakerClosed)
		}
	}
	g.runners[service] = runner
}

// Services returns all registered services, sorted alphabetically.
func (g *Gateway) Services() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.runners))
	for name := range g.runners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Supports reports whether a runner is registered for service.
func (g *Gateway) Supports(service string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.runners[service]
	return ok
}

// BreakerStates returns the current state of every breaker by service.
func (g *Gateway) BreakerStates() map[string]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]string, len(g.breakers))
	for svc, cb := range g.breakers {
		out[svc] = cb.State().String()
	}
	return out
}

// Execute performs one attempt of stage. A stage whose service has no runner
// fails with UNSUPPORTED_STAGE_SERVICE; any runner failure is returned as
// EXECUTION_ERROR carrying the stage ID and the original cause.
func (g *Gateway) Execute(ctx context.Context, stage model.Stage, exec model.ExecutionContext, params map[string]any) (map[string]any, error) {
	g.mu.RLock()
	runner, ok := g.runners[stage.Service]
	g.mu.RUnlock()
	if !ok {
		return nil, model.NewUnsupportedStageServiceError(stage.ID, stage.Service)
	}

	out, err := g.run(ctx, runner, stage, exec, params)
	// A runner that ignores its context may still succeed after the deadline.
	if err == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = ctx.Err()
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("stage %q timed out: %w", stage.ID, err)
		}
		return nil, model.NewExecutionError(stage.ID, err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// run calls the runner and turns a panic into an error.
func (g *Gateway) run(ctx context.Context, runner model.StageRunner, stage model.Stage, exec model.ExecutionContext, params map[string]any) (out map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error("stage runner panicked",
				zap.String("stage_id", stage.ID),
				zap.String("service", stage.Service),
				zap.Any("panic", rec),
			)
			out, err = nil, fmt.Errorf("runner panic: %v", rec)
		}
	}()
	return runner.Run(ctx, stage, exec, params)
}

// breakerRunner guards a runner with a circuit breaker. An open breaker fails
// the attempt immediately so the normal retry path applies.
type breakerRunner struct {
	service string
	breaker *CircuitBreaker
	next    model.StageRunner
}

func (r *breakerRunner) Run(ctx context.Context, stage model.Stage, exec model.ExecutionContext, params map[string]any) (map[string]any, error) {
	if err := r.breaker.Allow(); err != nil {
		return nil, fmt.Errorf("service %q: %w", r.service, err)
	}
	out, err := r.next.Run(ctx, stage, exec, params)
	// Cancellation by the engine says nothing about the service's health.
	if errors.Is(err, context.Canceled) {
		return out, err
	}
	r.breaker.Record(err)
	return out, err
}
