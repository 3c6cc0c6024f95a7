// Package plugin implements the Plugin Lifecycle (spec.md C9): the host
// invokes ShouldActivate -> Initialize -> WireHandlers -> WireDispatchers
// -> StartConsumers in strict order, and later Shutdown. Each stage is
// single-call-guarded so a host retry never double-wires, and every stage
// carries a fresh correlation_id through its log lines.
package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/omninode-ai/omniintelligence/pkg/bus"
	"github.com/omninode-ai/omniintelligence/pkg/contracts"
	"github.com/omninode-ai/omniintelligence/pkg/dispatch"
	"github.com/omninode-ai/omniintelligence/pkg/publisher"
	"github.com/omninode-ai/omniintelligence/pkg/registry"
)

// Result is the structured outcome every stage returns to the host,
// mirroring how the teacher's queue executor reports a terminal state
// rather than a bare error (pkg/queue/worker.go's Result/Outcome pair).
type Result struct {
	Stage         string
	CorrelationID string
	Failed        bool
	Err           error
}

func ok(stage, correlationID string) Result {
	return Result{Stage: stage, CorrelationID: correlationID}
}

func failed(stage, correlationID string, err error) Result {
	return Result{Stage: stage, CorrelationID: correlationID, Failed: true, Err: err}
}

// Deps are the collaborators the host constructs and hands to the plugin
// at Initialize time (database handle, bus, contract directory, handler
// implementations). The plugin does not construct any of these itself —
// it only wires them together.
type Deps struct {
	Bus             bus.Bus
	ContractDir     string
	HandlerSet      registry.HandlerSet
	ReshapeSet      registry.ReshapeSet
	Dependencies    registry.Dependencies
	DispatchConfig  dispatch.Config
	PublisherConfig publisher.Config
}

// Lifecycle holds every guard flag and the handles built up across stages,
// so Shutdown (or a WireDispatchers failure) has exactly what it needs to
// tear down and nothing more.
type Lifecycle struct {
	mu sync.Mutex

	deps Deps

	activated bool
	initDone  bool
	handlersW bool
	dispatchW bool
	consuming bool

	introspectionPublished bool
	heartbeatCancel        context.CancelFunc
	heartbeatWG            sync.WaitGroup

	pub       *publisher.Publisher
	reg       *registry.Registry
	engine    *dispatch.Engine
	busHandle bus.Bus
}

// New constructs a Lifecycle bound to deps. No work happens until
// ShouldActivate is called by the host.
func New(deps Deps) *Lifecycle {
	return &Lifecycle{deps: deps}
}

func freshCorrelationID() string { return uuid.NewString() }

// ShouldActivate reports whether this plugin instance should run in the
// current process. Guarded: a second call is a no-op returning the first
// call's verdict rather than re-evaluating activation criteria.
func (l *Lifecycle) ShouldActivate(ctx context.Context) Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	cid := freshCorrelationID()
	log := slog.With("stage", "should_activate", "correlation_id", cid)

	if l.activated {
		log.Debug("already activated, skipping re-evaluation")
		return ok("should_activate", cid)
	}
	if l.deps.Bus == nil {
		err := fmt.Errorf("plugin: no bus configured")
		log.Error("activation check failed", "error", err)
		return failed("should_activate", cid, err)
	}
	l.activated = true
	log.Info("plugin activated")
	return ok("should_activate", cid)
}

// Initialize loads contracts and validates dependency wiring, but does not
// yet bind any handler to a topic. Guarded against double-initialization.
func (l *Lifecycle) Initialize(ctx context.Context) Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	cid := freshCorrelationID()
	log := slog.With("stage", "initialize", "correlation_id", cid)

	if l.initDone {
		log.Debug("already initialized, skipping")
		return ok("initialize", cid)
	}
	if !l.activated {
		err := fmt.Errorf("plugin: initialize called before should_activate")
		log.Error("initialize failed", "error", err)
		return failed("initialize", cid, err)
	}

	cs, err := contracts.Load(l.deps.ContractDir)
	if err != nil {
		log.Error("contract load failed", "error", err)
		return failed("initialize", cid, err)
	}

	reg, err := registry.Build(cs, l.deps.Dependencies, l.deps.HandlerSet, l.deps.ReshapeSet)
	if err != nil {
		log.Error("registry build failed", "error", err)
		return failed("initialize", cid, err)
	}

	l.reg = reg
	l.initDone = true
	log.Info("plugin initialized", "topic_count", len(reg.Topics()))
	return ok("initialize", cid)
}

// WireHandlers constructs the shared publisher every handler and the
// dispatch engine's DLQ/orphan paths reuse, and publishes an introspection
// event announcing this plugin instance's presence on the bus.
func (l *Lifecycle) WireHandlers(ctx context.Context) Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	cid := freshCorrelationID()
	log := slog.With("stage", "wire_handlers", "correlation_id", cid)

	if l.handlersW {
		log.Debug("handlers already wired, skipping")
		return ok("wire_handlers", cid)
	}
	if !l.initDone {
		err := fmt.Errorf("plugin: wire_handlers called before initialize")
		log.Error("wire_handlers failed", "error", err)
		return failed("wire_handlers", cid, err)
	}

	l.pub = publisher.New(l.deps.Bus, l.deps.PublisherConfig)
	l.busHandle = l.deps.Bus

	if err := l.publishIntrospection(ctx, cid); err != nil {
		log.Error("introspection publish failed", "error", err)
		l.pub.Stop()
		l.pub = nil
		l.busHandle = nil
		return failed("wire_handlers", cid, err)
	}
	l.introspectionPublished = true
	l.startIntrospectionHeartbeat(cid)

	l.handlersW = true
	log.Info("handlers wired")
	return ok("wire_handlers", cid)
}

// WireDispatchers builds the Dispatch Engine over the registry and shared
// publisher. Its only failure is a call before WireHandlers, which returns
// before anything is wired; building the engine itself cannot fail, so this
// stage has no rollback of its own.
func (l *Lifecycle) WireDispatchers(ctx context.Context) Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	cid := freshCorrelationID()
	log := slog.With("stage", "wire_dispatchers", "correlation_id", cid)

	if l.dispatchW {
		log.Debug("dispatchers already wired, skipping")
		return ok("wire_dispatchers", cid)
	}
	if !l.handlersW {
		err := fmt.Errorf("plugin: wire_dispatchers called before wire_handlers")
		log.Error("wire_dispatchers failed", "error", err)
		return failed("wire_dispatchers", cid, err)
	}

	l.engine = dispatch.New(l.deps.Bus, l.reg, nil, l.pub, l.deps.DispatchConfig)
	l.dispatchW = true
	log.Info("dispatchers wired")
	return ok("wire_dispatchers", cid)
}

// StartConsumers launches the dispatch engine's per-topic worker loops.
func (l *Lifecycle) StartConsumers(ctx context.Context) Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	cid := freshCorrelationID()
	log := slog.With("stage", "start_consumers", "correlation_id", cid)

	if l.consuming {
		log.Debug("consumers already started, skipping")
		return ok("start_consumers", cid)
	}
	if !l.dispatchW {
		err := fmt.Errorf("plugin: start_consumers called before wire_dispatchers")
		log.Error("start_consumers failed", "error", err)
		return failed("start_consumers", cid, err)
	}

	l.engine.Start(ctx)
	l.consuming = true
	log.Info("consumers started")
	return ok("start_consumers", cid)
}

// Publisher returns the shared publisher.Publisher constructed by
// WireHandlers, or nil before that stage has run. Business-event emitters
// built ahead of wire time (pkg/handlers, pkg/lifecycle.Controller) take a
// delegating Publisher and point it here once WireHandlers succeeds.
func (l *Lifecycle) Publisher() *publisher.Publisher {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pub
}

// Ready reports whether consumers are currently started, for use by an
// operational readiness probe (pkg/httpapi's /readyz).
func (l *Lifecycle) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.consuming
}

// Shutdown tears down every stage's resources in reverse order, using
// rollbackPartialWire for the heartbeat, introspection guard and handles.
func (l *Lifecycle) Shutdown(ctx context.Context) Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	cid := freshCorrelationID()
	log := slog.With("stage", "shutdown", "correlation_id", cid)

	if l.consuming {
		l.engine.Stop()
		l.consuming = false
	}
	l.rollbackPartialWire(ctx, log)
	if l.pub != nil {
		l.pub.Stop()
		l.pub = nil
	}

	l.dispatchW = false
	l.handlersW = false
	l.initDone = false
	l.activated = false
	l.reg = nil

	log.Info("plugin shut down")
	return ok("shutdown", cid)
}

// rollbackPartialWire stops any introspection heartbeat, resets the
// introspection guard, and clears the bus/engine handles captured so far.
// Called from Shutdown.
func (l *Lifecycle) rollbackPartialWire(ctx context.Context, log *slog.Logger) {
	if l.heartbeatCancel != nil {
		l.heartbeatCancel()
		l.heartbeatWG.Wait()
		l.heartbeatCancel = nil
	}
	l.introspectionPublished = false
	l.busHandle = nil
	l.engine = nil
}

func (l *Lifecycle) publishIntrospection(ctx context.Context, correlationID string) error {
	payload := map[string]any{
		"plugin":      "omniintelligence",
		"instance_id": uuid.NewString(),
		"started_at":  time.Now().UTC(),
	}
	return l.pub.Publish(ctx, "prod.onex.evt.omniintelligence.plugin-introspection.v1", "", payload, correlationID)
}

func (l *Lifecycle) startIntrospectionHeartbeat(correlationID string) {
	hbCtx, cancel := context.WithCancel(context.Background())
	l.heartbeatCancel = cancel
	l.heartbeatWG.Add(1)
	go l.runIntrospectionHeartbeat(hbCtx, correlationID)
}

// runIntrospectionHeartbeat periodically republishes plugin liveness so a
// host-side supervisor (outside this plugin's scope) can detect a stalled
// instance, the way the teacher's chat heartbeat keeps last_interaction_at
// fresh for its own orphan detector.
func (l *Lifecycle) runIntrospectionHeartbeat(ctx context.Context, correlationID string) {
	defer l.heartbeatWG.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if l.pub == nil {
				return
			}
			if err := l.pub.Publish(ctx, "prod.onex.evt.omniintelligence.plugin-heartbeat.v1", "", map[string]any{
				"plugin": "omniintelligence",
				"at":     time.Now().UTC(),
			}, correlationID); err != nil {
				slog.Debug("introspection heartbeat publish failed", "error", err)
			}
		}
	}
}
