// Package bridge drives an emulator guest through its session protocol:
// load once, then simulate, reset and read state, one operation at a time.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/woxQAQ/emubridge/internal/wasm"
)

const instrumentationName = "github.com/woxQAQ/emubridge/internal/bridge"

// Operation names used in errors, logs and spans.
const (
	OpLoad     = "load"
	OpSimulate = "simulate"
	OpReset    = "reset"
	OpGetState = "getState"
	OpClose    = "close"
)

// State is the session's position in its lifecycle.
type State int32

const (
	// Unloaded: no guest. Only Load is valid.
	Unloaded State = iota
	// Ready: guest loaded, or reset since the last simulate.
	Ready
	// Simulated: at least one simulate ran since load or reset.
	Simulated
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Ready:
		return "ready"
	case Simulated:
		return "simulated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// OverlapPolicy decides what happens to an operation issued while another
// one is in flight.
type OverlapPolicy string

const (
	// OverlapQueue runs overlapping operations in arrival order.
	OverlapQueue OverlapPolicy = "queue"
	// OverlapReject fails overlapping operations with OperationInProgressError.
	OverlapReject OverlapPolicy = "reject"
)

// ParseOverlapPolicy parses a policy name. The empty string selects queue.
func ParseOverlapPolicy(s string) (OverlapPolicy, error) {
	switch p := OverlapPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "", OverlapQueue:
		return OverlapQueue, nil
	case OverlapReject:
		return OverlapReject, nil
	default:
		return "", fmt.Errorf("unknown overlap policy %q (want queue or reject)", s)
	}
}

// SessionConfig configures a Session.
type SessionConfig struct {
	// Where the emulator module comes from.
	Source wasm.ModuleSource

	// Entry point names and decode bounds.
	Guest wasm.GuestConfig

	Overlap OverlapPolicy

	// Bounds Load and every guest operation. Zero means no bound. When the
	// bound expires on a loaded guest, the guest is discarded and the session
	// returns to Unloaded.
	CallTimeout time.Duration

	// Defaults to the global providers.
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// Session owns one emulator guest and serializes every operation on it.
// Sessions are independent: each has its own guest instance.
type Session struct {
	loader    *wasm.ModuleLoader
	instances *wasm.InstanceManager
	config    SessionConfig
	logger    *zap.Logger

	tracer   trace.Tracer
	ops      metric.Int64Counter
	duration metric.Float64Histogram

	sem   *semaphore.Weighted
	state atomic.Int32
	guest atomic.Pointer[wasm.Guest]
}

// NewSession creates an unloaded session on runtime.
func NewSession(runtime *wasm.Runtime, hostFuncs *wasm.HostFunctionsImpl, logger *zap.Logger, config SessionConfig) (*Session, error) {
	if config.Source == nil {
		return nil, errors.New("session requires a module source")
	}
	if config.Overlap == "" {
		config.Overlap = OverlapQueue
	}
	if _, err := ParseOverlapPolicy(string(config.Overlap)); err != nil {
		return nil, err
	}

	tp := config.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	mp := config.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	ops, err := meter.Int64Counter("emubridge.session.operations",
		metric.WithDescription("Session operations by name and outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create operations counter: %w", err)
	}
	duration, err := meter.Float64Histogram("emubridge.session.duration",
		metric.WithDescription("Session operation latency"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	return &Session{
		loader:    wasm.NewModuleLoader(runtime, logger),
		instances: wasm.NewInstanceManager(runtime, hostFuncs, logger),
		config:    config,
		logger: logger.With(
			zap.String("component", "bridge-session"),
			zap.String("source", config.Source.Name()),
		),
		tracer:   tp.Tracer(instrumentationName),
		ops:      ops,
		duration: duration,
		sem:      semaphore.NewWeighted(1),
	}, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Source returns the name of the module source.
func (s *Session) Source() string {
	return s.config.Source.Name()
}

// Generation returns the guest memory generation, or 0 when unloaded.
func (s *Session) Generation() uint64 {
	if g := s.guest.Load(); g != nil {
		return g.Memory().Generation()
	}
	return 0
}

// Load fetches, compiles and instantiates the emulator module.
func (s *Session) Load(ctx context.Context) (err error) {
	ctx, finish := s.start(ctx, OpLoad)
	defer func() { finish(err) }()

	release, err := s.acquire(ctx, OpLoad)
	if err != nil {
		return err
	}
	defer release()

	if s.State() != Unloaded {
		return &AlreadyLoadedError{Source: s.Source()}
	}

	// The bound covers a stalled fetch as well as a spinning _initialize.
	if s.config.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.CallTimeout)
		defer cancel()
	}

	compiled, err := s.loader.LoadModule(ctx, s.config.Source)
	if err != nil {
		return &wasm.LoadError{Source: s.Source(), Err: err}
	}

	guest, err := s.instances.Instantiate(ctx, &wasm.InstanceConfig{
		ModuleName: compiled.Name,
		Guest:      s.config.Guest,
	})
	if err != nil {
		return &wasm.LoadError{Source: s.Source(), Err: err}
	}

	s.guest.Store(guest)
	s.setState(Ready)

	s.logger.Info("Emulator loaded",
		zap.String("instance_id", guest.ID),
		zap.Stringer("output_abi", guest.AccessorABI(wasm.TextOutput)),
	)
	return nil
}

// Simulate runs source on the guest and returns the guest's outputs.
// Guest state carries over between calls; only Reset clears it.
func (s *Session) Simulate(ctx context.Context, source string) (res Result, err error) {
	ctx, finish := s.start(ctx, OpSimulate, attribute.Int("input.bytes", len(source)))
	defer func() { finish(err, resultAttrs(res)...) }()

	release, err := s.begin(ctx, OpSimulate)
	if err != nil {
		return Result{}, err
	}
	defer release()

	err = s.run(ctx, func(ctx context.Context, g *wasm.Guest) error {
		ref, err := g.WriteInput(ctx, source)
		if err != nil {
			return err
		}
		if err := g.Simulate(ctx, ref); err != nil {
			return err
		}
		res, err = readPair(ctx, g, wasm.TextOutput, wasm.JSONOutput)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	s.setState(Simulated)
	return res, nil
}

// Reset restores the guest to its initial state.
func (s *Session) Reset(ctx context.Context) (err error) {
	ctx, finish := s.start(ctx, OpReset)
	defer func() { finish(err) }()

	release, err := s.begin(ctx, OpReset)
	if err != nil {
		return err
	}
	defer release()

	err = s.run(ctx, func(ctx context.Context, g *wasm.Guest) error {
		return g.Reset(ctx)
	})
	if err != nil {
		return err
	}

	s.setState(Ready)
	return nil
}

// GetState reads the guest's current state without mutating it.
func (s *Session) GetState(ctx context.Context) (res Result, err error) {
	ctx, finish := s.start(ctx, OpGetState)
	defer func() { finish(err, resultAttrs(res)...) }()

	release, err := s.begin(ctx, OpGetState)
	if err != nil {
		return Result{}, err
	}
	defer release()

	err = s.run(ctx, func(ctx context.Context, g *wasm.Guest) error {
		res, err = readPair(ctx, g, wasm.TextState, wasm.JSONState)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// Close discards the guest. The session can be loaded again afterwards.
// Close waits for an in-flight operation regardless of the overlap policy.
func (s *Session) Close(ctx context.Context) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)

	g := s.guest.Swap(nil)
	s.setState(Unloaded)
	if g == nil {
		return nil
	}
	return g.Close(ctx)
}

// begin admits an operation that needs a loaded guest.
func (s *Session) begin(ctx context.Context, op string) (func(), error) {
	if s.State() == Unloaded {
		return nil, &NotLoadedError{Op: op}
	}
	release, err := s.acquire(ctx, op)
	if err != nil {
		return nil, err
	}
	// A timeout may have discarded the guest while this call was queued.
	if s.State() == Unloaded {
		release()
		return nil, &NotLoadedError{Op: op}
	}
	return release, nil
}

func (s *Session) acquire(ctx context.Context, op string) (func(), error) {
	if s.config.Overlap == OverlapReject {
		if !s.sem.TryAcquire(1) {
			return nil, &OperationInProgressError{Op: op}
		}
	} else if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { s.sem.Release(1) }, nil
}

// run calls fn with the guest under the configured time bound. A guest that
// timed out or was closed by its runtime is discarded.
func (s *Session) run(ctx context.Context, fn func(context.Context, *wasm.Guest) error) error {
	g := s.guest.Load()

	if s.config.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.CallTimeout)
		defer cancel()
	}

	err := fn(ctx, g)
	if err == nil {
		return nil
	}

	var timeout *wasm.TimeoutError
	if errors.As(err, &timeout) || g.Closed() {
		s.discard(g, err)
	}
	return err
}

func (s *Session) discard(g *wasm.Guest, cause error) {
	s.guest.CompareAndSwap(g, nil)
	s.setState(Unloaded)

	s.logger.Warn("Discarding emulator instance",
		zap.String("instance_id", g.ID),
		zap.Error(cause),
	)

	if err := g.Close(context.Background()); err != nil {
		s.logger.Debug("Failed to close discarded instance", zap.Error(err))
	}
}

func (s *Session) setState(state State) {
	s.state.Store(int32(state))
}

// start opens the span for op and returns a function that records the
// outcome on the span and in the metrics.
func (s *Session) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error, ...attribute.KeyValue)) {
	begin := time.Now()
	ctx, span := s.tracer.Start(ctx, "bridge."+op, trace.WithAttributes(
		append(attrs,
			attribute.String("emubridge.op", op),
			attribute.String("emubridge.source", s.Source()),
		)...,
	))

	return ctx, func(err error, attrs ...attribute.KeyValue) {
		kind := Kind(err)
		span.SetAttributes(attrs...)
		span.SetAttributes(
			attribute.String("emubridge.state", s.State().String()),
			attribute.Int64("emubridge.generation", int64(s.Generation())),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, kind)
			s.logger.Debug("Session operation failed",
				zap.String("op", op),
				zap.String("kind", kind),
				zap.Error(err),
			)
		}
		span.End()

		outcome := metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("kind", kind),
		)
		s.ops.Add(ctx, 1, outcome)
		s.duration.Record(ctx, time.Since(begin).Seconds(), outcome)
	}
}

func readPair(ctx context.Context, g *wasm.Guest, text, json wasm.Accessor) (Result, error) {
	t, err := g.Output(ctx, text)
	if err != nil {
		return Result{}, err
	}
	j, err := g.Output(ctx, json)
	if err != nil {
		return Result{}, err
	}
	return project(t, j), nil
}

func resultAttrs(res Result) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int("text.bytes", len(res.Text)),
		attribute.Int("json.bytes", len(res.JSON)),
	}
}
