// Package engine runs validated sequences against lab devices. Each run walks
// the state machine Idle, GuardChecking, Running (and Suspended) to one
// terminal state on a worker of a bounded pool, firing an event for every
// step.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/sequence-engine/events"
	"github.com/songzhibin97/sequence-engine/flags"
	"github.com/songzhibin97/sequence-engine/logging"
	"github.com/songzhibin97/sequence-engine/metrics"
	"github.com/songzhibin97/sequence-engine/parser"
	"github.com/songzhibin97/sequence-engine/rules"
	"github.com/songzhibin97/sequence-engine/storage"
	"github.com/songzhibin97/sequence-engine/tags"
	"github.com/songzhibin97/sequence-engine/types"
	"github.com/songzhibin97/sequence-engine/validator"
)

// Standard error definitions
var (
	ErrNoExecutor        = errors.New("command executor is required")
	ErrSequenceNotFound  = errors.New("sequence not found")
	ErrDuplicateSequence = errors.New("sequence already registered")
	ErrRunNotFound       = errors.New("run not found")
	ErrRunNotFinished    = errors.New("run has not finished")
	ErrNotSuspended      = errors.New("run is not waiting for a decision")
	ErrEngineStopped     = errors.New("engine is stopped")
)

// Defaults for the worker pool.
const (
	DefaultWorkers   = 4
	DefaultQueueSize = 16
)

// Engine owns the sequence library, the resource claims and the worker pool.
type Engine struct {
	executor     CommandExecutor
	connectivity Connectivity
	flags        flags.Provider
	devices      DeviceInfo
	generate     generator.Generator
	evaluator    *rules.ExprEvaluator
	validator    *validator.Validator
	dispatcher   *tags.Dispatcher
	eventBus     *events.EventBus
	ownsBus      bool
	sinks        []events.Sink
	metrics      *metrics.Collector
	claims       *Claims
	pool         *Pool
	parserOpts   []parser.Option
	workers      int
	queueSize    int
	logger       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	sequences map[string]*types.Sequence
	runs      map[uint64]*Run
	stopped   bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithConnectivity enables the link check performed by Start.
func WithConnectivity(c Connectivity) Option {
	return func(e *Engine) { e.connectivity = c }
}

// WithFlags sets the process-wide flag collaborator.
func WithFlags(p flags.Provider) Option {
	return func(e *Engine) { e.flags = p }
}

// WithDevices sets the device state and capability provider.
func WithDevices(d DeviceInfo) Option {
	return func(e *Engine) { e.devices = d }
}

// WithGenerator sets the run id generator.
func WithGenerator(g generator.Generator) Option {
	return func(e *Engine) { e.generate = g }
}

// WithSink forwards every fired event to s, in firing order.
func WithSink(s events.Sink) Option {
	return func(e *Engine) { e.sinks = append(e.sinks, s) }
}

// WithStorage persists every event and terminal result to store.
func WithStorage(store storage.Storage) Option {
	return func(e *Engine) { e.sinks = append(e.sinks, storage.NewSink(store)) }
}

// WithEventBus uses bus for subscriptions instead of a private one. The
// caller keeps ownership and stops it.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) {
		e.eventBus = bus
		e.ownsBus = false
	}
}

// WithWorkers sets the number of runs executing concurrently.
func WithWorkers(n int) Option {
	return func(e *Engine) { e.workers = n }
}

// WithQueueSize sets how many started runs may wait for a worker.
func WithQueueSize(n int) Option {
	return func(e *Engine) { e.queueSize = n }
}

// WithDispatcher replaces the tag dispatcher.
func WithDispatcher(d *tags.Dispatcher) Option {
	return func(e *Engine) { e.dispatcher = d }
}

// WithParserOptions sets the options used by Load and LoadFile.
func WithParserOptions(opts ...parser.Option) Option {
	return func(e *Engine) { e.parserOpts = append(e.parserOpts, opts...) }
}

// WithMetrics records run metrics into c.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = c }
}

// WithLogger sets the engine logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an Engine and starts its worker pool.
func New(executor CommandExecutor, opts ...Option) (*Engine, error) {
	if executor == nil {
		return nil, ErrNoExecutor
	}

	e := &Engine{
		executor:  executor,
		evaluator: rules.NewExprEvaluator(),
		workers:   DefaultWorkers,
		queueSize: DefaultQueueSize,
		logger:    logging.Component("engine"),
		sequences: make(map[string]*types.Sequence),
		runs:      make(map[uint64]*Run),
		ownsBus:   true,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.generate == nil {
		e.generate = generator.NewSnowflake(time.Now().Add(-1*time.Second), 1)
	}
	if e.dispatcher == nil {
		e.dispatcher = tags.NewDispatcher()
	}
	if e.eventBus == nil {
		e.eventBus = events.NewEventBus()
		e.ownsBus = true
	}
	e.sinks = append([]events.Sink{e.eventBus}, e.sinks...)
	if e.metrics != nil {
		e.sinks = append(e.sinks, e.metrics)
		e.claims = NewClaims(e.metrics.SetClaimed)
	} else {
		e.claims = NewClaims(nil)
	}

	vopts := []validator.Option{
		validator.WithEvaluator(e.evaluator),
		validator.WithCommandValidator(executor),
	}
	if e.devices != nil {
		vopts = append(vopts, validator.WithDeviceStates(e.devices))
	}
	e.validator = validator.New(vopts...)

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.pool = NewPool(e.workers, e.queueSize, e.logger)
	if err := e.pool.Start(); err != nil {
		e.cancel()
		return nil, fmt.Errorf("failed to start worker pool: %w", err)
	}
	return e, nil
}

// SubscribeEvent subscribes a handler to an event name, or to events.AllEvents.
func (e *Engine) SubscribeEvent(name string, handler events.EventHandler) {
	e.eventBus.Subscribe(name, handler)
}

// GenerateID generates a unique run id.
func (e *Engine) GenerateID() (uint64, error) {
	return e.generate.NextID()
}

// Validate checks seq without registering it.
func (e *Engine) Validate(seq *types.Sequence) types.ValidationResult {
	return e.validator.Validate(seq)
}

// Register validates seq and adds it to the library. Invalid sequences are
// rejected with a *types.ValidationError.
func (e *Engine) Register(seq *types.Sequence) (types.ValidationResult, error) {
	res, err := e.validator.Check(seq)
	if err != nil {
		return res, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.sequences[seq.Name]; ok {
		return res, fmt.Errorf("%w: %s", ErrDuplicateSequence, seq.Name)
	}
	e.sequences[seq.Name] = seq
	for _, w := range res.Warnings {
		e.logger.Warn().Str("sequence", seq.Name).Msg(w)
	}
	return res, nil
}

// Load parses, validates and registers a definition.
func (e *Engine) Load(text string) (*types.Sequence, types.ValidationResult, error) {
	seq, err := parser.Parse(text, e.parserOpts...)
	if err != nil {
		return nil, types.ValidationResult{}, err
	}
	res, err := e.Register(seq)
	if err != nil {
		return nil, res, err
	}
	return seq, res, nil
}

// LoadFile is Load for a definition file.
func (e *Engine) LoadFile(path string) (*types.Sequence, types.ValidationResult, error) {
	seq, err := parser.ParseFile(path, e.parserOpts...)
	if err != nil {
		return nil, types.ValidationResult{}, err
	}
	res, err := e.Register(seq)
	if err != nil {
		return nil, res, err
	}
	return seq, res, nil
}

// Sequences lists the registered sequence names in order.
func (e *Engine) Sequences() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.sequences))
	for name := range e.sequences {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Sequence returns a registered sequence.
func (e *Engine) Sequence(name string) (*types.Sequence, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	seq, ok := e.sequences[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSequenceNotFound, name)
	}
	return seq, nil
}

type startOptions struct {
	vars map[string]float64
}

// StartOption configures one run.
type StartOption func(*startOptions)

// WithVars overrides sequence variables for one run.
func WithVars(vars map[string]float64) StartOption {
	return func(o *startOptions) {
		if o.vars == nil {
			o.vars = make(map[string]float64, len(vars))
		}
		for k, v := range vars {
			o.vars[k] = v
		}
	}
}

// Start claims the sequence's resources and queues a run. It refuses to start
// when the device link is down (*types.ConnectivityError) or when another run
// holds one of the resources (*types.ResourceError); no run is created then.
func (e *Engine) Start(ctx context.Context, name string, opts ...StartOption) (*Run, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	e.mu.RLock()
	stopped := e.stopped
	seq, ok := e.sequences[name]
	e.mu.RUnlock()
	if stopped {
		return nil, ErrEngineStopped
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSequenceNotFound, name)
	}

	if e.connectivity != nil && !e.connectivity.IsConnected() {
		return nil, &types.ConnectivityError{Reason: "device link is down"}
	}

	id, err := e.GenerateID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ID: %w", err)
	}

	resources := seq.ResourceNames()
	if err := e.claims.TryClaim(id, resources); err != nil {
		e.logger.Info().
			Str("sequence", name).
			Err(err).
			Msg("start refused")
		return nil, err
	}

	var so startOptions
	for _, opt := range opts {
		opt(&so)
	}
	run := newRun(id, seq, so.vars, NewToken(e.ctx))

	e.mu.Lock()
	e.runs[id] = run
	e.mu.Unlock()

	if err := e.pool.Submit(ctx, func() { e.execute(run) }); err != nil {
		e.claims.Release(id, resources)
		e.mu.Lock()
		delete(e.runs, id)
		e.mu.Unlock()
		run.token.Cancel()
		return nil, fmt.Errorf("failed to queue run: %w", err)
	}

	e.logger.Info().
		Uint64("run", id).
		Str("sequence", name).
		Msg("run queued")
	return run, nil
}

// Run returns a run by id.
func (e *Engine) Run(id uint64) (*Run, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	run, ok := e.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrRunNotFound, id)
	}
	return run, nil
}

// Runs returns every known run ordered by id.
func (e *Engine) Runs() []*Run {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Run, 0, len(e.runs))
	for _, r := range e.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Prune forgets finished runs and returns how many were dropped.
func (e *Engine) Prune() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for id, r := range e.runs {
		select {
		case <-r.done:
			delete(e.runs, id)
			n++
		default:
		}
	}
	return n
}

// Resolve answers a suspended run.
func (e *Engine) Resolve(id uint64, d Decision) error {
	run, err := e.Run(id)
	if err != nil {
		return err
	}
	return run.Resolve(d)
}

// Cancel requests cancellation of a run.
func (e *Engine) Cancel(id uint64) error {
	run, err := e.Run(id)
	if err != nil {
		return err
	}
	run.Cancel()
	return nil
}

// Claims returns the resource registry.
func (e *Engine) Claims() *Claims {
	return e.claims
}

// Stop cancels every active run, waits for the workers to finish and stops
// the private event bus.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.mu.Unlock()

	e.cancel()

	done := make(chan struct{})
	go func() {
		e.pool.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if e.ownsBus {
		e.eventBus.Stop()
	}
	return nil
}
