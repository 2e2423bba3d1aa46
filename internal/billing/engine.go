package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/crosslogic/metering-agent/pkg/events"
	"github.com/crosslogic/metering-agent/pkg/metrics"
	"github.com/crosslogic/metering-agent/pkg/models"
	"github.com/crosslogic/metering-agent/pkg/sanitize"
	"go.uber.org/zap"
)

// Config holds the engine settings.
type Config struct {
	// Dimensions is the fixed set of billable dimension names.
	Dimensions []string
	// PurgeOnStart deletes every stored dimension before recreating the
	// configured ones. Debug only.
	PurgeOnStart bool
	Thresholds   Thresholds
	// Version is reported in the status payload.
	Version string
	// Location formats status datetimes; nil means time.Local.
	Location *time.Location
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces the real clock, mainly for tests.
func WithClock(clock quartz.Clock) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithEventBus publishes health transitions and flush outcomes on bus.
func WithEventBus(bus *events.Bus) Option {
	return func(e *Engine) {
		e.bus = bus
	}
}

// Engine orchestrates startup validation, the periodic flush loop, usage
// increments and health tracking.
type Engine struct {
	store     DimensionStore
	submitter Submitter
	logger    *zap.Logger
	clock     quartz.Clock
	bus       *events.Bus
	cfg       Config
	known     map[string]struct{}
	state     *HealthState

	// flushMu serializes flush cycles so one quantity is never submitted
	// twice concurrently. seen is guarded by it.
	flushMu sync.Mutex
	seen    map[string]struct{}

	snapMu       sync.RWMutex
	lastSnapshot []models.Dimension

	lifeMu sync.Mutex
	ready  bool
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine creates an engine. It does not touch the store or the metering
// service; call Init and then Start.
func NewEngine(store DimensionStore, submitter Submitter, logger *zap.Logger, cfg Config, opts ...Option) (*Engine, error) {
	if len(cfg.Dimensions) == 0 {
		return nil, errors.New("at least one dimension is required")
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	known := make(map[string]struct{}, len(cfg.Dimensions))
	for _, name := range cfg.Dimensions {
		if name == "" {
			return nil, errors.New("dimension names must not be empty")
		}
		known[name] = struct{}{}
	}

	e := &Engine{
		store:     store,
		submitter: submitter,
		logger:    logger,
		clock:     quartz.NewReal(),
		cfg:       cfg,
		known:     known,
		state:     NewHealthState(cfg.Thresholds),
		seen:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Init makes sure every configured dimension exists and validates
// connectivity and configuration with a dry-run flush. On failure the state
// is pinned to init and the loop can never be started.
func (e *Engine) Init(ctx context.Context) error {
	if e.state.Level() == LevelInit {
		return ErrNotReady
	}

	if err := e.store.EnsureDimensions(ctx, e.cfg.Dimensions, e.cfg.PurgeOnStart, e.clock.Now()); err != nil {
		err = fmt.Errorf("ensure dimensions: %w", err)
		e.fail(ctx, err)
		return err
	}

	if _, err := e.FlushNow(ctx, true); err != nil {
		err = fmt.Errorf("validate metering: %w", err)
		e.fail(ctx, err)
		return err
	}

	e.lifeMu.Lock()
	e.ready = true
	e.lifeMu.Unlock()

	e.observe(ctx, Transition{})
	e.logger.Info("metering integration initialized",
		zap.Strings("dimensions", e.cfg.Dimensions),
		zap.Duration("interval", e.cfg.Thresholds.Interval),
	)
	return nil
}

func (e *Engine) fail(ctx context.Context, err error) {
	_, _, detail := failureDetail("", err)
	e.logger.Error("metering initialization failed", zap.Error(err))
	e.observe(ctx, e.state.Fail(detail))
}

// Start runs one flush cycle immediately and then one per interval until
// Close is called.
func (e *Engine) Start(ctx context.Context) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	if !e.ready || e.state.Level() == LevelInit {
		return ErrNotReady
	}
	if e.done != nil {
		return errors.New("metering loop already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.cancel = cancel
	e.done = done

	go e.run(ctx, done)
	return nil
}

func (e *Engine) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	e.logger.Info("starting metering loop", zap.Duration("interval", e.cfg.Thresholds.Interval))
	_ = e.runCycle(ctx)
	tkr := e.clock.TickerFunc(ctx, e.cfg.Thresholds.Interval, func() error {
		return e.runCycle(ctx)
	}, "billing", "flush")
	_ = tkr.Wait()
	e.logger.Info("metering loop stopped")
}

// Close stops the loop and waits for an in-flight cycle to finish.
func (e *Engine) Close() error {
	e.lifeMu.Lock()
	cancel, done := e.cancel, e.done
	e.lifeMu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// runCycle never returns an error so the ticker keeps going.
func (e *Engine) runCycle(ctx context.Context) error {
	defer func() {
		if r := recover(); r != nil {
			detail := fmt.Sprintf("flush cycle panicked: %v", r)
			e.logger.Error("flush cycle panicked", zap.Any("panic", r))
			e.state.Add(detail)
		}
	}()

	results, err := e.flush(ctx, false)
	if err != nil {
		_, _, detail := failureDetail("", err)
		e.logger.Error("flush cycle failed", zap.Error(err))
		e.state.Add(detail)
		e.publish(ctx, events.EventFlushFailed, map[string]interface{}{"error": err.Error()})
	} else {
		e.publish(ctx, events.EventFlushCompleted, summarize(results))
	}

	e.updateState(ctx)

	if e.state.Level() == LevelStop {
		msg := fmt.Sprintf("The usage couldn't be sent after %d tries. Please check that your product has a way to reach the internet.",
			e.cfg.Thresholds.MaxIntervalsStop)
		e.state.Add(msg)
		e.logger.Error(msg)
	}
	return nil
}

// FlushNow reports every dimension outside the schedule. Only validate-only
// failures are returned; live failures are folded into the results and the
// state details. The level itself is only recomputed by the scheduled cycle.
func (e *Engine) FlushNow(ctx context.Context, validateOnly bool) ([]Result, error) {
	return e.flush(ctx, validateOnly)
}

func (e *Engine) flush(ctx context.Context, validateOnly bool) ([]Result, error) {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	mode := "live"
	if validateOnly {
		mode = "validate"
	}
	start := e.clock.Now()
	defer func() {
		metrics.FlushDuration.WithLabelValues(mode).Observe(e.clock.Since(start).Seconds())
	}()

	e.logger.Info("flushing usage", zap.String("mode", mode))

	dims, err := e.store.ListDimensions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list dimensions: %w", err)
	}
	e.remember(dims)

	results := make([]Result, 0, len(dims))
	for _, d := range dims {
		if !validateOnly && e.skipFirstZero(d) {
			e.logger.Info("skipping zero usage on first report",
				zap.String("dimension", d.Name),
			)
			metrics.RecordSubmission(d.Name, "skipped")
			results = append(results, Result{Dimension: d.Name, Skipped: true})
			continue
		}

		res, err := e.submit(ctx, d, validateOnly)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// skipFirstZero reports whether d is being seen by a live flush for the first
// time with nothing to report. Reporting a zero first would consume the
// dimension's first reporting window on a no-op. Callers hold flushMu.
func (e *Engine) skipFirstZero(d models.Dimension) bool {
	_, seen := e.seen[d.Name]
	e.seen[d.Name] = struct{}{}
	return !seen && d.Quantity == 0
}

// submit is the only place where the dry-run/live failure policy is applied:
// validate-only errors propagate, live errors become state details.
func (e *Engine) submit(ctx context.Context, d models.Dimension, validateOnly bool) (Result, error) {
	res := Result{Dimension: d.Name, Quantity: d.Quantity}
	usage := Usage{
		Dimension: d.Name,
		Quantity:  d.Quantity,
		Timestamp: e.clock.Now().UTC(),
	}

	recordID, err := e.callSubmitter(ctx, usage, validateOnly)
	if err != nil {
		if validateOnly {
			return res, fmt.Errorf("dimension %q: %w", d.Name, err)
		}
		code, message, detail := failureDetail(d.Name, err)
		res.Code, res.Message = code, message
		e.state.Add(detail)
		metrics.RecordSubmission(d.Name, "failure")
		e.logger.Error("failed to submit usage",
			zap.String("dimension", d.Name),
			zap.Int64("quantity", d.Quantity),
			zap.String("code", code),
			zap.Error(err),
		)
		return res, nil
	}

	res.Success = true
	res.RecordID = recordID
	if validateOnly {
		return res, nil
	}
	metrics.RecordSubmission(d.Name, "success")

	if err := e.store.ResetAfterFlush(ctx, d.Name, d.Quantity, e.clock.Now()); err != nil {
		// The service has the usage; it will be reported again next cycle.
		_, _, detail := failureDetail(d.Name, fmt.Errorf("reset after flush: %w", err))
		e.state.Add(detail)
		e.logger.Error("failed to reset dimension after flush",
			zap.String("dimension", d.Name),
			zap.Error(err),
		)
		return res, nil
	}

	e.logger.Info("usage submitted",
		zap.String("dimension", d.Name),
		zap.Int64("quantity", d.Quantity),
		zap.String("record_id", recordID),
	)
	e.observe(ctx, e.state.DiscardDimension(d.Name))
	return res, nil
}

func (e *Engine) callSubmitter(ctx context.Context, usage Usage, validateOnly bool) (id string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("metering submission panicked: %v", r)
		}
	}()
	return e.submitter.Submit(ctx, usage, validateOnly)
}

func (e *Engine) updateState(ctx context.Context) {
	maxFlushed, err := e.store.MaxLastFlushedAt(ctx)
	if err != nil {
		_, _, detail := failureDetail("", fmt.Errorf("read last flush time: %w", err))
		e.state.Add(detail)
		e.logger.Error("failed to read last flush time", zap.Error(err))
		return
	}
	metrics.LastFlushTimestamp.Set(float64(maxFlushed))
	e.observe(ctx, e.state.Recompute(time.Unix(maxFlushed, 0), e.clock.Now()))
}

// RecordUsage adds delta units to a configured dimension. Unknown names are
// configuration errors and are never silently dropped.
func (e *Engine) RecordUsage(ctx context.Context, name string, delta int64) error {
	if delta <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidQuantity, delta)
	}
	if _, ok := e.known[name]; !ok {
		e.logger.Error("usage recorded for unconfigured dimension", zap.String("dimension", name))
		return fmt.Errorf("%w: %q", ErrUnknownDimension, name)
	}
	if err := e.store.Increment(ctx, name, delta); err != nil {
		return fmt.Errorf("increment %q: %w", name, err)
	}
	metrics.UsageRecorded.WithLabelValues(name).Add(float64(delta))
	return nil
}

// Level returns the current health level.
func (e *Engine) Level() Level {
	return e.state.Level()
}

// State returns a consistent copy of the health state.
func (e *Engine) State() StateSnapshot {
	return e.state.Snapshot()
}

// Dimensions returns the configured dimension names in configuration order.
func (e *Engine) Dimensions() []string {
	return append([]string(nil), e.cfg.Dimensions...)
}

func (e *Engine) remember(dims []models.Dimension) {
	e.snapMu.Lock()
	e.lastSnapshot = append(e.lastSnapshot[:0:0], dims...)
	e.snapMu.Unlock()

	for _, d := range dims {
		metrics.PendingQuantity.WithLabelValues(d.Name).Set(float64(d.Quantity))
	}
}

func (e *Engine) snapshot() []models.Dimension {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()
	return append([]models.Dimension(nil), e.lastSnapshot...)
}

// observe refreshes health metrics and announces level changes.
func (e *Engine) observe(ctx context.Context, tr Transition) {
	snap := e.state.Snapshot()
	metrics.UpdateHealth(string(snap.Level), len(snap.Details))
	if !tr.Changed() {
		return
	}

	fields := []zap.Field{
		zap.String("from", tr.From.String()),
		zap.String("to", tr.To.String()),
		zap.Int("details", len(snap.Details)),
	}
	switch tr.To {
	case LevelNormal:
		e.logger.Info("metering health changed", fields...)
	case LevelWarning:
		e.logger.Warn("metering health changed", fields...)
	default:
		e.logger.Error("metering health changed", fields...)
	}

	payload := map[string]interface{}{
		"from": tr.From.String(),
		"to":   tr.To.String(),
	}
	if state, err := sanitize.Plain(snap.View()); err == nil {
		payload["state"] = state
	}
	eventType := events.EventHealthChanged
	if tr.To == LevelInit {
		eventType = events.EventHealthInit
	}
	e.publish(ctx, eventType, payload)
}

func (e *Engine) publish(ctx context.Context, eventType events.EventType, payload map[string]interface{}) {
	if e.bus == nil {
		return
	}
	// Deliveries outlive the request or cycle that triggered them.
	e.bus.Publish(context.WithoutCancel(ctx), events.NewEvent(eventType, e.clock.Now(), payload))
}

func summarize(results []Result) map[string]interface{} {
	var succeeded, failed, skipped int
	for _, r := range results {
		switch {
		case r.Skipped:
			skipped++
		case r.Success:
			succeeded++
		default:
			failed++
		}
	}
	return map[string]interface{}{
		"succeeded": succeeded,
		"failed":    failed,
		"skipped":   skipped,
	}
}
