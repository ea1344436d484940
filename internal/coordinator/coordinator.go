// Package coordinator drives an experiment through the platform contract:
// batched creation with pre-creation hooks, submission, status polling with
// backoff, cancellation, and rerun of failed simulations. The coordinator is
// the single owner of entity state; worker goroutines only return values.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gammazero/deque"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/config"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/entity"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/errs"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/platform"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/retryer"
)

// Options configures one coordinator.
type Options struct {
	BatchSize    int
	MaxWorkers   int
	PollInterval time.Duration
	Retry        retryer.Config
	// PostCreateRetry is the short policy applied to the first status
	// refresh of each freshly created simulation, where a back-end may
	// briefly answer not-found before the item is visible.
	PostCreateRetry retryer.Config
}

// OptionsFromConfig derives coordinator options from the COMMON section.
func OptionsFromConfig(c *config.Config) Options {
	return Options{
		BatchSize:       c.Common.BatchSize,
		MaxWorkers:      c.Common.MaxWorkers,
		PollInterval:    c.Common.PollInterval,
		Retry:           retryer.DefaultConfig(),
		PostCreateRetry: retryer.PostCreateConfig(),
	}
}

// Coordinator orchestrates runs against one default platform. A run may
// override the platform explicitly; otherwise the current-platform stack is
// consulted before the default. Two coordinators (or two Run calls) on
// disjoint experiments are safe to use concurrently.
type Coordinator struct {
	defaultPlatform platform.Platform
	opts            Options
	logger          *zap.Logger
}

// New creates a coordinator.
func New(defaultPlatform platform.Platform, opts Options, logger *zap.Logger) *Coordinator {
	if opts.BatchSize < 1 {
		opts.BatchSize = 16
	}
	if opts.MaxWorkers < 1 {
		opts.MaxWorkers = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retryer.DefaultConfig()
	}
	if opts.PostCreateRetry.MaxAttempts == 0 {
		opts.PostCreateRetry = retryer.PostCreateConfig()
	}
	return &Coordinator{defaultPlatform: defaultPlatform, opts: opts, logger: logger}
}

// RunOptions configures one Run call.
type RunOptions struct {
	// Platform overrides the resolution order (explicit, then the
	// current-platform stack, then the coordinator default).
	Platform platform.Platform
	// WaitUntilDone blocks until every tracked simulation is terminal.
	WaitUntilDone bool
	// Timeout bounds the wait; zero means no deadline.
	Timeout time.Duration
}

// resolvePlatform picks the platform for one run.
func (c *Coordinator) resolvePlatform(opts RunOptions) (platform.Platform, error) {
	if opts.Platform != nil {
		return opts.Platform, nil
	}
	if p := platform.Current(); p != nil {
		return p, nil
	}
	if c.defaultPlatform != nil {
		return c.defaultPlatform, nil
	}
	return nil, fmt.Errorf("%w: no platform configured", errs.ErrValidation)
}

// Run provisions and submits an experiment. Only simulations still in
// CREATED are touched, so adding simulations to an already-submitted
// experiment or resubmitting after a rerun reset creates exactly the new
// work. The returned PartialSuccess is non-nil when some simulations failed
// while others progressed; a nil summary with a nil error means every
// tracked simulation reached SUCCEEDED (or, without waiting, was submitted).
func (c *Coordinator) Run(ctx context.Context, exp *entity.Experiment, opts RunOptions) (*errs.PartialSuccess, error) {
	p, err := c.resolvePlatform(opts)
	if err != nil {
		return nil, err
	}

	if exp.NativeID() == "" {
		var nativeID string
		err := retryer.WithRetry(ctx, c.logger, c.opts.Retry, "create experiment", nil, func() error {
			var cerr error
			nativeID, cerr = p.Create(ctx, exp)
			return cerr
		})
		if err != nil {
			return nil, err
		}
		exp.SetNativeID(nativeID)
		exp.SetPlatformName(p.Name())
		exp.ReparentSimulations()
	}

	pending := c.pendingSimulations(exp)
	failures := c.createBatch(ctx, p, pending)

	// Freeze the shared and per-simulation collections now that the
	// experiment is leaving CREATED.
	exp.FreezeAssets()

	if err := p.Run(ctx, exp); err != nil {
		return nil, fmt.Errorf("run experiment %s: %w", exp.ID(), err)
	}
	for _, sim := range pending {
		if sim.Status() != entity.StatusCreated {
			continue // creation failed, already FAILED
		}
		if err := sim.SetStatus(entity.StatusRunning); err != nil {
			return nil, err
		}
	}

	if opts.WaitUntilDone {
		// Simulations created in this call get the post-create refresh
		// policy on their first poll.
		fresh := make(map[string]bool, len(pending))
		for _, sim := range pending {
			if sim.Status() == entity.StatusRunning {
				fresh[sim.ID()] = true
			}
		}
		if err := c.waitUntilDone(ctx, p, exp, opts.Timeout, fresh); err != nil {
			return nil, err
		}
	}

	failures = append(failures, c.terminalFailures(exp, failures)...)
	if len(failures) == 0 {
		return nil, nil
	}
	return &errs.PartialSuccess{
		Op:       "run experiment " + exp.ID(),
		Total:    len(exp.Simulations()),
		Failures: failures,
	}, nil
}

// pendingSimulations returns the simulations still needing creation, in
// template order.
func (c *Coordinator) pendingSimulations(exp *entity.Experiment) []*entity.Simulation {
	var pending []*entity.Simulation
	for _, sim := range exp.Simulations() {
		if sim.Status() == entity.StatusCreated && sim.NativeID() == "" {
			pending = append(pending, sim)
		}
	}
	return pending
}

// createBatch runs pre-creation hooks and platform create for each pending
// simulation on the worker pool, preserving input order, then applies the
// results on the coordinator's goroutine. A hook or create failure marks
// that simulation FAILED and is reported; siblings are unaffected.
func (c *Coordinator) createBatch(ctx context.Context, p platform.Platform, pending []*entity.Simulation) []errs.ItemOutcome {
	if len(pending) == 0 {
		return nil
	}
	c.logger.Info("Creating simulations",
		zap.String("platform", p.Name()),
		zap.Int("count", len(pending)),
		zap.Int("batch_size", c.opts.BatchSize))

	results := runChunked(ctx, len(pending), c.opts.BatchSize, c.opts.MaxWorkers, func(ctx context.Context, i int) (string, error) {
		sim := pending[i]
		if err := platform.RunPreCreationHooks(sim, p, c.logger); err != nil {
			return "", err
		}
		var nativeID string
		err := retryer.WithRetry(ctx, c.logger, c.opts.Retry, "create simulation", nil, func() error {
			var cerr error
			nativeID, cerr = p.Create(ctx, sim)
			return cerr
		})
		return nativeID, err
	})

	var failures []errs.ItemOutcome
	for i, res := range results {
		sim := pending[i]
		if res.err != nil {
			c.logger.Error("Simulation creation failed",
				zap.String("simulation_id", sim.ID()),
				zap.Error(res.err))
			// Creation never happened; record the failure terminally so the
			// rollup reflects it and a rerun can reset the item.
			_ = sim.SetStatus(entity.StatusFailed)
			failures = append(failures, errs.ItemOutcome{ItemID: sim.ID(), Err: res.err})
			continue
		}
		sim.SetNativeID(res.nativeID)
	}
	return failures
}

// terminalFailures reports simulations that ended FAILED and are not already
// in the given outcome list.
func (c *Coordinator) terminalFailures(exp *entity.Experiment, seen []errs.ItemOutcome) []errs.ItemOutcome {
	known := make(map[string]bool, len(seen))
	for _, f := range seen {
		known[f.ItemID] = true
	}
	var out []errs.ItemOutcome
	for _, sim := range exp.Simulations() {
		if sim.Status() == entity.StatusFailed && !known[sim.ID()] {
			out = append(out, errs.ItemOutcome{ItemID: sim.ID(), Err: errors.New("simulation failed")})
		}
	}
	return out
}

// waitUntilDone polls until every tracked simulation is terminal, the
// context is cancelled, or the deadline passes. Cancellation and deadline
// both cancel outstanding work once before returning.
func (c *Coordinator) waitUntilDone(ctx context.Context, p platform.Platform, exp *entity.Experiment, timeout time.Duration, fresh map[string]bool) error {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// Rotate non-terminal simulations through a queue so one slow item does
	// not starve status refreshes of the rest.
	var queue deque.Deque[*entity.Simulation]
	for _, sim := range exp.Simulations() {
		if !sim.Status().Terminal() {
			queue.PushBack(sim)
		}
	}

	for queue.Len() > 0 {
		for n := queue.Len(); n > 0; n-- {
			sim := queue.PopFront()
			postCreate := fresh[sim.ID()]
			delete(fresh, sim.ID())
			status, err := c.refreshOne(waitCtx, p, sim, postCreate)
			if err != nil {
				if waitCtx.Err() != nil {
					return c.abortWait(ctx, p, exp, waitCtx.Err())
				}
				c.logger.Warn("Status refresh failed",
					zap.String("simulation_id", sim.ID()),
					zap.Error(err))
				queue.PushBack(sim)
				continue
			}
			if status != sim.Status() && status != entity.StatusNone {
				if err := sim.SetStatus(status); err != nil {
					return err
				}
			}
			if !sim.Status().Terminal() {
				queue.PushBack(sim)
			}
		}
		if queue.Len() == 0 {
			break
		}

		select {
		case <-waitCtx.Done():
			return c.abortWait(ctx, p, exp, waitCtx.Err())
		case <-time.After(c.opts.PollInterval):
		}
	}
	return nil
}

// refreshOne polls one simulation's status. The first refresh after create
// additionally retries not-found, since an eventually consistent back-end may
// not surface the item immediately; outside that window not-found is final.
func (c *Coordinator) refreshOne(ctx context.Context, p platform.Platform, sim *entity.Simulation, postCreate bool) (entity.Status, error) {
	cfg := c.opts.Retry
	var retryable func(error) bool
	if postCreate {
		cfg = c.opts.PostCreateRetry
		retryable = func(err error) bool {
			return errs.IsTransient(err) || errors.Is(err, errs.ErrNotFound)
		}
	}
	var status entity.Status
	err := retryer.WithRetry(ctx, c.logger, cfg, "refresh status", retryable, func() error {
		var rerr error
		status, rerr = p.RefreshStatus(ctx, sim)
		return rerr
	})
	return status, err
}

// abortWait cancels every non-terminal simulation once and translates the
// context error. Cancellation uses a fresh short context because the wait
// context is already done.
func (c *Coordinator) abortWait(ctx context.Context, p platform.Platform, exp *entity.Experiment, cause error) error {
	cancelErr := c.Cancel(context.WithoutCancel(ctx), p, exp)
	if cancelErr != nil {
		c.logger.Warn("Cancellation after abort reported errors", zap.Error(cancelErr))
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		return fmt.Errorf("%w: experiment %s", errs.ErrDeadlineExceeded, exp.ID())
	}
	return cause
}

// Cancel issues platform cancel on every non-terminal simulation of the
// experiment and marks them FAILED. It is idempotent: terminal simulations
// are skipped.
func (c *Coordinator) Cancel(ctx context.Context, p platform.Platform, exp *entity.Experiment) error {
	var merr error
	for _, sim := range exp.Simulations() {
		if sim.Status().Terminal() {
			continue
		}
		if err := p.Cancel(ctx, sim); err != nil {
			merr = multierr.Append(merr, fmt.Errorf("cancel %s: %w", sim.ID(), err))
			continue
		}
		_ = sim.SetStatus(entity.StatusFailed)
	}
	return merr
}

// RunWorkItem provisions and submits one standalone work item, optionally
// waiting for completion.
func (c *Coordinator) RunWorkItem(ctx context.Context, w *entity.WorkItem, opts RunOptions) error {
	p, err := c.resolvePlatform(opts)
	if err != nil {
		return err
	}

	if w.NativeID() == "" {
		var nativeID string
		err := retryer.WithRetry(ctx, c.logger, c.opts.Retry, "create work item", nil, func() error {
			var cerr error
			nativeID, cerr = p.Create(ctx, w)
			return cerr
		})
		if err != nil {
			return err
		}
		w.SetNativeID(nativeID)
	}
	w.Assets.Freeze()
	if w.Task != nil {
		w.Task.TaskAssets().Freeze()
	}

	if err := p.Run(ctx, w); err != nil {
		return err
	}
	if err := w.SetStatus(entity.StatusRunning); err != nil {
		return err
	}
	if !opts.WaitUntilDone {
		return nil
	}

	waitCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	for !w.Status().Terminal() {
		status, err := p.RefreshStatus(waitCtx, w)
		if err == nil && status != entity.StatusNone && status != w.Status() {
			if serr := w.SetStatus(status); serr != nil {
				return serr
			}
		}
		if w.Status().Terminal() {
			break
		}
		select {
		case <-waitCtx.Done():
			_ = p.Cancel(context.WithoutCancel(ctx), w)
			_ = w.SetStatus(entity.StatusFailed)
			if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: work item %s", errs.ErrDeadlineExceeded, w.ID())
			}
			return waitCtx.Err()
		case <-time.After(c.opts.PollInterval):
		}
	}
	return nil
}
