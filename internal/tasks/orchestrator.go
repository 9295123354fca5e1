package tasks

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/regx/internal/events"
	"github.com/desertthunder/regx/internal/shared"
	"golang.org/x/sync/errgroup"
)

// AccountRunner settles one account. [Workflow] is the production implementation.
type AccountRunner interface {
	Run(ctx context.Context) Outcome
}

// RunnerFactory builds the runner for the next account of job.
type RunnerFactory func(job *BatchJob, settings shared.Settings) AccountRunner

// SettingsSource supplies the runtime settings read when a batch starts.
type SettingsSource interface {
	Get(ctx context.Context) (shared.Settings, error)
}

// Notifier delivers the completion message of a batch.
type Notifier interface {
	Send(ctx context.Context, token, title, content string) error
}

// BatchJob holds the counters of the active batch.
//
// Launched is raised before a wave starts and success or failed as each workflow settles, so
// success+failed never exceeds launched.
type BatchJob struct {
	Target      int
	Concurrency int
	StartedAt   time.Time

	stop atomic.Bool

	mu       sync.Mutex
	launched int
	success  int
	failed   int
	inFlight int
	peak     int
	errs     []error
}

func newBatchJob(target, concurrency int) *BatchJob {
	return &BatchJob{Target: target, Concurrency: concurrency, StartedAt: time.Now()}
}

// Stop requests that no further wave starts.
func (j *BatchJob) Stop() { j.stop.Store(true) }

// Stopped reports whether a stop was requested.
func (j *BatchJob) Stopped() bool { return j.stop.Load() }

// Flag exposes the stop flag to workflows.
func (j *BatchJob) Flag() StopFlag { return &j.stop }

func (j *BatchJob) launch(n int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.launched += n
}

func (j *BatchJob) begin() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.inFlight++
	j.peak = max(j.peak, j.inFlight)
}

func (j *BatchJob) settle(o Outcome) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.inFlight--
	if o.Persisted() {
		j.success++
	} else {
		j.failed++
	}
	if o.WriteErr != nil {
		j.errs = append(j.errs, fmt.Errorf("%s: %w", o.Email, o.WriteErr))
	}
}

// Stats returns a counters snapshot with the projected time to completion.
func (j *BatchJob) Stats() events.Stats {
	j.mu.Lock()
	defer j.mu.Unlock()

	elapsed := time.Since(j.StartedAt).Seconds()
	settled := j.success + j.failed
	var eta float64
	if settled > 0 && !j.stop.Load() {
		eta = elapsed / float64(settled) * float64(j.Target-settled)
	}
	return events.Stats{
		Target:   j.Target,
		Launched: j.launched,
		Success:  j.success,
		Failed:   j.failed,
		Elapsed:  elapsed,
		ETA:      eta,
	}
}

// PeakInFlight returns the largest number of workflows that ran at once.
func (j *BatchJob) PeakInFlight() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.peak
}

// Summary is the final report of a batch.
type Summary struct {
	Target   int           `json:"target"`
	Launched int           `json:"launched"`
	Success  int           `json:"success"`
	Failed   int           `json:"failed"`
	Waves    int           `json:"waves"`
	Stopped  bool          `json:"stopped"`
	Elapsed  time.Duration `json:"elapsed"`
	Errors   []string      `json:"errors,omitempty"`
}

// Status describes the orchestrator for the control surface.
type Status struct {
	Running       bool          `json:"running"`
	StopRequested bool          `json:"stop_requested"`
	StartedAt     time.Time     `json:"started_at,omitzero"`
	Concurrency   int           `json:"concurrency,omitempty"`
	Stats         *events.Stats `json:"stats,omitempty"`
	Last          *Summary      `json:"last,omitempty"`
}

// OrchestratorOpts configures an [Orchestrator].
type OrchestratorOpts struct {
	Deps     Deps
	Settings SettingsSource // nil uses Defaults
	Defaults shared.Settings
	Bus      events.Publisher
	Notifier Notifier
	Factory  RunnerFactory // nil builds a [Workflow] per account
	Logger   *log.Logger
}

// Orchestrator runs one batch at a time in waves bounded by the concurrency limit.
type Orchestrator struct {
	opts   OrchestratorOpts
	logger *log.Logger

	mu   sync.Mutex
	job  *BatchJob
	done chan struct{}
	last *Summary
}

// NewOrchestrator creates an idle [Orchestrator].
func NewOrchestrator(opts OrchestratorOpts) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}
	if opts.Bus == nil {
		opts.Bus = events.Discard
	}
	if opts.Deps.Publisher == nil {
		opts.Deps.Publisher = opts.Bus
	}
	if opts.Deps.Logger == nil {
		opts.Deps.Logger = opts.Logger
	}
	if opts.Factory == nil {
		deps := opts.Deps
		opts.Factory = func(job *BatchJob, settings shared.Settings) AccountRunner {
			return NewWorkflow(deps, settings, job.Flag())
		}
	}
	return &Orchestrator{opts: opts, logger: shared.WithLogger(opts.Logger, "component", "orchestrator")}
}

// Start validates the request and runs the batch in the background. The batch outlives ctx cancellation;
// use [Orchestrator.Stop] to end it.
func (o *Orchestrator) Start(ctx context.Context, count, concurrency int) error {
	job, settings, done, err := o.begin(ctx, count, concurrency)
	if err != nil {
		return err
	}
	go o.execute(context.WithoutCancel(ctx), job, settings, done)
	return nil
}

// Run executes a batch and returns its summary. Cancelling ctx behaves like [Orchestrator.Stop] and also
// aborts the pre-token steps of in-flight workflows.
func (o *Orchestrator) Run(ctx context.Context, count, concurrency int) (*Summary, error) {
	job, settings, done, err := o.begin(ctx, count, concurrency)
	if err != nil {
		return nil, err
	}
	return o.execute(ctx, job, settings, done), nil
}

// Stop asks the active batch to finish its current wave and end.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	job := o.job
	o.mu.Unlock()

	if job == nil {
		return shared.ErrNotRunning
	}
	if !job.Stopped() {
		job.Stop()
		o.opts.Bus.Publish(events.Warn("stop requested, finishing current wave"))
		o.logger.Info("stop requested")
	}
	return nil
}

// Status reports the active batch, or the last summary when idle.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.job == nil {
		return Status{Last: o.last}
	}
	stats := o.job.Stats()
	return Status{
		Running:       true,
		StopRequested: o.job.Stopped(),
		StartedAt:     o.job.StartedAt,
		Concurrency:   o.job.Concurrency,
		Stats:         &stats,
		Last:          o.last,
	}
}

// Wait blocks until the active batch, if any, has finished.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) begin(ctx context.Context, count, concurrency int) (*BatchJob, shared.Settings, chan struct{}, error) {
	if count < 1 {
		return nil, shared.Settings{}, nil, fmt.Errorf("%w: count must be at least 1", shared.ErrInvalidArgument)
	}

	settings := o.opts.Defaults
	if o.opts.Settings != nil {
		s, err := o.opts.Settings.Get(ctx)
		if err != nil {
			return nil, shared.Settings{}, nil, fmt.Errorf("failed to load settings: %w", err)
		}
		settings = s
	}
	if concurrency < 1 {
		concurrency = max(settings.Concurrency, 1)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.job != nil {
		return nil, shared.Settings{}, nil, shared.ErrAlreadyRunning
	}

	o.job = newBatchJob(count, concurrency)
	o.done = make(chan struct{})
	return o.job, settings, o.done, nil
}

func (o *Orchestrator) execute(ctx context.Context, job *BatchJob, settings shared.Settings, done chan struct{}) *Summary {
	fastMode := "off"
	if settings.SkipAPIKey {
		fastMode = "on"
	}
	start := events.New(events.LevelInfo, fmt.Sprintf("starting batch of %d (concurrency %d, delay %dms, fast mode %s, mail timeout %ds)",
		job.Target, job.Concurrency, settings.RegisterDelayMS, fastMode, settings.EmailTimeout)).WithStats(job.Stats())
	start.Kind = events.KindStart
	o.opts.Bus.Publish(start)
	o.logger.Info("batch started", "target", job.Target, "concurrency", job.Concurrency)

	waves := 0
	for launched := 0; launched < job.Target; {
		if job.Stopped() || ctx.Err() != nil {
			o.logger.Info("batch stopped before next wave", "launched", launched)
			break
		}

		size := min(job.Concurrency, job.Target-launched)
		o.runWave(ctx, job, settings, size)
		launched += size
		waves++

		stats := job.Stats()
		o.opts.Bus.Publish(events.Info(fmt.Sprintf("wave %d settled: %d/%d done, %d ok, %d failed, elapsed %s, eta %s",
			waves, stats.Settled(), job.Target, stats.Success, stats.Failed,
			shared.FormatDuration(time.Duration(stats.Elapsed*float64(time.Second))),
			shared.FormatDuration(time.Duration(stats.ETA*float64(time.Second))))).WithStats(stats))

		if launched >= job.Target || job.Stopped() {
			continue
		}
		if delay := settings.WaveDelay(); delay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(delay):
			}
		}
	}

	return o.finish(ctx, job, settings, waves, done)
}

// runWave launches size runners and waits for all of them. A failed workflow never cancels its siblings.
func (o *Orchestrator) runWave(ctx context.Context, job *BatchJob, settings shared.Settings, size int) {
	job.launch(size)

	var g errgroup.Group
	g.SetLimit(job.Concurrency)
	for range size {
		runner := o.opts.Factory(job, settings)
		g.Go(func() error {
			job.begin()
			job.settle(runner.Run(ctx))
			return nil
		})
	}
	g.Wait()
}

func (o *Orchestrator) finish(ctx context.Context, job *BatchJob, settings shared.Settings, waves int, done chan struct{}) *Summary {
	stats := job.Stats()

	job.mu.Lock()
	errs := make([]string, 0, len(job.errs))
	for _, err := range job.errs {
		errs = append(errs, err.Error())
	}
	job.mu.Unlock()

	summary := &Summary{
		Target:   job.Target,
		Launched: stats.Launched,
		Success:  stats.Success,
		Failed:   stats.Failed,
		Waves:    waves,
		Stopped:  job.Stopped() || ctx.Err() != nil,
		Elapsed:  time.Since(job.StartedAt),
		Errors:   errs,
	}

	level := events.LevelSuccess
	if len(errs) > 0 {
		level = events.LevelWarning
	}
	complete := events.New(level, fmt.Sprintf("batch complete: %d ok, %d failed, elapsed %s",
		summary.Success, summary.Failed, shared.FormatDuration(summary.Elapsed))).WithStats(stats)
	complete.Kind = events.KindComplete
	o.opts.Bus.Publish(complete)
	o.logger.Info("batch finished", "success", summary.Success, "failed", summary.Failed, "waves", waves, "stopped", summary.Stopped)

	o.notify(ctx, settings, summary)

	o.mu.Lock()
	o.job = nil
	o.done = nil
	o.last = summary
	o.mu.Unlock()
	close(done)

	return summary
}

func (o *Orchestrator) notify(ctx context.Context, settings shared.Settings, s *Summary) {
	if o.opts.Notifier == nil || !settings.EnableNotification {
		return
	}

	content := fmt.Sprintf("## Registration batch complete\n\n- Total: %d\n- Success: %d\n- Failed: %d\n- Elapsed: %s",
		s.Launched, s.Success, s.Failed, shared.FormatDuration(s.Elapsed))
	if err := o.opts.Notifier.Send(context.WithoutCancel(ctx), settings.PushPlusToken, "Registration complete", content); err != nil {
		o.logger.Warn("completion notification failed", "error", err)
	}
}
