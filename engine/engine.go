// Package engine runs batch jobs: each submission gets one worker
// goroutine that walks the identifier list in order, resolves every
// CNPJ through the shared rate-limited fetcher, and publishes progress
// on the stream broker. Jobs and their rows live in memory; the
// durable part of a job is the record cache, which lets a resubmitted
// spreadsheet replay instantly.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/manlek25/optantes"
	"github.com/manlek25/optantes/cnpj"
	"github.com/manlek25/optantes/id"
	"github.com/manlek25/optantes/job"
	"github.com/manlek25/optantes/registry"
	"github.com/manlek25/optantes/stream"
)

// Resolver is what a worker needs from the fetcher. The cached flag
// reports whether the answer consumed rate-limit budget.
type Resolver interface {
	Resolve(ctx context.Context, cnpj string) (*registry.Company, bool, error)
}

// DefaultFailureThreshold aborts a job after this many consecutive
// upstream failures.
const DefaultFailureThreshold = 3

// DefaultHeartbeatInterval is how often running jobs emit heartbeats.
const DefaultHeartbeatInterval = 15 * time.Second

// Engine orchestrates batch jobs.
type Engine struct {
	resolver Resolver
	broker   *stream.Broker
	logger   *slog.Logger

	minInterval       time.Duration
	failureThreshold  int
	heartbeatInterval time.Duration

	mu      sync.RWMutex
	jobs    map[id.JobID]*job.Job
	cancels map[id.JobID]chan struct{}
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option configures the Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMinInterval sets the process-wide pacing floor. Per-job
// intervals below it are clamped up; above it they add extra pacing.
func WithMinInterval(d time.Duration) Option {
	return func(e *Engine) { e.minInterval = d }
}

// WithFailureThreshold sets how many consecutive upstream failures
// abort a job.
func WithFailureThreshold(n int) Option {
	return func(e *Engine) { e.failureThreshold = n }
}

// WithHeartbeatInterval sets the heartbeat period.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(e *Engine) { e.heartbeatInterval = d }
}

// New creates an Engine. Call Start before submitting jobs.
func New(resolver Resolver, broker *stream.Broker, opts ...Option) *Engine {
	e := &Engine{
		resolver:          resolver,
		broker:            broker,
		logger:            slog.Default(),
		minInterval:       optantes.PublicAPIMinInterval,
		failureThreshold:  DefaultFailureThreshold,
		heartbeatInterval: DefaultHeartbeatInterval,
		jobs:              make(map[id.JobID]*job.Job),
		cancels:           make(map[id.JobID]chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start makes the engine accept submissions and launches the
// heartbeat loop. The context bounds the engine's lifetime; workers
// observe its cancellation mid-fetch.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.stopCh = make(chan struct{})
	e.running = true

	e.wg.Add(1)
	go e.heartbeatLoop()

	e.logger.Info("engine started",
		slog.Duration("min_interval", e.minInterval),
		slog.Int("failure_threshold", e.failureThreshold))
	return nil
}

// Stop rejects new submissions and waits for workers to drain, up to
// the context deadline. Workers past the deadline are cut off through
// the engine context and finalize their jobs as canceled.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	cancel := e.cancel
	close(e.stopCh)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		cancel()
		e.logger.Info("engine stopped gracefully")
	case <-ctx.Done():
		e.logger.Warn("engine shutdown timed out, cancelling active jobs")
		cancel()
		e.wg.Wait()
	}
	return nil
}

// SubmitOptions carries per-job settings.
type SubmitOptions struct {
	// OutputFormat selects the artifact encoding. Default csv.
	OutputFormat job.OutputFormat

	// MinInterval is the requested delay between uncached lookups for
	// this job. Values below the process floor are clamped up.
	MinInterval time.Duration
}

// Submit creates a job for the identifier list and spawns its worker.
// The list is processed verbatim in order; invalid identifiers become
// error rows. A list that is empty or contains no syntactically valid
// identifier is rejected with ErrInvalidInput.
func (e *Engine) Submit(ctx context.Context, identifiers []string, opts SubmitOptions) (id.JobID, error) {
	if len(identifiers) == 0 {
		return id.Nil, fmt.Errorf("%w: empty identifier list", optantes.ErrInvalidInput)
	}
	anyValid := false
	for _, ident := range identifiers {
		if cnpj.Valid(ident) {
			anyValid = true
			break
		}
	}
	if !anyValid {
		return id.Nil, fmt.Errorf("%w: no valid identifiers", optantes.ErrInvalidInput)
	}

	format := opts.OutputFormat
	if format == "" {
		format = job.FormatCSV
	}
	if !format.Valid() {
		return id.Nil, fmt.Errorf("%w: unknown output format %q", optantes.ErrInvalidInput, opts.OutputFormat)
	}

	interval := opts.MinInterval
	if interval < e.minInterval {
		interval = e.minInterval
	}

	j := &job.Job{
		Entity:       optantes.NewEntity(),
		ID:           id.NewJobID(),
		Identifiers:  append([]string(nil), identifiers...),
		OutputFormat: format,
		MinInterval:  interval,
		State:        job.StateQueued,
		Total:        len(identifiers),
	}
	cancelCh := make(chan struct{})

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return id.Nil, optantes.ErrEngineClosed
	}
	e.jobs[j.ID] = j
	e.cancels[j.ID] = cancelCh
	e.wg.Add(1)
	e.mu.Unlock()

	e.logger.Info("job submitted",
		slog.String("job_id", j.ID.String()),
		slog.Int("total", j.Total),
		slog.String("output", string(format)))

	go e.run(j, cancelCh)
	return j.ID, nil
}

// Cancel requests that a job stop at the next row boundary. Canceling
// a terminal job is a no-op.
func (e *Engine) Cancel(jobID id.JobID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	j, ok := e.jobs[jobID]
	if !ok {
		return optantes.ErrJobNotFound
	}
	if j.State.Terminal() || j.State == job.StateCanceling {
		return nil
	}
	j.State = job.StateCanceling
	j.UpdatedAt = time.Now().UTC()
	close(e.cancels[jobID])
	e.logger.Info("job canceling", slog.String("job_id", jobID.String()))
	return nil
}

// Status returns the current snapshot of a job.
func (e *Engine) Status(jobID id.JobID) (job.Snapshot, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	j, ok := e.jobs[jobID]
	if !ok {
		return job.Snapshot{}, optantes.ErrJobNotFound
	}
	return j.Snapshot(), nil
}

// OutputFormat returns the artifact format chosen at submission.
func (e *Engine) OutputFormat(jobID id.JobID) (job.OutputFormat, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	j, ok := e.jobs[jobID]
	if !ok {
		return "", optantes.ErrJobNotFound
	}
	return j.OutputFormat, nil
}

// Rows returns a copy of the rows appended so far plus the snapshot
// they belong to. For a canceled job this is the partial result.
func (e *Engine) Rows(jobID id.JobID) ([]job.Row, job.Snapshot, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	j, ok := e.jobs[jobID]
	if !ok {
		return nil, job.Snapshot{}, optantes.ErrJobNotFound
	}
	rows := append([]job.Row(nil), j.Rows...)
	return rows, j.Snapshot(), nil
}

// run is the per-job worker.
func (e *Engine) run(j *job.Job, cancelCh chan struct{}) {
	defer e.wg.Done()

	now := time.Now().UTC()
	e.mu.Lock()
	// Cancel may have won the race before the worker started.
	canceled := j.State == job.StateCanceling
	if !canceled {
		j.State = job.StateRunning
	}
	j.StartedAt = &now
	j.UpdatedAt = now
	e.mu.Unlock()
	if canceled {
		e.finalize(j, job.StateCanceled, "")
		return
	}

	extra := j.MinInterval - e.minInterval
	consecutive := 0

	for i, input := range j.Identifiers {
		if i > 0 {
			select {
			case <-cancelCh:
				e.finalize(j, job.StateCanceled, "")
				return
			case <-e.ctx.Done():
				e.finalize(j, job.StateCanceled, "")
				return
			default:
			}
		}

		if !cnpj.Valid(input) {
			e.appendRow(j, job.Row{Input: input, Err: "cnpj inválido"})
			continue
		}

		company, cached, err := e.resolver.Resolve(e.ctx, cnpj.Normalize(input))
		switch {
		case err == nil:
			consecutive = 0
			e.appendRow(j, job.Row{
				Input:       input,
				CNPJ:        company.CNPJ,
				LegalName:   company.LegalName,
				Simples:     company.Simples,
				Simei:       company.Simei,
				ConsultedAt: company.ConsultedAt,
			})
		case errors.Is(err, optantes.ErrNotFound):
			consecutive = 0
			e.appendRow(j, job.Row{Input: input, CNPJ: cnpj.Normalize(input), Err: "não encontrado"})
		case errors.Is(err, optantes.ErrUpstream):
			consecutive++
			e.appendRow(j, job.Row{Input: input, CNPJ: cnpj.Normalize(input), Err: "consulta indisponível"})
			if consecutive >= e.failureThreshold {
				e.finalize(j, job.StateError,
					fmt.Sprintf("aborted after %d consecutive upstream failures", consecutive))
				return
			}
		case e.ctx.Err() != nil:
			// Engine shutting down mid-fetch.
			e.finalize(j, job.StateCanceled, "")
			return
		default:
			consecutive = 0
			e.appendRow(j, job.Row{Input: input, Err: err.Error()})
		}

		// Requested pacing above the shared floor applies only after
		// lookups that actually hit the registry. A cancel arriving
		// mid-sleep is picked up by the next row-boundary check.
		if extra > 0 && err == nil && !cached {
			select {
			case <-time.After(extra):
			case <-cancelCh:
			case <-e.ctx.Done():
			}
		}
	}

	// Every identifier was processed: done wins over a late cancel.
	e.finalize(j, job.StateDone, "")
}

// appendRow records one processed identifier and publishes progress.
// Row append and counter increment happen under one lock so snapshots
// never observe them apart.
func (e *Engine) appendRow(j *job.Job, row job.Row) {
	e.mu.Lock()
	j.Rows = append(j.Rows, row)
	j.Processed = len(j.Rows)
	j.UpdatedAt = time.Now().UTC()
	snap := j.Snapshot()
	e.mu.Unlock()

	e.broker.PublishProgress(snap)
}

// finalize moves a job to a terminal state and emits the last event.
func (e *Engine) finalize(j *job.Job, state job.State, reason string) {
	now := time.Now().UTC()
	e.mu.Lock()
	j.State = state
	j.Err = reason
	j.FinishedAt = &now
	j.UpdatedAt = now
	snap := j.Snapshot()
	e.mu.Unlock()

	e.logger.Info("job finished",
		slog.String("job_id", j.ID.String()),
		slog.String("state", string(state)),
		slog.Int("processed", snap.Processed),
		slog.Int("total", snap.Total))
	e.broker.PublishTerminal(snap)
}

// heartbeatLoop periodically publishes heartbeats for every
// non-terminal job so push transports stay alive while workers sit
// behind the rate limiter.
func (e *Engine) heartbeatLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.sendHeartbeats()
		}
	}
}

func (e *Engine) sendHeartbeats() {
	e.mu.RLock()
	snaps := make([]job.Snapshot, 0, len(e.jobs))
	for _, j := range e.jobs {
		if !j.State.Terminal() {
			snaps = append(snaps, j.Snapshot())
		}
	}
	e.mu.RUnlock()

	for _, snap := range snaps {
		e.broker.PublishHeartbeat(snap)
	}
}
