// Package runner implements the queue runner: it leases pending entries
// from a Driver to a user-supplied processor, enforces a per-item
// timeout, translates processor results into status transitions, and
// coordinates concurrent workers through a lock sentinel stored in the
// same partition it runs against.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"durableq/internal/cache"
	"durableq/internal/driver"
	"durableq/internal/entry"
	"durableq/internal/logging"
	"durableq/internal/metrics"
)

// Verdict is what a Processor reports back for one entry.
type Verdict[UserResult any] struct {
	Status    entry.Status
	Output    UserResult
	HasOutput bool
	Error     string
	HasError  bool
}

// Processor does the actual work for one entry. A non-nil error is
// treated the same as a panic recovered from the processor: the entry is
// moved to failed_temporarily with the error rendered into LastError.
type Processor[UserRequest, UserResult any] func(ctx context.Context, id string, req UserRequest) (Verdict[UserResult], error)

// WorkerConfig identifies this runner instance within a pool of peers
// sharing the same queue. Peers with the same ID serialize through one
// worker lock; peers with different IDs hold disjoint locks and run
// concurrently.
type WorkerConfig struct {
	Count int
	ID    int
}

// Config configures a Runner. UserRequest/UserResult are what the
// Processor sees; QueueRequest/QueueResult are what gets JSON-encoded
// into the Driver. EncodeRequest/DecodeRequest/EncodeResponse/
// DecodeResponse bridge the two; NewJSONRunner supplies identity
// implementations when the two pairs coincide.
type Config[UserRequest, UserResult, QueueRequest, QueueResult any] struct {
	Name  string
	Drv   driver.Driver
	Logger logging.Logger

	Workers WorkerConfig

	MaxRetries      int
	ProcessTimeout  time.Duration
	BatchSize       int
	RetryDelay      time.Duration
	StuckMultiplier int

	Processor        Processor[UserRequest, UserResult]
	ProcessorAborted Processor[UserRequest, UserResult]
	ProcessorStuck   Processor[UserRequest, UserResult]

	EncodeRequest  func(UserRequest) (QueueRequest, error)
	DecodeRequest  func(QueueRequest) (UserRequest, error)
	EncodeResponse func(UserResult) (QueueResult, error)
	DecodeResponse func(QueueResult) (UserResult, error)
}

func (c *Config[UR, US, QR, QS]) applyDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.ProcessTimeout == 0 {
		c.ProcessTimeout = 5 * time.Minute
	}
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = c.ProcessTimeout * 10
	}
	if c.StuckMultiplier == 0 {
		c.StuckMultiplier = 10
	}
	if c.Workers.Count == 0 {
		c.Workers.Count = 1
	}
	if c.Logger == nil {
		c.Logger = logging.Nop
	}
	if c.Name == "" {
		c.Name = "runner"
	}
}

// BatchOptions turns a Pipe into a batching hand-off: instead of
// delivering candidates to the target one at a time, candidates are
// grouped into single entries carrying one idempotent key per member.
type BatchOptions struct {
	MinBatchSize int
	MaxBatchSize int
}

// Pipe wires a Runner's completed or permanently-failed output into a
// downstream Stage.
type Pipe struct {
	Target       Stage
	AcceptStatus entry.Status
	Batch        *BatchOptions
	// RecurseOnRun controls whether Run/Maintain recurse into Target.
	// The zero value is false, so a Pipe added directly through AddPipe
	// does not recurse unless it sets this; pipeline.Connect sets it to
	// true. Leave it false when a pipe exists purely for stage hand-off
	// and the target is driven by some other scheduler.
	RecurseOnRun bool
}

// Stage is the narrow, non-generic surface a Pipe's target needs to
// expose. Runner implements it directly; Pipeline composes it.
type Stage interface {
	Name() string
	Driver() driver.Driver
	AddRaw(ctx context.Context, payload []byte, opts entry.AddOptions) (string, error)
	Run(ctx context.Context, opts RunOptions) (bool, error)
	Maintain(ctx context.Context) error
	Pipes() []Pipe
	AddPipe(p Pipe)
}

// RunOptions bounds one Run invocation.
type RunOptions struct {
	Timeout    time.Duration
	HasTimeout bool
}

func (o RunOptions) deadline() (time.Time, bool) {
	if !o.HasTimeout {
		return time.Time{}, false
	}
	return time.Now().Add(o.Timeout), true
}

func remainingOptions(deadline time.Time, hasDeadline bool) RunOptions {
	if !hasDeadline {
		return RunOptions{}
	}
	remaining := time.Until(deadline)
	if remaining < 0 {
		remaining = 0
	}
	return RunOptions{Timeout: remaining, HasTimeout: true}
}

// Stats is a point-in-time snapshot of a Runner's lifetime counters.
type Stats struct {
	Processed         int64
	Completed         int64
	FailedTemporarily int64
	FailedPermanently int64
	Aborted           int64
	Stuck             int64
}

type statCounters struct {
	processed         atomic.Int64
	completed         atomic.Int64
	failedTemporarily atomic.Int64
	failedPermanently atomic.Int64
	aborted           atomic.Int64
	stuck             atomic.Int64
}

func (c *statCounters) record(status entry.Status) {
	c.processed.Add(1)
	switch status {
	case entry.StatusCompleted:
		c.completed.Add(1)
	case entry.StatusFailedTemporarily:
		c.failedTemporarily.Add(1)
	case entry.StatusFailedPermanently:
		c.failedPermanently.Add(1)
	case entry.StatusAborted:
		c.aborted.Add(1)
	case entry.StatusStuck:
		c.stuck.Add(1)
	}
}

func (c *statCounters) snapshot() Stats {
	return Stats{
		Processed:         c.processed.Load(),
		Completed:         c.completed.Load(),
		FailedTemporarily: c.failedTemporarily.Load(),
		FailedPermanently: c.failedPermanently.Load(),
		Aborted:           c.aborted.Load(),
		Stuck:             c.stuck.Load(),
	}
}

// Runner is one stage in a pipeline: a Driver partition plus a
// Processor. It satisfies Stage, so it can itself be a Pipe target.
type Runner[UserRequest, UserResult, QueueRequest, QueueResult any] struct {
	cfg Config[UserRequest, UserResult, QueueRequest, QueueResult]

	initOnce sync.Once
	initErr  error
	lockID   string

	mu    sync.Mutex
	pipes []Pipe

	stats statCounters
}

// New builds a Runner, applying config defaults for any zero-valued
// field.
func New[UserRequest, UserResult, QueueRequest, QueueResult any](cfg Config[UserRequest, UserResult, QueueRequest, QueueResult]) *Runner[UserRequest, UserResult, QueueRequest, QueueResult] {
	cfg.applyDefaults()
	return &Runner[UserRequest, UserResult, QueueRequest, QueueResult]{
		cfg:    cfg,
		lockID: fmt.Sprintf("@runner-lock:%s.worker.%d", cfg.Name, cfg.Workers.ID),
	}
}

func (r *Runner[UR, US, QR, QS]) Name() string          { return r.cfg.Name }
func (r *Runner[UR, US, QR, QS]) Driver() driver.Driver { return r.cfg.Drv }
func (r *Runner[UR, US, QR, QS]) Stats() Stats          { return r.stats.snapshot() }

func (r *Runner[UR, US, QR, QS]) AddPipe(p Pipe) {
	if p.AcceptStatus == "" {
		p.AcceptStatus = entry.StatusCompleted
	}
	r.mu.Lock()
	r.pipes = append(r.pipes, p)
	r.mu.Unlock()
}

func (r *Runner[UR, US, QR, QS]) Pipes() []Pipe {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Pipe(nil), r.pipes...)
}

func (r *Runner[UR, US, QR, QS]) initialize(ctx context.Context) error {
	r.initOnce.Do(func() {
		_, err := r.cfg.Drv.Add(ctx, nil, entry.AddOptions{ID: r.lockID, Status: entry.StatusInternal})
		if err != nil {
			r.initErr = fmt.Errorf("runner %s: initialize worker lock: %w", r.cfg.Name, err)
		}
	})
	return r.initErr
}

// AddRequest is the typed front door: it encodes req, stores it, and
// returns the id Driver.Add settled on.
func (r *Runner[UR, US, QR, QS]) AddRequest(ctx context.Context, req UR, opts entry.AddOptions) (string, error) {
	qreq, err := r.cfg.EncodeRequest(req)
	if err != nil {
		return "", fmt.Errorf("runner %s: encode request: %w", r.cfg.Name, err)
	}
	payload, err := json.Marshal(qreq)
	if err != nil {
		return "", fmt.Errorf("runner %s: marshal request: %w", r.cfg.Name, err)
	}
	return r.AddRaw(ctx, payload, opts)
}

// AddRaw stores an already-encoded payload, bypassing EncodeRequest.
// Pipeline hand-off uses this: adjacent stages agree on payload shape
// out of band, the same way two ends of an untyped wire protocol do.
func (r *Runner[UR, US, QR, QS]) AddRaw(ctx context.Context, payload []byte, opts entry.AddOptions) (string, error) {
	return r.cfg.Drv.Add(ctx, payload, opts)
}

// Get returns the stored entry.
func (r *Runner[UR, US, QR, QS]) Get(ctx context.Context, id string) (*entry.Entry, error) {
	return r.cfg.Drv.Get(ctx, id)
}

// Result decodes a completed entry's stored output back into UserResult.
func (r *Runner[UR, US, QR, QS]) Result(e *entry.Entry) (US, error) {
	var zero US
	if !e.HasOutput {
		return zero, fmt.Errorf("runner %s: entry %s has no output", r.cfg.Name, e.ID)
	}
	var qres QS
	if err := json.Unmarshal(e.Output, &qres); err != nil {
		return zero, fmt.Errorf("runner %s: decode output: %w", r.cfg.Name, err)
	}
	return r.cfg.DecodeResponse(qres)
}

// Query returns entries matching filter.
func (r *Runner[UR, US, QR, QS]) Query(ctx context.Context, filter entry.Filter) ([]*entry.Entry, error) {
	return r.cfg.Drv.Query(ctx, filter)
}

// --- worker lock protocol ---

func (r *Runner[UR, US, QR, QS]) acquireLock(ctx context.Context) (bool, error) {
	err := r.cfg.Drv.SetStatus(ctx, r.lockID, entry.StatusProcessing, entry.SetStatusOptions{
		OldStatus: entry.StatusInternal, HasOldStatus: true,
		By: r.cfg.Workers.ID, HasBy: true,
	})
	if err == nil {
		metrics.SetLockHeld(r.cfg.Name, strconv.Itoa(r.cfg.Workers.ID), true)
		return true, nil
	}
	if !entry.IsIncorrectState(err) {
		return false, err
	}

	lock, gerr := r.cfg.Drv.Get(ctx, r.lockID)
	if gerr != nil {
		return false, nil
	}
	stale := lock.Status == entry.StatusProcessing &&
		time.Since(lock.Updated) > r.cfg.ProcessTimeout*time.Duration(r.cfg.StuckMultiplier)
	if !stale {
		return false, nil
	}

	takeover := r.cfg.Drv.SetStatus(ctx, r.lockID, entry.StatusInternal, entry.SetStatusOptions{
		OldStatus: entry.StatusProcessing, HasOldStatus: true,
	})
	if takeover != nil {
		return false, nil
	}
	retry := r.cfg.Drv.SetStatus(ctx, r.lockID, entry.StatusProcessing, entry.SetStatusOptions{
		OldStatus: entry.StatusInternal, HasOldStatus: true,
		By: r.cfg.Workers.ID, HasBy: true,
	})
	if retry == nil {
		metrics.SetLockHeld(r.cfg.Name, strconv.Itoa(r.cfg.Workers.ID), true)
	}
	return retry == nil, nil
}

func (r *Runner[UR, US, QR, QS]) heartbeat(ctx context.Context) {
	_ = r.cfg.Drv.SetStatus(ctx, r.lockID, entry.StatusProcessing, entry.SetStatusOptions{
		OldStatus: entry.StatusProcessing, HasOldStatus: true,
		By: r.cfg.Workers.ID, HasBy: true,
	})
}

func (r *Runner[UR, US, QR, QS]) releaseLock(ctx context.Context) {
	backoff := 10 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		err := r.cfg.Drv.SetStatus(ctx, r.lockID, entry.StatusInternal, entry.SetStatusOptions{
			OldStatus: entry.StatusProcessing, HasOldStatus: true,
		})
		if err == nil {
			metrics.SetLockHeld(r.cfg.Name, strconv.Itoa(r.cfg.Workers.ID), false)
			return
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	r.cfg.Logger.Warn("failed to release worker lock", "runner", r.cfg.Name, "lock", r.lockID)
}

// --- run cycle ---

// Run leases up to BatchSize pending entries and processes each under
// ProcessTimeout, then recurses into attached pipes and the optional
// aborted/stuck processors. It returns true if more work likely
// remains, so an external scheduler knows whether to call again
// immediately or wait for its next tick.
func (r *Runner[UR, US, QR, QS]) Run(ctx context.Context, opts RunOptions) (bool, error) {
	if err := r.initialize(ctx); err != nil {
		return false, err
	}

	acquired, err := r.acquireLock(ctx)
	if err != nil {
		return false, err
	}
	if !acquired {
		return true, nil
	}
	defer r.releaseLock(ctx)

	started := time.Now()
	defer func() { metrics.ObserveRunDuration(r.cfg.Name, time.Since(started)) }()

	deadline, hasDeadline := opts.deadline()

	for i := 0; i < r.cfg.BatchSize; i++ {
		if hasDeadline && time.Now().After(deadline) {
			break
		}
		r.heartbeat(ctx)

		candidates, err := r.cfg.Drv.Query(ctx, entry.Filter{Status: entry.StatusPending, HasStatus: true, Limit: 1})
		if err != nil {
			return true, err
		}
		if len(candidates) == 0 {
			break
		}
		e := candidates[0]

		leaseErr := r.cfg.Drv.SetStatus(ctx, e.ID, entry.StatusProcessing, entry.SetStatusOptions{
			OldStatus: entry.StatusPending, HasOldStatus: true,
			By: r.cfg.Workers.ID, HasBy: true,
		})
		if leaseErr != nil {
			if entry.IsIncorrectState(leaseErr) {
				continue
			}
			return true, leaseErr
		}

		r.processOne(ctx, e.ID, e.Request, r.cfg.Processor)
	}

	moreWork := false
	remaining, err := r.cfg.Drv.Query(ctx, entry.Filter{Status: entry.StatusPending, HasStatus: true, Limit: r.cfg.BatchSize})
	if err == nil {
		metrics.SetQueueDepth(r.cfg.Name, len(remaining))
		if len(remaining) > 0 {
			moreWork = true
		}
	}

	for _, p := range r.Pipes() {
		if !p.RecurseOnRun {
			continue
		}
		pipeMore, err := p.Target.Run(ctx, remainingOptions(deadline, hasDeadline))
		if err != nil {
			r.cfg.Logger.Warn("pipe run failed", "runner", r.cfg.Name, "target", p.Target.Name(), "error", err)
			continue
		}
		if pipeMore {
			moreWork = true
		}
	}

	if r.cfg.ProcessorAborted != nil {
		r.runSpecial(ctx, entry.StatusAborted, r.cfg.ProcessorAborted, deadline, hasDeadline)
	}
	if r.cfg.ProcessorStuck != nil {
		r.runSpecial(ctx, entry.StatusStuck, r.cfg.ProcessorStuck, deadline, hasDeadline)
	}

	return moreWork, nil
}

func (r *Runner[UR, US, QR, QS]) runSpecial(ctx context.Context, from entry.Status, processor Processor[UR, US], deadline time.Time, hasDeadline bool) {
	for i := 0; i < r.cfg.BatchSize; i++ {
		if hasDeadline && time.Now().After(deadline) {
			return
		}
		candidates, err := r.cfg.Drv.Query(ctx, entry.Filter{Status: from, HasStatus: true, Limit: 1})
		if err != nil || len(candidates) == 0 {
			return
		}
		e := candidates[0]
		leaseErr := r.cfg.Drv.SetStatus(ctx, e.ID, entry.StatusProcessing, entry.SetStatusOptions{
			OldStatus: from, HasOldStatus: true,
			By: r.cfg.Workers.ID, HasBy: true,
		})
		if leaseErr != nil {
			if entry.IsIncorrectState(leaseErr) {
				continue
			}
			return
		}
		r.processOne(ctx, e.ID, e.Request, processor)
	}
}

// processOne runs processor against a leased entry (already transitioned
// to processing) under ProcessTimeout and applies the resulting status
// transition. A processor call that does not return in time loses the
// race: the entry moves to aborted immediately, and the late result is
// discarded unread, since its own SetStatus(old=processing) would fail
// the assertion anyway.
func (r *Runner[UR, US, QR, QS]) processOne(ctx context.Context, id string, payload []byte, processor Processor[UR, US]) {
	procCtx, cancel := context.WithTimeout(ctx, r.cfg.ProcessTimeout)
	defer cancel()

	var qreq QR
	if err := json.Unmarshal(payload, &qreq); err != nil {
		r.finish(ctx, id, entry.StatusFailedTemporarily, entry.SetStatusOptions{
			OldStatus: entry.StatusProcessing, HasOldStatus: true,
			Error: fmt.Sprintf("decode request: %v", err), HasError: true,
		})
		return
	}
	userReq, err := r.cfg.DecodeRequest(qreq)
	if err != nil {
		r.finish(ctx, id, entry.StatusFailedTemporarily, entry.SetStatusOptions{
			OldStatus: entry.StatusProcessing, HasOldStatus: true,
			Error: fmt.Sprintf("decode request: %v", err), HasError: true,
		})
		return
	}

	type outcome struct {
		verdict Verdict[US]
		err     error
	}
	resCh := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				resCh <- outcome{err: fmt.Errorf("panic: %v", rec)}
			}
		}()
		v, err := processor(procCtx, id, userReq)
		resCh <- outcome{verdict: v, err: err}
	}()

	select {
	case <-procCtx.Done():
		r.finish(ctx, id, entry.StatusAborted, entry.SetStatusOptions{
			OldStatus: entry.StatusProcessing, HasOldStatus: true,
			Error: "processor did not complete within the process timeout", HasError: true,
		})
	case res := <-resCh:
		if res.err != nil {
			r.finish(ctx, id, entry.StatusFailedTemporarily, entry.SetStatusOptions{
				OldStatus: entry.StatusProcessing, HasOldStatus: true,
				Error: res.err.Error(), HasError: true,
			})
			return
		}
		r.applyVerdict(ctx, id, res.verdict)
	}
}

func (r *Runner[UR, US, QR, QS]) applyVerdict(ctx context.Context, id string, v Verdict[US]) {
	status := v.Status
	setOpts := entry.SetStatusOptions{OldStatus: entry.StatusProcessing, HasOldStatus: true}

	switch status {
	case entry.StatusCompleted, entry.StatusFailedTemporarily, entry.StatusFailedPermanently,
		entry.StatusPending, entry.StatusAborted:
	case entry.StatusProcessing:
		status = entry.StatusFailedTemporarily
		v.HasError = true
		v.Error = "processor returned processing, which is not a valid terminal status"
	default:
		status = entry.StatusFailedTemporarily
		v.HasError = true
		v.Error = fmt.Sprintf("processor returned unrecognized status %q", v.Status)
	}

	if v.HasError {
		setOpts.Error = v.Error
		setOpts.HasError = true
	}
	if v.HasOutput {
		qres, err := r.cfg.EncodeResponse(v.Output)
		if err != nil {
			status = entry.StatusFailedTemporarily
			setOpts.Error = fmt.Sprintf("encode response: %v", err)
			setOpts.HasError = true
		} else if data, err := json.Marshal(qres); err == nil {
			setOpts.Output = data
			setOpts.HasOutput = true
		}
	}

	r.finish(ctx, id, status, setOpts)
}

func (r *Runner[UR, US, QR, QS]) finish(ctx context.Context, id string, status entry.Status, opts entry.SetStatusOptions) {
	if err := r.cfg.Drv.SetStatus(ctx, id, status, opts); err != nil {
		if entry.IsIncorrectState(err) {
			// The entry moved out from under us (e.g. already aborted by
			// the timeout branch racing this one). Not an error.
			return
		}
		r.cfg.Logger.Warn("set status failed", "runner", r.cfg.Name, "id", id, "status", status, "error", err)
		return
	}
	r.stats.record(status)
	metrics.RecordTransition(r.cfg.Name, string(status))
}

// --- maintenance cycle ---

// Maintain refreshes the worker lock and, for the worker with ID 0,
// performs the queue's global housekeeping: requeuing expired
// failures, detecting stuck entries, and handing completed/permanently
// failed entries to downstream pipes.
func (r *Runner[UR, US, QR, QS]) Maintain(ctx context.Context) error {
	if err := r.initialize(ctx); err != nil {
		return err
	}

	acquired, err := r.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}
	defer r.releaseLock(ctx)

	if r.cfg.Workers.ID == 0 {
		r.tryContinue("mark stuck", func() error { return r.markStuckRequestsAsStuck(ctx) })
		r.tryContinue("requeue failed", func() error { return r.requeueFailedRequests(ctx) })
		r.tryContinue("move completed", func() error { return r.moveCompletedToNextStage(ctx, entry.StatusCompleted) })
		r.tryContinue("move failed permanently", func() error { return r.moveCompletedToNextStage(ctx, entry.StatusFailedPermanently) })
	}

	for _, p := range r.Pipes() {
		if !p.RecurseOnRun {
			continue
		}
		if err := p.Target.Maintain(ctx); err != nil {
			r.cfg.Logger.Warn("pipe maintain failed", "runner", r.cfg.Name, "target", p.Target.Name(), "error", err)
		}
	}

	if err := r.cfg.Drv.Maintain(ctx); err != nil {
		r.cfg.Logger.Warn("driver maintain failed", "runner", r.cfg.Name, "error", err)
	}
	return nil
}

func (r *Runner[UR, US, QR, QS]) tryContinue(label string, fn func() error) {
	if err := fn(); err != nil {
		r.cfg.Logger.Warn("maintenance task failed", "runner", r.cfg.Name, "task", label, "error", err)
	}
}

func (r *Runner[UR, US, QR, QS]) markStuckRequestsAsStuck(ctx context.Context) error {
	cutoff := time.Now().Add(-r.cfg.ProcessTimeout * time.Duration(r.cfg.StuckMultiplier))
	candidates, err := r.cfg.Drv.Query(ctx, entry.Filter{
		Status: entry.StatusProcessing, HasStatus: true,
		UpdatedBefore: cutoff, HasUpdatedBefore: true,
		Limit: 100,
	})
	if err != nil {
		return err
	}
	for _, e := range candidates {
		if strings.HasPrefix(e.ID, "@runner-lock:") {
			continue
		}
		if err := r.cfg.Drv.SetStatus(ctx, e.ID, entry.StatusStuck, entry.SetStatusOptions{
			OldStatus: entry.StatusProcessing, HasOldStatus: true,
		}); err != nil && !entry.IsIncorrectState(err) {
			r.cfg.Logger.Warn("mark stuck failed", "runner", r.cfg.Name, "id", e.ID, "error", err)
			continue
		}
		r.cfg.Logger.Info("marked entry stuck", "runner", r.cfg.Name, "id", e.ID, "last updated", humanize.Time(e.Updated))
	}
	return nil
}

func (r *Runner[UR, US, QR, QS]) requeueFailedRequests(ctx context.Context) error {
	cutoff := time.Now().Add(-r.cfg.RetryDelay)
	candidates, err := r.cfg.Drv.Query(ctx, entry.Filter{
		Status: entry.StatusFailedTemporarily, HasStatus: true,
		UpdatedBefore: cutoff, HasUpdatedBefore: true,
		Limit: 100,
	})
	if err != nil {
		return err
	}
	for _, e := range candidates {
		next := entry.StatusPending
		if e.Failures >= r.cfg.MaxRetries {
			next = entry.StatusFailedPermanently
		}
		if err := r.cfg.Drv.SetStatus(ctx, e.ID, next, entry.SetStatusOptions{
			OldStatus: entry.StatusFailedTemporarily, HasOldStatus: true,
		}); err != nil && !entry.IsIncorrectState(err) {
			r.cfg.Logger.Warn("requeue failed", "runner", r.cfg.Name, "id", e.ID, "error", err)
			continue
		}
		r.cfg.Logger.Info("requeued failed entry", "runner", r.cfg.Name, "id", e.ID, "next", next, "last failed", humanize.Time(e.Updated))
	}
	return nil
}

// --- pipeline stage hand-off ---

type batchEnvelope struct {
	Items [][]byte `json:"items"`
}

func (r *Runner[UR, US, QR, QS]) moveCompletedToNextStage(ctx context.Context, targetStatus entry.Status) error {
	candidates, err := r.cfg.Drv.Query(ctx, entry.Filter{Status: targetStatus, HasStatus: true, Limit: 100})
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	pipes := r.Pipes()
	accepting := 0
	delivered := make(map[string]int, len(candidates))
	for _, p := range pipes {
		if p.AcceptStatus != targetStatus {
			continue
		}
		accepting++
		if p.Batch != nil {
			r.deliverBatch(ctx, p, candidates, targetStatus, delivered)
		} else {
			r.deliverNonBatch(ctx, p, candidates, targetStatus, delivered)
		}
	}
	if accepting == 0 {
		return nil
	}

	for _, c := range candidates {
		if delivered[c.ID] < accepting {
			continue
		}
		if err := r.cfg.Drv.SetStatus(ctx, c.ID, entry.StatusMoved, entry.SetStatusOptions{
			OldStatus: targetStatus, HasOldStatus: true,
		}); err != nil && !entry.IsIncorrectState(err) {
			r.cfg.Logger.Warn("mark moved failed", "runner", r.cfg.Name, "id", c.ID, "error", err)
		}
	}
	return nil
}

func payloadFor(targetStatus entry.Status, e *entry.Entry) []byte {
	if targetStatus == entry.StatusCompleted {
		return e.Output
	}
	return e.Request
}

func (r *Runner[UR, US, QR, QS]) deliverNonBatch(ctx context.Context, p Pipe, candidates []*entry.Entry, targetStatus entry.Status, delivered map[string]int) {
	for _, c := range candidates {
		_, err := p.Target.AddRaw(ctx, payloadFor(targetStatus, c), entry.AddOptions{ID: c.ID})
		if err != nil && !entry.IsIdempotentExists(err) {
			r.cfg.Logger.Warn("pipe delivery failed", "runner", r.cfg.Name, "target", p.Target.Name(), "id", c.ID, "error", err)
			continue
		}
		delivered[c.ID]++
	}
}

// deliverBatch groups candidates into size-bounded batches and submits
// each as a single idempotent entry on the target, keyed by the set of
// member ids. A batch short of MinBatchSize ends this pipe's attempt for
// the rest of this call, leaving its members for the next maintenance
// cycle. An IdempotentExists response
// means some members were already delivered in a previous, partially
// successful attempt; those are marked delivered and the remainder is
// retried as a fresh batch.
func (r *Runner[UR, US, QR, QS]) deliverBatch(ctx context.Context, p Pipe, candidates []*entry.Entry, targetStatus entry.Status, delivered map[string]int) {
	observed, err := cache.NewSet[string](len(candidates) + 1)
	if err != nil {
		r.cfg.Logger.Warn("observed set init failed", "runner", r.cfg.Name, "target", p.Target.Name(), "error", err)
		return
	}
	remaining := append([]*entry.Entry(nil), candidates...)
	consecutiveShort := 0

	for len(remaining) > 0 && consecutiveShort < 3 {
		var batch, rest []*entry.Entry
		for _, c := range remaining {
			if observed.Seen(c.ID) {
				continue
			}
			if len(batch) < p.Batch.MaxBatchSize {
				batch = append(batch, c)
			} else {
				rest = append(rest, c)
			}
		}
		if len(batch) == 0 {
			break
		}
		if len(batch) < p.Batch.MinBatchSize {
			consecutiveShort++
			break
		}

		env := batchEnvelope{Items: make([][]byte, 0, len(batch))}
		idemKeys := make(map[string]struct{}, len(batch))
		for _, c := range batch {
			env.Items = append(env.Items, payloadFor(targetStatus, c))
			idemKeys[c.ID] = struct{}{}
		}
		payload, err := json.Marshal(env)
		if err != nil {
			r.cfg.Logger.Warn("batch envelope marshal failed", "runner", r.cfg.Name, "target", p.Target.Name(), "error", err)
			for _, c := range batch {
				observed.Add(c.ID)
			}
			remaining = rest
			continue
		}

		batchID := uuid.NewString()
		_, err = p.Target.AddRaw(ctx, payload, entry.AddOptions{ID: batchID, IdempotentKeys: idemKeys})
		switch {
		case err == nil:
			for _, c := range batch {
				delivered[c.ID]++
				observed.Add(c.ID)
			}
			remaining = rest
		case entry.IsIdempotentExists(err):
			var idemErr *entry.IdempotentExistsError
			if !errors.As(err, &idemErr) {
				remaining = append(rest, batch...)
				continue
			}
			collided := make(map[string]struct{}, len(idemErr.Keys))
			for _, k := range idemErr.Keys {
				collided[k] = struct{}{}
			}
			var retryLater []*entry.Entry
			for _, c := range batch {
				if _, ok := collided[c.ID]; ok {
					delivered[c.ID]++
					observed.Add(c.ID)
				} else {
					retryLater = append(retryLater, c)
				}
			}
			remaining = append(rest, retryLater...)
		default:
			r.cfg.Logger.Warn("batch delivery failed", "runner", r.cfg.Name, "target", p.Target.Name(), "error", err)
			for _, c := range batch {
				observed.Add(c.ID)
			}
			remaining = rest
		}
	}
}

var _ Stage = (*Runner[struct{}, struct{}, struct{}, struct{}])(nil)
