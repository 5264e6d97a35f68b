package pool

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "deployd/pkg/logx"
)

// ProgressFunc is handed to the job body so it can report status changes and
// log lines while running. Both arguments are optional; nil means "no change".
type ProgressFunc func(status *string, logLine *string)

// Runner executes the opaque job body. The scheduler never interprets the
// returned error beyond mapping it to an Outcome: the body is expected to
// handle its own failures (e.g. marking the target failed in the store).
type Runner interface {
	Run(ctx context.Context, job Job, emit ProgressFunc) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, job Job, emit ProgressFunc) error

func (f RunnerFunc) Run(ctx context.Context, job Job, emit ProgressFunc) error {
	return f(ctx, job, emit)
}

// workerSlot is the coordinator-side bookkeeping for one execution unit.
// The slot id is stable for the life of the pool; gen increments on every
// replacement so stale events are detectable.
type workerSlot struct {
	id        int
	gen       uint64
	completed int
	alive     bool

	inbox  chan runRequest
	cancel context.CancelFunc
}

// runWorker is the message loop of one execution unit. It runs until its
// context is canceled, executing at most one job at a time and emitting
// exactly one doneEvent per runRequest.
func runWorker(ctx context.Context, slot int, inbox <-chan runRequest, events chan<- workerEvent, runner Runner, log logx.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-inbox:
			if !ok {
				return
			}
			execJob(ctx, slot, req, events, runner, log)
		}
	}
}

func execJob(ctx context.Context, slot int, req runRequest, events chan<- workerEvent, runner Runner, log logx.Logger) {
	job := req.job
	start := time.Now()

	emit := func(status *string, logLine *string) {
		if status == nil && logLine == nil {
			return
		}
		send(ctx, events, progressEvent{slot: slot, gen: req.gen, targetID: job.TargetID, status: status, logLine: logLine})
	}

	// Panic in the job body counts as a worker crash: the slot is still freed
	// (via the done event), but the coordinator will replace this unit.
	outcome := OutcomeCompleted
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				outcome = OutcomeCrashed
				err = fmt.Errorf("panic: %v", r)
				log.Error("job body panicked",
					logx.Int("slot", slot),
					logx.String("target", job.TargetID),
					logx.Any("panic", r),
					logx.Stack(string(debug.Stack())))
			}
		}()
		return runner.Run(ctx, job, emit)
	}()

	dur := time.Since(start)
	if err != nil && outcome == OutcomeCompleted {
		// Job-body failures are handled inside the body; from the scheduler's
		// point of view the run completed and the slot is free.
		log.Debug("job body returned error",
			logx.Int("slot", slot),
			logx.String("target", job.TargetID),
			logx.Duration("dur", dur),
			logx.Any("err", err))
	}

	send(ctx, events, doneEvent{slot: slot, gen: req.gen, targetID: job.TargetID, kind: job.Kind, outcome: outcome})
}

// send delivers an event unless the worker is being force-terminated.
func send(ctx context.Context, events chan<- workerEvent, ev workerEvent) {
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}
