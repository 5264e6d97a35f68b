// Package deploy executes deployment commands for pool jobs.
//
// Each job kind maps to a configured shell command. The runner streams the
// command's output back to the pool as progress log lines and records status
// transitions in the store.
package deploy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"deployd/internal/pool"
	"deployd/internal/store"
	logx "deployd/pkg/logx"
)

// maxLineBytes caps a single forwarded output line. Longer lines are dropped
// and the rest of the stream is discarded, never left to back up the pipe.
const maxLineBytes = 1 << 20

// Statuses written to the store and forwarded as job progress.
const (
	StatusQueued    = "queued"
	StatusDeploying = "deploying"
	StatusRunning   = "running"
	StatusFailed    = "failed"
)

// Config maps job kinds to shell commands.
type Config struct {
	CreateCmd  string
	RestartCmd string
	RebuildCmd string

	WorkDir string
	Env     map[string]string

	// CommandTimeout bounds one command run. 0 disables the bound.
	CommandTimeout time.Duration
}

// ExecRunner implements pool.Runner by shelling out per job kind.
type ExecRunner struct {
	cfg Config
	st  store.Store // may be nil
	log logx.Logger
}

func NewExecRunner(cfg Config, st store.Store, log logx.Logger) *ExecRunner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ExecRunner{cfg: cfg, st: st, log: log}
}

func (r *ExecRunner) commandFor(kind pool.Kind) string {
	switch kind {
	case pool.KindCreate:
		return r.cfg.CreateCmd
	case pool.KindRestart:
		return r.cfg.RestartCmd
	case pool.KindRebuild:
		return r.cfg.RebuildCmd
	default:
		return ""
	}
}

// Run executes the configured command for the job's kind. Failures are
// recorded against the target and returned; the scheduler treats a returned
// error as a completed run, not a worker crash.
func (r *ExecRunner) Run(ctx context.Context, job pool.Job, emit pool.ProgressFunc) error {
	cmdline := r.commandFor(job.Kind)
	if cmdline == "" {
		err := fmt.Errorf("no command configured for kind %q", job.Kind)
		r.record(ctx, job, StatusFailed, err.Error(), emit)
		return err
	}

	r.record(ctx, job, StatusDeploying, "", emit)

	runCtx := ctx
	var cancel context.CancelFunc
	if r.cfg.CommandTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.CommandTimeout)
		defer cancel()
	}

	start := time.Now()
	err := r.execStreaming(runCtx, cmdline, job, emit)
	dur := time.Since(start)

	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("command timed out after %v", r.cfg.CommandTimeout)
		}
		r.log.Warn("deploy command failed",
			logx.String("target", job.TargetID),
			logx.String("kind", job.Kind.String()),
			logx.Duration("dur", dur),
			logx.Any("err", err))
		r.record(ctx, job, StatusFailed, err.Error(), emit)
		return err
	}

	r.log.Info("deploy command finished",
		logx.String("target", job.TargetID),
		logx.String("kind", job.Kind.String()),
		logx.Duration("dur", dur))
	r.record(ctx, job, StatusRunning, "", emit)
	return nil
}

func (r *ExecRunner) execStreaming(ctx context.Context, cmdline string, job pool.Job, emit pool.ProgressFunc) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", cmdline)
	cmd.Dir = r.cfg.WorkDir
	cmd.Env = append(os.Environ(),
		"DEPLOY_TARGET="+job.TargetID,
		"DEPLOY_KIND="+job.Kind.String(),
	)
	for k, v := range r.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	// Forward output line by line while the command runs. Both pipes must be
	// drained before Wait: if the scanner gives up (a line past its buffer
	// cap), the remainder still has to be consumed or the child blocks
	// writing and Wait never returns.
	var wg sync.WaitGroup
	forward := func(rd io.Reader) {
		defer wg.Done()
		sc := bufio.NewScanner(rd)
		sc.Buffer(make([]byte, 64*1024), maxLineBytes)
		for sc.Scan() {
			line := sc.Text()
			if line == "" {
				continue
			}
			if emit != nil {
				emit(nil, &line)
			}
		}
		if err := sc.Err(); err != nil {
			r.log.Debug("output line dropped",
				logx.String("target", job.TargetID), logx.Any("err", err))
			_, _ = io.Copy(io.Discard, rd)
		}
	}
	wg.Add(2)
	go forward(stdout)
	go forward(stderr)
	wg.Wait()

	return cmd.Wait()
}

// record persists the status change and forwards it as progress. Store errors
// are logged, not propagated; losing a history row must not fail the deploy.
func (r *ExecRunner) record(ctx context.Context, job pool.Job, status, detail string, emit pool.ProgressFunc) {
	if emit != nil {
		emit(&status, nil)
	}
	if r.st == nil {
		return
	}
	now := time.Now()
	if err := r.st.SetStatus(ctx, job.TargetID, status, now); err != nil && !errors.Is(err, store.ErrNotFound) {
		r.log.Warn("store: set status failed",
			logx.String("target", job.TargetID), logx.Any("err", err))
	}
	err := r.st.AppendEvent(ctx, store.StatusEvent{
		At:       now,
		TargetID: job.TargetID,
		Kind:     job.Kind.String(),
		Status:   status,
		Detail:   detail,
	})
	if err != nil {
		r.log.Warn("store: append event failed",
			logx.String("target", job.TargetID), logx.Any("err", err))
	}
}
