package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"deployd/internal/eventbus"
	logx "deployd/pkg/logx"
)

// fakeResolver treats every target as existing unless listed in missing.
type fakeResolver struct {
	missing map[string]bool
}

func (f fakeResolver) ExistsTarget(_ context.Context, id string) (bool, error) {
	return !f.missing[id], nil
}

// scriptRunner records dispatch order and lets tests gate or crash specific
// targets.
type scriptRunner struct {
	mu      sync.Mutex
	started []string
	gates   map[string]chan struct{}
	panics  map[string]bool
	emits   map[string][]string // target -> log lines to emit
}

func newScriptRunner() *scriptRunner {
	return &scriptRunner{
		gates:  map[string]chan struct{}{},
		panics: map[string]bool{},
		emits:  map[string][]string{},
	}
}

func (r *scriptRunner) gate(target string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan struct{})
	r.gates[target] = ch
	return ch
}

func (r *scriptRunner) startedOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.started))
	copy(out, r.started)
	return out
}

func (r *scriptRunner) Run(ctx context.Context, job Job, emit ProgressFunc) error {
	r.mu.Lock()
	r.started = append(r.started, job.TargetID)
	gate := r.gates[job.TargetID]
	boom := r.panics[job.TargetID]
	lines := r.emits[job.TargetID]
	r.mu.Unlock()

	for _, ln := range lines {
		ln := ln
		st := "deploying"
		emit(&st, &ln)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if boom {
		panic("job body exploded")
	}
	return nil
}

func testConfig(workers, maxQueue int) Config {
	return Config{
		Workers:             workers,
		MaxQueue:            maxQueue,
		RestartThreshold:    -1, // recycling off unless a test wants it
		DrainTimeout:        2 * time.Second,
		MaintenanceInterval: time.Hour, // keep maintenance quiet in tests
		CrashBackoff:        20 * time.Millisecond,
		DrainPoll:           5 * time.Millisecond,
	}
}

func startPool(t *testing.T, cfg Config, r *scriptRunner, resolver TargetResolver) *Manager {
	t.Helper()
	if resolver == nil {
		resolver = fakeResolver{}
	}
	m := New(cfg, logx.Nop(), nil, resolver, r)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSubmitUnknownTarget(t *testing.T) {
	t.Parallel()
	r := newScriptRunner()
	m := startPool(t, testConfig(1, 4), r, fakeResolver{missing: map[string]bool{"ghost": true}})

	if err := m.Submit(context.Background(), "ghost", KindCreate, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Submit(ghost) = %v, want ErrNotFound", err)
	}
}

func TestDispatchPriorityOrder(t *testing.T) {
	t.Parallel()
	r := newScriptRunner()
	block := r.gate("blocker")
	m := startPool(t, testConfig(1, 8), r, nil)

	ctx := context.Background()
	if err := m.Submit(ctx, "blocker", KindCreate, nil); err != nil {
		t.Fatalf("Submit(blocker): %v", err)
	}
	waitFor(t, time.Second, "blocker active", func() bool {
		active, _ := m.Status("blocker")
		return active
	})

	// With the single worker busy, these stack up in the queue.
	if err := m.Submit(ctx, "X", KindCreate, nil); err != nil {
		t.Fatalf("Submit(X): %v", err)
	}
	if err := m.Submit(ctx, "Y", KindRestart, nil); err != nil {
		t.Fatalf("Submit(Y): %v", err)
	}
	if err := m.Submit(ctx, "Z", KindRebuild, nil); err != nil {
		t.Fatalf("Submit(Z): %v", err)
	}

	close(block)
	waitFor(t, 2*time.Second, "all jobs started", func() bool { return len(r.startedOrder()) == 4 })

	got := r.startedOrder()
	want := []string{"blocker", "Y", "X", "Z"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatch order = %v, want %v", got, want)
		}
	}
}

func TestDispatchFIFOWithinPriority(t *testing.T) {
	t.Parallel()
	r := newScriptRunner()
	block := r.gate("blocker")
	m := startPool(t, testConfig(1, 8), r, nil)

	ctx := context.Background()
	if err := m.Submit(ctx, "blocker", KindCreate, nil); err != nil {
		t.Fatalf("Submit(blocker): %v", err)
	}
	waitFor(t, time.Second, "blocker active", func() bool {
		active, _ := m.Status("blocker")
		return active
	})

	if err := m.Submit(ctx, "P", KindCreate, nil); err != nil {
		t.Fatalf("Submit(P): %v", err)
	}
	if err := m.Submit(ctx, "Q", KindCreate, nil); err != nil {
		t.Fatalf("Submit(Q): %v", err)
	}

	close(block)
	waitFor(t, 2*time.Second, "all jobs started", func() bool { return len(r.startedOrder()) == 3 })

	got := r.startedOrder()
	if got[1] != "P" || got[2] != "Q" {
		t.Fatalf("equal-priority order = %v, want P before Q", got)
	}
}

func TestQueueFullBackpressure(t *testing.T) {
	t.Parallel()
	r := newScriptRunner()
	block := r.gate("blocker")
	defer close(block)
	m := startPool(t, testConfig(1, 2), r, nil)

	ctx := context.Background()
	if err := m.Submit(ctx, "blocker", KindCreate, nil); err != nil {
		t.Fatalf("Submit(blocker): %v", err)
	}
	waitFor(t, time.Second, "blocker active", func() bool {
		active, _ := m.Status("blocker")
		return active
	})

	if err := m.Submit(ctx, "q1", KindCreate, nil); err != nil {
		t.Fatalf("Submit(q1): %v", err)
	}
	if err := m.Submit(ctx, "q2", KindCreate, nil); err != nil {
		t.Fatalf("Submit(q2): %v", err)
	}

	if err := m.Submit(ctx, "q3", KindCreate, nil); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Submit(q3) = %v, want ErrQueueFull", err)
	}
	if got := m.Info().QueueLen; got != 2 {
		t.Fatalf("QueueLen after rejected submit = %d, want 2", got)
	}
}

func TestDuplicateSubmitConflicts(t *testing.T) {
	t.Parallel()
	r := newScriptRunner()
	block := r.gate("busy")
	defer close(block)
	m := startPool(t, testConfig(1, 8), r, nil)

	ctx := context.Background()
	if err := m.Submit(ctx, "busy", KindCreate, nil); err != nil {
		t.Fatalf("Submit(busy): %v", err)
	}
	waitFor(t, time.Second, "busy active", func() bool {
		active, _ := m.Status("busy")
		return active
	})

	// Duplicate of a running target.
	if err := m.Submit(ctx, "busy", KindRestart, nil); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate active submit = %v, want ErrConflict", err)
	}

	// Duplicate of a queued target.
	if err := m.Submit(ctx, "waiting", KindCreate, nil); err != nil {
		t.Fatalf("Submit(waiting): %v", err)
	}
	if err := m.Submit(ctx, "waiting", KindCreate, nil); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate queued submit = %v, want ErrConflict", err)
	}
}

func TestCancelSemantics(t *testing.T) {
	t.Parallel()
	r := newScriptRunner()
	block := r.gate("running")
	defer close(block)
	m := startPool(t, testConfig(1, 8), r, nil)

	ctx := context.Background()
	if err := m.Submit(ctx, "running", KindCreate, nil); err != nil {
		t.Fatalf("Submit(running): %v", err)
	}
	waitFor(t, time.Second, "running active", func() bool {
		active, _ := m.Status("running")
		return active
	})
	if err := m.Submit(ctx, "queued", KindCreate, nil); err != nil {
		t.Fatalf("Submit(queued): %v", err)
	}

	if !m.Cancel("queued") {
		t.Fatal("Cancel(queued) = false, want true")
	}
	// Running jobs are not preemptible.
	if m.Cancel("running") {
		t.Fatal("Cancel(running) = true, want false")
	}
	// Unknown target: idempotent no-op.
	if m.Cancel("nope") {
		t.Fatal("Cancel(nope) = true, want false")
	}
	if got := m.Info().QueueLen; got != 0 {
		t.Fatalf("QueueLen = %d, want 0", got)
	}
	if active, _ := m.Status("running"); !active {
		t.Fatal("running job should still be active after failed cancel")
	}
}

func TestCancelAllLeavesActive(t *testing.T) {
	t.Parallel()
	r := newScriptRunner()
	block := r.gate("running")
	defer close(block)
	m := startPool(t, testConfig(1, 8), r, nil)

	ctx := context.Background()
	if err := m.Submit(ctx, "running", KindCreate, nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, time.Second, "running active", func() bool {
		active, _ := m.Status("running")
		return active
	})
	for _, id := range []string{"a", "b", "c"} {
		if err := m.Submit(ctx, id, KindCreate, nil); err != nil {
			t.Fatalf("Submit(%s): %v", id, err)
		}
	}

	if n := m.CancelAll(); n != 3 {
		t.Fatalf("CancelAll = %d, want 3", n)
	}
	info := m.Info()
	if info.QueueLen != 0 || info.Active != 1 {
		t.Fatalf("after CancelAll: queue=%d active=%d, want 0/1", info.QueueLen, info.Active)
	}
}

func TestActiveBoundedByWorkers(t *testing.T) {
	t.Parallel()
	r := newScriptRunner()
	gates := make([]chan struct{}, 5)
	ids := []string{"t1", "t2", "t3", "t4", "t5"}
	for i, id := range ids {
		gates[i] = r.gate(id)
	}
	m := startPool(t, testConfig(2, 8), r, nil)

	ctx := context.Background()
	for _, id := range ids {
		if err := m.Submit(ctx, id, KindCreate, nil); err != nil {
			t.Fatalf("Submit(%s): %v", id, err)
		}
	}
	waitFor(t, 2*time.Second, "both workers busy", func() bool { return m.Info().Active == 2 })

	info := m.Info()
	if info.Active != 2 || info.QueueLen != 3 {
		t.Fatalf("active=%d queue=%d, want 2/3", info.Active, info.QueueLen)
	}
	if info.Utilization != 1.0 {
		t.Fatalf("utilization = %v, want 1.0", info.Utilization)
	}

	for _, g := range gates {
		close(g)
	}
	waitFor(t, 2*time.Second, "all jobs finished", func() bool {
		i := m.Info()
		return i.Active == 0 && i.QueueLen == 0
	})
}

func TestWorkerRecycleAtThreshold(t *testing.T) {
	t.Parallel()
	r := newScriptRunner()
	cfg := testConfig(1, 8)
	cfg.RestartThreshold = 3
	m := startPool(t, cfg, r, nil)

	ctx := context.Background()
	for _, id := range []string{"j1", "j2", "j3"} {
		if err := m.Submit(ctx, id, KindCreate, nil); err != nil {
			t.Fatalf("Submit(%s): %v", id, err)
		}
	}

	// After the third completion the unit at slot 0 must be a fresh instance:
	// bumped generation, counter reset.
	waitFor(t, 2*time.Second, "slot 0 recycled", func() bool {
		di := m.DetailedInfo()
		return len(di.Units) == 1 && di.Units[0].Gen == 2
	})
	u := m.DetailedInfo().Units[0]
	if u.Completed != 0 {
		t.Fatalf("recycled unit completed = %d, want 0", u.Completed)
	}
	if !u.Alive {
		t.Fatal("recycled unit should be alive")
	}
}

func TestCrashFreesAssignmentAndReplacesWorker(t *testing.T) {
	t.Parallel()
	r := newScriptRunner()
	r.panics["doomed"] = true
	m := startPool(t, testConfig(1, 8), r, nil)

	var mu sync.Mutex
	var statuses []string
	m.RegisterUpdateCallback(func(target string, status *string, logLine *string) {
		if target == "doomed" && status != nil {
			mu.Lock()
			statuses = append(statuses, *status)
			mu.Unlock()
		}
	})

	if err := m.Submit(context.Background(), "doomed", KindCreate, nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Crash must not leave the target permanently "active".
	waitFor(t, 2*time.Second, "assignment freed", func() bool {
		active, _ := m.Status("doomed")
		return !active
	})
	waitFor(t, 2*time.Second, "failed status forwarded", func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range statuses {
			if s == "failed" {
				return true
			}
		}
		return false
	})

	// Replacement happens after the crash backoff with a bumped generation.
	waitFor(t, 2*time.Second, "worker replaced", func() bool {
		di := m.DetailedInfo()
		return len(di.Units) == 1 && di.Units[0].Gen == 2 && di.Units[0].Alive
	})

	// The pool keeps working after the crash.
	if err := m.Submit(context.Background(), "next", KindCreate, nil); err != nil {
		t.Fatalf("Submit(next): %v", err)
	}
	waitFor(t, 2*time.Second, "next job ran", func() bool {
		for _, id := range r.startedOrder() {
			if id == "next" {
				return true
			}
		}
		return false
	})
}

func TestProgressForwarding(t *testing.T) {
	t.Parallel()
	r := newScriptRunner()
	r.emits["chatty"] = []string{"cloning repo", "building image"}
	m := startPool(t, testConfig(1, 8), r, nil)

	type update struct {
		status, line string
	}
	var mu sync.Mutex
	var got []update
	m.RegisterUpdateCallback(func(target string, status *string, logLine *string) {
		if target != "chatty" {
			return
		}
		u := update{}
		if status != nil {
			u.status = *status
		}
		if logLine != nil {
			u.line = *logLine
		}
		mu.Lock()
		got = append(got, u)
		mu.Unlock()
	})

	if err := m.Submit(context.Background(), "chatty", KindCreate, nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, 2*time.Second, "progress forwarded", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if got[0].line != "cloning repo" || got[1].line != "building image" {
		t.Fatalf("forwarded lines = %+v", got)
	}
	if got[0].status != "deploying" {
		t.Fatalf("forwarded status = %q, want deploying", got[0].status)
	}
}

func TestStaleGenerationEventsDiscarded(t *testing.T) {
	t.Parallel()
	r := newScriptRunner()
	gate := r.gate("held")
	m := startPool(t, testConfig(1, 8), r, nil)

	var mu sync.Mutex
	var statuses, lines []string
	m.RegisterUpdateCallback(func(target string, status *string, logLine *string) {
		if target != "held" {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if status != nil {
			statuses = append(statuses, *status)
		}
		if logLine != nil {
			lines = append(lines, *logLine)
		}
	})

	if err := m.Submit(context.Background(), "held", KindCreate, nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, time.Second, "held active", func() bool {
		active, _ := m.Status("held")
		return active
	})

	// Events from a retired unit on slot 0 (generation mismatch) and from a
	// slot that does not exist. None of them may reach callbacks or free the
	// assignment.
	failed := "failed"
	ghost := "ghost line"
	m.events <- progressEvent{slot: 0, gen: 99, targetID: "held", status: &failed, logLine: &ghost}
	m.events <- doneEvent{slot: 0, gen: 99, targetID: "held", kind: KindCreate, outcome: OutcomeCompleted}
	m.events <- doneEvent{slot: 7, gen: 1, targetID: "held", kind: KindCreate, outcome: OutcomeCompleted}

	// A current-generation marker after the stale batch; once it arrives the
	// coordinator has processed everything before it.
	marker := "marker"
	m.events <- progressEvent{slot: 0, gen: 1, targetID: "held", logLine: &marker}
	waitFor(t, time.Second, "marker forwarded", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lines) > 0 && lines[len(lines)-1] == "marker"
	})

	mu.Lock()
	if len(statuses) != 0 {
		t.Fatalf("stale status leaked through: %v", statuses)
	}
	if len(lines) != 1 {
		t.Fatalf("stale log line leaked through: %v", lines)
	}
	mu.Unlock()
	if active, _ := m.Status("held"); !active {
		t.Fatal("stale done event freed the assignment")
	}

	// The job still completes normally once released.
	close(gate)
	waitFor(t, 2*time.Second, "held finished", func() bool {
		active, _ := m.Status("held")
		return !active
	})
}

func TestSaturationWarningThreshold(t *testing.T) {
	t.Parallel()
	r := newScriptRunner()
	block := r.gate("blocker")
	defer close(block)

	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()

	m := New(testConfig(1, 5), logx.Nop(), bus, fakeResolver{}, r)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { m.Shutdown(context.Background()) })

	ctx := context.Background()
	if err := m.Submit(ctx, "blocker", KindCreate, nil); err != nil {
		t.Fatalf("Submit(blocker): %v", err)
	}
	waitFor(t, time.Second, "blocker active", func() bool {
		active, _ := m.Status("blocker")
		return active
	})

	saturated := func(timeout time.Duration) bool {
		deadline := time.After(timeout)
		for {
			select {
			case ev := <-events:
				if ev.Type == "pool.saturated" {
					return true
				}
			case <-deadline:
				return false
			}
		}
	}

	// Exactly 80% full (4 of 5) must stay quiet.
	for _, id := range []string{"q1", "q2", "q3", "q4"} {
		if err := m.Submit(ctx, id, KindCreate, nil); err != nil {
			t.Fatalf("Submit(%s): %v", id, err)
		}
	}
	if saturated(100 * time.Millisecond) {
		t.Fatal("saturation warning at exactly 80% capacity")
	}

	// One more crosses the threshold.
	if err := m.Submit(ctx, "q5", KindCreate, nil); err != nil {
		t.Fatalf("Submit(q5): %v", err)
	}
	if !saturated(time.Second) {
		t.Fatal("no saturation warning above 80% capacity")
	}
}

func TestPriorityOverride(t *testing.T) {
	t.Parallel()
	r := newScriptRunner()
	block := r.gate("blocker")
	m := startPool(t, testConfig(1, 8), r, nil)

	ctx := context.Background()
	if err := m.Submit(ctx, "blocker", KindCreate, nil); err != nil {
		t.Fatalf("Submit(blocker): %v", err)
	}
	waitFor(t, time.Second, "blocker active", func() bool {
		active, _ := m.Status("blocker")
		return active
	})

	// A rebuild normally sorts last; an override promotes it above restarts.
	if err := m.Submit(ctx, "urgent-rebuild", KindRebuild, intPtr(9)); err != nil {
		t.Fatalf("Submit(urgent-rebuild): %v", err)
	}
	if err := m.Submit(ctx, "restart", KindRestart, nil); err != nil {
		t.Fatalf("Submit(restart): %v", err)
	}

	close(block)
	waitFor(t, 2*time.Second, "all started", func() bool { return len(r.startedOrder()) == 3 })
	got := r.startedOrder()
	if got[1] != "urgent-rebuild" {
		t.Fatalf("dispatch order = %v, want urgent-rebuild second", got)
	}
}

func intPtr(v int) *int { return &v }
