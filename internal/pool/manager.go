package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"deployd/internal/eventbus"
	rtsup "deployd/internal/runtime/supervisor"
	logx "deployd/pkg/logx"
)

// dispatchBurst bounds how many jobs one dispatch pass may hand out. Remaining
// queued jobs wait for the next pass (triggered by a completion or submission)
// instead of being dispatched in one unbounded synchronous burst.
const dispatchBurst = 3

const warnThrottleEvery = 5 * time.Second

// Config controls the worker pool.
type Config struct {
	Workers  int
	MaxQueue int

	// RestartThreshold recycles a worker after this many completed jobs.
	// 0 applies the default; < 0 disables proactive recycling.
	RestartThreshold int

	// DrainTimeout bounds how long Shutdown waits for in-flight jobs.
	DrainTimeout time.Duration

	// MaintenanceInterval drives the periodic status log and saturation check.
	MaintenanceInterval time.Duration

	// CrashBackoff delays replacement of a crashed worker.
	CrashBackoff time.Duration

	// DrainPoll is the shutdown poll interval.
	DrainPoll time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxQueue <= 0 {
		c.MaxQueue = 64
	}
	if c.RestartThreshold == 0 {
		c.RestartThreshold = 50
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = 30 * time.Second
	}
	if c.CrashBackoff <= 0 {
		c.CrashBackoff = time.Second
	}
	if c.DrainPoll <= 0 {
		c.DrainPoll = 100 * time.Millisecond
	}
	return c
}

// TargetResolver is the pool's only view of the deployment record store.
type TargetResolver interface {
	ExistsTarget(ctx context.Context, targetID string) (bool, error)
}

// UpdateCallback receives forwarded job progress. Either pointer may be nil.
// Callbacks run on the coordinator goroutine and must not block.
type UpdateCallback func(targetID string, status *string, logLine *string)

// JobEvent is the payload published on the event bus for job lifecycle events.
type JobEvent struct {
	TargetID string        `json:"target_id"`
	Kind     string        `json:"kind"`
	Priority int           `json:"priority"`
	Slot     int           `json:"slot,omitempty"`
	Outcome  string        `json:"outcome,omitempty"`
	Waited   time.Duration `json:"waited,omitempty"`
}

// Manager owns the priority queue, the assignment table, and the worker slots.
type Manager struct {
	cfg      Config
	log      logx.Logger
	bus      eventbus.Bus
	resolver TargetResolver
	runner   Runner

	cmds   chan coordCmd
	events chan workerEvent
	done   chan struct{}

	sup *rtsup.Supervisor

	// Coordinator-owned state. Only the run loop touches these.
	queue       jobQueue
	assignments map[string]int // targetID -> slot
	slots       []*workerSlot
	draining    bool

	// Mirrors for cheap reads outside the coordinator (shutdown poll, health).
	active   atomic.Int32
	queueLen atomic.Int32

	startMu      sync.Mutex
	started      atomic.Bool
	shuttingDown atomic.Bool
	stopOnce     sync.Once
	drained      atomic.Bool

	cbMu      sync.RWMutex
	callbacks []UpdateCallback

	warn *rate.Limiter
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, resolver TargetResolver, runner Runner) *Manager {
	return &Manager{
		cfg:         cfg.withDefaults(),
		log:         log,
		bus:         bus,
		resolver:    resolver,
		runner:      runner,
		assignments: make(map[string]int),
		done:        make(chan struct{}),
		warn:        rate.NewLimiter(rate.Every(warnThrottleEvery), 1),
	}
}

// Start spins up the worker slots and the coordinator. It returns once all
// units are ready to accept work. Start is not restartable after Shutdown.
func (m *Manager) Start(ctx context.Context) error {
	if m.resolver == nil {
		return errors.New("pool: target resolver is required")
	}
	if m.runner == nil {
		return errors.New("pool: runner is required")
	}
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if m.started.Load() {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cfg := m.cfg
	m.cmds = make(chan coordCmd, 32)
	m.events = make(chan workerEvent, cfg.Workers*8)

	m.sup = rtsup.New(ctx,
		rtsup.WithLogger(m.log.With(logx.String("comp", "pool"))),
		// Worker failures are handled by slot replacement, not supervisor teardown.
		rtsup.WithCancelOnError(false),
	)

	m.slots = make([]*workerSlot, cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		m.slots[i] = &workerSlot{id: i, gen: 1}
		m.spawnUnit(m.slots[i])
	}

	m.sup.Go0("coordinator", func(c context.Context) {
		defer close(m.done)
		m.run(c)
	})

	m.started.Store(true)
	m.log.Info("pool started",
		logx.Int("workers", cfg.Workers),
		logx.Int("max_queue", cfg.MaxQueue),
		logx.Int("restart_threshold", cfg.RestartThreshold))
	return nil
}

// spawnUnit creates the execution goroutine for a slot's current generation.
func (m *Manager) spawnUnit(slot *workerSlot) {
	wctx, cancel := context.WithCancel(m.sup.Context())
	slot.cancel = cancel
	slot.inbox = make(chan runRequest, 1)
	slot.alive = true

	inbox := slot.inbox
	id := slot.id
	log := m.log.With(logx.String("comp", "pool"))
	m.sup.Go0(fmt.Sprintf("worker.%d.g%d", slot.id, slot.gen), func(context.Context) {
		runWorker(wctx, id, inbox, m.events, m.runner, log)
	})
}

// Submit enqueues a deployment job for targetID.
//
// The existence check against the record store is the only part that may block
// on I/O; it runs on the caller's goroutine so the coordinator stays hot.
func (m *Manager) Submit(ctx context.Context, targetID string, kind Kind, priority *int) error {
	if !m.started.Load() {
		return ErrNotStarted
	}
	if m.shuttingDown.Load() {
		return ErrShuttingDown
	}
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return errors.New("pool: target id is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ok, err := m.resolver.ExistsTarget(ctx, targetID)
	if err != nil {
		return fmt.Errorf("target lookup: %w", err)
	}
	if !ok {
		return ErrNotFound
	}

	c := submitCmd{
		job:      Job{TargetID: targetID, Kind: kind, EnqueuedAt: time.Now()},
		override: priority,
		reply:    make(chan error, 1),
	}
	if !m.send(c) {
		return ErrShuttingDown
	}
	select {
	case err := <-c.reply:
		return err
	case <-m.done:
		return ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel removes a queued job. Running jobs are never preemptible: the worker
// protocol has no cancellation message, so Cancel returns false for them.
func (m *Manager) Cancel(targetID string) bool {
	c := cancelCmd{targetID: strings.TrimSpace(targetID), reply: make(chan bool, 1)}
	if !m.send(c) {
		return false
	}
	select {
	case ok := <-c.reply:
		return ok
	case <-m.done:
		return false
	}
}

// CancelAll clears the queue and reports how many jobs were removed.
// Active jobs are untouched.
func (m *Manager) CancelAll() int {
	c := cancelAllCmd{reply: make(chan int, 1)}
	if !m.send(c) {
		return 0
	}
	select {
	case n := <-c.reply:
		return n
	case <-m.done:
		return 0
	}
}

// Status reports whether a job for targetID is currently running and on which
// slot. Queued-but-pending jobs are not reported here; see DetailedInfo.
func (m *Manager) Status(targetID string) (active bool, slot int) {
	c := statusCmd{targetID: strings.TrimSpace(targetID), reply: make(chan StatusReply, 1)}
	if !m.send(c) {
		return false, 0
	}
	select {
	case r := <-c.reply:
		return r.Active, r.Slot
	case <-m.done:
		return false, 0
	}
}

// Info returns aggregate pool statistics.
func (m *Manager) Info() Info {
	return m.infoSnapshot(false).Info
}

// DetailedInfo additionally includes the ordered pending queue (with wait
// times) and per-slot worker state.
func (m *Manager) DetailedInfo() DetailedInfo {
	return m.infoSnapshot(true)
}

func (m *Manager) infoSnapshot(detailed bool) DetailedInfo {
	c := infoCmd{detailed: detailed, reply: make(chan DetailedInfo, 1)}
	if !m.send(c) {
		return DetailedInfo{}
	}
	select {
	case di := <-c.reply:
		return di
	case <-m.done:
		return DetailedInfo{}
	}
}

// RegisterUpdateCallback adds a receiver for forwarded job progress.
// Callbacks run on the coordinator goroutine and must return quickly.
func (m *Manager) RegisterUpdateCallback(fn UpdateCallback) {
	if fn == nil {
		return
	}
	m.cbMu.Lock()
	m.callbacks = append(m.callbacks, fn)
	m.cbMu.Unlock()
}

// Shutdown drains in-flight work and terminates the pool.
//
// It stops dispatching and worker replacement immediately (the remaining queue
// is abandoned), waits up to DrainTimeout for the assignment table to empty,
// then force-terminates every worker. Returns true when the drain completed
// before the timeout. Safe to call concurrently with Submit; late submissions
// are rejected with ErrShuttingDown.
func (m *Manager) Shutdown(ctx context.Context) bool {
	if !m.started.Load() {
		return true
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if m.shuttingDown.Swap(true) {
		// Someone else is already shutting down; wait for them.
		select {
		case <-m.done:
		case <-ctx.Done():
		}
		return m.drained.Load()
	}

	m.stopOnce.Do(func() {
		dc := drainCmd{reply: make(chan struct{}, 1)}
		if m.send(dc) {
			select {
			case <-dc.reply:
			case <-m.done:
			}
		}

		deadline := time.Now().Add(m.cfg.DrainTimeout)
		drained := false
		for {
			if m.active.Load() == 0 {
				drained = true
				break
			}
			if time.Now().After(deadline) || ctx.Err() != nil {
				break
			}
			select {
			case <-time.After(m.cfg.DrainPoll):
			case <-ctx.Done():
			}
		}
		m.drained.Store(drained)

		if !drained {
			m.log.Warn("drain timed out; force-terminating workers",
				logx.Int("outstanding", int(m.active.Load())),
				logx.Duration("timeout", m.cfg.DrainTimeout))
		}

		m.sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = m.sup.Wait(wctx)
		cancel()

		m.log.Info("pool stopped", logx.Bool("drained", drained))
	})
	return m.drained.Load()
}

// send delivers a command unless the coordinator has exited (or never started).
func (m *Manager) send(c coordCmd) bool {
	if !m.started.Load() {
		return false
	}
	select {
	case m.cmds <- c:
		return true
	case <-m.done:
		return false
	}
}

// ---- coordinator ----

func (m *Manager) run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-m.cmds:
			m.handleCmd(c)
		case ev := <-m.events:
			m.handleWorkerEvent(ev)
		case <-ticker.C:
			m.maintenance()
		}
	}
}

func (m *Manager) handleCmd(c coordCmd) {
	switch c := c.(type) {
	case submitCmd:
		m.handleSubmit(c)
	case cancelCmd:
		ok := m.queue.remove(c.targetID)
		if ok {
			m.syncCounters()
			m.publish("job.cancelled", JobEvent{TargetID: c.targetID})
			m.log.Debug("job cancelled", logx.String("target", c.targetID))
		}
		c.reply <- ok
	case cancelAllCmd:
		n := m.queue.clear()
		m.syncCounters()
		if n > 0 {
			m.log.Info("queue cleared", logx.Int("cancelled", n))
		}
		c.reply <- n
	case statusCmd:
		slot, ok := m.assignments[c.targetID]
		c.reply <- StatusReply{Active: ok, Slot: slot}
	case infoCmd:
		c.reply <- m.buildInfo(c.detailed)
	case drainCmd:
		m.draining = true
		m.log.Info("draining", logx.Int("abandoned_queue", m.queue.len()), logx.Int("active", len(m.assignments)))
		c.reply <- struct{}{}
	case replaceCmd:
		m.finishReplace(c)
	default:
		// The command set is closed; anything else is a programming error.
		m.log.Error("unknown coordinator command", logx.Any("cmd", c))
	}
}

func (m *Manager) handleSubmit(c submitCmd) {
	job := c.job
	switch {
	case m.draining:
		c.reply <- ErrShuttingDown
		return
	case m.queue.len() >= m.cfg.MaxQueue:
		c.reply <- ErrQueueFull
		return
	case m.queue.contains(job.TargetID):
		c.reply <- ErrConflict
		return
	}
	if _, running := m.assignments[job.TargetID]; running {
		c.reply <- ErrConflict
		return
	}

	if c.override != nil {
		job.Priority = *c.override
	} else {
		job.Priority = job.Kind.DefaultPriority()
	}
	m.queue.insert(job)
	m.syncCounters()
	m.publish("job.queued", JobEvent{TargetID: job.TargetID, Kind: job.Kind.String(), Priority: job.Priority})
	m.log.Debug("job queued",
		logx.String("target", job.TargetID),
		logx.String("kind", job.Kind.String()),
		logx.Int("priority", job.Priority),
		logx.Int("queue_len", m.queue.len()))
	m.checkSaturation()

	// Reply before dispatching so the submitter never waits on dispatch work.
	c.reply <- nil
	m.dispatchPass()
}

// dispatchPass matches idle workers to queued jobs, at most dispatchBurst per
// invocation.
func (m *Manager) dispatchPass() {
	if m.draining {
		return
	}
	limit := dispatchBurst
	if len(m.slots) < limit {
		limit = len(m.slots)
	}

	for i := 0; i < limit; i++ {
		slot := m.idleSlot()
		if slot == nil {
			return
		}
		job, ok := m.queue.popFront()
		if !ok {
			return
		}
		m.assignments[job.TargetID] = slot.id
		m.syncCounters()

		// The inbox holds one request and the slot is idle, so this never blocks.
		slot.inbox <- runRequest{job: job, gen: slot.gen}

		waited := time.Since(job.EnqueuedAt)
		m.publish("job.dispatched", JobEvent{TargetID: job.TargetID, Kind: job.Kind.String(), Priority: job.Priority, Slot: slot.id, Waited: waited})
		m.log.Debug("job dispatched",
			logx.String("target", job.TargetID),
			logx.String("kind", job.Kind.String()),
			logx.Int("slot", slot.id),
			logx.Duration("waited", waited))
	}
}

func (m *Manager) idleSlot() *workerSlot {
	busy := make(map[int]bool, len(m.assignments))
	for _, s := range m.assignments {
		busy[s] = true
	}
	for _, slot := range m.slots {
		if slot.alive && !busy[slot.id] {
			return slot
		}
	}
	return nil
}

func (m *Manager) handleWorkerEvent(ev workerEvent) {
	switch ev := ev.(type) {
	case progressEvent:
		if !m.genCurrent(ev.slot, ev.gen) {
			return
		}
		m.forward(ev.targetID, ev.status, ev.logLine)
	case doneEvent:
		if !m.genCurrent(ev.slot, ev.gen) {
			return
		}
		m.handleDone(ev)
	default:
		m.log.Error("unknown worker event", logx.Any("event", ev))
	}
}

// genCurrent discards events from a replaced (stale-generation) worker.
func (m *Manager) genCurrent(slot int, gen uint64) bool {
	if slot < 0 || slot >= len(m.slots) {
		return false
	}
	return m.slots[slot].gen == gen
}

func (m *Manager) handleDone(ev doneEvent) {
	// Completion always frees the assignment, crashes included. Leaving a
	// crashed target permanently "active" would wedge it forever.
	delete(m.assignments, ev.targetID)
	m.syncCounters()

	slot := m.slots[ev.slot]
	switch ev.outcome {
	case OutcomeCompleted:
		slot.completed++
		m.publish("job.finished", JobEvent{TargetID: ev.targetID, Kind: ev.kind.String(), Slot: ev.slot, Outcome: ev.outcome.String()})
		m.log.Debug("job finished",
			logx.String("target", ev.targetID),
			logx.Int("slot", ev.slot),
			logx.Int("completed", slot.completed))
		if m.cfg.RestartThreshold > 0 && slot.completed >= m.cfg.RestartThreshold && !m.draining {
			m.recycle(slot)
		}
	case OutcomeCrashed:
		// The job body died without reporting; surface the failure to
		// observers so the target doesn't look stuck, then replace the unit.
		failed := "failed"
		m.forward(ev.targetID, &failed, nil)
		m.publish("job.crashed", JobEvent{TargetID: ev.targetID, Kind: ev.kind.String(), Slot: ev.slot, Outcome: ev.outcome.String()})
		m.log.Warn("worker crashed while running job",
			logx.String("target", ev.targetID),
			logx.Int("slot", ev.slot))
		if !m.draining {
			m.scheduleReplace(slot)
		}
	}

	m.dispatchPass()
}

// recycle replaces a unit that hit the restart threshold. Immediate: the slot
// just went idle and a fresh unit can take work straight away.
func (m *Manager) recycle(slot *workerSlot) {
	slot.cancel()
	slot.gen++
	slot.completed = 0
	m.spawnUnit(slot)
	m.publish("worker.recycled", JobEvent{Slot: slot.id})
	m.log.Info("worker recycled", logx.Int("slot", slot.id), logx.Int("threshold", m.cfg.RestartThreshold))
}

// scheduleReplace retires a crashed unit and re-creates it after CrashBackoff.
// The generation captured here guards against racing a threshold recycle.
func (m *Manager) scheduleReplace(slot *workerSlot) {
	slot.alive = false
	slot.cancel()
	gen := slot.gen
	id := slot.id
	time.AfterFunc(m.cfg.CrashBackoff, func() {
		select {
		case m.cmds <- replaceCmd{slot: id, gen: gen}:
		case <-m.done:
		}
	})
}

func (m *Manager) finishReplace(c replaceCmd) {
	if m.draining {
		return
	}
	slot := m.slots[c.slot]
	if slot.gen != c.gen || slot.alive {
		// Already replaced through another path.
		return
	}
	slot.gen++
	slot.completed = 0
	m.spawnUnit(slot)
	m.log.Info("worker replaced after crash", logx.Int("slot", slot.id), logx.Uint64("gen", slot.gen))
	m.dispatchPass()
}

func (m *Manager) forward(targetID string, status *string, logLine *string) {
	m.cbMu.RLock()
	cbs := m.callbacks
	m.cbMu.RUnlock()
	for _, cb := range cbs {
		cb(targetID, status, logLine)
	}
}

func (m *Manager) maintenance() {
	m.log.Debug("pool status",
		logx.Int("queue_len", m.queue.len()),
		logx.Int("active", len(m.assignments)),
		logx.Int("workers", len(m.slots)),
		logx.Bool("draining", m.draining))
	m.checkSaturation()
}

// checkSaturation warns when the queue exceeds 80% of capacity. Integer
// cross-multiplication keeps the comparison exact for small queues.
func (m *Manager) checkSaturation() {
	if 5*m.queue.len() <= 4*m.cfg.MaxQueue {
		return
	}
	if !m.warn.Allow() {
		return
	}
	m.publish("pool.saturated", Info{QueueLen: m.queue.len(), QueueCap: m.cfg.MaxQueue})
	m.log.Warn("queue nearing capacity",
		logx.Int("queue_len", m.queue.len()),
		logx.Int("queue_cap", m.cfg.MaxQueue))
}

func (m *Manager) syncCounters() {
	m.active.Store(int32(len(m.assignments)))
	m.queueLen.Store(int32(m.queue.len()))
}

func (m *Manager) publish(typ string, data any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
