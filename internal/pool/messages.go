package pool

// Worker protocol. The message set is closed: the coordinator switches over
// these types exhaustively, and a worker must emit exactly one doneEvent per
// runRequest, with any number of progressEvents before it.
//
// Every outbound event carries the slot and generation of the worker that
// produced it. The coordinator discards events whose generation no longer
// matches the slot (a replaced worker racing its own retirement).

// runRequest is the only message a worker receives.
type runRequest struct {
	job Job
	gen uint64
}

type workerEvent interface{ isWorkerEvent() }

// progressEvent forwards job-internal progress (a status change and/or a log
// line) to registered update callbacks. The scheduler does not interpret it.
type progressEvent struct {
	slot     int
	gen      uint64
	targetID string
	status   *string
	logLine  *string
}

// doneEvent is the terminal message for one job: the slot is free again.
type doneEvent struct {
	slot     int
	gen      uint64
	targetID string
	kind     Kind
	outcome  Outcome
}

func (progressEvent) isWorkerEvent() {}
func (doneEvent) isWorkerEvent()     {}

// Coordinator commands. Replies use buffered channels so the coordinator
// never blocks on a caller.

type coordCmd interface{ isCoordCmd() }

type submitCmd struct {
	job      Job
	override *int
	reply    chan error
}

type cancelCmd struct {
	targetID string
	reply    chan bool
}

type cancelAllCmd struct {
	reply chan int
}

type statusCmd struct {
	targetID string
	reply    chan StatusReply
}

type infoCmd struct {
	detailed bool
	reply    chan DetailedInfo
}

// drainCmd flips the pool into draining mode: no more dispatching, no more
// worker replacement. The queue is abandoned as-is.
type drainCmd struct {
	reply chan struct{}
}

// replaceCmd finishes a deferred (crash-backoff) worker replacement.
type replaceCmd struct {
	slot int
	gen  uint64
}

func (submitCmd) isCoordCmd()    {}
func (cancelCmd) isCoordCmd()    {}
func (cancelAllCmd) isCoordCmd() {}
func (statusCmd) isCoordCmd()    {}
func (infoCmd) isCoordCmd()      {}
func (drainCmd) isCoordCmd()     {}
func (replaceCmd) isCoordCmd()   {}

// StatusReply answers a Status query. Slot is only meaningful when Active.
type StatusReply struct {
	Active bool
	Slot   int
}
