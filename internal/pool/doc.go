// Package pool implements the deployment job scheduler: a priority queue of
// pending jobs, a fixed-size pool of supervised worker slots, and a drain-on-
// shutdown protocol.
//
// Concurrency model: a single coordinator goroutine owns the queue and the
// assignment table. Public methods talk to it over a command channel; workers
// report back over a shared event channel. Nothing else mutates scheduler
// state.
package pool
