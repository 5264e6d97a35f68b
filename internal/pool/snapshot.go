package pool

import "time"

// Info is the aggregate pool view used by status endpoints and maintenance
// reports.
type Info struct {
	Workers      int            `json:"workers"`
	QueueLen     int            `json:"queue_len"`
	QueueCap     int            `json:"queue_cap"`
	Active       int            `json:"active"`
	Utilization  float64        `json:"utilization"`
	QueuedByKind map[string]int `json:"queued_by_kind,omitempty"`
	Draining     bool           `json:"draining,omitempty"`
}

// UnitInfo is the per-slot worker view.
type UnitInfo struct {
	Slot      int    `json:"slot"`
	Gen       uint64 `json:"gen"`
	Completed int    `json:"completed"`
	Busy      bool   `json:"busy"`
	Alive     bool   `json:"alive"`
}

// DetailedInfo extends Info with the ordered pending queue and worker state.
type DetailedInfo struct {
	Info
	Pending []QueuedJob `json:"pending,omitempty"`
	Units   []UnitInfo  `json:"units,omitempty"`
}

// buildInfo runs on the coordinator goroutine.
func (m *Manager) buildInfo(detailed bool) DetailedInfo {
	byKind := make(map[string]int)
	for _, j := range m.queue.items {
		byKind[j.Kind.String()]++
	}

	di := DetailedInfo{Info: Info{
		Workers:      len(m.slots),
		QueueLen:     m.queue.len(),
		QueueCap:     m.cfg.MaxQueue,
		Active:       len(m.assignments),
		QueuedByKind: byKind,
		Draining:     m.draining,
	}}
	if len(m.slots) > 0 {
		di.Utilization = float64(len(m.assignments)) / float64(len(m.slots))
	}
	if !detailed {
		return di
	}

	di.Pending = m.queue.snapshot(time.Now())

	busy := make(map[int]bool, len(m.assignments))
	for _, s := range m.assignments {
		busy[s] = true
	}
	di.Units = make([]UnitInfo, 0, len(m.slots))
	for _, s := range m.slots {
		di.Units = append(di.Units, UnitInfo{
			Slot:      s.id,
			Gen:       s.gen,
			Completed: s.completed,
			Busy:      busy[s.id],
			Alive:     s.alive,
		})
	}
	return di
}
