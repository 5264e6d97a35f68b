package pool

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies what a deployment job does to its target.
type Kind int

const (
	KindCreate Kind = iota
	KindRestart
	KindRebuild
)

func (k Kind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindRestart:
		return "restart"
	case KindRebuild:
		return "rebuild"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps a wire/config string to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "create":
		return KindCreate, nil
	case "restart":
		return KindRestart, nil
	case "rebuild":
		return KindRebuild, nil
	default:
		return 0, fmt.Errorf("unknown job kind %q", s)
	}
}

// DefaultPriority is the static kind->priority table. Restarts jump the line
// (they are cheap and usually urgent), rebuilds go last.
func (k Kind) DefaultPriority() int {
	switch k {
	case KindRestart:
		return 2
	case KindCreate:
		return 1
	default:
		return 0
	}
}

// Job is one unit of scheduled work. Values are treated as immutable snapshots
// once they cross the coordinator/worker boundary.
type Job struct {
	TargetID   string
	Kind       Kind
	Priority   int
	EnqueuedAt time.Time
}

// Outcome reports how a worker finished a job.
//
// The scheduler treats both values identically ("this slot is now free"); the
// distinction exists so crash handling stays visible instead of being folded
// into the completion path.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeCrashed
)

func (o Outcome) String() string {
	if o == OutcomeCrashed {
		return "crashed"
	}
	return "completed"
}
