package pool

import (
	"testing"
	"time"
)

func mkJob(id string, kind Kind, prio int, at time.Time) Job {
	return Job{TargetID: id, Kind: kind, Priority: prio, EnqueuedAt: at}
}

func TestQueueOrdering(t *testing.T) {
	t.Parallel()
	base := time.Now()

	var q jobQueue
	// Mixed priorities, inserted out of order.
	q.insert(mkJob("a", KindCreate, 1, base))
	q.insert(mkJob("b", KindRebuild, 0, base.Add(1*time.Millisecond)))
	q.insert(mkJob("c", KindRestart, 2, base.Add(2*time.Millisecond)))
	q.insert(mkJob("d", KindCreate, 1, base.Add(3*time.Millisecond)))
	q.insert(mkJob("e", KindRestart, 2, base.Add(4*time.Millisecond)))

	want := []string{"c", "e", "a", "d", "b"}
	for i, w := range want {
		j, ok := q.popFront()
		if !ok {
			t.Fatalf("popFront %d: queue empty, want %q", i, w)
		}
		if j.TargetID != w {
			t.Fatalf("popFront %d = %q, want %q", i, j.TargetID, w)
		}
	}
	if _, ok := q.popFront(); ok {
		t.Fatal("queue should be empty")
	}
}

func TestQueueSortedInvariant(t *testing.T) {
	t.Parallel()
	base := time.Now()

	var q jobQueue
	prios := []int{2, 0, 1, 1, 2, 0, 5, 3, 1, 2}
	for i, p := range prios {
		q.insert(mkJob(string(rune('a'+i)), KindCreate, p, base.Add(time.Duration(i)*time.Millisecond)))
	}

	for i := 1; i < len(q.items); i++ {
		prev, cur := q.items[i-1], q.items[i]
		if prev.Priority < cur.Priority {
			t.Fatalf("queue not sorted by priority at %d: %d < %d", i, prev.Priority, cur.Priority)
		}
		if prev.Priority == cur.Priority && prev.EnqueuedAt.After(cur.EnqueuedAt) {
			t.Fatalf("FIFO violated within priority band at %d", i)
		}
	}
}

func TestQueueRemove(t *testing.T) {
	t.Parallel()
	base := time.Now()

	var q jobQueue
	q.insert(mkJob("x", KindCreate, 1, base))
	q.insert(mkJob("y", KindCreate, 1, base.Add(time.Millisecond)))

	if !q.remove("x") {
		t.Fatal("remove(x) = false, want true")
	}
	if q.remove("x") {
		t.Fatal("second remove(x) = true, want false")
	}
	if q.remove("missing") {
		t.Fatal("remove(missing) = true, want false")
	}
	if q.len() != 1 || q.items[0].TargetID != "y" {
		t.Fatalf("unexpected queue after remove: %+v", q.items)
	}
}

func TestQueueSnapshotWaiting(t *testing.T) {
	t.Parallel()
	base := time.Now().Add(-3 * time.Second)

	var q jobQueue
	q.insert(mkJob("old", KindCreate, 1, base))

	snap := q.snapshot(time.Now())
	if len(snap) != 1 {
		t.Fatalf("snapshot len = %d, want 1", len(snap))
	}
	if snap[0].Waiting < 2*time.Second {
		t.Fatalf("waiting = %v, want >= 2s", snap[0].Waiting)
	}
	if snap[0].Kind != "create" {
		t.Fatalf("kind = %q, want create", snap[0].Kind)
	}
}

func TestKindDefaults(t *testing.T) {
	t.Parallel()
	tests := []struct {
		kind Kind
		prio int
		name string
	}{
		{KindRestart, 2, "restart"},
		{KindCreate, 1, "create"},
		{KindRebuild, 0, "rebuild"},
	}
	for _, tt := range tests {
		if got := tt.kind.DefaultPriority(); got != tt.prio {
			t.Fatalf("%v.DefaultPriority() = %d, want %d", tt.kind, got, tt.prio)
		}
		if got := tt.kind.String(); got != tt.name {
			t.Fatalf("%v.String() = %q, want %q", tt.kind, got, tt.name)
		}
		k, err := ParseKind(tt.name)
		if err != nil || k != tt.kind {
			t.Fatalf("ParseKind(%q) = %v, %v", tt.name, k, err)
		}
	}
	if _, err := ParseKind("bogus"); err == nil {
		t.Fatal("ParseKind(bogus) should fail")
	}
}
