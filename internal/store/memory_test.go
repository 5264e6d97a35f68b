package store

import (
	"context"
	"errors"
	"testing"
	"time"

	logx "deployd/pkg/logx"
)

func TestMemoryDeploymentLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newMemory()

	if err := s.UpsertDeployment(ctx, Deployment{ID: "web", LastKind: "create"}); err != nil {
		t.Fatalf("UpsertDeployment: %v", err)
	}
	d, ok, err := s.GetDeployment(ctx, "web")
	if err != nil || !ok {
		t.Fatalf("GetDeployment = %v, %v", ok, err)
	}
	if d.Status != "pending" {
		t.Fatalf("initial status = %q, want pending", d.Status)
	}
	if d.CreatedAt.IsZero() || d.UpdatedAt.IsZero() {
		t.Fatal("timestamps not defaulted")
	}

	if err := s.SetStatus(ctx, "web", "running", time.Now()); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	d, _, _ = s.GetDeployment(ctx, "web")
	if d.Status != "running" {
		t.Fatalf("status = %q, want running", d.Status)
	}

	// Upsert keeps CreatedAt and LastKind when the update omits them.
	created := d.CreatedAt
	if err := s.UpsertDeployment(ctx, Deployment{ID: "web", Status: "failed"}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	d, _, _ = s.GetDeployment(ctx, "web")
	if !d.CreatedAt.Equal(created) || d.LastKind != "create" {
		t.Fatalf("upsert lost fields: %+v", d)
	}

	if err := s.SetStatus(ctx, "ghost", "running", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetStatus(ghost) = %v, want ErrNotFound", err)
	}
}

func TestMemoryEventsNewestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newMemory()

	base := time.Now()
	for i, st := range []string{"queued", "deploying", "running"} {
		err := s.AppendEvent(ctx, StatusEvent{
			At: base.Add(time.Duration(i) * time.Second), TargetID: "api", Status: st,
		})
		if err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	evs, err := s.ListEvents(ctx, "api", 2)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(evs) != 2 || evs[0].Status != "running" || evs[1].Status != "deploying" {
		t.Fatalf("unexpected events: %+v", evs)
	}
}

func TestMemoryPruneEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newMemory()

	base := time.Now()
	for i := 0; i < 10; i++ {
		_ = s.AppendEvent(ctx, StatusEvent{
			TargetID: "api", Status: "deploying",
			At: base.Add(time.Duration(i) * time.Hour),
		})
	}
	removed, err := s.PruneEvents(ctx, base.Add(7*time.Hour))
	if err != nil {
		t.Fatalf("PruneEvents: %v", err)
	}
	if removed != 7 {
		t.Fatalf("removed = %d, want 7", removed)
	}
	evs, _ := s.ListEvents(ctx, "api", 100)
	if len(evs) != 3 {
		t.Fatalf("remaining = %d, want 3", len(evs))
	}
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()
	s, err := Open(Config{Driver: "none"}, logx.Nop())
	if s != nil || err != nil {
		t.Fatalf("Open(none) = %v, %v; want nil, nil", s, err)
	}
	if _, err := Open(Config{Driver: "bolt"}, logx.Nop()); err == nil {
		t.Fatal("Open(bolt) should fail")
	}
}
