package deadline

import (
	"context"
	"sync"
	"testing"
	"time"

	"courtflow/session"
)

var epoch = time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)

type fakeSource struct {
	due []session.Session
	err error
}

func (f *fakeSource) ListDueDeadlines(context.Context, time.Time) ([]session.Session, error) {
	return f.due, f.err
}

type recordingApplier struct {
	mu   sync.Mutex
	acts []session.Action
}

func (r *recordingApplier) Apply(_ context.Context, act session.Action) (session.Snapshot, error) {
	r.mu.Lock()
	r.acts = append(r.acts, act)
	r.mu.Unlock()
	return session.Snapshot{}, nil
}

func (r *recordingApplier) actions() []session.Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]session.Action(nil), r.acts...)
}

func TestSweep_MapsPhaseToTimeoutAction(t *testing.T) {
	src := &fakeSource{due: []session.Session{
		{ID: "s1", Phase: session.PhaseSubmitting},
		{ID: "s2", Phase: session.PhaseVerdict},
	}}
	applier := &recordingApplier{}
	sup := NewSupervisor(src, applier).WithClock(func() time.Time { return epoch })

	sup.Sweep(context.Background())

	acts := applier.actions()
	if len(acts) != 2 {
		t.Fatalf("applied %d actions, want 2", len(acts))
	}
	if acts[0].Type != session.ActionSubmissionTimeout || acts[0].SessionID != "s1" {
		t.Errorf("first = %+v, want submission timeout for s1", acts[0])
	}
	if acts[1].Type != session.ActionVerdictTimeout || acts[1].SessionID != "s2" {
		t.Errorf("second = %+v, want verdict timeout for s2", acts[1])
	}
}

func TestSweep_SkipsUnexpectedPhases(t *testing.T) {
	src := &fakeSource{due: []session.Session{
		{ID: "s1", Phase: session.PhaseRating},
	}}
	applier := &recordingApplier{}
	sup := NewSupervisor(src, applier)

	sup.Sweep(context.Background())
	if len(applier.actions()) != 0 {
		t.Errorf("applied %d actions, want 0", len(applier.actions()))
	}
}

func TestRun_SweepsImmediatelyAndStopsOnCancel(t *testing.T) {
	src := &fakeSource{due: []session.Session{{ID: "s1", Phase: session.PhaseSubmitting}}}
	applier := &recordingApplier{}
	sup := NewSupervisor(src, applier).WithInterval(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(applier.actions()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("initial sweep never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
