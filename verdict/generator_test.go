package verdict

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"courtflow/session"
)

type fakeProfiles struct {
	creator, partner string
	err              error
}

func (f *fakeProfiles) MemberNames(context.Context, string) (string, string, error) {
	return f.creator, f.partner, f.err
}

func seqIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("opt-%d", n)
	}
}

func bothSides() map[session.Role]session.Evidence {
	return map[session.Role]session.Evidence{
		session.RoleCreator: {Facts: "dishes pile up", Needs: "shared chores", SubmittedAt: time.Now()},
		session.RolePartner: {Facts: "long work days", Needs: "downtime first", SubmittedAt: time.Now()},
	}
}

func TestVerdict_TwoOptionsFromBothSubmissions(t *testing.T) {
	svc := NewService(&fakeProfiles{creator: "Ada", partner: "Ben"}).WithIDGenerator(seqIDs())

	opts, err := svc.Verdict(context.Background(), session.GenerationInput{
		PairID: "pair-1", Evidence: bothSides(), Version: 1,
	})
	if err != nil {
		t.Fatalf("verdict: %v", err)
	}
	if len(opts) != 2 {
		t.Fatalf("options = %d, want 2", len(opts))
	}
	if opts[0].Title != "Lead with Ada's needs" || opts[1].Title != "Lead with Ben's needs" {
		t.Errorf("titles = %q / %q", opts[0].Title, opts[1].Title)
	}
	for _, o := range opts {
		if o.ID == "" || o.Version != 1 || o.Hybrid {
			t.Errorf("malformed option: %+v", o)
		}
		if !strings.Contains(o.Body, "shared chores") || !strings.Contains(o.Body, "downtime first") {
			t.Errorf("body missing needs: %q", o.Body)
		}
	}
}

func TestVerdict_RequiresBothSubmissions(t *testing.T) {
	svc := NewService(nil)

	_, err := svc.Verdict(context.Background(), session.GenerationInput{
		Evidence: map[session.Role]session.Evidence{
			session.RoleCreator: {Facts: "only one side"},
		},
		Version: 1,
	})
	if err == nil {
		t.Fatal("verdict accepted a single submission")
	}
}

func TestVerdict_FallsBackWhenProfilesUnavailable(t *testing.T) {
	svc := NewService(&fakeProfiles{err: errors.New("profiles down")}).WithIDGenerator(seqIDs())

	opts, err := svc.Verdict(context.Background(), session.GenerationInput{
		Evidence: bothSides(), Version: 1,
	})
	if err != nil {
		t.Fatalf("verdict: %v", err)
	}
	if !strings.Contains(opts[0].Title, "Partner A") {
		t.Errorf("fallback names not used: %q", opts[0].Title)
	}
}

func TestVerdict_AddendumRendered(t *testing.T) {
	svc := NewService(nil).WithIDGenerator(seqIDs())

	opts, err := svc.Verdict(context.Background(), session.GenerationInput{
		Evidence: bothSides(), Addendum: "weekends count too", Version: 2,
	})
	if err != nil {
		t.Fatalf("verdict: %v", err)
	}
	if !strings.Contains(opts[0].Body, "weekends count too") {
		t.Errorf("addendum missing from body: %q", opts[0].Body)
	}
	if opts[0].Version != 2 {
		t.Errorf("version = %d, want 2", opts[0].Version)
	}
}

func TestHybrid_BlendsDivergentPicks(t *testing.T) {
	svc := NewService(nil).WithIDGenerator(seqIDs())

	a := session.ResolutionOption{ID: "a", Body: "body a", Version: 1}
	b := session.ResolutionOption{ID: "b", Body: "body b", Version: 1}
	opt, err := svc.Hybrid(context.Background(), session.GenerationInput{Version: 1}, a, b)
	if err != nil {
		t.Fatalf("hybrid: %v", err)
	}
	if !opt.Hybrid || opt.ID == "" {
		t.Errorf("malformed hybrid: %+v", opt)
	}
	if !strings.Contains(opt.Body, "body a") || !strings.Contains(opt.Body, "body b") {
		t.Errorf("blend missing sources: %q", opt.Body)
	}

	if _, err := svc.Hybrid(context.Background(), session.GenerationInput{}, a, a); err == nil {
		t.Error("hybrid accepted identical picks")
	}
}
