package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"courtflow/auth"
	"courtflow/session"
)

// startTestNATS starts an embedded NATS server and returns its client URL.
func startTestNATS(t *testing.T) string {
	t.Helper()
	opts := &natsserver.Options{Host: "127.0.0.1", Port: -1}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("starting embedded NATS: %v", err)
	}
	srv.Start()
	t.Cleanup(srv.Shutdown)
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS not ready")
	}
	return srv.ClientURL()
}

func connect(t *testing.T, url string) *nats.Conn {
	t.Helper()
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connecting: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}

type fakeApplier struct {
	mu    sync.Mutex
	calls []session.Action
	snap  session.Snapshot
	err   error
	delay time.Duration
}

func (f *fakeApplier) Apply(_ context.Context, act session.Action) (session.Snapshot, error) {
	f.mu.Lock()
	f.calls = append(f.calls, act)
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.snap, f.err
}

func (f *fakeApplier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeVerifier struct {
	claims auth.Claims
	err    error
}

func (f *fakeVerifier) VerifyToken(string) (auth.Claims, error) {
	return f.claims, f.err
}

func startServer(t *testing.T, srv *Server) {
	t.Helper()
	if err := srv.Start(); err != nil {
		t.Fatalf("starting server: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
}

func TestClientDo_RoundTrip(t *testing.T) {
	url := startTestNATS(t)
	nc := connect(t, url)

	engine := &fakeApplier{snap: session.Snapshot{Phase: session.PhaseSubmitting}}
	srv := NewServer(nc, engine)
	startServer(t, srv)

	client := NewClient(connect(t, url), "")
	snap, err := client.Do(context.Background(), Request{
		Action:  string(session.ActionBeginSubmission),
		ActorID: "alice",
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if snap.Phase != session.PhaseSubmitting {
		t.Errorf("phase = %q, want %q", snap.Phase, session.PhaseSubmitting)
	}
	if got := engine.calls[0]; got.Type != session.ActionBeginSubmission || got.ActorID != "alice" {
		t.Errorf("engine saw %+v", got)
	}
}

func TestClientDo_RemoteErrorCode(t *testing.T) {
	url := startTestNATS(t)
	nc := connect(t, url)

	engine := &fakeApplier{
		snap: session.Snapshot{Phase: session.PhaseVerdict},
		err:  session.ErrInvalidTransition,
	}
	srv := NewServer(nc, engine)
	startServer(t, srv)

	client := NewClient(connect(t, url), "")
	snap, err := client.Do(context.Background(), Request{
		Action:  string(session.ActionSubmitEvidence),
		ActorID: "alice",
	})
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("err = %v, want RemoteError", err)
	}
	if remote.Code != CodeInvalidTransition {
		t.Errorf("code = %q, want %q", remote.Code, CodeInvalidTransition)
	}
	// The response still carries the canonical snapshot.
	if snap.Phase != session.PhaseVerdict {
		t.Errorf("phase = %q, want %q", snap.Phase, session.PhaseVerdict)
	}
}

func TestServer_RejectsInternalActions(t *testing.T) {
	url := startTestNATS(t)
	nc := connect(t, url)

	engine := &fakeApplier{}
	srv := NewServer(nc, engine)
	startServer(t, srv)

	client := NewClient(connect(t, url), "")
	_, err := client.Do(context.Background(), Request{
		Action:  string(session.ActionVerdictReady),
		ActorID: "alice",
	})
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Code != CodeInvalidTransition {
		t.Fatalf("err = %v, want %s", err, CodeInvalidTransition)
	}
	if engine.callCount() != 0 {
		t.Error("internal action reached the engine")
	}
}

func TestServer_VerifierOverridesIdentity(t *testing.T) {
	url := startTestNATS(t)
	nc := connect(t, url)

	engine := &fakeApplier{}
	srv := NewServer(nc, engine).WithVerifier(&fakeVerifier{
		claims: auth.Claims{ParticipantID: "alice", PairID: "pair-1"},
	})
	startServer(t, srv)

	client := NewClient(connect(t, url), "token")
	// Spoofed ActorID must be ignored in favour of the token claims.
	_, err := client.Do(context.Background(), Request{
		Action:  string(session.ActionFetchState),
		ActorID: "mallory",
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got := engine.calls[0].ActorID; got != "alice" {
		t.Errorf("actor = %q, want alice", got)
	}
}

func TestServer_UnauthorizedWithoutValidToken(t *testing.T) {
	url := startTestNATS(t)
	nc := connect(t, url)

	engine := &fakeApplier{}
	srv := NewServer(nc, engine).WithVerifier(&fakeVerifier{err: auth.ErrInvalidCredentials})
	startServer(t, srv)

	client := NewClient(connect(t, url), "bad-token")
	snap, err := client.Do(context.Background(), Request{Action: string(session.ActionFetchState)})
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Code != CodeUnauthorized {
		t.Fatalf("err = %v, want %s", err, CodeUnauthorized)
	}
	// Rejections before the engine still carry a canonical snapshot.
	if snap.Phase != session.PhaseIdle || snap.ViewPhase != session.ViewIdle {
		t.Fatalf("rejection snapshot = %q/%q, want idle", snap.Phase, snap.ViewPhase)
	}
	if engine.callCount() != 0 {
		t.Error("unauthenticated action reached the engine")
	}
}

func TestServer_ServeRequiresPair(t *testing.T) {
	url := startTestNATS(t)
	nc := connect(t, url)

	engine := &fakeApplier{}
	srv := NewServer(nc, engine).WithVerifier(&fakeVerifier{
		claims: auth.Claims{ParticipantID: "alice"},
	})
	startServer(t, srv)

	client := NewClient(connect(t, url), "token")
	_, err := client.Do(context.Background(), Request{
		Action:    string(session.ActionServe),
		PartnerID: "bob",
	})
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Code != CodeNotPaired {
		t.Fatalf("err = %v, want %s", err, CodeNotPaired)
	}
}

func TestClientDo_RetriesOnceOnSilence(t *testing.T) {
	url := startTestNATS(t)
	nc := connect(t, url)

	// Slow engine: the first window elapses, the fallback window does not.
	engine := &fakeApplier{delay: 300 * time.Millisecond}
	srv := NewServer(nc, engine)
	startServer(t, srv)

	client := NewClient(connect(t, url), "").
		WithWindows(100*time.Millisecond, 2*time.Second)
	_, err := client.Do(context.Background(), Request{
		Action:  string(session.ActionFetchState),
		ActorID: "alice",
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if engine.callCount() != 2 {
		t.Errorf("engine saw %d calls, want 2 (push + fallback)", engine.callCount())
	}
}

func TestClientDo_TimesOutWithNoServer(t *testing.T) {
	url := startTestNATS(t)

	client := NewClient(connect(t, url), "").
		WithWindows(50*time.Millisecond, 100*time.Millisecond)
	_, err := client.Do(context.Background(), Request{
		Action:  string(session.ActionFetchState),
		ActorID: "alice",
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestPushState_DeliveredAndAcked(t *testing.T) {
	url := startTestNATS(t)
	nc := connect(t, url)

	engine := &fakeApplier{}
	srv := NewServer(nc, engine).WithAckWait(2 * time.Second)
	startServer(t, srv)

	client := NewClient(connect(t, url), "")
	got := make(chan session.Snapshot, 1)
	if err := client.Listen("alice", func(snap session.Snapshot) {
		got <- snap
	}); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer client.Close()

	srv.PushState("alice", session.Snapshot{Phase: session.PhaseDeliberating})

	select {
	case snap := <-got:
		if snap.Phase != session.PhaseDeliberating {
			t.Errorf("phase = %q, want %q", snap.Phase, session.PhaseDeliberating)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pushed state")
	}
	if client.Stale() {
		t.Error("client reported stale immediately after a push")
	}
}

func TestClient_StaleAfterQuietWindow(t *testing.T) {
	url := startTestNATS(t)

	client := NewClient(connect(t, url), "").WithStaleAfter(50 * time.Millisecond)
	if err := client.Listen("alice", func(session.Snapshot) {}); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer client.Close()

	time.Sleep(120 * time.Millisecond)
	if !client.Stale() {
		t.Error("client not stale after quiet window")
	}
}
