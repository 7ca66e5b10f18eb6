package session_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/termbot/termbot/internal/profile"
	"github.com/termbot/termbot/internal/runtime"
	"github.com/termbot/termbot/internal/session"
	"github.com/termbot/termbot/internal/store"
)

type fakeRuntime struct {
	mu      sync.Mutex
	next    int
	running map[string]bool
	specs   map[string]runtime.Spec
	failing bool
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		running: make(map[string]bool),
		specs:   make(map[string]runtime.Spec),
	}
}

func (f *fakeRuntime) Create(ctx context.Context, spec runtime.Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return "", runtime.ErrUnavailable
	}
	f.next++
	id := "env-" + string(rune('a'+f.next-1))
	f.running[id] = true
	f.specs[id] = spec
	return id, nil
}

func (f *fakeRuntime) Exec(ctx context.Context, id, shell, command string) (runtime.ExecResult, error) {
	return runtime.ExecResult{Output: command}, nil
}

func (f *fakeRuntime) StopRemove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, id)
	return nil
}

func (f *fakeRuntime) List(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id := range f.running {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeRuntime) Status(ctx context.Context, id string) (runtime.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running[id] {
		return runtime.StatusRunning, nil
	}
	return runtime.StatusMissing, nil
}

func (f *fakeRuntime) PutFile(ctx context.Context, id, path string, data []byte) error {
	return nil
}

func (f *fakeRuntime) GetFile(ctx context.Context, id, path string) ([]byte, error) {
	return nil, nil
}

type fakeBiller struct {
	mu      sync.Mutex
	started []string
	stopped []string
}

func (b *fakeBiller) Start(user string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = append(b.started, user)
}

func (b *fakeBiller) Stop(user string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = append(b.stopped, user)
}

func newTestManager(t *testing.T, admins []string) (*session.Manager, *fakeRuntime, *fakeBiller, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	rt := newFakeRuntime()
	biller := &fakeBiller{}
	mgr := session.NewManager(st, rt, profile.DefaultCatalog(), biller, nil, admins)
	return mgr, rt, biller, st
}

func TestManager_CreateAndLookup(t *testing.T) {
	mgr, rt, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	rec, err := mgr.Create(ctx, "100", session.CreateParams{
		Image:   "alpine:latest",
		Shell:   "sh",
		Profile: "minimal",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if rec.EnvironmentID == "" {
		t.Fatal("Create() returned empty environment id")
	}
	if rec.TrustTier != session.TierUntrusted {
		t.Errorf("TrustTier = %q, want %q", rec.TrustTier, session.TierUntrusted)
	}

	got, err := mgr.Lookup("100")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if got.EnvironmentID != rec.EnvironmentID {
		t.Errorf("Lookup() environment = %q, want %q", got.EnvironmentID, rec.EnvironmentID)
	}

	spec := rt.specs[rec.EnvironmentID]
	if spec.MemoryBytes != 64*1024*1024 {
		t.Errorf("untrusted memory = %d, want hard ceiling %d", spec.MemoryBytes, 64*1024*1024)
	}
	if spec.PidsLimit != 20 {
		t.Errorf("untrusted pids = %d, want 20", spec.PidsLimit)
	}
}

func TestManager_CreateReplacesExisting(t *testing.T) {
	mgr, rt, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	first, err := mgr.Create(ctx, "100", session.CreateParams{Image: "alpine", Shell: "sh", Profile: "minimal"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	second, err := mgr.Create(ctx, "100", session.CreateParams{Image: "debian", Shell: "bash", Profile: "minimal"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if rt.running[first.EnvironmentID] {
		t.Error("first environment still running after replacement")
	}
	if !rt.running[second.EnvironmentID] {
		t.Error("second environment not running")
	}
}

func TestManager_CreateRuntimeFailure(t *testing.T) {
	mgr, rt, _, _ := newTestManager(t, nil)
	rt.failing = true

	_, err := mgr.Create(context.Background(), "100", session.CreateParams{Image: "alpine", Shell: "sh", Profile: "minimal"})
	if !errors.Is(err, session.ErrRuntimeUnavailable) {
		t.Fatalf("Create() error = %v, want ErrRuntimeUnavailable", err)
	}
	if _, err := mgr.Lookup("100"); !errors.Is(err, session.ErrNoActiveSession) {
		t.Errorf("Lookup() after failed create error = %v, want ErrNoActiveSession", err)
	}
}

func TestManager_Probationary(t *testing.T) {
	mgr, rt, biller, _ := newTestManager(t, nil)

	rec, err := mgr.Create(context.Background(), "100", session.CreateParams{
		Image:        "alpine",
		Shell:        "sh",
		Profile:      "maximum",
		Probationary: true,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if rec.Profile != "probationary" {
		t.Errorf("Profile = %q, want probationary regardless of requested key", rec.Profile)
	}
	if rec.TTL != profile.ProbationarySessionTTL {
		t.Errorf("TTL = %v, want %v", rec.TTL, profile.ProbationarySessionTTL)
	}

	spec := rt.specs[rec.EnvironmentID]
	if spec.MemoryBytes != 50*1024*1024 {
		t.Errorf("probationary memory = %d, want %d", spec.MemoryBytes, 50*1024*1024)
	}

	biller.mu.Lock()
	defer biller.mu.Unlock()
	if len(biller.started) != 0 {
		t.Error("billing started for probationary session")
	}
}

func TestManager_BillingLifecycle(t *testing.T) {
	mgr, _, biller, _ := newTestManager(t, nil)
	ctx := context.Background()

	if _, err := mgr.Create(ctx, "100", session.CreateParams{Image: "alpine", Shell: "sh", Profile: "minimal"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := mgr.Stop(ctx, "100"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	biller.mu.Lock()
	defer biller.mu.Unlock()
	if len(biller.started) != 1 || biller.started[0] != "100" {
		t.Errorf("billing started = %v, want [100]", biller.started)
	}
	if len(biller.stopped) != 1 || biller.stopped[0] != "100" {
		t.Errorf("billing stopped = %v, want [100]", biller.stopped)
	}
}

func TestManager_TrustedSkipsCeilingAndBilling(t *testing.T) {
	mgr, rt, biller, _ := newTestManager(t, nil)

	if err := mgr.Confirm("100"); err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	rec, err := mgr.Create(context.Background(), "100", session.CreateParams{Image: "alpine", Shell: "sh", Profile: "maximum"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if rec.TrustTier != session.TierTrusted {
		t.Errorf("TrustTier = %q, want %q", rec.TrustTier, session.TierTrusted)
	}

	spec := rt.specs[rec.EnvironmentID]
	if spec.MemoryBytes != 612*1024*1024 {
		t.Errorf("trusted memory = %d, want full profile %d", spec.MemoryBytes, 612*1024*1024)
	}

	biller.mu.Lock()
	defer biller.mu.Unlock()
	if len(biller.started) != 0 {
		t.Error("billing started for trusted session")
	}
}

func TestManager_StopIdempotent(t *testing.T) {
	mgr, _, _, _ := newTestManager(t, nil)
	if err := mgr.Stop(context.Background(), "100"); err != nil {
		t.Fatalf("Stop() with no session error = %v", err)
	}
}

func TestManager_OnStopHook(t *testing.T) {
	mgr, _, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	var cancelled []string
	mgr.OnStop(func(user string) { cancelled = append(cancelled, user) })

	if _, err := mgr.Create(ctx, "100", session.CreateParams{Image: "alpine", Shell: "sh", Profile: "minimal"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := mgr.Stop(ctx, "100"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if len(cancelled) != 1 || cancelled[0] != "100" {
		t.Errorf("onStop hook invocations = %v, want [100]", cancelled)
	}
}

func TestManager_Reconcile(t *testing.T) {
	mgr, rt, _, st := newTestManager(t, nil)
	ctx := context.Background()

	if _, err := mgr.Create(ctx, "100", session.CreateParams{Image: "alpine", Shell: "sh", Profile: "minimal"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := st.Set("tokens:100", "480"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	if err := mgr.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	if len(rt.running) != 0 {
		t.Errorf("environments running after reconcile = %d, want 0", len(rt.running))
	}
	if _, err := mgr.Lookup("100"); !errors.Is(err, session.ErrNoActiveSession) {
		t.Errorf("Lookup() after reconcile error = %v, want ErrNoActiveSession", err)
	}
	if got, err := st.Get("tokens:100"); err != nil || got != "480" {
		t.Errorf("token balance after reconcile = %q, %v; want preserved", got, err)
	}
}

func TestManager_AdminImplicitlyTrusted(t *testing.T) {
	mgr, _, _, _ := newTestManager(t, []string{"42"})
	if !mgr.Admin("42") {
		t.Error("Admin(42) = false, want true")
	}
	if !mgr.Trusted("42") {
		t.Error("Trusted(42) = false, want true")
	}
	if mgr.Trusted("100") {
		t.Error("Trusted(100) = true, want false")
	}
}
