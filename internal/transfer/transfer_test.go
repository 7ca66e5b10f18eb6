package transfer_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/termbot/termbot/internal/profile"
	"github.com/termbot/termbot/internal/runtime"
	"github.com/termbot/termbot/internal/session"
	"github.com/termbot/termbot/internal/store"
	"github.com/termbot/termbot/internal/transfer"
)

type fakeRuntime struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{files: make(map[string][]byte)}
}

func (f *fakeRuntime) Create(ctx context.Context, spec runtime.Spec) (string, error) {
	return "env-" + spec.User, nil
}

func (f *fakeRuntime) Exec(ctx context.Context, id, shell, command string) (runtime.ExecResult, error) {
	// Emulates the stat size probe.
	f.mu.Lock()
	defer f.mu.Unlock()
	for path, data := range f.files {
		if command == "stat -c%s '"+path+"'" {
			return runtime.ExecResult{Output: strconv.Itoa(len(data)) + "\n"}, nil
		}
	}
	return runtime.ExecResult{Output: "stat: no such file", ExitCode: 1}, nil
}

func (f *fakeRuntime) StopRemove(ctx context.Context, id string) error { return nil }
func (f *fakeRuntime) List(ctx context.Context) ([]string, error)      { return nil, nil }
func (f *fakeRuntime) Status(ctx context.Context, id string) (runtime.Status, error) {
	return runtime.StatusRunning, nil
}

func (f *fakeRuntime) PutFile(ctx context.Context, id, path string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = data
	return nil
}

func (f *fakeRuntime) GetFile(ctx context.Context, id, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	if !ok {
		return nil, runtime.ErrEnvironmentNotFound
	}
	return data, nil
}

func newTestService(t *testing.T) (*transfer.Service, *session.Manager, *fakeRuntime) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	rt := newFakeRuntime()
	mgr := session.NewManager(st, rt, profile.DefaultCatalog(), nil, nil, nil)
	return transfer.NewService(mgr, rt), mgr, rt
}

func createSession(t *testing.T, mgr *session.Manager, user string) {
	t.Helper()
	if _, err := mgr.Create(context.Background(), user, session.CreateParams{
		Image: "alpine", Shell: "sh", Profile: "minimal",
	}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
}

func TestLimits(t *testing.T) {
	tests := []struct {
		trusted        bool
		wantUp, wantDn int64
	}{
		{true, 60 * 1024 * 1024, 20 * 1024 * 1024},
		{false, 40 * 1024 * 1024, 15 * 1024 * 1024},
	}
	for _, tt := range tests {
		up, dn := transfer.Limits(tt.trusted)
		if up != tt.wantUp || dn != tt.wantDn {
			t.Errorf("Limits(%v) = (%d, %d), want (%d, %d)", tt.trusted, up, dn, tt.wantUp, tt.wantDn)
		}
	}
}

func TestService_UploadAndDownload(t *testing.T) {
	svc, mgr, rt := newTestService(t)
	createSession(t, mgr, "100")
	ctx := context.Background()

	content := []byte("hello world")
	if err := svc.Upload(ctx, "100", "notes/report.txt", content); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if got := rt.files["/report.txt"]; !bytes.Equal(got, content) {
		t.Errorf("stored file = %q, want %q placed at environment root", got, content)
	}

	data, err := svc.Download(ctx, "100", "/report.txt")
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Errorf("Download() = %q, want %q", data, content)
	}
}

func TestService_UploadTooLarge(t *testing.T) {
	svc, mgr, _ := newTestService(t)
	createSession(t, mgr, "100")

	big := make([]byte, 41*1024*1024)
	err := svc.Upload(context.Background(), "100", "big.bin", big)
	if !errors.Is(err, transfer.ErrTooLarge) {
		t.Fatalf("Upload() error = %v, want ErrTooLarge", err)
	}
}

func TestService_TrustedUploadLimit(t *testing.T) {
	svc, mgr, _ := newTestService(t)
	if err := mgr.Confirm("100"); err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	createSession(t, mgr, "100")

	// Over the unconfirmed limit, under the confirmed one.
	big := make([]byte, 41*1024*1024)
	if err := svc.Upload(context.Background(), "100", "big.bin", big); err != nil {
		t.Fatalf("Upload() error = %v for confirmed user", err)
	}
}

func TestService_DownloadTooLarge(t *testing.T) {
	svc, mgr, rt := newTestService(t)
	createSession(t, mgr, "100")

	rt.files["/big.bin"] = make([]byte, 16*1024*1024)
	_, err := svc.Download(context.Background(), "100", "/big.bin")
	if !errors.Is(err, transfer.ErrTooLarge) {
		t.Fatalf("Download() error = %v, want ErrTooLarge", err)
	}
}

func TestService_DownloadMissingFile(t *testing.T) {
	svc, mgr, _ := newTestService(t)
	createSession(t, mgr, "100")

	_, err := svc.Download(context.Background(), "100", "/nope.txt")
	if !errors.Is(err, transfer.ErrFileNotFound) {
		t.Fatalf("Download() error = %v, want ErrFileNotFound", err)
	}
}

func TestService_NoSession(t *testing.T) {
	svc, _, _ := newTestService(t)

	if err := svc.Upload(context.Background(), "100", "a.txt", []byte("x")); !errors.Is(err, session.ErrNoActiveSession) {
		t.Errorf("Upload() error = %v, want ErrNoActiveSession", err)
	}
	if _, err := svc.Download(context.Background(), "100", "/a.txt"); !errors.Is(err, session.ErrNoActiveSession) {
		t.Errorf("Download() error = %v, want ErrNoActiveSession", err)
	}
}
