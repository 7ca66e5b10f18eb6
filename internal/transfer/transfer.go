// Package transfer moves files in and out of a user's environment,
// enforcing per-tier size limits.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/termbot/termbot/internal/runtime"
	"github.com/termbot/termbot/internal/session"
)

const mb = 1024 * 1024

var (
	// ErrTooLarge is returned when a file exceeds the tier limit.
	ErrTooLarge = errors.New("file too large")
	// ErrFileNotFound is returned when the requested path does not
	// exist inside the environment.
	ErrFileNotFound = errors.New("file not found")
)

// Service moves files between the chat gateway and environments.
type Service struct {
	sessions *session.Manager
	runtime  runtime.Runtime
}

// NewService creates a transfer service.
func NewService(sessions *session.Manager, rt runtime.Runtime) *Service {
	return &Service{sessions: sessions, runtime: rt}
}

// Limits returns the upload and download byte limits for a trust tier.
func Limits(trusted bool) (upload, download int64) {
	if trusted {
		return 60 * mb, 20 * mb
	}
	return 40 * mb, 15 * mb
}

// Upload writes data into the root of the user's environment.
func (s *Service) Upload(ctx context.Context, user, name string, data []byte) error {
	rec, err := s.sessions.Lookup(user)
	if err != nil {
		return err
	}

	limit, _ := Limits(s.sessions.Trusted(user))
	if int64(len(data)) > limit {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, len(data), limit)
	}

	dest := "/" + path.Base(name)
	return s.runtime.PutFile(ctx, rec.EnvironmentID, dest, data)
}

// Download reads a file out of the user's environment. The size is
// checked in-container before the copy so an oversized file never
// crosses the wire.
func (s *Service) Download(ctx context.Context, user, remotePath string) ([]byte, error) {
	rec, err := s.sessions.Lookup(user)
	if err != nil {
		return nil, err
	}

	_, limit := Limits(s.sessions.Trusted(user))
	size, err := s.remoteSize(ctx, rec, remotePath)
	if err != nil {
		return nil, err
	}
	if size > limit {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, size, limit)
	}

	data, err := s.runtime.GetFile(ctx, rec.EnvironmentID, remotePath)
	if errors.Is(err, runtime.ErrEnvironmentNotFound) {
		return nil, session.ErrNoActiveSession
	}
	return data, err
}

func (s *Service) remoteSize(ctx context.Context, rec session.Record, remotePath string) (int64, error) {
	result, err := s.runtime.Exec(ctx, rec.EnvironmentID, "sh", "stat -c%s "+shellQuote(remotePath))
	if err != nil {
		return 0, fmt.Errorf("stat remote file: %w", err)
	}
	if result.ExitCode != 0 {
		return 0, ErrFileNotFound
	}
	size, err := strconv.ParseInt(strings.TrimSpace(result.Output), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse remote size %q: %w", result.Output, err)
	}
	return size, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
