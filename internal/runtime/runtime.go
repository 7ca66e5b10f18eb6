// Package runtime adapts the Docker Engine API to the narrow surface
// the session engine needs: create, exec, stop/remove, list, inspect
// and file transfer for sandboxed environments.
package runtime

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable wraps failures to create or reach an environment.
	ErrUnavailable = errors.New("runtime unavailable")
	// ErrEnvironmentNotFound is returned when an environment id is unknown.
	ErrEnvironmentNotFound = errors.New("environment not found")
)

// Status is the coarse state of an environment.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusMissing Status = "missing"
)

// Spec describes the environment to create.
type Spec struct {
	User        string // owning user identity, recorded as a label
	Image       string
	MemoryBytes int64
	CPUQuota    int64
	CPUPeriod   int64
	PidsLimit   int64
	Network     bool // bridge networking when true, none when false
}

// ExecResult holds the combined output and exit status of one command.
type ExecResult struct {
	Output   string
	ExitCode int
}

// Runtime is the adapter boundary between the engine and the container
// backend. All methods are blocking; callers own timeouts via ctx and
// implementations must return once ctx expires, even mid-read.
type Runtime interface {
	Create(ctx context.Context, spec Spec) (string, error)
	Exec(ctx context.Context, id, shell, command string) (ExecResult, error)
	StopRemove(ctx context.Context, id string) error
	List(ctx context.Context) ([]string, error)
	Status(ctx context.Context, id string) (Status, error)
	PutFile(ctx context.Context, id, path string, data []byte) error
	GetFile(ctx context.Context, id, path string) ([]byte, error)
}
