package runtime

import (
	"context"
	"time"

	"github.com/felixgeelhaar/fortify/bulkhead"
)

// Gated wraps a Runtime so that every blocking call passes through a
// fixed-size bulkhead. This is the system-wide backpressure point: a
// slow or hung daemon call occupies one slot instead of stalling the
// goroutines driving other users' queues.
type Gated struct {
	inner Runtime
	gate  bulkhead.Bulkhead[any]
}

// NewGated wraps inner with a bulkhead of the given size.
func NewGated(inner Runtime, size int) *Gated {
	if size <= 0 {
		size = 10
	}
	return &Gated{
		inner: inner,
		gate: bulkhead.New[any](bulkhead.Config{
			MaxConcurrent: size,
			MaxQueue:      size * 4,
			QueueTimeout:  2 * time.Minute,
		}),
	}
}

func (g *Gated) Create(ctx context.Context, spec Spec) (string, error) {
	v, err := g.gate.Execute(ctx, func(ctx context.Context) (any, error) {
		return g.inner.Create(ctx, spec)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (g *Gated) Exec(ctx context.Context, id, shell, command string) (ExecResult, error) {
	v, err := g.gate.Execute(ctx, func(ctx context.Context) (any, error) {
		return g.inner.Exec(ctx, id, shell, command)
	})
	if err != nil {
		return ExecResult{}, err
	}
	return v.(ExecResult), nil
}

func (g *Gated) StopRemove(ctx context.Context, id string) error {
	_, err := g.gate.Execute(ctx, func(ctx context.Context) (any, error) {
		return nil, g.inner.StopRemove(ctx, id)
	})
	return err
}

func (g *Gated) List(ctx context.Context) ([]string, error) {
	v, err := g.gate.Execute(ctx, func(ctx context.Context) (any, error) {
		return g.inner.List(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

func (g *Gated) Status(ctx context.Context, id string) (Status, error) {
	v, err := g.gate.Execute(ctx, func(ctx context.Context) (any, error) {
		return g.inner.Status(ctx, id)
	})
	if err != nil {
		return StatusMissing, err
	}
	return v.(Status), nil
}

func (g *Gated) PutFile(ctx context.Context, id, path string, data []byte) error {
	_, err := g.gate.Execute(ctx, func(ctx context.Context) (any, error) {
		return nil, g.inner.PutFile(ctx, id, path, data)
	})
	return err
}

func (g *Gated) GetFile(ctx context.Context, id, path string) ([]byte, error) {
	v, err := g.gate.Execute(ctx, func(ctx context.Context) (any, error) {
		return g.inner.GetFile(ctx, id, path)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}
