package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/termbot/termbot/internal/metrics"
	"github.com/termbot/termbot/internal/profile"
	"github.com/termbot/termbot/internal/runtime"
	"github.com/termbot/termbot/internal/store"
)

// Biller starts and stops the per-session billing loop. The token
// package provides the real implementation.
type Biller interface {
	Start(user string)
	Stop(user string)
}

// CreateParams describes the environment a user asked for.
type CreateParams struct {
	Image        string
	Shell        string
	Profile      string
	TTL          time.Duration
	Network      bool
	Probationary bool
}

// Manager owns session records and drives the runtime to match them.
type Manager struct {
	store   *store.Store
	runtime runtime.Runtime
	catalog *profile.Catalog
	biller  Biller
	metrics *metrics.Collector
	admins  map[string]struct{}

	onStop []func(user string)
}

// NewManager creates a session manager. biller and collector may be nil.
func NewManager(st *store.Store, rt runtime.Runtime, catalog *profile.Catalog, biller Biller, collector *metrics.Collector, admins []string) *Manager {
	adminSet := make(map[string]struct{}, len(admins))
	for _, a := range admins {
		adminSet[a] = struct{}{}
	}
	return &Manager{
		store:   st,
		runtime: rt,
		catalog: catalog,
		biller:  biller,
		metrics: collector,
		admins:  adminSet,
	}
}

// OnStop registers a hook invoked whenever a user's session is torn
// down. The command queue uses it to discard pending work.
func (m *Manager) OnStop(fn func(user string)) {
	m.onStop = append(m.onStop, fn)
}

// Admin reports whether the user is in the configured admin list.
func (m *Manager) Admin(user string) bool {
	_, ok := m.admins[user]
	return ok
}

// Trusted reports whether the user is confirmed. Admins are implicitly
// confirmed.
func (m *Manager) Trusted(user string) bool {
	if m.Admin(user) {
		return true
	}
	ok, err := m.store.SIsMember(confirmedSet, user)
	if err != nil {
		slog.Warn("confirmed membership check failed", "user", user, "error", err)
		return false
	}
	return ok
}

// Confirm marks a user as confirmed.
func (m *Manager) Confirm(user string) error {
	return m.store.SAdd(confirmedSet, user)
}

// Lookup returns the user's session record.
func (m *Manager) Lookup(user string) (Record, error) {
	raw, err := m.store.Get(sessionKey(user))
	if errors.Is(err, store.ErrKeyNotFound) {
		return Record{}, ErrNoActiveSession
	}
	if err != nil {
		return Record{}, fmt.Errorf("load session: %w", err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, fmt.Errorf("decode session: %w", err)
	}
	return rec, nil
}

// Create replaces any existing environment for the user with a fresh
// one built from params. Nothing is persisted if the runtime fails.
func (m *Manager) Create(ctx context.Context, user string, params CreateParams) (Record, error) {
	if _, err := m.Lookup(user); err == nil {
		if err := m.Stop(ctx, user); err != nil {
			slog.Warn("teardown of previous session failed", "user", user, "error", err)
		}
	}

	trusted := m.Trusted(user)
	tier := TierUntrusted
	if trusted {
		tier = TierTrusted
	}

	var prof profile.Profile
	ttl := params.TTL
	if params.Probationary {
		prof = m.catalog.Probationary()
		ttl = profile.ProbationarySessionTTL
	} else {
		var err error
		prof, err = m.catalog.Get(params.Profile)
		if err != nil {
			return Record{}, err
		}
		if !trusted {
			prof = prof.WithUntrustedCeiling()
		}
	}

	id, err := m.runtime.Create(ctx, runtime.Spec{
		User:        user,
		Image:       params.Image,
		MemoryBytes: prof.MemoryBytes,
		CPUQuota:    prof.CPUQuota,
		CPUPeriod:   prof.CPUPeriod,
		PidsLimit:   prof.PidsLimit,
		Network:     params.Network,
	})
	if err != nil {
		return Record{}, fmt.Errorf("create environment: %w", err)
	}

	rec := Record{
		EnvironmentID:  id,
		Image:          params.Image,
		Shell:          params.Shell,
		Profile:        prof.Key,
		NetworkEnabled: params.Network,
		TTL:            ttl,
		TrustTier:      tier,
		Probationary:   params.Probationary,
		CreatedAt:      time.Now(),
	}

	if err := m.save(user, rec); err != nil {
		if rmErr := m.runtime.StopRemove(ctx, id); rmErr != nil {
			slog.Warn("rollback of environment failed", "user", user, "environment_id", id, "error", rmErr)
		}
		return Record{}, err
	}

	if rec.Billed() && m.biller != nil {
		m.biller.Start(user)
	}
	if m.metrics != nil {
		m.metrics.SessionsCreatedTotal.WithLabelValues(tier).Inc()
		m.metrics.SessionsActive.Inc()
	}

	slog.Info("session created",
		"user", user,
		"environment_id", shortID(id),
		"image", params.Image,
		"profile", prof.Key,
		"tier", tier,
		"probationary", params.Probationary,
	)
	return rec, nil
}

// Stop tears down the user's environment and forgets the session.
// Calling it for a user with no session is a no-op.
func (m *Manager) Stop(ctx context.Context, user string) error {
	rec, err := m.Lookup(user)
	if errors.Is(err, ErrNoActiveSession) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, fn := range m.onStop {
		fn(user)
	}
	if m.biller != nil {
		m.biller.Stop(user)
	}

	if err := m.runtime.StopRemove(ctx, rec.EnvironmentID); err != nil {
		slog.Warn("environment removal failed", "user", user, "environment_id", shortID(rec.EnvironmentID), "error", err)
	}
	if err := m.store.Delete(sessionKey(user)); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	if m.metrics != nil {
		m.metrics.SessionsActive.Dec()
	}
	slog.Info("session stopped", "user", user, "environment_id", shortID(rec.EnvironmentID))
	return nil
}

// Reconcile removes every managed container and every session record.
// Run at startup: environments do not survive a restart, so stale
// records would otherwise point at nothing.
func (m *Manager) Reconcile(ctx context.Context) error {
	ids, err := m.runtime.List(ctx)
	if err != nil {
		return fmt.Errorf("list environments: %w", err)
	}
	for _, id := range ids {
		if err := m.runtime.StopRemove(ctx, id); err != nil {
			slog.Warn("reconcile: environment removal failed", "environment_id", shortID(id), "error", err)
		}
	}

	keys, err := m.store.Keys(keyPrefix)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	removed := 0
	for _, key := range keys {
		if err := m.store.Delete(key); err != nil {
			slog.Warn("reconcile: session delete failed", "key", key, "error", err)
			continue
		}
		removed++
	}

	if len(ids) > 0 || removed > 0 {
		slog.Info("reconcile complete", "environments_removed", len(ids), "sessions_removed", removed)
	}
	return nil
}

// StopAll tears down every tracked session. Used during shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	keys, err := m.store.Keys(keyPrefix)
	if err != nil {
		slog.Warn("shutdown: session listing failed", "error", err)
		return
	}
	for _, key := range keys {
		user := key[len(keyPrefix):]
		if err := m.Stop(ctx, user); err != nil {
			slog.Warn("shutdown: session teardown failed", "user", user, "error", err)
		}
	}
}

func (m *Manager) save(user string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if rec.TTL > 0 {
		return m.store.SetTTL(sessionKey(user), string(data), rec.TTL)
	}
	return m.store.Set(sessionKey(user), string(data))
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
