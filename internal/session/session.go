// Package session tracks one sandbox environment per user and its
// lifecycle: creation, teardown, and reconciliation after restarts.
package session

import (
	"errors"
	"time"

	"github.com/termbot/termbot/internal/runtime"
)

const (
	// TierTrusted marks sessions owned by confirmed users.
	TierTrusted = "trusted"
	// TierUntrusted marks sessions running under the hard resource ceiling.
	TierUntrusted = "untrusted"

	// confirmedSet is the store set holding confirmed user ids.
	confirmedSet = "confirmed_users"

	keyPrefix = "session:"
)

var (
	// ErrNoActiveSession is returned when a user has no environment.
	ErrNoActiveSession = errors.New("no active session")
	// ErrRuntimeUnavailable wraps failures to reach the container runtime.
	ErrRuntimeUnavailable = runtime.ErrUnavailable
)

// Record is the persisted state of one user's session.
type Record struct {
	EnvironmentID  string        `json:"environment_id"`
	Image          string        `json:"image"`
	Shell          string        `json:"shell"`
	Profile        string        `json:"profile"`
	NetworkEnabled bool          `json:"network_enabled"`
	TTL            time.Duration `json:"ttl"`
	TrustTier      string        `json:"trust_tier"`
	Probationary   bool          `json:"probationary"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Billed reports whether the session is subject to token billing.
func (r Record) Billed() bool {
	return r.TrustTier == TierUntrusted && !r.Probationary
}

func sessionKey(user string) string {
	return keyPrefix + user
}
