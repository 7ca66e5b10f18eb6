// Package profile defines the static resource profile catalog and the
// TTL vocabulary for sessions. Profiles are immutable for the process
// lifetime; selection gating (confirmed/admin) is enforced by callers.
package profile

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrProfileNotFound = errors.New("resource profile not found")
	ErrInvalidTTL      = errors.New("invalid ttl")
)

// Profile is a named CPU/memory/process envelope for a container.
type Profile struct {
	Key         string `yaml:"key"`
	Name        string `yaml:"name"`
	CPUQuota    int64  `yaml:"cpu_quota"`  // microseconds of CPU per period
	CPUPeriod   int64  `yaml:"cpu_period"` // scheduler period, microseconds
	MemoryBytes int64  `yaml:"memory_bytes"`
	PidsLimit   int64  `yaml:"pids_limit"`
	Description string `yaml:"description"`

	// Selection gates. The probationary profile is never selectable.
	RequireConfirmed bool `yaml:"require_confirmed"`
	RequireAdmin     bool `yaml:"require_admin"`
}

const (
	mb = 1024 * 1024

	// ProbationarySessionTTL bounds the lifetime of a probationary session.
	ProbationarySessionTTL = 20 * time.Minute
	// ProbationaryCommandTimeout bounds each command in a probationary session.
	ProbationaryCommandTimeout = 80 * time.Second

	// Hard ceiling layered on top of any profile for untrusted,
	// non-probationary sessions.
	UntrustedMemoryBytes = 64 * mb
	UntrustedPidsLimit   = 20
)

// Catalog holds the selectable profiles plus the fixed probationary one.
type Catalog struct {
	profiles map[string]Profile
	order    []string
	prob     Profile
}

// DefaultCatalog returns the built-in profile set.
func DefaultCatalog() *Catalog {
	c := &Catalog{profiles: make(map[string]Profile)}
	for _, p := range []Profile{
		{
			Key: "minimal", Name: "Minimal",
			CPUQuota: 30000, CPUPeriod: 100000,
			MemoryBytes: 246 * mb, PidsLimit: 25,
			Description: "246MB RAM, 30% CPU",
		},
		{
			Key: "medium", Name: "Medium",
			CPUQuota: 50000, CPUPeriod: 100000,
			MemoryBytes: 246 * mb, PidsLimit: 50,
			Description:      "246MB RAM, 50% CPU",
			RequireConfirmed: true,
		},
		{
			Key: "enhanced", Name: "Enhanced",
			CPUQuota: 75000, CPUPeriod: 100000,
			MemoryBytes: 428 * mb, PidsLimit: 100,
			Description:      "428MB RAM, 75% CPU",
			RequireConfirmed: true,
		},
		{
			Key: "maximum", Name: "Maximum",
			CPUQuota: 100000, CPUPeriod: 100000,
			MemoryBytes: 612 * mb, PidsLimit: 200,
			Description:      "612MB RAM, 100% CPU",
			RequireConfirmed: true, RequireAdmin: true,
		},
	} {
		c.profiles[p.Key] = p
		c.order = append(c.order, p.Key)
	}

	c.prob = Profile{
		Key: "probationary", Name: "Probationary",
		CPUQuota: 25000, CPUPeriod: 100000,
		MemoryBytes: 50 * mb, PidsLimit: 10,
		Description: "50MB RAM, 25% CPU",
	}
	return c
}

// LoadCatalog reads a full catalog replacement from a YAML file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	var doc struct {
		Profiles     []Profile `yaml:"profiles"`
		Probationary Profile   `yaml:"probationary"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(doc.Profiles) == 0 {
		return nil, fmt.Errorf("catalog %s defines no profiles", path)
	}

	c := &Catalog{profiles: make(map[string]Profile, len(doc.Profiles))}
	for _, p := range doc.Profiles {
		if p.Key == "" {
			return nil, fmt.Errorf("catalog %s: profile without key", path)
		}
		c.profiles[p.Key] = p
		c.order = append(c.order, p.Key)
	}
	c.prob = doc.Probationary
	if c.prob.Key == "" {
		c.prob = DefaultCatalog().prob
	}
	return c, nil
}

// Get resolves a selectable profile by key.
func (c *Catalog) Get(key string) (Profile, error) {
	p, ok := c.profiles[key]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrProfileNotFound, key)
	}
	return p, nil
}

// Probationary returns the fixed profile substituted for probationary
// sessions regardless of the requested key.
func (c *Catalog) Probationary() Profile {
	return c.prob
}

// List returns selectable profiles in declaration order.
func (c *Catalog) List() []Profile {
	out := make([]Profile, 0, len(c.order))
	for _, k := range c.order {
		out = append(out, c.profiles[k])
	}
	return out
}

// Selectable reports whether a user with the given status may select p.
func (p Profile) Selectable(confirmed, admin bool) bool {
	if p.RequireAdmin && !admin {
		return false
	}
	if p.RequireConfirmed && !confirmed {
		return false
	}
	return true
}

// WithUntrustedCeiling layers the fixed untrusted hard ceiling over p.
func (p Profile) WithUntrustedCeiling() Profile {
	if p.MemoryBytes > UntrustedMemoryBytes {
		p.MemoryBytes = UntrustedMemoryBytes
	}
	if p.PidsLimit > UntrustedPidsLimit {
		p.PidsLimit = UntrustedPidsLimit
	}
	return p
}
