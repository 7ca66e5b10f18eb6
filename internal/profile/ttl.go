package profile

import (
	"fmt"
	"time"
)

// TTLUnbounded marks a session that never expires on its own.
const TTLUnbounded = time.Duration(0)

// ttlOptions is the fixed TTL vocabulary, in presentation order.
var ttlOptions = []struct {
	Name     string
	Duration time.Duration
}{
	{"30m", 30 * time.Minute},
	{"1h", time.Hour},
	{"5h", 5 * time.Hour},
	{"24h", 24 * time.Hour},
	{"7d", 7 * 24 * time.Hour},
	{"12d", 12 * 24 * time.Hour},
	{"always", TTLUnbounded},
}

// ParseTTL resolves a TTL vocabulary name to a duration.
// "always" parses to TTLUnbounded.
func ParseTTL(name string) (time.Duration, error) {
	for _, opt := range ttlOptions {
		if opt.Name == name {
			return opt.Duration, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidTTL, name)
}

// TTLNames returns the vocabulary names available to a user with the
// given status: unconfirmed users are capped at 24h, "always" is
// admin-only.
func TTLNames(confirmed, admin bool) []string {
	var out []string
	for _, opt := range ttlOptions {
		if opt.Duration == TTLUnbounded {
			if admin {
				out = append(out, opt.Name)
			}
			continue
		}
		if !confirmed && opt.Duration > 24*time.Hour {
			continue
		}
		out = append(out, opt.Name)
	}
	return out
}

// TTLAllowed reports whether a user with the given status may select
// the named TTL.
func TTLAllowed(name string, confirmed, admin bool) bool {
	for _, n := range TTLNames(confirmed, admin) {
		if n == name {
			return true
		}
	}
	return false
}

// FormatTTL renders a duration back to its vocabulary name, falling
// back to Duration.String for non-vocabulary values.
func FormatTTL(d time.Duration) string {
	for _, opt := range ttlOptions {
		if opt.Duration == d {
			return opt.Name
		}
	}
	return d.String()
}
