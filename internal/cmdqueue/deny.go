package cmdqueue

import "strings"

// denyList holds command fragments refused for untrusted sessions.
// Matching is a lowercased substring check, same as the trust model:
// crude, but it stops the obvious foot-guns inside a throwaway
// container.
var denyList = []string{
	"rm -rf /",
	"rm -rf /*",
	"dd if=",
	"mkfs",
	":(){:|:&};:",
	"> /dev/sd",
	"> /dev/hd",
	"chmod 777 /",
	"passwd root",
}

// forbidden reports whether an untrusted command matches the deny list.
func forbidden(command string) bool {
	lowered := strings.ToLower(command)
	for _, frag := range denyList {
		if strings.Contains(lowered, frag) {
			return true
		}
	}
	return false
}

// backgroundForm reports whether a command tries to detach from the
// foreground shell. Probationary sessions may not leave processes
// behind.
func backgroundForm(command string) bool {
	trimmed := strings.TrimSpace(command)
	lowered := strings.ToLower(trimmed)
	if strings.HasPrefix(lowered, "nohup ") || lowered == "nohup" {
		return true
	}
	if strings.HasSuffix(trimmed, "&") && !strings.HasSuffix(trimmed, "&&") {
		return true
	}
	if strings.Contains(lowered, "disown") {
		return true
	}
	return false
}
