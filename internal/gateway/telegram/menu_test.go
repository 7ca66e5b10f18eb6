package telegram

import (
	"testing"

	"github.com/termbot/termbot/internal/profile"
)

func advanceOK(t *testing.T, f *flow, user, verb, value string, trusted, admin bool) Prompt {
	t.Helper()
	prompt, params, err := f.advance(user, verb, value, trusted, admin)
	if err != nil {
		t.Fatalf("advance(%s, %s) error = %v", verb, value, err)
	}
	if params != nil {
		t.Fatalf("advance(%s, %s) finished early", verb, value)
	}
	return prompt
}

func TestFlow_FullCreatePath(t *testing.T) {
	f := newFlow(profile.DefaultCatalog())
	f.startCreate("100", false)

	advanceOK(t, f, "100", "img", "alpine:latest", false, false)
	advanceOK(t, f, "100", "sh", "bash", false, false)
	advanceOK(t, f, "100", "prof", "minimal", false, false)
	advanceOK(t, f, "100", "net", "on", false, false)

	_, params, err := f.advance("100", "ttl", "1h", false, false)
	if err != nil {
		t.Fatalf("advance(ttl) error = %v", err)
	}
	if params == nil {
		t.Fatal("flow did not finish after ttl selection")
	}
	if params.Image != "alpine:latest" || params.Shell != "bash" || params.Profile != "minimal" {
		t.Errorf("params = %+v, want selections preserved", params)
	}
	if !params.Network {
		t.Error("params.Network = false, want true")
	}
	if params.Probationary {
		t.Error("params.Probationary = true, want false")
	}
}

func TestFlow_ProbationaryShortPath(t *testing.T) {
	f := newFlow(profile.DefaultCatalog())
	f.startCreate("100", true)

	advanceOK(t, f, "100", "img", "ubuntu:latest", false, false)
	_, params, err := f.advance("100", "sh", "sh", false, false)
	if err != nil {
		t.Fatalf("advance(sh) error = %v", err)
	}
	if params == nil {
		t.Fatal("probationary flow did not finish after shell selection")
	}
	if !params.Probationary {
		t.Error("params.Probationary = false, want true")
	}
	if params.Profile != "" {
		t.Errorf("params.Profile = %q, want empty for probationary", params.Profile)
	}
}

func TestFlow_CustomImagePath(t *testing.T) {
	f := newFlow(profile.DefaultCatalog())
	f.startCreate("100", false)

	prompt := advanceOK(t, f, "100", "img", "custom", false, false)
	if prompt.Text == "" {
		t.Fatal("custom image selection returned no prompt")
	}
	if !f.awaitingImage("100") {
		t.Fatal("awaitingImage() = false after custom selection")
	}

	// A bad name keeps the prompt open.
	if _, err := f.customImage("100", "bad image; rm"); err == nil {
		t.Fatal("customImage() accepted a name with shell metacharacters")
	}
	if !f.awaitingImage("100") {
		t.Fatal("awaitingImage() = false after rejected name, want retry")
	}

	if _, err := f.customImage("100", "golang:1.25-alpine"); err != nil {
		t.Fatalf("customImage() error = %v", err)
	}
	advanceOK(t, f, "100", "sh", "sh", false, false)
	advanceOK(t, f, "100", "prof", "minimal", false, false)
	advanceOK(t, f, "100", "net", "off", false, false)

	_, params, err := f.advance("100", "ttl", "1h", false, false)
	if err != nil {
		t.Fatalf("advance(ttl) error = %v", err)
	}
	if params == nil {
		t.Fatal("flow did not finish after ttl selection")
	}
	if params.Image != "golang:1.25-alpine" {
		t.Errorf("params.Image = %q, want golang:1.25-alpine", params.Image)
	}
}

func TestFlow_CustomImageWithoutPrompt(t *testing.T) {
	f := newFlow(profile.DefaultCatalog())

	if _, err := f.customImage("100", "alpine:latest"); err == nil {
		t.Error("customImage() without a pending prompt = nil error")
	}
	if f.awaitingImage("100") {
		t.Error("awaitingImage() = true with no flow in progress")
	}
}

func TestFlow_RejectsOutOfOrderSelection(t *testing.T) {
	f := newFlow(profile.DefaultCatalog())
	f.startCreate("100", false)

	if _, _, err := f.advance("100", "ttl", "1h", false, false); err == nil {
		t.Error("advance(ttl) at image step succeeded, want error")
	}
	if _, _, err := f.advance("100", "img", "evil:latest", false, false); err == nil {
		t.Error("advance with unknown image succeeded, want error")
	}
}

func TestFlow_RejectsGatedProfile(t *testing.T) {
	f := newFlow(profile.DefaultCatalog())
	f.startCreate("100", false)
	advanceOK(t, f, "100", "img", "alpine:latest", false, false)
	advanceOK(t, f, "100", "sh", "sh", false, false)

	if _, _, err := f.advance("100", "prof", "maximum", false, false); err == nil {
		t.Error("unconfirmed user selected admin profile, want error")
	}
	// Confirmed but not admin still cannot pick maximum.
	if _, _, err := f.advance("100", "prof", "maximum", true, false); err == nil {
		t.Error("confirmed user selected admin-only profile, want error")
	}
	if _, _, err := f.advance("100", "prof", "medium", true, false); err != nil {
		t.Errorf("confirmed user selecting medium error = %v", err)
	}
}

func TestFlow_RejectsGatedTTL(t *testing.T) {
	f := newFlow(profile.DefaultCatalog())
	f.startCreate("100", false)
	advanceOK(t, f, "100", "img", "alpine:latest", false, false)
	advanceOK(t, f, "100", "sh", "sh", false, false)
	advanceOK(t, f, "100", "prof", "minimal", false, false)
	advanceOK(t, f, "100", "net", "off", false, false)

	if _, _, err := f.advance("100", "ttl", "always", false, false); err == nil {
		t.Error("unconfirmed user selected unbounded ttl, want error")
	}
	if _, _, err := f.advance("100", "ttl", "7d", false, false); err == nil {
		t.Error("unconfirmed user selected 7d ttl, want error")
	}
}

func TestFlow_NoSelectionInProgress(t *testing.T) {
	f := newFlow(profile.DefaultCatalog())
	if _, _, err := f.advance("100", "img", "alpine:latest", false, false); err == nil {
		t.Error("advance without startCreate succeeded, want error")
	}
}

func TestFlow_AwaitStates(t *testing.T) {
	f := newFlow(profile.DefaultCatalog())

	if _, ok := f.takeAwait("100"); ok {
		t.Error("takeAwait() with no state = true, want false")
	}

	f.setAwait("100", stepAwaitConfirmTarget)
	s, ok := f.takeAwait("100")
	if !ok || s != stepAwaitConfirmTarget {
		t.Errorf("takeAwait() = (%v, %v), want (stepAwaitConfirmTarget, true)", s, ok)
	}
	if _, ok := f.takeAwait("100"); ok {
		t.Error("takeAwait() consumed twice, want single use")
	}
}

func TestParseData(t *testing.T) {
	verb, value, user, ok := parseData("img|alpine:latest|100")
	if !ok || verb != "img" || value != "alpine:latest" || user != "100" {
		t.Errorf("parseData() = (%q, %q, %q, %v)", verb, value, user, ok)
	}
	if _, _, _, ok := parseData("garbage"); ok {
		t.Error("parseData(garbage) ok = true, want false")
	}
}

func TestMainMenu_AdminRows(t *testing.T) {
	f := newFlow(profile.DefaultCatalog())

	plain := f.mainMenu("100", false)
	admin := f.mainMenu("100", true)
	if len(admin.Keyboard.InlineKeyboard) <= len(plain.Keyboard.InlineKeyboard) {
		t.Error("admin menu has no extra rows")
	}
}
