package telegram

import (
	"fmt"
	"strings"
	"sync"

	"github.com/termbot/termbot/internal/profile"
	"github.com/termbot/termbot/internal/session"
)

// Menu steps. A user walks image -> shell -> profile -> network -> ttl
// for a regular session; probationary sessions stop after the shell.
type step int

const (
	stepNone step = iota
	stepImage
	stepShell
	stepProfile
	stepNetwork
	stepTTL
	stepAwaitCustomImage
	stepAwaitConfirmTarget
	stepAwaitGrantTarget
)

// customImageValue marks the "type your own image" choice on the image
// screen. Listed images never collide with it.
const customImageValue = "custom"

var images = []string{
	"alpine:latest",
	"ubuntu:latest",
	"debian:stable-slim",
	"python:3.12-slim",
	"node:22-slim",
}

var shells = []string{"sh", "bash"}

// Prompt is one rendered menu screen.
type Prompt struct {
	Text     string
	Keyboard *InlineKeyboardMarkup
}

type pendingCreate struct {
	step   step
	params session.CreateParams
}

// flow holds per-user menu state. All reads and writes go through the
// mutex; Telegram updates for different users arrive concurrently.
type flow struct {
	catalog *profile.Catalog

	mu      sync.Mutex
	pending map[string]*pendingCreate
}

func newFlow(catalog *profile.Catalog) *flow {
	return &flow{catalog: catalog, pending: make(map[string]*pendingCreate)}
}

// clear drops any in-progress selection for the user.
func (f *flow) clear(user string) {
	f.mu.Lock()
	delete(f.pending, user)
	f.mu.Unlock()
}

// mainMenu renders the top-level menu.
func (f *flow) mainMenu(user string, admin bool) Prompt {
	rows := [][]InlineKeyboardButton{
		{
			{Text: "New session", CallbackData: data("menu", "new", user)},
			{Text: "Test session", CallbackData: data("menu", "test", user)},
		},
		{
			{Text: "Status", CallbackData: data("menu", "status", user)},
			{Text: "Stop session", CallbackData: data("menu", "stop", user)},
		},
		{
			{Text: "Tokens", CallbackData: data("menu", "tokens", user)},
		},
	}
	if admin {
		rows = append(rows, []InlineKeyboardButton{
			{Text: "Confirm user", CallbackData: data("menu", "confirm", user)},
			{Text: "Grant tokens", CallbackData: data("menu", "grant", user)},
		}, []InlineKeyboardButton{
			{Text: "Containers", CallbackData: data("menu", "containers", user)},
		})
	}
	return Prompt{
		Text:     "What would you like to do?",
		Keyboard: &InlineKeyboardMarkup{InlineKeyboard: rows},
	}
}

// startCreate begins a session creation flow.
func (f *flow) startCreate(user string, probationary bool) Prompt {
	f.mu.Lock()
	f.pending[user] = &pendingCreate{
		step:   stepImage,
		params: session.CreateParams{Probationary: probationary},
	}
	f.mu.Unlock()

	rows := make([][]InlineKeyboardButton, 0, (len(images)+1)/2)
	for i := 0; i < len(images); i += 2 {
		row := []InlineKeyboardButton{{Text: images[i], CallbackData: data("img", images[i], user)}}
		if i+1 < len(images) {
			row = append(row, InlineKeyboardButton{Text: images[i+1], CallbackData: data("img", images[i+1], user)})
		}
		rows = append(rows, row)
	}
	rows = append(rows, []InlineKeyboardButton{{
		Text:         "Custom image",
		CallbackData: data("img", customImageValue, user),
	}})
	title := "Pick an image:"
	if probationary {
		title = "Test session (20 min, reduced limits). Pick an image:"
	}
	return Prompt{Text: title, Keyboard: &InlineKeyboardMarkup{InlineKeyboard: rows}}
}

// advance handles one selection. It returns the next prompt, or the
// finished parameters when the flow is complete.
func (f *flow) advance(user, verb, value string, trusted, admin bool) (Prompt, *session.CreateParams, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.pending[user]
	if !ok {
		return Prompt{}, nil, fmt.Errorf("no selection in progress")
	}

	switch verb {
	case "img":
		if p.step != stepImage {
			return Prompt{}, nil, fmt.Errorf("unexpected image selection")
		}
		if value == customImageValue {
			p.step = stepAwaitCustomImage
			return Prompt{Text: "Send the image name, e.g. golang:1.25-alpine."}, nil, nil
		}
		if !validImage(value) {
			return Prompt{}, nil, fmt.Errorf("unexpected image selection")
		}
		p.params.Image = value
		p.step = stepShell
		return f.shellPrompt(user), nil, nil

	case "sh":
		if p.step != stepShell || !validShell(value) {
			return Prompt{}, nil, fmt.Errorf("unexpected shell selection")
		}
		p.params.Shell = value
		if p.params.Probationary {
			params := p.params
			delete(f.pending, user)
			return Prompt{}, &params, nil
		}
		p.step = stepProfile
		return f.profilePrompt(user, trusted, admin), nil, nil

	case "prof":
		if p.step != stepProfile {
			return Prompt{}, nil, fmt.Errorf("unexpected profile selection")
		}
		prof, err := f.catalog.Get(value)
		if err != nil {
			return Prompt{}, nil, err
		}
		if !prof.Selectable(trusted, admin) {
			return Prompt{}, nil, fmt.Errorf("profile %s requires a higher trust level", value)
		}
		p.params.Profile = value
		p.step = stepNetwork
		return f.networkPrompt(user), nil, nil

	case "net":
		if p.step != stepNetwork {
			return Prompt{}, nil, fmt.Errorf("unexpected network selection")
		}
		p.params.Network = value == "on"
		p.step = stepTTL
		return f.ttlPrompt(user, trusted, admin), nil, nil

	case "ttl":
		if p.step != stepTTL {
			return Prompt{}, nil, fmt.Errorf("unexpected ttl selection")
		}
		if !profile.TTLAllowed(value, trusted, admin) {
			return Prompt{}, nil, profile.ErrInvalidTTL
		}
		ttl, err := profile.ParseTTL(value)
		if err != nil {
			return Prompt{}, nil, err
		}
		p.params.TTL = ttl
		params := p.params
		delete(f.pending, user)
		return Prompt{}, &params, nil
	}

	return Prompt{}, nil, fmt.Errorf("unknown selection %q", verb)
}

// awaitingImage reports whether the user's next plain message is a
// custom image name.
func (f *flow) awaitingImage(user string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pending[user]
	return ok && p.step == stepAwaitCustomImage
}

// customImage consumes a typed image name and moves the pending flow
// to the shell step. An invalid name keeps the prompt open for a retry.
func (f *flow) customImage(user, image string) (Prompt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pending[user]
	if !ok || p.step != stepAwaitCustomImage {
		return Prompt{}, fmt.Errorf("no image prompt pending")
	}
	if !validCustomImage(image) {
		return Prompt{}, fmt.Errorf("invalid image name %q", image)
	}
	p.params.Image = image
	p.step = stepShell
	return f.shellPrompt(user), nil
}

// setAwait records that the next plain-text message from the user is
// input for an admin action.
func (f *flow) setAwait(user string, s step) {
	f.mu.Lock()
	f.pending[user] = &pendingCreate{step: s}
	f.mu.Unlock()
}

// takeAwait consumes a pending admin-input state, if any.
func (f *flow) takeAwait(user string) (step, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pending[user]
	if !ok || (p.step != stepAwaitConfirmTarget && p.step != stepAwaitGrantTarget) {
		return stepNone, false
	}
	delete(f.pending, user)
	return p.step, true
}

func (f *flow) shellPrompt(user string) Prompt {
	row := make([]InlineKeyboardButton, 0, len(shells))
	for _, sh := range shells {
		row = append(row, InlineKeyboardButton{Text: sh, CallbackData: data("sh", sh, user)})
	}
	return Prompt{
		Text:     "Pick a shell:",
		Keyboard: &InlineKeyboardMarkup{InlineKeyboard: [][]InlineKeyboardButton{row}},
	}
}

func (f *flow) profilePrompt(user string, trusted, admin bool) Prompt {
	var rows [][]InlineKeyboardButton
	for _, prof := range f.catalog.List() {
		if !prof.Selectable(trusted, admin) {
			continue
		}
		rows = append(rows, []InlineKeyboardButton{{
			Text:         prof.Name + " (" + prof.Description + ")",
			CallbackData: data("prof", prof.Key, user),
		}})
	}
	return Prompt{
		Text:     "Pick a resource profile:",
		Keyboard: &InlineKeyboardMarkup{InlineKeyboard: rows},
	}
}

func (f *flow) networkPrompt(user string) Prompt {
	return Prompt{
		Text: "Network access?",
		Keyboard: &InlineKeyboardMarkup{InlineKeyboard: [][]InlineKeyboardButton{{
			{Text: "Enabled", CallbackData: data("net", "on", user)},
			{Text: "Disabled", CallbackData: data("net", "off", user)},
		}}},
	}
}

func (f *flow) ttlPrompt(user string, trusted, admin bool) Prompt {
	names := profile.TTLNames(trusted, admin)
	var rows [][]InlineKeyboardButton
	for i := 0; i < len(names); i += 3 {
		var row []InlineKeyboardButton
		for j := i; j < i+3 && j < len(names); j++ {
			row = append(row, InlineKeyboardButton{Text: names[j], CallbackData: data("ttl", names[j], user)})
		}
		rows = append(rows, row)
	}
	return Prompt{
		Text:     "Session lifetime:",
		Keyboard: &InlineKeyboardMarkup{InlineKeyboard: rows},
	}
}

func validImage(name string) bool {
	for _, img := range images {
		if img == name {
			return true
		}
	}
	return false
}

func validCustomImage(name string) bool {
	if name == "" || len(name) > 128 {
		return false
	}
	return !strings.ContainsAny(name, " \t\n|;&'\"`$")
}

func validShell(name string) bool {
	for _, sh := range shells {
		if sh == name {
			return true
		}
	}
	return false
}

// data encodes callback payloads as verb|value|user. The pipe never
// appears in image names, profile keys or ttl names.
func data(verb, value, user string) string {
	return verb + "|" + value + "|" + user
}

// parseData splits a callback payload.
func parseData(payload string) (verb, value, user string, ok bool) {
	parts := strings.SplitN(payload, "|", 3)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}
