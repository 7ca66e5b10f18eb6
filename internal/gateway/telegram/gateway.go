// Package telegram drives the bot over the Telegram Bot API using
// long polling. It translates chat commands and inline keyboard
// presses into session, queue, token and transfer operations.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/termbot/termbot/internal/cmdqueue"
	"github.com/termbot/termbot/internal/profile"
	"github.com/termbot/termbot/internal/runtime"
	"github.com/termbot/termbot/internal/session"
	"github.com/termbot/termbot/internal/token"
	"github.com/termbot/termbot/internal/transfer"
)

const welcome = "Welcome. You get a throwaway Linux environment reachable from this chat.\n" +
	"Send /container to open the menu, or just type a command once a session is running."

// Gateway is the Telegram front end.
type Gateway struct {
	client   *Client
	sessions *session.Manager
	queue    *cmdqueue.Queue
	ledger   *token.Ledger
	transfer *transfer.Service
	runtime  runtime.Runtime
	flow     *flow

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New creates a gateway.
func New(client *Client, sessions *session.Manager, queue *cmdqueue.Queue, ledger *token.Ledger, svc *transfer.Service, rt runtime.Runtime, catalog *profile.Catalog) *Gateway {
	return &Gateway{
		client:   client,
		sessions: sessions,
		queue:    queue,
		ledger:   ledger,
		transfer: svc,
		runtime:  rt,
		flow:     newFlow(catalog),
	}
}

// Start long-polls for updates and blocks until ctx is cancelled or
// Stop is called.
func (g *Gateway) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g.mu.Lock()
	g.cancel = cancel
	g.mu.Unlock()
	slog.Info("telegram gateway polling")

	var offset int64
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		updates, err := g.client.GetUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("getUpdates failed", "error", err)
			time.Sleep(2 * time.Second)
			continue
		}

		for i := range updates {
			u := &updates[i]
			g.processUpdate(ctx, u)
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
		}
	}
}

// Stop halts the polling loop.
func (g *Gateway) Stop() {
	g.mu.Lock()
	cancel := g.cancel
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Notify implements notify.Notifier.
func (g *Gateway) Notify(ctx context.Context, user, message string) error {
	return g.client.Notify(ctx, user, message)
}

func (g *Gateway) processUpdate(ctx context.Context, u *Update) {
	if u.CallbackQuery != nil {
		g.handleCallback(ctx, u.CallbackQuery)
		return
	}
	if u.Message != nil {
		g.handleMessage(ctx, u.Message)
	}
}

func (g *Gateway) handleMessage(ctx context.Context, msg *Message) {
	if msg.From == nil {
		return
	}
	user := strconv.FormatInt(msg.From.ID, 10)
	chatID := msg.Chat.ID

	if msg.Document != nil {
		g.handleUpload(ctx, user, chatID, msg.Document)
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	// A pending menu or admin prompt consumes the next plain message.
	if !strings.HasPrefix(text, "/") {
		if g.flow.awaitingImage(user) {
			prompt, err := g.flow.customImage(user, text)
			if err != nil {
				g.send(ctx, chatID, "That does not look like an image name. Try again, e.g. golang:1.25-alpine.")
				return
			}
			g.sendPrompt(ctx, chatID, prompt)
			return
		}
		if s, ok := g.flow.takeAwait(user); ok {
			g.handleAdminInput(ctx, user, chatID, s, text)
			return
		}
	}

	cmd, arg := splitCommand(text)
	switch cmd {
	case "/start":
		if err := g.ledger.Init(user); err != nil {
			slog.Warn("ledger init failed", "user", user, "error", err)
		}
		g.send(ctx, chatID, welcome)
		g.sendPrompt(ctx, chatID, g.flow.mainMenu(user, g.sessions.Admin(user)))
	case "/container", "/menu":
		g.sendPrompt(ctx, chatID, g.flow.mainMenu(user, g.sessions.Admin(user)))
	case "/cancel":
		g.queue.CancelAll(user)
		g.flow.clear(user)
		g.send(ctx, chatID, "Pending commands discarded.")
	case "/docker":
		if arg == "" {
			g.send(ctx, chatID, "Usage: /docker <command>")
			return
		}
		g.submit(ctx, user, chatID, arg)
	case "/nohup":
		if arg == "" {
			g.send(ctx, chatID, "Usage: /nohup <command>")
			return
		}
		g.handleNohup(ctx, user, chatID, arg)
	case "/processes":
		g.submit(ctx, user, chatID, "ps aux")
	case "/kill":
		if _, err := strconv.Atoi(arg); err != nil {
			g.send(ctx, chatID, "Usage: /kill <pid>")
			return
		}
		g.submit(ctx, user, chatID, "kill -9 "+arg)
	case "/download":
		if arg == "" {
			g.send(ctx, chatID, "Usage: /download <path>")
			return
		}
		g.handleDownload(ctx, user, chatID, arg)
	default:
		if strings.HasPrefix(cmd, "/") {
			g.send(ctx, chatID, "Unknown command. Send /container for the menu.")
			return
		}
		g.submit(ctx, user, chatID, text)
	}
}

// submit queues a command and delivers its result asynchronously.
func (g *Gateway) submit(ctx context.Context, user string, chatID int64, command string) {
	depth, err := g.queue.Submit(user, command, func(output string, err error) {
		sendCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err != nil {
			g.send(sendCtx, chatID, errText(err))
			return
		}
		for _, chunk := range renderOutput(output) {
			if sendErr := g.client.SendHTML(sendCtx, chatID, chunk, nil); sendErr != nil {
				slog.Warn("output delivery failed", "user", user, "error", sendErr)
				return
			}
		}
	})
	if err != nil {
		g.send(ctx, chatID, errText(err))
		return
	}
	if depth > 0 {
		g.send(ctx, chatID, fmt.Sprintf("Queued behind %d command(s).", depth))
	}
}

// nohupInvocation wraps a command for detached execution. Output goes
// to a per-user log file inside the environment and the started pid is
// echoed back so the reply can reference it.
func nohupInvocation(user, command string) (wrapped, logFile string) {
	logFile = fmt.Sprintf("/tmp/nohup_%s_%d.log", user, time.Now().Unix())
	wrapped = fmt.Sprintf("nohup %s > %s 2>&1 & echo $!", command, logFile)
	return wrapped, logFile
}

// handleNohup starts a command in the background and replies with the
// pid and the log file to follow.
func (g *Gateway) handleNohup(ctx context.Context, user string, chatID int64, command string) {
	wrapped, logFile := nohupInvocation(user, command)
	depth, err := g.queue.Submit(user, wrapped, func(output string, err error) {
		sendCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err != nil {
			g.send(sendCtx, chatID, errText(err))
			return
		}
		pid := strings.TrimSpace(output)
		g.send(sendCtx, chatID, fmt.Sprintf(
			"Started in background.\nPID: %s\nLog: %s\n\nFollow with: tail -f %s\nStop with: /kill %s",
			pid, logFile, logFile, pid))
	})
	if err != nil {
		g.send(ctx, chatID, errText(err))
		return
	}
	if depth > 0 {
		g.send(ctx, chatID, fmt.Sprintf("Queued behind %d command(s).", depth))
	}
}

func (g *Gateway) handleUpload(ctx context.Context, user string, chatID int64, doc *Document) {
	limit, _ := transfer.Limits(g.sessions.Trusted(user))
	if doc.FileSize > limit {
		g.send(ctx, chatID, fmt.Sprintf("File too large: limit is %d MB.", limit/(1024*1024)))
		return
	}

	file, err := g.client.GetFile(ctx, doc.FileID)
	if err != nil {
		slog.Warn("getFile failed", "user", user, "error", err)
		g.send(ctx, chatID, "Could not fetch the file from Telegram.")
		return
	}
	data, err := g.client.DownloadFile(ctx, file.FilePath, limit)
	if err != nil {
		slog.Warn("file download failed", "user", user, "error", err)
		g.send(ctx, chatID, "Could not fetch the file from Telegram.")
		return
	}

	name := doc.FileName
	if name == "" {
		name = "upload.bin"
	}
	if err := g.transfer.Upload(ctx, user, name, data); err != nil {
		g.send(ctx, chatID, errText(err))
		return
	}
	g.send(ctx, chatID, fmt.Sprintf("Uploaded %s to / (%d bytes).", name, len(data)))
}

func (g *Gateway) handleDownload(ctx context.Context, user string, chatID int64, path string) {
	data, err := g.transfer.Download(ctx, user, path)
	if err != nil {
		g.send(ctx, chatID, errText(err))
		return
	}
	name := path
	if idx := strings.LastIndex(path, "/"); idx >= 0 && idx < len(path)-1 {
		name = path[idx+1:]
	}
	if err := g.client.SendDocument(ctx, chatID, name, data); err != nil {
		slog.Warn("sendDocument failed", "user", user, "error", err)
		g.send(ctx, chatID, "Could not deliver the file.")
	}
}

func (g *Gateway) handleCallback(ctx context.Context, cb *CallbackQuery) {
	if cb.From == nil || cb.Data == "" || cb.Message == nil {
		return
	}
	from := strconv.FormatInt(cb.From.ID, 10)
	chatID := cb.Message.Chat.ID

	verb, value, owner, ok := parseData(cb.Data)
	if !ok {
		g.answer(ctx, cb.ID, "Invalid selection.")
		return
	}
	if owner != from {
		g.answer(ctx, cb.ID, "This menu belongs to another user.")
		return
	}

	trusted := g.sessions.Trusted(from)
	admin := g.sessions.Admin(from)

	if verb == "menu" {
		g.answer(ctx, cb.ID, "")
		g.handleMenuAction(ctx, from, chatID, value, admin)
		return
	}

	prompt, params, err := g.flow.advance(from, verb, value, trusted, admin)
	if err != nil {
		g.answer(ctx, cb.ID, err.Error())
		return
	}
	g.answer(ctx, cb.ID, "")

	if params == nil {
		g.sendPrompt(ctx, chatID, prompt)
		return
	}

	rec, err := g.sessions.Create(ctx, from, *params)
	if err != nil {
		g.send(ctx, chatID, errText(err))
		return
	}
	g.send(ctx, chatID, describeCreated(rec))
}

func (g *Gateway) handleMenuAction(ctx context.Context, user string, chatID int64, action string, admin bool) {
	switch action {
	case "new":
		g.sendPrompt(ctx, chatID, g.flow.startCreate(user, false))
	case "test":
		g.sendPrompt(ctx, chatID, g.flow.startCreate(user, true))
	case "stop":
		if err := g.sessions.Stop(ctx, user); err != nil {
			g.send(ctx, chatID, errText(err))
			return
		}
		g.send(ctx, chatID, "Session stopped.")
	case "status":
		rec, err := g.sessions.Lookup(user)
		if err != nil {
			g.send(ctx, chatID, errText(err))
			return
		}
		g.send(ctx, chatID, describeStatus(rec))
	case "tokens":
		balance, err := g.ledger.Balance(user)
		if err != nil {
			g.send(ctx, chatID, "Could not read your balance.")
			return
		}
		if g.sessions.Trusted(user) {
			g.send(ctx, chatID, fmt.Sprintf("Balance: %d tokens. Confirmed users are not billed.", balance))
			return
		}
		g.send(ctx, chatID, fmt.Sprintf("Balance: %d tokens. Untrusted sessions cost 1 token per minute.", balance))
	case "confirm":
		if !admin {
			return
		}
		g.flow.setAwait(user, stepAwaitConfirmTarget)
		g.send(ctx, chatID, "Send the user id to confirm.")
	case "grant":
		if !admin {
			return
		}
		g.flow.setAwait(user, stepAwaitGrantTarget)
		g.send(ctx, chatID, "Send: <user id> <amount>")
	case "containers":
		if !admin {
			return
		}
		ids, err := g.runtime.List(ctx)
		if err != nil {
			g.send(ctx, chatID, "Could not list environments.")
			return
		}
		if len(ids) == 0 {
			g.send(ctx, chatID, "No environments running.")
			return
		}
		short := make([]string, len(ids))
		for i, id := range ids {
			if len(id) > 12 {
				id = id[:12]
			}
			short[i] = id
		}
		g.send(ctx, chatID, fmt.Sprintf("%d environment(s): %s", len(ids), strings.Join(short, ", ")))
	}
}

func (g *Gateway) handleAdminInput(ctx context.Context, admin string, chatID int64, s step, text string) {
	switch s {
	case stepAwaitConfirmTarget:
		target := strings.TrimSpace(text)
		if _, err := strconv.ParseInt(target, 10, 64); err != nil {
			g.send(ctx, chatID, "That does not look like a user id.")
			return
		}
		if err := g.sessions.Confirm(target); err != nil {
			g.send(ctx, chatID, "Confirmation failed.")
			return
		}
		slog.Info("user confirmed", "admin", admin, "user", target)
		g.send(ctx, chatID, fmt.Sprintf("User %s confirmed.", target))
	case stepAwaitGrantTarget:
		fields := strings.Fields(text)
		if len(fields) != 2 {
			g.send(ctx, chatID, "Send: <user id> <amount>")
			return
		}
		amount, err := strconv.Atoi(fields[1])
		if err != nil || amount <= 0 {
			g.send(ctx, chatID, "Amount must be a positive number.")
			return
		}
		balance, err := g.ledger.Grant(fields[0], amount)
		if err != nil {
			g.send(ctx, chatID, "Grant failed.")
			return
		}
		slog.Info("tokens granted", "admin", admin, "user", fields[0], "amount", amount)
		g.send(ctx, chatID, fmt.Sprintf("Granted %d tokens to %s (balance %d).", amount, fields[0], balance))
	}
}

func (g *Gateway) send(ctx context.Context, chatID int64, text string) {
	if err := g.client.SendMessage(ctx, chatID, text, nil); err != nil {
		slog.Warn("send failed", "chat_id", chatID, "error", err)
	}
}

func (g *Gateway) sendPrompt(ctx context.Context, chatID int64, p Prompt) {
	if err := g.client.SendMessage(ctx, chatID, p.Text, p.Keyboard); err != nil {
		slog.Warn("prompt send failed", "chat_id", chatID, "error", err)
	}
}

func (g *Gateway) answer(ctx context.Context, callbackID, text string) {
	if err := g.client.AnswerCallback(ctx, callbackID, text); err != nil {
		slog.Debug("answerCallback failed", "error", err)
	}
}

func splitCommand(text string) (cmd, arg string) {
	if !strings.HasPrefix(text, "/") {
		return text, ""
	}
	parts := strings.SplitN(text, " ", 2)
	cmd = parts[0]
	// Commands may arrive as /docker@botname in group chats.
	if at := strings.Index(cmd, "@"); at > 0 {
		cmd = cmd[:at]
	}
	if len(parts) == 2 {
		arg = strings.TrimSpace(parts[1])
	}
	return cmd, arg
}

func describeCreated(rec session.Record) string {
	ttl := profile.FormatTTL(rec.TTL)
	return fmt.Sprintf("Session ready.\nImage: %s\nShell: %s\nProfile: %s\nNetwork: %s\nLifetime: %s\nJust type commands to run them.",
		rec.Image, rec.Shell, rec.Profile, onOff(rec.NetworkEnabled), ttl)
}

func describeStatus(rec session.Record) string {
	age := time.Since(rec.CreatedAt).Round(time.Second)
	return fmt.Sprintf("Image: %s\nShell: %s\nProfile: %s\nNetwork: %s\nLifetime: %s\nAge: %s",
		rec.Image, rec.Shell, rec.Profile, onOff(rec.NetworkEnabled), profile.FormatTTL(rec.TTL), age)
}

func onOff(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

// errText maps engine errors to user-facing replies.
func errText(err error) string {
	switch {
	case errors.Is(err, session.ErrNoActiveSession):
		return "No active session. Send /container to create one."
	case errors.Is(err, cmdqueue.ErrCommandForbidden):
		return "That command is not allowed in an unconfirmed session."
	case errors.Is(err, cmdqueue.ErrFeatureRestricted):
		return "Background commands are not available in a test session."
	case errors.Is(err, cmdqueue.ErrCommandTimeout):
		return "Command timed out. Test sessions are limited to 80 seconds per command."
	case errors.Is(err, cmdqueue.ErrQueueFull):
		return "Your command queue is full. Wait for pending commands or /cancel."
	case errors.Is(err, cmdqueue.ErrShuttingDown):
		return "The bot is restarting. Try again in a moment."
	case errors.Is(err, transfer.ErrTooLarge):
		return "File too large for your tier."
	case errors.Is(err, transfer.ErrFileNotFound):
		return "No such file in your environment."
	case errors.Is(err, profile.ErrProfileNotFound):
		return "Unknown resource profile."
	case errors.Is(err, profile.ErrInvalidTTL):
		return "That lifetime is not available to you."
	case errors.Is(err, session.ErrRuntimeUnavailable):
		return "The container runtime is unavailable. Try again later."
	default:
		return "Something went wrong. Try again."
	}
}
