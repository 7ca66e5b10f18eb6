package token

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/termbot/termbot/internal/notify"
)

// tokensPerTick is charged once per billing period.
const tokensPerTick = 1

const exhaustedMessage = "Your tokens are exhausted. The session has been stopped. Use the menu to check your balance."

// Billing runs one charging goroutine per billed session. When a
// session's balance runs out the user is notified and the session is
// torn down.
type Billing struct {
	ledger   *Ledger
	notifier notify.Notifier
	period   time.Duration

	active   func(user string) bool
	teardown func(ctx context.Context, user string) error

	mu    sync.Mutex
	loops map[string]context.CancelFunc
}

// NewBilling creates a billing driver charging tokensPerTick every
// period. Bind must be called before Start.
func NewBilling(ledger *Ledger, notifier notify.Notifier, period time.Duration) *Billing {
	if period <= 0 {
		period = time.Minute
	}
	return &Billing{
		ledger:   ledger,
		notifier: notifier,
		period:   period,
		loops:    make(map[string]context.CancelFunc),
	}
}

// Bind wires the session callbacks. Kept out of the constructor to
// break the construction cycle with the session manager.
func (b *Billing) Bind(active func(user string) bool, teardown func(ctx context.Context, user string) error) {
	b.active = active
	b.teardown = teardown
}

// Start launches the billing loop for a user. A second Start for the
// same user replaces the previous loop.
func (b *Billing) Start(user string) {
	ctx, cancel := context.WithCancel(context.Background())

	b.mu.Lock()
	if prev, ok := b.loops[user]; ok {
		prev()
	}
	b.loops[user] = cancel
	b.mu.Unlock()

	go b.run(ctx, user)
}

// Stop cancels the billing loop for a user, if any.
func (b *Billing) Stop(user string) {
	b.mu.Lock()
	cancel, ok := b.loops[user]
	if ok {
		delete(b.loops, user)
	}
	b.mu.Unlock()
	if ok {
		cancel()
	}
}

// StopAll cancels every billing loop. Used during shutdown.
func (b *Billing) StopAll() {
	b.mu.Lock()
	for user, cancel := range b.loops {
		cancel()
		delete(b.loops, user)
	}
	b.mu.Unlock()
}

func (b *Billing) run(ctx context.Context, user string) {
	ticker := time.NewTicker(b.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if b.active != nil && !b.active(user) {
				b.Stop(user)
				return
			}

			ok, err := b.ledger.Consume(user, tokensPerTick)
			if err != nil {
				slog.Warn("billing charge failed", "user", user, "error", err)
				continue
			}
			if ok {
				continue
			}

			slog.Info("tokens exhausted", "user", user)
			if err := b.notifier.Notify(ctx, user, exhaustedMessage); err != nil {
				slog.Warn("exhaustion notice failed", "user", user, "error", err)
			}
			if b.teardown != nil {
				if err := b.teardown(context.WithoutCancel(ctx), user); err != nil {
					slog.Warn("exhaustion teardown failed", "user", user, "error", err)
				}
			}
			b.Stop(user)
			return
		}
	}
}
