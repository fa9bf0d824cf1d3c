// Package spamguard throttles outbound writes before any optimistic record
// is created, so a denied message never appears locally.
//
// State is in-memory and process-scoped; losing it on restart is acceptable
// because the guard is best-effort, not a correctness guarantee.
package spamguard

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultMaxMessages     = 5
	defaultWindow          = 10 * time.Second
	defaultCooldown        = 30 * time.Second
	defaultDuplicateWindow = 2 * time.Second
)

// Config bounds per-user write frequency.
type Config struct {
	// MaxMessages within Window trips the cooldown.
	MaxMessages int
	Window      time.Duration
	// Cooldown is how long writes stay denied after tripping the limit.
	Cooldown time.Duration
	// DuplicateWindow denies identical content resent within this span.
	DuplicateWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxMessages <= 0 {
		c.MaxMessages = defaultMaxMessages
	}
	if c.Window <= 0 {
		c.Window = defaultWindow
	}
	if c.Cooldown <= 0 {
		c.Cooldown = defaultCooldown
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = defaultDuplicateWindow
	}
	return c
}

// Verdict is the guard's decision for one write attempt.
type Verdict struct {
	Allowed           bool
	Reason            string
	CooldownRemaining time.Duration
}

type userState struct {
	limiter       *rate.Limiter
	cooldownUntil time.Time
	lastContent   string
	lastContentAt time.Time
}

// Guard is a per-user sliding-window throttle with duplicate suppression.
type Guard struct {
	mu    sync.Mutex
	cfg   Config
	users map[string]*userState
	clock func() time.Time
}

// New creates a guard with the provided limits.
func New(cfg Config) *Guard {
	return &Guard{
		cfg:   cfg.withDefaults(),
		users: make(map[string]*userState),
		clock: time.Now,
	}
}

// SetClock overrides the time source for tests.
func (g *Guard) SetClock(clock func() time.Time) {
	g.mu.Lock()
	g.clock = clock
	g.mu.Unlock()
}

// Check reports whether the user may send content right now. It consumes no
// budget; pair it with Record once the write is actually issued.
func (g *Guard) Check(userID string, content string) Verdict {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	state := g.userState(userID)

	if state.cooldownUntil.After(now) {
		remaining := state.cooldownUntil.Sub(now)
		return Verdict{
			Reason:            fmt.Sprintf("sending too fast, wait %s", remaining.Round(time.Second)),
			CooldownRemaining: remaining,
		}
	}

	normalized := normalizeContent(content)
	if normalized != "" && normalized == state.lastContent && now.Sub(state.lastContentAt) < g.cfg.DuplicateWindow {
		return Verdict{Reason: "duplicate message"}
	}

	if state.limiter.TokensAt(now) < 1 {
		state.cooldownUntil = now.Add(g.cfg.Cooldown)
		return Verdict{
			Reason:            fmt.Sprintf("sending too fast, wait %s", g.cfg.Cooldown.Round(time.Second)),
			CooldownRemaining: g.cfg.Cooldown,
		}
	}

	return Verdict{Allowed: true}
}

// Record consumes one message from the user's budget and remembers the
// content for duplicate suppression.
func (g *Guard) Record(userID string, content string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	state := g.userState(userID)
	state.limiter.AllowN(now, 1)
	state.lastContent = normalizeContent(content)
	state.lastContentAt = now
}

func (g *Guard) userState(userID string) *userState {
	state, ok := g.users[userID]
	if !ok {
		perMessage := g.cfg.Window / time.Duration(g.cfg.MaxMessages)
		state = &userState{
			limiter: rate.NewLimiter(rate.Every(perMessage), g.cfg.MaxMessages),
		}
		g.users[userID] = state
	}
	return state
}

func normalizeContent(content string) string {
	return strings.ToLower(strings.Join(strings.Fields(content), " "))
}
