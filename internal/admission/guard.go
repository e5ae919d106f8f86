package admission

import (
	"fmt"
	"math"
	"sync"
	"time"

	"draftline/internal/config"
)

// ConcurrencyError means the global in-flight ceiling is reached. Requests
// are never queued.
type ConcurrencyError struct {
	Limit int
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("concurrency limit of %d requests reached", e.Limit)
}

// RateLimitError carries when the caller's fixed window opens again.
type RateLimitError struct {
	Limit      int
	RetryAfter time.Duration
}

func (e RateLimitError) Error() string {
	return fmt.Sprintf("rate limit of %d requests per window reached, retry in %s", e.Limit, e.RetryAfter.Round(time.Second))
}

// BudgetError reports the daily spend cap.
type BudgetError struct {
	Budget    float64
	Spent     float64
	Remaining float64
}

func (e BudgetError) Error() string {
	return fmt.Sprintf("daily budget of $%.2f exhausted ($%.4f spent, $%.4f remaining)", e.Budget, e.Spent, e.Remaining)
}

// BudgetState is the admission snapshot served by the limits API.
type BudgetState struct {
	WindowCount    int       `json:"window_count"`
	WindowMax      int       `json:"window_max"`
	WindowResetAt  time.Time `json:"window_reset_at"`
	DailySpentUSD  float64   `json:"daily_spent_usd"`
	DailyBudgetUSD float64   `json:"daily_budget_usd"`
	DailyResetAt   time.Time `json:"daily_reset_at"`
	TrustBonus     int       `json:"trust_bonus"`
	InFlight       int       `json:"in_flight"`
	MaxConcurrent  int       `json:"max_concurrent"`
}

type Config struct {
	MaxConcurrent  int
	RateWindow     time.Duration
	RateMax        int
	DailyBudgetUSD float64
	TrustBonusMax  int
	IdleExpiry     time.Duration
	SweepInterval  time.Duration
}

func ConfigFrom(limits config.LimitsConfig) Config {
	return Config{
		MaxConcurrent:  limits.MaxConcurrent,
		RateWindow:     time.Duration(limits.RateWindowSeconds) * time.Second,
		RateMax:        limits.RateMaxRequests,
		DailyBudgetUSD: limits.DailyBudgetUSD,
		TrustBonusMax:  limits.TrustBonusMax,
		IdleExpiry:     time.Duration(limits.IdleExpiryMinutes) * time.Minute,
		SweepInterval:  time.Minute,
	}
}

// Costs accumulate in integer microdollars so repeated small admissions sum
// exactly against the budget boundary.
type userState struct {
	windowStart time.Time
	windowCount int

	day        time.Time
	spentMicro int64

	successes int
	failures  int

	budgetOverride  *float64
	rateMaxOverride *int

	lastSeen time.Time
}

func toMicro(usd float64) int64 {
	if usd <= 0 {
		return 0
	}
	return int64(math.Round(usd * 1e6))
}

func toUSD(micro int64) float64 {
	return float64(micro) / 1e6
}

// Guard gates dispatches behind a global concurrency ceiling and per-user
// rate and budget accounting. One instance per process, injected where
// needed; Start/Stop manage the idle-entry sweep.
type Guard struct {
	cfg Config

	// LimitsFor, when set, supplies per-user overrides the first time a user
	// is seen (and again after their idle entry is swept).
	LimitsFor func(userID string) (dailyBudgetUSD *float64, rateMax *int)

	Now func() time.Time

	mu       sync.Mutex
	inFlight int
	users    map[string]*userState

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(cfg Config) *Guard {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Guard{
		cfg:   cfg,
		Now:   time.Now,
		users: map[string]*userState{},
	}
}

func (g *Guard) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// Ticket represents one admitted request. Release is safe to call more than
// once; only the first call frees the concurrency slot.
type Ticket struct {
	guard *Guard
	once  sync.Once
}

func (t *Ticket) Release() {
	t.once.Do(func() {
		t.guard.mu.Lock()
		if t.guard.inFlight > 0 {
			t.guard.inFlight--
		}
		t.guard.mu.Unlock()
	})
}

// Acquire admits one request for userID or fails with the first violated
// gate. Checks run concurrency first, then rate, then budget; a denial
// leaves no partial accounting behind.
func (g *Guard) Acquire(userID string, estimatedCost float64) (*Ticket, error) {
	now := g.now()
	budgetOverride, rateOverride := g.overridesFor(userID)

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.inFlight >= g.cfg.MaxConcurrent {
		return nil, ConcurrencyError{Limit: g.cfg.MaxConcurrent}
	}

	u := g.userLocked(userID, budgetOverride, rateOverride, now)
	g.rollWindows(u, now)

	effectiveMax := g.effectiveRateMax(u)
	if u.windowCount >= effectiveMax {
		return nil, RateLimitError{
			Limit:      effectiveMax,
			RetryAfter: u.windowStart.Add(g.cfg.RateWindow).Sub(now),
		}
	}

	budget := g.effectiveBudget(u)
	if budgetMicro := toMicro(budget); u.spentMicro >= budgetMicro {
		remaining := budgetMicro - u.spentMicro
		if remaining < 0 {
			remaining = 0
		}
		return nil, BudgetError{Budget: budget, Spent: toUSD(u.spentMicro), Remaining: toUSD(remaining)}
	}

	u.windowCount++
	u.spentMicro += toMicro(estimatedCost)
	u.lastSeen = now
	g.inFlight++
	return &Ticket{guard: g}, nil
}

// RecordOutcome feeds the trust score. The dispatcher calls it once per
// finished request, success or not.
func (g *Guard) RecordOutcome(userID string, success bool) {
	now := g.now()
	budgetOverride, rateOverride := g.overridesFor(userID)
	g.mu.Lock()
	defer g.mu.Unlock()
	u := g.userLocked(userID, budgetOverride, rateOverride, now)
	if success {
		u.successes++
	} else {
		u.failures++
	}
	u.lastSeen = now
}

// Snapshot reports the user's current admission budget without admitting
// anything.
func (g *Guard) Snapshot(userID string) BudgetState {
	now := g.now()
	budgetOverride, rateOverride := g.overridesFor(userID)
	g.mu.Lock()
	defer g.mu.Unlock()
	u := g.userLocked(userID, budgetOverride, rateOverride, now)
	g.rollWindows(u, now)
	return BudgetState{
		WindowCount:    u.windowCount,
		WindowMax:      g.effectiveRateMax(u),
		WindowResetAt:  u.windowStart.Add(g.cfg.RateWindow),
		DailySpentUSD:  toUSD(u.spentMicro),
		DailyBudgetUSD: g.effectiveBudget(u),
		DailyResetAt:   nextMidnight(u.day),
		TrustBonus:     g.trustBonus(u),
		InFlight:       g.inFlight,
		MaxConcurrent:  g.cfg.MaxConcurrent,
	}
}

// InFlight reports the number of currently admitted requests.
func (g *Guard) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}

// Start launches the idle-entry sweep. Stop shuts it down and waits.
func (g *Guard) Start() {
	g.mu.Lock()
	if g.stop != nil {
		g.mu.Unlock()
		return
	}
	g.stop = make(chan struct{})
	stop := g.stop
	g.mu.Unlock()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(g.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.Sweep()
			case <-stop:
				return
			}
		}
	}()
}

func (g *Guard) Stop() {
	g.mu.Lock()
	stop := g.stop
	g.stop = nil
	g.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	g.wg.Wait()
}

// Sweep drops user entries idle past the configured expiry.
func (g *Guard) Sweep() {
	if g.cfg.IdleExpiry <= 0 {
		return
	}
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, u := range g.users {
		if now.Sub(u.lastSeen) > g.cfg.IdleExpiry {
			delete(g.users, id)
		}
	}
}

// overridesFor fetches per-user limits outside the guard lock. It returns
// nils when the user is already tracked; LimitsFor never runs under the
// mutex.
func (g *Guard) overridesFor(userID string) (*float64, *int) {
	if g.LimitsFor == nil {
		return nil, nil
	}
	g.mu.Lock()
	_, known := g.users[userID]
	g.mu.Unlock()
	if known {
		return nil, nil
	}
	return g.LimitsFor(userID)
}

// userLocked returns the user's entry, creating it on first sight.
func (g *Guard) userLocked(userID string, budget *float64, rateMax *int, now time.Time) *userState {
	u, ok := g.users[userID]
	if !ok {
		u = &userState{
			windowStart:     now,
			day:             startOfDay(now),
			budgetOverride:  budget,
			rateMaxOverride: rateMax,
			lastSeen:        now,
		}
		g.users[userID] = u
	}
	return u
}

// rollWindows applies the lazy fixed-window and calendar-day resets.
func (g *Guard) rollWindows(u *userState, now time.Time) {
	if now.Sub(u.windowStart) >= g.cfg.RateWindow {
		u.windowStart = now
		u.windowCount = 0
	}
	if !sameDay(u.day, now) {
		u.day = startOfDay(now)
		u.spentMicro = 0
	}
}

func (g *Guard) effectiveRateMax(u *userState) int {
	max := g.cfg.RateMax
	if u.rateMaxOverride != nil {
		max = *u.rateMaxOverride
	}
	return max + g.trustBonus(u)
}

func (g *Guard) effectiveBudget(u *userState) float64 {
	if u.budgetOverride != nil {
		return *u.budgetOverride
	}
	return g.cfg.DailyBudgetUSD
}

// trustBonus raises the rate ceiling for users with a strong track record.
// At least 10 recorded outcomes are needed; >=90% success earns the full
// configured bonus, >=50% half, anything lower nothing.
func (g *Guard) trustBonus(u *userState) int {
	samples := u.successes + u.failures
	if samples < 10 || g.cfg.TrustBonusMax <= 0 {
		return 0
	}
	rate := float64(u.successes) / float64(samples)
	switch {
	case rate >= 0.9:
		return g.cfg.TrustBonusMax
	case rate >= 0.5:
		return g.cfg.TrustBonusMax / 2
	default:
		return 0
	}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func nextMidnight(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, day.Location())
}

func sameDay(day, t time.Time) bool {
	y1, m1, d1 := day.Date()
	y2, m2, d2 := t.In(day.Location()).Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}
