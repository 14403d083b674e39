// Package scheduler raises background refreshes from two timezone-anchored
// rules and reports when the next one is due.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"
	_ "time/tzdata"

	"property-sync/utils"
)

// Config describes both rules.
type Config struct {
	MorningZone      string
	MorningHours     []int
	MorningCooldown  time.Duration
	DaytimeZone      string
	DaytimeStartHour int
	DaytimeEndHour   int
	DaytimeCooldown  time.Duration
	TickRate         time.Duration
}

// DefaultConfig returns the production schedule.
func DefaultConfig() Config {
	return Config{
		MorningZone:      "America/New_York",
		MorningHours:     []int{6, 18},
		MorningCooldown:  3 * time.Hour,
		DaytimeZone:      "America/Chicago",
		DaytimeStartHour: 9,
		DaytimeEndHour:   17,
		DaytimeCooldown:  12 * time.Minute,
		TickRate:         time.Minute,
	}
}

// Scheduler evaluates its rules once per tick and raises the trigger when
// one fires.
type Scheduler struct {
	rules   []Rule
	trigger *Trigger
	tick    time.Duration
	logger  *utils.Logger
	now     func() time.Time

	mu   sync.Mutex
	last map[Kind]time.Time
}

// New builds the morning and daytime rules from cfg.
func New(cfg Config, trigger *Trigger, logger *utils.Logger) (*Scheduler, error) {
	morning, err := time.LoadLocation(cfg.MorningZone)
	if err != nil {
		return nil, fmt.Errorf("scheduler: morning zone %q: %w", cfg.MorningZone, err)
	}
	daytime, err := time.LoadLocation(cfg.DaytimeZone)
	if err != nil {
		return nil, fmt.Errorf("scheduler: daytime zone %q: %w", cfg.DaytimeZone, err)
	}
	if cfg.DaytimeStartHour >= cfg.DaytimeEndHour {
		return nil, fmt.Errorf("scheduler: empty daytime window [%d, %d)", cfg.DaytimeStartHour, cfg.DaytimeEndHour)
	}

	tick := cfg.TickRate
	if tick <= 0 {
		tick = time.Minute
	}

	return NewWithRules(trigger, logger, tick,
		NewHourRule(KindMorning, morning, cfg.MorningHours, cfg.MorningCooldown),
		NewQuarterRule(KindDaytime, daytime, cfg.DaytimeStartHour, cfg.DaytimeEndHour, cfg.DaytimeCooldown),
	), nil
}

// NewWithRules creates a Scheduler over arbitrary rules.
func NewWithRules(trigger *Trigger, logger *utils.Logger, tick time.Duration, rules ...Rule) *Scheduler {
	return &Scheduler{
		rules:   rules,
		trigger: trigger,
		tick:    tick,
		logger:  logger,
		now:     time.Now,
		last:    make(map[Kind]time.Time),
	}
}

// Evaluate checks every rule at now. Each rule that matches and is out of
// its cooldown is recorded as fired; the first such rule is returned.
func (s *Scheduler) Evaluate(now time.Time) (Kind, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		fired Kind
		ok    bool
	)
	for _, r := range s.rules {
		if !r.Matches(now) {
			continue
		}
		if last, seen := s.last[r.Kind()]; seen && now.Sub(last) < r.Cooldown() {
			continue
		}
		s.last[r.Kind()] = now
		if !ok {
			fired, ok = r.Kind(), true
		}
	}
	return fired, ok
}

// NextFiring returns the earliest instant after now at which any rule would
// fire, honouring cooldowns. It is for display only.
func (s *Scheduler) NextFiring(now time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next time.Time
	for _, r := range s.rules {
		from := now
		if last, seen := s.last[r.Kind()]; seen {
			if ready := last.Add(r.Cooldown()); ready.After(from) {
				from = ready
			}
		}
		// Round up so a rule cannot "fire" at a minute already evaluated.
		if t := from.Truncate(time.Minute); t.Before(from) {
			from = t.Add(time.Minute)
		}
		c := r.Next(from)
		if c.IsZero() {
			continue
		}
		if next.IsZero() || c.Before(next) {
			next = c
		}
	}
	return next
}

// LastFired returns when the rule of the given kind last fired.
func (s *Scheduler) LastFired(kind Kind) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.last[kind]
	return t, ok
}

// Run evaluates the rules every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.logger.Info("[scheduler] Running, next refresh at %s", s.NextFiring(s.now()).Format(time.RFC3339))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("[scheduler] Stopped")
			return
		case <-ticker.C:
			now := s.now()
			if kind, ok := s.Evaluate(now); ok {
				s.logger.Info("[scheduler] %s rule fired at %s", kind, now.Format(time.RFC3339))
				s.trigger.Raise(kind)
			}
		}
	}
}
