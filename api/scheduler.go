/*
scheduler.go - Idle session reaper

PURPOSE:
  Billing sessions live in memory until committed or cancelled. Users who
  walk away leave them behind; the reaper periodically discards sessions
  that have been idle longer than the configured TTL.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Sessions mid-commit are never reaped
  - Discarding an open session has no side effects (nothing was written)

CONFIGURATION:
  - TTL: Idle lifetime (default: 30 minutes)
  - CheckInterval: How often to check (default: 1 minute)
  - Enabled: Whether the reaper is active (default: true)

USAGE:
  reaper := NewSessionReaper(registry, logger)
  reaper.Start()
  // ... later
  reaper.Stop()

SEE ALSO:
  - registry.go: SessionRegistry.Expire
*/
package api

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SessionReaper expires idle billing sessions.
type SessionReaper struct {
	Registry      *SessionRegistry
	TTL           time.Duration
	CheckInterval time.Duration
	Enabled       bool
	Clock         func() time.Time

	log    zerolog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSessionReaper creates a reaper with default settings.
func NewSessionReaper(registry *SessionRegistry, log zerolog.Logger) *SessionReaper {
	return &SessionReaper{
		Registry:      registry,
		TTL:           30 * time.Minute,
		CheckInterval: time.Minute,
		Enabled:       true,
		Clock:         time.Now,
		log:           log,
	}
}

// Start begins the reaper.
func (sr *SessionReaper) Start() {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	if !sr.Enabled {
		sr.log.Info().Msg("session reaper disabled, not starting")
		return
	}
	if sr.ticker != nil {
		return
	}

	sr.ticker = time.NewTicker(sr.CheckInterval)
	sr.stop = make(chan struct{})
	sr.wg.Add(1)

	go sr.run(sr.ticker, sr.stop)

	sr.log.Info().
		Dur("ttl", sr.TTL).
		Dur("check_interval", sr.CheckInterval).
		Msg("session reaper started")
}

// Stop stops the reaper and waits for the loop to exit.
func (sr *SessionReaper) Stop() {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	if sr.ticker != nil {
		sr.ticker.Stop()
		close(sr.stop)
		sr.wg.Wait()
		sr.ticker = nil
		sr.log.Info().Msg("session reaper stopped")
	}
}

func (sr *SessionReaper) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer sr.wg.Done()

	for {
		select {
		case <-ticker.C:
			sr.RunNow()
		case <-stop:
			return
		}
	}
}

// RunNow expires idle sessions immediately and returns how many were removed.
func (sr *SessionReaper) RunNow() int {
	expired := sr.Registry.Expire(sr.Clock(), sr.TTL)
	if len(expired) > 0 {
		sr.log.Info().
			Int("count", len(expired)).
			Strs("session_ids", expired).
			Msg("expired idle billing sessions")
	}
	return len(expired)
}
