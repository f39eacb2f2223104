package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/neul-labs/openclaw/pkg/eventlog"
	"github.com/neul-labs/openclaw/pkg/projection"
)

// JanitorConfig configures the idle janitor
type JanitorConfig struct {
	Log         *eventlog.Log
	Projection  *projection.Engine
	IdleTimeout time.Duration

	// CheckInterval defaults to one minute
	CheckInterval time.Duration
}

// Janitor ends sessions that have seen no activity for IdleTimeout by
// appending a session_ended event with reason "idle". Ended sessions
// stay replayable; only new deliveries are refused.
type Janitor struct {
	lg       *eventlog.Log
	engine   *projection.Engine
	timeout  time.Duration
	interval time.Duration

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewJanitor validates the config and returns an unstarted janitor.
func NewJanitor(cfg JanitorConfig) (*Janitor, error) {
	if cfg.Log == nil {
		return nil, fmt.Errorf("event log is required")
	}
	if cfg.Projection == nil {
		return nil, fmt.Errorf("projection engine is required")
	}
	if cfg.IdleTimeout <= 0 {
		return nil, fmt.Errorf("idle timeout must be positive")
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Minute
	}

	return &Janitor{
		lg:       cfg.Log,
		engine:   cfg.Projection,
		timeout:  cfg.IdleTimeout,
		interval: cfg.CheckInterval,
		done:     make(chan struct{}),
	}, nil
}

// Start begins the periodic sweep.
func (j *Janitor) Start() {
	j.wg.Add(1)
	go j.run()
	log.Info().
		Dur("idleTimeout", j.timeout).
		Dur("checkInterval", j.interval).
		Msg("Idle janitor started")
}

// Stop halts sweeping. Safe to call more than once.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() { close(j.done) })
	j.wg.Wait()
}

func (j *Janitor) run() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.sweep(context.Background())
		}
	}
}

// sweep ends every active session whose last activity predates the
// idle cutoff.
func (j *Janitor) sweep(ctx context.Context) {
	keys, err := j.lg.ListSessions()
	if err != nil {
		log.Warn().Err(err).Msg("Idle sweep could not list sessions")
		return
	}

	cutoff := time.Now().Add(-j.timeout)
	ended := 0

	for _, key := range keys {
		proj, err := j.engine.ProjectWithContext(ctx, key)
		if err != nil {
			log.Warn().Err(err).Str("sessionKey", string(key)).Msg("Idle sweep could not project session")
			continue
		}
		if proj.State != projection.StateActive || proj.LastSequence == 0 {
			continue
		}
		if proj.LastActivity.After(cutoff) {
			continue
		}

		if _, err := j.lg.AppendWithContext(ctx, key, proj.AgentID, eventlog.SessionEnded{Reason: "idle"}); err != nil {
			log.Warn().Err(err).Str("sessionKey", string(key)).Msg("Failed to end idle session")
			continue
		}
		ended++
		log.Info().
			Str("sessionKey", string(key)).
			Time("lastActivity", proj.LastActivity).
			Msg("Ended idle session")
	}

	if ended > 0 {
		log.Info().Int("ended", ended).Msg("Idle sweep finished")
	}
}
