package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gpropadm/brpolis/internal/metrics"
	"github.com/gpropadm/brpolis/internal/repository"
)

// SweeperConfig holds configuration for the session sweeper
type SweeperConfig struct {
	Interval time.Duration // Interval between runs (default: 1 hour)
	// UsedTokenRetention is how long consumed verification tokens are kept (default: 24 hours)
	UsedTokenRetention time.Duration
	RunTimeout         time.Duration // Upper bound for a single run (default: 5 minutes)
	Enabled            bool
}

// DefaultSweeperConfig returns default configuration
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:           time.Hour,
		UsedTokenRetention: 24 * time.Hour,
		RunTimeout:         5 * time.Minute,
		Enabled:            true,
	}
}

// SweepResult holds the result of a sweep run
type SweepResult struct {
	StartTime                 time.Time
	EndTime                   time.Time
	SessionsDeleted           int64
	VerificationTokensDeleted int64
}

// Sweeper periodically purges expired sessions and stale verification tokens.
type Sweeper struct {
	sessions repository.SessionRepository
	tokens   repository.VerificationTokenRepository
	config   SweeperConfig
	logger   *slog.Logger
	now      func() time.Time

	stopChan   chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	lastResult *SweepResult
}

// NewSweeper creates a new session sweeper
func NewSweeper(sessions repository.SessionRepository, tokens repository.VerificationTokenRepository, config SweeperConfig, logger *slog.Logger) *Sweeper {
	defaults := DefaultSweeperConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.UsedTokenRetention <= 0 {
		config.UsedTokenRetention = defaults.UsedTokenRetention
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = defaults.RunTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		sessions: sessions,
		tokens:   tokens,
		config:   config,
		logger:   logger,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
}

// Start begins the periodic sweep
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("sweeper is already running")
	}
	if !s.config.Enabled {
		s.logger.Info("session sweeper is disabled")
		return nil
	}

	s.running = true
	s.stopChan = make(chan struct{})
	s.wg.Add(1)

	go s.run()

	s.logger.Info("session sweeper started", slog.Duration("interval", s.config.Interval))
	return nil
}

// Stop stops the sweeper and waits for an in-progress run to finish
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("session sweeper stopped")
}

// IsRunning returns whether the sweeper loop is active
func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// LastResult returns the result of the last run, or nil
func (s *Sweeper) LastResult() *SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastResult
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.config.RunTimeout)
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("session sweep failed", slog.String("error", err.Error()))
			}
			cancel()
		case <-s.stopChan:
			return
		}
	}
}

// RunOnce performs a single sweep. Both tables are attempted even if one fails.
func (s *Sweeper) RunOnce(ctx context.Context) (*SweepResult, error) {
	now := s.now()
	result := &SweepResult{StartTime: now}

	var errs []error

	n, err := s.sessions.DeleteExpired(ctx, now)
	if err != nil {
		errs = append(errs, err)
	} else {
		result.SessionsDeleted = n
		metrics.AuthSweptRowsTotal.WithLabelValues("sessions").Add(float64(n))
	}

	n, err = s.tokens.DeleteStale(ctx, now, now.Add(-s.config.UsedTokenRetention))
	if err != nil {
		errs = append(errs, err)
	} else {
		result.VerificationTokensDeleted = n
		metrics.AuthSweptRowsTotal.WithLabelValues("verification_tokens").Add(float64(n))
	}

	result.EndTime = s.now()

	s.mu.Lock()
	s.lastResult = result
	s.mu.Unlock()

	s.logger.Info("session sweep completed",
		slog.Int64("sessions_deleted", result.SessionsDeleted),
		slog.Int64("verification_rows_deleted", result.VerificationTokensDeleted),
		slog.Duration("duration", result.EndTime.Sub(result.StartTime)),
	)

	return result, errors.Join(errs...)
}
