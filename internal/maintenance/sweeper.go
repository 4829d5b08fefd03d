package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sashakarcz/ironvpn/internal/logger"
	"github.com/sashakarcz/ironvpn/internal/metrics"
)

// Expirer moves resources past their expiry to expired
type Expirer interface {
	ExpireDue(ctx context.Context, limit int) (int, error)
}

// Releaser returns revoked pool entries to the available set
type Releaser interface {
	ReleaseStale(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

// Notifier is told about sweeps that did something or failed
type Notifier interface {
	BroadcastSweepEvent(expired, released int, err error)
}

// Config controls the sweep schedule
type Config struct {
	Interval     time.Duration
	ReleaseAfter time.Duration
	BatchSize    int
}

// Result summarizes one sweep
type Result struct {
	Expired  int `json:"expired"`
	Released int `json:"released"`
}

// Sweeper periodically expires due resources and releases aged revoked
// addresses
type Sweeper struct {
	expirer  Expirer
	releaser Releaser
	cfg      Config
	metrics  *metrics.Metrics
	notifier Notifier

	// mu keeps scheduled and on-demand sweeps from overlapping
	mu sync.Mutex

	stopChan chan struct{}
	doneChan chan struct{}
}

// NewSweeper creates a new sweeper. m may be nil.
func NewSweeper(expirer Expirer, releaser Releaser, cfg Config, m *metrics.Metrics) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.ReleaseAfter <= 0 {
		cfg.ReleaseAfter = 7 * 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}

	return &Sweeper{
		expirer:  expirer,
		releaser: releaser,
		cfg:      cfg,
		metrics:  m,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// SetNotifier sets the receiver of sweep events
func (s *Sweeper) SetNotifier(n Notifier) {
	s.notifier = n
}

// Start runs one sweep and then sweeps on every interval until stopped
func (s *Sweeper) Start(ctx context.Context) error {
	logger.Info().
		Dur("interval", s.cfg.Interval).
		Dur("release_after", s.cfg.ReleaseAfter).
		Msg("Starting maintenance sweeper")

	if _, err := s.RunOnce(ctx); err != nil {
		logger.Error().Err(err).Msg("Initial maintenance sweep failed")
	}

	go s.loop(ctx)

	return nil
}

// Stop stops the sweep loop
func (s *Sweeper) Stop(ctx context.Context) error {
	logger.Info().Msg("Stopping maintenance sweeper")

	close(s.stopChan)

	select {
	case <-s.doneChan:
		logger.Info().Msg("Maintenance sweeper stopped")
		return nil
	case <-ctx.Done():
		logger.Warn().Msg("Maintenance sweeper stop timed out")
		return ctx.Err()
	}
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.doneChan)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return

		case <-ctx.Done():
			return

		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				logger.Error().Err(err).Msg("Maintenance sweep failed")
			}
		}
	}
}

// RunOnce performs a single sweep. Both phases run even if the first fails.
func (s *Sweeper) RunOnce(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := &Result{}
	var errs []error

	expired, err := s.expirer.ExpireDue(ctx, s.cfg.BatchSize)
	if err != nil {
		errs = append(errs, fmt.Errorf("expire: %w", err))
	}
	result.Expired = expired

	released, err := s.releaser.ReleaseStale(ctx, s.cfg.ReleaseAfter, s.cfg.BatchSize)
	if err != nil {
		errs = append(errs, fmt.Errorf("release: %w", err))
	}
	result.Released = released

	err = errors.Join(errs...)
	s.metrics.RecordSweep(err == nil, result.Expired, result.Released)
	if s.notifier != nil && (err != nil || result.Expired > 0 || result.Released > 0) {
		s.notifier.BroadcastSweepEvent(result.Expired, result.Released, err)
	}

	if result.Expired > 0 || result.Released > 0 {
		logger.Info().
			Int("expired", result.Expired).
			Int("released", result.Released).
			Msg("Maintenance sweep completed")
	} else {
		logger.Debug().Msg("Maintenance sweep found nothing to do")
	}

	return result, err
}
