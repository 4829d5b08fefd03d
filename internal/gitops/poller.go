package gitops

import (
	"context"
	"time"

	"github.com/sashakarcz/ironvpn/internal/logger"
	"github.com/sashakarcz/ironvpn/internal/storage"
)

// Poller periodically syncs the pool inventory
type Poller struct {
	syncService  *SyncService
	pollInterval time.Duration
	syncTimeout  time.Duration
	stopChan     chan struct{}
	doneChan     chan struct{}
}

// NewPoller creates a new Git repository poller
func NewPoller(syncService *SyncService, pollInterval, syncTimeout time.Duration) *Poller {
	return &Poller{
		syncService:  syncService,
		pollInterval: pollInterval,
		syncTimeout:  syncTimeout,
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
	}
}

// Start runs an initial sync and begins the polling loop
func (p *Poller) Start(ctx context.Context) error {
	logger.Info().
		Dur("interval", p.pollInterval).
		Msg("Starting pool inventory poller")

	// Perform initial sync
	if _, err := p.sync(ctx, storage.PoolSyncTriggerStartup, ""); err != nil {
		// Don't fail startup if initial sync fails
		logger.Error().Err(err).Msg("Initial pool sync failed")
	}

	// Start polling loop in background
	go p.pollLoop(ctx)

	return nil
}

// Stop stops the polling loop
func (p *Poller) Stop(ctx context.Context) error {
	logger.Info().Msg("Stopping pool inventory poller")

	close(p.stopChan)

	// Wait for polling loop to finish with timeout
	select {
	case <-p.doneChan:
		logger.Info().Msg("Pool inventory poller stopped")
		return nil
	case <-ctx.Done():
		logger.Warn().Msg("Pool inventory poller stop timed out")
		return ctx.Err()
	}
}

// pollLoop is the main polling loop
func (p *Poller) pollLoop(ctx context.Context) {
	defer close(p.doneChan)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return

		case <-ctx.Done():
			return

		case <-ticker.C:
			result, err := p.sync(ctx, storage.PoolSyncTriggerPoll, "")
			if err != nil {
				logger.Error().Err(err).Msg("Pool sync failed during polling")
				continue
			}
			if result.HasChanges {
				logger.Info().
					Str("commit", result.CommitInfo.Hash).
					Interface("changes", result.ChangesApplied).
					Msg("Applied pool inventory changes")
			}
		}
	}
}

// TriggerSync runs a sync on demand
func (p *Poller) TriggerSync(ctx context.Context, triggeredByUser string) (*SyncResult, error) {
	logger.Info().
		Str("user", triggeredByUser).
		Msg("Manual pool sync triggered")

	return p.sync(ctx, storage.PoolSyncTriggerManual, triggeredByUser)
}

func (p *Poller) sync(ctx context.Context, trigger storage.PoolSyncTrigger, user string) (*SyncResult, error) {
	if p.syncTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.syncTimeout)
		defer cancel()
	}
	return p.syncService.Sync(ctx, trigger, user)
}
