package gitops

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sashakarcz/ironvpn/internal/config"
	"github.com/sashakarcz/ironvpn/internal/logger"
	"github.com/sashakarcz/ironvpn/internal/metrics"
	"github.com/sashakarcz/ironvpn/internal/pool"
	"github.com/sashakarcz/ironvpn/internal/storage"
)

// Source provides the inventory file at the latest commit
type Source interface {
	Pull(ctx context.Context) (*CommitInfo, bool, error)
	PoolsFilePath() string
}

// LogStore records sync runs
type LogStore interface {
	CreatePoolSyncLog(ctx context.Context, log *storage.PoolSyncLog) error
	UpdatePoolSyncLog(ctx context.Context, log *storage.PoolSyncLog) error
}

// Importer registers expanded pool blocks
type Importer interface {
	Import(ctx context.Context, blocks []config.PoolImportConfig, source string) (*pool.ImportResult, error)
}

// Notifier is told about every finished sync
type Notifier interface {
	BroadcastPoolSyncEvent(success bool, commitHash, commitMessage string, details map[string]interface{})
}

// SyncService imports the pool inventory kept in Git. Addresses are only
// ever added; removing a block from the file leaves its entries in place.
type SyncService struct {
	source   Source
	logs     LogStore
	importer Importer
	metrics  *metrics.Metrics
	notifier Notifier

	mu          sync.Mutex
	currentHash string
}

// SyncResult contains the result of a sync operation
type SyncResult struct {
	Success        bool                   `json:"success"`
	HasChanges     bool                   `json:"has_changes"`
	CommitInfo     *CommitInfo            `json:"commit,omitempty"`
	ErrorMessage   string                 `json:"error,omitempty"`
	ChangesApplied map[string]interface{} `json:"changes_applied,omitempty"`
}

// NewSyncService creates a new sync service. m may be nil.
func NewSyncService(source Source, logs LogStore, importer Importer, m *metrics.Metrics) *SyncService {
	return &SyncService{
		source:   source,
		logs:     logs,
		importer: importer,
		metrics:  m,
	}
}

// SetNotifier sets the receiver of sync events
func (s *SyncService) SetNotifier(n Notifier) {
	s.notifier = n
}

// Sync pulls the repository, validates the inventory and registers any new
// addresses
func (s *SyncService) Sync(ctx context.Context, trigger storage.PoolSyncTrigger, triggeredByUser string) (*SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	syncLog := &storage.PoolSyncLog{
		SyncStartedAt:   start,
		Status:          storage.PoolSyncStatusInProgress,
		TriggeredBy:     trigger,
		TriggeredByUser: triggeredByUser,
	}

	if err := s.logs.CreatePoolSyncLog(ctx, syncLog); err != nil {
		return nil, fmt.Errorf("failed to create pool sync log: %w", err)
	}

	result := &SyncResult{
		ChangesApplied: make(map[string]interface{}),
	}

	commitInfo, hasChanges, err := s.source.Pull(ctx)
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("failed to pull from repository: %v", err)
		s.finish(ctx, syncLog, result, start)
		return result, fmt.Errorf("failed to pull from repository: %w", err)
	}

	result.CommitInfo = commitInfo
	result.HasChanges = hasChanges
	syncLog.CommitHash = commitInfo.Hash
	syncLog.CommitMessage = commitInfo.Message
	syncLog.CommitAuthor = commitInfo.Author
	syncLog.CommitTimestamp = &commitInfo.Timestamp

	if !hasChanges && s.currentHash == commitInfo.Hash {
		logger.Debug().
			Str("commit", commitInfo.Hash).
			Msg("Pool inventory unchanged, skipping sync")

		result.Success = true
		s.finish(ctx, syncLog, result, start)
		return result, nil
	}

	pf, err := config.LoadPoolFile(s.source.PoolsFilePath())
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("pool inventory validation failed: %v", err)
		s.finish(ctx, syncLog, result, start)
		return result, fmt.Errorf("pool inventory validation failed: %w", err)
	}

	imported, err := s.importer.Import(ctx, pf.Pools, "git:"+shortHash(commitInfo.Hash))
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("failed to import pools: %v", err)
		s.finish(ctx, syncLog, result, start)
		return result, fmt.Errorf("failed to import pools: %w", err)
	}

	for poolType, n := range imported.Added {
		result.ChangesApplied[poolType+"_added"] = n
	}
	result.ChangesApplied["total_blocks"] = len(pf.Pools)
	result.ChangesApplied["total_added"] = imported.TotalAdded()

	s.currentHash = commitInfo.Hash
	result.Success = true

	logger.Info().
		Str("commit", commitInfo.Hash).
		Int64("added", imported.TotalAdded()).
		Msg("Synced pool inventory from Git")

	s.finish(ctx, syncLog, result, start)
	return result, nil
}

func (s *SyncService) finish(ctx context.Context, syncLog *storage.PoolSyncLog, result *SyncResult, start time.Time) {
	now := time.Now()
	syncLog.SyncCompletedAt = &now

	if result.Success {
		syncLog.Status = storage.PoolSyncStatusSuccess
	} else {
		syncLog.Status = storage.PoolSyncStatusFailed
		syncLog.ErrorMessage = result.ErrorMessage
	}
	syncLog.ChangesApplied = result.ChangesApplied

	if err := s.logs.UpdatePoolSyncLog(ctx, syncLog); err != nil {
		logger.Error().Err(err).Msg("Failed to update pool sync log")
	}

	s.metrics.RecordGitSync(result.Success, time.Since(start).Seconds())

	if s.notifier != nil {
		var hash, message string
		if result.CommitInfo != nil {
			hash = result.CommitInfo.Hash
			message = result.CommitInfo.Message
		}
		s.notifier.BroadcastPoolSyncEvent(result.Success, hash, message, result.ChangesApplied)
	}
}

// CurrentCommitHash returns the last successfully applied commit
func (s *SyncService) CurrentCommitHash() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentHash
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
