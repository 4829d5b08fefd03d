package gitops

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sashakarcz/ironvpn/internal/config"
	"github.com/sashakarcz/ironvpn/internal/pool"
	"github.com/sashakarcz/ironvpn/internal/storage"
	"github.com/sashakarcz/ironvpn/internal/testutil"
)

type fakeSource struct {
	path    string
	commit  *CommitInfo
	changed bool
	err     error
}

func (f *fakeSource) Pull(ctx context.Context) (*CommitInfo, bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	return f.commit, f.changed, nil
}

func (f *fakeSource) PoolsFilePath() string { return f.path }

type fakeLogStore struct {
	mu   sync.Mutex
	logs []*storage.PoolSyncLog
}

func (f *fakeLogStore) CreatePoolSyncLog(ctx context.Context, log *storage.PoolSyncLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	log.ID = int64(len(f.logs) + 1)
	f.logs = append(f.logs, log)
	return nil
}

func (f *fakeLogStore) UpdatePoolSyncLog(ctx context.Context, log *storage.PoolSyncLog) error {
	return nil
}

func (f *fakeLogStore) last() *storage.PoolSyncLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logs[len(f.logs)-1]
}

type recordedSync struct {
	success bool
	hash    string
}

type fakeNotifier struct {
	events []recordedSync
}

func (f *fakeNotifier) BroadcastPoolSyncEvent(success bool, commitHash, commitMessage string, details map[string]interface{}) {
	f.events = append(f.events, recordedSync{success: success, hash: commitHash})
}

const inventory = `pools:
  - pool_type: wireguard_trial
    cidr: 10.10.0.0/30
  - pool_type: wireguard_paid
    cidr: 10.20.0.0/29
    exclude: [10.20.0.1]
`

func newSyncFixture(t *testing.T, contents string) (*SyncService, *fakeSource, *fakeLogStore, *testutil.MockPoolStore) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "pools.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))

	src := &fakeSource{
		path: path,
		commit: &CommitInfo{
			Hash:      "0123456789abcdef0123456789abcdef01234567",
			Message:   "add pools",
			Author:    "ops",
			Timestamp: time.Now(),
		},
		changed: true,
	}
	logs := &fakeLogStore{}
	store := testutil.NewMockPoolStore()
	svc := NewSyncService(src, logs, pool.NewAllocator(store, nil, "test-server"), nil)
	return svc, src, logs, store
}

func TestSync_ImportsInventory(t *testing.T) {
	svc, src, logs, store := newSyncFixture(t, inventory)
	notifier := &fakeNotifier{}
	svc.SetNotifier(notifier)

	result, err := svc.Sync(context.Background(), storage.PoolSyncTriggerManual, "admin")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, int64(7), result.ChangesApplied["total_added"])
	assert.Equal(t, int64(2), result.ChangesApplied[config.PoolWireGuardTrial+"_added"])

	entry := store.Entry("10.20.0.2")
	require.NotNil(t, entry)
	assert.Equal(t, "git:0123456789ab", entry.Metadata["source"])
	assert.Nil(t, store.Entry("10.20.0.1"))

	log := logs.last()
	assert.Equal(t, storage.PoolSyncStatusSuccess, log.Status)
	assert.Equal(t, src.commit.Hash, log.CommitHash)
	assert.Equal(t, storage.PoolSyncTriggerManual, log.TriggeredBy)
	assert.Equal(t, "admin", log.TriggeredByUser)
	assert.NotNil(t, log.SyncCompletedAt)

	assert.Equal(t, src.commit.Hash, svc.CurrentCommitHash())
	require.Len(t, notifier.events, 1)
	assert.True(t, notifier.events[0].success)
}

func TestSync_SkipsUnchangedCommit(t *testing.T) {
	svc, src, logs, _ := newSyncFixture(t, inventory)
	ctx := context.Background()

	_, err := svc.Sync(ctx, storage.PoolSyncTriggerStartup, "")
	require.NoError(t, err)

	src.changed = false
	// a broken file would fail the sync if it were read again
	require.NoError(t, os.WriteFile(src.path, []byte("pools: ["), 0644))

	result, err := svc.Sync(ctx, storage.PoolSyncTriggerPoll, "")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, result.HasChanges)
	assert.Empty(t, result.ChangesApplied)
	assert.Equal(t, storage.PoolSyncStatusSuccess, logs.last().Status)
}

func TestSync_RemovedBlockKeepsEntries(t *testing.T) {
	svc, src, _, store := newSyncFixture(t, inventory)
	ctx := context.Background()

	_, err := svc.Sync(ctx, storage.PoolSyncTriggerStartup, "")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(src.path, []byte("pools: []\n"), 0644))
	src.commit = &CommitInfo{Hash: "fedcba9876543210", Message: "drop pools"}

	result, err := svc.Sync(ctx, storage.PoolSyncTriggerPoll, "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.ChangesApplied["total_added"])
	assert.NotNil(t, store.Entry("10.10.0.1"))
}

func TestSync_InvalidInventoryFails(t *testing.T) {
	svc, _, logs, store := newSyncFixture(t, `pools:
  - pool_type: ipsec_paid
    cidr: 10.10.0.0/30
`)

	result, err := svc.Sync(context.Background(), storage.PoolSyncTriggerManual, "")
	require.Error(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.ErrorMessage, "validation failed")
	assert.Equal(t, storage.PoolSyncStatusFailed, logs.last().Status)
	assert.Nil(t, store.Entry("10.10.0.1"))
	assert.Empty(t, svc.CurrentCommitHash())
}

func TestSync_PullFailure(t *testing.T) {
	svc, src, logs, _ := newSyncFixture(t, inventory)
	src.err = errors.New("connection refused")
	notifier := &fakeNotifier{}
	svc.SetNotifier(notifier)

	result, err := svc.Sync(context.Background(), storage.PoolSyncTriggerPoll, "")
	require.Error(t, err)
	assert.Contains(t, result.ErrorMessage, "connection refused")
	assert.Equal(t, storage.PoolSyncStatusFailed, logs.last().Status)
	require.Len(t, notifier.events, 1)
	assert.False(t, notifier.events[0].success)
	assert.Empty(t, notifier.events[0].hash)
}

func TestPoller_TriggerSync(t *testing.T) {
	svc, _, logs, _ := newSyncFixture(t, inventory)
	p := NewPoller(svc, time.Hour, time.Second)

	result, err := p.TriggerSync(context.Background(), "admin")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, storage.PoolSyncTriggerManual, logs.last().TriggeredBy)
}

func TestPoller_StartStop(t *testing.T) {
	svc, _, logs, _ := newSyncFixture(t, inventory)
	p := NewPoller(svc, 10*time.Millisecond, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))

	assert.Eventually(t, func() bool {
		logs.mu.Lock()
		defer logs.mu.Unlock()
		return len(logs.logs) >= 2
	}, time.Second, 5*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	require.NoError(t, p.Stop(stopCtx))

	logs.mu.Lock()
	defer logs.mu.Unlock()
	assert.Equal(t, storage.PoolSyncTriggerStartup, logs.logs[0].TriggeredBy)
	assert.Equal(t, storage.PoolSyncTriggerPoll, logs.logs[1].TriggeredBy)
}
