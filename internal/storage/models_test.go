package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResourceStatus_Terminal(t *testing.T) {
	tests := []struct {
		status   ResourceStatus
		terminal bool
	}{
		{ResourceStatusPending, false},
		{ResourceStatusProvisioning, false},
		{ResourceStatusActive, false},
		{ResourceStatusRevoked, true},
		{ResourceStatusExpired, true},
		{ResourceStatusError, true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.terminal, tt.status.Terminal(), tt.status)
	}
}

func TestResource_IsLive(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Second)
	future := now.Add(time.Hour)

	assert.True(t, (&Resource{Status: ResourceStatusActive}).IsLive(now))
	assert.True(t, (&Resource{Status: ResourceStatusActive, ExpiresAt: &future}).IsLive(now))
	assert.False(t, (&Resource{Status: ResourceStatusActive, ExpiresAt: &past}).IsLive(now))
	assert.False(t, (&Resource{Status: ResourceStatusProvisioning}).IsLive(now))
	assert.False(t, (&Resource{Status: ResourceStatusRevoked, ExpiresAt: &future}).IsLive(now))
}
