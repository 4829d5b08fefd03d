package provision

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sashakarcz/ironvpn/internal/outline"
	"github.com/sashakarcz/ironvpn/internal/storage"
	"github.com/sashakarcz/ironvpn/internal/wireguard"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"typed", newError(KindPoolExhausted, "empty", nil), KindPoolExhausted},
		{"wrapped typed", fmt.Errorf("outer: %w", newError(KindConflict, "busy", nil)), KindConflict},
		{"fingerprint", fmt.Errorf("create: %w", outline.ErrFingerprintMismatch), KindFingerprintMismatch},
		{"api error", &outline.APIError{Status: 500}, KindBackendUnavailable},
		{"tool missing", wireguard.ErrToolNotFound, KindBackendUnavailable},
		{"tool error", &wireguard.ToolError{Tool: "wg", Code: 1}, KindBackendUnavailable},
		{"timeout", context.DeadlineExceeded, KindBackendUnavailable},
		{"partial", &wireguard.PartialApplyError{Stage: "live", Err: errors.New("x")}, KindPartialFailure},
		{"trial", storage.ErrTrialActive, KindTrialAlreadyActive},
		{"not found", storage.ErrResourceNotFound, KindNotFound},
		{"conflict", storage.ErrStatusConflict, KindConflict},
		{"other", errors.New("boom"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestError_PublicHidesDetail(t *testing.T) {
	err := wrap(&wireguard.ToolError{Tool: "wg", Code: 1, Stderr: "Unable to access interface wg0"}, "failed to add peer")

	assert.Equal(t, KindBackendUnavailable, err.Kind)
	assert.NotContains(t, err.Public(), "wg0")
	assert.Contains(t, err.Detail(), "wg0")
	assert.True(t, err.Retryable())
	assert.False(t, err.Rejection())
}

func TestWrap_KeepsTypedError(t *testing.T) {
	orig := &Error{Kind: KindPartialFailure, Message: "half", Dangling: []string{"ip:10.10.0.5"}}

	got := wrap(fmt.Errorf("ctx: %w", orig), "outer")
	assert.Same(t, orig, got)
}
