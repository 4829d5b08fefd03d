package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/sashakarcz/ironvpn/internal/config"
	"github.com/sashakarcz/ironvpn/internal/events"
	"github.com/sashakarcz/ironvpn/internal/logger"
	"github.com/sashakarcz/ironvpn/internal/provision"
	"github.com/sashakarcz/ironvpn/internal/storage"
)

func withUser(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, userKey{}, username)
}

// userFrom returns the authenticated user, or fallback when auth is off
func userFrom(ctx context.Context, fallback string) string {
	if u, ok := ctx.Value(userKey{}).(string); ok && u != "" {
		return u
	}
	return fallback
}

// ErrorResponse is returned for every failed resource operation
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func statusForKind(kind provision.Kind) int {
	switch kind {
	case provision.KindInvalidRequest:
		return http.StatusBadRequest
	case provision.KindNotFound:
		return http.StatusNotFound
	case provision.KindConflict, provision.KindTrialAlreadyActive:
		return http.StatusConflict
	case provision.KindPoolExhausted:
		return http.StatusServiceUnavailable
	case provision.KindBackendUnavailable, provision.KindFingerprintMismatch:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeError sends the user-safe view of err and logs the rest
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var perr *provision.Error
	if !errors.As(err, &perr) {
		perr = &provision.Error{Kind: provision.KindOf(err), Message: "request failed", Err: err}
	}

	if !perr.Rejection() {
		logger.Error().
			Str("path", r.URL.Path).
			Str("kind", string(perr.Kind)).
			Strs("dangling", perr.Dangling).
			Str("detail", perr.Detail()).
			Msg("Resource request failed")
	}

	writeJSON(w, statusForKind(perr.Kind), ErrorResponse{
		Error:     string(perr.Kind),
		Message:   perr.Public(),
		Retryable: perr.Retryable(),
	})
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	var req provision.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   string(provision.KindInvalidRequest),
			Message: "invalid request body",
		})
		return
	}

	result, err := s.deps.Coordinator.Provision(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

// ResourceResponse represents a resource for API responses
type ResourceResponse struct {
	ID                string      `json:"id"`
	OwnerID           string      `json:"owner_id"`
	BackendType       string      `json:"backend_type"`
	DisplayName       string      `json:"display_name,omitempty"`
	Status            string      `json:"status"`
	IsTrial           bool        `json:"is_trial"`
	CredentialPayload string      `json:"credential_payload,omitempty"`
	ExpiresAt         *time.Time  `json:"expires_at,omitempty"`
	Address           string      `json:"address,omitempty"`
	Failure           string      `json:"failure,omitempty"`
	Dangling          interface{} `json:"dangling,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

func newResourceResponse(res *storage.Resource, now time.Time) ResourceResponse {
	out := ResourceResponse{
		ID:          res.ID,
		OwnerID:     res.OwnerID,
		BackendType: string(res.BackendType),
		DisplayName: res.DisplayName,
		Status:      string(res.Status),
		IsTrial:     res.IsTrial,
		ExpiresAt:   res.ExpiresAt,
		Address:     res.ExtraString(storage.ExtraAddress),
		Failure:     res.ExtraString(storage.ExtraFailure),
		CreatedAt:   res.CreatedAt,
		UpdatedAt:   res.UpdatedAt,
	}
	// an expired resource keeps its row until the sweeper runs
	if res.IsLive(now) {
		out.CredentialPayload = res.CredentialPayload
	}
	if res.Extra != nil {
		out.Dangling = res.Extra[storage.ExtraDangling]
	}
	return out
}

func (s *Server) handleGetResource(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Coordinator.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, newResourceResponse(res, time.Now()))
}

// RevokeRequest optionally names why a resource is revoked
type RevokeRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req RevokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   string(provision.KindInvalidRequest),
			Message: "invalid request body",
		})
		return
	}

	id := r.PathValue("id")
	ok, err := s.deps.Coordinator.Revoke(r.Context(), id, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}

	logger.Info().
		Str("resource_id", id).
		Str("user", userFrom(r.Context(), "api")).
		Msg("Resource revoked via API")

	writeJSON(w, http.StatusOK, map[string]bool{"ok": ok})
}

func (s *Server) handleOwnerResources(w http.ResponseWriter, r *http.Request) {
	resources, err := s.deps.Coordinator.ListByOwner(r.Context(), r.PathValue("owner"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	now := time.Now()
	out := make([]ResourceResponse, 0, len(resources))
	for _, res := range resources {
		out = append(out, newResourceResponse(res, now))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"resources": out})
}

// OwnerRevocationResponse reports an owner's bulk revocation
type OwnerRevocationResponse struct {
	*provision.OwnerRevocation
	StrayEntries int64 `json:"stray_entries"`
}

// handleRevokeOwner tears down all of an owner's resources, then revokes any
// tunnel addresses still held in the owner's name. The address sweep is
// skipped while a provision for the owner is in flight.
func (s *Server) handleRevokeOwner(w http.ResponseWriter, r *http.Request) {
	var req RevokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   string(provision.KindInvalidRequest),
			Message: "invalid request body",
		})
		return
	}

	owner := r.PathValue("owner")
	revocation, err := s.deps.Coordinator.RevokeOwner(r.Context(), owner, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := OwnerRevocationResponse{OwnerRevocation: revocation}
	if revocation.InFlight == 0 && len(revocation.Failed) == 0 {
		for _, poolType := range []string{config.PoolWireGuardTrial, config.PoolWireGuardPaid} {
			n, err := s.deps.Pools.RevokeAllForHolder(r.Context(), owner, poolType, "owner revoked")
			if err != nil {
				writeError(w, r, err)
				return
			}
			resp.StrayEntries += n
		}
	}

	logger.Info().
		Str("owner_id", owner).
		Str("user", userFrom(r.Context(), "api")).
		Int("revoked", revocation.Revoked).
		Int64("stray_entries", resp.StrayEntries).
		Msg("Owner resources revoked via API")

	writeJSON(w, http.StatusOK, resp)
}

// PoolStatsResponse lists pool statistics per pool type
type PoolStatsResponse struct {
	Pools []*storage.PoolStatistics `json:"pools"`
}

func (s *Server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Pools.Stats(r.Context())
	if err != nil {
		logger.Error().Err(err).Msg("Failed to get pool statistics")
		http.Error(w, "Failed to get pool statistics", http.StatusInternalServerError)
		return
	}

	if stats == nil {
		stats = make([]*storage.PoolStatistics, 0)
	}
	writeJSON(w, http.StatusOK, PoolStatsResponse{Pools: stats})
}

// SweepResponse reports a manual maintenance sweep
type SweepResponse struct {
	Expired  int    `json:"expired"`
	Released int    `json:"released"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sweeper == nil {
		http.Error(w, "Maintenance is not enabled", http.StatusServiceUnavailable)
		return
	}

	result, err := s.deps.Sweeper.RunOnce(r.Context())
	resp := SweepResponse{}
	if result != nil {
		resp.Expired = result.Expired
		resp.Released = result.Released
	}

	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		status = http.StatusInternalServerError
	}

	writeJSON(w, status, resp)
}

// ReconcileResponse wraps the read-only drift report
type ReconcileResponse struct {
	InSync bool                       `json:"in_sync"`
	Report *provision.ReconcileReport `json:"report"`
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Coordinator.Reconcile(r.Context())
	if err != nil {
		logger.Error().Err(err).Msg("Reconcile failed")
		http.Error(w, "Reconcile failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, ReconcileResponse{InSync: report.InSync(), Report: report})
}

// PoolSyncResponse represents a pool sync response
type PoolSyncResponse struct {
	Success        bool                   `json:"success"`
	Message        string                 `json:"message"`
	CommitHash     string                 `json:"commit_hash,omitempty"`
	CommitMessage  string                 `json:"commit_message,omitempty"`
	HasChanges     bool                   `json:"has_changes"`
	ChangesApplied map[string]interface{} `json:"changes_applied,omitempty"`
}

func (s *Server) handlePoolSync(w http.ResponseWriter, r *http.Request) {
	if s.deps.Poller == nil {
		writeJSON(w, http.StatusServiceUnavailable, PoolSyncResponse{
			Success: false,
			Message: "GitOps is not enabled",
		})
		return
	}

	result, err := s.deps.Poller.TriggerSync(r.Context(), userFrom(r.Context(), "api"))
	if err != nil && result == nil {
		writeJSON(w, http.StatusInternalServerError, PoolSyncResponse{
			Success: false,
			Message: "Sync failed: " + err.Error(),
		})
		return
	}

	response := PoolSyncResponse{
		Success:        result.Success,
		HasChanges:     result.HasChanges,
		ChangesApplied: result.ChangesApplied,
	}
	if result.CommitInfo != nil {
		response.CommitHash = result.CommitInfo.Hash
		response.CommitMessage = result.CommitInfo.Message
	}

	status := http.StatusOK
	if result.Success {
		response.Message = "Sync completed successfully"
	} else {
		response.Message = result.ErrorMessage
		status = http.StatusInternalServerError
	}

	writeJSON(w, status, response)
}

// PoolSyncStatusResponse describes the last successful inventory sync
type PoolSyncStatusResponse struct {
	CurrentCommit  string     `json:"current_commit"`
	CommitMessage  string     `json:"commit_message,omitempty"`
	CommitAuthor   string     `json:"commit_author,omitempty"`
	CommitTime     *time.Time `json:"commit_time,omitempty"`
	LastSyncTime   *time.Time `json:"last_sync_time,omitempty"`
	LastSyncStatus string     `json:"last_sync_status,omitempty"`
}

func (s *Server) handlePoolSyncStatus(w http.ResponseWriter, r *http.Request) {
	lastSync, err := s.deps.Store.GetLastSuccessfulPoolSync(r.Context())
	if err != nil {
		logger.Error().Err(err).Msg("Failed to get last pool sync")
		http.Error(w, "Failed to get sync status", http.StatusInternalServerError)
		return
	}
	if lastSync == nil {
		writeJSON(w, http.StatusOK, PoolSyncStatusResponse{})
		return
	}

	writeJSON(w, http.StatusOK, PoolSyncStatusResponse{
		CurrentCommit:  lastSync.CommitHash,
		CommitMessage:  lastSync.CommitMessage,
		CommitAuthor:   lastSync.CommitAuthor,
		CommitTime:     lastSync.CommitTimestamp,
		LastSyncTime:   lastSync.SyncCompletedAt,
		LastSyncStatus: string(lastSync.Status),
	})
}

// PoolSyncLogEntry represents a pool sync log entry
type PoolSyncLogEntry struct {
	ID              int64                  `json:"id"`
	SyncStartedAt   time.Time              `json:"sync_started_at"`
	SyncCompletedAt *time.Time             `json:"sync_completed_at,omitempty"`
	Status          string                 `json:"status"`
	CommitHash      string                 `json:"commit_hash"`
	CommitMessage   string                 `json:"commit_message,omitempty"`
	CommitAuthor    string                 `json:"commit_author,omitempty"`
	ErrorMessage    string                 `json:"error_message,omitempty"`
	ChangesApplied  map[string]interface{} `json:"changes_applied,omitempty"`
	TriggeredBy     string                 `json:"triggered_by"`
	TriggeredByUser string                 `json:"triggered_by_user,omitempty"`
}

func (s *Server) handlePoolSyncLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.deps.Store.GetRecentPoolSyncLogs(r.Context(), 50)
	if err != nil {
		http.Error(w, "Failed to get sync logs", http.StatusInternalServerError)
		return
	}

	entries := make([]PoolSyncLogEntry, 0, len(logs))
	for _, log := range logs {
		entries = append(entries, PoolSyncLogEntry{
			ID:              log.ID,
			SyncStartedAt:   log.SyncStartedAt,
			SyncCompletedAt: log.SyncCompletedAt,
			Status:          string(log.Status),
			CommitHash:      log.CommitHash,
			CommitMessage:   log.CommitMessage,
			CommitAuthor:    log.CommitAuthor,
			ErrorMessage:    log.ErrorMessage,
			ChangesApplied:  log.ChangesApplied,
			TriggeredBy:     string(log.TriggeredBy),
			TriggeredByUser: log.TriggeredByUser,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": entries})
}

// handleActivityStream streams lifecycle events over SSE. ?owner= limits the
// stream to one owner's resources.
func (s *Server) handleActivityStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Broadcaster == nil {
		http.Error(w, "Activity stream not available", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var filter events.Filter
	if owner := r.URL.Query().Get("owner"); owner != "" {
		filter = events.OwnerFilter(owner)
	}

	client := s.deps.Broadcaster.Register(uuid.New().String(), filter)
	defer s.deps.Broadcaster.Unregister(client)

	ctx := r.Context()

	data, _ := events.FormatSSE(&events.ActivityEvent{
		ID:        "init",
		Timestamp: time.Now(),
		Type:      "connection",
		Message:   "Connected to activity stream",
	})
	if _, err := w.Write(data); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-client.Channel:
			if !ok {
				return
			}

			data, err := events.FormatSSE(event)
			if err != nil {
				logger.Error().Err(err).Msg("Failed to format SSE event")
				continue
			}

			if _, err := w.Write(data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
