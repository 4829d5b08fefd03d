package api

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/sashakarcz/ironvpn/internal/config"
	"github.com/sashakarcz/ironvpn/internal/logger"
)

const tokenTTL = 24 * time.Hour

// AuthManager handles authentication
type AuthManager struct {
	config *config.WebAuth
	tokens map[string]*TokenInfo
	mu     sync.RWMutex
	now    func() time.Time
}

// TokenInfo holds token metadata
type TokenInfo struct {
	Username  string
	ExpiresAt time.Time
}

// NewAuthManager creates a new auth manager
func NewAuthManager(cfg *config.WebAuth) *AuthManager {
	return &AuthManager{
		config: cfg,
		tokens: make(map[string]*TokenInfo),
		now:    time.Now,
	}
}

// LoginRequest represents a login request
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse represents a login response
type LoginResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token,omitempty"`
	Message string `json:"message,omitempty"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	// If auth is disabled, return a dummy token
	if !s.authManager.config.Enabled {
		writeJSON(w, http.StatusOK, LoginResponse{
			Success: true,
			Token:   "no-auth-required",
			Message: "Authentication disabled",
		})
		return
	}

	// Parse request
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, LoginResponse{
			Success: false,
			Message: "Invalid request",
		})
		return
	}

	// Validate credentials
	if !s.authManager.ValidateCredentials(req.Username, req.Password) {
		logger.Warn().
			Str("username", req.Username).
			Str("ip", r.RemoteAddr).
			Msg("Failed login attempt")

		writeJSON(w, http.StatusUnauthorized, LoginResponse{
			Success: false,
			Message: "Invalid username or password",
		})
		return
	}

	// Generate token
	token, err := s.authManager.GenerateToken(req.Username)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to generate token")
		writeJSON(w, http.StatusInternalServerError, LoginResponse{
			Success: false,
			Message: "Internal server error",
		})
		return
	}

	logger.Info().
		Str("username", req.Username).
		Str("ip", r.RemoteAddr).
		Msg("Successful login")

	writeJSON(w, http.StatusOK, LoginResponse{
		Success: true,
		Token:   token,
		Message: "Login successful",
	})
}

// ValidateCredentials checks a username and password against the configured
// bcrypt hash
func (am *AuthManager) ValidateCredentials(username, password string) bool {
	if username != am.config.Username || am.config.PasswordHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(am.config.PasswordHash), []byte(password)) == nil
}

// GenerateToken generates a new authentication token
func (am *AuthManager) GenerateToken(username string) (string, error) {
	// Generate random token
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	token := base64.URLEncoding.EncodeToString(tokenBytes)

	am.mu.Lock()
	defer am.mu.Unlock()

	// Clean up expired tokens
	now := am.now()
	for t, info := range am.tokens {
		if now.After(info.ExpiresAt) {
			delete(am.tokens, t)
		}
	}

	// Store token with expiration
	am.tokens[token] = &TokenInfo{
		Username:  username,
		ExpiresAt: now.Add(tokenTTL),
	}

	return token, nil
}

// ValidateToken returns the username a token was issued to
func (am *AuthManager) ValidateToken(token string) (string, bool) {
	am.mu.RLock()
	defer am.mu.RUnlock()

	info, exists := am.tokens[token]
	if !exists || am.now().After(info.ExpiresAt) {
		return "", false
	}
	return info.Username, true
}

type userKey struct{}

// AuthMiddleware is middleware that checks authentication
func (s *Server) AuthMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// If auth is disabled, allow all requests
		if !s.authManager.config.Enabled {
			next(w, r)
			return
		}

		// Try to get token from Authorization header first
		var token string
		if parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2); len(parts) == 2 && parts[0] == "Bearer" {
			token = parts[1]
		}
		// If no token in header, try query parameter (EventSource cannot set headers)
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		// If still no token, reject
		if token == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		// Validate token
		username, ok := s.authManager.ValidateToken(token)
		if !ok {
			http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
			return
		}

		next(w, r.WithContext(withUser(r.Context(), username)))
	}
}

// HashPassword hashes a password with bcrypt at the default cost
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to generate password hash: %w", err)
	}
	return string(hash), nil
}
