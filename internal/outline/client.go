package outline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrFingerprintMismatch is returned when the server's leaf certificate does
// not match the pinned SHA-256 fingerprint
var ErrFingerprintMismatch = errors.New("outline: tls certificate fingerprint mismatch")

// ErrIncompleteKey is returned when the server accepted a create but the
// reply does not describe a usable key. The key may still exist remotely.
var ErrIncompleteKey = errors.New("outline: incomplete access key in response")

// APIError is a non-success HTTP response from the management API
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("outline api %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// AccessKey is an Outline access key
type AccessKey struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Password  string `json:"password,omitempty"`
	Port      int    `json:"port,omitempty"`
	Method    string `json:"method,omitempty"`
	AccessURL string `json:"accessUrl"`
}

// Config holds client settings
type Config struct {
	APIURL     string
	CertSHA256 string
	Timeout    time.Duration
}

// Client talks to one Outline management API. The server certificate is
// trusted only if its DER encoding hashes to the pinned fingerprint.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client pinned to cfg.CertSHA256
func NewClient(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.APIURL)
	if err != nil {
		return nil, fmt.Errorf("invalid api url: %w", err)
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("api url must use https")
	}

	pin, err := ParseFingerprint(cfg.CertSHA256)
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			// chain verification is replaced by the pin check below
			InsecureSkipVerify: true,
			VerifyConnection:   verifyPin(pin),
		},
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConnsPerHost: 4,
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.APIURL, "/"),
		httpClient: &http.Client{Transport: transport, Timeout: timeout},
	}, nil
}

// ParseFingerprint decodes a hex SHA-256 fingerprint, with or without colons
func ParseFingerprint(s string) ([]byte, error) {
	clean := strings.ReplaceAll(strings.TrimSpace(s), ":", "")
	pin, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid certificate fingerprint: %w", err)
	}
	if len(pin) != sha256.Size {
		return nil, fmt.Errorf("certificate fingerprint must be %d bytes, got %d", sha256.Size, len(pin))
	}
	return pin, nil
}

func verifyPin(pin []byte) func(tls.ConnectionState) error {
	return func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			return ErrFingerprintMismatch
		}
		sum := sha256.Sum256(cs.PeerCertificates[0].Raw)
		if subtle.ConstantTimeCompare(sum[:], pin) != 1 {
			return ErrFingerprintMismatch
		}
		return nil
	}
}

// CreateAccessKey creates a new access key. When the server accepts the
// request but the reply is unusable, the error wraps ErrIncompleteKey and
// the returned key carries whatever id could be read, so the caller can
// delete it.
func (c *Client) CreateAccessKey(ctx context.Context) (*AccessKey, error) {
	var key AccessKey
	if err := c.do(ctx, http.MethodPost, "/access-keys", nil, &key); err != nil {
		var decodeErr *decodeError
		if errors.As(err, &decodeErr) {
			return &key, fmt.Errorf("%w: %v", ErrIncompleteKey, err)
		}
		return nil, err
	}
	if key.ID == "" || key.AccessURL == "" {
		return &key, fmt.Errorf("%w: id=%q has no access url", ErrIncompleteKey, key.ID)
	}
	return &key, nil
}

// DeleteAccessKey deletes an access key. A key that no longer exists counts
// as deleted.
func (c *Client) DeleteAccessKey(ctx context.Context, id string) error {
	err := c.do(ctx, http.MethodDelete, "/access-keys/"+url.PathEscape(id), nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return nil
	}
	return err
}

// SetName renames an access key
func (c *Client) SetName(ctx context.Context, id, name string) error {
	body := map[string]string{"name": name}
	return c.do(ctx, http.MethodPut, "/access-keys/"+url.PathEscape(id)+"/name", body, nil)
}

// ListAccessKeys returns every access key on the server
func (c *Client) ListAccessKeys(ctx context.Context) ([]AccessKey, error) {
	var result struct {
		AccessKeys []AccessKey `json:"accessKeys"`
	}
	if err := c.do(ctx, http.MethodGet, "/access-keys", nil, &result); err != nil {
		return nil, err
	}
	return result.AccessKeys, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, ErrFingerprintMismatch) {
			return ErrFingerprintMismatch
		}
		// url.Error carries the secret api prefix; keep only the cause
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return fmt.Errorf("outline api %s %s: %w", method, path, urlErr.Err)
		}
		return fmt.Errorf("outline api %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{
			Method: method,
			Path:   path,
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(data)),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &decodeError{err: err}
	}
	return nil
}

// decodeError is a 2xx response whose body could not be decoded
type decodeError struct {
	err error
}

func (e *decodeError) Error() string {
	return "failed to decode response: " + e.err.Error()
}

func (e *decodeError) Unwrap() error {
	return e.err
}
