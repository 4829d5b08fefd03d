package wireguard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/sashakarcz/ironvpn/internal/logger"
)

// interfaceLocks holds one mutex per interface config path
var interfaceLocks sync.Map

func lockFor(path string) *sync.Mutex {
	mu, _ := interfaceLocks.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// PartialApplyError reports that the config file and the live interface
// disagreed after a failed step. Compensated is true when the earlier step
// was undone and the two sides agree again.
type PartialApplyError struct {
	Stage           string // "live" or "file"
	Err             error
	Compensated     bool
	CompensationErr error
}

func (e *PartialApplyError) Error() string {
	msg := fmt.Sprintf("%s step failed: %v", e.Stage, e.Err)
	if e.Compensated {
		return msg + " (rolled back)"
	}
	if e.CompensationErr != nil {
		return fmt.Sprintf("%s (rollback failed: %v)", msg, e.CompensationErr)
	}
	return msg + " (not rolled back)"
}

func (e *PartialApplyError) Unwrap() error {
	return e.Err
}

// PeerSpec describes a peer to add
type PeerSpec struct {
	Tag          string
	PublicKey    string
	PresharedKey string
	Address      string
}

// MutatorConfig configures a Mutator
type MutatorConfig struct {
	Interface  string
	ConfigPath string
	ClientsDir string
}

// Mutator keeps the interface config file and the running interface in step.
// All read-modify-write sequences on one interface are serialized.
type Mutator struct {
	cfg        MutatorConfig
	controller PeerController
	mu         *sync.Mutex
	log        zerolog.Logger
}

// NewMutator creates a mutator for one interface
func NewMutator(cfg MutatorConfig, controller PeerController) *Mutator {
	return &Mutator{
		cfg:        cfg,
		controller: controller,
		mu:         lockFor(cfg.ConfigPath),
		log:        logger.Component("wireguard").With().Str("interface", cfg.Interface).Logger(),
	}
}

// AddPeer writes a tagged peer block to the config file, then applies it to
// the running interface. If the live step fails the file is restored to its
// previous content and any half-applied live peer is removed.
func (m *Mutator) AddPeer(ctx context.Context, spec PeerSpec) (*Peer, error) {
	if spec.Tag == "" {
		return nil, fmt.Errorf("peer tag is required")
	}
	if _, err := wgtypes.ParseKey(spec.PublicKey); err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	allowed, err := HostPrefix(spec.Address)
	if err != nil {
		return nil, err
	}

	peer := &Peer{
		Tag:          spec.Tag,
		PublicKey:    spec.PublicKey,
		PresharedKey: spec.PresharedKey,
		AllowedIPs:   []string{allowed},
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	original, err := m.readConfig()
	if err != nil {
		return nil, err
	}

	cf := ParseConfig(original)
	if err := cf.AddPeer(peer); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := writeFileAtomic(m.cfg.ConfigPath, cf.Render(), 0600); err != nil {
		return nil, fmt.Errorf("failed to write config: %w", err)
	}

	if err := m.controller.SetPeer(ctx, m.cfg.Interface, peer); err != nil {
		return nil, m.rollbackAdd(ctx, original, peer, err)
	}

	m.log.Info().
		Str("tag", spec.Tag).
		Str("address", spec.Address).
		Msg("Added peer")

	return peer, nil
}

// rollbackAdd restores the config file and clears any live remnant of peer
func (m *Mutator) rollbackAdd(ctx context.Context, original []byte, peer *Peer, cause error) error {
	ctx = context.WithoutCancel(ctx)
	perr := &PartialApplyError{Stage: "live", Err: cause}

	fileErr := writeFileAtomic(m.cfg.ConfigPath, original, 0600)
	liveErr := m.controller.RemovePeer(ctx, m.cfg.Interface, peer.PublicKey)

	switch {
	case fileErr != nil:
		perr.CompensationErr = fmt.Errorf("failed to restore config: %w", fileErr)
	case liveErr != nil && !errors.Is(liveErr, ErrToolNotFound):
		perr.CompensationErr = fmt.Errorf("failed to clear live peer: %w", liveErr)
	default:
		perr.Compensated = true
	}

	m.log.Error().
		Err(cause).
		Str("tag", peer.Tag).
		Bool("rolled_back", perr.Compensated).
		AnErr("rollback_error", perr.CompensationErr).
		Msg("Failed to apply peer to live interface")

	return perr
}

// RemovePeer cuts the peer from the running interface, then excises its
// block from the config file, then deletes its client config. The block is
// located by tag, falling back to the public key.
func (m *Mutator) RemovePeer(ctx context.Context, tag, publicKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if publicKey != "" {
		if err := m.controller.RemovePeer(ctx, m.cfg.Interface, publicKey); err != nil {
			return fmt.Errorf("failed to remove live peer: %w", err)
		}
	}

	// the live peer is gone; the file side runs to completion from here
	original, err := m.readConfig()
	if err != nil {
		return &PartialApplyError{Stage: "file", Err: err}
	}

	cf := ParseConfig(original)
	if cf.RemovePeer(tag, publicKey) {
		if err := writeFileAtomic(m.cfg.ConfigPath, cf.Render(), 0600); err != nil {
			return &PartialApplyError{Stage: "file", Err: fmt.Errorf("failed to write config: %w", err)}
		}
	} else {
		m.log.Warn().Str("tag", tag).Msg("Peer block not found in config")
	}

	if err := m.removeClientConfig(tag); err != nil {
		m.log.Warn().Err(err).Str("tag", tag).Msg("Failed to delete client config")
	}

	m.log.Info().Str("tag", tag).Msg("Removed peer")
	return nil
}

// WriteClientConfig stores a rendered client config readable only by owner
func (m *Mutator) WriteClientConfig(tag string, content []byte) (string, error) {
	if m.cfg.ClientsDir == "" {
		return "", nil
	}
	if err := os.MkdirAll(m.cfg.ClientsDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create clients dir: %w", err)
	}
	path := m.clientConfigPath(tag)
	if err := writeFileAtomic(path, content, 0600); err != nil {
		return "", fmt.Errorf("failed to write client config: %w", err)
	}
	return path, nil
}

func (m *Mutator) removeClientConfig(tag string) error {
	if m.cfg.ClientsDir == "" || tag == "" {
		return nil
	}
	err := os.Remove(m.clientConfigPath(tag))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (m *Mutator) clientConfigPath(tag string) string {
	return filepath.Join(m.cfg.ClientsDir, filepath.Base(tag)+".conf")
}

// PeerReport compares the config file with the running interface
type PeerReport struct {
	Interface  string   `json:"interface"`
	FilePeers  int      `json:"file_peers"`
	LivePeers  int      `json:"live_peers"`
	OnlyInFile []string `json:"only_in_file"`
	OnlyLive   []string `json:"only_live"`

	LiveKeys []string `json:"-"`
}

// InSync reports whether file and live peer sets match
func (r *PeerReport) InSync() bool {
	return len(r.OnlyInFile) == 0 && len(r.OnlyLive) == 0
}

// Peers reads both peer sets and reports their differences
func (m *Mutator) Peers(ctx context.Context) (*PeerReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := m.readConfig()
	if err != nil {
		return nil, err
	}
	fileKeys := ParseConfig(data).PublicKeys()

	liveKeys, err := m.controller.ListPeers(ctx, m.cfg.Interface)
	if err != nil {
		return nil, fmt.Errorf("failed to list live peers: %w", err)
	}

	report := &PeerReport{
		Interface:  m.cfg.Interface,
		FilePeers:  len(fileKeys),
		LivePeers:  len(liveKeys),
		OnlyInFile: difference(fileKeys, liveKeys),
		OnlyLive:   difference(liveKeys, fileKeys),
		LiveKeys:   liveKeys,
	}
	return report, nil
}

func (m *Mutator) readConfig() ([]byte, error) {
	data, err := os.ReadFile(m.cfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return data, nil
}

func difference(a, b []string) []string {
	inB := make(map[string]bool, len(b))
	for _, k := range b {
		inB[k] = true
	}
	out := []string{}
	for _, k := range a {
		if !inB[k] {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// writeFileAtomic writes data to a temp file in the same directory and
// renames it over path
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
