package testutil

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/sashakarcz/ironvpn/internal/wireguard"
)

// FakePeerController is an in-memory wireguard.PeerController.
type FakePeerController struct {
	mu    sync.Mutex
	peers map[string]map[string]*wireguard.Peer

	// Error injection for testing
	setError    error
	removeError error
	listError   error

	// setApplies makes SetPeer install the peer before returning setError
	setApplies bool
}

// NewFakePeerController creates a controller with no live peers.
func NewFakePeerController() *FakePeerController {
	return &FakePeerController{
		peers: make(map[string]map[string]*wireguard.Peer),
	}
}

// SetPeer installs the peer unless an error is injected.
func (f *FakePeerController) SetPeer(ctx context.Context, iface string, peer *wireguard.Peer) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.setError != nil && !f.setApplies {
		return f.setError
	}
	if f.peers[iface] == nil {
		f.peers[iface] = make(map[string]*wireguard.Peer)
	}
	p := *peer
	f.peers[iface][peer.PublicKey] = &p
	return f.setError
}

// RemovePeer removes the peer unless an error is injected.
func (f *FakePeerController) RemovePeer(ctx context.Context, iface, publicKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.removeError != nil {
		return f.removeError
	}
	delete(f.peers[iface], publicKey)
	return nil
}

// ListPeers returns the live public keys, sorted.
func (f *FakePeerController) ListPeers(ctx context.Context, iface string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.listError != nil {
		return nil, f.listError
	}
	keys := make([]string, 0, len(f.peers[iface]))
	for k := range f.peers[iface] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// HasPeer reports whether publicKey is live on iface.
func (f *FakePeerController) HasPeer(iface, publicKey string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.peers[iface][publicKey]
	return ok
}

// Peer returns a copy of the live peer, or nil.
func (f *FakePeerController) Peer(iface, publicKey string) *wireguard.Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.peers[iface][publicKey]
	if !ok {
		return nil
	}
	c := *p
	return &c
}

// SetSetError makes SetPeer fail. When applied is true the peer is still
// installed, as if the tool timed out after the kernel accepted it.
func (f *FakePeerController) SetSetError(err error, applied bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setError = err
	f.setApplies = applied
}

// SetRemoveError sets the error returned by RemovePeer.
func (f *FakePeerController) SetRemoveError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeError = err
}

// SetListError sets the error returned by ListPeers.
func (f *FakePeerController) SetListError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listError = err
}

// RunCall records one FakeRunner invocation.
type RunCall struct {
	Name  string
	Args  []string
	Stdin string
}

// FakeRunner is a scripted wireguard.Runner keyed by the joined arguments.
type FakeRunner struct {
	mu      sync.Mutex
	outputs map[string]string
	errors  map[string]error
	calls   []RunCall
}

// NewFakeRunner creates a runner with no scripted responses.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{
		outputs: make(map[string]string),
		errors:  make(map[string]error),
	}
}

// On scripts the stdout returned for args, e.g. On("genkey", "...").
func (r *FakeRunner) On(args string, output string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[args] = output
}

// Fail scripts the error returned for args.
func (r *FakeRunner) Fail(args string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors[args] = err
}

// Run records the call and returns the scripted response. A call matches a
// script when the script is a prefix of the joined arguments.
func (r *FakeRunner) Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined := strings.Join(args, " ")
	r.calls = append(r.calls, RunCall{Name: name, Args: args, Stdin: string(stdin)})

	for prefix, err := range r.errors {
		if strings.HasPrefix(joined, prefix) {
			return nil, err
		}
	}
	for prefix, out := range r.outputs {
		if strings.HasPrefix(joined, prefix) {
			return []byte(out), nil
		}
	}
	return nil, nil
}

// Calls returns the recorded invocations.
func (r *FakeRunner) Calls() []RunCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RunCall(nil), r.calls...)
}
