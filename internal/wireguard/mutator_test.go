package wireguard_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/sashakarcz/ironvpn/internal/testutil"
	"github.com/sashakarcz/ironvpn/internal/wireguard"
)

const headerOnly = `[Interface]
Address = 10.10.0.1/24
ListenPort = 51820
PrivateKey = yAnz5TF+lXXJte14tji3zlMNq+hd2rYUIgJBgB3fBmk=
`

func newTestMutator(t *testing.T) (*wireguard.Mutator, *testutil.FakePeerController, string) {
	t.Helper()
	dir := t.TempDir()
	confPath := filepath.Join(dir, "wg0.conf")
	require.NoError(t, os.WriteFile(confPath, []byte(headerOnly), 0600))

	ctrl := testutil.NewFakePeerController()
	m := wireguard.NewMutator(wireguard.MutatorConfig{
		Interface:  "wg0",
		ConfigPath: confPath,
		ClientsDir: filepath.Join(dir, "clients"),
	}, ctrl)
	return m, ctrl, confPath
}

func newSpec(t *testing.T, tag, address string) wireguard.PeerSpec {
	t.Helper()
	km, err := wireguard.NativeKeyGenerator{}.Generate(context.Background())
	require.NoError(t, err)
	return wireguard.PeerSpec{
		Tag:          tag,
		PublicKey:    km.PublicKey,
		PresharedKey: km.PresharedKey,
		Address:      address,
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestMutator_AddPeer(t *testing.T) {
	m, ctrl, confPath := newTestMutator(t)
	spec := newSpec(t, "res-1", "10.10.0.5")

	peer, err := m.AddPeer(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.10.0.5/32"}, peer.AllowedIPs)

	content := readFile(t, confPath)
	assert.Contains(t, content, "# ironvpn: res-1\n[Peer]\nPublicKey = "+spec.PublicKey)
	assert.Contains(t, content, "AllowedIPs = 10.10.0.5/32")

	live := ctrl.Peer("wg0", spec.PublicKey)
	require.NotNil(t, live)
	assert.Equal(t, spec.PresharedKey, live.PresharedKey)

	report, err := m.Peers(context.Background())
	require.NoError(t, err)
	assert.True(t, report.InSync())
	assert.Equal(t, 1, report.FilePeers)
}

func TestMutator_AddThenRemoveRestoresFile(t *testing.T) {
	m, ctrl, confPath := newTestMutator(t)
	ctx := context.Background()

	spec := newSpec(t, "res-1", "10.10.0.5")
	before := readFile(t, confPath)

	_, err := m.AddPeer(ctx, spec)
	require.NoError(t, err)
	path, err := m.WriteClientConfig("res-1", []byte("[Interface]\n"))
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	require.NoError(t, m.RemovePeer(ctx, "res-1", spec.PublicKey))

	assert.Equal(t, before, readFile(t, confPath))
	assert.False(t, ctrl.HasPeer("wg0", spec.PublicKey))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	report, err := m.Peers(ctx)
	require.NoError(t, err)
	assert.True(t, report.InSync())
}

func TestMutator_LiveFailureRollsBackFile(t *testing.T) {
	m, ctrl, confPath := newTestMutator(t)
	before := readFile(t, confPath)
	ctrl.SetSetError(&wireguard.ToolError{Tool: "wg", Code: 1, Stderr: "Unable to modify interface"}, false)

	spec := newSpec(t, "res-1", "10.10.0.5")
	_, err := m.AddPeer(context.Background(), spec)
	require.Error(t, err)

	var perr *wireguard.PartialApplyError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "live", perr.Stage)
	assert.True(t, perr.Compensated)

	var toolErr *wireguard.ToolError
	assert.True(t, errors.As(err, &toolErr))

	assert.Equal(t, before, readFile(t, confPath))
	assert.False(t, ctrl.HasPeer("wg0", spec.PublicKey))
}

func TestMutator_LiveTimeoutClearsHalfAppliedPeer(t *testing.T) {
	m, ctrl, confPath := newTestMutator(t)
	before := readFile(t, confPath)
	ctrl.SetSetError(context.DeadlineExceeded, true)

	spec := newSpec(t, "res-1", "10.10.0.5")
	_, err := m.AddPeer(context.Background(), spec)

	var perr *wireguard.PartialApplyError
	require.True(t, errors.As(err, &perr))
	assert.True(t, perr.Compensated)
	assert.Equal(t, before, readFile(t, confPath))
	assert.False(t, ctrl.HasPeer("wg0", spec.PublicKey))
}

func TestMutator_FailedCompensationIsReported(t *testing.T) {
	m, ctrl, confPath := newTestMutator(t)
	before := readFile(t, confPath)
	ctrl.SetSetError(context.DeadlineExceeded, true)
	ctrl.SetRemoveError(errors.New("netlink: device busy"))

	spec := newSpec(t, "res-1", "10.10.0.5")
	_, err := m.AddPeer(context.Background(), spec)

	var perr *wireguard.PartialApplyError
	require.True(t, errors.As(err, &perr))
	assert.False(t, perr.Compensated)
	assert.Error(t, perr.CompensationErr)

	assert.Equal(t, before, readFile(t, confPath))
	assert.True(t, ctrl.HasPeer("wg0", spec.PublicKey))
}

func TestMutator_RemoveLiveFailureKeepsFile(t *testing.T) {
	m, ctrl, confPath := newTestMutator(t)
	ctx := context.Background()
	spec := newSpec(t, "res-1", "10.10.0.5")

	_, err := m.AddPeer(ctx, spec)
	require.NoError(t, err)
	withPeer := readFile(t, confPath)

	ctrl.SetRemoveError(errors.New("no such device"))
	require.Error(t, m.RemovePeer(ctx, "res-1", spec.PublicKey))
	assert.Equal(t, withPeer, readFile(t, confPath))
}

func TestMutator_RejectsInvalidInput(t *testing.T) {
	m, _, _ := newTestMutator(t)
	ctx := context.Background()
	spec := newSpec(t, "res-1", "10.10.0.5")

	bad := spec
	bad.PublicKey = "not-a-key"
	_, err := m.AddPeer(ctx, bad)
	assert.Error(t, err)

	bad = spec
	bad.Address = "10.10.0.0/24"
	_, err = m.AddPeer(ctx, bad)
	assert.Error(t, err)

	bad = spec
	bad.Tag = ""
	_, err = m.AddPeer(ctx, bad)
	assert.Error(t, err)
}

func TestMutator_ConcurrentAddsAreSerialized(t *testing.T) {
	m, ctrl, confPath := newTestMutator(t)

	const n = 20
	specs := make([]wireguard.PeerSpec, n)
	for i := range specs {
		specs[i] = newSpec(t, fmt.Sprintf("res-%d", i), fmt.Sprintf("10.10.0.%d", i+10))
	}

	g, ctx := errgroup.WithContext(context.Background())
	for _, spec := range specs {
		g.Go(func() error {
			_, err := m.AddPeer(ctx, spec)
			return err
		})
	}
	require.NoError(t, g.Wait())

	cf := wireguard.ParseConfig([]byte(readFile(t, confPath)))
	assert.Len(t, cf.Peers, n)
	for _, spec := range specs {
		assert.NotNil(t, cf.FindByTag(spec.Tag))
		assert.True(t, ctrl.HasPeer("wg0", spec.PublicKey))
	}
}

func TestMutator_PeersReportsDivergence(t *testing.T) {
	m, ctrl, _ := newTestMutator(t)
	ctx := context.Background()

	spec := newSpec(t, "res-1", "10.10.0.5")
	_, err := m.AddPeer(ctx, spec)
	require.NoError(t, err)

	stray, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	require.NoError(t, ctrl.SetPeer(ctx, "wg0", &wireguard.Peer{PublicKey: stray.PublicKey().String()}))
	require.NoError(t, ctrl.RemovePeer(ctx, "wg0", spec.PublicKey))

	report, err := m.Peers(ctx)
	require.NoError(t, err)
	assert.False(t, report.InSync())
	assert.Equal(t, []string{spec.PublicKey}, report.OnlyInFile)
	assert.Equal(t, []string{stray.PublicKey().String()}, report.OnlyLive)
}

func TestRenderClientConfig(t *testing.T) {
	out, err := wireguard.RenderClientConfig(wireguard.ClientParams{
		PrivateKey:          "priv",
		Address:             "10.10.0.5",
		DNS:                 []string{"1.1.1.1"},
		ServerPublicKey:     "server",
		PresharedKey:        "psk",
		Endpoint:            "vpn.example.com:51820",
		PersistentKeepalive: 25,
	})
	require.NoError(t, err)

	assert.Equal(t, `[Interface]
PrivateKey = priv
Address = 10.10.0.5/32
DNS = 1.1.1.1

[Peer]
PublicKey = server
PresharedKey = psk
Endpoint = vpn.example.com:51820
AllowedIPs = 0.0.0.0/0, ::/0
PersistentKeepalive = 25
`, out)
}
