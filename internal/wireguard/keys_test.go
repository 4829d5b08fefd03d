package wireguard_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/sashakarcz/ironvpn/internal/testutil"
	"github.com/sashakarcz/ironvpn/internal/wireguard"
)

func TestNativeKeyGenerator(t *testing.T) {
	km, err := wireguard.NativeKeyGenerator{}.Generate(context.Background())
	require.NoError(t, err)

	require.NoError(t, km.Validate())
	assert.NotEqual(t, km.PrivateKey, km.PresharedKey)
}

func TestToolKeyGenerator(t *testing.T) {
	priv, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	psk, err := wgtypes.GenerateKey()
	require.NoError(t, err)

	runner := testutil.NewFakeRunner()
	runner.On("genkey", priv.String()+"\n")
	runner.On("pubkey", priv.PublicKey().String()+"\n")
	runner.On("genpsk", psk.String()+"\n")

	gen := wireguard.NewToolKeyGenerator(runner, "")
	km, err := gen.Generate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, priv.String(), km.PrivateKey)
	assert.Equal(t, priv.PublicKey().String(), km.PublicKey)
	assert.Equal(t, psk.String(), km.PresharedKey)

	calls := runner.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "wg", calls[1].Name)
	assert.Equal(t, []string{"pubkey"}, calls[1].Args)
	assert.Equal(t, priv.String()+"\n", calls[1].Stdin)
}

func TestToolKeyGenerator_MismatchedPublicKey(t *testing.T) {
	priv, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	other, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)

	runner := testutil.NewFakeRunner()
	runner.On("genkey", priv.String())
	runner.On("pubkey", other.PublicKey().String())
	runner.On("genpsk", priv.String())

	_, err = wireguard.NewToolKeyGenerator(runner, "wg").Generate(context.Background())
	assert.Error(t, err)
}

func TestToolKeyGenerator_ToolMissing(t *testing.T) {
	runner := testutil.NewFakeRunner()
	runner.Fail("genkey", wireguard.ErrToolNotFound)

	_, err := wireguard.NewToolKeyGenerator(runner, "wg").Generate(context.Background())
	assert.ErrorIs(t, err, wireguard.ErrToolNotFound)
}
