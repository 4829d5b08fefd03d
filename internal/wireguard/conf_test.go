package wireguard_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sashakarcz/ironvpn/internal/wireguard"
)

const baseConfig = `[Interface]
Address = 10.10.0.1/24
ListenPort = 51820
PrivateKey = yAnz5TF+lXXJte14tji3zlMNq+hd2rYUIgJBgB3fBmk=

# laptop
[Peer]
PublicKey = xTIBA5rboUvnH4htodjb6e697QjLERt1NAB4mZqp8Dg=
AllowedIPs = 10.10.0.2/32

# ironvpn: 5b1c7a52-0001
[Peer]
PublicKey = TrMvSoP4jYQlY6RIzBgbssQqY3vxI2Pi+y71lOWWXX0=
PresharedKey = FpCyhws9cxwWoV4xELtfJvjJN+zQVRPISllRWgeopVE=
AllowedIPs = 10.10.0.3/32
`

func TestParseConfig(t *testing.T) {
	cf := wireguard.ParseConfig([]byte(baseConfig))

	assert.Contains(t, cf.Header, "ListenPort = 51820")
	require.Len(t, cf.Peers, 2)

	assert.Equal(t, "", cf.Peers[0].Tag)
	assert.Equal(t, "xTIBA5rboUvnH4htodjb6e697QjLERt1NAB4mZqp8Dg=", cf.Peers[0].PublicKey)
	assert.Equal(t, []string{"10.10.0.2/32"}, cf.Peers[0].AllowedIPs)

	assert.Equal(t, "5b1c7a52-0001", cf.Peers[1].Tag)
	assert.Equal(t, "FpCyhws9cxwWoV4xELtfJvjJN+zQVRPISllRWgeopVE=", cf.Peers[1].PresharedKey)
	assert.NotNil(t, cf.FindByTag("5b1c7a52-0001"))
	assert.Nil(t, cf.FindByTag("missing"))
}

func TestRender_IsStable(t *testing.T) {
	cf := wireguard.ParseConfig([]byte(baseConfig))
	first := cf.Render()
	second := wireguard.ParseConfig(first).Render()

	assert.Equal(t, string(first), string(second))
}

func TestAddThenRemove_RestoresFile(t *testing.T) {
	original := wireguard.ParseConfig([]byte(baseConfig)).Render()

	cf := wireguard.ParseConfig(original)
	require.NoError(t, cf.AddPeer(&wireguard.Peer{
		Tag:          "5b1c7a52-0002",
		PublicKey:    "HIgo9xNzJMWLKASShiTqIybxZ0U3wGLiUeJ1PKf8ykw=",
		PresharedKey: "FpCyhws9cxwWoV4xELtfJvjJN+zQVRPISllRWgeopVE=",
		AllowedIPs:   []string{"10.10.0.5/32"},
	}))
	withPeer := cf.Render()
	assert.Contains(t, string(withPeer), "# ironvpn: 5b1c7a52-0002\n[Peer]\n")
	assert.Contains(t, string(withPeer), "AllowedIPs = 10.10.0.5/32")

	reparsed := wireguard.ParseConfig(withPeer)
	require.Len(t, reparsed.Peers, 3)
	require.True(t, reparsed.RemovePeer("5b1c7a52-0002", ""))

	assert.Equal(t, string(original), string(reparsed.Render()))
}

func TestAddPeer_RejectsDuplicates(t *testing.T) {
	cf := wireguard.ParseConfig([]byte(baseConfig))

	err := cf.AddPeer(&wireguard.Peer{Tag: "5b1c7a52-0001", PublicKey: "other"})
	assert.Error(t, err)

	err = cf.AddPeer(&wireguard.Peer{Tag: "new", PublicKey: "xTIBA5rboUvnH4htodjb6e697QjLERt1NAB4mZqp8Dg="})
	assert.Error(t, err)
}

func TestRemovePeer_FallsBackToPublicKey(t *testing.T) {
	cf := wireguard.ParseConfig([]byte(baseConfig))

	assert.True(t, cf.RemovePeer("unknown-tag", "xTIBA5rboUvnH4htodjb6e697QjLERt1NAB4mZqp8Dg="))
	require.Len(t, cf.Peers, 1)
	assert.Equal(t, "5b1c7a52-0001", cf.Peers[0].Tag)

	assert.False(t, cf.RemovePeer("unknown-tag", "unknown-key"))
}

func TestParseConfig_HeaderOnly(t *testing.T) {
	data := "[Interface]\nListenPort = 51820\n\n\n"
	cf := wireguard.ParseConfig([]byte(data))

	assert.Empty(t, cf.Peers)
	assert.Equal(t, "[Interface]\nListenPort = 51820", cf.Header)
	assert.Equal(t, data, string(cf.Render()))
}

// hand-edited layout: blank line runs, a comment glued to the header and a
// missing blank line between peers
const irregularConfig = `[Interface]
Address = 10.10.0.1/24
PrivateKey = yAnz5TF+lXXJte14tji3zlMNq+hd2rYUIgJBgB3fBmk=
# laptop
[Peer]
PublicKey = xTIBA5rboUvnH4htodjb6e697QjLERt1NAB4mZqp8Dg=
AllowedIPs = 10.10.0.2/32



# ironvpn: 5b1c7a52-0001
[Peer]
PublicKey = TrMvSoP4jYQlY6RIzBgbssQqY3vxI2Pi+y71lOWWXX0=
AllowedIPs = 10.10.0.3/32
[Peer]
PublicKey = HIgo9xNzJMWLKASShiTqIybxZ0U3wGLiUeJ1PKf8ykw=
AllowedIPs = 10.10.0.4/32

`

func TestRender_PreservesLayout(t *testing.T) {
	cf := wireguard.ParseConfig([]byte(irregularConfig))
	require.Len(t, cf.Peers, 3)
	assert.Equal(t, irregularConfig, string(cf.Render()))
}

func TestMutation_KeepsOtherBlocksVerbatim(t *testing.T) {
	cf := wireguard.ParseConfig([]byte(irregularConfig))
	require.NoError(t, cf.AddPeer(&wireguard.Peer{
		Tag:        "5b1c7a52-0002",
		PublicKey:  "MIWBqcQ47bsvD8TR4IIa2ZbAZFGQeazn2RlKuo4kS0c=",
		AllowedIPs: []string{"10.10.0.5/32"},
	}))
	withPeer := string(cf.Render())

	// the first mutation leaves the hand-edited part untouched
	assert.Equal(t, strings.TrimSuffix(irregularConfig, "\n")+`
# ironvpn: 5b1c7a52-0002
[Peer]
PublicKey = MIWBqcQ47bsvD8TR4IIa2ZbAZFGQeazn2RlKuo4kS0c=
AllowedIPs = 10.10.0.5/32

`, withPeer)

	reparsed := wireguard.ParseConfig([]byte(withPeer))
	require.True(t, reparsed.RemovePeer("5b1c7a52-0002", ""))
	assert.Equal(t, irregularConfig, string(reparsed.Render()))

	// removing a middle block leaves its neighbours as they were
	reparsed = wireguard.ParseConfig([]byte(irregularConfig))
	require.True(t, reparsed.RemovePeer("5b1c7a52-0001", ""))
	assert.Equal(t, `[Interface]
Address = 10.10.0.1/24
PrivateKey = yAnz5TF+lXXJte14tji3zlMNq+hd2rYUIgJBgB3fBmk=
# laptop
[Peer]
PublicKey = xTIBA5rboUvnH4htodjb6e697QjLERt1NAB4mZqp8Dg=
AllowedIPs = 10.10.0.2/32
[Peer]
PublicKey = HIgo9xNzJMWLKASShiTqIybxZ0U3wGLiUeJ1PKf8ykw=
AllowedIPs = 10.10.0.4/32

`, string(reparsed.Render()))
}

func TestHostPrefix(t *testing.T) {
	p, err := wireguard.HostPrefix("10.10.0.5")
	require.NoError(t, err)
	assert.Equal(t, "10.10.0.5/32", p)

	p, err = wireguard.HostPrefix("fd00::5")
	require.NoError(t, err)
	assert.Equal(t, "fd00::5/128", p)

	_, err = wireguard.HostPrefix("10.10.0.0/24")
	assert.Error(t, err)
}
