package wireguard

import (
	"fmt"
	"strings"
)

// ClientParams holds the values rendered into a client configuration
type ClientParams struct {
	PrivateKey          string
	Address             string
	DNS                 []string
	ServerPublicKey     string
	PresharedKey        string
	Endpoint            string
	AllowedIPs          []string
	PersistentKeepalive int
}

// RenderClientConfig renders the configuration handed to the client
func RenderClientConfig(p ClientParams) (string, error) {
	address, err := HostPrefix(p.Address)
	if err != nil {
		return "", err
	}

	allowed := p.AllowedIPs
	if len(allowed) == 0 {
		allowed = []string{"0.0.0.0/0", "::/0"}
	}

	var sb strings.Builder
	sb.WriteString("[Interface]\n")
	fmt.Fprintf(&sb, "PrivateKey = %s\n", p.PrivateKey)
	fmt.Fprintf(&sb, "Address = %s\n", address)
	if len(p.DNS) > 0 {
		fmt.Fprintf(&sb, "DNS = %s\n", strings.Join(p.DNS, ", "))
	}
	sb.WriteString("\n[Peer]\n")
	fmt.Fprintf(&sb, "PublicKey = %s\n", p.ServerPublicKey)
	if p.PresharedKey != "" {
		fmt.Fprintf(&sb, "PresharedKey = %s\n", p.PresharedKey)
	}
	fmt.Fprintf(&sb, "Endpoint = %s\n", p.Endpoint)
	fmt.Fprintf(&sb, "AllowedIPs = %s\n", strings.Join(allowed, ", "))
	if p.PersistentKeepalive > 0 {
		fmt.Fprintf(&sb, "PersistentKeepalive = %d\n", p.PersistentKeepalive)
	}
	return sb.String(), nil
}
