package wireguard

import (
	"context"
	"fmt"
	"net"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// PeerController applies peer changes to the running interface without
// restarting it
type PeerController interface {
	SetPeer(ctx context.Context, iface string, peer *Peer) error
	RemovePeer(ctx context.Context, iface, publicKey string) error
	ListPeers(ctx context.Context, iface string) ([]string, error)
}

// ToolController drives the interface through `wg set` and `wg show`
type ToolController struct {
	runner Runner
	binary string
}

// NewToolController creates a controller that uses the wg binary
func NewToolController(runner Runner, binary string) *ToolController {
	if binary == "" {
		binary = "wg"
	}
	return &ToolController{runner: runner, binary: binary}
}

// SetPeer adds or updates a peer. The pre-shared key is passed on stdin so
// it never appears in the process list or on disk.
func (c *ToolController) SetPeer(ctx context.Context, iface string, peer *Peer) error {
	args := []string{"set", iface, "peer", peer.PublicKey}
	var stdin []byte
	if peer.PresharedKey != "" {
		args = append(args, "preshared-key", "/dev/stdin")
		stdin = []byte(peer.PresharedKey + "\n")
	}
	args = append(args, "allowed-ips", strings.Join(peer.AllowedIPs, ","))

	_, err := c.runner.Run(ctx, stdin, c.binary, args...)
	return err
}

// RemovePeer removes a peer; removing an unknown peer is not an error
func (c *ToolController) RemovePeer(ctx context.Context, iface, publicKey string) error {
	_, err := c.runner.Run(ctx, nil, c.binary, "set", iface, "peer", publicKey, "remove")
	return err
}

// ListPeers returns the public keys of the live peers
func (c *ToolController) ListPeers(ctx context.Context, iface string) ([]string, error) {
	out, err := c.runner.Run(ctx, nil, c.binary, "show", iface, "peers")
	if err != nil {
		return nil, err
	}
	return strings.Fields(string(out)), nil
}

// NetlinkController talks to the kernel module directly through wgctrl
type NetlinkController struct {
	client *wgctrl.Client
}

// NewNetlinkController opens a wgctrl client
func NewNetlinkController() (*NetlinkController, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("failed to open wgctrl: %w", err)
	}
	return &NetlinkController{client: client}, nil
}

// Close releases the wgctrl client
func (c *NetlinkController) Close() error {
	return c.client.Close()
}

// SetPeer adds or updates a peer, leaving all other peers untouched
func (c *NetlinkController) SetPeer(ctx context.Context, iface string, peer *Peer) error {
	pub, err := wgtypes.ParseKey(peer.PublicKey)
	if err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}

	pc := wgtypes.PeerConfig{
		PublicKey:         pub,
		ReplaceAllowedIPs: true,
	}
	if peer.PresharedKey != "" {
		psk, err := wgtypes.ParseKey(peer.PresharedKey)
		if err != nil {
			return fmt.Errorf("invalid preshared key: %w", err)
		}
		pc.PresharedKey = &psk
	}
	for _, cidr := range peer.AllowedIPs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return fmt.Errorf("invalid allowed ip %q: %w", cidr, err)
		}
		pc.AllowedIPs = append(pc.AllowedIPs, *ipNet)
	}

	return c.configure(ctx, iface, pc)
}

// RemovePeer removes a peer from the live interface
func (c *NetlinkController) RemovePeer(ctx context.Context, iface, publicKey string) error {
	pub, err := wgtypes.ParseKey(publicKey)
	if err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}
	return c.configure(ctx, iface, wgtypes.PeerConfig{PublicKey: pub, Remove: true})
}

// ListPeers returns the public keys of the live peers
func (c *NetlinkController) ListPeers(ctx context.Context, iface string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	device, err := c.client.Device(iface)
	if err != nil {
		return nil, fmt.Errorf("failed to get device %s: %w", iface, err)
	}
	keys := make([]string, 0, len(device.Peers))
	for _, p := range device.Peers {
		keys = append(keys, p.PublicKey.String())
	}
	return keys, nil
}

// configure applies one peer change; wgctrl calls are not cancellable, so
// the context is only checked beforehand
func (c *NetlinkController) configure(ctx context.Context, iface string, pc wgtypes.PeerConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := c.client.ConfigureDevice(iface, wgtypes.Config{
		Peers:        []wgtypes.PeerConfig{pc},
		ReplacePeers: false,
	})
	if err != nil {
		return fmt.Errorf("failed to configure device %s: %w", iface, err)
	}
	return nil
}
