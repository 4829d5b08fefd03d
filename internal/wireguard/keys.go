package wireguard

import (
	"context"
	"fmt"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// KeyMaterial is a freshly generated client identity. The private key is
// handed to the client and only kept inside the rendered client config.
type KeyMaterial struct {
	PrivateKey   string
	PublicKey    string
	PresharedKey string
}

// KeyGenerator produces client key pairs and pre-shared keys
type KeyGenerator interface {
	Generate(ctx context.Context) (*KeyMaterial, error)
}

// ToolKeyGenerator shells out to `wg genkey`, `wg pubkey` and `wg genpsk`
type ToolKeyGenerator struct {
	runner Runner
	binary string
}

// NewToolKeyGenerator creates a generator that uses the wg binary
func NewToolKeyGenerator(runner Runner, binary string) *ToolKeyGenerator {
	if binary == "" {
		binary = "wg"
	}
	return &ToolKeyGenerator{runner: runner, binary: binary}
}

// Generate runs the three wg commands and validates their output
func (g *ToolKeyGenerator) Generate(ctx context.Context) (*KeyMaterial, error) {
	priv, err := g.run(ctx, nil, "genkey")
	if err != nil {
		return nil, err
	}

	pub, err := g.run(ctx, []byte(priv+"\n"), "pubkey")
	if err != nil {
		return nil, err
	}

	psk, err := g.run(ctx, nil, "genpsk")
	if err != nil {
		return nil, err
	}

	km := &KeyMaterial{PrivateKey: priv, PublicKey: pub, PresharedKey: psk}
	if err := km.Validate(); err != nil {
		return nil, err
	}
	return km, nil
}

func (g *ToolKeyGenerator) run(ctx context.Context, stdin []byte, sub string) (string, error) {
	out, err := g.runner.Run(ctx, stdin, g.binary, sub)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// NativeKeyGenerator generates keys in-process with wgtypes
type NativeKeyGenerator struct{}

// Generate creates a curve25519 key pair and a random pre-shared key
func (NativeKeyGenerator) Generate(ctx context.Context) (*KeyMaterial, error) {
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	psk, err := wgtypes.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate preshared key: %w", err)
	}

	return &KeyMaterial{
		PrivateKey:   priv.String(),
		PublicKey:    priv.PublicKey().String(),
		PresharedKey: psk.String(),
	}, nil
}

// Validate checks that all three keys are well-formed and that the public
// key matches the private key
func (k *KeyMaterial) Validate() error {
	priv, err := wgtypes.ParseKey(k.PrivateKey)
	if err != nil {
		return fmt.Errorf("invalid private key: %w", err)
	}
	if _, err := wgtypes.ParseKey(k.PresharedKey); err != nil {
		return fmt.Errorf("invalid preshared key: %w", err)
	}
	pub, err := wgtypes.ParseKey(k.PublicKey)
	if err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}
	if priv.PublicKey() != pub {
		return fmt.Errorf("public key does not match private key")
	}
	return nil
}
