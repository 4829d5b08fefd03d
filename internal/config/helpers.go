package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Pool type names shared with the ip_pool table
const (
	PoolWireGuardTrial = "wireguard_trial"
	PoolWireGuardPaid  = "wireguard_paid"
	PoolOutlineTrial   = "outline_trial"
	PoolOutlinePaid    = "outline_paid"
)

// IsValidPoolType reports whether name is a known pool type
func IsValidPoolType(name string) bool {
	switch name {
	case PoolWireGuardTrial, PoolWireGuardPaid, PoolOutlineTrial, PoolOutlinePaid:
		return true
	}
	return false
}

// PoolTypeFor maps a backend and trial flag onto its pool type
func PoolTypeFor(backend string, trial bool) string {
	if trial {
		return backend + "_trial"
	}
	return backend + "_paid"
}

// PoolFile is the inventory document kept in the pools Git repository
type PoolFile struct {
	Pools []PoolImportConfig `yaml:"pools"`
}

// LoadPoolFile reads and validates a pool inventory file
func LoadPoolFile(path string) (*PoolFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pool file: %w", err)
	}

	var pf PoolFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse pool file YAML: %w", err)
	}

	for i := range pf.Pools {
		if err := pf.Pools[i].Validate(); err != nil {
			return nil, fmt.Errorf("pool %d: %w", i, err)
		}
	}

	return &pf, nil
}
