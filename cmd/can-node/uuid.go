package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/denisbrodbeck/machineid"

	"github.com/kstaniek/go-can-node/internal/identity"
)

// parseUUID accepts 6 bytes of hex with optional ':' or '-' separators.
func parseUUID(s string) ([]byte, error) {
	clean := strings.NewReplacer(":", "", "-", "").Replace(s)
	b, err := hex.DecodeString(clean)
	if err != nil {
		return nil, err
	}
	if len(b) != identity.UUIDLen {
		return nil, fmt.Errorf("need %d bytes, got %d", identity.UUIDLen, len(b))
	}
	return b, nil
}

// deriveUUID produces a stable per-host UUID from the machine ID so a
// node keeps its bus identity across restarts without configuration.
func deriveUUID() ([]byte, error) {
	id, err := machineid.ProtectedID("can-node")
	if err != nil {
		return nil, fmt.Errorf("machine id: %w", err)
	}
	sum := sha256.Sum256([]byte(id))
	return sum[:identity.UUIDLen], nil
}

// resolveUUID returns the configured UUID or derives one.
func resolveUUID(cfg string) ([]byte, error) {
	if cfg != "" {
		return parseUUID(cfg)
	}
	return deriveUUID()
}

func formatUUID(u []byte) string {
	parts := make([]string, len(u))
	for i, b := range u {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, ":")
}
