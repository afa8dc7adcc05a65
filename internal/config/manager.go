package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"meshnoise/internal/keys"
)

// Manager reads and writes a node's Configuration, generating and
// persisting a fresh identity the first time it runs against a path with
// no file yet — the same lazy-default-on-first-read shape as the teacher's
// server_configuration.Manager.Configuration.
type Manager struct {
	resolver Resolver
}

// NewManager builds a Manager backed by resolver.
func NewManager(resolver Resolver) *Manager {
	return &Manager{resolver: resolver}
}

// Load reads the configuration file, writing and returning a fresh default
// (with a newly generated identity) if none exists yet.
func (m *Manager) Load() (*Configuration, error) {
	path, err := m.resolver.Resolve()
	if err != nil {
		return nil, fmt.Errorf("config: resolve path: %w", err)
	}

	if _, statErr := os.Stat(path); statErr != nil {
		cfg := NewDefaultConfiguration()
		if err := fillIdentity(cfg); err != nil {
			return nil, fmt.Errorf("config: generate identity: %w", err)
		}
		if err := m.writeTo(path, cfg); err != nil {
			return nil, fmt.Errorf("config: write default: %w", err)
		}
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Configuration
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// Save persists cfg to the resolved path, creating its parent directory if
// needed.
func (m *Manager) Save(cfg *Configuration) error {
	path, err := m.resolver.Resolve()
	if err != nil {
		return fmt.Errorf("config: resolve path: %w", err)
	}
	return m.writeTo(path, cfg)
}

func (m *Manager) writeTo(path string, cfg *Configuration) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(cfg, "", "\t")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0600)
}

// fillIdentity generates a fresh Curve25519 keypair and base64-encodes it
// into cfg.
func fillIdentity(cfg *Configuration) error {
	priv, err := keys.GeneratePrivate()
	if err != nil {
		return err
	}
	pub, err := priv.Public()
	if err != nil {
		return err
	}
	cfg.PrivateKeyBase64 = base64.StdEncoding.EncodeToString(priv.Bytes())
	cfg.PublicKeyBase64 = base64.StdEncoding.EncodeToString(pub.Bytes())
	return nil
}

// Identity decodes cfg's persisted keypair.
func Identity(cfg *Configuration) (keys.Private, keys.Public, error) {
	privBytes, err := base64.StdEncoding.DecodeString(cfg.PrivateKeyBase64)
	if err != nil {
		return keys.Private{}, keys.Public{}, fmt.Errorf("config: decode private key: %w", err)
	}
	priv, err := keys.PrivateFromBytes(privBytes)
	if err != nil {
		return keys.Private{}, keys.Public{}, fmt.Errorf("config: private key: %w", err)
	}
	pub, err := priv.Public()
	if err != nil {
		return keys.Private{}, keys.Public{}, fmt.Errorf("config: derive public key: %w", err)
	}
	return priv, pub, nil
}
