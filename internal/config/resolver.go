package config

import (
	"os"
	"path/filepath"
)

// envPathOverride names the environment variable that, if set, names the
// configuration file path directly — the same override style the teacher's
// reader uses for ServerIP/EnableUDP/EnableTCP, applied here to the path
// itself rather than individual fields.
const envPathOverride = "MESHNOISED_CONFIG"

// DefaultPath is used when envPathOverride isn't set.
const DefaultPath = "/etc/meshnoised/config.json"

// Resolver locates the configuration file on disk.
type Resolver interface {
	Resolve() (string, error)
}

type defaultResolver struct{}

// NewResolver returns the Resolver every node uses: MESHNOISED_CONFIG if
// set, otherwise DefaultPath.
func NewResolver() Resolver { return defaultResolver{} }

func (defaultResolver) Resolve() (string, error) {
	if p := os.Getenv(envPathOverride); p != "" {
		return filepath.Clean(p), nil
	}
	return DefaultPath, nil
}
