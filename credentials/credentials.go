// Package credentials resolves upstream API keys.
//
// Keys are looked up in a credentials.toml file keyed by provider name or
// kind, then in the environment. The file must not be readable by group or
// others.
package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
)

// ErrInsecurePermissions is returned when the credentials file is readable
// by group or others.
var ErrInsecurePermissions = fmt.Errorf("credentials file has insecure permissions")

// DefaultSection holds a key used when no provider-specific section matches.
const DefaultSection = "default"

// Credentials holds API keys by section name.
type Credentials struct {
	path     string
	sections map[string]section
}

type section struct {
	APIKey string `toml:"api_key"`
}

// StandardPaths returns the credential file locations in order of priority.
func StandardPaths() []string {
	paths := []string{"credentials.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "llmdispatch", "credentials.toml"))
	}
	return paths
}

// Load loads credentials from the first standard location that exists.
// A missing file is not an error; the result is nil.
func Load() (*Credentials, error) {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path)
		}
	}
	return nil, nil
}

// LoadFile loads credentials from path.
func LoadFile(path string) (*Credentials, error) {
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if mode := info.Mode().Perm(); mode&0o077 != 0 {
			return nil, fmt.Errorf("%w: %s has mode %04o (must be 0400 or 0600)",
				ErrInsecurePermissions, path, mode)
		}
	}

	sections := make(map[string]section)
	if _, err := toml.DecodeFile(path, &sections); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &Credentials{path: path, sections: sections}, nil
}

// Path returns the file the credentials were loaded from.
func (c *Credentials) Path() string {
	if c == nil {
		return ""
	}
	return c.path
}

// APIKey returns the key for a provider instance.
// Priority: [name] section, [kind] section, [default] section, then the
// kind's environment variable. c may be nil.
func (c *Credentials) APIKey(name, kind string) string {
	if c != nil {
		for _, key := range []string{name, kind, DefaultSection} {
			if key == "" {
				continue
			}
			if s, ok := c.sections[key]; ok && s.APIKey != "" {
				return s.APIKey
			}
		}
	}
	return os.Getenv(EnvVar(kind))
}

// EnvVar returns the conventional environment variable for a provider kind.
func EnvVar(kind string) string {
	switch kind {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai", "openai-compat":
		return "OPENAI_API_KEY"
	case "google":
		return "GOOGLE_API_KEY"
	case "xai":
		return "XAI_API_KEY"
	default:
		return strings.ToUpper(strings.ReplaceAll(kind, "-", "_")) + "_API_KEY"
	}
}
