// Package paths resolves the on-disk layout under ~/.chatsync.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

var profileNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,63}$`)

// BaseDir returns ~/.chatsync.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatsync")
}

// Dir returns the profile-specific directory.
func Dir(profile string) string {
	return filepath.Join(BaseDir(), "profiles", profile)
}

// CachePath returns the profile's cache.db path.
func CachePath(profile string) string {
	return filepath.Join(Dir(profile), "cache.db")
}

// LogPath returns the daemon log file path.
func LogPath(profile string) string {
	return filepath.Join(Dir(profile), "logs", "chatsyncd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// ValidateProfile rejects names that would escape the profiles dir or
// produce surprising paths.
func ValidateProfile(name string) error {
	if !profileNameRe.MatchString(name) {
		return fmt.Errorf("invalid profile name %q: use letters, digits, '-' or '_'", name)
	}
	return nil
}

// EnsureDir creates the profile directory tree with owner-only perms.
func EnsureDir(profile string) error {
	dirs := []string{
		Dir(profile),
		filepath.Join(Dir(profile), "logs"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
