// Package home locates the toolbox state directory.
package home

import (
	"os"
	"path/filepath"
)

// Dir returns the toolbox home directory. It defaults to ~/.toolbox and can
// be overridden with TOOLBOX_HOME.
func Dir() string {
	if v := os.Getenv("TOOLBOX_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".toolbox"
	}
	return filepath.Join(home, ".toolbox")
}

// DBPath returns the default output store path (~/.toolbox/outputs.db).
func DBPath() string {
	return filepath.Join(Dir(), "outputs.db")
}

// SessionsPath returns the directory holding per-session mounts.
func SessionsPath() string {
	return filepath.Join(Dir(), "sessions")
}

// SessionDir returns the host directory mounted into sandboxes for session.
func SessionDir(session string) string {
	return filepath.Join(SessionsPath(), session)
}

// EnsureDir creates dir with the permissions used for toolbox state.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
