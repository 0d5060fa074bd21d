package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// Default returns the default data directory (~/.inboxd).
func Default() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".inboxd")
}

// ConfigPath returns the config file path inside a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, "config.toml")
}

// DBPath returns the path of the mirror database.
func DBPath(dataDir string) string {
	return filepath.Join(dataDir, "inboxd.db")
}

// SessionPath returns the transport session file for an account.
func SessionPath(dataDir, phone string) string {
	return filepath.Join(dataDir, "sessions", fmt.Sprintf("session_%s.json", phone))
}

// SessionsDir returns the directory holding transport session files.
func SessionsDir(dataDir string) string {
	return filepath.Join(dataDir, "sessions")
}

// BackupsDir returns the directory holding contact backup exports.
func BackupsDir(dataDir string) string {
	return filepath.Join(dataDir, "backups")
}

// LogDir returns the log directory.
func LogDir(dataDir string) string {
	return filepath.Join(dataDir, "logs")
}

// LogPath returns the daemon log file path.
func LogPath(dataDir string) string {
	return filepath.Join(LogDir(dataDir), "inboxd.log")
}

// LockPath returns the data directory lock file path.
func LockPath(dataDir string) string {
	return filepath.Join(dataDir, "LOCK")
}

// EnsureTree creates the data directory layout with owner-only permissions.
func EnsureTree(dataDir string) error {
	dirs := []string{
		dataDir,
		SessionsDir(dataDir),
		BackupsDir(dataDir),
		LogDir(dataDir),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
