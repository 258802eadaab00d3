package client

import (
	"os"
	"path/filepath"
	"strings"
)

// DefaultTokenPath returns where the session token is stowed between runs.
func DefaultTokenPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".parley-client", "token"), nil
}

// SaveToken persists the token so the next invocation can reconnect
// without re-authenticating. The file is user-readable only.
func SaveToken(path, token string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(token+"\n"), 0600)
}

// LoadToken reads a previously saved token. A missing file returns empty,
// not an error.
func LoadToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// ClearToken removes a saved token, e.g. when the server rejects it.
func ClearToken(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
