// Package identity reads the operator's identity from local durable storage.
// The realtime layer only reads these values at connection time; writing and
// clearing them belongs to the authentication flow.
package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Credentials is the locally persisted identity: the bearer token for the
// chat service and the identity value used to address the events connection.
type Credentials struct {
	Token    string `json:"token"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	FullName string `json:"full_name"`
	Role     string `json:"role"`
}

// DefaultPath returns the conventional credentials location,
// $XDG_CONFIG_HOME/console/credentials.json (or ~/.config equivalent).
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("identity: no config dir: %w", err)
	}
	return filepath.Join(dir, "console", "credentials.json"), nil
}

// Load reads credentials from path. A path of "" selects DefaultPath.
func Load(path string) (*Credentials, error) {
	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: read %s: %w", path, err)
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("identity: parse %s: %w", path, err)
	}
	if creds.UserID == "" {
		return nil, fmt.Errorf("identity: %s has no user_id", path)
	}
	return &creds, nil
}
