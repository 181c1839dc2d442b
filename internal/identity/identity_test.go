package identity

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeFile(t, `{
		"token": "tok123",
		"user_id": "u1",
		"username": "alice",
		"full_name": "Alice A",
		"role": "admin"
	}`)

	creds, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if creds.Token != "tok123" || creds.UserID != "u1" || creds.Role != "admin" {
		t.Errorf("creds = %+v", creds)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("Load succeeded for a missing file")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"malformed json", `{"token": "x"`},
		{"missing user_id", `{"token": "x", "username": "alice"}`},
		{"empty object", `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.content)
			if _, err := Load(path); err == nil {
				t.Errorf("Load succeeded for %s", tt.name)
			}
		})
	}
}
