package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const apiTokenAccount = "api_token"

// secretStore abstracts secret persistence for testing.
type secretStore interface {
	Get(account string) (string, error)
	Set(account, value string) error
}

func secretsFilePath() string {
	return filepath.Join(defaultDataDir(), "secrets.json")
}

// secretsFile keeps secrets in a 0600 JSON file next to the data directory.
type secretsFile struct {
	path string
}

func (f secretsFile) read() (map[string]string, error) {
	secrets := make(map[string]string)
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return secrets, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return secrets, nil
}

func (f secretsFile) Get(account string) (string, error) {
	secrets, err := f.read()
	if err != nil {
		return "", err
	}
	return secrets[account], nil
}

func (f secretsFile) Set(account, value string) error {
	secrets, err := f.read()
	if err != nil {
		return err
	}
	secrets[account] = value

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, out, 0o600)
}

// ensureAPIToken returns the stored API token, generating and persisting one
// on first use.
func ensureAPIToken(s secretStore) (string, error) {
	token, err := s.Get(apiTokenAccount)
	if err != nil {
		return "", err
	}
	if token != "" {
		return token, nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating api token: %w", err)
	}
	token = hex.EncodeToString(buf)
	if err := s.Set(apiTokenAccount, token); err != nil {
		return "", fmt.Errorf("saving api token: %w", err)
	}
	return token, nil
}
