package resolver

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// CredentialStore is a read-only lookup of secrets by key.
type CredentialStore interface {
	Credential(ctx context.Context, key string) (string, error)
}

// MapCredentials is an in-memory CredentialStore.
type MapCredentials map[string]string

func (m MapCredentials) Credential(_ context.Context, key string) (string, error) {
	v, ok := m[key]
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %q", ErrMissingCredential, key)
	}
	return v, nil
}

// FileCredentials reads a key file (TOML, YAML or JSON, by extension) with
// viper. Values live under a [credentials] table or at the top level.
type FileCredentials struct {
	path string
	mu   sync.RWMutex
	v    *viper.Viper
}

func NewFileCredentials(path string) (*FileCredentials, error) {
	f := &FileCredentials{path: path}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Reload re-reads the key file.
func (f *FileCredentials) Reload() error {
	v := viper.New()
	v.SetConfigFile(f.path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read credentials %s: %w", f.path, err)
	}
	f.mu.Lock()
	f.v = v
	f.mu.Unlock()
	return nil
}

func (f *FileCredentials) Credential(_ context.Context, key string) (string, error) {
	f.mu.RLock()
	v := f.v
	f.mu.RUnlock()
	for _, k := range []string{"credentials." + key, key} {
		if s := strings.TrimSpace(v.GetString(k)); s != "" {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrMissingCredential, key)
}
