// Package secrets resolves credential names for providers and tools.
//
// Secrets come from two layers: the process environment (highest priority)
// and a YAML vault file that is hot-reloaded when it changes on disk so
// rotated credentials apply without a daemon restart.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when a named secret resolves to nothing.
var ErrNotFound = errors.New("secret not found")

// Vault resolves credential names from the environment and a vault file.
type Vault struct {
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	values map[string]string
}

// Open loads the vault file at path. A missing file yields an empty vault,
// not an error: deployments may rely on env vars alone.
func Open(path string, logger *slog.Logger) (*Vault, error) {
	if logger == nil {
		logger = slog.Default()
	}
	v := &Vault{path: path, logger: logger, values: map[string]string{}}
	if err := v.reload(); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *Vault) reload() error {
	data, err := os.ReadFile(v.path)
	if err != nil {
		if os.IsNotExist(err) {
			v.mu.Lock()
			v.values = map[string]string{}
			v.mu.Unlock()
			return nil
		}
		return fmt.Errorf("read secrets file: %w", err)
	}
	parsed := map[string]string{}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return fmt.Errorf("parse secrets file: %w", err)
		}
	}
	v.mu.Lock()
	v.values = parsed
	v.mu.Unlock()
	return nil
}

// Watch hot-reloads the vault file until ctx is cancelled. Reload errors are
// logged and the previous values stay in effect.
func (v *Vault) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	_ = fsw.Add(v.path)

	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := v.reload(); err != nil {
					v.logger.Error("secrets reload failed", "path", v.path, "error", err)
					continue
				}
				v.logger.Info("secrets reloaded", "path", v.path)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				v.logger.Error("secrets watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Resolve returns the value for name, environment first, vault file second.
func (v *Vault) Resolve(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrNotFound)
	}
	if val := os.Getenv(name); val != "" {
		return val, nil
	}
	v.mu.RLock()
	val := v.values[name]
	v.mu.RUnlock()
	if val == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return val, nil
}

// ProviderSecretName maps a provider name to its conventional secret name,
// e.g. "openai" -> "OPENAI_API_KEY".
func ProviderSecretName(provider string) string {
	provider = strings.ToUpper(strings.TrimSpace(provider))
	provider = strings.ReplaceAll(provider, "-", "_")
	if provider == "" {
		return ""
	}
	return provider + "_API_KEY"
}

// ResolveProvider resolves a provider's API key via the fixed naming rule.
func (v *Vault) ResolveProvider(provider string) (string, error) {
	name := ProviderSecretName(provider)
	if name == "" {
		return "", fmt.Errorf("%w: empty provider", ErrNotFound)
	}
	return v.Resolve(name)
}
