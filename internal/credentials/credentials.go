// Package credentials resolves the bearer credential of a provider from its
// credential reference.
//
// A reference is one of:
//
//	file:<path>   key file, plain text or JSON, re-read when it changes
//	env:<NAME>    environment variable
//	<value>       literal key; ${VAR} references are expanded
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	filePrefix = "file:"
	envPrefix  = "env:"
)

// ErrMissingCredential is returned when a reference resolves to nothing.
var ErrMissingCredential = errors.New("credential not found")

// tokenKeys are searched, in order, in JSON key files such as CLI auth caches.
var tokenKeys = []string{"api_key", "token", "access_token", "key", "oauth_token", "bearer_token"}

// Source yields the current credential for a reference.
type Source interface {
	Token(ctx context.Context, ref string) (string, error)
}

// FileRef builds a reference to a key file.
func FileRef(path string) string { return filePrefix + path }

// EnvRef builds a reference to an environment variable.
func EnvRef(name string) string { return envPrefix + name }

type cachedFile struct {
	modTime time.Time
	size    int64
	token   string
}

// Resolver implements Source. Key files are cached and re-read only when
// their modification time or size changes, so rotated tokens are picked up
// without a restart.
type Resolver struct {
	mu    sync.Mutex
	files map[string]cachedFile

	getenv func(string) string
}

func NewResolver() *Resolver {
	return &Resolver{
		files:  make(map[string]cachedFile),
		getenv: os.Getenv,
	}
}

func (r *Resolver) Token(ctx context.Context, ref string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	switch {
	case ref == "":
		return "", nil
	case strings.HasPrefix(ref, filePrefix):
		return r.fromFile(strings.TrimPrefix(ref, filePrefix))
	case strings.HasPrefix(ref, envPrefix):
		name := strings.TrimPrefix(ref, envPrefix)
		if v := strings.TrimSpace(r.getenv(name)); v != "" {
			return v, nil
		}
		return "", fmt.Errorf("%w: environment variable %s is empty", ErrMissingCredential, name)
	}

	token := strings.TrimSpace(os.Expand(ref, r.getenv))
	if token == "" {
		return "", fmt.Errorf("%w: %q expands to an empty value", ErrMissingCredential, ref)
	}
	return token, nil
}

func (r *Resolver) fromFile(path string) (string, error) {
	path, err := ExpandHome(path)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMissingCredential, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.files[path]; ok && c.modTime.Equal(info.ModTime()) && c.size == info.Size() {
		return c.token, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMissingCredential, err)
	}

	token, err := parseKeyFile(raw)
	if err != nil {
		return "", fmt.Errorf("key file %s: %w", path, err)
	}

	r.files[path] = cachedFile{modTime: info.ModTime(), size: info.Size(), token: token}
	return token, nil
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", path, err)
	}
	return filepath.Join(home, path[2:]), nil
}

func parseKeyFile(raw []byte) (string, error) {
	content := strings.TrimSpace(string(raw))
	if content == "" {
		return "", ErrMissingCredential
	}

	if !strings.HasPrefix(content, "{") {
		return content, nil
	}

	var value any
	if err := json.Unmarshal([]byte(content), &value); err != nil {
		return "", fmt.Errorf("parse json: %w", err)
	}

	if token, ok := searchToken(value); ok {
		return token, nil
	}
	return "", fmt.Errorf("%w: no %s field", ErrMissingCredential, strings.Join(tokenKeys, "/"))
}

// searchToken looks for a known key at each level before descending, with
// nested objects visited in key order.
func searchToken(value any) (string, bool) {
	switch v := value.(type) {
	case map[string]any:
		for _, key := range tokenKeys {
			if s, ok := v[key].(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s), true
			}
		}

		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			if token, ok := searchToken(v[k]); ok {
				return token, true
			}
		}
	case []any:
		for _, item := range v {
			if token, ok := searchToken(item); ok {
				return token, true
			}
		}
	}
	return "", false
}
