// Package keychain stores sidecar secrets and resolves them into
// environment variables at spawn time.
//
// On macOS secrets are generic passwords in the login Keychain under the
// service "com.outpost", with the secret key as the account. They are
// scoped to this device and never synced.
package keychain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNotFound is returned when a secret does not exist in the store.
	ErrNotFound = errors.New("secret not found")

	ErrInvalidKey = errors.New("invalid secret key")
)

// Store is the interface for secret storage operations.
type Store interface {
	Set(key, value string) error
	Get(key string) (string, error)
	List() ([]string, error)
	Delete(key string) error
}

func notFound(key string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, key)
}

// checkKey rejects keys that cannot be referenced from sidecar.secrets.
func checkKey(key string) error {
	if key == "" || strings.TrimSpace(key) != key || strings.ContainsAny(key, "\n\t") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// Env resolves refs (environment variable name to secret key) against
// store and returns NAME=value pairs sorted by name. Secrets that cannot
// be read are left out and reported together in the error, so callers may
// choose to start without them.
func Env(store Store, refs map[string]string) ([]string, error) {
	names := make([]string, 0, len(refs))
	for name := range refs {
		names = append(names, name)
	}
	sort.Strings(names)

	env := make([]string, 0, len(names))
	var errs []error
	for _, name := range names {
		val, err := store.Get(refs[name])
		if err != nil {
			errs = append(errs, fmt.Errorf("secret for %s: %w", name, err))
			continue
		}
		env = append(env, name+"="+val)
	}
	return env, errors.Join(errs...)
}
