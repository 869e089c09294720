//go:build darwin

package keychain

import (
	"errors"
	"fmt"
	"sort"

	gokeychain "github.com/keybase/go-keychain"
)

// ServiceName is the Keychain service attribute for all outpost secrets.
const ServiceName = "com.outpost"

// SystemStore keeps secrets in the macOS login Keychain.
type SystemStore struct {
	service string
}

// NewSystemStore creates a Keychain-backed secret store.
func NewSystemStore() Store {
	return &SystemStore{service: ServiceName}
}

// item returns a generic-password query scoped to this store, and to key
// when key is not empty.
func (s *SystemStore) item(key string) gokeychain.Item {
	it := gokeychain.NewItem()
	it.SetSecClass(gokeychain.SecClassGenericPassword)
	it.SetService(s.service)
	if key != "" {
		it.SetAccount(key)
	}
	return it
}

// Set stores a secret, updating it in place when it already exists.
func (s *SystemStore) Set(key, value string) error {
	if err := checkKey(key); err != nil {
		return err
	}

	it := s.item(key)
	it.SetLabel("outpost: " + key)
	it.SetData([]byte(value))
	it.SetSynchronizable(gokeychain.SynchronizableNo)
	it.SetAccessible(gokeychain.AccessibleWhenUnlockedThisDeviceOnly)

	err := gokeychain.AddItem(it)
	if errors.Is(err, gokeychain.ErrorDuplicateItem) {
		update := gokeychain.NewItem()
		update.SetData([]byte(value))
		err = gokeychain.UpdateItem(s.item(key), update)
	}
	if err != nil {
		return fmt.Errorf("keychain set %q: %w", key, err)
	}
	return nil
}

func (s *SystemStore) Get(key string) (string, error) {
	q := s.item(key)
	q.SetMatchLimit(gokeychain.MatchLimitOne)
	q.SetReturnData(true)

	results, err := gokeychain.QueryItem(q)
	switch {
	case errors.Is(err, gokeychain.ErrorItemNotFound):
		return "", notFound(key)
	case err != nil:
		return "", fmt.Errorf("keychain get %q: %w", key, err)
	case len(results) == 0 || len(results[0].Data) == 0:
		return "", notFound(key)
	}
	return string(results[0].Data), nil
}

func (s *SystemStore) List() ([]string, error) {
	q := s.item("")
	q.SetMatchLimit(gokeychain.MatchLimitAll)
	q.SetReturnAttributes(true)

	results, err := gokeychain.QueryItem(q)
	if errors.Is(err, gokeychain.ErrorItemNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keychain list: %w", err)
	}
	keys := make([]string, 0, len(results))
	for _, r := range results {
		keys = append(keys, r.Account)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *SystemStore) Delete(key string) error {
	err := gokeychain.DeleteItem(s.item(key))
	if err != nil && !errors.Is(err, gokeychain.ErrorItemNotFound) {
		return fmt.Errorf("keychain delete %q: %w", key, err)
	}
	return nil
}
