//go:build !darwin

package keychain

// NewSystemStore returns a MemoryStore on non-darwin platforms. Secrets
// set through it do not outlive the process.
func NewSystemStore() Store {
	return NewMemoryStore()
}
