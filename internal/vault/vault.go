package vault

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrVault          = errors.New("vault: unreadable vault file")
	ErrBadCredentials = errors.New("vault: credentials do not unlock vault")
	ErrNoCredentials  = errors.New("vault: password or key file required")
)

// Entry is one stored credential. Every field is optional; zero values are
// omitted when the entry is rendered for a lookup reply.
type Entry struct {
	Title    string    `cbor:"title,omitempty"`
	URL      string    `cbor:"url,omitempty"`
	Username string    `cbor:"username,omitempty"`
	Password string    `cbor:"password,omitempty"`
	Created  time.Time `cbor:"created,omitempty"`
	Accessed time.Time `cbor:"accessed,omitempty"`
	Modified time.Time `cbor:"modified,omitempty"`
	Expires  time.Time `cbor:"expires,omitempty"`
	Comment  string    `cbor:"comment,omitempty"`
}

// Vault is an unlocked credential database. It holds decrypted entries in
// memory for the lifetime of the owning process; it is never written back by
// the lookup path.
type Vault struct {
	entries []Entry
}

// NewVault wraps an in-memory entry list. Used by the agent and by contract
// tests; file-backed vaults come from Open.
func NewVault(entries []Entry) *Vault {
	copied := make([]Entry, len(entries))
	copy(copied, entries)
	return &Vault{entries: copied}
}

// Entries returns the stored entries in vault order.
func (v *Vault) Entries() []Entry {
	out := make([]Entry, len(v.entries))
	copy(out, v.entries)
	return out
}

// Search returns entries whose title contains query, matched
// case-insensitively on a substring basis, in vault order.
func (v *Vault) Search(query string) []Entry {
	needle := strings.ToLower(query)
	matched := make([]Entry, 0)
	for _, entry := range v.entries {
		if strings.Contains(strings.ToLower(entry.Title), needle) {
			matched = append(matched, entry)
		}
	}
	return matched
}
