package auth

import (
	"context"
	"strings"
	"sync"
)

// User is a directory entry used by the login flow. Role grants live in the
// directory so tokens can be minted with the full typed assignment set.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Roles        []string
	Modules      []ModuleGrant
}

// Directory describes the user lookup the login handler needs. The full
// identity subsystem lives elsewhere; the core only reads.
type Directory interface {
	FindByEmail(ctx context.Context, email string) (User, error)
}

// InMemoryDirectory implements Directory for tests and single-node setups.
type InMemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]User // keyed by lower-cased email
}

// NewInMemoryDirectory creates an empty directory.
func NewInMemoryDirectory() *InMemoryDirectory {
	return &InMemoryDirectory{users: make(map[string]User)}
}

// Add registers or replaces a user.
func (d *InMemoryDirectory) Add(u User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[strings.ToLower(strings.TrimSpace(u.Email))] = u
}

func (d *InMemoryDirectory) FindByEmail(ctx context.Context, email string) (User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}
