package identity

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryDirectory is an in-process directory used for local runs and tests.
type MemoryDirectory struct {
	mu       sync.Mutex
	accounts map[string]string // id -> email
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{accounts: make(map[string]string)}
}

func (d *MemoryDirectory) CreateAccount(_ context.Context, email, _ string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, existing := range d.accounts {
		if strings.EqualFold(existing, email) {
			return "", ErrAccountExists
		}
	}
	id := uuid.NewString()
	d.accounts[id] = email
	return id, nil
}

func (d *MemoryDirectory) DeleteAccount(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.accounts[id]; !ok {
		return ErrAccountNotFound
	}
	delete(d.accounts, id)
	return nil
}

func (d *MemoryDirectory) Has(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.accounts[id]
	return ok
}

func (d *MemoryDirectory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.accounts)
}
