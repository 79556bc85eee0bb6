package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"schoolportal/identity/internal/model"
	"schoolportal/identity/internal/repository"
)

// Store keeps identities in process memory, enforcing the same unique
// constraints as the postgres schema.
type Store struct {
	mu sync.Mutex

	tables map[model.Role]map[string]model.Identity
}

func NewStore() *Store {
	return &Store{
		tables: map[model.Role]map[string]model.Identity{
			model.RoleStudent:    make(map[string]model.Identity),
			model.RoleController: make(map[string]model.Identity),
		},
	}
}

func (s *Store) table(role model.Role) map[string]model.Identity {
	t, ok := s.tables[role]
	if !ok {
		t = make(map[string]model.Identity)
		s.tables[role] = t
	}
	return t
}

func (s *Store) EmailExists(_ context.Context, role model.Role, email string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.find(role, func(i model.Identity) bool { return strings.EqualFold(i.Email, email) })
	return ok, nil
}

func (s *Store) UsernameExists(_ context.Context, role model.Role, username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.find(role, func(i model.Identity) bool { return strings.EqualFold(i.Username, username) })
	return ok, nil
}

func (s *Store) Insert(_ context.Context, identity model.Identity) (model.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.table(identity.Role)
	if _, ok := t[identity.ID]; ok {
		return model.Identity{}, &repository.ConflictError{Field: repository.FieldID}
	}
	for _, existing := range t {
		switch {
		case strings.EqualFold(existing.Email, identity.Email):
			return model.Identity{}, &repository.ConflictError{Field: repository.FieldEmail}
		case strings.EqualFold(existing.Username, identity.Username):
			return model.Identity{}, &repository.ConflictError{Field: repository.FieldUsername}
		case identity.QRTokenHash != "" && existing.QRTokenHash == identity.QRTokenHash:
			return model.Identity{}, &repository.ConflictError{Field: repository.FieldQRToken}
		}
	}

	now := time.Now().UTC()
	identity.CreatedAt = now
	identity.UpdatedAt = now
	t[identity.ID] = identity
	return identity, nil
}

func (s *Store) GetByID(_ context.Context, role model.Role, id string) (model.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, ok := s.table(role)[id]
	if !ok {
		return model.Identity{}, repository.ErrNotFound
	}
	return identity, nil
}

func (s *Store) GetByUsername(_ context.Context, role model.Role, username string) (model.Identity, error) {
	return s.get(role, func(i model.Identity) bool { return strings.EqualFold(i.Username, username) })
}

func (s *Store) GetByEmail(_ context.Context, role model.Role, email string) (model.Identity, error) {
	return s.get(role, func(i model.Identity) bool { return strings.EqualFold(i.Email, email) })
}

func (s *Store) GetByQRTokenHash(_ context.Context, role model.Role, tokenHash string) (model.Identity, error) {
	if tokenHash == "" {
		return model.Identity{}, repository.ErrNotFound
	}
	return s.get(role, func(i model.Identity) bool { return i.QRTokenHash == tokenHash })
}

func (s *Store) TouchLastLogin(_ context.Context, role model.Role, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.table(role)
	identity, ok := t[id]
	if !ok {
		return repository.ErrNotFound
	}
	at = at.UTC()
	identity.LastLogin = &at
	identity.UpdatedAt = at
	t[id] = identity
	return nil
}

func (s *Store) MarkEmailSent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.table(model.RoleStudent)
	identity, ok := t[id]
	if !ok {
		return repository.ErrNotFound
	}
	identity.EmailSent = true
	identity.UpdatedAt = time.Now().UTC()
	t[id] = identity
	return nil
}

// Count returns the number of rows in the role's table.
func (s *Store) Count(role model.Role) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.table(role))
}

func (s *Store) get(role model.Role, match func(model.Identity) bool) (model.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, ok := s.find(role, match)
	if !ok {
		return model.Identity{}, repository.ErrNotFound
	}
	return identity, nil
}

// find must be called with mu held.
func (s *Store) find(role model.Role, match func(model.Identity) bool) (model.Identity, bool) {
	for _, identity := range s.table(role) {
		if match(identity) {
			return identity, true
		}
	}
	return model.Identity{}, false
}
