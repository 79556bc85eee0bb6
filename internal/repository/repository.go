// Package repository defines the record store holding student and controller
// identities. Implementations live in the postgres and memory subpackages.
package repository

import (
	"context"
	"errors"
	"time"

	"schoolportal/identity/internal/model"
)

var ErrNotFound = errors.New("not_found")

const (
	FieldEmail    = "email"
	FieldUsername = "username"
	FieldQRToken  = "qr_token"
	FieldID       = "id"
)

// ConflictError reports a unique constraint violation on Field.
type ConflictError struct {
	Field string
}

func (e *ConflictError) Error() string {
	return "conflict on " + e.Field
}

// IsConflict reports whether err is a unique violation, and on which field.
func IsConflict(err error) (string, bool) {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return conflict.Field, true
	}
	return "", false
}

// Store is role-routed: every call targets the table of the given role only.
type Store interface {
	EmailExists(ctx context.Context, role model.Role, email string) (bool, error)
	UsernameExists(ctx context.Context, role model.Role, username string) (bool, error)
	Insert(ctx context.Context, identity model.Identity) (model.Identity, error)
	GetByID(ctx context.Context, role model.Role, id string) (model.Identity, error)
	GetByUsername(ctx context.Context, role model.Role, username string) (model.Identity, error)
	GetByEmail(ctx context.Context, role model.Role, email string) (model.Identity, error)
	GetByQRTokenHash(ctx context.Context, role model.Role, tokenHash string) (model.Identity, error)
	TouchLastLogin(ctx context.Context, role model.Role, id string, at time.Time) error
	MarkEmailSent(ctx context.Context, id string) error
}
