// Package identity talks to the external identity directory that owns
// authentication accounts. Accounts are addressed by email and identified by
// an opaque id that the record store reuses as its primary key.
package identity

import (
	"context"
	"errors"
)

var (
	// ErrAccountExists reports that the directory already holds an account for the email.
	ErrAccountExists = errors.New("account_exists")
	// ErrAccountNotFound reports a delete for an unknown account id.
	ErrAccountNotFound = errors.New("account_not_found")
)

type Directory interface {
	CreateAccount(ctx context.Context, email, password string) (string, error)
	DeleteAccount(ctx context.Context, id string) error
}
