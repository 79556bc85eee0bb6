package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"schoolportal/identity/internal/model"
	"schoolportal/identity/internal/repository"
)

const (
	studentColumns = `id, username, password_hash, email, name, class, division, parent_name, place,
    roll_number, phone, qr_token_hash, is_active, email_sent, created_at, updated_at, last_login`
	controllerColumns = `id, username, password_hash, email, name, qr_token_hash, is_active,
    created_at, updated_at, last_login`
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func tableFor(role model.Role) string {
	if role == model.RoleController {
		return "controllers"
	}
	return "students"
}

func (s *Store) EmailExists(ctx context.Context, role model.Role, email string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM `+tableFor(role)+` WHERE lower(email) = lower($1)`, email)
}

func (s *Store) UsernameExists(ctx context.Context, role model.Role, username string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM `+tableFor(role)+` WHERE lower(username) = lower($1)`, username)
}

func (s *Store) Insert(ctx context.Context, identity model.Identity) (model.Identity, error) {
	var row pgx.Row
	if identity.Role == model.RoleController {
		row = s.pool.QueryRow(ctx, `
      INSERT INTO controllers (id, username, password_hash, email, name, qr_token_hash, is_active)
      VALUES ($1, $2, $3, $4, $5, $6, $7)
      RETURNING `+controllerColumns,
			identity.ID, identity.Username, identity.PasswordHash, identity.Email, identity.Name,
			identity.QRTokenHash, identity.IsActive)
	} else {
		row = s.pool.QueryRow(ctx, `
      INSERT INTO students (id, username, password_hash, email, name, class, division, parent_name, place,
        roll_number, phone, qr_token_hash, is_active, email_sent)
      VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
      RETURNING `+studentColumns,
			identity.ID, identity.Username, identity.PasswordHash, identity.Email, identity.Name,
			identity.Class, identity.Division, identity.ParentName, identity.Place,
			identity.RollNumber, identity.Phone, identity.QRTokenHash, identity.IsActive, identity.EmailSent)
	}
	out, err := scanIdentity(identity.Role, row)
	if err != nil {
		return model.Identity{}, translate(err)
	}
	return out, nil
}

func (s *Store) GetByID(ctx context.Context, role model.Role, id string) (model.Identity, error) {
	return s.getOne(ctx, role, `id = $1`, id)
}

func (s *Store) GetByUsername(ctx context.Context, role model.Role, username string) (model.Identity, error) {
	return s.getOne(ctx, role, `lower(username) = lower($1)`, username)
}

func (s *Store) GetByEmail(ctx context.Context, role model.Role, email string) (model.Identity, error) {
	return s.getOne(ctx, role, `lower(email) = lower($1)`, email)
}

func (s *Store) GetByQRTokenHash(ctx context.Context, role model.Role, tokenHash string) (model.Identity, error) {
	if tokenHash == "" {
		return model.Identity{}, repository.ErrNotFound
	}
	return s.getOne(ctx, role, `qr_token_hash = $1`, tokenHash)
}

func (s *Store) TouchLastLogin(ctx context.Context, role model.Role, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE `+tableFor(role)+` SET last_login = $1, updated_at = $1 WHERE id = $2`, at.UTC(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *Store) MarkEmailSent(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE students SET email_sent = true, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *Store) getOne(ctx context.Context, role model.Role, where string, arg string) (model.Identity, error) {
	columns := studentColumns
	if role == model.RoleController {
		columns = controllerColumns
	}
	row := s.pool.QueryRow(ctx, `SELECT `+columns+` FROM `+tableFor(role)+` WHERE `+where, arg)
	identity, err := scanIdentity(role, row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Identity{}, repository.ErrNotFound
		}
		return model.Identity{}, err
	}
	return identity, nil
}

func (s *Store) exists(ctx context.Context, query string, arg string) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (`+query+`)`, arg).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func scanIdentity(role model.Role, row pgx.Row) (model.Identity, error) {
	identity := model.Identity{Role: role}
	if role == model.RoleController {
		err := row.Scan(
			&identity.ID,
			&identity.Username,
			&identity.PasswordHash,
			&identity.Email,
			&identity.Name,
			&identity.QRTokenHash,
			&identity.IsActive,
			&identity.CreatedAt,
			&identity.UpdatedAt,
			&identity.LastLogin,
		)
		return identity, err
	}
	err := row.Scan(
		&identity.ID,
		&identity.Username,
		&identity.PasswordHash,
		&identity.Email,
		&identity.Name,
		&identity.Class,
		&identity.Division,
		&identity.ParentName,
		&identity.Place,
		&identity.RollNumber,
		&identity.Phone,
		&identity.QRTokenHash,
		&identity.IsActive,
		&identity.EmailSent,
		&identity.CreatedAt,
		&identity.UpdatedAt,
		&identity.LastLogin,
	)
	return identity, err
}

// translate maps unique violations onto repository.ConflictError using the
// index names of the embedded schema.
func translate(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return err
	}
	name := pgErr.ConstraintName
	switch {
	case strings.HasSuffix(name, "_email_key"):
		return &repository.ConflictError{Field: repository.FieldEmail}
	case strings.HasSuffix(name, "_username_key"):
		return &repository.ConflictError{Field: repository.FieldUsername}
	case strings.HasSuffix(name, "_qr_token_hash_key"):
		return &repository.ConflictError{Field: repository.FieldQRToken}
	default:
		return &repository.ConflictError{Field: repository.FieldID}
	}
}
