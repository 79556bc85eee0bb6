// Package authn logs identities in with a password or a QR code and issues
// stateless session tokens.
package authn

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"schoolportal/identity/internal/apperrors"
	"schoolportal/identity/internal/auth"
	"schoolportal/identity/internal/crypto"
	"schoolportal/identity/internal/metrics"
	"schoolportal/identity/internal/model"
	"schoolportal/identity/internal/repository"
)

const (
	methodPassword = "password"
	methodQR       = "qr"
)

var (
	errInvalidCredentials = apperrors.New(apperrors.CodeInvalidCredentials, "invalid credentials")
	errInvalidQR          = apperrors.New(apperrors.CodeInvalidQR, "invalid qr code")
)

type Session struct {
	Token     string
	ExpiresAt time.Time
	Identity  model.Identity
}

type Service struct {
	store        repository.Store
	codec        auth.Codec
	ttl          time.Duration
	storeTimeout time.Duration
	logger       *slog.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
}

type Options struct {
	TokenTTL     time.Duration
	StoreTimeout time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	Now          func() time.Time
}

func NewService(store repository.Store, codec auth.Codec, opts Options) *Service {
	s := &Service{
		store:        store,
		codec:        codec,
		ttl:          opts.TokenTTL,
		storeTimeout: opts.StoreTimeout,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		now:          opts.Now,
	}
	if s.ttl <= 0 {
		s.ttl = 15 * time.Minute
	}
	if s.storeTimeout <= 0 {
		s.storeTimeout = 5 * time.Second
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = metrics.New(nil)
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.codec.Now == nil {
		s.codec.Now = s.now
	}
	return s
}

// LoginPassword looks the identifier up as a username first and, for
// students, as an email second.
func (s *Service) LoginPassword(ctx context.Context, identifier, password string, role model.Role) (Session, error) {
	session, err := s.loginPassword(ctx, strings.TrimSpace(identifier), password, role)
	s.observe(role, methodPassword, err)
	return session, err
}

func (s *Service) loginPassword(ctx context.Context, identifier, password string, role model.Role) (Session, error) {
	if identifier == "" || password == "" {
		return Session{}, errInvalidCredentials
	}

	identity, err := s.lookup(ctx, func(ctx context.Context) (model.Identity, error) {
		return s.store.GetByUsername(ctx, role, identifier)
	})
	if errors.Is(err, repository.ErrNotFound) && role == model.RoleStudent {
		identity, err = s.lookup(ctx, func(ctx context.Context) (model.Identity, error) {
			return s.store.GetByEmail(ctx, role, strings.ToLower(identifier))
		})
	}
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Session{}, errInvalidCredentials
		}
		return Session{}, lookupError(err)
	}

	if !identity.IsActive || crypto.CheckPassword(identity.PasswordHash, password) != nil {
		return Session{}, errInvalidCredentials
	}
	return s.issue(ctx, identity)
}

// LoginQR accepts either the opaque QR token or the full JSON payload. The
// token lookup runs first; the payload path must also carry the right password.
func (s *Service) LoginQR(ctx context.Context, value string, role model.Role) (Session, error) {
	session, err := s.loginQR(ctx, strings.TrimSpace(value), role)
	s.observe(role, methodQR, err)
	return session, err
}

func (s *Service) loginQR(ctx context.Context, value string, role model.Role) (Session, error) {
	if value == "" {
		return Session{}, errInvalidQR
	}

	identity, err := s.lookup(ctx, func(ctx context.Context) (model.Identity, error) {
		return s.store.GetByQRTokenHash(ctx, role, crypto.HashToken(value))
	})
	if err == nil {
		if !identity.IsActive {
			return Session{}, errInvalidQR
		}
		return s.issue(ctx, identity)
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return Session{}, lookupError(err)
	}

	payload, err := auth.DecodeQRPayload(value)
	if err != nil || payload.TargetRole() != role {
		return Session{}, errInvalidQR
	}
	identity, err = s.lookup(ctx, func(ctx context.Context) (model.Identity, error) {
		return s.store.GetByUsername(ctx, role, payload.Username)
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Session{}, errInvalidQR
		}
		return Session{}, lookupError(err)
	}
	if !identity.IsActive || crypto.CheckPassword(identity.PasswordHash, payload.Password) != nil {
		return Session{}, errInvalidQR
	}
	return s.issue(ctx, identity)
}

// Verify checks a bearer session token.
func (s *Service) Verify(token string) (*auth.Claims, error) {
	claims, err := s.codec.Decode(token)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnauthorized, "verify session", err)
	}
	return claims, nil
}

// Me loads the profile behind verified claims.
func (s *Service) Me(ctx context.Context, claims *auth.Claims) (model.Identity, error) {
	if claims == nil {
		return model.Identity{}, apperrors.New(apperrors.CodeUnauthorized, "missing session")
	}
	identity, err := s.lookup(ctx, func(ctx context.Context) (model.Identity, error) {
		return s.store.GetByID(ctx, claims.Role, claims.ID)
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.Identity{}, apperrors.New(apperrors.CodeNotFound, "identity not found")
		}
		return model.Identity{}, lookupError(err)
	}
	return identity, nil
}

func (s *Service) issue(ctx context.Context, identity model.Identity) (Session, error) {
	now := s.now().UTC()
	touchCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	err := s.store.TouchLastLogin(touchCtx, identity.Role, identity.ID, now)
	cancel()
	if err != nil {
		// The session is still valid without the bookkeeping.
		s.logger.Warn("update last login failed", "identity_id", identity.ID, "error", err.Error())
	} else {
		identity.LastLogin = &now
	}

	token, err := s.codec.Encode(auth.Claims{
		ID:       identity.ID,
		Username: identity.Username,
		Role:     identity.Role,
	}, s.ttl)
	if err != nil {
		return Session{}, apperrors.Wrap(apperrors.CodeInternal, "sign session", err)
	}
	return Session{Token: token, ExpiresAt: now.Add(s.ttl), Identity: identity}, nil
}

func (s *Service) lookup(ctx context.Context, fn func(context.Context) (model.Identity, error)) (model.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	return fn(ctx)
}

func (s *Service) observe(role model.Role, method string, err error) {
	s.metrics.Logins.WithLabelValues(string(role), method, metrics.Outcome(string(apperrors.CodeOf(err)))).Inc()
}

func lookupError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(apperrors.CodeTimeout, "record store timed out", err)
	}
	return apperrors.Wrap(apperrors.CodeRecordStoreFailure, "lookup identity", err)
}
