// Package registration provisions new accounts across the identity directory
// and the record store. The two systems share no transaction, so Register runs
// as a saga: create the directory account, insert the record, and delete the
// account again when the insert fails.
package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"sync"
	"time"

	"schoolportal/identity/internal/apperrors"
	"schoolportal/identity/internal/auth"
	"schoolportal/identity/internal/credentials"
	"schoolportal/identity/internal/crypto"
	"schoolportal/identity/internal/identity"
	"schoolportal/identity/internal/metrics"
	"schoolportal/identity/internal/model"
	"schoolportal/identity/internal/notify"
	"schoolportal/identity/internal/repository"
)

const (
	DefaultIdentityTimeout     = 10 * time.Second
	DefaultStoreTimeout        = 5 * time.Second
	DefaultMaxUsernameAttempts = 3
)

type Options struct {
	IdentityTimeout     time.Duration
	StoreTimeout        time.Duration
	MaxUsernameAttempts int
}

func (o Options) withDefaults() Options {
	if o.IdentityTimeout <= 0 {
		o.IdentityTimeout = DefaultIdentityTimeout
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = DefaultStoreTimeout
	}
	if o.MaxUsernameAttempts <= 0 {
		o.MaxUsernameAttempts = DefaultMaxUsernameAttempts
	}
	return o
}

type Deps struct {
	Directory identity.Directory
	Store     repository.Store
	Notifier  notify.Notifier
	Generator credentials.Generator
	Logger    *slog.Logger
	Metrics   *metrics.Metrics

	// HashPassword and NewToken default to the crypto package.
	HashPassword func(string) (string, error)
	NewToken     func() (string, error)
}

// Result is returned once per registration. Credentials and QRPayload hold
// the plaintext password and are not retrievable afterwards.
type Result struct {
	Identity    model.Identity
	Credentials credentials.Pair
	QRToken     string
	QRPayload   string
}

type Orchestrator struct {
	directory identity.Directory
	store     repository.Store
	notifier  notify.Notifier
	generator credentials.Generator
	logger    *slog.Logger
	metrics   *metrics.Metrics
	hash      func(string) (string, error)
	newToken  func() (string, error)
	opts      Options

	pending sync.WaitGroup
}

func New(deps Deps, opts Options) *Orchestrator {
	o := &Orchestrator{
		directory: deps.Directory,
		store:     deps.Store,
		notifier:  deps.Notifier,
		generator: deps.Generator,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		hash:      deps.HashPassword,
		newToken:  deps.NewToken,
		opts:      opts.withDefaults(),
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.metrics == nil {
		o.metrics = metrics.New(nil)
	}
	if o.hash == nil {
		o.hash = crypto.HashPassword
	}
	if o.newToken == nil {
		o.newToken = crypto.NewOpaqueToken
	}
	return o
}

func (o *Orchestrator) Register(ctx context.Context, role model.Role, profile model.Profile) (Result, error) {
	result, err := o.register(ctx, role, profile)
	o.metrics.Registrations.WithLabelValues(string(role), metrics.Outcome(string(apperrors.CodeOf(err)))).Inc()
	return result, err
}

func (o *Orchestrator) register(ctx context.Context, role model.Role, profile model.Profile) (Result, error) {
	profile, err := normalizeProfile(role, profile)
	if err != nil {
		return Result{}, err
	}

	taken, err := o.emailExists(ctx, role, profile.Email)
	if err != nil {
		return Result{}, storeError("check email", err)
	}
	if taken {
		return Result{}, apperrors.New(apperrors.CodeDuplicateEmail, "email already registered")
	}

	pair, err := o.pickCredentials(ctx, role, profile.Name)
	if err != nil {
		return Result{}, err
	}

	passwordHash, err := o.hash(pair.Password)
	if err != nil {
		return Result{}, apperrors.Wrap(apperrors.CodeInternal, "hash password", err)
	}
	qrToken, err := o.newToken()
	if err != nil {
		return Result{}, apperrors.Wrap(apperrors.CodeInternal, "mint qr token", err)
	}

	identityID, err := o.createAccount(ctx, profile.Email, pair.Password)
	if err != nil {
		return Result{}, err
	}

	record := model.Identity{
		ID:           identityID,
		Role:         role,
		Username:     pair.Username,
		PasswordHash: passwordHash,
		Email:        profile.Email,
		Name:         profile.Name,
		Class:        profile.Class,
		Division:     profile.Division,
		ParentName:   profile.ParentName,
		Place:        profile.Place,
		RollNumber:   profile.RollNumber,
		Phone:        profile.Phone,
		QRTokenHash:  crypto.HashToken(qrToken),
		IsActive:     true,
		EmailSent:    false,
	}

	created, err := o.insert(ctx, &record, &pair, &qrToken, profile.Name)
	if err != nil {
		return Result{}, o.compensate(ctx, record, err)
	}

	payload, err := auth.EncodeQRPayload(auth.NewQRPayload(created, pair.Password))
	if err != nil {
		return Result{}, apperrors.Wrap(apperrors.CodeInternal, "encode qr payload", err)
	}

	o.logger.Info("identity registered",
		"identity_id", created.ID,
		"role", role,
		"username", created.Username,
	)

	result := Result{
		Identity:    created,
		Credentials: pair,
		QRToken:     qrToken,
		QRPayload:   payload,
	}
	o.notify(ctx, result)
	return result, nil
}

// insert writes the record, redrawing the username salt or the QR token when
// their unique index fires. The directory account is keyed by email, so it
// stays valid across attempts and the password does not change.
func (o *Orchestrator) insert(ctx context.Context, record *model.Identity, pair *credentials.Pair, qrToken *string, name string) (model.Identity, error) {
	for attempt := 1; ; attempt++ {
		storeCtx, cancel := context.WithTimeout(ctx, o.opts.StoreTimeout)
		created, err := o.store.Insert(storeCtx, *record)
		cancel()
		if err == nil {
			return created, nil
		}
		field, ok := repository.IsConflict(err)
		if !ok || attempt >= o.opts.MaxUsernameAttempts {
			return model.Identity{}, err
		}
		switch field {
		case repository.FieldUsername:
			salt, saltErr := o.generator.Salt()
			if saltErr != nil {
				return model.Identity{}, errors.Join(err, saltErr)
			}
			record.Username = credentials.Username(name) + salt
			pair.Username = record.Username
		case repository.FieldQRToken:
			token, tokenErr := o.newToken()
			if tokenErr != nil {
				return model.Identity{}, errors.Join(err, tokenErr)
			}
			*qrToken = token
			record.QRTokenHash = crypto.HashToken(token)
		default:
			return model.Identity{}, err
		}
		o.logger.Info("identity insert conflict, retrying",
			"identity_id", record.ID,
			"field", field,
			"attempt", attempt,
		)
	}
}

func (o *Orchestrator) emailExists(ctx context.Context, role model.Role, email string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.StoreTimeout)
	defer cancel()
	return o.store.EmailExists(ctx, role, email)
}

// pickCredentials retries with a fresh salt while the derived username is
// taken. The check is advisory; the unique index decides at insert time.
func (o *Orchestrator) pickCredentials(ctx context.Context, role model.Role, name string) (credentials.Pair, error) {
	salt := ""
	for attempt := 0; attempt < o.opts.MaxUsernameAttempts; attempt++ {
		if attempt > 0 {
			next, err := o.generator.Salt()
			if err != nil {
				return credentials.Pair{}, err
			}
			salt = next
		}
		pair, err := o.generator.Generate(name, salt)
		if err != nil {
			return credentials.Pair{}, err
		}
		lookupCtx, cancel := context.WithTimeout(ctx, o.opts.StoreTimeout)
		taken, err := o.store.UsernameExists(lookupCtx, role, pair.Username)
		cancel()
		if err != nil {
			return credentials.Pair{}, storeError("check username", err)
		}
		if !taken {
			return pair, nil
		}
	}
	return credentials.Pair{}, apperrors.WrapWithMetadata(apperrors.CodeUsernameUnavailable,
		"no free username", map[string]string{"name": name}, nil)
}

func (o *Orchestrator) createAccount(ctx context.Context, email, password string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.IdentityTimeout)
	defer cancel()

	id, err := o.directory.CreateAccount(ctx, email, password)
	switch {
	case err == nil:
		return id, nil
	case errors.Is(err, identity.ErrAccountExists):
		return "", apperrors.Wrap(apperrors.CodeDuplicateEmail, "identity directory account exists", err)
	case isTimeout(ctx, err):
		return "", apperrors.Wrap(apperrors.CodeTimeout, "identity directory timed out", err)
	default:
		return "", apperrors.Wrap(apperrors.CodeIdentityProviderFailure, "create identity account", err)
	}
}

// compensate deletes the directory account created for a record the store
// rejected. The delete gets its own deadline and is not tied to the caller's
// cancellation.
func (o *Orchestrator) compensate(ctx context.Context, record model.Identity, insertErr error) error {
	deleteCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.IdentityTimeout)
	defer cancel()

	if err := o.directory.DeleteAccount(deleteCtx, record.ID); err != nil && !errors.Is(err, identity.ErrAccountNotFound) {
		o.metrics.Compensations.WithLabelValues("failed").Inc()
		o.logger.Error("identity account orphaned: compensation failed",
			"identity_id", record.ID,
			"email", record.Email,
			"role", record.Role,
			"insert_error", insertErr.Error(),
			"error", err.Error(),
			"orphaned", true,
		)
		return apperrors.WrapWithMetadata(apperrors.CodeOrphanedIdentityAccount,
			fmt.Sprintf("identity account %s orphaned", record.ID),
			map[string]string{"identity_id": record.ID, "email": record.Email},
			errors.Join(insertErr, err))
	}
	o.metrics.Compensations.WithLabelValues("ok").Inc()
	o.logger.Warn("identity account rolled back",
		"identity_id", record.ID,
		"role", record.Role,
		"error", insertErr.Error(),
	)

	if field, ok := repository.IsConflict(insertErr); ok {
		switch field {
		case repository.FieldEmail:
			return apperrors.Wrap(apperrors.CodeDuplicateEmail, "email already registered", insertErr)
		case repository.FieldUsername:
			return apperrors.Wrap(apperrors.CodeUsernameUnavailable, "no free username", insertErr)
		}
	}
	if errors.Is(insertErr, context.DeadlineExceeded) {
		return apperrors.Wrap(apperrors.CodeTimeout, "record store timed out", insertErr)
	}
	return apperrors.Wrap(apperrors.CodeRecordStoreFailure, "insert identity record", insertErr)
}

// notify hands the credentials to the mail collaborator off the request path.
// Failures are logged and never affect the registration.
func (o *Orchestrator) notify(ctx context.Context, result Result) {
	if o.notifier == nil {
		return
	}
	msg := notify.Credentials{
		AccountID: result.Identity.ID,
		Role:      string(result.Identity.Role),
		Email:     result.Identity.Email,
		Name:      result.Identity.Name,
		Username:  result.Credentials.Username,
		Password:  result.Credentials.Password,
		QRPayload: result.QRPayload,
		QueuedAt:  time.Now().UTC(),
	}
	detached := context.WithoutCancel(ctx)

	o.pending.Add(1)
	go func() {
		defer o.pending.Done()

		notifyCtx, cancel := context.WithTimeout(detached, o.opts.IdentityTimeout)
		defer cancel()
		if err := o.notifier.NotifyCredentials(notifyCtx, msg); err != nil {
			o.logger.Warn("credential notification failed", "identity_id", msg.AccountID, "error", err.Error())
			return
		}
		if result.Identity.Role != model.RoleStudent {
			return
		}
		storeCtx, cancelStore := context.WithTimeout(detached, o.opts.StoreTimeout)
		defer cancelStore()
		if err := o.store.MarkEmailSent(storeCtx, msg.AccountID); err != nil {
			o.logger.Warn("mark email sent failed", "identity_id", msg.AccountID, "error", err.Error())
		}
	}()
}

// Wait blocks until in-flight notifications finish.
func (o *Orchestrator) Wait() {
	o.pending.Wait()
}

func normalizeProfile(role model.Role, profile model.Profile) (model.Profile, error) {
	profile.Name = strings.Join(strings.Fields(profile.Name), " ")
	profile.Email = strings.ToLower(strings.TrimSpace(profile.Email))
	profile.Class = strings.TrimSpace(profile.Class)
	profile.Division = strings.TrimSpace(profile.Division)
	profile.ParentName = strings.TrimSpace(profile.ParentName)
	profile.Place = strings.TrimSpace(profile.Place)
	profile.RollNumber = trimOptional(profile.RollNumber)
	profile.Phone = trimOptional(profile.Phone)

	if profile.Name == "" {
		return model.Profile{}, apperrors.New(apperrors.CodeMalformedInput, "name is required")
	}
	if profile.Email == "" {
		return model.Profile{}, apperrors.New(apperrors.CodeMalformedInput, "email is required")
	}
	if addr, err := mail.ParseAddress(profile.Email); err != nil || addr.Address != profile.Email {
		return model.Profile{}, apperrors.New(apperrors.CodeMalformedInput, "email is invalid")
	}
	if role == model.RoleStudent && (profile.Class == "" || profile.Division == "") {
		return model.Profile{}, apperrors.New(apperrors.CodeMalformedInput, "class and division are required")
	}
	return profile, nil
}

func trimOptional(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func storeError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(apperrors.CodeTimeout, op+": record store timed out", err)
	}
	return apperrors.Wrap(apperrors.CodeRecordStoreFailure, op, err)
}

func isTimeout(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
}
