package registration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"schoolportal/identity/internal/apperrors"
	"schoolportal/identity/internal/auth"
	"schoolportal/identity/internal/credentials"
	"schoolportal/identity/internal/crypto"
	"schoolportal/identity/internal/identity"
	"schoolportal/identity/internal/model"
	"schoolportal/identity/internal/notify"
	"schoolportal/identity/internal/repository"
	"schoolportal/identity/internal/repository/memory"
)

func fastHash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	return string(hash), err
}

type failingInsertStore struct {
	*memory.Store
	err error
}

func (s failingInsertStore) Insert(context.Context, model.Identity) (model.Identity, error) {
	return model.Identity{}, s.err
}

type blockingInsertStore struct {
	*memory.Store
}

func (s blockingInsertStore) Insert(ctx context.Context, _ model.Identity) (model.Identity, error) {
	<-ctx.Done()
	return model.Identity{}, ctx.Err()
}

type brokenDeleteDirectory struct {
	*identity.MemoryDirectory
}

func (d brokenDeleteDirectory) DeleteAccount(context.Context, string) error {
	return errors.New("provider unavailable")
}

type failingCreateDirectory struct {
	err error
}

func (d failingCreateDirectory) CreateAccount(context.Context, string, string) (string, error) {
	return "", d.err
}

func (d failingCreateDirectory) DeleteAccount(context.Context, string) error {
	return nil
}

type blockingDirectory struct{}

func (blockingDirectory) CreateAccount(ctx context.Context, _, _ string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func (blockingDirectory) DeleteAccount(context.Context, string) error {
	return nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.Credentials
	err  error
}

func (n *recordingNotifier) NotifyCredentials(_ context.Context, msg notify.Credentials) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.msgs)
}

func studentProfile(name, email string) model.Profile {
	return model.Profile{
		Name:       name,
		Email:      email,
		Class:      "10",
		Division:   "B",
		ParentName: "Jane Doe",
		Place:      "Springfield",
	}
}

func newOrchestrator(dir identity.Directory, store repository.Store, notifier notify.Notifier) *Orchestrator {
	return New(Deps{
		Directory:    dir,
		Store:        store,
		Notifier:     notifier,
		HashPassword: fastHash,
	}, Options{IdentityTimeout: time.Second, StoreTimeout: time.Second})
}

func TestRegisterKeepsDirectoryAndStoreInSync(t *testing.T) {
	dir := identity.NewMemoryDirectory()
	store := memory.NewStore()
	notifier := &recordingNotifier{}
	o := newOrchestrator(dir, store, notifier)
	ctx := context.Background()

	result, err := o.Register(ctx, model.RoleStudent, studentProfile("Alice Doe", " Alice@Example.local "))
	require.NoError(t, err)
	o.Wait()

	assert.True(t, dir.Has(result.Identity.ID))
	stored, err := store.GetByID(ctx, model.RoleStudent, result.Identity.ID)
	require.NoError(t, err)

	assert.Equal(t, "alicedoe", result.Credentials.Username)
	assert.Equal(t, "alice@example.local", stored.Email)
	assert.NotEqual(t, result.Credentials.Password, stored.PasswordHash)
	assert.NoError(t, crypto.CheckPassword(stored.PasswordHash, result.Credentials.Password))
	assert.Equal(t, crypto.HashToken(result.QRToken), stored.QRTokenHash)
	assert.True(t, stored.IsActive)
	assert.True(t, stored.EmailSent, "email_sent should follow a successful hand-off")

	payload, err := auth.DecodeQRPayload(result.QRPayload)
	require.NoError(t, err)
	assert.Equal(t, auth.QRKindStudentLogin, payload.Kind)
	assert.Equal(t, result.Identity.ID, payload.StudentID)
	assert.Equal(t, result.Credentials.Password, payload.Password)

	require.Equal(t, 1, notifier.count())
	assert.Equal(t, result.Credentials.Password, notifier.msgs[0].Password)
}

func TestRegisterDuplicateEmailHasNoSideEffects(t *testing.T) {
	dir := identity.NewMemoryDirectory()
	store := memory.NewStore()
	o := newOrchestrator(dir, store, nil)
	ctx := context.Background()

	_, err := o.Register(ctx, model.RoleStudent, studentProfile("Alice Doe", "alice@example.local"))
	require.NoError(t, err)

	_, err = o.Register(ctx, model.RoleStudent, studentProfile("Alice Other", "ALICE@example.local"))
	assert.True(t, apperrors.HasCode(err, apperrors.CodeDuplicateEmail))
	assert.Equal(t, 1, dir.Len())
	assert.Equal(t, 1, store.Count(model.RoleStudent))
}

func TestRegisterCompensatesFailedInsert(t *testing.T) {
	dir := identity.NewMemoryDirectory()
	store := failingInsertStore{Store: memory.NewStore(), err: errors.New("disk full")}
	o := newOrchestrator(dir, store, nil)

	_, err := o.Register(context.Background(), model.RoleStudent, studentProfile("Alice Doe", "alice@example.local"))
	assert.True(t, apperrors.HasCode(err, apperrors.CodeRecordStoreFailure))
	assert.Equal(t, 0, dir.Len(), "directory account must be rolled back")
	assert.Equal(t, 0, store.Count(model.RoleStudent))
}

func TestRegisterLostEmailRaceReportsDuplicate(t *testing.T) {
	dir := identity.NewMemoryDirectory()
	store := failingInsertStore{Store: memory.NewStore(), err: &repository.ConflictError{Field: repository.FieldEmail}}
	o := newOrchestrator(dir, store, nil)

	_, err := o.Register(context.Background(), model.RoleStudent, studentProfile("Alice Doe", "alice@example.local"))
	assert.True(t, apperrors.HasCode(err, apperrors.CodeDuplicateEmail))
	assert.Equal(t, 0, dir.Len())
}

func TestRegisterInsertTimeoutCompensates(t *testing.T) {
	dir := identity.NewMemoryDirectory()
	store := blockingInsertStore{Store: memory.NewStore()}
	o := New(Deps{Directory: dir, Store: store, HashPassword: fastHash},
		Options{IdentityTimeout: time.Second, StoreTimeout: 20 * time.Millisecond})

	_, err := o.Register(context.Background(), model.RoleStudent, studentProfile("Alice Doe", "alice@example.local"))
	assert.True(t, apperrors.HasCode(err, apperrors.CodeTimeout))
	assert.Equal(t, 0, dir.Len())
}

func TestRegisterOrphanedAccount(t *testing.T) {
	backing := identity.NewMemoryDirectory()
	dir := brokenDeleteDirectory{MemoryDirectory: backing}
	store := failingInsertStore{Store: memory.NewStore(), err: errors.New("disk full")}
	o := newOrchestrator(dir, store, nil)

	_, err := o.Register(context.Background(), model.RoleStudent, studentProfile("Alice Doe", "alice@example.local"))
	require.True(t, apperrors.HasCode(err, apperrors.CodeOrphanedIdentityAccount))

	var appErr *apperrors.Error
	require.True(t, errors.As(err, &appErr))
	orphanID := appErr.Metadata["identity_id"]
	assert.NotEmpty(t, orphanID)
	assert.True(t, backing.Has(orphanID))
}

func TestRegisterIdentityProviderFailure(t *testing.T) {
	store := memory.NewStore()
	o := newOrchestrator(failingCreateDirectory{err: errors.New("503")}, store, nil)

	_, err := o.Register(context.Background(), model.RoleStudent, studentProfile("Alice Doe", "alice@example.local"))
	assert.True(t, apperrors.HasCode(err, apperrors.CodeIdentityProviderFailure))
	assert.Equal(t, 0, store.Count(model.RoleStudent))

	o = newOrchestrator(failingCreateDirectory{err: identity.ErrAccountExists}, store, nil)
	_, err = o.Register(context.Background(), model.RoleStudent, studentProfile("Alice Doe", "alice@example.local"))
	assert.True(t, apperrors.HasCode(err, apperrors.CodeDuplicateEmail))
}

func TestRegisterIdentityProviderTimeout(t *testing.T) {
	store := memory.NewStore()
	o := New(Deps{Directory: blockingDirectory{}, Store: store, HashPassword: fastHash},
		Options{IdentityTimeout: 20 * time.Millisecond, StoreTimeout: time.Second})

	_, err := o.Register(context.Background(), model.RoleStudent, studentProfile("Alice Doe", "alice@example.local"))
	assert.True(t, apperrors.HasCode(err, apperrors.CodeTimeout))
	assert.Equal(t, 0, store.Count(model.RoleStudent))
}

func TestRegisterRetriesTakenUsername(t *testing.T) {
	dir := identity.NewMemoryDirectory()
	store := memory.NewStore()
	o := newOrchestrator(dir, store, nil)
	ctx := context.Background()

	first, err := o.Register(ctx, model.RoleStudent, studentProfile("Alice Doe", "alice@example.local"))
	require.NoError(t, err)
	second, err := o.Register(ctx, model.RoleStudent, studentProfile("Alice Doe", "alice.two@example.local"))
	require.NoError(t, err)

	assert.Equal(t, "alicedoe", first.Credentials.Username)
	assert.NotEqual(t, first.Credentials.Username, second.Credentials.Username)
	assert.Regexp(t, `^alicedoe\d{2}$`, second.Credentials.Username)
}

func TestRegisterGivesUpOnUsernameAfterBoundedAttempts(t *testing.T) {
	dir := identity.NewMemoryDirectory()
	store := memory.NewStore()
	o := New(Deps{
		Directory:    dir,
		Store:        store,
		HashPassword: fastHash,
		Generator:    credentials.Generator{Intn: func(int64) (int64, error) { return 0, nil }},
	}, Options{MaxUsernameAttempts: 2})
	ctx := context.Background()

	_, err := o.Register(ctx, model.RoleStudent, studentProfile("Alice Doe", "a1@example.local"))
	require.NoError(t, err)
	_, err = o.Register(ctx, model.RoleStudent, studentProfile("Alice Doe", "a2@example.local"))
	require.NoError(t, err)

	_, err = o.Register(ctx, model.RoleStudent, studentProfile("Alice Doe", "a3@example.local"))
	assert.True(t, apperrors.HasCode(err, apperrors.CodeUsernameUnavailable))
	assert.Equal(t, 2, dir.Len())
}

func TestRegisterRejectsMalformedProfile(t *testing.T) {
	dir := identity.NewMemoryDirectory()
	o := newOrchestrator(dir, memory.NewStore(), nil)
	ctx := context.Background()

	cases := []model.Profile{
		studentProfile("", "a@example.local"),
		studentProfile("Alice", ""),
		studentProfile("Alice", "not-an-email"),
		studentProfile("Alice", "Alice <a@example.local>"),
		{Name: "Alice", Email: "a@example.local"},
	}
	for _, profile := range cases {
		_, err := o.Register(ctx, model.RoleStudent, profile)
		assert.True(t, apperrors.HasCode(err, apperrors.CodeMalformedInput), "%+v", profile)
	}
	assert.Equal(t, 0, dir.Len())
}

func TestRegisterControllerNeedsNoClass(t *testing.T) {
	dir := identity.NewMemoryDirectory()
	store := memory.NewStore()
	notifier := &recordingNotifier{}
	o := newOrchestrator(dir, store, notifier)

	result, err := o.Register(context.Background(), model.RoleController, model.Profile{Name: "Pat Principal", Email: "pat@example.local"})
	require.NoError(t, err)
	o.Wait()

	payload, err := auth.DecodeQRPayload(result.QRPayload)
	require.NoError(t, err)
	assert.Equal(t, auth.QRKindLogin, payload.Kind)
	assert.Equal(t, model.RoleController, payload.Role)
	assert.Equal(t, 1, store.Count(model.RoleController))
	assert.Equal(t, 0, store.Count(model.RoleStudent))
}

func TestRegisterSurvivesNotificationFailure(t *testing.T) {
	store := memory.NewStore()
	notifier := &recordingNotifier{err: errors.New("smtp down")}
	o := newOrchestrator(identity.NewMemoryDirectory(), store, notifier)

	result, err := o.Register(context.Background(), model.RoleStudent, studentProfile("Alice Doe", "alice@example.local"))
	require.NoError(t, err)
	o.Wait()

	stored, err := store.GetByID(context.Background(), model.RoleStudent, result.Identity.ID)
	require.NoError(t, err)
	assert.False(t, stored.EmailSent)
	assert.Equal(t, 1, notifier.count())
}

func TestConcurrentRegistrationsForSameEmail(t *testing.T) {
	dir := identity.NewMemoryDirectory()
	store := memory.NewStore()
	o := newOrchestrator(dir, store, nil)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = o.Register(context.Background(), model.RoleStudent, studentProfile("Alice Doe", "alice@example.local"))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, apperrors.HasCode(err, apperrors.CodeDuplicateEmail), "unexpected error %v", err)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, dir.Len())
	assert.Equal(t, 1, store.Count(model.RoleStudent))
}

// conflictOnceStore rejects the first insert on the given unique field and
// then behaves like the memory store.
type conflictOnceStore struct {
	*memory.Store
	field    string
	mu       sync.Mutex
	rejected []model.Identity
	always   bool
}

func (s *conflictOnceStore) Insert(ctx context.Context, record model.Identity) (model.Identity, error) {
	s.mu.Lock()
	if s.always || len(s.rejected) == 0 {
		s.rejected = append(s.rejected, record)
		s.mu.Unlock()
		return model.Identity{}, &repository.ConflictError{Field: s.field}
	}
	s.mu.Unlock()
	return s.Store.Insert(ctx, record)
}

func TestRegisterRetriesUsernameConflictAtInsert(t *testing.T) {
	dir := identity.NewMemoryDirectory()
	store := &conflictOnceStore{Store: memory.NewStore(), field: repository.FieldUsername}
	o := newOrchestrator(dir, store, nil)

	result, err := o.Register(context.Background(), model.RoleStudent, studentProfile("Alice Doe", "alice@example.local"))
	require.NoError(t, err)
	assert.Regexp(t, `^alicedoe\d{2}$`, result.Credentials.Username)
	assert.Equal(t, result.Credentials.Username, result.Identity.Username)
	assert.Equal(t, 1, dir.Len(), "directory account is kept across retries")
	assert.True(t, dir.Has(result.Identity.ID))
	require.Len(t, store.rejected, 1)
	assert.Equal(t, "alicedoe", store.rejected[0].Username)
	assert.Equal(t, result.Identity.ID, store.rejected[0].ID)

	payload, err := auth.DecodeQRPayload(result.QRPayload)
	require.NoError(t, err)
	assert.Equal(t, result.Credentials.Username, payload.Username)
}

func TestRegisterRetriesQRTokenConflictAtInsert(t *testing.T) {
	dir := identity.NewMemoryDirectory()
	store := &conflictOnceStore{Store: memory.NewStore(), field: repository.FieldQRToken}
	o := newOrchestrator(dir, store, nil)

	result, err := o.Register(context.Background(), model.RoleStudent, studentProfile("Alice Doe", "alice@example.local"))
	require.NoError(t, err)
	require.Len(t, store.rejected, 1)
	assert.NotEqual(t, store.rejected[0].QRTokenHash, result.Identity.QRTokenHash)
	assert.Equal(t, crypto.HashToken(result.QRToken), result.Identity.QRTokenHash)
	assert.Equal(t, 1, dir.Len())
}

func TestRegisterCompensatesWhenUsernameConflictsPersist(t *testing.T) {
	dir := identity.NewMemoryDirectory()
	store := &conflictOnceStore{Store: memory.NewStore(), field: repository.FieldUsername, always: true}
	o := newOrchestrator(dir, store, nil)

	_, err := o.Register(context.Background(), model.RoleStudent, studentProfile("Alice Doe", "alice@example.local"))
	assert.True(t, apperrors.HasCode(err, apperrors.CodeUsernameUnavailable), "got %v", err)
	assert.Len(t, store.rejected, DefaultMaxUsernameAttempts)
	assert.Equal(t, 0, dir.Len())
}
