package service

import (
	"context"
	"testing"
	"time"

	"studychat-be/internal/dto"
	"studychat-be/internal/pkg/apperror"
	"studychat-be/internal/repository/unitofwork"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuthService(t *testing.T) IAuthService {
	t.Helper()
	db := newTestDB(t)
	return NewAuthService(unitofwork.NewRepositoryFactory(db), time.Hour)
}

func TestRegisterAndLogin(t *testing.T) {
	svc := newAuthService(t)

	reg, err := svc.Register(context.Background(), &dto.RegisterRequest{
		Email:    "student@example.com",
		Password: "correct horse battery",
		FullName: "A Student",
	})
	require.NoError(t, err)
	assert.Equal(t, "student@example.com", reg.Email)

	res, err := svc.Login(context.Background(), &dto.LoginRequest{
		Email:    "student@example.com",
		Password: "correct horse battery",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.AccessToken)
	assert.Equal(t, reg.Id, res.User.Id)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	svc := newAuthService(t)

	req := &dto.RegisterRequest{Email: "dup@example.com", Password: "password123", FullName: "Dup"}
	_, err := svc.Register(context.Background(), req)
	require.NoError(t, err)

	_, err = svc.Register(context.Background(), req)
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))
}

func TestLoginWrongPassword(t *testing.T) {
	svc := newAuthService(t)

	_, err := svc.Register(context.Background(), &dto.RegisterRequest{
		Email: "student@example.com", Password: "password123", FullName: "A Student",
	})
	require.NoError(t, err)

	_, err = svc.Login(context.Background(), &dto.LoginRequest{
		Email: "student@example.com", Password: "wrong",
	})
	assert.Equal(t, apperror.KindUnauthorized, apperror.KindOf(err))
}

func TestLoginUnknownEmail(t *testing.T) {
	svc := newAuthService(t)

	_, err := svc.Login(context.Background(), &dto.LoginRequest{
		Email: "missing@example.com", Password: "whatever",
	})
	assert.Equal(t, apperror.KindUnauthorized, apperror.KindOf(err))
}

func TestLoginStorageFailureIsNotUnauthorized(t *testing.T) {
	db := newTestDB(t)
	svc := NewAuthService(unitofwork.NewRepositoryFactory(db), time.Hour)

	// A broken users table is an infrastructure failure, not a credential
	// mismatch; it must not surface as 401.
	require.NoError(t, db.Exec("DROP TABLE users").Error)

	_, err := svc.Login(context.Background(), &dto.LoginRequest{
		Email: "student@example.com", Password: "password123",
	})
	require.Error(t, err)
	assert.NotEqual(t, apperror.KindUnauthorized, apperror.KindOf(err))
}

func TestMeUnknownUser(t *testing.T) {
	svc := newAuthService(t)

	_, err := svc.Me(context.Background(), uuid.New())
	assert.Equal(t, apperror.KindUnauthorized, apperror.KindOf(err))
}
