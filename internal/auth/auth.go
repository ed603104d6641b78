// Package auth authenticates terminal users against the local store's
// users table, matching the original system's bcrypt-hashed Usuario model.
package auth

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"emergency-cluster/internal/store"
)

// ErrInvalidCredentials is returned for both unknown usernames and wrong
// passwords, deliberately not distinguishing the two to avoid leaking which
// usernames exist.
var ErrInvalidCredentials = errors.New("auth: invalid username or password")

type Authenticator struct {
	store store.Store
}

func New(st store.Store) *Authenticator {
	return &Authenticator{store: st}
}

// Login verifies username/password against the stored bcrypt hash and
// returns the matching user on success.
func (a *Authenticator) Login(ctx context.Context, username, password string) (*store.User, error) {
	u, err := a.store.FindUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("auth: lookup %s: %w", username, err)
	}
	if u == nil || !u.Active {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

// HashPassword bcrypt-hashes a plaintext password for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(hash), nil
}

// CreateUser hashes password and persists a new login with the given role
// and related_id (the doctor/social-worker row this login acts as, or 0 for
// none). This is how a node's user table gets its first row: the store
// starts empty and there is no other path to a working login.
func (a *Authenticator) CreateUser(ctx context.Context, username, password, role string, relatedID int) (*store.User, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	u, err := a.store.CreateUser(ctx, store.User{Username: username, PasswordHash: hash, Role: role, RelatedID: relatedID})
	if err != nil {
		return nil, err
	}
	return &u, nil
}
