package auth

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const (
	PermPush      = "push"
	PermAuthorise = "authorise"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
	Repo       string
	Reason     string
}

func (e ForbiddenError) Error() string {
	msg := fmt.Sprintf("permission %s required", e.Permission)
	if e.Repo != "" {
		msg += " on " + e.Repo
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Service answers repo permission questions from the store. Admin users
// hold every permission.
type Service struct {
	DB *sql.DB
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s Service) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return s.DB
}

func (s Service) IsAdmin(ctx context.Context, tx *sql.Tx, username string) (bool, error) {
	var admin int
	err := s.q(tx).QueryRowContext(ctx, `SELECT admin FROM users WHERE username=?`, norm(username)).Scan(&admin)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return admin == 1, err
}

func (s Service) UserCanPush(ctx context.Context, tx *sql.Tx, repoKey, username string) (bool, error) {
	return s.hasRole(ctx, tx, repoKey, username, PermPush)
}

func (s Service) UserCanAuthorise(ctx context.Context, tx *sql.Tx, repoKey, username string) (bool, error) {
	return s.hasRole(ctx, tx, repoKey, username, PermAuthorise)
}

func (s Service) hasRole(ctx context.Context, tx *sql.Tx, repoKey, username, role string) (bool, error) {
	if strings.TrimSpace(username) == "" {
		return false, nil
	}
	if admin, err := s.IsAdmin(ctx, tx, username); err != nil || admin {
		return admin, err
	}
	var n int
	err := s.q(tx).QueryRowContext(ctx, `SELECT 1 FROM repo_users WHERE repo=? AND username=? AND role=? LIMIT 1`,
		repoKey, norm(username), role).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// HashPassword returns a bcrypt hash of the password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// dummyHash is compared against when the user is unknown so that a failed
// lookup costs the same as a wrong password.
var dummyHash = sync.OnceValue(func() []byte {
	h, _ := bcrypt.GenerateFromPassword([]byte("git-proxy-unknown-user"), bcrypt.DefaultCost)
	return h
})

// CheckPassword compares a password against a stored hash. An empty hash
// always fails after doing the same amount of work.
func CheckPassword(hash, password string) bool {
	if hash == "" {
		_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func norm(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
