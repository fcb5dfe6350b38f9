package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/G-Research/git-proxy/internal/domain"
	"github.com/G-Research/git-proxy/internal/engine/auth"
	"github.com/G-Research/git-proxy/internal/repo"
)

type UserCreateOptions struct {
	Username   string
	Password   string
	Email      string
	GitAccount string
	Admin      bool
	PublicKeys []string
}

// CreateUser stores a user with a bcrypt-hashed password.
func (e Engine) CreateUser(ctx context.Context, opts UserCreateOptions) (domain.User, error) {
	if strings.TrimSpace(opts.Username) == "" {
		return domain.User{}, errors.New("username required")
	}
	u := domain.User{
		Username:   norm(opts.Username),
		Email:      opts.Email,
		GitAccount: opts.GitAccount,
		Admin:      opts.Admin,
		CreatedAt:  e.now().UTC().Format(time.RFC3339),
	}
	if opts.Password != "" {
		hash, err := auth.HashPassword(opts.Password)
		if err != nil {
			return domain.User{}, err
		}
		u.Password = hash
	}
	if err := e.Repo.CreateUser(ctx, u); err != nil {
		return domain.User{}, err
	}
	for _, k := range opts.PublicKeys {
		if err := e.Repo.AddPublicKey(ctx, u.Username, k); err != nil {
			return domain.User{}, err
		}
	}
	return e.Repo.FindUser(ctx, u.Username)
}

// SetPassword replaces a user's password hash.
func (e Engine) SetPassword(ctx context.Context, username, password string) error {
	u, err := e.Repo.FindUser(ctx, username)
	if err != nil {
		return err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	u.Password = hash
	return e.Repo.UpdateUser(ctx, u)
}

// VerifyPassword returns the user when the password matches. Unknown users
// and wrong passwords cost the same bcrypt comparison.
func (e Engine) VerifyPassword(ctx context.Context, username, password string) (domain.User, bool, error) {
	u, err := e.Repo.FindUser(ctx, username)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, false, err
	}
	if !auth.CheckPassword(u.Password, password) {
		return domain.User{}, false, nil
	}
	return u, true, nil
}

// CreateAPIKey issues a new API key for actorID and returns the plaintext
// once; only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (string, domain.APIKey, error) {
	if strings.TrimSpace(actorID) == "" {
		return "", domain.APIKey{}, errors.New("actor required")
	}
	if _, err := e.Repo.FindUser(ctx, actorID); err != nil {
		return "", domain.APIKey{}, err
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, err
	}
	plain := "gp_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.New().String(),
		ActorID:   norm(actorID),
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return "", domain.APIKey{}, err
	}
	return plain, key, nil
}

func norm(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
