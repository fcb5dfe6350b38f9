package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/G-Research/git-proxy/internal/domain"
)

type UserQuery struct {
	Username   string
	Email      string
	GitAccount string
	Admin      *bool
}

const userColumns = `username,COALESCE(password,''),COALESCE(email,''),COALESCE(git_account,''),admin,created_at`

func scanUser(scan func(dest ...any) error) (domain.User, error) {
	var u domain.User
	var admin int
	err := scan(&u.Username, &u.Password, &u.Email, &u.GitAccount, &admin, &u.CreatedAt)
	u.Admin = admin == 1
	return u, err
}

func (r Repo) FindUser(ctx context.Context, username string) (domain.User, error) {
	u, err := scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username=?`, lower(username)).Scan)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.PublicKeys, err = r.publicKeys(ctx, u.Username)
	return u, err
}

// FindUserBySSHKey looks up the owner of a public key in "<algorithm> <base64>" form.
func (r Repo) FindUserBySSHKey(ctx context.Context, publicKey string) (domain.User, error) {
	var username string
	err := r.DB.QueryRowContext(ctx, `SELECT username FROM user_keys WHERE public_key=? LIMIT 1`, normalizeKey(publicKey)).Scan(&username)
	if err == sql.ErrNoRows {
		return domain.User{}, ErrNotFound
	}
	if err != nil {
		return domain.User{}, err
	}
	return r.FindUser(ctx, username)
}

// FindUserByGitAccount matches the account name used with the upstream host.
func (r Repo) FindUserByGitAccount(ctx context.Context, account string) (domain.User, error) {
	var username string
	err := r.DB.QueryRowContext(ctx, `SELECT username FROM users WHERE lower(git_account)=? LIMIT 1`, lower(account)).Scan(&username)
	if err == sql.ErrNoRows {
		return domain.User{}, ErrNotFound
	}
	if err != nil {
		return domain.User{}, err
	}
	return r.FindUser(ctx, username)
}

func (r Repo) GetUsers(ctx context.Context, q UserQuery) ([]domain.User, error) {
	clauses := []string{"1=1"}
	var args []any
	if q.Username != "" {
		clauses = append(clauses, "username=?")
		args = append(args, lower(q.Username))
	}
	if q.Email != "" {
		clauses = append(clauses, "lower(email)=?")
		args = append(args, lower(q.Email))
	}
	if q.GitAccount != "" {
		clauses = append(clauses, "lower(git_account)=?")
		args = append(args, lower(q.GitAccount))
	}
	if q.Admin != nil {
		clauses = append(clauses, "admin=?")
		args = append(args, boolInt(*q.Admin))
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE `+strings.Join(clauses, " AND ")+` ORDER BY username`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()
	for i := range res {
		if res[i].PublicKeys, err = r.publicKeys(ctx, res[i].Username); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// CreateUser inserts a user. Password must already be hashed.
func (r Repo) CreateUser(ctx context.Context, u domain.User) error {
	if strings.TrimSpace(u.Username) == "" {
		return errors.New("username required")
	}
	if u.CreatedAt == "" {
		u.CreatedAt = now()
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(username,password,email,git_account,admin,created_at) VALUES (?,?,?,?,?,?)`,
		lower(u.Username), nullable(u.Password), nullable(u.Email), nullable(u.GitAccount), boolInt(u.Admin), u.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// UpdateUser overwrites the mutable fields of an existing user. An empty
// password keeps the stored hash.
func (r Repo) UpdateUser(ctx context.Context, u domain.User) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE users SET password=COALESCE(?,password), email=?, git_account=?, admin=? WHERE username=?`,
		nullable(u.Password), nullable(u.Email), nullable(u.GitAccount), boolInt(u.Admin), lower(u.Username))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteUser(ctx context.Context, username string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM users WHERE username=?`, lower(username))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddPublicKey attaches a key to a user. Adding a key twice is a no-op.
func (r Repo) AddPublicKey(ctx context.Context, username, publicKey string) error {
	key := normalizeKey(publicKey)
	if key == "" {
		return errors.New("public key required")
	}
	if _, err := r.FindUser(ctx, username); err != nil {
		return err
	}
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO user_keys(username,public_key,created_at) VALUES (?,?,?)`, lower(username), key, now())
	return err
}

func (r Repo) RemovePublicKey(ctx context.Context, username, publicKey string) error {
	if _, err := r.FindUser(ctx, username); err != nil {
		return err
	}
	_, err := r.DB.ExecContext(ctx, `DELETE FROM user_keys WHERE username=? AND public_key=?`, lower(username), normalizeKey(publicKey))
	return err
}

func (r Repo) publicKeys(ctx context.Context, username string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT public_key FROM user_keys WHERE username=? ORDER BY created_at, public_key`, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// normalizeKey reduces an authorized_keys line to "<algorithm> <base64>".
func normalizeKey(k string) string {
	fields := strings.Fields(k)
	if len(fields) < 2 {
		return strings.TrimSpace(k)
	}
	return fields[0] + " " + fields[1]
}
