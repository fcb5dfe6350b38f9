package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/G-Research/git-proxy/internal/domain"
)

const (
	RolePush      = "push"
	RoleAuthorise = "authorise"
)

type RepoQuery struct {
	Project string
	Name    string
	URL     string
}

func (r Repo) GetRepos(ctx context.Context, q RepoQuery) ([]domain.Repo, error) {
	clauses := []string{"1=1"}
	var args []any
	if q.Project != "" {
		clauses = append(clauses, "project=?")
		args = append(args, lower(q.Project))
	}
	if q.Name != "" {
		clauses = append(clauses, "name=?")
		args = append(args, domain.RepoKey(q.Name))
	}
	if q.URL != "" {
		clauses = append(clauses, "url=?")
		args = append(args, q.URL)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT name,project,url,created_at FROM repos WHERE `+strings.Join(clauses, " AND ")+` ORDER BY name`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Repo
	for rows.Next() {
		var key string
		var rp domain.Repo
		if err := rows.Scan(&key, &rp.Project, &rp.URL, &rp.CreatedAt); err != nil {
			return nil, err
		}
		rp.Name = strings.TrimPrefix(key, rp.Project+"/")
		res = append(res, rp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()
	for i := range res {
		if err := r.loadRepoUsers(ctx, &res[i]); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// GetRepo accepts either "project/name" or an action repo name like "owner/repo.git".
func (r Repo) GetRepo(ctx context.Context, name string) (domain.Repo, error) {
	var key string
	var rp domain.Repo
	err := r.DB.QueryRowContext(ctx, `SELECT name,project,url,created_at FROM repos WHERE name=?`, domain.RepoKey(name)).
		Scan(&key, &rp.Project, &rp.URL, &rp.CreatedAt)
	if err == sql.ErrNoRows {
		return rp, ErrNotFound
	}
	if err != nil {
		return rp, err
	}
	rp.Name = strings.TrimPrefix(key, rp.Project+"/")
	return rp, r.loadRepoUsers(ctx, &rp)
}

func (r Repo) CreateRepo(ctx context.Context, rp domain.Repo) error {
	if strings.TrimSpace(rp.Project) == "" || strings.TrimSpace(rp.Name) == "" {
		return errors.New("project and name required")
	}
	if strings.TrimSpace(rp.URL) == "" {
		return errors.New("url required")
	}
	if rp.CreatedAt == "" {
		rp.CreatedAt = now()
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO repos(name,project,url,created_at) VALUES (?,?,?,?)`,
		rp.Key(), lower(rp.Project), rp.URL, rp.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (r Repo) DeleteRepo(ctx context.Context, name string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM repos WHERE name=?`, domain.RepoKey(name))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) AddUserCanPush(ctx context.Context, repoName, username string) error {
	return r.grant(ctx, repoName, username, RolePush)
}

func (r Repo) AddUserCanAuthorise(ctx context.Context, repoName, username string) error {
	return r.grant(ctx, repoName, username, RoleAuthorise)
}

func (r Repo) RemoveUserCanPush(ctx context.Context, repoName, username string) error {
	return r.revoke(ctx, repoName, username, RolePush)
}

func (r Repo) RemoveUserCanAuthorise(ctx context.Context, repoName, username string) error {
	return r.revoke(ctx, repoName, username, RoleAuthorise)
}

// HasRepoRole reports whether the user holds role on the repo.
func (r Repo) HasRepoRole(ctx context.Context, repoName, username, role string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM repo_users WHERE repo=? AND username=? AND role=?`,
		domain.RepoKey(repoName), lower(username), role).Scan(&n)
	return n > 0, err
}

func (r Repo) grant(ctx context.Context, repoName, username, role string) error {
	key := domain.RepoKey(repoName)
	if _, err := r.GetRepo(ctx, key); err != nil {
		return err
	}
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO repo_users(repo,username,role) VALUES (?,?,?)`, key, lower(username), role)
	return err
}

func (r Repo) revoke(ctx context.Context, repoName, username, role string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM repo_users WHERE repo=? AND username=? AND role=?`, domain.RepoKey(repoName), lower(username), role)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) loadRepoUsers(ctx context.Context, rp *domain.Repo) error {
	rows, err := r.DB.QueryContext(ctx, `SELECT username,role FROM repo_users WHERE repo=? ORDER BY username`, rp.Key())
	if err != nil {
		return err
	}
	defer rows.Close()
	rp.CanPush = []string{}
	rp.CanAuthorise = []string{}
	for rows.Next() {
		var user, role string
		if err := rows.Scan(&user, &role); err != nil {
			return err
		}
		switch role {
		case RolePush:
			rp.CanPush = append(rp.CanPush, user)
		case RoleAuthorise:
			rp.CanAuthorise = append(rp.CanAuthorise, user)
		}
	}
	return rows.Err()
}
