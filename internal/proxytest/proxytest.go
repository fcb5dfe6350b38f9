// Package proxytest provides fixtures shared by the proxy's package tests.
package proxytest

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/G-Research/git-proxy/internal/config"
	"github.com/G-Research/git-proxy/internal/db"
	"github.com/G-Research/git-proxy/internal/domain"
	"github.com/G-Research/git-proxy/internal/engine"
	"github.com/G-Research/git-proxy/internal/migrate"
	"github.com/G-Research/git-proxy/internal/processors"
)

const (
	ZeroSHA   = "0000000000000000000000000000000000000000"
	CommitSHA = "2222222222222222222222222222222222222222"
)

// Engine opens a migrated store in a temp dir with repo org/repo.git,
// pusher alice (password alice-pw) and reviewer bob.
func Engine(t *testing.T, cfg *config.Config) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	if cfg == nil {
		cfg = config.Default()
	}
	eng := engine.New(conn, cfg)
	ctx := context.Background()
	require.NoError(t, eng.Repo.CreateRepo(ctx, domain.Repo{Project: "org", Name: "repo", URL: "https://github.com/org/repo.git"}))
	for _, name := range []string{"alice", "bob"} {
		_, err := eng.CreateUser(ctx, engine.UserCreateOptions{Username: name, Password: name + "-pw"})
		require.NoError(t, err)
	}
	require.NoError(t, eng.Repo.AddUserCanPush(ctx, "org/repo", "alice"))
	require.NoError(t, eng.Repo.AddUserCanAuthorise(ctx, "org/repo", "bob"))
	return eng
}

// Config returns defaults pointed at temp dirs with no hook installed.
func Config(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Proxy.RemoteDir = t.TempDir()
	cfg.Hook.Path = ""
	cfg.Hook.Timeout = config.Duration(5 * time.Second)
	cfg.AuthorisedRepos = nil
	return cfg
}

// Cloner records clone requests and creates the target directory.
type Cloner struct {
	Requests []processors.CloneRequest
	Err      error
}

func (c *Cloner) Clone(_ context.Context, req processors.CloneRequest) error {
	c.Requests = append(c.Requests, req)
	if c.Err != nil {
		return c.Err
	}
	return os.MkdirAll(req.Dir, 0o755)
}

// PktLine frames payload as a git pkt-line.
func PktLine(payload string) string {
	return fmt.Sprintf("%04x%s", len(payload)+4, payload)
}

// ReceivePackCommands returns the command section of a receive-pack
// request updating ref from old to new, terminated by a flush.
func ReceivePackCommands(old, new, ref string) []byte {
	var b bytes.Buffer
	b.WriteString(PktLine(fmt.Sprintf("%s %s %s\x00report-status side-band-64k", old, new, ref)))
	b.WriteString("0000")
	return b.Bytes()
}

// ReceivePackBody is a receive-pack request with an empty pack appended.
func ReceivePackBody(old, new, ref string) []byte {
	return append(ReceivePackCommands(old, new, ref), []byte("PACK\x00\x00\x00\x02\x00\x00\x00\x00")...)
}
