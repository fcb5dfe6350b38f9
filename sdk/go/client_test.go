package gitproxysdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/git-proxy/internal/domain"
	"github.com/G-Research/git-proxy/internal/proxytest"
	"github.com/G-Research/git-proxy/internal/server"
)

func TestClientReviewFlow(t *testing.T) {
	ctx := context.Background()
	eng := proxytest.Engine(t, proxytest.Config(t))
	a := domain.NewAction("1700000000000-sdk", domain.ActionPush, "POST", 1700000000000, "org/repo.git")
	a.User = "alice"
	a.Branch = "refs/heads/main"
	a.CommitTo = proxytest.CommitSHA
	step := domain.NewStep(domain.ApprovalStep)
	step.SetBlocked("push awaiting approval: " + a.ID)
	a.AddStep(step)
	a.SetBlocked(step.BlockedMsg)
	require.NoError(t, eng.WriteAudit(ctx, a))

	handler, err := server.New(server.Config{Engine: eng, BasePath: "/v0", Auth: server.AuthConfig{JWTSecret: "sdk-secret"}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	c := New(srv.URL)
	_, err = c.ListPushes(ctx, PushFilter{Status: "pending"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	require.NoError(t, c.Login(ctx, "bob", "bob-pw"))
	pending, err := c.ListPushes(ctx, PushFilter{Status: "pending", Repo: "org/repo.git"})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a.ID, pending[0].ID)

	push, err := c.Authorise(ctx, a.ID, "ok", map[string]any{"note": "lgtm"})
	require.NoError(t, err)
	assert.Equal(t, "authorised", push.Status)
	require.NotNil(t, push.Attestation)
	assert.Equal(t, "lgtm", push.Attestation.Details["note"])

	got, err := c.GetPush(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "authorised", got.Status)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, domain.ApprovalStep, got.Steps[0].Name)

	page, err := c.EventsPage(ctx, "push.authorised", 10, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "bob", page.Items[0].ActorID)

	_, err = c.Reject(ctx, "missing", "")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}
