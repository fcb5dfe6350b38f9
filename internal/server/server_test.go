package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/git-proxy/internal/config"
	"github.com/G-Research/git-proxy/internal/domain"
	"github.com/G-Research/git-proxy/internal/engine"
	"github.com/G-Research/git-proxy/internal/proxytest"
)

const testSecret = "test-secret"

type testServer struct {
	*httptest.Server
	engine engine.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	e := proxytest.Engine(t, proxytest.Config(t))
	_, err := e.CreateUser(context.Background(), engine.UserCreateOptions{Username: "admin", Password: "admin-pw", Admin: true})
	require.NoError(t, err)
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, engine: e}
}

func (s *testServer) login(t *testing.T, user string) string {
	t.Helper()
	res, data := doJSON(t, http.MethodPost, s.URL+"/v0/auth/login", map[string]any{"username": user, "password": user + "-pw"}, "")
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var out LoginResponse
	require.NoError(t, json.Unmarshal(data, &out))
	require.NotEmpty(t, out.Token)
	return out.Token
}

// pendingPush stores a push from alice held for review.
func (s *testServer) pendingPush(t *testing.T, id string) {
	t.Helper()
	a := domain.NewAction(id, domain.ActionPush, "POST", 1700000000000, "org/repo.git")
	a.User = "alice"
	a.Branch = "refs/heads/main"
	a.CommitFrom = proxytest.ZeroSHA
	a.CommitTo = proxytest.CommitSHA
	step := domain.NewStep(domain.ApprovalStep)
	step.SetBlocked("push awaiting approval: " + id)
	a.AddStep(step)
	a.SetBlocked(step.BlockedMsg)
	require.NoError(t, s.engine.WriteAudit(context.Background(), a))
}

func doJSON(t *testing.T, method, url string, body any, token string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error.Code
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, http.MethodGet, srv.URL+"/v0/health", nil, "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(data))
}

func TestAuthenticationRequired(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, http.MethodGet, srv.URL+"/v0/pushes", nil, "")
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", errorCode(t, data))

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/pushes", nil, "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", errorCode(t, data))

	res, _ = doJSON(t, http.MethodPost, srv.URL+"/v0/auth/login", map[string]any{"username": "alice", "password": "nope"}, "")
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestMeAndAPIKey(t *testing.T) {
	srv := newTestServer(t)
	token := srv.login(t, "alice")
	res, data := doJSON(t, http.MethodGet, srv.URL+"/v0/me", nil, token)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var me MeResponse
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, MeResponse{Username: "alice", Admin: false, Source: "jwt"}, me)

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/me/api-keys?name=ci", nil, token)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var key map[string]string
	require.NoError(t, json.Unmarshal(data, &key))

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/me", nil)
	require.NoError(t, err)
	req.Header.Set("X-Api-Key", key["key"])
	keyRes, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer keyRes.Body.Close()
	require.Equal(t, http.StatusOK, keyRes.StatusCode)
	require.NoError(t, json.NewDecoder(keyRes.Body).Decode(&me))
	assert.Equal(t, "api_key", me.Source)
}

func TestAuthorisePendingPush(t *testing.T) {
	srv := newTestServer(t)
	srv.pendingPush(t, "1700000000000-abc")
	token := srv.login(t, "bob")

	res, data := doJSON(t, http.MethodGet, srv.URL+"/v0/pushes?status=pending", nil, token)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var pending []PushResponse
	require.NoError(t, json.Unmarshal(data, &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, "pending", pending[0].Status)
	assert.Equal(t, "alice", pending[0].User)

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/pushes/1700000000000-abc/authorise", map[string]any{
		"reason":      "reviewed",
		"attestation": map[string]any{"note": "lgtm"},
	}, token)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var authorised PushResponse
	require.NoError(t, json.Unmarshal(data, &authorised))
	assert.Equal(t, "authorised", authorised.Status)
	require.NotNil(t, authorised.Attestation)
	assert.Equal(t, "bob", authorised.Attestation.Reviewer)
	assert.Equal(t, "lgtm", authorised.Attestation.Details["note"])

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/pushes?status=pending", nil, token)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `[]`, string(data))

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/events?type=push.authorised", nil, token)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var evts paginatedEvents
	require.NoError(t, json.Unmarshal(data, &evts))
	require.Len(t, evts.Items, 1)
	assert.Equal(t, "1700000000000-abc", evts.Items[0].EntityID)
}

func TestReviewPermissions(t *testing.T) {
	srv := newTestServer(t)
	srv.pendingPush(t, "1700000000000-def")

	alice := srv.login(t, "alice")
	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/pushes/1700000000000-def/authorise", nil, alice)
	assert.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	assert.Equal(t, "forbidden", errorCode(t, data))

	bob := srv.login(t, "bob")
	res, _ = doJSON(t, http.MethodPost, srv.URL+"/v0/pushes/unknown/reject", nil, bob)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/pushes/1700000000000-def/cancel", nil, alice)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var canceled PushResponse
	require.NoError(t, json.Unmarshal(data, &canceled))
	assert.Equal(t, "canceled", canceled.Status)

	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v0/pushes/1700000000000-def", nil, alice)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v0/pushes?status=bogus", nil, alice)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestRepoAdministration(t *testing.T) {
	srv := newTestServer(t)
	alice := srv.login(t, "alice")
	admin := srv.login(t, "admin")

	body := map[string]any{"project": "finos", "name": "git-proxy", "url": "https://github.com/finos/git-proxy.git"}
	res, _ := doJSON(t, http.MethodPost, srv.URL+"/v0/repos", body, alice)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/repos", body, admin)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	res, _ = doJSON(t, http.MethodPost, srv.URL+"/v0/repos", body, admin)
	assert.Equal(t, http.StatusConflict, res.StatusCode)

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/repos/finos/git-proxy/push", map[string]any{"username": "alice"}, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var rp RepoResponse
	require.NoError(t, json.Unmarshal(data, &rp))
	assert.Equal(t, []string{"alice"}, rp.CanPush)
	assert.Empty(t, rp.CanAuthorise)

	res, _ = doJSON(t, http.MethodPost, srv.URL+"/v0/repos/finos/git-proxy/push", map[string]any{"username": "nobody"}, admin)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, _ = doJSON(t, http.MethodDelete, srv.URL+"/v0/repos/finos/git-proxy/push/alice", nil, admin)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/repos", nil, alice)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var repos []RepoResponse
	require.NoError(t, json.Unmarshal(data, &repos))
	assert.Len(t, repos, 2)

	res, _ = doJSON(t, http.MethodDelete, srv.URL+"/v0/repos/finos/git-proxy", nil, admin)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v0/repos/finos/git-proxy", nil, admin)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestUserAdministration(t *testing.T) {
	srv := newTestServer(t)
	alice := srv.login(t, "alice")
	admin := srv.login(t, "admin")

	res, _ := doJSON(t, http.MethodPost, srv.URL+"/v0/users", map[string]any{"username": "carol"}, alice)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/users", map[string]any{"username": "Carol", "password": "carol-pw"}, admin)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var carol UserResponse
	require.NoError(t, json.Unmarshal(data, &carol))
	assert.Equal(t, "carol", carol.Username)

	key := "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIGJ3b2Q0bXlrZXlmb3J0ZXN0aW5nb25seTEyMzQ1Njc4"
	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/users/alice/keys", map[string]any{"public_key": key}, alice)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var u UserResponse
	require.NoError(t, json.Unmarshal(data, &u))
	assert.Equal(t, []string{key}, u.PublicKeys)

	res, _ = doJSON(t, http.MethodPost, srv.URL+"/v0/users/carol/keys", map[string]any{"public_key": key}, alice)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/users", nil, alice)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var users []UserResponse
	require.NoError(t, json.Unmarshal(data, &users))
	assert.Len(t, users, 4)
}

func TestWebhookDeliversNewEvents(t *testing.T) {
	var (
		mu       sync.Mutex
		received []webhookEvent
		headers  []http.Header
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		received = append(received, evt)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
	}))
	defer hook.Close()

	srv := newTestServer(t)
	srv.pendingPush(t, "1700000000000-old")
	d := newWebhookDispatcher(srv.engine, []config.WebhookConfig{{URL: hook.URL, Events: []string{"push.pending"}, Secret: "shh"}})
	ctx := context.Background()
	d.dispatchAll(ctx)

	srv.pendingPush(t, "1700000000000-new")
	_, err := srv.engine.Cancel(ctx, "1700000000000-new", "alice")
	require.NoError(t, err)
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "push.pending", received[0].Type)
	assert.Equal(t, "1700000000000-new", received[0].EntityID)
	assert.Equal(t, "shh", headers[0].Get("X-Git-Proxy-Secret"))
	assert.Equal(t, "push.pending", headers[0].Get("X-Git-Proxy-Event"))
}

func TestWebhookDispatcherStopsWithContext(t *testing.T) {
	srv := newTestServer(t)
	d := newWebhookDispatcher(srv.engine, nil)
	d.interval = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
