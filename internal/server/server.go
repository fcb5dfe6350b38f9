package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/G-Research/git-proxy/internal/domain"
	"github.com/G-Research/git-proxy/internal/engine"
	"github.com/G-Research/git-proxy/internal/engine/auth"
	"github.com/G-Research/git-proxy/internal/metrics"
	"github.com/G-Research/git-proxy/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden"`
	Message string         `json:"message" example:"user lacks authorise permission on org/repo"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the push review API and /metrics.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	router.Handle("/metrics", metrics.Handler())
	hcfg := huma.DefaultConfig("Git Proxy API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerLogin(group, cfg.Engine, cfg.Auth)
	registerMe(group, cfg.Engine)
	registerPushes(group, cfg.Engine)
	registerRepos(group, cfg.Engine)
	registerUsers(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown push status"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func requireAdmin(ctx context.Context, e engine.Engine) (Principal, error) {
	principal, authErr := principalFromContext(ctx)
	if authErr != nil {
		return Principal{}, authErr
	}
	ok, err := e.Auth.IsAdmin(ctx, nil, principal.Username)
	if err != nil {
		return Principal{}, err
	}
	if !ok {
		return Principal{}, auth.ForbiddenError{Permission: "admin", Reason: "administrator required"}
	}
	return principal, nil
}

// requireSelfOrAdmin allows a user to manage their own account.
func requireSelfOrAdmin(ctx context.Context, e engine.Engine, username string) error {
	principal, authErr := principalFromContext(ctx)
	if authErr != nil {
		return authErr
	}
	if strings.EqualFold(principal.Username, username) {
		return nil
	}
	_, err := requireAdmin(ctx, e)
	return err
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	public := map[string]bool{
		path.Join("/", basePath, "health"):     true,
		path.Join("/", basePath, "auth/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Git Proxy API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerLogin(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Exchange a username and password for a JWT",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body LoginResponse `json:"body"`
	}, error) {
		if input.Body.Username == "" || input.Body.Password == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "username and password are required", nil)
		}
		u, ok, err := e.VerifyPassword(ctx, input.Body.Username, input.Body.Password)
		if err != nil {
			return nil, handleError(err)
		}
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
		}
		token, exp, err := signToken(authCfg.JWTSecret, u.Username, e.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body LoginResponse `json:"body"`
		}{Body: LoginResponse{Token: token, ExpiresAt: exp.UTC().Format("2006-01-02T15:04:05Z07:00")}}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		admin, err := e.Auth.IsAdmin(ctx, nil, principal.Username)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{Username: principal.Username, Admin: admin, Source: principal.Source}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/me/api-keys",
		Summary:       "Issue an API key for the current user",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Name string `query:"name"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		principal, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		plain, key, err := e.CreateAPIKey(ctx, principal.Username, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"id": key.ID, "key": plain}}, nil
	})
}

func registerPushes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-pushes",
		Method:      http.MethodGet,
		Path:        "/pushes",
		Summary:     "List pushes",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,allowed,blocked,error,authorised,rejected,canceled"`
		Repo   string `query:"repo"`
		User   string `query:"user"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []PushResponse `json:"body"`
	}, error) {
		q, err := repo.QueryForStatus(input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		q.Repo, q.User, q.Limit = input.Repo, input.User, normalizeLimit(input.Limit)
		items, err := e.ListPushes(ctx, q)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]PushResponse, 0, len(items))
		for _, a := range items {
			res = append(res, pushResponse(a))
		}
		return &struct {
			Body []PushResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-push",
		Method:      http.MethodGet,
		Path:        "/pushes/{id}",
		Summary:     "Get push",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body PushResponse `json:"body"`
	}, error) {
		a, err := e.GetPush(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PushResponse `json:"body"`
		}{Body: pushResponse(a)}, nil
	})

	review := func(op, summary string, apply func(ctx context.Context, id string, r engine.Review) (*domain.Action, error)) {
		huma.Register(api, huma.Operation{
			OperationID: op + "-push",
			Method:      http.MethodPost,
			Path:        "/pushes/{id}/" + op,
			Summary:     summary,
			Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
		}, func(ctx context.Context, input *struct {
			ID   string        `path:"id"`
			Body ReviewRequest `json:"body,omitempty" required:"false"`
		}) (*struct {
			Body PushResponse `json:"body"`
		}, error) {
			principal, authErr := principalFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			a, err := apply(ctx, input.ID, engine.Review{
				Reviewer: principal.Username,
				Reason:   input.Body.Reason,
				Details:  input.Body.Attestation,
			})
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body PushResponse `json:"body"`
			}{Body: pushResponse(a)}, nil
		})
	}
	review("authorise", "Authorise a pending push", e.Authorise)
	review("reject", "Reject a pending push", e.Reject)
	review("cancel", "Cancel a push", func(ctx context.Context, id string, r engine.Review) (*domain.Action, error) {
		return e.Cancel(ctx, id, r.Reviewer)
	})
}

func registerRepos(api huma.API, e engine.Engine) {
	type repoPath struct {
		Project string `path:"project"`
		Name    string `path:"name"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-repos",
		Method:      http.MethodGet,
		Path:        "/repos",
		Summary:     "List authorised repositories",
	}, func(ctx context.Context, input *struct {
		Project string `query:"project"`
	}) (*struct {
		Body []RepoResponse `json:"body"`
	}, error) {
		items, err := e.Repo.GetRepos(ctx, repo.RepoQuery{Project: input.Project})
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]RepoResponse, 0, len(items))
		for _, r := range items {
			res = append(res, repoResponse(r))
		}
		return &struct {
			Body []RepoResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-repo",
		Method:        http.MethodPost,
		Path:          "/repos",
		Summary:       "Add an authorised repository",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateRepoRequest `json:"body"`
	}) (*struct {
		Body RepoResponse `json:"body"`
	}, error) {
		if _, err := requireAdmin(ctx, e); err != nil {
			return nil, handleError(err)
		}
		rp := domain.Repo{Project: input.Body.Project, Name: input.Body.Name, URL: input.Body.URL}
		if err := e.Repo.CreateRepo(ctx, rp); err != nil {
			return nil, handleError(err)
		}
		created, err := e.Repo.GetRepo(ctx, rp.Key())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RepoResponse `json:"body"`
		}{Body: repoResponse(created)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-repo",
		Method:      http.MethodGet,
		Path:        "/repos/{project}/{name}",
		Summary:     "Get repository",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *repoPath) (*struct {
		Body RepoResponse `json:"body"`
	}, error) {
		rp, err := e.Repo.GetRepo(ctx, input.Project+"/"+input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RepoResponse `json:"body"`
		}{Body: repoResponse(rp)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-repo",
		Method:        http.MethodDelete,
		Path:          "/repos/{project}/{name}",
		Summary:       "Remove repository",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *repoPath) (*struct{}, error) {
		if _, err := requireAdmin(ctx, e); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.DeleteRepo(ctx, input.Project+"/"+input.Name); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "grant-repo-role",
		Method:      http.MethodPost,
		Path:        "/repos/{project}/{name}/{role}",
		Summary:     "Grant push or authorise on a repository",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Project string          `path:"project"`
		Name    string          `path:"name"`
		Role    string          `path:"role" enum:"push,authorise"`
		Body    RepoUserRequest `json:"body"`
	}) (*struct {
		Body RepoResponse `json:"body"`
	}, error) {
		if _, err := requireAdmin(ctx, e); err != nil {
			return nil, handleError(err)
		}
		if input.Body.Username == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "username required", nil)
		}
		if _, err := e.Repo.FindUser(ctx, input.Body.Username); err != nil {
			return nil, handleError(err)
		}
		key := input.Project + "/" + input.Name
		var err error
		if input.Role == repo.RolePush {
			err = e.Repo.AddUserCanPush(ctx, key, input.Body.Username)
		} else {
			err = e.Repo.AddUserCanAuthorise(ctx, key, input.Body.Username)
		}
		if err != nil {
			return nil, handleError(err)
		}
		rp, err := e.Repo.GetRepo(ctx, key)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RepoResponse `json:"body"`
		}{Body: repoResponse(rp)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-repo-role",
		Method:        http.MethodDelete,
		Path:          "/repos/{project}/{name}/{role}/{username}",
		Summary:       "Revoke push or authorise on a repository",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Project  string `path:"project"`
		Name     string `path:"name"`
		Role     string `path:"role" enum:"push,authorise"`
		Username string `path:"username"`
	}) (*struct{}, error) {
		if _, err := requireAdmin(ctx, e); err != nil {
			return nil, handleError(err)
		}
		key := input.Project + "/" + input.Name
		var err error
		if input.Role == repo.RolePush {
			err = e.Repo.RemoveUserCanPush(ctx, key, input.Username)
		} else {
			err = e.Repo.RemoveUserCanAuthorise(ctx, key, input.Username)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List users",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []UserResponse `json:"body"`
	}, error) {
		items, err := e.Repo.GetUsers(ctx, repo.UserQuery{})
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]UserResponse, 0, len(items))
		for _, u := range items {
			res = append(res, userResponse(u))
		}
		return &struct {
			Body []UserResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-user",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Create user",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateUserRequest `json:"body"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		if _, err := requireAdmin(ctx, e); err != nil {
			return nil, handleError(err)
		}
		u, err := e.CreateUser(ctx, engine.UserCreateOptions{
			Username:   input.Body.Username,
			Password:   input.Body.Password,
			Email:      input.Body.Email,
			GitAccount: input.Body.GitAccount,
			Admin:      input.Body.Admin,
			PublicKeys: input.Body.PublicKeys,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-user",
		Method:      http.MethodGet,
		Path:        "/users/{username}",
		Summary:     "Get user",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Username string `path:"username"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		u, err := e.Repo.FindUser(ctx, input.Username)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-public-key",
		Method:      http.MethodPost,
		Path:        "/users/{username}/keys",
		Summary:     "Register an SSH public key",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Username string           `path:"username"`
		Body     PublicKeyRequest `json:"body"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		if err := requireSelfOrAdmin(ctx, e, input.Username); err != nil {
			return nil, handleError(err)
		}
		if _, err := e.Repo.FindUser(ctx, input.Username); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.AddPublicKey(ctx, input.Username, input.Body.PublicKey); err != nil {
			return nil, handleError(err)
		}
		u, err := e.Repo.FindUser(ctx, input.Username)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "remove-public-key",
		Method:        http.MethodDelete,
		Path:          "/users/{username}/keys",
		Summary:       "Remove an SSH public key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Username  string `path:"username"`
		PublicKey string `query:"public_key" required:"true"`
	}) (*struct{}, error) {
		if err := requireSelfOrAdmin(ctx, e, input.Username); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.RemovePublicKey(ctx, input.Username, input.PublicKey); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type     string `query:"type"`
		EntityID string `query:"entity_id"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			Type:     input.Type,
			EntityID: input.EntityID,
			Limit:    limit + 1,
			Cursor:   cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
