package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"groupline/internal/domain"
	"groupline/internal/relay"
	"groupline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Service  *relay.Service
	Repo     *repo.Repo
	BasePath string
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"token_unavailable"`
	Message string         `json:"message" example:"token unavailable from all endpoints"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"remote_status\":503}"`
}

// apiError models the error envelope: success flag plus error description.
type apiError struct {
	status  int
	Success bool         `json:"success"`
	Body    apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Groupline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
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
	router.Use(singleMethodOnly(path.Join(basePath, "transfers"), http.MethodPost))
	hcfg := huma.DefaultConfig("Groupline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTransfer(group, cfg.Service, log)
	if cfg.Repo != nil {
		registerAttempts(group, *cfg.Repo)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

// singleMethodOnly enforces the one-method contract for the transfer route:
// anything but POST gets a 405 naming the allowed method.
func singleMethodOnly(route, method string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == route && r.Method != method {
				w.Header().Set("Allow", method)
				respondStatusError(w, newAPIError(http.StatusMethodNotAllowed, "method_not_allowed",
					fmt.Sprintf("use %s for this endpoint", method), nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
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

// handleError maps relay failures to the stable HTTP surface. Validation
// failures are 400; everything remote-derived keeps enough diagnostics to
// act on, never the credential.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve *relay.ValidationError
	if errors.As(err, &ve) {
		details := map[string]any{}
		if ve.Field != "" {
			details["field"] = ve.Field
		}
		details["reason"] = ve.Reason
		return newAPIError(http.StatusBadRequest, domain.OutcomeValidation, ve.Error(), details)
	}
	var re *relay.RemoteError
	if errors.As(err, &re) {
		return newAPIError(statusForOutcome(re.Code), re.Code, re.Error(), remoteDetails(re.StatusCode, re.Snippet))
	}
	return newAPIError(http.StatusInternalServerError, domain.OutcomeInternal, "internal error", map[string]any{"error": err.Error()})
}

// statusForOutcome mirrors the outcome taxonomy onto inbound status codes.
// Upstream 5xx surfaces as 502: the failure is the remote's, not ours.
func statusForOutcome(code string) int {
	switch code {
	case domain.OutcomeValidation:
		return http.StatusBadRequest
	case domain.OutcomeCredentialRejected:
		return http.StatusUnauthorized
	case domain.OutcomePermissionDenied, domain.OutcomeVerificationRequired:
		return http.StatusForbidden
	case domain.OutcomeTargetNotFound:
		return http.StatusNotFound
	case domain.OutcomeRateLimited:
		return http.StatusTooManyRequests
	case domain.OutcomeTokenUnavailable, domain.OutcomeRemoteUnavailable, domain.OutcomeUnknownRemote:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func remoteDetails(remoteStatus int, snippet string) map[string]any {
	details := map[string]any{}
	if remoteStatus > 0 {
		details["remote_status"] = remoteStatus
	}
	if snippet != "" {
		details["remote_body"] = snippet
	}
	if len(details) == 0 {
		return nil
	}
	return details
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return domain.OutcomeValidation
	case http.StatusUnauthorized:
		return domain.OutcomeCredentialRejected
	case http.StatusForbidden:
		return domain.OutcomePermissionDenied
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusTooManyRequests:
		return domain.OutcomeRateLimited
	case http.StatusBadGateway:
		return domain.OutcomeRemoteUnavailable
	case http.StatusInternalServerError:
		return domain.OutcomeInternal
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
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

func registerTransfer(api huma.API, svc *relay.Service, log *zap.Logger) {
	huma.Register(api, huma.Operation{
		OperationID: "transfer-ownership",
		Method:      http.MethodPost,
		Path:        "/transfers",
		Summary:     "Relay a group ownership transfer",
		Description: "Body fields: credential (string, remote session secret), " +
			"group_id and user_id (positive integers, number or numeric string). " +
			"Legacy aliases groupId, userId, targetId, sourceEntityId, and " +
			"targetEntityId are accepted.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusTooManyRequests,
			http.StatusBadGateway,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		RawBody []byte
	}) (*struct {
		Body TransferResponse `json:"body"`
	}, error) {
		res, err := svc.Transfer(ctx, input.RawBody)
		if err != nil {
			return nil, handleError(err)
		}
		if !res.Success() {
			message := fmt.Sprintf("remote rejected the transfer (%s)", res.Code)
			return nil, newAPIError(statusForOutcome(res.Code), res.Code, message, remoteDetails(res.RemoteStatus, res.Snippet))
		}
		return &struct {
			Body TransferResponse `json:"body"`
		}{Body: TransferResponse{Success: true, Data: res.Data}}, nil
	})
}

func registerAttempts(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-attempts",
		Method:      http.MethodGet,
		Path:        "/attempts",
		Summary:     "List recent relay attempts",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body AttemptsResponse `json:"body"`
	}, error) {
		items, err := r.ListAttempts(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Attempt{}
		}
		return &struct {
			Body AttemptsResponse `json:"body"`
		}{Body: AttemptsResponse{Items: items}}, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(swaggerHTML(basePath)))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			spec, _ = json.Marshal(api.OpenAPI())
		})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Groupline API Docs</title>
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
  </body>
</html>`, specURL)
}
