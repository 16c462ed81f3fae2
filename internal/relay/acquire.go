package relay

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"groupline/internal/config"
)

// HTTPDoer is the transport seam; *http.Client satisfies it and tests swap
// in counting fakes.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Acquirer fetches an anti-forgery token by issuing deliberately
// unauthenticated mutating calls and reading the token out of the
// rejection's headers. Endpoints are tried strictly in order; the first
// token wins. Token presence in the headers is the only success signal —
// status codes and bodies are never trusted for this.
type Acquirer struct {
	baseURL      string
	cookieName   string
	tokenHeader  string
	endpoints    []config.TokenEndpoint
	client       HTTPDoer
	limiter      *rate.Limiter
	maxBodyBytes int
	snippetBytes int
	log          *zap.Logger
}

// AcquiredToken carries the token and which endpoint produced it.
type AcquiredToken struct {
	Token    string
	Endpoint string
}

func NewAcquirer(cfg *config.Config, client HTTPDoer, log *zap.Logger) *Acquirer {
	if log == nil {
		log = zap.NewNop()
	}
	interval := time.Duration(cfg.Remote.AttemptIntervalMS) * time.Millisecond
	var limiter *rate.Limiter
	if interval > 0 {
		// Burst 1: the initial token covers the first attempt, so it never
		// waits; every later attempt is paced one interval apart.
		limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
	if client == nil {
		client = &http.Client{Timeout: time.Duration(cfg.Remote.TimeoutSeconds) * time.Second}
	}
	return &Acquirer{
		baseURL:      strings.TrimRight(cfg.Remote.BaseURL, "/"),
		cookieName:   cfg.Remote.CookieName,
		tokenHeader:  cfg.Remote.TokenHeader,
		endpoints:    cfg.Remote.TokenEndpoints,
		client:       client,
		limiter:      limiter,
		maxBodyBytes: cfg.Limits.MaxBodyBytes,
		snippetBytes: cfg.Limits.SnippetBytes,
		log:          log,
	}
}

// Acquire walks the fallback chain. A 401 from any endpoint aborts the
// chain: the credential itself is bad and the remaining endpoints would
// reject it identically. Any other tokenless response advances to the next
// endpoint after the paced delay.
func (a *Acquirer) Acquire(ctx context.Context, credential string) (AcquiredToken, error) {
	lastStatus := 0
	lastSnippet := ""
	for i, ep := range a.endpoints {
		if a.limiter != nil {
			if err := a.limiter.Wait(ctx); err != nil {
				return AcquiredToken{}, err
			}
		}
		status, snippet, token, err := a.attempt(ctx, ep, credential)
		if err != nil {
			return AcquiredToken{}, err
		}
		if token != "" {
			a.log.Debug("anti-forgery token acquired",
				zap.String("endpoint", ep.Name),
				zap.Int("remote_status", status),
				zap.Int("attempts", i+1))
			return AcquiredToken{Token: token, Endpoint: ep.Name}, nil
		}
		if status == http.StatusUnauthorized {
			a.log.Warn("credential rejected during token acquisition",
				zap.String("endpoint", ep.Name))
			return AcquiredToken{}, credentialRejectedError(status, snippet)
		}
		a.log.Debug("endpoint yielded no token, advancing",
			zap.String("endpoint", ep.Name),
			zap.Int("remote_status", status))
		lastStatus = status
		lastSnippet = snippet
	}
	return AcquiredToken{}, tokenUnavailableError(lastStatus, lastSnippet)
}

// attempt issues one mutating call with the credential as the sole
// authentication and the anti-forgery header intentionally omitted.
func (a *Acquirer) attempt(ctx context.Context, ep config.TokenEndpoint, credential string) (status int, snippet, token string, err error) {
	method := ep.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+ep.Path, strings.NewReader("{}"))
	if err != nil {
		return 0, "", "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cookie", fmt.Sprintf("%s=%s", a.cookieName, credential))

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, "", "", fmt.Errorf("token fetch %s: %w", ep.Name, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, int64(a.maxBodyBytes)))

	token = strings.TrimSpace(headerValue(resp.Header, a.tokenHeader))
	return resp.StatusCode, truncate(string(body), a.snippetBytes), token, nil
}

// truncate bounds s to limit bytes without splitting a multi-byte rune, so
// snippets stay valid UTF-8 in error messages and JSON envelopes.
func truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
