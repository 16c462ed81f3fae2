package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"groupline/internal/config"
	"groupline/internal/domain"
)

// Mutator performs the ownership-change call with the credential and the
// acquired anti-forgery token attached as the remote's authentication pair.
// It captures status and body without interpreting them; translation is the
// Translator's job.
type Mutator struct {
	baseURL      string
	cookieName   string
	tokenHeader  string
	path         string
	altEnabled   bool
	altPath      string
	client       HTTPDoer
	maxBodyBytes int
	snippetBytes int
	log          *zap.Logger
}

func NewMutator(cfg *config.Config, client HTTPDoer, log *zap.Logger) *Mutator {
	if log == nil {
		log = zap.NewNop()
	}
	if client == nil {
		client = &http.Client{Timeout: timeoutFor(cfg)}
	}
	return &Mutator{
		baseURL:      strings.TrimRight(cfg.Remote.BaseURL, "/"),
		cookieName:   cfg.Remote.CookieName,
		tokenHeader:  cfg.Remote.TokenHeader,
		path:         cfg.Remote.Mutation.Path,
		altEnabled:   cfg.Remote.Mutation.AltEnabled,
		altPath:      cfg.Remote.Mutation.AltPath,
		client:       client,
		maxBodyBytes: cfg.Limits.MaxBodyBytes,
		snippetBytes: cfg.Limits.SnippetBytes,
		log:          log,
	}
}

// Execute issues the mutation. When the primary call trips the interactive
// verification gate and the alternate shape is enabled, a single
// alternate-shaped call is made and its outcome — good or bad — is final.
func (m *Mutator) Execute(ctx context.Context, credential, token string, input domain.TransferInput) (domain.RemoteOutcome, error) {
	outcome, err := m.post(ctx, m.path, credential, token, input.GroupID, map[string]any{"userId": input.UserID})
	if err != nil {
		return domain.RemoteOutcome{}, err
	}
	if m.altEnabled && isVerificationGate(outcome) {
		m.log.Info("verification gate hit, trying alternate mutation shape once",
			zap.Int64("group_id", input.GroupID))
		return m.post(ctx, m.altPath, credential, token, input.GroupID, map[string]any{"targetUserId": input.UserID})
	}
	return outcome, nil
}

func (m *Mutator) post(ctx context.Context, pathTemplate, credential, token string, groupID int64, payload map[string]any) (domain.RemoteOutcome, error) {
	endpoint := m.baseURL + strings.ReplaceAll(pathTemplate, "{groupId}", strconv.FormatInt(groupID, 10))
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return domain.RemoteOutcome{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return domain.RemoteOutcome{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cookie", fmt.Sprintf("%s=%s", m.cookieName, credential))
	req.Header.Set(m.tokenHeader, token)

	resp, err := m.client.Do(req)
	if err != nil {
		return domain.RemoteOutcome{}, fmt.Errorf("mutation call: %w", err)
	}
	defer resp.Body.Close()
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, int64(m.maxBodyBytes)))
	if readErr != nil {
		return domain.RemoteOutcome{}, fmt.Errorf("read mutation response: %w", readErr)
	}
	return decodeOutcome(resp.StatusCode, body, m.snippetBytes), nil
}

// decodeOutcome keeps the parsed JSON body when it parses, otherwise a
// bounded raw-text capture.
func decodeOutcome(status int, body []byte, snippetBytes int) domain.RemoteOutcome {
	outcome := domain.RemoteOutcome{StatusCode: status}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return outcome
	}
	parsed := map[string]any{}
	if err := json.Unmarshal(trimmed, &parsed); err == nil {
		outcome.Body = parsed
		return outcome
	}
	outcome.RawText = truncate(string(trimmed), snippetBytes)
	return outcome
}
