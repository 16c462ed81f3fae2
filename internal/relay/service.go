package relay

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"groupline/internal/config"
	"groupline/internal/domain"
)

// AttemptRecorder receives one audit row per invocation. Implementations
// must never be handed the credential or token; the Attempt type cannot
// carry them.
type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, a domain.Attempt) error
}

// Service wires validate → acquire → mutate → translate. It holds no state
// between invocations; every Transfer call is a fresh, independent attempt
// and nothing is retried beyond the acquisition fallback chain.
type Service struct {
	validator    Validator
	acquirer     *Acquirer
	mutator      *Mutator
	snippetBytes int
	recorder     AttemptRecorder
	log          *zap.Logger
	now          func() time.Time
}

// Options override defaults for tests and the CLI.
type Options struct {
	Client   HTTPDoer
	Recorder AttemptRecorder
	Logger   *zap.Logger
	Now      func() time.Time
}

func NewService(cfg *config.Config, opts Options) *Service {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: timeoutFor(cfg)}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		validator: Validator{
			CookiePrefix: cfg.Remote.CookieName + "=",
			MinLength:    cfg.Limits.MinCredentialLength,
		},
		acquirer:     NewAcquirer(cfg, client, log),
		mutator:      NewMutator(cfg, client, log),
		snippetBytes: cfg.Limits.SnippetBytes,
		recorder:     opts.Recorder,
		log:          log,
		now:          now,
	}
}

// Transfer runs the whole relay flow for one raw payload and returns the
// translated result. Validation failures surface as *ValidationError before
// any network call; remote failures surface as *RemoteError or as a Result
// with a non-success code.
func (s *Service) Transfer(ctx context.Context, body []byte) (Result, error) {
	requestID := uuid.NewString()
	started := s.now()
	log := s.log.With(zap.String("request_id", requestID))

	input, err := s.validator.Validate(body)
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			log.Debug("payload rejected", zap.String("field", ve.Field), zap.String("reason", ve.Reason))
		}
		return Result{Code: domain.OutcomeValidation}, err
	}
	// The credential itself stays out of the logs; length is enough to
	// distinguish a truncated paste from a real session secret.
	log = log.With(
		zap.Int64("group_id", input.GroupID),
		zap.Int64("user_id", input.UserID),
		zap.Int("credential_len", len(input.Credential)),
	)

	acquired, err := s.acquirer.Acquire(ctx, input.Credential)
	if err != nil {
		res := resultFromError(err)
		s.record(ctx, requestID, input, res, "", started)
		log.Warn("token acquisition failed", zap.String("outcome", res.Code), zap.Error(err))
		return res, err
	}

	outcome, err := s.mutator.Execute(ctx, input.Credential, acquired.Token, input)
	if err != nil {
		res := Result{Code: domain.OutcomeInternal}
		s.record(ctx, requestID, input, res, acquired.Endpoint, started)
		log.Error("mutation call failed", zap.Error(err))
		return res, err
	}

	res := Translate(outcome, s.snippetBytes)
	s.record(ctx, requestID, input, res, acquired.Endpoint, started)
	if res.Success() {
		log.Info("ownership transfer relayed",
			zap.String("token_endpoint", acquired.Endpoint),
			zap.Int("remote_status", res.RemoteStatus))
	} else {
		log.Warn("ownership transfer rejected upstream",
			zap.String("outcome", res.Code),
			zap.Int("remote_status", res.RemoteStatus))
	}
	return res, nil
}

func (s *Service) record(ctx context.Context, requestID string, input domain.TransferInput, res Result, tokenEndpoint string, started time.Time) {
	if s.recorder == nil {
		return
	}
	attempt := domain.Attempt{
		TS:            s.now().UTC().Format(time.RFC3339),
		RequestID:     requestID,
		GroupID:       input.GroupID,
		UserID:        input.UserID,
		Outcome:       res.Code,
		RemoteStatus:  res.RemoteStatus,
		TokenEndpoint: tokenEndpoint,
		DurationMS:    s.now().Sub(started).Milliseconds(),
	}
	if err := s.recorder.RecordAttempt(ctx, attempt); err != nil {
		s.log.Warn("audit append failed", zap.Error(err))
	}
}

// resultFromError shapes acquisition failures for auditing and the API.
func resultFromError(err error) Result {
	var re *RemoteError
	if errors.As(err, &re) {
		return Result{Code: re.Code, RemoteStatus: re.StatusCode, Snippet: re.Snippet}
	}
	return Result{Code: domain.OutcomeInternal}
}
