package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"groupline/internal/domain"
)

func testInput() domain.TransferInput {
	return domain.TransferInput{Credential: "secret", GroupID: 42, UserID: 7}
}

func TestMutatorSendsAuthenticationPair(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Cookie"); got != "GROUPSESSION=secret" {
			t.Errorf("unexpected cookie %q", got)
		}
		if got := r.Header.Get("X-CSRF-Token"); got != "tok" {
			t.Errorf("unexpected token header %q", got)
		}
		if r.URL.Path != "/v1/groups/42/change-owner" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		var payload map[string]any
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Errorf("mutation body not JSON: %v", err)
		}
		if id, _ := payload["userId"].(float64); int64(id) != 7 {
			t.Errorf("unexpected mutation payload %s", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":123}`))
	}))
	defer srv.Close()

	m := NewMutator(testConfig(srv.URL), srv.Client(), nil)
	outcome, err := m.Execute(context.Background(), "secret", "tok", testInput())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if outcome.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", outcome.StatusCode)
	}
	if id, _ := outcome.Body["id"].(float64); int64(id) != 123 {
		t.Fatalf("body not preserved: %+v", outcome.Body)
	}
}

func TestMutatorAltShapeFiresOnceOnVerificationGate(t *testing.T) {
	var primary, alt int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/change-owner"):
			atomic.AddInt64(&primary, 1)
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"errors":[{"message":"Challenge is required to proceed"}]}`))
		case strings.HasSuffix(r.URL.Path, "/ownership"):
			atomic.AddInt64(&alt, 1)
			body, _ := io.ReadAll(r.Body)
			var payload map[string]any
			_ = json.Unmarshal(body, &payload)
			if id, _ := payload["targetUserId"].(float64); int64(id) != 7 {
				t.Errorf("alternate shape payload wrong: %s", body)
			}
			// The alternate call also failing must be reported as final.
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"errors":[{"message":"Forbidden"}]}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Remote.Mutation.AltEnabled = true
	m := NewMutator(cfg, srv.Client(), nil)
	outcome, err := m.Execute(context.Background(), "secret", "tok", testInput())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if outcome.StatusCode != http.StatusForbidden {
		t.Fatalf("alternate outcome must be final, got %d", outcome.StatusCode)
	}
	if atomic.LoadInt64(&primary) != 1 || atomic.LoadInt64(&alt) != 1 {
		t.Fatalf("expected exactly one call each, got primary=%d alt=%d", primary, alt)
	}
}

func TestMutatorAltShapeDisabledByDefault(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"errors":[{"message":"Challenge is required to proceed"}]}`))
	}))
	defer srv.Close()

	m := NewMutator(testConfig(srv.URL), srv.Client(), nil)
	if _, err := m.Execute(context.Background(), "secret", "tok", testInput()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if n := atomic.LoadInt64(&calls); n != 1 {
		t.Fatalf("alt disabled must not issue a second call, got %d", n)
	}
}

func TestDecodeOutcomeRawTextFallback(t *testing.T) {
	outcome := decodeOutcome(http.StatusBadGateway, []byte("<html>upstream exploded</html>"), 16)
	if outcome.Body != nil {
		t.Fatalf("non-JSON body should not parse: %+v", outcome.Body)
	}
	if outcome.RawText != "<html>upstream e" {
		t.Fatalf("raw text not truncated as expected: %q", outcome.RawText)
	}
}
