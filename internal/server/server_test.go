package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"groupline/internal/config"
	"groupline/internal/db"
	"groupline/internal/migrate"
	"groupline/internal/relay"
	"groupline/internal/repo"
)

// fakeRemote mimics the group-management API: token endpoints answer 403
// with the anti-forgery header, the mutation endpoint inspects the pair.
type fakeRemote struct {
	srv        *httptest.Server
	calls      int64
	mutateCode int
	mutateBody string
}

func newFakeRemote() *fakeRemote {
	f := &fakeRemote{mutateCode: http.StatusOK, mutateBody: `{"id":123}`}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&f.calls, 1)
		if strings.HasSuffix(r.URL.Path, "/change-owner") {
			if r.Header.Get("X-CSRF-Token") == "" {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(f.mutateCode)
			_, _ = w.Write([]byte(f.mutateBody))
			return
		}
		w.Header().Set("X-CSRF-Token", "tok")
		w.WriteHeader(http.StatusForbidden)
	}))
	return f
}

func (f *fakeRemote) Calls() int64 { return atomic.LoadInt64(&f.calls) }
func (f *fakeRemote) Close()       { f.srv.Close() }

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, remote *fakeRemote) (*testServer, func()) {
	t.Helper()
	cfg := config.Default()
	cfg.Remote.BaseURL = remote.srv.URL
	cfg.Remote.AttemptIntervalMS = 0

	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.New(conn)
	svc := relay.NewService(cfg, relay.Options{Client: remote.srv.Client(), Recorder: r})

	handler, err := New(Config{Service: svc, Repo: &r, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func validBody() map[string]any {
	return map[string]any{
		"credential": strings.Repeat("s", 64),
		"group_id":   42,
		"user_id":    7,
	}
}

func TestTransferSuccess(t *testing.T) {
	remote := newFakeRemote()
	defer remote.Close()
	srv, cleanup := newTestServer(t, remote)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/transfers", validBody())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transfer status %d: %s", res.StatusCode, string(data))
	}
	var resp TransferResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success envelope: %s", string(data))
	}
	if id, _ := resp.Data["id"].(float64); int64(id) != 123 {
		t.Fatalf("remote payload not echoed: %s", string(data))
	}

	attemptsRes, attemptsData := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/attempts", nil)
	if attemptsRes.StatusCode != http.StatusOK {
		t.Fatalf("attempts status %d: %s", attemptsRes.StatusCode, string(attemptsData))
	}
	var attempts AttemptsResponse
	if err := json.Unmarshal(attemptsData, &attempts); err != nil {
		t.Fatalf("unmarshal attempts: %v", err)
	}
	if len(attempts.Items) != 1 || attempts.Items[0].Outcome != "success" {
		t.Fatalf("expected one success attempt: %s", string(attemptsData))
	}
	if strings.Contains(string(attemptsData), strings.Repeat("s", 64)) {
		t.Fatalf("audit output leaked the credential")
	}
}

func TestTransferMissingFieldNamesField(t *testing.T) {
	remote := newFakeRemote()
	defer remote.Close()
	srv, cleanup := newTestServer(t, remote)
	defer cleanup()

	body := validBody()
	delete(body, "user_id")
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/transfers", body)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Success bool `json:"success"`
		Error   struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Success {
		t.Fatalf("error envelope claims success: %s", string(data))
	}
	if envelope.Error.Code != "validation_error" {
		t.Fatalf("expected validation_error, got %s", envelope.Error.Code)
	}
	if field, _ := envelope.Error.Details["field"].(string); field != "user_id" {
		t.Fatalf("expected details to name user_id, got %s", string(data))
	}
	if remote.Calls() != 0 {
		t.Fatalf("validation failure must not call the remote, got %d calls", remote.Calls())
	}
}

func TestTransferShortCredentialNoNetwork(t *testing.T) {
	remote := newFakeRemote()
	defer remote.Close()
	srv, cleanup := newTestServer(t, remote)
	defer cleanup()

	body := validBody()
	body["credential"] = "short"
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/transfers", body)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	if remote.Calls() != 0 {
		t.Fatalf("short credential must not call the remote, got %d calls", remote.Calls())
	}
}

func TestTransferUpstreamForbidden(t *testing.T) {
	remote := newFakeRemote()
	defer remote.Close()
	remote.mutateCode = http.StatusForbidden
	remote.mutateBody = `{"errors":[{"message":"Challenge is required to proceed"}]}`
	srv, cleanup := newTestServer(t, remote)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/transfers", validBody())
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
	if !strings.Contains(string(data), "verification_required") {
		t.Fatalf("expected verification sub-reason: %s", string(data))
	}
}

func TestTransferMethodNotAllowed(t *testing.T) {
	remote := newFakeRemote()
	defer remote.Close()
	srv, cleanup := newTestServer(t, remote)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/transfers", nil)
	if res.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d: %s", res.StatusCode, string(data))
	}
	if allow := res.Header.Get("Allow"); allow != http.MethodPost {
		t.Fatalf("expected Allow: POST, got %q", allow)
	}
}

func TestOpenAPIConcurrentFirstRequests(t *testing.T) {
	remote := newFakeRemote()
	defer remote.Close()
	srv, cleanup := newTestServer(t, remote)
	defer cleanup()

	const workers = 8
	bodies := make([][]byte, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/v0/openapi.json")
			if err != nil {
				t.Errorf("fetch openapi: %v", err)
				return
			}
			defer res.Body.Close()
			if res.StatusCode != http.StatusOK {
				t.Errorf("openapi status %d", res.StatusCode)
				return
			}
			bodies[i], _ = io.ReadAll(res.Body)
		}(i)
	}
	wg.Wait()
	for i, body := range bodies {
		if len(body) == 0 {
			t.Fatalf("worker %d got an empty document", i)
		}
		if !bytes.Equal(body, bodies[0]) {
			t.Fatalf("worker %d got a different document", i)
		}
	}
}

func TestHealth(t *testing.T) {
	remote := newFakeRemote()
	defer remote.Close()
	srv, cleanup := newTestServer(t, remote)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	if !strings.Contains(string(data), "ok") {
		t.Fatalf("unexpected health body: %s", string(data))
	}
}
