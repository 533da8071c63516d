package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"caseline/internal/authority"
	"caseline/internal/db"
	"caseline/internal/domain"
	"caseline/internal/engine"
	"caseline/internal/ledger"
	"caseline/internal/lock"
	"caseline/internal/migrate"
	"caseline/internal/repo"
	"caseline/internal/worker"
)

const testSecret = "test-secret"

type recordingSender struct {
	mu   sync.Mutex
	subs []authority.Submission
}

func (s *recordingSender) Send(_ context.Context, sub authority.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, sub)
	return nil
}

type testServer struct {
	URL    string
	Engine *engine.Engine
	Pool   *worker.Pool
	Sender *recordingSender
	client *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	logger := log.New(io.Discard, "", 0)
	sender := &recordingSender{}
	e := engine.New(conn, dialect, engine.Collaborators{
		Sender: sender,
		Logger: logger,
		Now:    func() time.Time { return time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC) },
	})
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret, AllowActorHeader: true, Logger: logger}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{
		URL:    srv.URL,
		Engine: e,
		Pool:   worker.New(e.Generation, worker.WithLogger(logger), worker.WithSize(2)),
		Sender: sender,
		client: srv.Client(),
	}
}

var caseworker = map[string]string{"X-Actor-Id": "cw-1"}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := s.client.Do(req)
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

func (s *testServer) expect(t *testing.T, status int, method, path string, body any, headers map[string]string, out any) {
	t.Helper()
	res, data := s.do(t, method, path, body, headers)
	if res.StatusCode != status {
		t.Fatalf("%s %s: status %d want %d: %s", method, path, res.StatusCode, status, string(data))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("%s %s: decode: %v (%s)", method, path, err, string(data))
		}
	}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

// approved drives a case through submission and approval and runs its jobs.
func (s *testServer) approved(t *testing.T, body CreateProcessRequest) domain.Process {
	t.Helper()
	var p domain.Process
	s.expect(t, http.StatusCreated, http.MethodPost, "/v0/processes", body, caseworker, &p)
	s.expect(t, http.StatusOK, http.MethodPost, "/v0/processes/"+p.ID+"/submit", nil, caseworker, nil)
	s.expect(t, http.StatusOK, http.MethodPost, "/v0/processes/"+p.ID+"/authorisation/start", nil, caseworker, nil)
	s.expect(t, http.StatusOK, http.MethodPost, "/v0/processes/"+p.ID+"/decision", DecisionRequest{Approve: true}, caseworker, nil)
	if err := s.Pool.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	return p
}

func TestHealthIsPublic(t *testing.T) {
	s := newTestServer(t)
	res, data := s.do(t, http.MethodGet, "/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "ok") {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
}

func TestAuthenticationRequired(t *testing.T) {
	s := newTestServer(t)
	res, data := s.do(t, http.MethodGet, "/v0/processes", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("unexpected code %s", code)
	}
	res, _ = s.do(t, http.MethodGet, "/v0/processes", nil, map[string]string{"Authorization": "Bearer garbage"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
}

func TestDevTokenAuthenticates(t *testing.T) {
	s := newTestServer(t)
	var login DevLoginResponse
	s.expect(t, http.StatusOK, http.MethodPost, "/v0/auth/dev/login", DevLoginRequest{ActorID: "cw-7"}, nil, &login)
	bearer := map[string]string{"Authorization": "Bearer " + login.Token}
	var p domain.Process
	s.expect(t, http.StatusCreated, http.MethodPost, "/v0/processes", CreateProcessRequest{ProcessType: domain.TypeSPS}, bearer, &p)

	evts, err := s.Engine.EventLog(context.Background(), repo.EventFilter{ProcessID: p.ID})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) == 0 || evts[0].ActorID != "cw-7" {
		t.Fatalf("expected events by cw-7, got %+v", evts)
	}
}

func TestCaseWithoutAuthorityCompletes(t *testing.T) {
	s := newTestServer(t)
	p := s.approved(t, CreateProcessRequest{ProcessType: domain.TypeSPS})

	var got domain.Process
	s.expect(t, http.StatusOK, http.MethodGet, "/v0/processes/"+p.ID, nil, caseworker, &got)
	if got.Status != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.Status)
	}
	var packs PacksResponse
	s.expect(t, http.StatusOK, http.MethodGet, "/v0/processes/"+p.ID+"/packs", nil, caseworker, &packs)
	if len(packs.Packs) != 1 || packs.Packs[0].Status != domain.PackActive {
		t.Fatalf("unexpected packs %+v", packs)
	}
	var docs []domain.CDR
	s.expect(t, http.StatusOK, http.MethodGet, "/v0/packs/"+packs.Packs[0].ID+"/documents", nil, caseworker, &docs)
	var licence domain.CDR
	for _, d := range docs {
		if d.DocumentType == domain.DocLicence {
			licence = d
		}
	}
	if licence.Reference == nil || *licence.Reference != "GBAOG0000001B" {
		t.Fatalf("unexpected licence %+v", licence)
	}
	res, data := s.do(t, http.MethodGet, "/v0/documents/"+licence.ID+"/file", nil, caseworker)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "GBAOG0000001B") {
		t.Fatalf("download: %d %s", res.StatusCode, string(data))
	}
	res, data = s.do(t, http.MethodGet, "/v0/documents/"+licence.ID+"/preview", nil, caseworker)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "PREVIEW") {
		t.Fatalf("preview: %d %s", res.StatusCode, string(data))
	}
}

func TestGuardViolationsMapToConflict(t *testing.T) {
	s := newTestServer(t)
	var p domain.Process
	s.expect(t, http.StatusCreated, http.MethodPost, "/v0/processes", CreateProcessRequest{ProcessType: domain.TypeTextiles}, caseworker, &p)
	s.expect(t, http.StatusOK, http.MethodPost, "/v0/processes/"+p.ID+"/submit", nil, caseworker, nil)

	res, data := s.do(t, http.MethodPost, "/v0/processes/"+p.ID+"/submit", nil, caseworker)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "task_not_found" {
		t.Fatalf("unexpected code %s", code)
	}
	res, _ = s.do(t, http.MethodPost, "/v0/processes/"+p.ID+"/revoke", RevokeRequest{Reason: "fraud"}, caseworker)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for revoking an open case, got %d", res.StatusCode)
	}
	res, _ = s.do(t, http.MethodGet, "/v0/processes/missing", nil, caseworker)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}
	res, _ = s.do(t, http.MethodPost, "/v0/processes", CreateProcessRequest{ProcessType: domain.TypeCFS, PaperLicenceOnly: true}, caseworker)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for paper-only export, got %d", res.StatusCode)
	}
}

func TestRefusalNeedsReason(t *testing.T) {
	s := newTestServer(t)
	var p domain.Process
	s.expect(t, http.StatusCreated, http.MethodPost, "/v0/processes", CreateProcessRequest{ProcessType: domain.TypeWoodQuota}, caseworker, &p)
	s.expect(t, http.StatusOK, http.MethodPost, "/v0/processes/"+p.ID+"/submit", nil, caseworker, nil)
	s.expect(t, http.StatusOK, http.MethodPost, "/v0/processes/"+p.ID+"/authorisation/start", nil, caseworker, nil)

	res, _ := s.do(t, http.MethodPost, "/v0/processes/"+p.ID+"/decision", DecisionRequest{}, caseworker)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.StatusCode)
	}
	var task domain.Task
	s.expect(t, http.StatusOK, http.MethodPost, "/v0/processes/"+p.ID+"/decision", DecisionRequest{Reason: "quota exhausted"}, caseworker, &task)
	if task.TaskType != domain.TaskRejected {
		t.Fatalf("expected REJECTED task, got %s", task.TaskType)
	}
}

func TestAuthorityCallback(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	if err := s.Engine.Repo.InsertAPIKey(ctx, nil, domain.APIKey{ID: "key-1", ActorID: AuthorityActor, KeyHash: repo.HashAPIKey("authority-key")}); err != nil {
		t.Fatalf("insert api key: %v", err)
	}
	p := s.approved(t, CreateProcessRequest{ProcessType: domain.TypeFirearmsDFL})

	var wb struct {
		Badges []string `json:"badges"`
	}
	s.expect(t, http.StatusOK, http.MethodGet, "/v0/processes/"+p.ID+"/workbasket", nil, caseworker, &wb)
	if len(wb.Badges) != 1 || wb.Badges[0] != engine.BadgeAwaiting {
		t.Fatalf("unexpected badges %v", wb.Badges)
	}
	var reqs []domain.ConfirmationRequest
	s.expect(t, http.StatusOK, http.MethodGet, "/v0/processes/"+p.ID+"/requests", nil, caseworker, &reqs)
	if len(reqs) != 1 || reqs[0].Status != domain.RequestPending {
		t.Fatalf("unexpected requests %+v", reqs)
	}
	batch := map[string]any{"accepted": []map[string]string{{"id": reqs[0].CorrelationID, "licenceRef": "CHIEF-1"}}, "rejected": []any{}}

	res, _ := s.do(t, http.MethodPost, "/v0/authority/callback", batch, caseworker)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("caseworker callback: expected 403, got %d", res.StatusCode)
	}
	authorityKey := map[string]string{"X-Api-Key": "authority-key"}
	res, data := s.do(t, http.MethodPost, "/v0/authority/callback", batch, authorityKey)
	if res.StatusCode != http.StatusOK || len(bytes.TrimSpace(data)) != 0 {
		t.Fatalf("callback: %d %q", res.StatusCode, string(data))
	}
	var got domain.Process
	s.expect(t, http.StatusOK, http.MethodGet, "/v0/processes/"+p.ID, nil, caseworker, &got)
	if got.Status != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.Status)
	}
	res, _ = s.do(t, http.MethodPost, "/v0/authority/callback", batch, authorityKey)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("duplicate callback: expected 200, got %d", res.StatusCode)
	}
	overlap := map[string]any{
		"accepted": []map[string]string{{"id": "x"}},
		"rejected": []map[string]any{{"id": "x", "errors": []string{"bad"}}},
	}
	res, _ = s.do(t, http.MethodPost, "/v0/authority/callback", overlap, authorityKey)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("overlapping batch: expected 400, got %d", res.StatusCode)
	}
}

func TestEventsPaginate(t *testing.T) {
	s := newTestServer(t)
	var p domain.Process
	s.expect(t, http.StatusCreated, http.MethodPost, "/v0/processes", CreateProcessRequest{ProcessType: domain.TypeSPS}, caseworker, &p)
	var page paginatedEvents
	s.expect(t, http.StatusOK, http.MethodGet, "/v0/events?process_id="+p.ID+"&limit=1", nil, caseworker, &page)
	if len(page.Items) != 1 || page.NextCursor == "" {
		t.Fatalf("unexpected first page %+v", page)
	}
	var next paginatedEvents
	s.expect(t, http.StatusOK, http.MethodGet, "/v0/events?process_id="+p.ID+"&limit=50&cursor="+page.NextCursor, nil, caseworker, &next)
	if len(next.Items) == 0 || next.Items[0].ID <= page.Items[0].ID {
		t.Fatalf("unexpected second page %+v", next)
	}
	res, _ := s.do(t, http.MethodGet, "/v0/events?cursor=abc", nil, caseworker)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cursor, got %d", res.StatusCode)
	}
}

func TestHandleErrorStatuses(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("transition: %w", ledger.ErrTaskNotFound), http.StatusConflict, "task_not_found"},
		{fmt.Errorf("sequence: %w", lock.ErrLockTimeout), http.StatusServiceUnavailable, "busy"},
		{fmt.Errorf("prepare: %w", lock.ErrLockSetMismatch), http.StatusInternalServerError, "internal_error"},
	}
	for _, c := range cases {
		got, ok := handleError(c.err).(*apiError)
		if !ok {
			t.Fatalf("%v: not an api error", c.err)
		}
		if got.GetStatus() != c.status || got.Body.Code != c.code {
			t.Fatalf("%v: got %d %s, want %d %s", c.err, got.GetStatus(), got.Body.Code, c.status, c.code)
		}
	}
}
