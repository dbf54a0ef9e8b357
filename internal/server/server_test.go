package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/askora/askora/internal/chat"
	"github.com/askora/askora/internal/models"
	"github.com/askora/askora/internal/query"
	"github.com/askora/askora/internal/repo"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvisioner struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeProvisioner) Provision(ctx context.Context, id string) (models.Provisioning, error) {
	f.mu.Lock()
	f.calls = append(f.calls, id)
	f.mu.Unlock()
	if f.err != nil {
		return models.Provisioning{}, f.err
	}
	id, _ = repo.Validate(id)
	return models.Provisioning{Repository: id, Names: repo.NamesFor(id)}, nil
}

func (f *fakeProvisioner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeAsker struct {
	mu       sync.Mutex
	calls    int
	question string
	history  []models.Exchange
	answer   string
	err      error
}

func (f *fakeAsker) Ask(ctx context.Context, repository, question string, history []models.Exchange) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.question = question
	f.history = history
	return f.answer, f.err
}

type fakeHistory struct {
	recent []models.Ingestion
}

func (f *fakeHistory) ListRecentRepositories(ctx context.Context, limit int) ([]models.Ingestion, error) {
	return f.recent, nil
}

func (f *fakeHistory) LatestIngestion(ctx context.Context, repository string) (*models.Ingestion, error) {
	for _, in := range f.recent {
		if in.Repository == repository {
			return &in, nil
		}
	}
	return nil, fmt.Errorf("getting latest ingestion: %w", sql.ErrNoRows)
}

type fakeGitHub struct {
	exists bool
	err    error
}

func (f *fakeGitHub) Exists(ctx context.Context, id string) (bool, error) {
	return f.exists, f.err
}

type testEnv struct {
	srv         *Server
	provisioner *fakeProvisioner
	asker       *fakeAsker
	sessions    *chat.Manager
}

func newTestEnv(t *testing.T, mutate func(*Deps)) *testEnv {
	t.Helper()
	env := &testEnv{
		provisioner: &fakeProvisioner{},
		asker:       &fakeAsker{answer: "42"},
	}
	env.sessions = chat.NewManager(env.asker, 0, nil)
	deps := Deps{
		Provisioner: env.provisioner,
		Asker:       env.asker,
		Sessions:    env.sessions,
		GitHub:      &fakeGitHub{exists: true},
	}
	if mutate != nil {
		mutate(&deps)
	}
	srv, err := New(deps)
	require.NoError(t, err)
	env.srv = srv
	return env
}

func (e *testEnv) do(method, target, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) postJSON(target, body string) *httptest.ResponseRecorder {
	return e.do(http.MethodPost, target, "application/json", body)
}

func (e *testEnv) postForm(target string, form url.Values) *httptest.ResponseRecorder {
	return e.do(http.MethodPost, target, "application/x-www-form-urlencoded", form.Encode())
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestIngest_RejectsInvalidRepositoryWithoutProvisioning(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, body := range []string{
		`{"repository": ""}`,
		`{"repository": "owner"}`,
		`{"repository": "a/b/c"}`,
		`{}`,
		`not json`,
	} {
		rec := env.postJSON("/ingest", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.Equal(t, msgInvalidRepository, decode(t, rec)["error"], body)
	}
	assert.Zero(t, env.provisioner.callCount())
}

func TestIngest_Success(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.postJSON("/ingest", `{"repository": "Owner/Repo"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	out := decode(t, rec)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "Owner/Repo", out["repository"])
	assert.Equal(t, "kb_owner_repo", out["knowledgeBase"])
	assert.Equal(t, "github_owner_repo", out["githubDatabase"])
	assert.Equal(t, "agent_owner_repo", out["agent"])
	assert.Equal(t, msgIngestComplete, out["message"])
}

func TestIngest_FailureReturnsMessage(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Provisioner = &fakeProvisioner{err: errors.New("Failed to create knowledge base: quota")}
	})

	rec := env.postJSON("/api/mindsdb/ingest", `{"repository": "owner/repo"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Failed to create knowledge base: quota", decode(t, rec)["error"])
}

func TestQuery_RejectsMissingInputWithoutAsking(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		body string
		want string
	}{
		{`{"query": "hi"}`, msgQueryRequired},
		{`{"repository": "owner/repo"}`, msgQueryRequired},
		{`{"repository": "owner/repo", "query": "   "}`, msgQueryRequired},
		{`{"repository": "nope", "query": "hi"}`, msgInvalidRepository},
		{`[`, msgQueryRequired},
	}
	for _, tt := range tests {
		rec := env.postJSON("/query", tt.body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, tt.body)
		assert.Equal(t, tt.want, decode(t, rec)["error"], tt.body)
	}
	assert.Zero(t, env.asker.calls)
}

func TestQuery_Success(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.postJSON("/query", `{
		"repository": "owner/repo",
		"query": "what does it do?",
		"conversationHistory": [{"question": "A", "answer": "B"}]
	}`)
	require.Equal(t, http.StatusOK, rec.Code)

	out := decode(t, rec)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "42", out["response"])
	assert.Equal(t, "owner/repo", out["repository"])
	assert.Equal(t, "what does it do?", out["query"])
	assert.Equal(t, []models.Exchange{{Question: "A", Answer: "B"}}, env.asker.history)
}

func TestQuery_ClassifiedErrorMessage(t *testing.T) {
	qErr := &query.Error{Kind: query.KindUnreachable, Message: "Cannot connect to MindsDB server. Please ensure MindsDB is running."}
	env := newTestEnv(t, func(d *Deps) { d.Asker = &fakeAsker{err: qErr} })

	rec := env.postJSON("/api/mindsdb/query", `{"repository": "owner/repo", "query": "hi"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, qErr.Message, decode(t, rec)["error"])
}

func TestIndex_ListsRecentRepositories(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.History = &fakeHistory{recent: []models.Ingestion{
			{Repository: "owner/first", CreatedAt: time.Now()},
			{Repository: "owner/second", CreatedAt: time.Now()},
		}}
	})

	rec := env.do(http.MethodGet, "/", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "owner/first")
	assert.Contains(t, rec.Body.String(), "owner/second")
}

func TestStartChat_InvalidInput(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.postForm("/chat", url.Values{"repo": {"https://gitlab.com/a/b"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid GitHub repository URL")
	assert.Zero(t, env.provisioner.callCount())
}

func startChat(t *testing.T, env *testEnv, input string) string {
	t.Helper()
	rec := env.postForm("/chat", url.Values{"repo": {input}})
	require.Equal(t, http.StatusSeeOther, rec.Code)
	loc := rec.Header().Get("Location")
	require.True(t, strings.HasPrefix(loc, "/chat/"), loc)
	return strings.TrimPrefix(loc, "/chat/")
}

func TestChat_DemoFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	id := startChat(t, env, "Demo")

	rec := env.do(http.MethodGet, "/chat/"+id, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "demo mode")

	rec = env.postForm("/chat/"+id+"/messages", url.Values{"message": {"what is this?"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "what is this?")
	assert.Contains(t, rec.Body.String(), "<strong>demo repository</strong>")

	assert.Zero(t, env.asker.calls)
	assert.Zero(t, env.provisioner.callCount())
}

func TestChat_IngestsThenAnswers(t *testing.T) {
	env := newTestEnv(t, nil)
	id := startChat(t, env, "https://github.com/Owner/Repo.git")

	require.Eventually(t, func() bool {
		return env.srv.getIngestStatus(id).Status == "ready"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"owner/repo"}, env.provisioner.calls)

	rec := env.do(http.MethodGet, "/chat/"+id+"/status", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "successfully analyzed")
	assert.Contains(t, rec.Body.String(), `hx-post="/chat/`+id+`/messages"`)

	rec = env.postForm("/chat/"+id+"/messages", url.Values{"message": {"how?"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "42")
	assert.Equal(t, "how?", env.asker.question)
}

func TestChat_RepositoryMissingOnGitHub(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.GitHub = &fakeGitHub{exists: false} })
	id := startChat(t, env, "owner/missing")

	require.Eventually(t, func() bool {
		return env.srv.getIngestStatus(id).Status == "error"
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, env.provisioner.callCount())

	rec := env.do(http.MethodGet, "/chat/"+id+"/status", "", "")
	assert.Contains(t, rec.Body.String(), "Repository not found on GitHub")
}

func TestChat_IngestFailureShownInStatus(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.GitHub = &fakeGitHub{err: errors.New("rate limited")}
		d.Provisioner = &fakeProvisioner{err: errors.New("Failed to create agent: bad key")}
	})
	id := startChat(t, env, "owner/repo")

	require.Eventually(t, func() bool {
		return env.srv.getIngestStatus(id).Status == "error"
	}, time.Second, 5*time.Millisecond)

	rec := env.do(http.MethodGet, "/chat/"+id+"/status", "", "")
	assert.Contains(t, rec.Body.String(), "Failed to create agent: bad key")

	rec = env.postForm("/chat/"+id+"/messages", url.Values{"message": {"hi"}})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestChat_EmptyMessageIgnored(t *testing.T) {
	env := newTestEnv(t, nil)
	id := startChat(t, env, "demo")

	rec := env.postForm("/chat/"+id+"/messages", url.Values{"message": {"   "}})
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestChat_UnknownSession(t *testing.T) {
	env := newTestEnv(t, nil)

	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/chat/nope", "", "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/chat/nope/status", "", "").Code)
	assert.Equal(t, http.StatusNotFound, env.postForm("/chat/nope/messages", url.Values{"message": {"x"}}).Code)
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "askora_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	env := newTestEnv(t, func(d *Deps) { d.Gatherer = reg })

	rec := env.do(http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "askora_test_total 1")
}

func TestShowChat_LastIngestion(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.History = &fakeHistory{recent: []models.Ingestion{
			{Repository: "owner/repo", Status: "provisioned", CreatedAt: time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC)},
		}}
	})
	id := startChat(t, env, "owner/repo")

	rec := env.do(http.MethodGet, "/chat/"+id, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Last ingested Mar 4, 10:30 (provisioned)")
}

func countIngestStatus(s *Server) int {
	n := 0
	s.ingestStatus.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func TestPruneSessions_DropsIngestStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, startChat(t, env, "demo"))
	}
	require.Equal(t, 3, countIngestStatus(env.srv))

	assert.Equal(t, 3, env.srv.PruneSessions(-time.Hour))
	assert.Zero(t, countIngestStatus(env.srv))
	for _, id := range ids {
		assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/chat/"+id, "", "").Code)
	}
}

func TestPruneSessions_KeepsActiveSessions(t *testing.T) {
	env := newTestEnv(t, nil)
	id := startChat(t, env, "demo")

	assert.Zero(t, env.srv.PruneSessions(time.Hour))
	assert.Equal(t, "ready", env.srv.getIngestStatus(id).Status)
}

func TestPruneSessions_LateIngestDoesNotRecordStatus(t *testing.T) {
	release := make(chan struct{})
	env := newTestEnv(t, func(d *Deps) { d.GitHub = blockingGitHub(release) })
	id := startChat(t, env, "owner/repo")

	assert.Equal(t, 1, env.srv.PruneSessions(-time.Hour))
	close(release)

	require.Eventually(t, func() bool { return env.provisioner.callCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, countIngestStatus(env.srv))
	assert.Empty(t, env.srv.getIngestStatus(id).Status)
}

type blockingGitHub chan struct{}

func (b blockingGitHub) Exists(ctx context.Context, id string) (bool, error) {
	<-b
	return true, nil
}
