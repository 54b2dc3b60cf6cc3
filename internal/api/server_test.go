package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siftd/sift/internal/conversation"
	"github.com/siftd/sift/internal/indexlog"
	"github.com/siftd/sift/internal/service"
	"github.com/siftd/sift/internal/testutil"
	"github.com/siftd/sift/internal/workflow"
)

// fakeService scripts the facade.
type fakeService struct {
	addResult *service.AddResult
	addErr    error
	view      *service.IndexLogView
	getErr    error
	result    *workflow.Result
	queryErr  error
	turn      *conversation.Turn
	turnErr   error
	sessions  []*conversation.Session

	lastUserID string
}

func (f *fakeService) AddDocument(_ context.Context, source string, st indexlog.SourceType, userID string) (*service.AddResult, error) {
	f.lastUserID = userID
	return f.addResult, f.addErr
}

func (f *fakeService) GetDocument(context.Context, string) (*service.IndexLogView, error) {
	return f.view, f.getErr
}

func (f *fakeService) ListDocuments(context.Context, int, int, indexlog.Filter) ([]service.IndexLogView, error) {
	if f.view == nil {
		return nil, nil
	}
	return []service.IndexLogView{*f.view}, nil
}

func (f *fakeService) DeleteDocument(context.Context, string) error { return f.getErr }

func (f *fakeService) HandleQuery(_ context.Context, _, userID, _, _ string) (*workflow.Result, error) {
	f.lastUserID = userID
	return f.result, f.queryErr
}

func (f *fakeService) StreamQuery(ctx context.Context, _, _, _, _ string, stream func(context.Context, string) error) (*workflow.Result, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if err := stream(ctx, f.result.Answer); err != nil {
		return nil, err
	}
	return f.result, nil
}

func (f *fakeService) GetSessionList(context.Context, string) ([]*conversation.Session, error) {
	return f.sessions, nil
}

func (f *fakeService) GetSessionHistory(context.Context, string, string, int) ([]*conversation.Turn, error) {
	if f.turn == nil {
		return nil, nil
	}
	return []*conversation.Turn{f.turn}, f.turnErr
}

func (f *fakeService) SetLiked(context.Context, string, string, bool) (*conversation.Turn, error) {
	return f.turn, f.turnErr
}

func (f *fakeService) DeleteSession(context.Context, string, string) error { return f.turnErr }

func newTestServer(t *testing.T, svc Service) *httptest.Server {
	t.Helper()
	srv, err := NewServer(ServerConfig{Service: svc, Logger: testutil.DiscardLogger(), RateBurst: 1000})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestNewServerRequiresService(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, &fakeService{})

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAddDocument(t *testing.T) {
	svc := &fakeService{addResult: &service.AddResult{ID: "log-1", Status: "PENDING", Message: "document queued for indexing"}}
	ts := newTestServer(t, svc)

	body := strings.NewReader(`{"source": "doc.txt", "sourceType": "text"}`)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/documents", body)
	req.Header.Set("X-User-ID", "alice")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "alice", svc.lastUserID)

	var got service.AddResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "log-1", got.ID)
}

func TestAddDocumentValidationError(t *testing.T) {
	svc := &fakeService{addErr: service.ErrValidation}
	ts := newTestServer(t, svc)

	resp, err := http.Post(ts.URL+"/api/v1/documents", "application/json",
		strings.NewReader(`{"source": "", "sourceType": "text"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetDocumentNotFound(t *testing.T) {
	svc := &fakeService{getErr: service.ErrNotFound}
	ts := newTestServer(t, svc)

	resp, err := http.Get(ts.URL + "/api/v1/documents/missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "not_found", body.Error)
}

func TestQuery(t *testing.T) {
	svc := &fakeService{result: &workflow.Result{
		Answer:    "The capital of France is Paris.",
		Citations: []string{"geography.txt"},
		Metadata:  map[string]string{"source": "vectorstore"},
	}}
	ts := newTestServer(t, svc)

	resp, err := http.Post(ts.URL+"/api/v1/query", "application/json",
		strings.NewReader(`{"query": "Where is the capital of France?", "sessionId": "s1"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got workflow.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Contains(t, got.Answer, "Paris")
	assert.Equal(t, []string{"geography.txt"}, got.Citations)
}

func TestQueryProviderError(t *testing.T) {
	svc := &fakeService{queryErr: service.ErrProvider}
	ts := newTestServer(t, svc)

	resp, err := http.Post(ts.URL+"/api/v1/query", "application/json",
		strings.NewReader(`{"query": "q", "sessionId": "s1"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestQueryStream(t *testing.T) {
	svc := &fakeService{result: &workflow.Result{Answer: "Paris."}}
	ts := newTestServer(t, svc)

	resp, err := http.Post(ts.URL+"/api/v1/query/stream", "application/json",
		strings.NewReader(`{"query": "capital?", "sessionId": "s1"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			events = append(events, strings.TrimPrefix(line, "event: "))
		}
	}
	require.Equal(t, []string{EventChunk, EventDone}, events)
}

func TestQueryStreamError(t *testing.T) {
	svc := &fakeService{queryErr: service.ErrProvider}
	ts := newTestServer(t, svc)

	resp, err := http.Post(ts.URL+"/api/v1/query/stream", "application/json",
		strings.NewReader(`{"query": "q", "sessionId": "s1"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	var sawError bool
	for scanner.Scan() {
		if scanner.Text() == "event: "+EventError {
			sawError = true
		}
	}
	assert.True(t, sawError, "expected an error event on the stream")
}

func TestSessionHistory(t *testing.T) {
	svc := &fakeService{turn: &conversation.Turn{
		RequestID: "r1",
		UserInput: "capital?",
		Response:  "Paris.",
	}}
	ts := newTestServer(t, svc)

	resp, err := http.Get(ts.URL + "/api/v1/sessions/s1/history")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Turns []turnView `json:"turns"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Turns, 1)
	assert.Equal(t, "Paris.", body.Turns[0].Response)
}

func TestFeedback(t *testing.T) {
	liked := true
	svc := &fakeService{turn: &conversation.Turn{RequestID: "r1", Liked: &liked}}
	ts := newTestServer(t, svc)

	resp, err := http.Post(ts.URL+"/api/v1/feedback", "application/json",
		strings.NewReader(`{"requestId": "r1", "liked": true}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got turnView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.NotNil(t, got.Liked)
	assert.True(t, *got.Liked)
}

func TestFeedbackNotFound(t *testing.T) {
	svc := &fakeService{turnErr: service.ErrNotFound}
	ts := newTestServer(t, svc)

	resp, err := http.Post(ts.URL+"/api/v1/feedback", "application/json",
		strings.NewReader(`{"requestId": "missing", "liked": false}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

type fakeReloader struct {
	calls int
	err   error
}

func (f *fakeReloader) ReloadAll() error {
	f.calls++
	return f.err
}

func TestQAReload(t *testing.T) {
	rl := &fakeReloader{}
	srv, err := NewServer(ServerConfig{Service: &fakeService{}, Logger: testutil.DiscardLogger(), QAReload: rl, RateBurst: 1000})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Post(ts.URL+"/api/v1/qa/reload", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, rl.calls)
}

func TestQAReloadNotRoutedWithoutReloader(t *testing.T) {
	ts := newTestServer(t, &fakeService{})

	resp, err := http.Post(ts.URL+"/api/v1/qa/reload", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	srv, err := NewServer(ServerConfig{Service: &fakeService{sessions: nil}, Logger: testutil.DiscardLogger(), RateBurst: 2})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	var limited bool
	for i := 0; i < 5; i++ {
		resp, err := http.Get(ts.URL + "/api/v1/sessions")
		require.NoError(t, err)
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
		}
	}
	assert.True(t, limited, "expected rate limiting after burst exhausted")
}
