package service

import (
	"context"
	"errors"
	"testing"

	"github.com/siftd/sift/internal/conversation"
	"github.com/siftd/sift/internal/indexlog"
	"github.com/siftd/sift/internal/testutil"
	"github.com/siftd/sift/internal/workflow"
)

type fakeIngestor struct {
	log       *indexlog.Log
	addErr    error
	deleteErr error
}

func (f *fakeIngestor) AddSource(context.Context, string, indexlog.SourceType, string) (*indexlog.Log, error) {
	return f.log, f.addErr
}

func (f *fakeIngestor) DeleteSource(context.Context, string) error { return f.deleteErr }

type fakeLogs struct {
	log  *indexlog.Log
	list []*indexlog.Log
	err  error
}

func (f *fakeLogs) FindByID(context.Context, string) (*indexlog.Log, error) {
	return f.log, f.err
}

func (f *fakeLogs) ListLogs(context.Context, int, int, indexlog.Filter) ([]*indexlog.Log, error) {
	return f.list, f.err
}

type fakeRunner struct {
	res     *workflow.Result
	err     error
	lastReq workflow.Query
}

func (f *fakeRunner) Run(_ context.Context, q workflow.Query) (*workflow.Result, error) {
	f.lastReq = q
	return f.res, f.err
}

func (f *fakeRunner) RunStream(ctx context.Context, q workflow.Query, stream func(context.Context, string) error) (*workflow.Result, error) {
	f.lastReq = q
	if f.err == nil && stream != nil {
		if err := stream(ctx, f.res.Answer); err != nil {
			return nil, err
		}
	}
	return f.res, f.err
}

type fakeConv struct {
	turn     *conversation.Turn
	sessions []*conversation.Session
	err      error
}

func (f *fakeConv) History(context.Context, string, string, int) ([]*conversation.Turn, error) {
	return []*conversation.Turn{f.turn}, f.err
}

func (f *fakeConv) Sessions(context.Context, string) ([]*conversation.Session, error) {
	return f.sessions, f.err
}

func (f *fakeConv) SetLiked(context.Context, string, string, bool) (*conversation.Turn, error) {
	return f.turn, f.err
}

func (f *fakeConv) DeleteSession(context.Context, string, string) error { return f.err }

func newService(ing Ingestor, logs LogReader, runner QueryRunner, conv Conversations) *Service {
	return New(ing, logs, runner, conv, testutil.DiscardLogger())
}

func TestAddDocumentValidation(t *testing.T) {
	svc := newService(&fakeIngestor{}, nil, nil, nil)

	if _, err := svc.AddDocument(context.Background(), "  ", indexlog.SourceTypeText, "u1"); !errors.Is(err, ErrValidation) {
		t.Errorf("blank source error = %v, want ErrValidation", err)
	}
	if _, err := svc.AddDocument(context.Background(), "a.xyz", "xyz", "u1"); !errors.Is(err, ErrValidation) {
		t.Errorf("bad source type error = %v, want ErrValidation", err)
	}
}

func TestAddDocumentQueues(t *testing.T) {
	ing := &fakeIngestor{log: &indexlog.Log{ID: "log-1", Status: indexlog.StatusPending}}
	svc := newService(ing, nil, nil, nil)

	res, err := svc.AddDocument(context.Background(), "doc.txt", indexlog.SourceTypeText, "u1")
	if err != nil {
		t.Fatalf("AddDocument: %v", err)
	}
	if res.ID != "log-1" || res.Status != string(indexlog.StatusPending) {
		t.Errorf("result = %+v", res)
	}
}

func TestAddDocumentConflict(t *testing.T) {
	ing := &fakeIngestor{addErr: indexlog.ErrConflict}
	svc := newService(ing, nil, nil, nil)

	if _, err := svc.AddDocument(context.Background(), "doc.txt", indexlog.SourceTypeText, "u1"); !errors.Is(err, ErrConflict) {
		t.Errorf("error = %v, want ErrConflict", err)
	}
}

func TestGetDocumentNotFound(t *testing.T) {
	svc := newService(nil, &fakeLogs{err: indexlog.ErrNotFound}, nil, nil)

	if _, err := svc.GetDocument(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestGetDocumentView(t *testing.T) {
	msg := "load failed"
	svc := newService(nil, &fakeLogs{log: &indexlog.Log{
		ID:           "log-1",
		Source:       "doc.txt",
		SourceType:   indexlog.SourceTypeText,
		Status:       indexlog.StatusFailed,
		RetryCount:   2,
		ErrorMessage: &msg,
	}}, nil, nil)

	v, err := svc.GetDocument(context.Background(), "log-1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if v.ErrorMessage != msg || v.RetryCount != 2 || v.Status != "FAILED" {
		t.Errorf("view = %+v", v)
	}
}

func TestDeleteDocumentNotFound(t *testing.T) {
	svc := newService(&fakeIngestor{deleteErr: indexlog.ErrNotFound}, nil, nil, nil)

	if err := svc.DeleteDocument(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestHandleQueryValidation(t *testing.T) {
	svc := newService(nil, nil, &fakeRunner{}, nil)
	ctx := context.Background()

	cases := []struct {
		name                     string
		input, user, session, id string
	}{
		{"blank input", "  ", "u1", "s1", ""},
		{"missing user", "question", "", "s1", ""},
		{"missing session", "question", "u1", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.HandleQuery(ctx, tc.input, tc.user, tc.session, tc.id); !errors.Is(err, ErrValidation) {
				t.Errorf("error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestHandleQueryGeneratesRequestID(t *testing.T) {
	runner := &fakeRunner{res: &workflow.Result{Answer: "Paris."}}
	svc := newService(nil, nil, runner, nil)

	res, err := svc.HandleQuery(context.Background(), "capital of France", "u1", "s1", "")
	if err != nil {
		t.Fatalf("HandleQuery: %v", err)
	}
	if res.Answer != "Paris." {
		t.Errorf("answer = %q", res.Answer)
	}
	if runner.lastReq.RequestID == "" {
		t.Error("request id not generated")
	}
}

func TestHandleQueryProviderFailure(t *testing.T) {
	runner := &fakeRunner{err: errors.New("model down")}
	svc := newService(nil, nil, runner, nil)

	if _, err := svc.HandleQuery(context.Background(), "question", "u1", "s1", "r1"); !errors.Is(err, ErrProvider) {
		t.Errorf("error = %v, want ErrProvider", err)
	}
}

func TestStreamQueryForwards(t *testing.T) {
	runner := &fakeRunner{res: &workflow.Result{Answer: "Paris."}}
	svc := newService(nil, nil, runner, nil)

	var got string
	_, err := svc.StreamQuery(context.Background(), "capital?", "u1", "s1", "r1", func(_ context.Context, text string) error {
		got += text
		return nil
	})
	if err != nil {
		t.Fatalf("StreamQuery: %v", err)
	}
	if got != "Paris." {
		t.Errorf("streamed = %q", got)
	}
}

func TestSetLikedNotFound(t *testing.T) {
	svc := newService(nil, nil, nil, &fakeConv{err: conversation.ErrNotFound})

	if _, err := svc.SetLiked(context.Background(), "u1", "missing", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestDeleteSessionValidation(t *testing.T) {
	svc := newService(nil, nil, nil, &fakeConv{})

	if err := svc.DeleteSession(context.Background(), "", "s1"); !errors.Is(err, ErrValidation) {
		t.Errorf("error = %v, want ErrValidation", err)
	}
	if err := svc.DeleteSession(context.Background(), "u1", "s1"); err != nil {
		t.Errorf("DeleteSession: %v", err)
	}
}
