package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/goleak"

	"github.com/siftd/sift/internal/chunk"
	"github.com/siftd/sift/internal/indexlog"
	"github.com/siftd/sift/internal/testutil"
)

// memLogs is an in-memory LogStore.
type memLogs struct {
	mu   sync.Mutex
	rows map[string]*indexlog.Log
}

func newMemLogs() *memLogs { return &memLogs{rows: make(map[string]*indexlog.Log)} }

func (m *memLogs) Create(_ context.Context, source string, st indexlog.SourceType, checksum string, status indexlog.Status, userID string) (*indexlog.Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.Checksum == checksum {
			return nil, indexlog.ErrConflict
		}
	}
	l := &indexlog.Log{
		ID:         uuid.NewString(),
		Source:     source,
		SourceType: st,
		Checksum:   checksum,
		Status:     status,
		CreatedAt:  time.Now(),
		CreatedBy:  userID,
		ModifiedBy: userID,
	}
	m.rows[l.ID] = l
	return l, nil
}

func (m *memLogs) Save(_ context.Context, l *indexlog.Log) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *l
	m.rows[l.ID] = &cp
	return nil
}

func (m *memLogs) FindByChecksum(_ context.Context, checksum string) (*indexlog.Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.Checksum == checksum {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memLogs) FindBySource(_ context.Context, source string, st indexlog.SourceType) (*indexlog.Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.Source == source && r.SourceType == st {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memLogs) FindByID(_ context.Context, id string) (*indexlog.Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return nil, indexlog.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memLogs) ClaimPending(_ context.Context, maxRetry int) ([]*indexlog.Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*indexlog.Log
	for _, r := range m.rows {
		pending := r.Status == indexlog.StatusPending
		retryable := r.Status == indexlog.StatusFailed && r.RetryCount <= maxRetry
		if pending || retryable {
			r.Status = indexlog.StatusInProgress
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memLogs) DeleteByID(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return indexlog.ErrNotFound
	}
	delete(m.rows, id)
	return nil
}

func (m *memLogs) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// memVectors is an in-memory VectorStore keyed by chunk id.
type memVectors struct {
	mu     sync.Mutex
	chunks map[string]*chunk.Chunk
}

func newMemVectors() *memVectors { return &memVectors{chunks: make(map[string]*chunk.Chunk)} }

func (m *memVectors) Add(_ context.Context, chunks []*chunk.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range chunks {
		m.chunks[c.ID] = c
	}
	return nil
}

func (m *memVectors) DeleteByChecksum(_ context.Context, checksum string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, c := range m.chunks {
		if c.Metadata[chunk.MetaChecksum] == checksum {
			delete(m.chunks, id)
			n++
		}
	}
	return n, nil
}

func (m *memVectors) byChecksum(checksum string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.chunks {
		if c.Metadata[chunk.MetaChecksum] == checksum {
			n++
		}
	}
	return n
}

// fakeLoader returns one chunk per call, or a scripted error.
type fakeLoader struct {
	err   error
	calls int
}

func (f *fakeLoader) Load(_ context.Context, source string, st indexlog.SourceType, checksum string) ([]*chunk.Chunk, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	c := chunk.New("content of "+source, nil)
	c.Tag(source, string(st), checksum)
	return []*chunk.Chunk{c}, nil
}

// memLocker grants every key unless preHeld.
type memLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLocker() *memLocker { return &memLocker{held: make(map[string]bool)} }

func (m *memLocker) Acquire(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[key] {
		return false, nil
	}
	m.held[key] = true
	return true, nil
}

func (m *memLocker) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, key)
	return nil
}

func newTestScheduler(t *testing.T, loader Loader, cfg Config) (*Scheduler, *memLogs, *memVectors, *memLocker) {
	t.Helper()
	logs := newMemLogs()
	vectors := newMemVectors()
	locks := newMemLocker()
	if loader == nil {
		loader = &fakeLoader{}
	}
	return New(logs, vectors, loader, locks, cfg, testutil.DiscardLogger()), logs, vectors, locks
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAddSourceIdempotent(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.txt", "Paris is the capital of France.")
	b := writeFile(t, dir, "b.txt", "Paris is the capital of France.")

	sched, logs, _, _ := newTestScheduler(t, nil, Config{})
	ctx := context.Background()

	first, err := sched.AddSource(ctx, a, indexlog.SourceTypeText, "u1")
	if err != nil {
		t.Fatalf("AddSource: %v", err)
	}
	again, err := sched.AddSource(ctx, a, indexlog.SourceTypeText, "u1")
	if err != nil {
		t.Fatalf("AddSource again: %v", err)
	}
	if again.ID != first.ID {
		t.Errorf("resubmission created new row %s, want %s", again.ID, first.ID)
	}

	// Byte-identical content under a different path is still a
	// duplicate.
	other, err := sched.AddSource(ctx, b, indexlog.SourceTypeText, "u1")
	if err != nil {
		t.Fatalf("AddSource other path: %v", err)
	}
	if other.ID != first.ID {
		t.Errorf("identical content created new row %s, want %s", other.ID, first.ID)
	}
	if logs.count() != 1 {
		t.Errorf("log rows = %d, want 1", logs.count())
	}
}

func TestAddSourceContentChange(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "doc.txt", "version one")

	sched, _, vectors, _ := newTestScheduler(t, nil, Config{})
	ctx := context.Background()

	first, err := sched.AddSource(ctx, path, indexlog.SourceTypeText, "u1")
	if err != nil {
		t.Fatalf("AddSource: %v", err)
	}
	oldChecksum := first.Checksum

	c := chunk.New("version one", nil)
	c.Tag(path, "text", oldChecksum)
	if err := vectors.Add(ctx, []*chunk.Chunk{c}); err != nil {
		t.Fatal(err)
	}

	writeFile(t, dir, "doc.txt", "version two")
	updated, err := sched.AddSource(ctx, path, indexlog.SourceTypeText, "u2")
	if err != nil {
		t.Fatalf("AddSource after change: %v", err)
	}
	if updated.ID != first.ID {
		t.Errorf("content change created new row %s, want update of %s", updated.ID, first.ID)
	}
	if updated.Checksum == oldChecksum {
		t.Error("checksum not updated after content change")
	}
	if updated.Status != indexlog.StatusPending {
		t.Errorf("status = %s, want PENDING", updated.Status)
	}
	if vectors.byChecksum(oldChecksum) != 0 {
		t.Error("stale chunks not removed")
	}
}

func TestProcessPendingCompletes(t *testing.T) {
	dir := t.TempDir()
	archive := t.TempDir()
	path := writeFile(t, dir, "doc.txt", "Paris is the capital of France.")

	ld := &fakeLoader{}
	sched, logs, vectors, _ := newTestScheduler(t, ld, Config{ArchivePath: archive})
	ctx := context.Background()

	created, err := sched.AddSource(ctx, path, indexlog.SourceTypeText, "u1")
	if err != nil {
		t.Fatalf("AddSource: %v", err)
	}
	if err := sched.ProcessPending(ctx); err != nil {
		t.Fatalf("ProcessPending: %v", err)
	}

	got, err := logs.FindByID(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != indexlog.StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", got.Status)
	}
	if got.ErrorMessage != nil {
		t.Errorf("error message = %q, want cleared", *got.ErrorMessage)
	}
	if vectors.byChecksum(created.Checksum) == 0 {
		t.Error("no chunks tagged with the source checksum")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("processed file not moved out of the input root")
	}
	if _, err := os.Stat(filepath.Join(archive, "doc.txt")); err != nil {
		t.Errorf("archived file missing: %v", err)
	}
}

func TestProcessPendingBoundedRetry(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bad.txt", "unloadable")

	ld := &fakeLoader{err: errors.New("parse failure")}
	sched, logs, _, _ := newTestScheduler(t, ld, Config{MaxRetry: 2})
	ctx := context.Background()

	created, err := sched.AddSource(ctx, path, indexlog.SourceTypeText, "u1")
	if err != nil {
		t.Fatalf("AddSource: %v", err)
	}

	// PENDING plus maxRetry re-claims of the FAILED row.
	for i := 0; i < 6; i++ {
		if err := sched.ProcessPending(ctx); err != nil {
			t.Fatalf("ProcessPending #%d: %v", i, err)
		}
	}

	got, err := logs.FindByID(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != indexlog.StatusFailed {
		t.Errorf("status = %s, want FAILED", got.Status)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage == "" {
		t.Error("error message not recorded")
	}
	// Attempts: the PENDING claim, then re-claims while the retry
	// count going in is <= 2, so 3 loader calls and no more.
	if ld.calls != 3 {
		t.Errorf("loader calls = %d, want 3", ld.calls)
	}
}

func TestProcessPendingFailureDoesNotAbortBatch(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "good.txt", "fine content")
	bad := writeFile(t, dir, "bad.txt", "broken content")

	ld := &pickyLoader{failSource: bad}
	sched, logs, _, _ := newTestScheduler(t, ld, Config{})
	ctx := context.Background()

	g, err := sched.AddSource(ctx, good, indexlog.SourceTypeText, "u1")
	if err != nil {
		t.Fatal(err)
	}
	b, err := sched.AddSource(ctx, bad, indexlog.SourceTypeText, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if err := sched.ProcessPending(ctx); err != nil {
		t.Fatalf("ProcessPending: %v", err)
	}

	gotGood, _ := logs.FindByID(ctx, g.ID)
	gotBad, _ := logs.FindByID(ctx, b.ID)
	if gotGood.Status != indexlog.StatusCompleted {
		t.Errorf("good source status = %s, want COMPLETED", gotGood.Status)
	}
	if gotBad.Status != indexlog.StatusFailed || gotBad.RetryCount != 1 {
		t.Errorf("bad source status = %s retry = %d, want FAILED/1", gotBad.Status, gotBad.RetryCount)
	}
}

type pickyLoader struct {
	failSource string
}

func (p *pickyLoader) Load(_ context.Context, source string, st indexlog.SourceType, checksum string) ([]*chunk.Chunk, error) {
	if source == p.failSource {
		return nil, errors.New("scripted failure")
	}
	c := chunk.New("content of "+source, nil)
	c.Tag(source, string(st), checksum)
	return []*chunk.Chunk{c}, nil
}

func TestProcessPendingSkipsWhenLockHeld(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "doc.txt", "content")

	ld := &fakeLoader{}
	sched, _, _, locks := newTestScheduler(t, ld, Config{})
	ctx := context.Background()

	if _, err := sched.AddSource(ctx, path, indexlog.SourceTypeText, "u1"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := locks.Acquire(ctx, lockProcessPending); !ok {
		t.Fatal("test setup: could not pre-hold lock")
	}
	if err := sched.ProcessPending(ctx); err != nil {
		t.Fatalf("ProcessPending with held lock: %v", err)
	}
	if ld.calls != 0 {
		t.Errorf("loader called %d times while lock held elsewhere", ld.calls)
	}
}

func TestScanSources(t *testing.T) {
	input := t.TempDir()
	writeFile(t, input, "notes.txt", "some notes")
	writeFile(t, input, "data.csv", "a,b\n1,2")
	writeFile(t, input, "image.png", "\x89PNG")

	sched, logs, _, _ := newTestScheduler(t, nil, Config{InputPath: input})
	ctx := context.Background()

	if err := sched.ScanSources(ctx); err != nil {
		t.Fatalf("ScanSources: %v", err)
	}
	if logs.count() != 2 {
		t.Fatalf("log rows = %d, want 2 (png skipped)", logs.count())
	}

	// Rescanning unchanged files queues nothing new.
	if err := sched.ScanSources(ctx); err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if logs.count() != 2 {
		t.Errorf("log rows after rescan = %d, want 2", logs.count())
	}
}

func TestDeleteSource(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "doc.txt", "content")

	ld := &fakeLoader{}
	sched, logs, vectors, _ := newTestScheduler(t, ld, Config{})
	ctx := context.Background()

	created, err := sched.AddSource(ctx, path, indexlog.SourceTypeText, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if err := sched.ProcessPending(ctx); err != nil {
		t.Fatal(err)
	}
	if err := sched.DeleteSource(ctx, created.ID); err != nil {
		t.Fatalf("DeleteSource: %v", err)
	}
	if vectors.byChecksum(created.Checksum) != 0 {
		t.Error("chunks remain after delete")
	}
	if _, err := logs.FindByID(ctx, created.ID); !errors.Is(err, indexlog.ErrNotFound) {
		t.Errorf("FindByID after delete = %v, want ErrNotFound", err)
	}

	if err := sched.DeleteSource(ctx, "missing-id"); !errors.Is(err, indexlog.ErrNotFound) {
		t.Errorf("DeleteSource(missing) = %v, want ErrNotFound", err)
	}
}

func TestSchedulerLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	sched, _, _, _ := newTestScheduler(t, nil, Config{
		ScanSpec:    "@every 1h",
		ProcessSpec: "@every 1h",
	})
	if err := sched.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sched.Start(); err == nil {
		t.Error("second Start should fail")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sched.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := sched.Stop(ctx); err != nil {
		t.Fatalf("Stop twice: %v", err)
	}
}
