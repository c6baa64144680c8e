package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/windmill-labs/windmill-sub006/internal/dev/ledger"
)

type recordingNotifier struct {
	mu            sync.Mutex
	presentations []Presentation
	results       []Result
}

func (n *recordingNotifier) Present(p Presentation) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.presentations = append(n.presentations, p)
}

func (n *recordingNotifier) Result(r Result) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.results = append(n.results, r)
}

func (n *recordingNotifier) presented() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var names []string
	for _, p := range n.presentations {
		names = append(names, p.FileName)
	}
	return names
}

type fakeApplier struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (a *fakeApplier) ApplySQL(ctx context.Context, datatable, sql string) (json.RawMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, datatable+":"+sql)
	if err := a.fail[sql]; err != nil {
		return nil, err
	}
	return json.RawMessage(`[]`), nil
}

type memoryRecorder struct {
	mu      sync.Mutex
	entries []ledger.Entry
}

func (r *memoryRecorder) RecordContext(ctx context.Context, e ledger.Entry) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return int64(len(r.entries)), nil
}

type fixture struct {
	dir      string
	queue    *Queue
	notifier *recordingNotifier
	applier  *fakeApplier
	recorder *memoryRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := filepath.Join(t.TempDir(), DefaultFolder)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}

	f := &fixture{
		dir:      dir,
		notifier: &recordingNotifier{},
		applier:  &fakeApplier{fail: map[string]error{}},
		recorder: &memoryRecorder{},
	}
	f.queue = New(f.notifier, f.applier, Config{
		Dir:       dir,
		Datatable: "main",
		Recorder:  f.recorder,
		Logger:    zerolog.Nop(),
	})
	return f
}

func (f *fixture) write(t *testing.T, name, sql string) string {
	t.Helper()
	path := filepath.Join(f.dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(sql), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func equalNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestQueue_OneAtATime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.write(t, "a.sql", "create table a (id int)")
	b := f.write(t, "b.sql", "create table b (id int)")
	c := f.write(t, "c.sql", "create table c (id int)")
	f.queue.Enqueue(a)
	f.queue.Enqueue(b)
	f.queue.Enqueue(c)

	if got := f.notifier.presented(); !equalNames(got, []string{"a.sql"}) {
		t.Fatalf("presented = %v, want [a.sql]", got)
	}
	p, ok := f.queue.Active()
	if !ok || p.SQL != "create table a (id int)" || p.Datatable != "main" {
		t.Errorf("active = %+v, %v", p, ok)
	}

	if err := f.queue.Apply(ctx, "a.sql", "", ""); err != nil {
		t.Fatalf("Apply(a) failed: %v", err)
	}
	if _, err := os.Stat(a); !os.IsNotExist(err) {
		t.Error("applied file should be deleted")
	}
	if got := f.notifier.presented(); !equalNames(got, []string{"a.sql", "b.sql"}) {
		t.Fatalf("presented = %v, want [a.sql b.sql]", got)
	}

	if err := f.queue.Skip(ctx, "b.sql"); err != nil {
		t.Fatalf("Skip(b) failed: %v", err)
	}
	if _, err := os.Stat(b); err != nil {
		t.Error("skipped file should be kept")
	}
	if got := f.notifier.presented(); !equalNames(got, []string{"a.sql", "b.sql", "c.sql"}) {
		t.Fatalf("presented = %v, want [a.sql b.sql c.sql]", got)
	}

	if len(f.notifier.results) != 2 {
		t.Fatalf("got %d results, want 2", len(f.notifier.results))
	}
	if r := f.notifier.results[0]; r.FileName != "a.sql" || !r.Success || r.Skipped {
		t.Errorf("apply result = %+v", r)
	}
	if r := f.notifier.results[1]; r.FileName != "b.sql" || !r.Success || !r.Skipped {
		t.Errorf("skip result = %+v", r)
	}

	if len(f.applier.calls) != 1 || f.applier.calls[0] != "main:create table a (id int)" {
		t.Errorf("applier calls = %v", f.applier.calls)
	}

	outcomes := []ledger.Outcome{}
	for _, e := range f.recorder.entries {
		outcomes = append(outcomes, e.Outcome)
	}
	if len(outcomes) != 2 || outcomes[0] != ledger.OutcomeApplied || outcomes[1] != ledger.OutcomeSkipped {
		t.Errorf("recorded outcomes = %v", outcomes)
	}
}

func TestQueue_Dedup(t *testing.T) {
	f := newFixture(t)
	a := f.write(t, "a.sql", "select 1")
	b := f.write(t, "b.sql", "select 2")

	if !f.queue.Enqueue(a) {
		t.Error("first Enqueue(a) should add")
	}
	if f.queue.Enqueue(a) {
		t.Error("Enqueue of the active file should be ignored")
	}
	if !f.queue.Enqueue(b) {
		t.Error("first Enqueue(b) should add")
	}
	if f.queue.Enqueue(b) {
		t.Error("Enqueue of a pending file should be ignored")
	}

	if n := len(f.queue.Pending()); n != 1 {
		t.Errorf("pending = %d, want 1", n)
	}
	if got := f.notifier.presented(); len(got) != 1 {
		t.Errorf("presented %v, want one presentation", got)
	}
}

func TestQueue_FirstDecisionWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.queue.Enqueue(f.write(t, "a.sql", "select 1"))

	if err := f.queue.Skip(ctx, "a.sql"); err != nil {
		t.Fatalf("Skip() failed: %v", err)
	}
	if err := f.queue.Skip(ctx, "a.sql"); !errors.Is(err, ErrNotActive) {
		t.Errorf("second Skip() error = %v, want ErrNotActive", err)
	}
	if err := f.queue.Apply(ctx, "a.sql", "", ""); !errors.Is(err, ErrNotActive) {
		t.Errorf("Apply() after skip error = %v, want ErrNotActive", err)
	}
	if err := f.queue.Apply(ctx, "other.sql", "", ""); !errors.Is(err, ErrNotActive) {
		t.Errorf("Apply() of unknown file error = %v, want ErrNotActive", err)
	}
	if len(f.applier.calls) != 0 {
		t.Error("no SQL should run")
	}
}

func TestQueue_ApplyFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.write(t, "a.sql", "bad sql")
	f.queue.Enqueue(a)
	f.queue.Enqueue(f.write(t, "b.sql", "select 2"))
	f.applier.fail["bad sql"] = errors.New("syntax error at or near bad")

	err := f.queue.Apply(ctx, "a.sql", "", "")
	if err == nil {
		t.Fatal("Apply() should fail")
	}

	if _, err := os.Stat(a); err != nil {
		t.Error("failed migration file should be kept")
	}
	// Failure is not broadcast.
	if len(f.notifier.results) != 0 {
		t.Errorf("results = %+v, want none", f.notifier.results)
	}
	p, ok := f.queue.Active()
	if !ok || p.FileName != "b.sql" {
		t.Errorf("active = %+v, want b.sql", p)
	}
	if len(f.recorder.entries) != 1 || f.recorder.entries[0].Outcome != ledger.OutcomeFailed {
		t.Errorf("recorded = %+v", f.recorder.entries)
	}

	// The failed file comes back on the next change to it.
	if !f.queue.Enqueue(a) {
		t.Error("failed file should be queued again")
	}
}

func TestQueue_ApplyOverrides(t *testing.T) {
	f := newFixture(t)
	f.queue.Enqueue(f.write(t, "a.sql", "select 1"))

	if err := f.queue.Apply(context.Background(), "a.sql", "select 42", "analytics"); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	if f.applier.calls[0] != "analytics:select 42" {
		t.Errorf("applier call = %q", f.applier.calls[0])
	}
}

func TestQueue_Attach(t *testing.T) {
	f := newFixture(t)

	// Idle: rediscovery broadcasts.
	f.write(t, "a.sql", "select 1")
	var direct []Presentation
	joined := 0
	f.queue.Attach(func() { joined++ }, func(p Presentation) { direct = append(direct, p) })
	if joined != 1 {
		t.Errorf("join ran %d times, want 1", joined)
	}
	if len(direct) != 0 {
		t.Errorf("idle attach sent %d direct presentations, want 0", len(direct))
	}
	if got := f.notifier.presented(); !equalNames(got, []string{"a.sql"}) {
		t.Fatalf("presented = %v, want [a.sql]", got)
	}

	// Active: the new client alone gets exactly one presentation.
	f.queue.Attach(nil, func(p Presentation) { direct = append(direct, p) })
	if len(direct) != 1 || direct[0].FileName != "a.sql" {
		t.Errorf("direct = %+v, want one a.sql", direct)
	}
	if got := f.notifier.presented(); len(got) != 1 {
		t.Errorf("broadcast again on attach: %v", got)
	}
}

func TestQueue_RediscoverSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.write(t, "a.sql", "select 1")
	if _, err := f.queue.Scan(); err != nil {
		t.Fatalf("Scan() failed: %v", err)
	}
	if err := f.queue.Skip(ctx, "a.sql"); err != nil {
		t.Fatalf("Skip() failed: %v", err)
	}
	if _, ok := f.queue.Active(); ok {
		t.Fatal("queue should be idle")
	}

	f.queue.Attach(nil, func(Presentation) {})
	if p, ok := f.queue.Active(); !ok || p.FileName != "a.sql" {
		t.Errorf("skipped file should be rediscovered, active = %+v", p)
	}
}

func TestQueue_VanishedFileDropped(t *testing.T) {
	f := newFixture(t)
	a := f.write(t, "a.sql", "select 1")
	b := f.write(t, "b.sql", "select 2")
	c := f.write(t, "c.sql", "select 3")

	f.queue.Enqueue(a)
	f.queue.Enqueue(b)
	f.queue.Enqueue(c)
	if err := os.Remove(b); err != nil {
		t.Fatal(err)
	}

	if err := f.queue.Skip(context.Background(), "a.sql"); err != nil {
		t.Fatalf("Skip() failed: %v", err)
	}
	if p, _ := f.queue.Active(); p.FileName != "c.sql" {
		t.Errorf("active = %q, want c.sql", p.FileName)
	}
}

func TestList_Recursive(t *testing.T) {
	f := newFixture(t)
	f.write(t, "b.sql", "x")
	f.write(t, "nested/a.sql", "x")
	f.write(t, "notes.md", "x")

	files, err := List(f.dir)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	var names []string
	for _, file := range files {
		names = append(names, file.FileName)
	}
	if !equalNames(names, []string{"b.sql", "nested/a.sql"}) {
		t.Errorf("List() = %v", names)
	}

	if files, err := List(filepath.Join(f.dir, "missing")); err != nil || len(files) != 0 {
		t.Errorf("List(missing) = %v, %v", files, err)
	}
}

func TestQueue_RunDetectsFiles(t *testing.T) {
	f := newFixture(t)
	f.write(t, "001.sql", "select 1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- f.queue.Run(ctx, RunConfig{InitialDelay: 10 * time.Millisecond, Debounce: 20 * time.Millisecond})
	}()
	defer func() {
		cancel()
		<-done
	}()

	waitFor := func(name string) {
		t.Helper()
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			for _, n := range f.notifier.presented() {
				if n == name {
					return
				}
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Fatalf("%s never presented, got %v", name, f.notifier.presented())
	}

	waitFor("001.sql")

	f.write(t, "002.sql", "select 2")
	// 002 waits behind the active file.
	deadline := time.Now().Add(3 * time.Second)
	for len(f.queue.Pending()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if err := f.queue.Skip(context.Background(), "001.sql"); err != nil {
		t.Fatalf("Skip() failed: %v", err)
	}
	waitFor("002.sql")
}

func TestQueue_RunWithoutFolder(t *testing.T) {
	q := New(&recordingNotifier{}, &fakeApplier{}, Config{Dir: filepath.Join(t.TempDir(), "none"), Logger: zerolog.Nop()})
	if err := q.Run(context.Background(), RunConfig{}); err != nil {
		t.Errorf("Run() without folder should be a no-op, got %v", err)
	}
}

func TestQueue_RecordsAfterCancel(t *testing.T) {
	f := newFixture(t)

	f.write(t, "a.sql", "select 1")
	if _, err := f.queue.Scan(); err != nil {
		t.Fatalf("Scan() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.queue.Skip(ctx, "a.sql"); err != nil {
		t.Fatalf("Skip() failed: %v", err)
	}

	f.recorder.mu.Lock()
	defer f.recorder.mu.Unlock()
	if len(f.recorder.entries) != 1 || f.recorder.entries[0].Outcome != ledger.OutcomeSkipped {
		t.Errorf("entries = %+v, want one skipped", f.recorder.entries)
	}
}
