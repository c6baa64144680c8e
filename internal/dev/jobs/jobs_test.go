package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/windmill-labs/windmill-sub006/internal/dev/runnable"
	"github.com/windmill-labs/windmill-sub006/internal/remote"
)

const testJobID = "0191b1c2-7e2a-7d4c-9a3b-6f1e2d3c4b5a"

// fakeClock fires immediately and records requested delays.
type fakeClock struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (c *fakeClock) Now() time.Time { return time.Unix(0, 0) }

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.delays = append(c.delays, d)
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Unix(0, 0)
	return ch
}

type fakeAPI struct {
	mu sync.Mutex

	executed []*remote.ExecuteComponentRequest
	previews []*remote.PreviewRequest

	// results are returned in order; the last one repeats
	results []resultOrErr
	calls   int

	job json.RawMessage
	sse string
}

type resultOrErr struct {
	res *remote.ResultMaybe
	err error
}

func (f *fakeAPI) ExecuteComponent(ctx context.Context, appPath string, req *remote.ExecuteComponentRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, req)
	return testJobID, nil
}

func (f *fakeAPI) RunPreview(ctx context.Context, req *remote.PreviewRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.previews = append(f.previews, req)
	return testJobID, nil
}

func (f *fakeAPI) GetResultMaybe(ctx context.Context, jobID string) (*remote.ResultMaybe, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	f.calls++
	r := f.results[i]
	return r.res, r.err
}

func (f *fakeAPI) GetJob(ctx context.Context, jobID string) (json.RawMessage, error) {
	return f.job, nil
}

func (f *fakeAPI) StreamUpdates(ctx context.Context, jobID string) (*remote.UpdateStream, error) {
	return remote.NewUpdateStream(io.NopCloser(strings.NewReader(f.sse))), nil
}

func pending() resultOrErr {
	return resultOrErr{res: &remote.ResultMaybe{}}
}

func done(success bool, result string) resultOrErr {
	return resultOrErr{res: &remote.ResultMaybe{Completed: true, Success: success, Result: json.RawMessage(result)}}
}

func newTestOrchestrator(api API, clock Clock) *Orchestrator {
	return New(api, Config{AppPath: "u/alice/app", Clock: clock, Logger: zerolog.Nop()})
}

func TestPollDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 50 * time.Millisecond},
		{10, 50 * time.Millisecond},
		{11, 500 * time.Millisecond},
		{100, 500 * time.Millisecond},
		{101, 2000 * time.Millisecond},
		{5000, 2000 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := PollDelay(tt.attempt); got != tt.want {
			t.Errorf("PollDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestWaitForJob_Backoff(t *testing.T) {
	results := make([]resultOrErr, 0, 106)
	for i := 0; i < 105; i++ {
		results = append(results, pending())
	}
	results = append(results, done(true, `42`))

	api := &fakeAPI{results: results}
	clock := &fakeClock{}
	o := newTestOrchestrator(api, clock)

	got, err := o.WaitForJob(context.Background(), testJobID)
	if err != nil {
		t.Fatalf("WaitForJob() failed: %v", err)
	}
	if string(got) != "42" {
		t.Errorf("result = %s, want 42", got)
	}

	if len(clock.delays) != 105 {
		t.Fatalf("recorded %d waits, want 105", len(clock.delays))
	}
	for i, d := range clock.delays {
		if want := PollDelay(i + 1); d != want {
			t.Fatalf("wait %d = %v, want %v", i+1, d, want)
		}
	}
}

func TestWaitForJob_TransportErrorsRetried(t *testing.T) {
	api := &fakeAPI{results: []resultOrErr{
		{err: errors.New("connection reset")},
		{err: errors.New("connection reset")},
		done(true, `"ok"`),
	}}
	o := newTestOrchestrator(api, &fakeClock{})

	got, err := o.WaitForJob(context.Background(), testJobID)
	if err != nil {
		t.Fatalf("WaitForJob() failed: %v", err)
	}
	if string(got) != `"ok"` {
		t.Errorf("result = %s", got)
	}
}

func TestWaitForJob_FailedWithError(t *testing.T) {
	api := &fakeAPI{results: []resultOrErr{
		done(false, `{"error":{"name":"Error","message":"boom"}}`),
	}}
	o := newTestOrchestrator(api, &fakeClock{})

	_, err := o.WaitForJob(context.Background(), testJobID)
	var je *JobError
	if !errors.As(err, &je) {
		t.Fatalf("WaitForJob() error = %v, want *JobError", err)
	}
	if string(je.Payload) != `{"name":"Error","message":"boom"}` {
		t.Errorf("payload = %s", je.Payload)
	}
	if !strings.Contains(je.Error(), "boom") {
		t.Errorf("Error() = %q", je.Error())
	}
}

func TestWaitForJob_FailedWithoutErrorKey(t *testing.T) {
	api := &fakeAPI{results: []resultOrErr{done(false, `{"partial":true}`)}}
	o := newTestOrchestrator(api, &fakeClock{})

	got, err := o.WaitForJob(context.Background(), testJobID)
	if err != nil {
		t.Fatalf("WaitForJob() failed: %v", err)
	}
	if string(got) != `{"partial":true}` {
		t.Errorf("result = %s", got)
	}
}

func TestWaitForJob_Cancelled(t *testing.T) {
	api := &fakeAPI{results: []resultOrErr{pending()}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Real clock: the cancelled context must win over the poll delay.
	o := newTestOrchestrator(api, RealClock())
	if _, err := o.WaitForJob(ctx, testJobID); !errors.Is(err, context.Canceled) {
		t.Errorf("WaitForJob() error = %v, want context.Canceled", err)
	}
}

func TestWaitForJob_InvalidID(t *testing.T) {
	o := newTestOrchestrator(&fakeAPI{}, &fakeClock{})
	if _, err := o.WaitForJob(context.Background(), "not-a-uuid"); !errors.Is(err, ErrInvalidJobID) {
		t.Errorf("WaitForJob() error = %v, want ErrInvalidJobID", err)
	}
	if _, err := o.GetStatus(context.Background(), ""); !errors.Is(err, ErrInvalidJobID) {
		t.Errorf("GetStatus() error = %v, want ErrInvalidJobID", err)
	}
}

func TestExecute(t *testing.T) {
	api := &fakeAPI{}
	o := newTestOrchestrator(api, &fakeClock{})

	r := &runnable.Runnable{
		ID:   "greet",
		Kind: runnable.KindPath,
		Path: &runnable.PathRef{Path: "u/alice/greetFlow", RunType: runnable.RunTypeFlow},
	}

	id, err := o.Execute(context.Background(), "greet", r, json.RawMessage(`{"name":"x"}`))
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if id != testJobID {
		t.Errorf("job id = %q", id)
	}
	if len(api.executed) != 1 || api.executed[0].Path != "flow/u/alice/greetFlow" {
		t.Errorf("unexpected request: %+v", api.executed)
	}

	// Resolution errors never reach the platform.
	bad := &runnable.Runnable{ID: "x", Kind: runnable.KindInline, Inline: &runnable.InlineScript{Content: "!inline x.ts"}}
	if _, err := o.Execute(context.Background(), "x", bad, nil); !errors.Is(err, runnable.ErrUnresolvedInline) {
		t.Errorf("Execute() error = %v, want ErrUnresolvedInline", err)
	}
	if len(api.executed) != 1 {
		t.Errorf("unresolved runnable was submitted")
	}
}

func TestApplySQL(t *testing.T) {
	api := &fakeAPI{results: []resultOrErr{done(true, `[]`)}}
	o := newTestOrchestrator(api, &fakeClock{})

	if _, err := o.ApplySQL(context.Background(), "", "select 1"); !errors.Is(err, ErrNoDatatable) {
		t.Errorf("ApplySQL() error = %v, want ErrNoDatatable", err)
	}

	if _, err := o.ApplySQL(context.Background(), "main", "create table t (id int)"); err != nil {
		t.Fatalf("ApplySQL() failed: %v", err)
	}
	if len(api.previews) != 1 {
		t.Fatalf("got %d preview jobs, want 1", len(api.previews))
	}
	p := api.previews[0]
	if p.Language != "postgresql" || p.Args["database"] != "datatable://main" {
		t.Errorf("unexpected preview: %+v", p)
	}
}

func collect(o *Orchestrator, jobID string) []Event {
	var events []Event
	o.Stream(context.Background(), jobID, func(e Event) {
		events = append(events, e)
	})
	return events
}

func TestStream_PartialsThenSuccess(t *testing.T) {
	api := &fakeAPI{
		results: []resultOrErr{done(true, `"hello world"`)},
		sse: strings.Join([]string{
			`data: {"type":"ping"}`, "",
			`data: {"type":"update","new_result_stream":"hello ","stream_offset":1}`, "",
			`data: {"type":"update","new_result_stream":"world","stream_offset":2}`, "",
			`data: {"type":"update","completed":true,"only_result":"hello world"}`, "",
		}, "\n"),
	}
	o := newTestOrchestrator(api, &fakeClock{})

	events := collect(o, testJobID)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(events), events)
	}
	if events[0].Kind != EventPartial || events[0].Chunk != "hello " || events[0].Offset != 0 {
		t.Errorf("event 0 = %+v", events[0])
	}
	// Offsets count bytes, whatever chunk index upstream reports.
	if events[1].Kind != EventPartial || events[1].Chunk != "world" || events[1].Offset != 6 {
		t.Errorf("event 1 = %+v", events[1])
	}
	if events[2].Kind != EventSuccess || string(events[2].Result) != `"hello world"` {
		t.Errorf("event 2 = %+v", events[2])
	}
}

func TestStream_TerminalFailures(t *testing.T) {
	tests := []struct {
		name    string
		sse     string
		results []resultOrErr
		wantErr error
	}{
		{
			name:    "not found",
			sse:     "data: {\"type\":\"notfound\"}\n\n",
			wantErr: ErrJobNotFound,
		},
		{
			name:    "timeout",
			sse:     "data: {\"type\":\"timeout\"}\n\n",
			wantErr: ErrStreamTimeout,
		},
		{
			name:    "closed early",
			sse:     "data: {\"type\":\"update\",\"new_result_stream\":\"a\"}\n\n",
			wantErr: ErrStreamClosed,
		},
		{
			name:    "completed but failed",
			sse:     "data: {\"type\":\"update\",\"completed\":true}\n\n",
			results: []resultOrErr{done(false, `{"error":"bad"}`)},
		},
		{
			name: "explicit error",
			sse:  "data: {\"type\":\"error\",\"error\":\"exploded\"}\n\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{sse: tt.sse, results: tt.results}
			o := newTestOrchestrator(api, &fakeClock{})

			events := collect(o, testJobID)
			terminals := 0
			for _, e := range events {
				if e.Terminal() {
					terminals++
				}
			}
			if terminals != 1 {
				t.Fatalf("got %d terminal events, want exactly 1: %+v", terminals, events)
			}

			last := events[len(events)-1]
			if last.Kind != EventFailure {
				t.Fatalf("terminal event = %v, want failure", last.Kind)
			}
			if tt.wantErr != nil && !errors.Is(last.Err, tt.wantErr) {
				t.Errorf("error = %v, want %v", last.Err, tt.wantErr)
			}
		})
	}
}

func TestStream_InvalidID(t *testing.T) {
	o := newTestOrchestrator(&fakeAPI{}, &fakeClock{})
	events := collect(o, "123")
	if len(events) != 1 || !errors.Is(events[0].Err, ErrInvalidJobID) {
		t.Errorf("events = %+v", events)
	}
}
