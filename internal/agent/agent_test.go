package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/me/gpubroker/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func envelope(data any) []byte {
	b, _ := json.Marshal(map[string]any{"status": "ok", "data": data})
	return b
}

// fakeBroker records the reports the agent sends.
type fakeBroker struct {
	mu        sync.Mutex
	started   []string
	completed map[string]CompleteReport
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{completed: make(map[string]CompleteReport)}
}

func (f *fakeBroker) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/hosts", func(w http.ResponseWriter, r *http.Request) {
		var h model.Host
		json.NewDecoder(r.Body).Decode(&h)
		h.Status = model.HostStatusIdle
		w.WriteHeader(http.StatusCreated)
		w.Write(envelope(h))
	})
	mux.HandleFunc("PUT /api/v1/hosts/{id}/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		w.Write(envelope(HeartbeatInfo{HostID: r.PathValue("id"), Status: model.HostStatusIdle}))
	})
	mux.HandleFunc("DELETE /api/v1/hosts/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Write(envelope(map[string]any{"id": r.PathValue("id")}))
	})
	mux.HandleFunc("POST /api/v1/hosts/{id}/jobs/{jobID}/started", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.started = append(f.started, r.PathValue("jobID"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
		w.Write(envelope(nil))
	})
	mux.HandleFunc("POST /api/v1/hosts/{id}/jobs/{jobID}/complete", func(w http.ResponseWriter, r *http.Request) {
		var rep CompleteReport
		json.NewDecoder(r.Body).Decode(&rep)
		f.mu.Lock()
		f.completed[r.PathValue("jobID")] = rep
		f.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
		w.Write(envelope(nil))
	})
	return mux
}

func (f *fakeBroker) completedReport(jobID string) (CompleteReport, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rep, ok := f.completed[jobID]
	return rep, ok
}

func TestClientRegister(t *testing.T) {
	broker := newFakeBroker()
	srv := httptest.NewServer(broker.handler(t))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", "rig-1")
	host, err := c.Register(context.Background(), HostSpec{
		GPUModel: "RTX 4090", VRAMGB: 24, GPUCount: 1, PricePerHour: 2.0, Location: "us-east",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if host.ID != "rig-1" || host.Status != model.HostStatusIdle {
		t.Errorf("host = %+v", host)
	}
}

func TestClientErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{
			"status": "error",
			"error":  map[string]any{"code": "CONFLICT", "message": "host 'rig-1' is already registered and active"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", "rig-1")
	_, err := c.Register(context.Background(), HostSpec{GPUModel: "RTX 4090"})
	if err == nil {
		t.Fatal("want error from 409 response")
	}
}

// bodyCloseTransport wraps response bodies to record whether the client
// closed them, which is what lets the connection return to the pool.
type bodyCloseTransport struct {
	base   http.RoundTripper
	mu     sync.Mutex
	open   int
	closed int
}

func (tr *bodyCloseTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := tr.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	tr.mu.Lock()
	tr.open++
	tr.mu.Unlock()
	resp.Body = &trackedBody{ReadCloser: resp.Body, tr: tr}
	return resp, nil
}

type trackedBody struct {
	io.ReadCloser
	tr   *bodyCloseTransport
	once sync.Once
}

func (b *trackedBody) Close() error {
	b.once.Do(func() {
		b.tr.mu.Lock()
		b.tr.closed++
		b.tr.mu.Unlock()
	})
	return b.ReadCloser.Close()
}

func TestClientClosesResponseBodies(t *testing.T) {
	broker := newFakeBroker()
	srv := httptest.NewServer(broker.handler(t))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", "rig-1")
	tr := &bodyCloseTransport{base: c.httpClient.Transport}
	c.httpClient.Transport = tr

	ctx := context.Background()
	if err := c.ReportStarted(ctx, "job_1"); err != nil {
		t.Fatalf("report started: %v", err)
	}
	exit := 0
	if err := c.ReportComplete(ctx, "job_1", CompleteReport{ExitCode: &exit}); err != nil {
		t.Fatalf("report complete: %v", err)
	}
	if err := c.Deregister(ctx); err != nil {
		t.Fatalf("deregister: %v", err)
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.open != 3 || tr.closed != 3 {
		t.Errorf("closed %d of %d response bodies, want all closed", tr.closed, tr.open)
	}
}

func TestExecRunner(t *testing.T) {
	r := ExecRunner{}

	job := &model.Job{ID: "job_ok", Command: "echo hello"}
	result, err := r.Run(context.Background(), job, t.TempDir())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.ExitCode == nil || *result.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", result.ExitCode)
	}

	job = &model.Job{ID: "job_bad", Command: "exit 3"}
	result, err = r.Run(context.Background(), job, t.TempDir())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.ExitCode == nil || *result.ExitCode != 3 {
		t.Errorf("exit code = %v, want 3", result.ExitCode)
	}
	if result.Error == "" {
		t.Error("nonzero exit should set result.Error")
	}
}

func TestExecRunner_WritesLog(t *testing.T) {
	dir := t.TempDir()
	job := &model.Job{ID: "job_log", Command: "echo to-the-log"}
	if _, err := (ExecRunner{}).Run(context.Background(), job, dir); err != nil {
		t.Fatalf("run: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "output.log"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "to-the-log\n" {
		t.Errorf("log = %q", data)
	}
}

func TestExecuteJob_ReportsResult(t *testing.T) {
	broker := newFakeBroker()
	srv := httptest.NewServer(broker.handler(t))
	defer srv.Close()

	a := New(Config{
		ServerURL: srv.URL,
		Token:     "tok",
		HostID:    "rig-1",
		WorkDir:   t.TempDir(),
	}, ExecRunner{}, testLogger())

	job := &model.Job{ID: "job_echo", Command: "echo done", Status: model.JobStatusMatched}
	a.executeJob(context.Background(), job)

	broker.mu.Lock()
	started := append([]string(nil), broker.started...)
	broker.mu.Unlock()
	if len(started) != 1 || started[0] != "job_echo" {
		t.Fatalf("started = %v", started)
	}

	rep, ok := broker.completedReport("job_echo")
	if !ok {
		t.Fatal("no completion report")
	}
	if rep.ExitCode == nil || *rep.ExitCode != 0 {
		t.Errorf("report = %+v", rep)
	}
}

func TestExecuteJob_CancelSignal(t *testing.T) {
	broker := newFakeBroker()
	srv := httptest.NewServer(broker.handler(t))
	defer srv.Close()

	a := New(Config{
		ServerURL: srv.URL,
		Token:     "tok",
		HostID:    "rig-1",
		WorkDir:   t.TempDir(),
	}, ExecRunner{}, testLogger())

	job := &model.Job{ID: "job_sleep", Command: "sleep 30"}
	done := make(chan struct{})
	go func() {
		a.executeJob(context.Background(), job)
		close(done)
	}()

	// Wait for the job to start, then deliver the cancel signal.
	deadline := time.After(2 * time.Second)
	for {
		broker.mu.Lock()
		n := len(broker.started)
		broker.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("job never started")
		case <-time.After(10 * time.Millisecond):
		}
	}
	a.handleEvent(context.Background(), model.Event{Type: model.EventCancel, JobID: "job_sleep"})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not stop after cancel")
	}

	rep, ok := broker.completedReport("job_sleep")
	if !ok {
		t.Fatal("no report after cancel")
	}
	if rep.State != string(model.JobStatusFailed) {
		t.Errorf("state = %q, want failed", rep.State)
	}
}

func TestStreamEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "event: init\ndata: {\"id\":\"rig-1\"}\n\n")
		fmt.Fprintf(w, "event: assignment\ndata: {\"type\":\"assignment\",\"job_id\":\"job_a1\",\"job\":{\"id\":\"job_a1\",\"command\":\"echo hi\"}}\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", "rig-1")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	events, err := c.StreamEvents(ctx)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	ev, open := <-events
	if !open {
		t.Fatal("stream closed before delivering the assignment")
	}
	if ev.Type != model.EventAssignment || ev.Job == nil || ev.Job.ID != "job_a1" {
		t.Errorf("event = %+v", ev)
	}
}
