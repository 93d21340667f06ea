package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/labstack/echo/v4"

	"github.com/manlek25/optantes/engine"
	"github.com/manlek25/optantes/job"
	"github.com/manlek25/optantes/registry"
	"github.com/manlek25/optantes/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeResolver struct {
	mu   sync.Mutex
	gate chan struct{}
}

func (r *fakeResolver) Resolve(ctx context.Context, cnpj string) (*registry.Company, bool, error) {
	r.mu.Lock()
	gate := r.gate
	r.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
	return &registry.Company{
		CNPJ:        cnpj,
		LegalName:   "EMPRESA " + cnpj,
		Simples:     "Sim",
		Simei:       "Não",
		ConsultedAt: time.Now().UTC(),
	}, false, nil
}

func newTestServer(t *testing.T, resolver engine.Resolver) (*httptest.Server, *engine.Engine) {
	t.Helper()
	broker := stream.NewBroker(testLogger())
	eng := engine.New(resolver, broker,
		engine.WithLogger(testLogger()),
		engine.WithMinInterval(0),
		engine.WithHeartbeatInterval(time.Hour))
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	e := echo.New()
	srv := NewServer(eng, broker, WithLogger(testLogger()), WithPingInterval(20*time.Millisecond))
	srv.Register(e)

	ts := httptest.NewServer(e)
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})
	return ts, eng
}

func submitJSON(t *testing.T, ts *httptest.Server, body string) (string, *http.Response) {
	t.Helper()
	resp, err := http.Post(ts.URL+"/v1/batches", echo.MIMEApplicationJSON, strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/batches: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out["job_id"], resp
}

func waitDone(t *testing.T, ts *httptest.Server, jobID string) job.Snapshot {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(ts.URL + "/v1/batches/" + jobID)
		if err != nil {
			t.Fatalf("GET status: %v", err)
		}
		var snap job.Snapshot
		json.NewDecoder(resp.Body).Decode(&snap)
		resp.Body.Close()
		if snap.State.Terminal() {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job never finished")
	return job.Snapshot{}
}

func TestSubmitAndDownloadCSV(t *testing.T) {
	ts, _ := newTestServer(t, &fakeResolver{})

	jobID, resp := submitJSON(t, ts, `{"identifiers":["11222333000181","bogus"],"output":"csv"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	if jobID == "" {
		t.Fatal("empty job_id")
	}

	snap := waitDone(t, ts, jobID)
	if snap.State != job.StateDone {
		t.Fatalf("State = %s, want done", snap.State)
	}

	res, err := http.Get(ts.URL + "/v1/batches/" + jobID + "/result")
	if err != nil {
		t.Fatalf("GET result: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("result status = %d, want 200", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := res.Header.Get("Content-Disposition"); !strings.Contains(cd, "optantes.csv") {
		t.Errorf("Content-Disposition = %q", cd)
	}

	var body bytes.Buffer
	body.ReadFrom(res.Body)
	if !strings.Contains(body.String(), "EMPRESA 11222333000181") {
		t.Errorf("csv body missing company row: %q", body.String())
	}
	if !strings.Contains(body.String(), "cnpj inválido") {
		t.Errorf("csv body missing error row: %q", body.String())
	}
}

func TestSubmitMultipartFile(t *testing.T) {
	ts, _ := newTestServer(t, &fakeResolver{})

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", "empresas.csv")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	fmt.Fprint(fw, "cnpj\n11222333000181\n44555666000172\n")
	w.WriteField("output", "xlsx")
	w.Close()

	resp, err := http.Post(ts.URL+"/v1/batches", w.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var out map[string]string
	json.NewDecoder(resp.Body).Decode(&out)

	snap := waitDone(t, ts, out["job_id"])
	if snap.Total != 2 {
		t.Errorf("Total = %d, want 2", snap.Total)
	}

	res, err := http.Get(ts.URL + "/v1/batches/" + out["job_id"] + "/result")
	if err != nil {
		t.Fatalf("GET result: %v", err)
	}
	defer res.Body.Close()
	if ct := res.Header.Get("Content-Type"); !strings.Contains(ct, "spreadsheetml") {
		t.Errorf("Content-Type = %q, want xlsx", ct)
	}
}

func TestSubmitValidationErrors(t *testing.T) {
	ts, _ := newTestServer(t, &fakeResolver{})

	tests := []struct {
		name string
		body string
	}{
		{"empty list", `{"identifiers":[]}`},
		{"no valid identifiers", `{"identifiers":["abc"]}`},
		{"bad format", `{"identifiers":["11222333000181"],"output":"pdf"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/v1/batches", echo.MIMEApplicationJSON, strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestUnknownJobRoutes(t *testing.T) {
	ts, _ := newTestServer(t, &fakeResolver{})

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/v1/batches/job_01h455vb4pex5vsknk084sn02q"},
		{http.MethodPost, "/v1/batches/job_01h455vb4pex5vsknk084sn02q/cancel"},
		{http.MethodGet, "/v1/batches/job_01h455vb4pex5vsknk084sn02q/result"},
		{http.MethodGet, "/v1/batches/not-even-an-id"},
	}
	for _, tt := range paths {
		req, _ := http.NewRequest(tt.method, ts.URL+tt.path, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", tt.method, tt.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s %s = %d, want 404", tt.method, tt.path, resp.StatusCode)
		}
	}
}

func TestResultNotReady(t *testing.T) {
	gate := make(chan struct{})
	resolver := &fakeResolver{gate: gate}
	ts, _ := newTestServer(t, resolver)

	jobID, _ := submitJSON(t, ts, `{"identifiers":["11222333000181"]}`)

	resp, err := http.Get(ts.URL + "/v1/batches/" + jobID + "/result")
	if err != nil {
		t.Fatalf("GET result: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409 before any row", resp.StatusCode)
	}
	close(gate)
	waitDone(t, ts, jobID)
}

func TestCancelEndpoint(t *testing.T) {
	gate := make(chan struct{}, 3)
	resolver := &fakeResolver{gate: gate}
	ts, _ := newTestServer(t, resolver)

	jobID, _ := submitJSON(t, ts, `{"identifiers":["11222333000181","44555666000172","11444777000161"]}`)
	gate <- struct{}{}

	// Wait for the first row so the canceled job has a partial result.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(ts.URL + "/v1/batches/" + jobID)
		if err != nil {
			t.Fatalf("GET status: %v", err)
		}
		var snap job.Snapshot
		json.NewDecoder(resp.Body).Decode(&snap)
		resp.Body.Close()
		if snap.Processed >= 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Post(ts.URL+"/v1/batches/"+jobID+"/cancel", "", nil)
	if err != nil {
		t.Fatalf("POST cancel: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("cancel status = %d, want 202", resp.StatusCode)
	}
	// Unblock any in-flight lookup so the worker reaches the next
	// row boundary and observes the cancel.
	close(gate)
	snap := waitDone(t, ts, jobID)
	if snap.State != job.StateCanceled {
		t.Errorf("State = %s, want canceled", snap.State)
	}

	// Partial result downloads after cancel.
	res, err := http.Get(ts.URL + "/v1/batches/" + jobID + "/result")
	if err != nil {
		t.Fatalf("GET result: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Errorf("result status = %d, want 200", res.StatusCode)
	}
	if got := res.Header.Get("X-Job-State"); got != string(job.StateCanceled) {
		t.Errorf("X-Job-State = %q", got)
	}
}

func TestEventsStream(t *testing.T) {
	ts, _ := newTestServer(t, &fakeResolver{})

	jobID, _ := submitJSON(t, ts, `{"identifiers":["11222333000181"]}`)
	waitDone(t, ts, jobID)

	// A finished job replays its terminal event and closes.
	resp, err := http.Get(ts.URL + "/v1/batches/" + jobID + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("Content-Type = %q", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	sawDone := false
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), "event: "+string(stream.EventDone)) {
			sawDone = true
		}
	}
	if !sawDone {
		t.Error("terminal event not replayed for finished job")
	}
}

func TestEventsStreamLive(t *testing.T) {
	gate := make(chan struct{})
	resolver := &fakeResolver{gate: gate}
	ts, _ := newTestServer(t, resolver)

	jobID, _ := submitJSON(t, ts, `{"identifiers":["11222333000181","44555666000172"]}`)

	resp, err := http.Get(ts.URL + "/v1/batches/" + jobID + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	// The first ping proves the subscription is live; only then are
	// the lookups released, so no progress event can be missed.
	scanner := bufio.NewScanner(resp.Body)
	var progress int
	sawTerminal := false
	released := false
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case !released && strings.HasPrefix(line, ": ping"):
			released = true
			go func() {
				gate <- struct{}{}
				gate <- struct{}{}
			}()
		case strings.HasPrefix(line, "event: "+string(stream.EventProgress)):
			progress++
		case strings.HasPrefix(line, "event: "+string(stream.EventDone)):
			sawTerminal = true
		}
	}
	if progress == 0 {
		t.Error("no progress events observed")
	}
	if !sawTerminal {
		t.Error("stream ended without a terminal event")
	}
}

func TestWebSocketStream(t *testing.T) {
	gate := make(chan struct{})
	resolver := &fakeResolver{gate: gate}
	ts, _ := newTestServer(t, resolver)

	jobID, _ := submitJSON(t, ts, `{"identifiers":["11222333000181"]}`)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/batches/" + jobID + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		t.Fatalf("ws.Dial: %v", err)
	}
	defer conn.Close()

	gate <- struct{}{}

	sawTerminal := false
	for !sawTerminal {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		var evt stream.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if evt.Type.Terminal() {
			sawTerminal = true
		}
	}
}
