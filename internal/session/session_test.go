package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/FranksOps/prospect/internal/metrics"
	"github.com/FranksOps/prospect/internal/remote"
	"github.com/FranksOps/prospect/internal/storage"
	"github.com/FranksOps/prospect/internal/stream"
	"github.com/FranksOps/prospect/pkg/httpclient"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// chunkReader returns one chunk per Read, calling before(i) first.
type chunkReader struct {
	chunks []string
	i      int
	before func(i int)
	closed bool
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.i >= len(r.chunks) {
		return 0, io.EOF
	}
	if r.before != nil {
		r.before(r.i)
	}
	n := copy(p, r.chunks[r.i])
	r.i++
	return n, nil
}

func (r *chunkReader) Close() error {
	r.closed = true
	return nil
}

type initiatorFunc func(ctx context.Context, req remote.ScrapeRequest) (io.ReadCloser, error)

func (f initiatorFunc) StartScrape(ctx context.Context, req remote.ScrapeRequest) (io.ReadCloser, error) {
	return f(ctx, req)
}

func readerInitiator(r io.ReadCloser) Initiator {
	return initiatorFunc(func(context.Context, remote.ScrapeRequest) (io.ReadCloser, error) {
		return r, nil
	})
}

type recordingForwarder struct {
	mu      sync.Mutex
	calls   int
	term    string
	records []storage.BusinessRecord
	saved   int
	err     error
}

func (f *recordingForwarder) Forward(_ context.Context, term string, records []storage.BusinessRecord) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.term = term
	f.records = records
	if f.err != nil {
		return 0, f.err
	}
	return f.saved, nil
}

func (f *recordingForwarder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var testRequest = remote.ScrapeRequest{SearchTerm: "plumbers in leeds", MaxResults: 10}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return "id-" + string(rune('0'+n))
	}
}

const (
	lineStatus   = `data: {"type":"status","current":0,"total":10,"message":"Scanning map...","totalFound":0}` + "\n"
	lineA        = `data: {"type":"result","data":{"businessName":"A","website":"https://a.test"},"current":1,"total":10,"totalFound":1}` + "\n"
	lineB        = `data: {"type":"result","data":{"businessName":"B","phone":"0113 000"},"current":2,"total":10,"totalFound":2}` + "\n"
	lineC        = `data: {"type":"result","data":{"businessName":"C"},"current":3,"total":10,"totalFound":3}` + "\n"
	lineComplete = `data: {"type":"complete","count":2,"totalFound":2}` + "\n"
)

func TestRun_CompletesAndForwards(t *testing.T) {
	full := lineStatus + lineA + lineB + lineComplete
	fwd := &recordingForwarder{saved: 2}

	// Split across arbitrary boundaries, including inside a JSON payload.
	body := &chunkReader{chunks: []string{full[:17], full[17:130], full[130:]}}

	var states []State
	s := New(Config{
		Initiator:  readerInitiator(body),
		Forwarder:  fwd,
		ClearDelay: -1,
		NewID:      sequentialIDs(),
		Observer: func(snap Snapshot) {
			if len(states) == 0 || states[len(states)-1] != snap.State {
				states = append(states, snap.State)
			}
		},
	})
	defer s.Close()

	if err := s.Run(context.Background(), testRequest); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap := s.Snapshot()
	if snap.State != StateCompleted {
		t.Fatalf("expected completed, got %s", snap.State)
	}
	if len(snap.Records) != 2 || snap.Records[0].BusinessName != "A" || snap.Records[1].BusinessName != "B" {
		t.Fatalf("unexpected records %+v", snap.Records)
	}
	if snap.Records[0].ID != "id-1" || snap.Records[1].ID != "id-2" {
		t.Errorf("unexpected ids %q %q", snap.Records[0].ID, snap.Records[1].ID)
	}
	if snap.Records[0].Website != "https://a.test" || snap.Records[1].Phone != "0113 000" {
		t.Errorf("optional fields not carried: %+v", snap.Records)
	}
	if !body.closed {
		t.Errorf("expected body to be closed")
	}

	if fwd.callCount() != 1 {
		t.Fatalf("expected one forward, got %d", fwd.callCount())
	}
	if fwd.term != testRequest.SearchTerm || len(fwd.records) != 2 {
		t.Errorf("unexpected forward %q %+v", fwd.term, fwd.records)
	}

	if snap.Progress == nil || !snap.Progress.Done {
		t.Fatalf("expected done progress, got %+v", snap.Progress)
	}
	if snap.Progress.Message != "Saved 2 businesses" || snap.Saved != 2 {
		t.Errorf("unexpected progress %+v saved=%d", snap.Progress, snap.Saved)
	}
	if snap.Progress.Current != 2 || snap.Progress.Total != 10 || snap.Progress.TotalFound != 2 {
		t.Errorf("unexpected counters %+v", snap.Progress)
	}

	want := []State{StateRequesting, StateStreaming, StateCompleted}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states = %v, want %v", states, want)
			break
		}
	}
}

func TestRun_ClearsProgressAfterDelay(t *testing.T) {
	s := New(Config{
		Initiator:  readerInitiator(&chunkReader{chunks: []string{lineA, lineComplete}}),
		ClearDelay: 10 * time.Millisecond,
	})
	defer s.Close()

	if err := s.Run(context.Background(), testRequest); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.Snapshot().Progress != nil {
		if time.Now().After(deadline) {
			t.Fatal("progress was not cleared")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := len(s.Snapshot().Records); got != 1 {
		t.Errorf("records must survive the progress clear, got %d", got)
	}
}

func TestRun_ForwardFailureIsNotFatal(t *testing.T) {
	fwd := &recordingForwarder{err: errors.New("save endpoint down")}
	s := New(Config{
		Initiator:  readerInitiator(&chunkReader{chunks: []string{lineA + lineComplete}}),
		Forwarder:  fwd,
		ClearDelay: -1,
	})

	if err := s.Run(context.Background(), testRequest); err != nil {
		t.Fatalf("forward failure must not fail the run: %v", err)
	}
	snap := s.Snapshot()
	if snap.State != StateCompleted || len(snap.Records) != 1 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if snap.Saved != -1 {
		t.Errorf("expected unknown saved count, got %d", snap.Saved)
	}
	if !strings.HasPrefix(snap.Progress.Message, "Completed") {
		t.Errorf("unexpected message %q", snap.Progress.Message)
	}
}

func TestStop_BetweenChunks(t *testing.T) {
	fwd := &recordingForwarder{}
	var s *Session
	body := &chunkReader{
		chunks: []string{lineStatus + lineA, lineB, lineComplete},
		before: func(i int) {
			if i == 1 {
				if !s.Stop() {
					t.Errorf("expected Stop to report a running scrape")
				}
			}
		},
	}
	s = New(Config{Initiator: readerInitiator(body), Forwarder: fwd, ClearDelay: -1})

	if err := s.Run(context.Background(), testRequest); err != nil {
		t.Fatalf("cancellation is not an error, got %v", err)
	}

	snap := s.Snapshot()
	if snap.State != StateCancelled {
		t.Fatalf("expected cancelled, got %s", snap.State)
	}
	if len(snap.Records) != 1 || snap.Records[0].BusinessName != "A" {
		t.Errorf("chunks after stop must not be applied, got %+v", snap.Records)
	}
	if snap.Progress.Message != "Stopped" {
		t.Errorf("unexpected message %q", snap.Progress.Message)
	}
	if fwd.callCount() != 0 {
		t.Errorf("cancelled scrapes must not be forwarded")
	}
	if s.Stop() {
		t.Errorf("Stop after the run ended must be a no-op")
	}
}

func TestStop_BetweenLines(t *testing.T) {
	var s *Session
	s = New(Config{
		Initiator:  readerInitiator(&chunkReader{chunks: []string{lineA + lineB + lineC + lineComplete}}),
		ClearDelay: -1,
		Observer: func(snap Snapshot) {
			if len(snap.Records) == 1 && snap.State == StateStreaming {
				s.Stop()
			}
		},
	})

	if err := s.Run(context.Background(), testRequest); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap := s.Snapshot()
	if snap.State != StateCancelled || len(snap.Records) != 1 {
		t.Errorf("expected cancellation after the first record, got %s with %d records", snap.State, len(snap.Records))
	}
}

func TestRun_ParentContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	body := &chunkReader{
		chunks: []string{lineA, lineB},
		before: func(i int) {
			if i == 1 {
				cancel()
			}
		},
	}
	s := New(Config{Initiator: readerInitiator(body), ClearDelay: -1})

	if err := s.Run(ctx, testRequest); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st := s.Snapshot().State; st != StateCancelled {
		t.Errorf("expected cancelled, got %s", st)
	}
}

func TestRun_ErrorEvent(t *testing.T) {
	fwd := &recordingForwarder{}
	s := New(Config{
		Initiator: readerInitiator(&chunkReader{chunks: []string{
			lineA + `data: {"type":"error","error":"quota exceeded"}` + "\n" + lineB,
		}}),
		Forwarder: fwd,
	})

	err := s.Run(context.Background(), testRequest)
	var se *StreamError
	if !errors.As(err, &se) || se.Message != "quota exceeded" {
		t.Fatalf("expected stream error, got %v", err)
	}

	snap := s.Snapshot()
	if snap.State != StateErrored || snap.Err == nil {
		t.Errorf("expected errored snapshot, got %+v", snap)
	}
	if len(snap.Records) != 1 {
		t.Errorf("lines after the error event must be ignored, got %d records", len(snap.Records))
	}
	if snap.Progress.Message != "quota exceeded" {
		t.Errorf("unexpected message %q", snap.Progress.Message)
	}
	if fwd.callCount() != 0 {
		t.Errorf("errored scrapes must not be forwarded")
	}
}

func TestRun_ErrorEventWithoutMessage(t *testing.T) {
	s := New(Config{
		Initiator: readerInitiator(&chunkReader{chunks: []string{
			`data: {"type":"error"}` + "\n",
		}}),
		ClearDelay: -1,
	})

	err := s.Run(context.Background(), testRequest)
	var se *StreamError
	if !errors.As(err, &se) {
		t.Fatalf("expected stream error, got %v", err)
	}
	if se.Message != defaultStreamError || err.Error() != "scrape failed: "+defaultStreamError {
		t.Errorf("unexpected error %q", err)
	}
	if snap := s.Snapshot(); snap.Progress == nil || snap.Progress.Message != defaultStreamError {
		t.Errorf("expected fallback banner, got %+v", snap.Progress)
	}
}

func TestRun_StreamEndsWithoutTerminalEvent(t *testing.T) {
	// The trailing line has no newline and must not produce a record.
	s := New(Config{Initiator: readerInitiator(&chunkReader{chunks: []string{lineA, strings.TrimSuffix(lineB, "\n")}})})

	err := s.Run(context.Background(), testRequest)
	if !errors.Is(err, ErrStreamEnded) {
		t.Fatalf("expected ErrStreamEnded, got %v", err)
	}
	snap := s.Snapshot()
	if snap.State != StateErrored || len(snap.Records) != 1 {
		t.Errorf("unexpected snapshot %s with %d records", snap.State, len(snap.Records))
	}
}

func TestRun_SkipsBadLines(t *testing.T) {
	s := New(Config{
		Initiator: readerInitiator(&chunkReader{chunks: []string{
			": keepalive\n",
			"\n",
			"data: {not json\n",
			`data: {"type":"heartbeat"}` + "\n",
			`data: {"type":"result","data":{"businessName":""}}` + "\n",
			lineA,
			lineComplete,
		}}),
		ClearDelay: -1,
	})

	if err := s.Run(context.Background(), testRequest); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap := s.Snapshot()
	if snap.State != StateCompleted || len(snap.Records) != 1 {
		t.Errorf("expected one record and completion, got %s with %+v", snap.State, snap.Records)
	}
}

func TestRun_NamelessResultCountedAsMalformed(t *testing.T) {
	malformed := metrics.SkippedLinesTotal.WithLabelValues("malformed")
	before := testutil.ToFloat64(malformed)

	s := New(Config{
		Initiator: readerInitiator(&chunkReader{chunks: []string{
			`data: {"type":"result","data":{"website":"https://x.test"}}` + "\n",
			lineA,
			lineComplete,
		}}),
		ClearDelay: -1,
	})
	if err := s.Run(context.Background(), testRequest); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap := s.Snapshot()
	if len(snap.Records) != 1 || snap.Records[0].BusinessName != "A" {
		t.Errorf("expected only the named record, got %+v", snap.Records)
	}
	if got := testutil.ToFloat64(malformed) - before; got != 1 {
		t.Errorf("expected one malformed line counted, got %v", got)
	}
}

func TestRun_InitiatorError(t *testing.T) {
	want := &remote.Error{Kind: remote.KindStatus, Op: "scrape", Message: "status 502"}
	s := New(Config{Initiator: initiatorFunc(func(context.Context, remote.ScrapeRequest) (io.ReadCloser, error) {
		return nil, want
	})})

	err := s.Run(context.Background(), testRequest)
	if !errors.Is(err, want) {
		t.Fatalf("expected initiator error, got %v", err)
	}
	snap := s.Snapshot()
	if snap.State != StateErrored {
		t.Errorf("expected errored, got %s", snap.State)
	}
	if snap.Progress.Message != want.UserMessage() {
		t.Errorf("unexpected message %q", snap.Progress.Message)
	}
}

func TestRun_InvalidRequest(t *testing.T) {
	s := New(Config{Initiator: readerInitiator(&chunkReader{})})
	if err := s.Run(context.Background(), remote.ScrapeRequest{SearchTerm: " ", MaxResults: 5}); !errors.Is(err, remote.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if st := s.Snapshot().State; st != StateIdle {
		t.Errorf("invalid requests must not change state, got %s", st)
	}
}

func TestRun_Busy(t *testing.T) {
	streaming := make(chan struct{})
	var once sync.Once
	s := New(Config{
		Initiator: initiatorFunc(func(ctx context.Context, _ remote.ScrapeRequest) (io.ReadCloser, error) {
			pr, pw := io.Pipe()
			go func() {
				<-ctx.Done()
				pw.CloseWithError(ctx.Err())
			}()
			return pr, nil
		}),
		Observer: func(snap Snapshot) {
			if snap.State == StateStreaming {
				once.Do(func() { close(streaming) })
			}
		},
	})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), testRequest) }()

	<-streaming
	if err := s.Run(context.Background(), testRequest); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}
	if !s.Stop() {
		t.Fatal("expected Stop to halt the running scrape")
	}
	if err := <-done; err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if st := s.Snapshot().State; st != StateCancelled {
		t.Errorf("expected cancelled, got %s", st)
	}
}

func TestRun_RerunClearsPreviousResults(t *testing.T) {
	bodies := []*chunkReader{
		{chunks: []string{lineA + lineB + lineComplete}},
		{chunks: []string{lineC + `data: {"type":"complete","count":1}` + "\n"}},
	}
	calls := 0
	s := New(Config{
		Initiator: initiatorFunc(func(context.Context, remote.ScrapeRequest) (io.ReadCloser, error) {
			b := bodies[calls]
			calls++
			return b, nil
		}),
		ClearDelay: time.Hour,
	})
	defer s.Close()

	for range bodies {
		if err := s.Run(context.Background(), testRequest); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	snap := s.Snapshot()
	if len(snap.Records) != 1 || snap.Records[0].BusinessName != "C" {
		t.Errorf("expected only the second run's records, got %+v", snap.Records)
	}
}

func TestStop_Idle(t *testing.T) {
	s := New(Config{})
	if s.Stop() {
		t.Errorf("Stop on an idle session must be a no-op")
	}
}

func TestRun_AgainstHTTPBackend(t *testing.T) {
	var (
		mu    sync.Mutex
		saved []storage.BusinessRecord
	)
	events := []stream.Event{
		&stream.Status{Total: 5, Message: "Opening maps"},
		&stream.Result{Data: stream.Business{BusinessName: "A", Website: "https://a.test"}},
		&stream.Result{Data: stream.Business{BusinessName: "B"}},
		&stream.Complete{Count: 2, TotalFound: 2},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(remote.DefaultScrapePath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, ev := range events {
			line, err := stream.Format(ev)
			if err != nil {
				t.Errorf("format: %v", err)
				return
			}
			_, _ = w.Write(line)
			if flusher != nil {
				flusher.Flush()
			}
		}
	})
	mux.HandleFunc(remote.DefaultSavePath, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Data []storage.BusinessRecord `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode save request: %v", err)
		}
		mu.Lock()
		saved = req.Data
		mu.Unlock()
		_, _ = io.WriteString(w, `{"success":true,"data":{"saved":2}}`)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	hc, err := httpclient.New(httpclient.Config{Timeout: -1, HeaderTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer hc.CloseIdleConnections()

	rc, err := remote.New(remote.Config{BaseURL: ts.URL, HTTP: hc})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s := New(Config{Initiator: rc, Forwarder: rc, ClearDelay: -1})
	if err := s.Run(context.Background(), remote.ScrapeRequest{SearchTerm: "bakeries", MaxResults: 5}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap := s.Snapshot()
	if snap.State != StateCompleted || len(snap.Records) != 2 {
		t.Fatalf("unexpected snapshot %s %+v", snap.State, snap.Records)
	}
	if snap.Saved != 2 {
		t.Errorf("expected saved=2, got %d", snap.Saved)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(saved) != 2 || saved[0].BusinessName != "A" || saved[1].BusinessName != "B" {
		t.Fatalf("unexpected save payload %+v", saved)
	}
	if saved[0].ID == "" || saved[0].ID == saved[1].ID {
		t.Errorf("records need distinct ids, got %q %q", saved[0].ID, saved[1].ID)
	}
}
