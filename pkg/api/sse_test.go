package api

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/psaab/xdplb/pkg/control"
	"github.com/psaab/xdplb/pkg/logging"
)

func TestSetSSEHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	setSSEHeaders(w)

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q, want no-cache", cc)
	}
	if cn := w.Header().Get("Connection"); cn != "keep-alive" {
		t.Errorf("Connection = %q, want keep-alive", cn)
	}
}

func TestWriteSSEEvent(t *testing.T) {
	w := httptest.NewRecorder()
	writeSSEEvent(w, "42", "test_event", `{"key":"value"}`)

	body := w.Body.String()
	if !strings.Contains(body, "id: 42\n") {
		t.Errorf("missing id line in %q", body)
	}
	if !strings.Contains(body, "event: test_event\n") {
		t.Errorf("missing event line in %q", body)
	}
	if !strings.Contains(body, "data: {\"key\":\"value\"}\n") {
		t.Errorf("missing data line in %q", body)
	}
	if !strings.HasSuffix(body, "\n\n") {
		t.Errorf("SSE event should end with double newline")
	}
}

func TestWriteSSEEventNoEventType(t *testing.T) {
	w := httptest.NewRecorder()
	writeSSEEvent(w, "1", "", "hello")

	body := w.Body.String()
	if strings.Contains(body, "event:") {
		t.Errorf("should not have event line when empty, got %q", body)
	}
	if !strings.Contains(body, "id: 1\n") {
		t.Errorf("missing id line")
	}
	if !strings.Contains(body, "data: hello\n") {
		t.Errorf("missing data line")
	}
}

func eventServer(buf *logging.EventBuffer) *Server {
	return &Server{svc: control.New(control.Config{Events: buf})}
}

func TestEventStreamHandler(t *testing.T) {
	buf := logging.NewEventBuffer(100)
	s := eventServer(buf)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest("GET", "/api/v1/events/stream", nil)
	req = req.WithContext(ctx)
	w := httptest.NewRecorder()

	// Run handler in background
	done := make(chan struct{})
	go func() {
		s.eventStreamHandler(w, req)
		close(done)
	}()

	// Wait for subscription to be set up
	time.Sleep(50 * time.Millisecond)

	buf.Add(logging.EventRecord{
		Time:       time.Now(),
		Type:       logging.EventBackendSet,
		ListenPort: 9996,
		Detail:     "[9997 9998 9999] cursor=0",
		Source:     "api",
	})

	time.Sleep(50 * time.Millisecond)

	// Cancel and wait for handler to exit
	cancel()
	<-done

	body := w.Body.String()
	if !strings.Contains(body, "event: backend_set") {
		t.Errorf("expected backend_set event in response, got %q", body)
	}
	if !strings.Contains(body, `"listen_port":9996`) {
		t.Errorf("expected listen port in event data, got %q", body)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
}

func TestEventStreamTypeFilter(t *testing.T) {
	buf := logging.NewEventBuffer(100)
	s := eventServer(buf)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest("GET", "/api/v1/events/stream?type=cursor_repaired", nil)
	req = req.WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.eventStreamHandler(w, req)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)

	// Filtered out
	buf.Add(logging.EventRecord{Type: logging.EventBackendSet, ListenPort: 1})
	// Passes
	buf.Add(logging.EventRecord{Type: logging.EventCursorRepaired, ListenPort: 2, Source: "auditor"})

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	body := w.Body.String()
	if strings.Contains(body, "backend_set") {
		t.Errorf("BACKEND_SET should be filtered out, got %q", body)
	}
	if !strings.Contains(body, "cursor_repaired") {
		t.Errorf("CURSOR_REPAIRED should pass filter, got %q", body)
	}
}

func TestEventStreamNoBuffer(t *testing.T) {
	s := eventServer(nil)
	req := httptest.NewRequest("GET", "/api/v1/events/stream", nil)
	w := httptest.NewRecorder()
	s.eventStreamHandler(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestParseTypes(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"", nil},
		{"backend_set", []string{"BACKEND_SET"}},
		{" backend_set , XDP_ATTACH ", []string{"BACKEND_SET", "XDP_ATTACH"}},
		{",,", nil},
	}

	for _, tt := range tests {
		got := parseTypes(tt.input)
		if len(got) != len(tt.want) {
			t.Errorf("parseTypes(%q) = %v, want %v", tt.input, got, tt.want)
			continue
		}
		for _, w := range tt.want {
			if !got[w] {
				t.Errorf("parseTypes(%q) missing %s", tt.input, w)
			}
		}
	}
}

func TestServeEndsEventStreams(t *testing.T) {
	s, _ := newTestServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/v1/events/stream")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel with an open event stream")
	}

	// The stream is closed by the server rather than left hanging.
	rd := bufio.NewReader(resp.Body)
	for {
		if _, err := rd.ReadString('\n'); err != nil {
			break
		}
	}
}
