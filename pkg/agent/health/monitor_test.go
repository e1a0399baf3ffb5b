package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestHealthyPathMakesNoNetworkCall(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewMonitor(nil)
	m.Start(context.Background(), Config{
		Events:  []string{"js_loaded", "first_render"},
		Window:  80 * time.Millisecond,
		FailURL: srv.URL,
	}, "rel-1", "dev-1", "1.0", "ios")

	m.Report("js_loaded")
	m.Report("first_render")

	time.Sleep(150 * time.Millisecond)

	if atomic.LoadInt32(&calls) != 0 {
		t.Errorf("expected zero network calls on healthy path, got %d", calls)
	}
}

func TestTimeoutReportsFailureOnce(t *testing.T) {
	var calls int32
	var missing []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		var body FailurePayload
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			missing = body.MissingEvents
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewMonitor(nil)
	m.Start(context.Background(), Config{
		Events:  []string{"js_loaded", "first_render"},
		Window:  30 * time.Millisecond,
		FailURL: srv.URL,
	}, "rel-1", "dev-1", "1.0", "ios")

	m.Report("js_loaded") // only one of two events fires

	time.Sleep(150 * time.Millisecond)

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly one failure POST, got %d", calls)
	}
	if len(missing) != 1 || missing[0] != "first_render" {
		t.Errorf("expected missing_events=[first_render], got %v", missing)
	}
}

func TestEmptyEventsNoOp(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	m := NewMonitor(nil)
	m.Start(context.Background(), Config{
		Events:  nil,
		Window:  20 * time.Millisecond,
		FailURL: srv.URL,
	}, "rel-1", "dev-1", "1.0", "ios")

	time.Sleep(80 * time.Millisecond)

	if atomic.LoadInt32(&calls) != 0 {
		t.Errorf("expected no network call when armed with empty events, got %d", calls)
	}
}

func TestRestartingCancelsPreviousWindow(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	m := NewMonitor(nil)
	m.Start(context.Background(), Config{
		Events:  []string{"a"},
		Window:  30 * time.Millisecond,
		FailURL: srv.URL,
	}, "rel-1", "dev-1", "1.0", "ios")

	// Re-arm before the first window fires; only the second arming's
	// report should matter.
	m.Start(context.Background(), Config{
		Events:  []string{"b"},
		Window:  80 * time.Millisecond,
		FailURL: srv.URL,
	}, "rel-2", "dev-1", "1.0", "ios")
	m.Report("b")

	time.Sleep(150 * time.Millisecond)

	if atomic.LoadInt32(&calls) != 0 {
		t.Errorf("expected the replaced window to be discarded without firing, got %d calls", calls)
	}
}

func TestUnknownEventNameIgnored(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	m := NewMonitor(nil)
	m.Start(context.Background(), Config{
		Events:  []string{"js_loaded"},
		Window:  30 * time.Millisecond,
		FailURL: srv.URL,
	}, "rel-1", "dev-1", "1.0", "ios")

	m.Report("unrelated_event")

	time.Sleep(80 * time.Millisecond)

	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("unknown event must not satisfy the window; expected one failure POST, got %d", calls)
	}
}
