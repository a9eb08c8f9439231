package workerapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testClient() *Client {
	return New(Options{
		CreateTimeout: 5 * time.Second,
		ProbeTimeout:  5 * time.Second,
		BusyRetries:   2,
		BusyBackoff:   time.Millisecond,
	})
}

func TestCreateVMSuccess(t *testing.T) {
	var gotPath string
	var gotAction int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var body map[string]int
		json.NewDecoder(r.Body).Decode(&body)
		gotAction = body["action"]
		json.NewEncoder(w).Encode(map[string]string{"logUrl": srvURL(r) + "/log/abc123"})
	}))
	defer srv.Close()

	route, logURL, err := testClient().CreateVM(context.Background(), srv.URL, 2)
	if err != nil {
		t.Fatalf("CreateVM returned error: %v", err)
	}
	if gotPath != "/vm-loso" {
		t.Fatalf("expected POST /vm-loso, got %s", gotPath)
	}
	if gotAction != 2 {
		t.Fatalf("expected action 2, got %d", gotAction)
	}
	if route != "abc123" {
		t.Fatalf("expected route abc123, got %q", route)
	}
	if logURL != srv.URL+"/log/abc123" {
		t.Fatalf("unexpected log url %q", logURL)
	}
}

func srvURL(r *http.Request) string {
	return "http://" + r.Host
}

func TestCreateVMSnakeCaseLogURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"log_url": "/log/route-xyz"})
	}))
	defer srv.Close()

	route, logURL, err := testClient().CreateVM(context.Background(), srv.URL, 1)
	if err != nil {
		t.Fatalf("CreateVM returned error: %v", err)
	}
	if route != "route-xyz" {
		t.Fatalf("expected route route-xyz, got %q", route)
	}
	if logURL != srv.URL+"/log/route-xyz" {
		t.Fatalf("relative log url not resolved against base: %q", logURL)
	}
}

func TestCreateVMMissingLogURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	_, _, err := testClient().CreateVM(context.Background(), srv.URL, 1)
	var ge *GatewayError
	if !errors.As(err, &ge) {
		t.Fatalf("expected GatewayError, got %v", err)
	}
}

func TestCreateVMBusyRetriesThenErrBusy(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, _, err := testClient().CreateVM(context.Background(), srv.URL, 1)
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Fatalf("expected initial attempt plus 2 retries, got %d calls", n)
	}
}

func TestCreateVMBusyThenRecovers(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"logUrl": "/log/r1"})
	}))
	defer srv.Close()

	route, _, err := testClient().CreateVM(context.Background(), srv.URL, 1)
	if err != nil {
		t.Fatalf("CreateVM returned error: %v", err)
	}
	if route != "r1" {
		t.Fatalf("expected route r1, got %q", route)
	}
}

func TestCreateVMErrorStatuses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "bad request",
			status: http.StatusBadRequest,
			body:   `{"detail": "invalid action"}`,
			check: func(t *testing.T, err error) {
				var ie *InputError
				if !errors.As(err, &ie) || ie.Detail != "invalid action" {
					t.Fatalf("expected InputError with detail, got %v", err)
				}
			},
		},
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			body:   `{"detail": "token required"}`,
			check: func(t *testing.T, err error) {
				var re *RejectedError
				if !errors.As(err, &re) || re.Detail != "token required" {
					t.Fatalf("expected RejectedError with detail, got %v", err)
				}
			},
		},
		{
			name:   "server error",
			status: http.StatusInternalServerError,
			body:   "boom",
			check: func(t *testing.T, err error) {
				var ge *GatewayError
				if !errors.As(err, &ge) || ge.Status != http.StatusInternalServerError || ge.Detail != "boom" {
					t.Fatalf("expected GatewayError 500 boom, got %v", err)
				}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				fmt.Fprint(w, tc.body)
			}))
			defer srv.Close()

			_, _, err := testClient().CreateVM(context.Background(), srv.URL, 1)
			tc.check(t, err)
		})
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(ErrBusy) {
		t.Fatal("ErrBusy must be retryable")
	}
	if !Retryable(fmt.Errorf("wrapped: %w", ErrBusy)) {
		t.Fatal("wrapped ErrBusy must be retryable")
	}
	if !Retryable(&GatewayError{Status: 500, Detail: "No available tokens on this worker"}) {
		t.Fatal("token exhaustion detail must be retryable")
	}
	if !Retryable(&GatewayError{Status: 500, Detail: "Server busy, try later"}) {
		t.Fatal("server busy detail must be retryable")
	}
	if Retryable(&GatewayError{Status: 500, Detail: "disk on fire"}) {
		t.Fatal("arbitrary gateway error must not be retryable")
	}
	if Retryable(errors.New("plain")) {
		t.Fatal("plain error must not be retryable")
	}
}

func TestStopVM(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		fmt.Fprint(w, "true")
	}))
	defer srv.Close()

	if err := testClient().StopVM(context.Background(), srv.URL, "abc123"); err != nil {
		t.Fatalf("StopVM returned error: %v", err)
	}
	if gotPath != "/stop/abc123" {
		t.Fatalf("expected POST /stop/abc123, got %s", gotPath)
	}
}

func TestStopVMGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"detail": "no such route"}`)
	}))
	defer srv.Close()

	err := testClient().StopVM(context.Background(), srv.URL, "gone")
	var ge *GatewayError
	if !errors.As(err, &ge) || ge.Detail != "no such route" {
		t.Fatalf("expected GatewayError with detail, got %v", err)
	}
}

func TestFetchLog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/log/abc123" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, "boot ok\nIP: 10.0.0.1:3389\n")
	}))
	defer srv.Close()

	text, err := testClient().FetchLog(context.Background(), srv.URL, "abc123")
	if err != nil {
		t.Fatalf("FetchLog returned error: %v", err)
	}
	if text != "boot ok\nIP: 10.0.0.1:3389\n" {
		t.Fatalf("unexpected log text %q", text)
	}
}

func TestTokenLeft(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   int
		hasErr bool
	}{
		{"reports slots", http.StatusOK, `{"totalSlots": 4}`, 4, false},
		{"zero is explicit", http.StatusOK, `{"totalSlots": 0}`, 0, false},
		{"unparsable means unknown", http.StatusOK, `not json`, -1, false},
		{"missing field means unknown", http.StatusOK, `{"foo": 1}`, -1, false},
		{"error status", http.StatusServiceUnavailable, ``, -1, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				fmt.Fprint(w, tc.body)
			}))
			defer srv.Close()

			got, err := testClient().TokenLeft(context.Background(), srv.URL)
			if tc.hasErr != (err != nil) {
				t.Fatalf("error mismatch: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %d tokens, got %d", tc.want, got)
			}
		})
	}
}

func TestTokenLeftUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := testClient().TokenLeft(context.Background(), srv.URL)
	if err == nil {
		t.Fatal("expected transport error for closed server")
	}
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"status": "ok", "uptime": 12})
	}))
	defer srv.Close()

	got, err := testClient().Health(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Health returned error: %v", err)
	}
	if got["status"] != "ok" {
		t.Fatalf("unexpected health payload %v", got)
	}
}

func TestHealthPlainBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "OK")
	}))
	defer srv.Close()

	got, err := testClient().Health(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Health returned error: %v", err)
	}
	if got["status"] != "OK" {
		t.Fatalf("expected plain body wrapped as status, got %v", got)
	}
}

func TestRegisterAccount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/yud-ranyisi" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["email"] == "taken@example.com" {
			w.WriteHeader(http.StatusConflict)
			return
		}
		fmt.Fprint(w, "true")
	}))
	defer srv.Close()

	ok, err := testClient().RegisterAccount(context.Background(), srv.URL, "new@example.com", "pw")
	if err != nil || !ok {
		t.Fatalf("expected successful registration, got ok=%v err=%v", ok, err)
	}

	_, err = testClient().RegisterAccount(context.Background(), srv.URL, "taken@example.com", "pw")
	var re *RejectedError
	if !errors.As(err, &re) || re.Detail != "duplicate_mail" {
		t.Fatalf("expected duplicate_mail rejection, got %v", err)
	}
}

func TestJoinURLTrimsSlashes(t *testing.T) {
	if got := joinURL("http://w1/", "/vm-loso"); got != "http://w1/vm-loso" {
		t.Fatalf("unexpected join result %q", got)
	}
	if got := joinURL("http://w1", "vm-loso"); got != "http://w1/vm-loso" {
		t.Fatalf("unexpected join result %q", got)
	}
}
