package httpkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestNewClient_Timeouts(t *testing.T) {
	if c := NewClient(); c.Timeout != 10*time.Second {
		t.Errorf("default timeout = %v, want 10s", c.Timeout)
	}
	if c := NewClient(WithTimeout(2 * time.Second)); c.Timeout != 2*time.Second {
		t.Errorf("timeout = %v, want 2s", c.Timeout)
	}
}

func TestNewTransport_HasTimeouts(t *testing.T) {
	tr := NewTransport()
	if tr.TLSHandshakeTimeout != DefaultTLSHandshakeTimeout {
		t.Errorf("TLSHandshakeTimeout = %v", tr.TLSHandshakeTimeout)
	}
	if tr.ResponseHeaderTimeout != DefaultResponseHeader {
		t.Errorf("ResponseHeaderTimeout = %v", tr.ResponseHeaderTimeout)
	}
	if tr.MaxIdleConnsPerHost != DefaultMaxIdleConnsPerHost {
		t.Errorf("MaxIdleConnsPerHost = %d", tr.MaxIdleConnsPerHost)
	}
}

func TestNewClient_UserAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.Header.Get("User-Agent")))
	}))
	defer srv.Close()

	tests := []struct {
		name   string
		client *http.Client
		header string
		want   string
	}{
		{name: "default", client: NewClient(), want: "smartfarm-agent/"},
		{name: "override", client: NewClient(WithUserAgent("bench/1.0")), want: "bench/1.0"},
		{name: "caller header kept", client: NewClient(), header: "custom/2", want: "custom/2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
			if tt.header != "" {
				req.Header.Set("User-Agent", tt.header)
			}
			resp, err := tt.client.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if !strings.HasPrefix(string(body), tt.want) {
				t.Errorf("User-Agent = %q, want prefix %q", body, tt.want)
			}
		})
	}
}

func TestNewClient_TLSInsecureSkipVerify(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if _, err := NewClient().Get(srv.URL); err == nil {
		t.Error("self-signed server accepted without opt-in")
	}
	resp, err := NewClient(WithTLSInsecureSkipVerify(true)).Get(srv.URL)
	if err != nil {
		t.Fatalf("insecure client: %v", err)
	}
	resp.Body.Close()
}

type scriptedTransport struct {
	errs   []error
	calls  int
	bodies []string
}

func (s *scriptedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	s.calls++
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		s.bodies = append(s.bodies, string(b))
	}
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &http.Response{StatusCode: http.StatusNoContent, Body: http.NoBody, Request: req}, nil
}

func newRetry(base http.RoundTripper, count int) *retryTransport {
	return &retryTransport{base: base, count: count, delay: time.Millisecond, logger: slogDiscard()}
}

func TestRetryTransport_RetriesTransientErrors(t *testing.T) {
	base := &scriptedTransport{errs: []error{
		fmt.Errorf("dial: %w", syscall.ECONNREFUSED),
		fmt.Errorf("dial: %w", syscall.EHOSTUNREACH),
	}}
	req, _ := http.NewRequest(http.MethodPost, "http://influx.local/api/v2/write", strings.NewReader("env t=1"))

	resp, err := newRetry(base, 3).RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if base.calls != 3 {
		t.Errorf("calls = %d, want 3", base.calls)
	}
	for i, b := range base.bodies {
		if b != "env t=1" {
			t.Errorf("attempt %d body = %q, want rewound body", i, b)
		}
	}
}

func TestRetryTransport_ExhaustsRetries(t *testing.T) {
	refused := fmt.Errorf("dial: %w", syscall.ECONNREFUSED)
	base := &scriptedTransport{errs: []error{refused, refused, refused, refused}}
	req, _ := http.NewRequest(http.MethodGet, "http://influx.local/health", nil)

	_, err := newRetry(base, 2).RoundTrip(req)
	if !errors.Is(err, syscall.ECONNREFUSED) {
		t.Errorf("err = %v, want ECONNREFUSED", err)
	}
	if base.calls != 3 {
		t.Errorf("calls = %d, want 3 (1 + 2 retries)", base.calls)
	}
}

func TestRetryTransport_NoRetryOnOtherErrors(t *testing.T) {
	base := &scriptedTransport{errs: []error{errors.New("tls: bad certificate")}}
	req, _ := http.NewRequest(http.MethodGet, "http://influx.local/health", nil)

	if _, err := newRetry(base, 3).RoundTrip(req); err == nil {
		t.Fatal("expected error")
	}
	if base.calls != 1 {
		t.Errorf("calls = %d, want 1", base.calls)
	}
}

func TestRetryTransport_NoRetryWithoutGetBody(t *testing.T) {
	base := &scriptedTransport{errs: []error{fmt.Errorf("dial: %w", syscall.ECONNREFUSED)}}
	req, _ := http.NewRequest(http.MethodPost, "http://influx.local/api/v2/write", strings.NewReader("x"))
	req.GetBody = nil

	if _, err := newRetry(base, 3).RoundTrip(req); err == nil {
		t.Fatal("expected error")
	}
	if base.calls != 1 {
		t.Errorf("calls = %d, want 1 for a body that cannot be rewound", base.calls)
	}
}

func TestRetryTransport_Cancelled(t *testing.T) {
	refused := fmt.Errorf("dial: %w", syscall.ECONNREFUSED)
	base := &scriptedTransport{errs: []error{refused, refused, refused}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://influx.local/health", nil)

	rt := &retryTransport{base: base, count: 5, delay: time.Hour, logger: slogDiscard()}
	if _, err := rt.RoundTrip(req); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{syscall.EHOSTUNREACH, true},
		{fmt.Errorf("wrapped: %w", syscall.ENETUNREACH), true},
		{syscall.ECONNREFUSED, true},
		{syscall.ECONNRESET, false},
		{context.Canceled, false},
		{errors.New("boom"), false},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
