package httpgen

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pario-ai/genroute/pkg/adapter"
	"github.com/pario-ai/genroute/pkg/models"
)

func newAdapter(t *testing.T, h http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	a, err := New(models.AccountSpec{
		ID:           "acct",
		BaseURL:      srv.URL + "/",
		APIKey:       "sk-test",
		Capabilities: []models.Capability{models.CapabilityPremium},
		Options:      map[string]string{"header.X-Workspace": "ws-1", "other": "x"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestDispatchSuccess(t *testing.T) {
	a := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/generate" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("expected bearer auth, got %q", got)
		}
		if got := r.Header.Get("X-Workspace"); got != "ws-1" {
			t.Errorf("expected extra header, got %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"prompt":"cat"}` {
			t.Errorf("payload not forwarded verbatim: %s", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result":{"url":"https://cdn/x.mp4"},"credits":12.2}`))
	})

	res, err := a.Dispatch(context.Background(), json.RawMessage(`{"prompt":"cat"}`), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.CreditsConsumed != 13 {
		t.Errorf("expected fractional credits rounded up to 13, got %d", res.CreditsConsumed)
	}
	if string(res.Payload) != `{"url":"https://cdn/x.mp4"}` {
		t.Errorf("unexpected payload %s", res.Payload)
	}
}

func TestDispatchClassifiesStatus(t *testing.T) {
	cases := []struct {
		status int
		want   adapter.Kind
	}{
		{http.StatusTooManyRequests, adapter.KindTransient},
		{http.StatusBadGateway, adapter.KindTransient},
		{http.StatusPaymentRequired, adapter.KindQuotaExhausted},
		{http.StatusBadRequest, adapter.KindMalformed},
		{http.StatusUnprocessableEntity, adapter.KindMalformed},
		{http.StatusUnauthorized, adapter.KindAuth},
		{http.StatusNotFound, adapter.KindPermanent},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			a := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tc.status)
			})
			_, err := a.Dispatch(context.Background(), json.RawMessage(`{}`), time.Second)
			var ae *adapter.Error
			if !errors.As(err, &ae) {
				t.Fatalf("expected *adapter.Error, got %v", err)
			}
			if ae.Kind != tc.want || ae.StatusCode != tc.status {
				t.Errorf("expected %s/%d, got %s/%d", tc.want, tc.status, ae.Kind, ae.StatusCode)
			}
		})
	}
}

func TestDispatchTimeoutIsTransient(t *testing.T) {
	a := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	_, err := a.Dispatch(context.Background(), json.RawMessage(`{}`), 50*time.Millisecond)
	if adapter.KindOf(err) != adapter.KindTransient {
		t.Errorf("expected transient, got %v", err)
	}
}

func TestProbe(t *testing.T) {
	cases := []struct {
		status int
		want   models.ProbeResult
	}{
		{http.StatusOK, models.ProbeOK},
		{http.StatusForbidden, models.ProbeAuth},
		{http.StatusTooManyRequests, models.ProbeSoft},
		{http.StatusServiceUnavailable, models.ProbeFailed},
	}
	for _, tc := range cases {
		a := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/v1/health" {
				t.Errorf("unexpected path %s", r.URL.Path)
			}
			w.WriteHeader(tc.status)
		})
		s := a.Probe(context.Background(), time.Second)
		if s.Result != tc.want {
			t.Errorf("status %d: expected %s, got %s", tc.status, tc.want, s.Result)
		}
	}
}

func TestProbeUnreachable(t *testing.T) {
	a, err := New(models.AccountSpec{ID: "x", BaseURL: "http://127.0.0.1:1"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if s := a.Probe(context.Background(), 200*time.Millisecond); s.Result != models.ProbeFailed {
		t.Errorf("expected failed probe, got %s", s.Result)
	}
}

func TestBalance(t *testing.T) {
	a := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"remaining": 4200.9}`))
	})
	got, err := a.Balance(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got != 4200 {
		t.Errorf("expected 4200, got %d", got)
	}
}

func TestFactoryRegistered(t *testing.T) {
	a, err := adapter.New(models.AccountSpec{ID: "x", Type: "http", BaseURL: "http://localhost"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := a.(*Adapter); !ok {
		t.Errorf("expected *httpgen.Adapter, got %T", a)
	}
	if _, err := New(models.AccountSpec{ID: "x"}, nil); err == nil {
		t.Error("expected error without base_url")
	}
}
