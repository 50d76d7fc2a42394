package wayplan

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestProbeMonitor(t *testing.T) {
	ctx := context.Background()

	t.Run("healthy store reports online", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/api/health" {
				t.Errorf("path = %s", r.URL.Path)
			}
			json.NewEncoder(w).Encode(Result{OK: true})
		}))
		defer server.Close()

		m := NewProbeMonitor(NewClient("", WithBaseURL(server.URL)), 0)
		if !m.Online(ctx) {
			t.Fatal("expected online")
		}
	})

	t.Run("unhealthy response reports offline", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(Result{OK: false, Error: &APIError{Code: "unavailable", Message: "maintenance"}})
		}))
		defer server.Close()

		m := NewProbeMonitor(NewClient("", WithBaseURL(server.URL)), 0)
		if m.Online(ctx) {
			t.Fatal("expected offline")
		}
	})

	t.Run("unreachable store reports offline", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		server.Close()

		m := NewProbeMonitor(NewClient("", WithBaseURL(server.URL)), 0)
		if m.Online(ctx) {
			t.Fatal("expected offline after server shutdown")
		}
	})
}

func TestStaticMonitor(t *testing.T) {
	m := NewStaticMonitor(false)
	if m.Online(context.Background()) {
		t.Fatal("expected offline")
	}
	m.SetOnline(true)
	if !m.Online(context.Background()) {
		t.Fatal("expected online")
	}
}
