package wayplan

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientRequests(t *testing.T) {
	var gotMethod, gotPath, gotAuth, gotIdem string
	var gotBody map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotIdem = r.Header.Get("Idempotency-Key")
		gotBody = nil
		if r.Body != nil {
			json.NewDecoder(r.Body).Decode(&gotBody)
		}
		json.NewEncoder(w).Encode(Result{OK: true, Data: json.RawMessage(`{"id":"t1"}`)})
	}))
	defer server.Close()

	client := NewClient("tok-123", WithBaseURL(server.URL))
	ctx := context.Background()

	t.Run("create", func(t *testing.T) {
		res, err := client.Create(ctx, CollectionTrips, map[string]any{"title": "Lisbon"})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if !res.OK {
			t.Fatal("expected OK")
		}
		if gotMethod != http.MethodPost || gotPath != "/api/db/trips" {
			t.Fatalf("got %s %s", gotMethod, gotPath)
		}
		if gotAuth != "Bearer tok-123" {
			t.Fatalf("auth header = %q", gotAuth)
		}
		if gotBody["title"] != "Lisbon" {
			t.Fatalf("body = %v", gotBody)
		}
	})

	t.Run("get", func(t *testing.T) {
		if _, err := client.Get(ctx, CollectionTrips, "t1"); err != nil {
			t.Fatalf("Get: %v", err)
		}
		if gotMethod != http.MethodGet || gotPath != "/api/db/trips/t1" {
			t.Fatalf("got %s %s", gotMethod, gotPath)
		}
	})

	t.Run("update", func(t *testing.T) {
		if _, err := client.Update(ctx, CollectionTrips, "t1", map[string]any{"title": "Porto"}); err != nil {
			t.Fatalf("Update: %v", err)
		}
		if gotMethod != http.MethodPatch || gotPath != "/api/db/trips/t1" {
			t.Fatalf("got %s %s", gotMethod, gotPath)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if _, err := client.Delete(ctx, CollectionTrips, "t1"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if gotMethod != http.MethodDelete || gotPath != "/api/db/trips/t1" {
			t.Fatalf("got %s %s", gotMethod, gotPath)
		}
	})

	t.Run("idempotency key forwarded", func(t *testing.T) {
		if _, err := client.request(ctx, http.MethodPost, "/api/db/trips", map[string]any{}, "key-1"); err != nil {
			t.Fatalf("request: %v", err)
		}
		if gotIdem != "key-1" {
			t.Fatalf("idempotency header = %q", gotIdem)
		}
	})
}

func TestClientErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(Result{OK: false, Error: &APIError{Code: "forbidden", Message: "not yours"}})
	}))
	defer server.Close()

	client := NewClient("tok", WithBaseURL(server.URL))
	res, err := client.Get(context.Background(), CollectionTrips, "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res.OK {
		t.Fatal("expected !OK")
	}
	if res.Error.Status != http.StatusForbidden {
		t.Fatalf("error status = %d, want 403", res.Error.Status)
	}
}

func TestSignIn(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/auth/signin" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(Result{
			OK:   true,
			Data: json.RawMessage(`{"token":"tok-new","session":{"userId":"u1","name":"Ana","email":"ana@example.com"}}`),
		})
	}))
	defer server.Close()

	client := NewClient("", WithBaseURL(server.URL))
	sess, err := client.SignIn(context.Background(), "ana@example.com", "pw")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if sess.UserID != "u1" || sess.Email != "ana@example.com" {
		t.Fatalf("session = %+v", sess)
	}
	if client.Token() != "tok-new" {
		t.Fatalf("token = %q, want tok-new", client.Token())
	}
}

func TestSubscribeURL(t *testing.T) {
	client := NewClient("tok", WithBaseURL("https://api.example.com"))
	got := client.SubscribeURL(QueryOwned)
	want := "wss://api.example.com/api/db/subscribe?query=owned&token=tok"
	if got != want {
		t.Fatalf("SubscribeURL = %q, want %q", got, want)
	}
}
