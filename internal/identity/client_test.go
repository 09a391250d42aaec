package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGetUserStatus_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("method = %s, want GET", r.Method)
		}
		if r.URL.Path != "/api/users/42/status" {
			t.Fatalf("path = %s, want /api/users/42/status", r.URL.Path)
		}

		resp := UserStatus{
			UserID: 42,
			Active: true,
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, code, retry, err := client.GetUserStatus(ctx, 42)
	if err != nil {
		t.Fatalf("GetUserStatus error: %v", err)
	}
	if code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", code, http.StatusOK)
	}
	if retry != 0 {
		t.Fatalf("retryAfter = %v, want 0", retry)
	}
	if res == nil || res.UserID != 42 || !res.Active {
		t.Fatalf("unexpected response: %+v", res)
	}
}

func TestGetUserStatus_TooManyRequests(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, code, retry, err := client.GetUserStatus(ctx, 42)
	if err != nil {
		t.Fatalf("GetUserStatus error: %v", err)
	}
	if res != nil {
		t.Fatalf("expected nil response for 429, got %+v", res)
	}
	if code != http.StatusTooManyRequests {
		t.Fatalf("status code = %d, want %d", code, http.StatusTooManyRequests)
	}
	if retry < 5*time.Second {
		t.Fatalf("retryAfter = %v, want at least 5s", retry)
	}
}

func TestGetUserStatus_NoContent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, code, retry, err := client.GetUserStatus(ctx, 42)
	if err != nil {
		t.Fatalf("GetUserStatus error: %v", err)
	}
	if res != nil {
		t.Fatalf("expected nil response for 204, got %+v", res)
	}
	if code != http.StatusNoContent {
		t.Fatalf("status code = %d, want %d", code, http.StatusNoContent)
	}
	if retry != 0 {
		t.Fatalf("retryAfter = %v, want 0", retry)
	}
}

func TestGetUserStatus_RetriesServerErrors(t *testing.T) {
	attempts := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(UserStatus{UserID: 42, Active: false})
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, code, _, err := client.GetUserStatus(ctx, 42)
	if err != nil {
		t.Fatalf("GetUserStatus error: %v", err)
	}
	if code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", code, http.StatusOK)
	}
	if res == nil || res.Active {
		t.Fatalf("unexpected response: %+v", res)
	}
	if attempts < 2 {
		t.Fatalf("expected transport retry after 500, attempts = %d", attempts)
	}
}
