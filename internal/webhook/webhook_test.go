package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSend_PostsMessageJSON(t *testing.T) {
	var got Message
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
	}))
	defer srv.Close()

	n := New(srv.URL, "cb-recorder", testLogger(), nil)
	if err := n.send(context.Background(), "room alice is misbehaving"); err != nil {
		t.Fatalf("send: %v", err)
	}

	if contentType != "application/json" {
		t.Errorf("content type = %q, want application/json", contentType)
	}
	if got.Text != "room alice is misbehaving" {
		t.Errorf("text = %q", got.Text)
	}
	if got.Source != "cb-recorder" {
		t.Errorf("source = %q", got.Source)
	}
	if _, err := time.Parse(time.RFC3339, got.Timestamp); err != nil {
		t.Errorf("timestamp %q is not RFC3339: %v", got.Timestamp, err)
	}
}

func TestSend_RejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := New(srv.URL, "cb-recorder", testLogger(), nil)
	if err := n.send(context.Background(), "hello"); err == nil {
		t.Error("send accepted a 500 response")
	}
}

func TestNotify_DeliversInBackground(t *testing.T) {
	received := make(chan Message, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m Message
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			t.Errorf("decode body: %v", err)
		}
		received <- m
	}))
	defer srv.Close()

	n := New(srv.URL, "cb-recorder", testLogger(), nil)
	n.Notify("cookie death: 3 of 4 checked rooms failed auth")

	select {
	case m := <-received:
		if m.Text != "cookie death: 3 of 4 checked rooms failed auth" {
			t.Errorf("text = %q", m.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never delivered")
	}
}

func TestNotify_FailureIsSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	failed := make(chan struct{}, 1)
	log := slog.New(slog.NewTextHandler(writerFunc(func(p []byte) (int, error) {
		select {
		case failed <- struct{}{}:
		default:
		}
		return len(p), nil
	}), nil))

	n := New(srv.URL, "cb-recorder", log, nil)
	n.Notify("doomed")

	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery failure never logged")
	}
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
