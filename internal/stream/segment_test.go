package stream

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"cb-recorder/internal/client"
	"cb-recorder/internal/platform/config"
	"cb-recorder/internal/streamerr"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testClient(serverURL string) *client.Client {
	return client.New(config.NetworkConfig{Domain: serverURL}, testLogger())
}

func TestSegmentTracker_ExtractSequence(t *testing.T) {
	tr := NewSegmentTracker()

	cases := []struct {
		uri  string
		want uint64
		ok   bool
	}{
		{"media_w123456789_1042.ts", 1042, true},
		{"media_w1_b5128000_7.ts", 7, true},
		{"https://edge.example.com/live/media_55.ts", 55, true},
		{"media_0.ts", 0, true},
		{"playlist.m3u8", 0, false},
		{"media.ts", 0, false},
		{"media_12.mp4", 0, false},
		{"media_99999999999999999999999.ts", 0, false},
	}
	for _, tc := range cases {
		got, ok := tr.ExtractSequence(tc.uri)
		if ok != tc.ok || got != tc.want {
			t.Errorf("ExtractSequence(%q) = (%d, %v), want (%d, %v)", tc.uri, got, ok, tc.want, tc.ok)
		}
	}
}

func TestSegmentTracker_MonotonicSequence(t *testing.T) {
	tr := NewSegmentTracker()

	if !tr.IsNew(1) {
		t.Error("first sequence should be new")
	}
	tr.Update(5)

	if tr.IsNew(5) {
		t.Error("sequence equal to the newest seen must not be new")
	}
	if tr.IsNew(4) {
		t.Error("older sequence must not be new")
	}
	if !tr.IsNew(6) {
		t.Error("higher sequence should be new")
	}

	tr.Update(3)
	if tr.LastSequence() != 5 {
		t.Errorf("tracker moved backwards to %d", tr.LastSequence())
	}
}

func TestDownloadSegment_SucceedsAfterRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		io.WriteString(w, "segment-data")
	}))
	defer srv.Close()

	data, err := downloadSegment(context.Background(), testClient(srv.URL), srv.URL+"/media_1.ts", 3)
	if err != nil {
		t.Fatalf("downloadSegment: %v", err)
	}
	if string(data) != "segment-data" {
		t.Errorf("data = %q", data)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestDownloadSegment_GivesUpAfterAllAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := downloadSegment(context.Background(), testClient(srv.URL), srv.URL+"/media_1.ts", 3)
	if err == nil {
		t.Fatal("expected an error")
	}
	if got := streamerr.KindOf(err); got != streamerr.KindSegmentDownload {
		t.Errorf("kind = %v, want %v", got, streamerr.KindSegmentDownload)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestDownloadSegment_StopsOnCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := downloadSegment(ctx, testClient(srv.URL), srv.URL+"/media_1.ts", 3)
	if err == nil {
		t.Fatal("expected an error")
	}
}
