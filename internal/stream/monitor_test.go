package stream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cb-recorder/internal/platform/config"
	"cb-recorder/internal/streamerr"
)

func TestCheckState_BackoffDoublesPerRepeat(t *testing.T) {
	var st checkState
	base := time.Minute
	now := time.Now()

	st.observe(streamerr.KindBroadcasterOffline, now, base)
	if got := st.nextCheck.Sub(now); got != 2*base {
		t.Errorf("first repeat delay = %v, want %v", got, 2*base)
	}
	st.observe(streamerr.KindBroadcasterOffline, now, base)
	if got := st.nextCheck.Sub(now); got != 4*base {
		t.Errorf("second repeat delay = %v, want %v", got, 4*base)
	}
	st.observe(streamerr.KindBroadcasterOffline, now, base)
	if got := st.nextCheck.Sub(now); got != 8*base {
		t.Errorf("third repeat delay = %v, want %v", got, 8*base)
	}
}

func TestCheckState_KindChangeResetsMultiplier(t *testing.T) {
	var st checkState
	base := time.Minute
	now := time.Now()

	st.observe(streamerr.KindBroadcasterOffline, now, base)
	st.observe(streamerr.KindBroadcasterOffline, now, base)

	if changed := st.observe(streamerr.KindPrivateStream, now, base); !changed {
		t.Error("kind change not reported")
	}
	if got := st.nextCheck.Sub(now); got != 2*base {
		t.Errorf("delay after kind change = %v, want %v", got, 2*base)
	}

	if changed := st.observe(streamerr.KindBroadcasterOffline, now, base); !changed {
		t.Error("return to previous kind is still a change")
	}
	if got := st.nextCheck.Sub(now); got != 2*base {
		t.Errorf("delay = %v, want %v", got, 2*base)
	}

	if changed := st.observe(streamerr.KindBroadcasterOffline, now, base); changed {
		t.Error("repeat of same kind reported as change")
	}
}

func TestCheckState_BackoffCapsAt64x(t *testing.T) {
	var st checkState
	base := time.Minute
	now := time.Now()

	for i := 0; i < 10; i++ {
		st.observe(streamerr.KindBroadcasterOffline, now, base)
	}
	if got := st.nextCheck.Sub(now); got != 64*base {
		t.Errorf("capped delay = %v, want %v", got, 64*base)
	}
}

func TestCheckState_DueAndReset(t *testing.T) {
	var st checkState
	now := time.Now()

	if !st.due(now) {
		t.Error("fresh state must be due immediately")
	}

	st.observe(streamerr.KindBroadcasterOffline, now, time.Minute)
	if st.due(now.Add(time.Minute)) {
		t.Error("due inside the backoff window")
	}
	if !st.due(now.Add(3 * time.Minute)) {
		t.Error("not due after the backoff window")
	}

	st.reset()
	if !st.due(now) {
		t.Error("reset state must be due immediately")
	}
}

func TestCookieDeathTriggered(t *testing.T) {
	cases := []struct {
		checked, authFailures int
		want                  bool
	}{
		{4, 2, true},
		{5, 2, false},
		{1, 1, true},
		{2, 1, true},
		{3, 1, false},
		{0, 0, false},
		{3, 0, false},
	}
	for _, tc := range cases {
		if got := cookieDeathTriggered(tc.checked, tc.authFailures); got != tc.want {
			t.Errorf("cookieDeathTriggered(%d, %d) = %v, want %v",
				tc.checked, tc.authFailures, got, tc.want)
		}
	}
}

type fakeNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (n *fakeNotifier) Notify(text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts = append(n.texts, text)
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.texts)
}

func (n *fakeNotifier) last() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.texts) == 0 {
		return ""
	}
	return n.texts[len(n.texts)-1]
}

type journalEntry struct {
	id, room, reason string
	segments         uint64
}

type fakeJournal struct {
	mu       sync.Mutex
	starts   []journalEntry
	finishes []journalEntry
}

func (j *fakeJournal) RecordStart(id, room string, resolution, framerate int, startedAt time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.starts = append(j.starts, journalEntry{id: id, room: room})
	return nil
}

func (j *fakeJournal) RecordFinish(id string, stats *RecordingStats, endReason string, endedAt time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.finishes = append(j.finishes, journalEntry{id: id, reason: endReason, segments: stats.SegmentsDownloaded})
	return nil
}

func (j *fakeJournal) finishCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.finishes)
}

func (j *fakeJournal) lastFinish() journalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.finishes) == 0 {
		return journalEntry{}
	}
	return j.finishes[len(j.finishes)-1]
}

// monitorSite is a fake cam site whose behavior flips at runtime.
type monitorSite struct {
	srv     *httptest.Server
	blocked atomic.Bool // room pages return 403
	offline atomic.Bool // room pages lose the live marker
	endlist atomic.Bool // the media playlist signals ENDLIST
}

func newMonitorSite(t *testing.T, rooms ...string) *monitorSite {
	t.Helper()
	site := &monitorSite{}
	mux := http.NewServeMux()
	site.srv = httptest.NewServer(mux)
	t.Cleanup(site.srv.Close)

	roomHandler := func(w http.ResponseWriter, r *http.Request) {
		switch {
		case site.blocked.Load():
			w.WriteHeader(http.StatusForbidden)
		case site.offline.Load():
			io.WriteString(w, "<html><body>Next broadcast soon</body></html>")
		default:
			io.WriteString(w, livePage(site.srv.URL))
		}
	}
	for _, room := range rooms {
		mux.HandleFunc("/"+room+"/", roomHandler)
	}
	mux.HandleFunc("/live/playlist.m3u8", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=4000000,RESOLUTION=1920x1080,NAME="1080p"
1080p30/playlist.m3u8
`)
	})
	mux.HandleFunc("/live/1080p30/playlist.m3u8", func(w http.ResponseWriter, r *http.Request) {
		body := "#EXTM3U\n#EXT-X-TARGETDURATION:2\n#EXT-X-MEDIA-SEQUENCE:1\n#EXTINF:2.0,\nmedia_w1_1.ts\n"
		if site.endlist.Load() {
			body += "#EXT-X-ENDLIST\n"
		}
		io.WriteString(w, body)
	})
	mux.HandleFunc("/live/1080p30/media_w1_1.ts", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "DATA")
	})
	return site
}

func newTestMonitor(t *testing.T, site *monitorSite, rooms []string, notifier Notifier, journal RecordingJournal) *Monitor {
	t.Helper()
	mon := NewMonitor(MonitorOptions{
		Client:    testClient(site.srv.URL),
		Rooms:     rooms,
		Recording: config.RecordingConfig{OutputDirectory: t.TempDir(), FilenamePattern: "{{.Username}}", Resolution: 1080, Framerate: 30},
		Log:       testLogger(),
		Notifier:  notifier,
		Journal:   journal,
	})
	mon.checkInterval = 5 * time.Millisecond
	mon.pollInterval = time.Millisecond
	return mon
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestMonitor_RecordsRoomAndRevertsToUnknown(t *testing.T) {
	site := newMonitorSite(t, "alice")
	site.endlist.Store(true)

	journal := &fakeJournal{}
	mon := newTestMonitor(t, site, []string{"alice"}, nil, journal)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- mon.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool { return journal.finishCount() >= 1 },
		"recording never finished")

	cancel()
	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}

	journal.mu.Lock()
	defer journal.mu.Unlock()
	if len(journal.starts) == 0 {
		t.Fatal("no recording start journaled")
	}
	if journal.starts[0].room != "alice" {
		t.Errorf("journaled room = %q", journal.starts[0].room)
	}
	found := false
	for _, fin := range journal.finishes {
		if fin.reason == EndReasonEnded {
			found = true
		}
	}
	if !found {
		t.Error("no finish with the ended reason journaled")
	}
}

func TestMonitor_CookieDeathRoundTrip(t *testing.T) {
	site := newMonitorSite(t, "alice", "bob")
	site.blocked.Store(true)

	notifier := &fakeNotifier{}
	mon := newTestMonitor(t, site, []string{"alice", "bob"}, notifier, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- mon.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool { return notifier.count() >= 1 },
		"cookie death never detected")
	if !mon.CookieDeathActive() {
		t.Error("cookie death flag not set")
	}
	for room, st := range mon.Statuses() {
		if st != StatusCookieDead && st != StatusPrivate {
			t.Errorf("room %s status = %s during cookie death", room, st)
		}
	}

	// Cookies "fixed": rooms answer again, just offline.
	site.blocked.Store(false)
	site.offline.Store(true)

	waitFor(t, 2*time.Second, func() bool { return notifier.count() >= 2 },
		"cookie death never recovered")
	if mon.CookieDeathActive() {
		t.Error("cookie death flag still set after recovery")
	}
	if last := notifier.last(); !strings.Contains(last, "recovered") {
		t.Errorf("recovery alert = %q", last)
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestMonitor_ShutdownDrainsActiveRecordings(t *testing.T) {
	site := newMonitorSite(t, "alice")
	// No ENDLIST: the recording runs until shutdown cancels it.

	journal := &fakeJournal{}
	mon := newTestMonitor(t, site, []string{"alice"}, nil, journal)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- mon.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool { return mon.ActiveRecordings() == 1 },
		"recording never started")

	cancel()
	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not drain recordings")
	}

	if mon.ActiveRecordings() != 0 {
		t.Errorf("active recordings after shutdown = %d", mon.ActiveRecordings())
	}
	if journal.finishCount() != 1 {
		t.Fatalf("journaled finishes = %d, want 1", journal.finishCount())
	}
	if got := journal.lastFinish().reason; got != EndReasonStopped {
		t.Errorf("finish reason = %q, want %q", got, EndReasonStopped)
	}
}
