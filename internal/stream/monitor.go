package stream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"cb-recorder/internal/client"
	"cb-recorder/internal/platform/config"
	"cb-recorder/internal/platform/metrics"
	"cb-recorder/internal/streamerr"
)

// maxBackoffShift caps the exponential backoff at 64x the base interval.
const maxBackoffShift = 6

// checkState tracks one room's recent failure pattern. It drives both the
// backoff schedule and the log dedup: repeats of the same error kind are
// silent until the kind changes or the room succeeds. Owned exclusively by
// the monitor loop.
type checkState struct {
	lastKind    streamerr.Kind
	consecutive int
	nextCheck   time.Time
}

// observe records a failed check of the given kind and schedules the next
// check at base * 2^min(consecutive, 6). It reports whether the kind
// differs from the previous outcome, which is when the failure gets logged.
func (s *checkState) observe(kind streamerr.Kind, now time.Time, base time.Duration) bool {
	changed := s.consecutive == 0 || kind != s.lastKind
	if changed {
		s.lastKind = kind
		s.consecutive = 1
	} else {
		s.consecutive++
	}
	shift := s.consecutive
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	s.nextCheck = now.Add(base << shift)
	return changed
}

// reset clears the backoff so the room is checked on the next cycle.
func (s *checkState) reset() {
	*s = checkState{}
}

// due reports whether the room's backoff window has passed.
func (s *checkState) due(now time.Time) bool {
	return !now.Before(s.nextCheck)
}

// cookieDeathTriggered reports whether a cycle's auth failures cross the
// credential-death threshold: at least half of the rooms actually checked.
func cookieDeathTriggered(checked, authFailures int) bool {
	return checked > 0 && authFailures*2 >= checked
}

// Notifier delivers operator alerts. Implementations must not block the
// monitor loop.
type Notifier interface {
	Notify(text string)
}

// RecordingJournal persists recording session history.
type RecordingJournal interface {
	RecordStart(id, room string, resolution, framerate int, startedAt time.Time) error
	RecordFinish(id string, stats *RecordingStats, endReason string, endedAt time.Time) error
}

// activeRecording couples a running recorder task with its own cancellation
// handle, so one room can be stopped without touching the others.
type activeRecording struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
	stats  *RecordingStats
	err    error
}

// MonitorOptions wires a Monitor. Metrics, Notifier and Journal are
// optional.
type MonitorOptions struct {
	Client    *client.Client
	Rooms     []string
	Monitor   config.MonitorConfig
	Recording config.RecordingConfig
	Log       *slog.Logger
	Metrics   *metrics.Metrics
	Notifier  Notifier
	Journal   RecordingJournal
}

// Monitor watches rooms, starts a recorder task whenever one comes online,
// backs off on persistent failures, and watches the aggregate error
// pattern for cookie death.
type Monitor struct {
	client        *client.Client
	rooms         []string
	checkInterval time.Duration
	recCfg        config.RecordingConfig
	log           *slog.Logger
	metrics       *metrics.Metrics
	notifier      Notifier
	journal       RecordingJournal
	board         *statusBoard

	// pollInterval overrides the recorder poll interval when positive.
	pollInterval time.Duration
}

// NewMonitor builds a Monitor for the given rooms.
func NewMonitor(opts MonitorOptions) *Monitor {
	return &Monitor{
		client:        opts.Client,
		rooms:         opts.Rooms,
		checkInterval: opts.Monitor.CheckInterval(),
		recCfg:        opts.Recording,
		log:           opts.Log,
		metrics:       opts.Metrics,
		notifier:      opts.Notifier,
		journal:       opts.Journal,
		board:         newStatusBoard(opts.Rooms),
	}
}

// Statuses returns a snapshot of every room's last known status.
func (m *Monitor) Statuses() map[string]RoomStatus {
	return m.board.snapshot()
}

// CookieDeathActive reports whether the monitor currently considers the
// session cookies dead.
func (m *Monitor) CookieDeathActive() bool {
	return m.board.cookieDeathActive()
}

// ActiveRecordings returns the number of rooms currently recording.
func (m *Monitor) ActiveRecordings() int {
	return m.board.recordingCount()
}

// Run drives the monitor loop until ctx is canceled, then drains every
// active recording before returning.
func (m *Monitor) Run(ctx context.Context) error {
	active := make(map[string]*activeRecording, len(m.rooms))
	backoff := make(map[string]*checkState, len(m.rooms))
	for _, room := range m.rooms {
		backoff[room] = &checkState{}
	}

	m.log.Info("monitor started",
		slog.Int("rooms", len(m.rooms)),
		slog.Duration("check_interval", m.checkInterval))

	for {
		if ctx.Err() != nil {
			m.shutdown(active)
			return nil
		}

		checked, authFailures := m.checkRooms(ctx, active, backoff)
		m.updateCookieDeath(checked, authFailures, backoff)
		m.sweepFinished(active)

		select {
		case <-ctx.Done():
		case <-time.After(m.checkInterval):
		}
	}
}

// checkRooms runs one discovery pass over every non-recording room whose
// backoff window has passed, starting recordings on success. It returns
// how many rooms were actually checked and how many of those failed with
// an auth-shaped error (private or Cloudflare).
func (m *Monitor) checkRooms(ctx context.Context, active map[string]*activeRecording, backoff map[string]*checkState) (checked, authFailures int) {
	now := time.Now()
	for _, room := range m.rooms {
		if ctx.Err() != nil {
			return checked, authFailures
		}
		if _, recording := active[room]; recording {
			continue
		}
		st := backoff[room]
		if !st.due(now) {
			continue
		}

		info, err := GetStreamInfo(ctx, m.client, room, m.recCfg.Resolution, m.recCfg.Framerate)
		checked++
		m.metrics.IncRoomChecks()

		if err == nil {
			st.reset()
			m.startRecording(ctx, room, info, active)
			continue
		}
		if ctx.Err() != nil {
			// Shutdown mid-check, not a real outcome.
			return checked, authFailures
		}

		kind := streamerr.KindOf(err)
		changed := st.observe(kind, now, m.checkInterval)
		switch kind {
		case streamerr.KindBroadcasterOffline:
			m.board.set(room, StatusOffline)
			if changed {
				m.log.Info("room offline", slog.String("room", room))
			}
		case streamerr.KindPrivateStream:
			authFailures++
			m.board.set(room, StatusPrivate)
			if changed {
				m.log.Warn("room check failed",
					slog.String("room", room), slog.String("error", err.Error()))
			}
		case streamerr.KindCloudflareBlocked:
			authFailures++
			if changed {
				m.log.Warn("room check failed",
					slog.String("room", room), slog.String("error", err.Error()))
			}
		default:
			if changed {
				m.log.Error("room check failed",
					slog.String("room", room), slog.String("error", err.Error()))
			}
		}
	}
	return checked, authFailures
}

// startRecording spawns a recorder task for room and registers it in the
// active set.
func (m *Monitor) startRecording(ctx context.Context, room string, info *StreamInfo, active map[string]*activeRecording) {
	if _, recording := active[room]; recording {
		return
	}

	id := ulid.Make().String()
	recCtx, cancel := context.WithCancel(ctx)
	rec := &activeRecording{id: id, cancel: cancel, done: make(chan struct{})}

	m.log.Info("room online, starting recording",
		slog.String("room", room),
		slog.String("session", id),
		slog.Int("resolution", info.Resolution),
		slog.Int("framerate", info.Framerate))
	m.metrics.IncRecordingsStarted()
	if m.journal != nil {
		if err := m.journal.RecordStart(id, room, info.Resolution, info.Framerate, time.Now()); err != nil {
			m.log.Warn("history write failed",
				slog.String("room", room), slog.String("error", err.Error()))
		}
	}

	recorder := NewRecorder(m.client, m.recCfg, m.log, m.metrics)
	if m.pollInterval > 0 {
		recorder.pollInterval = m.pollInterval
	}
	go func() {
		defer close(rec.done)
		defer rec.cancel()
		rec.stats, rec.err = recorder.Record(recCtx, info)
	}()

	active[room] = rec
	m.board.set(room, StatusRecording)
	m.metrics.SetActiveRecordings(m.board.recordingCount())
}

// updateCookieDeath applies the aggregate auth-failure statistic after a
// cycle: entering credential death marks every non-recording room and
// fires a webhook once; a later clean cycle exits it, fires the recovery
// webhook and resets every backoff for an immediate re-check.
func (m *Monitor) updateCookieDeath(checked, authFailures int, backoff map[string]*checkState) {
	if !m.board.cookieDeathActive() {
		if cookieDeathTriggered(checked, authFailures) {
			m.board.setCookieDeath(true)
			m.board.markAllNotRecording(StatusCookieDead)
			m.metrics.SetCookieDeath(true)
			m.log.Error("cookie death detected",
				slog.Int("checked", checked), slog.Int("auth_failures", authFailures))
			m.notify(fmt.Sprintf(
				"cookie death: %d of %d checked rooms returned auth failures, refresh session cookies",
				authFailures, checked))
		}
		return
	}

	if checked > 0 && authFailures == 0 {
		m.board.setCookieDeath(false)
		m.metrics.SetCookieDeath(false)
		for _, st := range backoff {
			st.reset()
		}
		m.log.Info("cookie death recovered", slog.Int("checked", checked))
		m.notify("cookie death recovered, room checks are passing again")
	}
}

func (m *Monitor) notify(text string) {
	if m.notifier != nil {
		m.notifier.Notify(text)
	}
}

// sweepFinished collects recorder tasks that have finished on their own.
func (m *Monitor) sweepFinished(active map[string]*activeRecording) {
	for room, rec := range active {
		select {
		case <-rec.done:
			delete(active, room)
			m.collect(room, rec, false)
		default:
		}
	}
}

// collect logs a finished recording's outcome, persists it, and reverts
// the room to Unknown so the next cycle checks it again.
func (m *Monitor) collect(room string, rec *activeRecording, interrupted bool) {
	if rec.err != nil {
		m.log.Error("recording failed",
			slog.String("room", room),
			slog.String("session", rec.id),
			slog.String("error", rec.err.Error()))
	} else {
		m.log.Info("recording finished",
			slog.String("room", room),
			slog.String("session", rec.id),
			slog.Uint64("segments", rec.stats.SegmentsDownloaded),
			slog.String("size_mb", fmt.Sprintf("%.2f", rec.stats.MegabytesWritten())),
			slog.String("duration", FormatDuration(rec.stats.DurationSeconds)),
			slog.Int("files", rec.stats.FilesCreated))
	}

	if m.journal != nil {
		reason := EndReasonEnded
		switch {
		case rec.err != nil:
			reason = EndReasonError
		case interrupted:
			reason = EndReasonStopped
		}
		if err := m.journal.RecordFinish(rec.id, rec.stats, reason, time.Now()); err != nil {
			m.log.Warn("history write failed",
				slog.String("room", room), slog.String("error", err.Error()))
		}
	}

	m.board.set(room, StatusUnknown)
	m.metrics.SetActiveRecordings(m.board.recordingCount())
}

// shutdown cancels every active recording and waits for each to flush and
// return before the monitor exits.
func (m *Monitor) shutdown(active map[string]*activeRecording) {
	m.log.Info("shutting down monitor", slog.Int("active_recordings", len(active)))
	for room, rec := range active {
		m.log.Info("stopping recording", slog.String("room", room))
		rec.cancel()
	}
	for room, rec := range active {
		<-rec.done
		delete(active, room)
		m.collect(room, rec, true)
	}
}
