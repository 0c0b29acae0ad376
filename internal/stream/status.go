package stream

import "sync"

// RoomStatus is the last known coarse state of a monitored room.
type RoomStatus string

const (
	StatusUnknown    RoomStatus = "unknown"
	StatusOffline    RoomStatus = "offline"
	StatusPrivate    RoomStatus = "private"
	StatusRecording  RoomStatus = "recording"
	StatusCookieDead RoomStatus = "cookie_dead"
)

// Reasons a recording session ended with, as persisted to history.
const (
	EndReasonEnded   = "ended"
	EndReasonStopped = "stopped"
	EndReasonError   = "error"
)

// statusBoard is the concurrency-safe per-room status view the monitor
// publishes for external consumers (status API, metrics). Only the monitor
// loop writes it; everyone else reads snapshots.
type statusBoard struct {
	mu          sync.RWMutex
	rooms       map[string]RoomStatus
	cookieDeath bool
}

func newStatusBoard(rooms []string) *statusBoard {
	m := make(map[string]RoomStatus, len(rooms))
	for _, room := range rooms {
		m[room] = StatusUnknown
	}
	return &statusBoard{rooms: m}
}

func (b *statusBoard) set(room string, status RoomStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rooms[room] = status
}

// markAllNotRecording overwrites the status of every room that is not
// currently recording.
func (b *statusBoard) markAllNotRecording(status RoomStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for room, st := range b.rooms {
		if st != StatusRecording {
			b.rooms[room] = status
		}
	}
}

func (b *statusBoard) setCookieDeath(active bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cookieDeath = active
}

func (b *statusBoard) cookieDeathActive() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cookieDeath
}

// snapshot returns a copy of the per-room statuses, never the internal map.
func (b *statusBoard) snapshot() map[string]RoomStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]RoomStatus, len(b.rooms))
	for room, st := range b.rooms {
		out[room] = st
	}
	return out
}

func (b *statusBoard) recordingCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, st := range b.rooms {
		if st == StatusRecording {
			n++
		}
	}
	return n
}
