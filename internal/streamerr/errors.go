// Package streamerr defines the closed set of error kinds shared by the
// client, discovery, recorder and monitor layers, plus the process exit
// codes derived from them. Callers branch on Kind rather than on raw HTTP
// status codes or error strings.
package streamerr

import (
	"context"
	"errors"
)

// Kind classifies a failure well enough for the monitor to pick a status,
// a backoff bucket and an exit code.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindRoomNotFound
	KindBroadcasterOffline
	KindStreamNotFound
	KindCloudflareBlocked
	KindAgeVerification
	KindPrivateStream
	KindPlaylist
	KindSegmentDownload
	KindInvalidRoomName
	KindNoRooms
	KindConfig
	KindIO
	KindInterrupted
)

// String returns a short machine-friendly name for the kind.
func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindRoomNotFound:
		return "room_not_found"
	case KindBroadcasterOffline:
		return "broadcaster_offline"
	case KindStreamNotFound:
		return "stream_not_found"
	case KindCloudflareBlocked:
		return "cloudflare_blocked"
	case KindAgeVerification:
		return "age_verification"
	case KindPrivateStream:
		return "private_stream"
	case KindPlaylist:
		return "playlist"
	case KindSegmentDownload:
		return "segment_download"
	case KindInvalidRoomName:
		return "invalid_room_name"
	case KindNoRooms:
		return "no_rooms"
	case KindConfig:
		return "config"
	case KindIO:
		return "io"
	case KindInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

func (k Kind) message() string {
	switch k {
	case KindNetwork:
		return "network error"
	case KindRoomNotFound:
		return "room not found"
	case KindBroadcasterOffline:
		return "broadcaster is offline"
	case KindStreamNotFound:
		return "stream url not found"
	case KindCloudflareBlocked:
		return "request blocked by cloudflare, update cookies and user agent"
	case KindAgeVerification:
		return "age verification required, supply a session cookie"
	case KindPrivateStream:
		return "stream is private or room requires login"
	case KindPlaylist:
		return "playlist error"
	case KindSegmentDownload:
		return "segment download failed after retries"
	case KindInvalidRoomName:
		return "invalid room name"
	case KindNoRooms:
		return "no rooms specified"
	case KindConfig:
		return "configuration error"
	case KindIO:
		return "filesystem error"
	case KindInterrupted:
		return "interrupted"
	default:
		return "error"
	}
}

// Error is the one concrete error type the recorder produces. Room carries
// the room name or URL the failure is scoped to, when there is one, and Err
// the underlying cause, when there is one.
type Error struct {
	Kind Kind
	Room string
	Err  error
}

// New returns an Error of the given kind scoped to room.
func New(kind Kind, room string) *Error {
	return &Error{Kind: kind, Room: room}
}

// Wrap returns an Error of the given kind wrapping cause.
func Wrap(kind Kind, room string, cause error) *Error {
	return &Error{Kind: kind, Room: room, Err: cause}
}

func (e *Error) Error() string {
	msg := e.Kind.message()
	if e.Room != "" {
		msg += ": " + e.Room
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind from any error in err's chain. Context
// cancellation maps to KindInterrupted so shutdown paths classify cleanly.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindInterrupted
	}
	return KindUnknown
}

// Process exit codes.
const (
	ExitOK          = 0
	ExitConfig      = 1
	ExitNetwork     = 2
	ExitRecording   = 3
	ExitInterrupted = 130
)

// ExitCode maps an error to the process exit code: 1 for configuration and
// usage mistakes, 2 for network and access failures, 130 for interruption,
// 3 for everything else.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case KindConfig, KindInvalidRoomName, KindNoRooms:
		return ExitConfig
	case KindNetwork, KindCloudflareBlocked, KindAgeVerification:
		return ExitNetwork
	case KindInterrupted:
		return ExitInterrupted
	default:
		return ExitRecording
	}
}
