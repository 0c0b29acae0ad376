package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"cb-recorder/internal/client"
	"cb-recorder/internal/streamerr"
)

// StreamInfo is the result of stream discovery: the media playlist to poll
// and the quality actually negotiated for the room.
type StreamInfo struct {
	Room        string
	PlaylistURL string
	Resolution  int
	Framerate   int
}

// The page embeds room state as an escaped JSON blob assigned to
// window.initialRoomDossier.
var dossierRe = regexp.MustCompile(`window\.initialRoomDossier\s*=\s*"(.+?)"`)

// livePlaylistMarker only appears in the page while the broadcaster is live.
const livePlaylistMarker = "playlist.m3u8"

type roomDossier struct {
	HlsSource string `json:"hls_source"`
}

// GetStreamInfo resolves a room name to a playable media playlist in two
// fetches: the room page for the master playlist URL, then the master
// playlist for variant selection against the target quality.
func GetStreamInfo(ctx context.Context, c *client.Client, room string, targetResolution, targetFramerate int) (*StreamInfo, error) {
	html, err := c.RoomPage(ctx, room)
	if err != nil {
		return nil, err
	}

	if !strings.Contains(html, livePlaylistMarker) {
		return nil, streamerr.New(streamerr.KindBroadcasterOffline, room)
	}

	m := dossierRe.FindStringSubmatch(html)
	if m == nil {
		return nil, streamerr.New(streamerr.KindStreamNotFound, room)
	}

	var dossier roomDossier
	if err := json.Unmarshal([]byte(decodeEscapes(m[1])), &dossier); err != nil {
		return nil, streamerr.Wrap(streamerr.KindPlaylist, room,
			fmt.Errorf("room dossier: %w", err))
	}
	if dossier.HlsSource == "" {
		return nil, streamerr.New(streamerr.KindBroadcasterOffline, room)
	}

	masterContent, err := c.Get(ctx, dossier.HlsSource)
	if err != nil {
		return nil, err
	}
	variants, err := parseMasterVariants(dossier.HlsSource, masterContent)
	if err != nil {
		return nil, err
	}
	v := pickVariant(variants, targetResolution, targetFramerate)

	return &StreamInfo{
		Room:        room,
		PlaylistURL: v.url,
		Resolution:  v.resolution,
		Framerate:   v.framerate,
	}, nil
}

// decodeEscapes reverses the escaping applied to the dossier blob: \uXXXX
// plus the usual \n, \r, \t, \", \\ and \/ sequences. Quotes inside the
// blob arrive as \u-escapes, which is what keeps the extraction regex
// honest. Unknown escapes pass through with their backslash.
func decodeEscapes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		if c != '\\' || i+1 >= len(runes) {
			b.WriteRune(c)
			continue
		}
		switch runes[i+1] {
		case 'u':
			if i+5 < len(runes) {
				if code, err := strconv.ParseUint(string(runes[i+2:i+6]), 16, 32); err == nil {
					b.WriteRune(rune(code))
					i += 5
					continue
				}
			}
			b.WriteRune(c)
		case 'n':
			b.WriteRune('\n')
			i++
		case 'r':
			b.WriteRune('\r')
			i++
		case 't':
			b.WriteRune('\t')
			i++
		case '"':
			b.WriteRune('"')
			i++
		case '\\':
			b.WriteRune('\\')
			i++
		case '/':
			b.WriteRune('/')
			i++
		default:
			b.WriteRune(c)
		}
	}
	return b.String()
}
