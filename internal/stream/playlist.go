package stream

import (
	"errors"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/grafov/m3u8"

	"cb-recorder/internal/streamerr"
)

// variant is one rendition advertised by a master playlist, reduced to the
// attributes quality selection works on.
type variant struct {
	url        string
	resolution int
	framerate  int
	bandwidth  uint32
}

// parseMasterVariants decodes a master playlist and returns its renditions
// with absolute URLs. The framerate comes from the NAME attribute: the site
// tags 60fps renditions with "FPS:60.0", everything else is 30.
func parseMasterVariants(masterURL, content string) ([]variant, error) {
	pl, listType, err := m3u8.DecodeFrom(strings.NewReader(content), false)
	if err != nil {
		return nil, streamerr.Wrap(streamerr.KindPlaylist, masterURL, err)
	}
	master, ok := pl.(*m3u8.MasterPlaylist)
	if !ok || listType != m3u8.MASTER {
		return nil, streamerr.Wrap(streamerr.KindPlaylist, masterURL,
			errors.New("expected a master playlist"))
	}

	var variants []variant
	for _, v := range master.Variants {
		if v == nil {
			continue
		}
		fr := 30
		if strings.Contains(v.Name, "FPS:60") {
			fr = 60
		}
		u, err := resolveURL(masterURL, v.URI)
		if err != nil {
			return nil, streamerr.Wrap(streamerr.KindPlaylist, masterURL, err)
		}
		variants = append(variants, variant{
			url:        u,
			resolution: resolutionHeight(v.Resolution),
			framerate:  fr,
			bandwidth:  v.Bandwidth,
		})
	}
	if len(variants) == 0 {
		return nil, streamerr.Wrap(streamerr.KindPlaylist, masterURL,
			errors.New("master playlist has no variants"))
	}
	return variants, nil
}

// resolutionHeight parses the height out of a WxH RESOLUTION attribute.
func resolutionHeight(res string) int {
	i := strings.IndexByte(res, 'x')
	if i < 0 {
		return 0
	}
	h, err := strconv.Atoi(res[i+1:])
	if err != nil {
		return 0
	}
	return h
}

// pickVariant applies the quality selection policy: exact match on
// resolution and framerate wins; otherwise the best variant not exceeding
// the target in either dimension; otherwise the best available. Variants
// are ranked by resolution, then framerate, then bandwidth, descending.
// With at least one variant it always picks something.
func pickVariant(variants []variant, targetResolution, targetFramerate int) variant {
	sort.SliceStable(variants, func(i, j int) bool {
		a, b := variants[i], variants[j]
		if a.resolution != b.resolution {
			return a.resolution > b.resolution
		}
		if a.framerate != b.framerate {
			return a.framerate > b.framerate
		}
		return a.bandwidth > b.bandwidth
	})
	for _, v := range variants {
		if v.resolution == targetResolution && v.framerate == targetFramerate {
			return v
		}
	}
	for _, v := range variants {
		if v.resolution <= targetResolution && v.framerate <= targetFramerate {
			return v
		}
	}
	return variants[0]
}

// mediaSegment is one entry of a media playlist.
type mediaSegment struct {
	uri      string
	duration float64
}

// parseMediaPlaylist decodes a media playlist into its segments and whether
// the stream has signalled EXT-X-ENDLIST.
func parseMediaPlaylist(source, content string) ([]mediaSegment, bool, error) {
	pl, listType, err := m3u8.DecodeFrom(strings.NewReader(content), false)
	if err != nil {
		return nil, false, streamerr.Wrap(streamerr.KindPlaylist, source, err)
	}
	media, ok := pl.(*m3u8.MediaPlaylist)
	if !ok || listType != m3u8.MEDIA {
		return nil, false, streamerr.Wrap(streamerr.KindPlaylist, source,
			errors.New("expected a media playlist"))
	}

	var segments []mediaSegment
	for _, s := range media.Segments {
		// The decoder sizes Segments to its ring capacity; trailing
		// entries are nil.
		if s == nil {
			continue
		}
		segments = append(segments, mediaSegment{uri: s.URI, duration: s.Duration})
	}
	return segments, media.Closed, nil
}

// resolveURL makes ref absolute against base. Already-absolute refs pass
// through untouched.
func resolveURL(base, ref string) (string, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref, nil
	}
	bu, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	ru, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return bu.ResolveReference(ru).String(), nil
}
