package stream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cb-recorder/internal/client"
	"cb-recorder/internal/platform/config"
	"cb-recorder/internal/platform/metrics"
	"cb-recorder/internal/streamerr"
)

// PollInterval is the fixed delay between media playlist polls.
const PollInterval = time.Second

// RecordingStats accumulates the outcome of one recording run.
type RecordingStats struct {
	SegmentsDownloaded uint64
	BytesWritten       int64
	DurationSeconds    float64
	FilesCreated       int
}

// MegabytesWritten returns the bytes written in MB for log output.
func (s *RecordingStats) MegabytesWritten() float64 {
	return float64(s.BytesWritten) / 1024 / 1024
}

// FormatDuration renders a second count as "1h 2m 3s", dropping leading
// zero units.
func FormatDuration(seconds float64) string {
	total := int64(seconds)
	hours := total / 3600
	minutes := (total % 3600) / 60
	secs := total % 60
	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, secs)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, secs)
	default:
		return fmt.Sprintf("%ds", secs)
	}
}

// Recorder captures a single live stream into rotating output files. Each
// instance owns exactly one recording run and its open file.
type Recorder struct {
	client       *client.Client
	cfg          config.RecordingConfig
	log          *slog.Logger
	metrics      *metrics.Metrics
	pollInterval time.Duration
}

// NewRecorder returns a Recorder for one recording run. metrics may be nil.
func NewRecorder(c *client.Client, cfg config.RecordingConfig, log *slog.Logger, m *metrics.Metrics) *Recorder {
	return &Recorder{
		client:       c,
		cfg:          cfg,
		log:          log,
		metrics:      m,
		pollInterval: PollInterval,
	}
}

// Record polls the media playlist once per interval and appends every
// newly listed segment to the output file until the stream ends, ctx is
// canceled, or the filesystem fails. Transient network and parse problems
// are absorbed; only filesystem errors are fatal. Stats accumulated so far
// are returned on every path.
func (r *Recorder) Record(ctx context.Context, info *StreamInfo) (*RecordingStats, error) {
	stats := &RecordingStats{}
	tracker := NewSegmentTracker()

	out, err := createOutputFile(r.cfg, info.Room, 0)
	if err != nil {
		return stats, err
	}
	stats.FilesCreated = 1
	fileSequence := 0

	maxDurationSecs := r.cfg.MaxDurationSeconds()
	maxFilesizeBytes := r.cfg.MaxFilesizeBytes()

	r.log.Info("recording started",
		slog.String("room", info.Room),
		slog.Int("resolution", info.Resolution),
		slog.Int("framerate", info.Framerate),
		slog.String("path", out.path))

	for {
		if ctx.Err() != nil {
			r.log.Info("recording canceled", slog.String("room", info.Room))
			break
		}

		content, err := r.client.Get(ctx, info.PlaylistURL)
		if err != nil {
			// Could be a temporary network problem, keep polling.
			r.log.Warn("playlist fetch failed",
				slog.String("room", info.Room), slog.String("error", err.Error()))
			sleepCtx(ctx, r.pollInterval)
			continue
		}

		segments, ended, err := parseMediaPlaylist(info.PlaylistURL, content)
		if err != nil {
			r.log.Warn("playlist parse failed",
				slog.String("room", info.Room), slog.String("error", err.Error()))
			sleepCtx(ctx, r.pollInterval)
			continue
		}

		if ended {
			r.log.Info("stream ended", slog.String("room", info.Room))
			break
		}

		for _, seg := range segments {
			seq, ok := tracker.ExtractSequence(seg.uri)
			if !ok || !tracker.IsNew(seq) {
				continue
			}

			segURL, err := resolveURL(info.PlaylistURL, seg.uri)
			if err != nil {
				r.log.Warn("segment url unresolvable",
					slog.String("room", info.Room), slog.String("uri", seg.uri),
					slog.String("error", err.Error()))
				continue
			}

			data, err := downloadSegment(ctx, r.client, segURL, segmentRetryAttempts)
			if err != nil {
				// Skipped for good: the tracker advances past this
				// sequence on the next successful segment.
				r.log.Warn("segment download failed",
					slog.String("room", info.Room), slog.Uint64("sequence", seq),
					slog.String("error", err.Error()))
				continue
			}

			if err := out.write(data, seg.duration); err != nil {
				_ = out.close()
				return stats, streamerr.Wrap(streamerr.KindIO, info.Room, err)
			}
			stats.SegmentsDownloaded++
			stats.BytesWritten += int64(len(data))
			stats.DurationSeconds += seg.duration
			tracker.Update(seq)
			r.metrics.AddSegmentsDownloaded(1)
			r.metrics.AddBytesWritten(int64(len(data)))

			if shouldSplit(out, maxDurationSecs, maxFilesizeBytes) {
				if err := out.close(); err != nil {
					return stats, streamerr.Wrap(streamerr.KindIO, info.Room, err)
				}
				fileSequence++
				next, err := createOutputFile(r.cfg, info.Room, fileSequence)
				if err != nil {
					return stats, err
				}
				out = next
				stats.FilesCreated++
				r.log.Info("split recording",
					slog.String("room", info.Room), slog.String("path", out.path))
			}
		}

		sleepCtx(ctx, r.pollInterval)
	}

	if err := out.close(); err != nil {
		return stats, streamerr.Wrap(streamerr.KindIO, info.Room, err)
	}

	r.log.Info("recording complete",
		slog.String("room", info.Room),
		slog.Uint64("segments", stats.SegmentsDownloaded),
		slog.String("size_mb", fmt.Sprintf("%.2f", stats.MegabytesWritten())),
		slog.String("duration", FormatDuration(stats.DurationSeconds)),
		slog.Int("files", stats.FilesCreated))
	return stats, nil
}

// sleepCtx sleeps for d unless ctx is canceled first.
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
