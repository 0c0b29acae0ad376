package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cb-recorder/internal/client"
	"cb-recorder/internal/history"
	"cb-recorder/internal/httpapi"
	"cb-recorder/internal/platform/config"
	"cb-recorder/internal/platform/logger"
	"cb-recorder/internal/platform/metrics"
	"cb-recorder/internal/stream"
	"cb-recorder/internal/streamerr"
	"cb-recorder/internal/webhook"
)

const statusShutdownTimeout = 10 * time.Second

var (
	monitorMode bool
	cfgFile     string
	quiet       bool
	debugMode   bool
	logFormat   string
)

// flagBindings maps config keys to the flags that override them. Flags only
// win when actually set on the command line.
var flagBindings = map[string]string{
	"monitor.rooms":                  "room",
	"recording.output_directory":     "output",
	"recording.resolution":           "resolution",
	"recording.framerate":            "fps",
	"recording.max_duration_minutes": "max-duration",
	"recording.max_filesize_mb":      "max-filesize",
	"monitor.check_interval_seconds": "check-interval",
	"monitor.status_listen":          "status-listen",
	"monitor.history_db":             "history-db",
	"monitor.webhook_url":            "webhook-url",
	"network.cookies":                "cookies",
	"network.user_agent":             "user-agent",
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "cb-recorder",
		Short:         "Record live streams from Chaturbate rooms",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	flags := rootCmd.Flags()
	flags.StringSliceP("room", "r", nil, "Room to record, repeatable")
	flags.StringP("output", "o", "", "Output directory for recordings")
	flags.BoolVarP(&monitorMode, "monitor", "m", false, "Wait for rooms to come online and auto-record")
	flags.Int("resolution", 0, "Target video resolution height (e.g. 1080, 720, 480)")
	flags.Int("fps", 0, "Target framerate (30 or 60)")
	flags.String("cookies", "", "Session cookies for private streams (semicolon-separated)")
	flags.String("user-agent", "", "Custom User-Agent string")
	flags.Int("max-duration", 0, "Maximum recording duration in minutes (0 = unlimited)")
	flags.Int("max-filesize", 0, "Maximum file size in MB (0 = unlimited)")
	flags.Int("check-interval", 0, "Check interval in seconds for monitor mode")
	flags.String("status-listen", "", "Listen address for the status API (e.g. :9090)")
	flags.String("history-db", "", "Path to a SQLite file for recording history")
	flags.String("webhook-url", "", "Webhook URL for monitor alerts")
	flags.StringVarP(&cfgFile, "config", "c", "config.toml", "Path to config file")
	flags.BoolVarP(&quiet, "quiet", "q", false, "Quiet mode, errors only")
	flags.BoolVar(&debugMode, "debug", false, "Enable debug logging")
	flags.StringVar(&logFormat, "log-format", "text", "Log format: text or json")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(streamerr.ExitCode(err))
	}
}

func run(cmd *cobra.Command, args []string) error {
	_ = config.LoadEnv()

	v := viper.New()
	for key, flag := range flagBindings {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return streamerr.Wrap(streamerr.KindConfig, "", err)
		}
	}

	cfg, cfgErr := config.Load(v, cfgFile)

	log := logger.New(os.Stderr, logger.Level(debugMode, quiet), logFormat)
	if cfgErr != nil {
		log.Warn("config file ignored", slog.String("error", cfgErr.Error()))
	}

	roomList := cfg.Monitor.Rooms
	if len(roomList) == 0 {
		return streamerr.Wrap(streamerr.KindNoRooms, "",
			errors.New("use -r <room> or configure rooms in config.toml"))
	}
	for _, room := range roomList {
		if err := config.ValidateRoomName(room); err != nil {
			return err
		}
	}

	c := client.New(cfg.Network, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store *history.Store
	var journal stream.RecordingJournal
	if cfg.Monitor.HistoryDB != "" {
		var err error
		store, err = history.Open(cfg.Monitor.HistoryDB)
		if err != nil {
			return streamerr.Wrap(streamerr.KindConfig, "", err)
		}
		defer store.Close()
		journal = store
	}

	if monitorMode {
		return runMonitor(ctx, c, cfg, roomList, log, store, journal)
	}
	return runDirect(ctx, c, cfg, roomList, log, journal)
}

// runMonitor watches every room until interrupted, recording whichever ones
// come online, with the optional status API alongside.
func runMonitor(ctx context.Context, c *client.Client, cfg config.Config, roomList []string, log *slog.Logger, store *history.Store, journal stream.RecordingJournal) error {
	met := metrics.New()

	var notifier stream.Notifier
	if cfg.Monitor.WebhookURL != "" {
		notifier = webhook.New(cfg.Monitor.WebhookURL, "cb-recorder", log, met)
	}

	mon := stream.NewMonitor(stream.MonitorOptions{
		Client:    c,
		Rooms:     roomList,
		Monitor:   cfg.Monitor,
		Recording: cfg.Recording,
		Log:       log,
		Metrics:   met,
		Notifier:  notifier,
		Journal:   journal,
	})

	var srv *http.Server
	if cfg.Monitor.StatusListen != "" {
		var hist httpapi.HistorySource
		if store != nil {
			hist = store
		}
		srv = &http.Server{
			Addr:    cfg.Monitor.StatusListen,
			Handler: httpapi.NewRouter(mon, hist, log, met),
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("status api error", slog.String("error", err.Error()))
			}
		}()
		log.Info("status api listening", slog.String("addr", cfg.Monitor.StatusListen))
	}

	err := mon.Run(ctx)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), statusShutdownTimeout)
		defer cancel()
		if sErr := srv.Shutdown(shutdownCtx); sErr != nil {
			log.Error("status api shutdown error", slog.String("error", sErr.Error()))
		}
	}
	return err
}

type directResult struct {
	room  string
	stats *stream.RecordingStats
	err   error
}

// runDirect records every listed room that is currently online and waits for
// all of them to finish.
func runDirect(ctx context.Context, c *client.Client, cfg config.Config, roomList []string, log *slog.Logger, journal stream.RecordingJournal) error {
	results := make(chan directResult, len(roomList))
	var wg sync.WaitGroup

	for _, room := range roomList {
		wg.Add(1)
		go func(room string) {
			defer wg.Done()
			stats, err := recordRoom(ctx, c, cfg.Recording, room, log, journal)
			results <- directResult{room: room, stats: stats, err: err}
		}(room)
	}
	wg.Wait()
	close(results)

	successful, failed := 0, 0
	for res := range results {
		if res.err != nil {
			log.Error("recording failed",
				slog.String("room", res.room),
				slog.String("error", res.err.Error()))
			failed++
			continue
		}
		log.Info("recording finished",
			slog.String("room", res.room),
			slog.Uint64("segments", res.stats.SegmentsDownloaded),
			slog.String("size_mb", fmt.Sprintf("%.2f", res.stats.MegabytesWritten())),
			slog.String("duration", stream.FormatDuration(res.stats.DurationSeconds)),
			slog.Int("files", res.stats.FilesCreated))
		successful++
	}

	if ctx.Err() == nil {
		log.Info("session summary",
			slog.Int("total", successful+failed),
			slog.Int("successful", successful),
			slog.Int("failed", failed))
	}

	if failed > 0 && successful == 0 {
		return streamerr.Wrap(streamerr.KindConfig, "", errors.New("all recordings failed"))
	}
	return nil
}

// recordRoom runs one discovery plus recording pass for a single room.
func recordRoom(ctx context.Context, c *client.Client, recCfg config.RecordingConfig, room string, log *slog.Logger, journal stream.RecordingJournal) (*stream.RecordingStats, error) {
	log.Info("checking room", slog.String("room", room))

	info, err := stream.GetStreamInfo(ctx, c, room, recCfg.Resolution, recCfg.Framerate)
	if err != nil {
		return nil, err
	}
	log.Info("room online",
		slog.String("room", room),
		slog.Int("resolution", info.Resolution),
		slog.Int("framerate", info.Framerate))

	id := ulid.Make().String()
	if journal != nil {
		if jErr := journal.RecordStart(id, room, info.Resolution, info.Framerate, time.Now()); jErr != nil {
			log.Warn("history write failed",
				slog.String("room", room), slog.String("error", jErr.Error()))
		}
	}

	stats, err := stream.NewRecorder(c, recCfg, log, nil).Record(ctx, info)

	if journal != nil {
		reason := stream.EndReasonEnded
		switch {
		case err != nil:
			reason = stream.EndReasonError
		case ctx.Err() != nil:
			reason = stream.EndReasonStopped
		}
		if jErr := journal.RecordFinish(id, stats, reason, time.Now()); jErr != nil {
			log.Warn("history write failed",
				slog.String("room", room), slog.String("error", jErr.Error()))
		}
	}
	return stats, err
}
