package stream

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"cb-recorder/internal/platform/config"
	"cb-recorder/internal/streamerr"
)

// Recordings are raw MPEG-TS segment concatenations, so the extension is
// fixed.
const outputExtension = ".ts"

const outputBufferSize = 256 * 1024

// templateData exposes the placeholders available to filename patterns.
type templateData struct {
	Username string
	Year     string
	Month    string
	Day      string
	Hour     string
	Minute   string
	Second   string
}

// buildOutputPath expands the filename pattern for room at now, appending
// an underscore-joined sequence suffix when sequence > 0 and the fixed
// extension.
func buildOutputPath(outputDir, pattern, room string, sequence int, now time.Time) (string, error) {
	tmpl, err := template.New("filename").Parse(pattern)
	if err != nil {
		return "", streamerr.Wrap(streamerr.KindConfig, room,
			fmt.Errorf("filename pattern: %w", err))
	}

	data := templateData{
		Username: room,
		Year:     now.Format("2006"),
		Month:    now.Format("01"),
		Day:      now.Format("02"),
		Hour:     now.Format("15"),
		Minute:   now.Format("04"),
		Second:   now.Format("05"),
	}

	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", streamerr.Wrap(streamerr.KindConfig, room,
			fmt.Errorf("filename pattern: %w", err))
	}

	name := b.String()
	if sequence > 0 {
		name = fmt.Sprintf("%s_%d", name, sequence)
	}
	return filepath.Join(outputDir, name+outputExtension), nil
}

// outputFile is one on-disk recording file plus the per-file counters the
// split policy works on.
type outputFile struct {
	f        *os.File
	w        *bufio.Writer
	path     string
	size     int64
	duration float64
}

// createOutputFile expands the filename pattern and opens the file,
// creating parent directories as needed.
func createOutputFile(cfg config.RecordingConfig, room string, sequence int) (*outputFile, error) {
	path, err := buildOutputPath(cfg.OutputDirectory, cfg.FilenamePattern, room, sequence, time.Now())
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, streamerr.Wrap(streamerr.KindIO, room, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, streamerr.Wrap(streamerr.KindIO, room, err)
	}
	return &outputFile{f: f, w: bufio.NewWriterSize(f, outputBufferSize), path: path}, nil
}

// write appends one segment's bytes and advances the per-file counters.
func (o *outputFile) write(data []byte, duration float64) error {
	if _, err := o.w.Write(data); err != nil {
		return err
	}
	o.size += int64(len(data))
	o.duration += duration
	return nil
}

// close flushes buffered data and closes the file. The flush error wins
// over the close error, since it means lost data.
func (o *outputFile) close() error {
	flushErr := o.w.Flush()
	closeErr := o.f.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// shouldSplit evaluates the two split limits independently; a zero limit
// disables that dimension.
func shouldSplit(o *outputFile, maxDurationSecs float64, maxFilesizeBytes int64) bool {
	if maxDurationSecs > 0 && o.duration >= maxDurationSecs {
		return true
	}
	if maxFilesizeBytes > 0 && o.size >= maxFilesizeBytes {
		return true
	}
	return false
}
