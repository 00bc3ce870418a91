package mix

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/audiolibrelab/meetcapture/internal/audio"
	"github.com/audiolibrelab/meetcapture/internal/errs"
	"github.com/audiolibrelab/meetcapture/internal/progress"
	"github.com/audiolibrelab/meetcapture/internal/storage"
)

// fallback preserves each existing source as its own artifact with a sidecar.
// A missing source is logged and skipped. It fails only when nothing could
// be preserved.
func (e *Engine) fallback(req Request, cause error, tracker *progress.Tracker) (*Result, error) {
	tracker.SetStage(progress.StageFinalizing)

	dirs := []string{req.OutputDir}
	if alt := e.opts.AlternateDir; alt != "" && filepath.Clean(alt) != filepath.Clean(req.OutputDir) {
		dirs = append(dirs, alt)
	}

	result := &Result{
		SourceFiles: make(map[Source]string),
		Fallback:    true,
		Cause:       cause,
		Metadata: ResultMetadata{
			StartTime:    req.StartTime,
			OutputFormat: "wav (separate sources)",
		},
	}

	for _, in := range e.inputs(req) {
		st, err := os.Stat(in.path)
		if in.path == "" || err != nil || st.Size() == 0 {
			slog.Warn("Source recording missing, not preserved", "source", in.source, "path", in.path)
			continue
		}

		var dst string
		for _, dir := range dirs {
			candidate := storage.SourceArtifactPath(dir, req.StartTime, string(in.source), outputExt)
			if err = preserveFile(in.path, candidate); err == nil {
				dst = candidate
				break
			}
			slog.Warn("Could not preserve source", "source", in.source, "destination", candidate, "error", err)
		}
		if dst == "" {
			continue
		}

		var duration time.Duration
		if info, perr := audio.ProbeWAV(dst); perr == nil {
			duration = info.Duration
			result.Metadata.TotalSamples += int64(info.Duration.Seconds() * float64(info.SampleRate))
		}
		if _, serr := storage.WriteSidecar(dst, duration, req.StartTime); serr != nil {
			slog.Warn("Could not write sidecar metadata", "path", dst, "error", serr)
		}

		result.SourceFiles[in.source] = dst
		result.Metadata.SourceCount++
		if duration > result.Duration {
			result.Duration = duration
		}
		if result.OutputPath == "" {
			result.OutputPath = dst
		}
		slog.Info("Source preserved", "source", in.source, "path", dst)
	}

	if len(result.SourceFiles) == 0 {
		return nil, errs.Mixing(errs.MixFileLoad, "", errors.New("no source recording could be preserved"))
	}
	return result, nil
}

// preserveFile copies src to dst through a temporary name so a partial copy
// never carries the final name
func preserveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
