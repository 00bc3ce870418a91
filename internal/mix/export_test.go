package mix

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/meetcapture/internal/errs"
)

func TestBuildExportFilter(t *testing.T) {
	f := BuildExportFilter(ExportOptions{SystemGain: 1.5, MicrophoneGain: 0, MicrophoneDelayMs: 120})

	parts := strings.Split(f, ";")
	require.Len(t, parts, 4)
	assert.Equal(t, "[0:a]channelsplit=channel_layout=stereo[l][r]", parts[0])
	assert.Equal(t, "[l]volume=1.50[lo]", parts[1])
	// unset gain means unity
	assert.Equal(t, "[r]volume=1.00,adelay=120[ro]", parts[2])
	assert.Equal(t, "[lo][ro]join=inputs=2:channel_layout=stereo[out]", parts[3])

	assert.Equal(t,
		"[0:a]channelsplit=channel_layout=stereo[l][r];[l]volume=1.00[lo];[r]volume=1.00[ro];[lo][ro]join=inputs=2:channel_layout=stereo[out]",
		BuildExportFilter(ExportOptions{}))
}

func TestExport_UnsupportedFormat(t *testing.T) {
	_, err := Export(context.Background(), "/nonexistent.wav", ExportOptions{Format: "aiff"})

	var ce *errs.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, err.Error(), "aiff")
}

func TestExport_MissingInput(t *testing.T) {
	_, err := Export(context.Background(), filepath.Join(t.TempDir(), "missing.wav"), ExportOptions{Format: ".FLAC"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "export input not found")
}

func TestExport_FFmpegFailureRemovesOutput(t *testing.T) {
	dir := t.TempDir()
	wav := filepath.Join(dir, "Meeting.wav")
	require.NoError(t, os.WriteFile(wav, []byte("RIFF"), 0o644))

	_, err := Export(context.Background(), wav, ExportOptions{Format: "mp3", FFmpegPath: filepath.Join(dir, "no-ffmpeg")})
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "Meeting.mp3"))
	assert.FileExists(t, wav)
}
