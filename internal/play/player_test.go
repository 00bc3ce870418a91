package play

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/meetcapture/internal/config"
	"github.com/audiolibrelab/meetcapture/internal/storage"
)

func newTestPlayer(t *testing.T) (*Player, string) {
	t.Helper()
	cfg := config.Default()
	cfg.Output.Directory = t.TempDir()
	return New(cfg), cfg.Output.Directory
}

func writeArtifact(t *testing.T, dir string, at time.Time) string {
	t.Helper()
	path := storage.ArtifactPath(dir, at, "wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFF"), 0o644))
	_, err := storage.WriteSidecar(path, time.Second, at)
	require.NoError(t, err)
	return path
}

func TestResolve_Latest(t *testing.T) {
	p, dir := newTestPlayer(t)

	_, err := p.Resolve("")
	assert.Error(t, err, "no recordings yet")

	writeArtifact(t, dir, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	newest := writeArtifact(t, dir, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))

	got, err := p.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, newest, got)
}

func TestResolve_Named(t *testing.T) {
	p, dir := newTestPlayer(t)
	path := writeArtifact(t, dir, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	got, err := p.Resolve(filepath.Base(path))
	require.NoError(t, err)
	assert.Equal(t, path, got)

	got, err = p.Resolve(path)
	require.NoError(t, err)
	assert.Equal(t, path, got)

	_, err = p.Resolve("missing.wav")
	assert.Error(t, err)
}

func TestFindAudioPlayer(t *testing.T) {
	p, _ := newTestPlayer(t)
	p.lookPath = func(name string) (string, error) {
		if name == "paplay" || name == "aplay" {
			return "/usr/bin/" + name, nil
		}
		return "", errors.New("not found")
	}

	player, err := p.findAudioPlayer()
	require.NoError(t, err)
	assert.Equal(t, "paplay", player)

	p.lookPath = func(string) (string, error) { return "", errors.New("not found") }
	_, err = p.findAudioPlayer()
	assert.Error(t, err, "no player installed")
}

func TestPlayerArgs(t *testing.T) {
	args := playerArgs("ffplay", "/x.wav")
	require.NotEmpty(t, args)
	assert.Equal(t, "-nodisp", args[0])
	assert.Equal(t, "/x.wav", args[len(args)-1])
	assert.Equal(t, []string{"/x.wav"}, playerArgs("aplay", "/x.wav"))
}
