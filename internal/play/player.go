package play

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/audiolibrelab/meetcapture/internal/config"
	"github.com/audiolibrelab/meetcapture/internal/storage"
)

// preferred audio players, in order
var players = []string{"mpv", "ffplay", "vlc", "paplay", "aplay"}

type Player struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
}

func New(cfg *config.Config) *Player {
	return &Player{cfg: cfg, lookPath: exec.LookPath}
}

// Resolve returns the artifact to play. An empty name selects the newest
// recording. Relative names are looked up in the output directory.
func (p *Player) Resolve(name string) (string, error) {
	dir := p.cfg.Output.Directory
	if name == "" {
		recs, err := storage.ListRecordings(dir)
		if err != nil {
			return "", err
		}
		if len(recs) == 0 {
			return "", fmt.Errorf("no recordings found in %s", dir)
		}
		return recs[0].Path, nil
	}

	audioFile := name
	if !filepath.IsAbs(name) {
		audioFile = filepath.Join(dir, name)
	}
	if _, err := os.Stat(audioFile); err != nil {
		return "", fmt.Errorf("audio file not found: %s", audioFile)
	}
	return audioFile, nil
}

// Play plays name (or the newest recording) with the first available player
func (p *Player) Play(ctx context.Context, name string) error {
	audioFile, err := p.Resolve(name)
	if err != nil {
		return err
	}

	player, err := p.findAudioPlayer()
	if err != nil {
		return fmt.Errorf("no suitable audio player found: %w", err)
	}

	fmt.Printf("Playing: %s\n", audioFile)
	slog.Debug("Starting playback", "player", player, "file", audioFile)

	cmd := exec.CommandContext(ctx, player, playerArgs(player, audioFile)...)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("playback failed with %s: %w", player, err)
	}

	fmt.Println("Playback completed")
	return nil
}

func playerArgs(player, audioFile string) []string {
	switch player {
	case "vlc":
		return []string{"--play-and-exit", audioFile}
	case "mpv":
		return []string{"--no-video", audioFile}
	case "ffplay":
		return []string{"-nodisp", "-autoexit", "-loglevel", "error", audioFile}
	default:
		// paplay and aplay take the WAV artifact as is
		return []string{audioFile}
	}
}

func (p *Player) findAudioPlayer() (string, error) {
	for _, player := range players {
		if _, err := p.lookPath(player); err == nil {
			return player, nil
		}
	}

	return "", fmt.Errorf("no audio player found (tried: %s)", strings.Join(players, ", "))
}
