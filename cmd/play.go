package cmd

import (
	"fmt"

	"github.com/audiolibrelab/meetcapture/internal/play"

	"github.com/spf13/cobra"
)

var playCmd = &cobra.Command{
	Use:   "play [recording]",
	Short: "Play a recording",
	Long: `Play a recording with the first available player (mpv, ffplay, vlc, paplay,
aplay). Without an argument the newest recording is played. Relative names
are looked up in the output directory.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := ""
		if len(args) == 1 {
			name = args[0]
		}
		if err := play.New(cfg).Play(cmd.Context(), name); err != nil {
			return fmt.Errorf("playback failed: %w", err)
		}
		return nil
	},
}
