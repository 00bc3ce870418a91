package cmd

import (
	"fmt"
	"time"

	"github.com/audiolibrelab/meetcapture/internal/storage"
	"github.com/audiolibrelab/meetcapture/internal/sysinfo"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show resolved configuration, artifact paths and resource metrics",
	Long: `Display the resolved configuration with inheritance indicators showing which
values come from the default profile and which are profile-specific, the
path the next recording would be written to, and current resource metrics.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		now := time.Now()

		fmt.Printf("=== FILE PATHS ===\n")
		fmt.Printf("next_recording: %s\n", storage.ArtifactPath(cfg.Output.Directory, now, cfg.Output.Format))
		fmt.Printf("system_fallback: %s\n", storage.SourceArtifactPath(cfg.Output.Directory, now, "system", cfg.Output.Format))
		fmt.Printf("microphone_fallback: %s\n", storage.SourceArtifactPath(cfg.Output.Directory, now, "microphone", cfg.Output.Format))

		fmt.Printf("\n=== RESOLVED CONFIGURATION (profile: %s) ===\n", cfg.Profile)

		fmt.Printf("\n[Capture]\n")
		printSetting("backend", cfg.Capture.Backend, "capture.backend")
		printSetting("sample_rate", cfg.Capture.SampleRate, "capture.sample_rate")
		printSetting("buffer_frames", cfg.Capture.BufferFrames, "capture.buffer_frames")
		printSetting("min_free_mb", cfg.Capture.MinFreeMB, "capture.min_free_mb")
		printSetting("latency", cfg.Capture.Latency, "capture.latency")

		fmt.Printf("\n[Sources]\n")
		for i, src := range cfg.Sources {
			fmt.Printf("%d. %s (%s) %s\n", i, src.Name, src.Role, inheritanceIndicator(sourceInheritance(src.Role)))
			fmt.Printf("   device: %s, gain=%.2f, delay=%dms\n", src.Device, src.Gain, src.Delay)
		}

		fmt.Printf("\n[Output]\n")
		printSetting("directory", cfg.Output.Directory, "output.directory")
		printSetting("temp_directory", cfg.Output.TempDirectory, "output.temp_directory")
		printSetting("format", cfg.Output.Format, "output.format")
		printSetting("export_format", cfg.Output.ExportFormat, "output.export_format")

		fmt.Printf("\n[Mixing]\n")
		printSetting("alternate_directory", cfg.Mixing.AlternateDirectory, "mixing.alternate_directory")
		printSetting("quiescence_ms", cfg.Mixing.QuiescenceMs, "mixing.quiescence_ms")
		printSetting("min_free_mb", cfg.Mixing.MinFreeMB, "mixing.min_free_mb")

		fmt.Printf("\n[Recording]\n")
		printSetting("operation_timeout", cfg.Recording.OperationTimeout(), "recording.operation_timeout_seconds")
		printSetting("absolute_timeout", cfg.Recording.AbsoluteTimeout(), "recording.absolute_timeout_seconds")
		printSetting("ready_timeout", cfg.Recording.ReadyTimeout(), "recording.ready_timeout_seconds")

		m := sysinfo.NewSampler(cfg.Output.Directory, time.Second).Snapshot()
		fmt.Printf("\n=== RESOURCES ===\n")
		fmt.Printf("disk_free: %.1f MB\n", float64(m.DiskFreeBytes)/float64(sysinfo.MB))
		fmt.Printf("memory_used: %.1f%%\n", m.MemoryUsedPercent)
		fmt.Printf("cpu: %.1f%%\n", m.CPUPercent)

		return nil
	},
}

func printSetting(name string, value interface{}, key string) {
	status := ""
	if cfg.Inheritance != nil {
		status = cfg.Inheritance.Settings[key]
	}
	fmt.Printf("%s: %v %s\n", name, value, inheritanceIndicator(status))
}

func sourceInheritance(role string) string {
	if cfg.Inheritance == nil {
		return ""
	}
	return cfg.Inheritance.Sources[role]
}

// inheritanceIndicator returns a formatted indicator for inheritance status
func inheritanceIndicator(status string) string {
	switch status {
	case "inherited":
		return "[inherited]"
	case "profile-specific":
		return "[profile-specific]"
	case "global":
		return "[global]"
	default:
		return "[default]"
	}
}
