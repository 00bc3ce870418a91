package cmd

import (
	"fmt"
	"runtime"

	"github.com/audiolibrelab/meetcapture/internal/capture"
	"github.com/audiolibrelab/meetcapture/internal/config"

	"github.com/spf13/cobra"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List available capture targets",
	Long: `List the PipeWire output targets system audio can be captured from, in
selection order. The target a recording would use is marked.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if ports, _ := cmd.Flags().GetBool("ports"); ports {
			return listPorts(cmd)
		}

		svc := newService()
		defer svc.Close()

		targets, err := svc.ListTargets(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list capture targets: %w", err)
		}

		fmt.Printf("🎵 Capture Targets (%s)\n", runtime.GOOS)
		fmt.Printf("═══════════════════════════════════════\n\n")

		if len(targets) == 0 {
			fmt.Println("No capture targets found (headless system?)")
			return nil
		}

		system := cfg.SourceFor(config.RoleSystem)
		selected := -1
		for i, t := range targets {
			if t.Name == system.Device {
				selected = i
				break
			}
		}
		if selected == -1 {
			selected = 0
		}

		fmt.Printf("📋 TARGETS (%d found):\n", len(targets))
		for i, t := range targets {
			marker := " "
			if i == selected {
				marker = "*"
			}
			fmt.Printf(" %s %d. %s [%s, id %d]", marker, i+1, t.Name, t.Kind(), t.ID)
			if t.Description != "" {
				fmt.Printf(" %s", t.Description)
			}
			fmt.Println()
		}

		mic := cfg.SourceFor(config.RoleMicrophone)
		fmt.Printf("\n🎤 Microphone device: %s\n", mic.Device)
		fmt.Printf("\n💡 Set sources[].device for the system role to pin a target by name\n")
		return nil
	},
}

func init() {
	sourcesCmd.Flags().Bool("ports", false, "list raw PipeWire ports instead of capture targets")
}

// listPorts prints every PipeWire port, useful to find a device name
func listPorts(cmd *cobra.Command) error {
	ports, err := capture.NewPipeWire().ListPorts(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to get PipeWire ports: %w", err)
	}

	fmt.Printf("📋 PIPEWIRE PORTS (%d found):\n", len(ports))
	for i, port := range ports {
		fmt.Printf("  %d. %s\n", i+1, port)
	}
	return nil
}
