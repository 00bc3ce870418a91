package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeConfigs_SelectionAndFallback(t *testing.T) {
	// Create base (default) config
	base := &Config{
		Capture: CaptureConfig{
			Backend:    "pipewire",
			SampleRate: 48000,
			MinFreeMB:  100,
		},
		Sources: []Source{
			{Name: "speakers", Role: RoleSystem, Device: "auto", Gain: 1.0},
			{Name: "mic", Role: RoleMicrophone, Device: "default", Gain: 1.0},
		},
		Output: OutputConfig{
			Directory: "~/Meetings/Default",
			Format:    "wav",
		},
		Recording: RecordingConfig{OperationTimeoutSeconds: 15, AbsoluteTimeoutSeconds: 30},
	}

	// Profile selects a different microphone and overrides a few settings
	profile := &Config{
		Capture: CaptureConfig{
			SampleRate: 44100,
		},
		Sources: []Source{
			{Name: "headset", Role: RoleMicrophone, Device: "alsa_input.usb-headset", Gain: 2.0, Delay: 40},
		},
		Output: OutputConfig{
			Directory: "~/Meetings/Work",
		},
	}

	result := mergeConfigs(base, profile)

	require.Len(t, result.Sources, 2)

	system := result.SourceFor(RoleSystem)
	assert.Equal(t, "speakers", system.Name, "system source is inherited")
	assert.Equal(t, "auto", system.Device)
	mic := result.SourceFor(RoleMicrophone)
	assert.Equal(t, "headset", mic.Name, "microphone source comes from the profile")
	assert.Equal(t, "alsa_input.usb-headset", mic.Device)
	assert.Equal(t, 2.0, mic.Gain)
	assert.Equal(t, 40, mic.Delay)

	assert.Equal(t, 44100, result.Capture.SampleRate)
	assert.Equal(t, "pipewire", result.Capture.Backend)
	assert.Equal(t, "~/Meetings/Work", result.Output.Directory)
	assert.Equal(t, "wav", result.Output.Format)
	assert.Equal(t, 30, result.Recording.AbsoluteTimeoutSeconds)

	// Inheritance tracking
	require.NotNil(t, result.Inheritance)
	assert.Equal(t, profileSpecific, result.Inheritance.Settings["capture.sample_rate"])
	assert.Equal(t, inherited, result.Inheritance.Settings["capture.backend"])
	assert.Equal(t, inherited, result.Inheritance.Sources[RoleSystem])
	assert.Equal(t, profileSpecific, result.Inheritance.Sources[RoleMicrophone])
}

func TestMergeConfigs_ProfileOnly(t *testing.T) {
	profile := &Config{
		Capture: CaptureConfig{SampleRate: 44100},
		Sources: []Source{
			{Name: "speakers", Role: RoleSystem, Device: "auto", Gain: 1},
		},
	}

	result := mergeConfigs(nil, profile)

	assert.Len(t, result.Sources, 1)
	assert.Equal(t, 44100, result.Capture.SampleRate)
}

func TestMergeConfigs_EmptyProfile(t *testing.T) {
	base := Default()

	result := mergeConfigs(base, nil)

	assert.Len(t, result.Sources, len(base.Sources))
	assert.Equal(t, base.Capture.SampleRate, result.Capture.SampleRate)
}

func TestMergeConfigs_UnknownRoleKept(t *testing.T) {
	profile := &Config{Sources: []Source{{Name: "bogus", Role: "line-in", Device: "x", Gain: 1}}}

	result := mergeConfigs(Default(), profile)

	assert.ErrorContains(t, validateSources(result.Sources), "role must be")
}

func TestExpandPath(t *testing.T) {
	homeDir, _ := os.UserHomeDir()

	tests := []struct {
		input    string
		expected string
	}{
		{"~/Meetings", filepath.Join(homeDir, "Meetings")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"", ""},
	}

	for _, test := range tests {
		assert.Equal(t, test.expected, expandPath(test.input), "input %q", test.input)
	}
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Validate(Default()))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		errSub string
	}{
		{"format", func(c *Config) { c.Output.Format = "flac" }, "output.format"},
		{"export format", func(c *Config) { c.Output.ExportFormat = "aiff" }, "output.export_format"},
		{"sample rate", func(c *Config) { c.Capture.SampleRate = 1000 }, "capture.sample_rate"},
		{"backend", func(c *Config) { c.Capture.Backend = "jack" }, "capture.backend"},
		{"timeouts", func(c *Config) { c.Recording.AbsoluteTimeoutSeconds = 5 }, "absolute_timeout_seconds"},
		{"missing mic", func(c *Config) { c.Sources = c.Sources[:1] }, "microphone source is required"},
		{"two system sources", func(c *Config) { c.Sources[1].Role = RoleSystem }, "only one system source"},
		{"gain", func(c *Config) { c.Sources[0].Gain = 0 }, "gain must be > 0"},
		{"delay", func(c *Config) { c.Sources[1].Delay = -5 }, "delay must be >= 0"},
		{"device", func(c *Config) { c.Sources[0].Device = " " }, "must have a device"},
		{"quiescence", func(c *Config) { c.Mixing.QuiescenceMs = 0 }, "mixing.quiescence_ms"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorContains(t, Validate(cfg), tt.errSub)
		})
	}
}

func TestValidate_ExportFormatAccepted(t *testing.T) {
	cfg := Default()
	cfg.Output.ExportFormat = "flac"
	assert.NoError(t, Validate(cfg))
}

func TestGlobalsRecordingsDirectory(t *testing.T) {
	configContent := `
active_config: test
globals:
    output:
        recordings_directory: /global/recordings
definitions:
    sources:
        - id: speakers
          name: speakers
          role: system
          device: auto
          gain: 1.0
        - id: mic
          name: mic
          role: microphone
          device: default
          gain: 1.0
configs:
    test:
        sources:
            - ref: speakers
            - ref: mic
        output:
            directory: /profile/recordings
            export_format: flac
`
	configFile := createTempConfig(t, configContent)

	cfg, err := LoadWithProfile(configFile, "test")
	require.NoError(t, err)

	assert.Equal(t, "/global/recordings", cfg.Output.Directory)
	assert.Equal(t, "global", cfg.Inheritance.Settings["output.directory"])
	// Other output settings still come from the profile and the defaults
	assert.Equal(t, "flac", cfg.Output.ExportFormat)
	assert.Equal(t, "wav", cfg.Output.Format)
	assert.Equal(t, "test", cfg.Profile)
}

func TestLoadWithProfile_InheritsFromDefaultProfile(t *testing.T) {
	configContent := `
active_config: work
definitions:
    sources:
        - id: speakers
          name: speakers
          role: system
          device: auto
          gain: 1.0
        - id: laptop
          name: laptop mic
          role: microphone
          device: default
          gain: 1.0
        - id: headset
          name: headset
          role: microphone
          device: alsa_input.usb-headset
          gain: 1.5
configs:
    default:
        sources:
            - ref: speakers
            - ref: laptop
        recording:
            operation_timeout_seconds: 10
            absolute_timeout_seconds: 20
    work:
        sources:
            - ref: headset
              delay: 30
`
	configFile := createTempConfig(t, configContent)

	cfg, err := LoadWithProfile(configFile, "")
	require.NoError(t, err)

	assert.Equal(t, "work", cfg.Profile)
	assert.Equal(t, "speakers", cfg.SourceFor(RoleSystem).Name, "system source inherited from default profile")
	mic := cfg.SourceFor(RoleMicrophone)
	assert.Equal(t, "headset", mic.Name)
	assert.Equal(t, 30, mic.Delay)
	assert.Equal(t, 1.5, mic.Gain)
	assert.Equal(t, 10, cfg.Recording.OperationTimeoutSeconds, "inherited from default profile")
	assert.Equal(t, 5, cfg.Recording.ReadyTimeoutSeconds, "built-in default")
}

func TestLoadWithProfile_UnknownProfile(t *testing.T) {
	configFile := createTempConfig(t, `
definitions:
    sources:
        - id: speakers
          name: speakers
          role: system
          device: auto
          gain: 1.0
configs:
    default:
        sources:
            - ref: speakers
`)

	_, err := LoadWithProfile(configFile, "missing")
	assert.ErrorContains(t, err, "'missing' not found")
}

func TestLoadWithProfile_DefaultsWithoutFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := LoadWithProfile("", "")
	require.NoError(t, err, "built-in defaults")
	assert.Equal(t, filepath.Join(home, ".local", "share", "meetcapture", "recordings"), cfg.Output.Directory)
	assert.Equal(t, 15.0, cfg.Recording.OperationTimeout().Seconds())
}

func TestLoadWithProfile_EnvOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("MEETCAPTURE_OUTPUT_DIRECTORY", "/env/recordings")
	t.Setenv("MEETCAPTURE_MICROPHONE_DEVICE", "alsa_input.env")
	t.Setenv("MEETCAPTURE_EXPORT_FORMAT", "mp3")

	cfg, err := LoadWithProfile("", "")
	require.NoError(t, err)
	assert.Equal(t, "/env/recordings", cfg.Output.Directory)
	assert.Equal(t, "alsa_input.env", cfg.SourceFor(RoleMicrophone).Device)
	assert.Equal(t, "mp3", cfg.Output.ExportFormat)
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "meetcapture.env")
	require.NoError(t, os.WriteFile(envFile, []byte("MEETCAPTURE_SERVER_ADDRESS=127.0.0.1:9999\n"), 0o644))
	t.Setenv("MEETCAPTURE_SERVER_ADDRESS", "")
	os.Unsetenv("MEETCAPTURE_SERVER_ADDRESS")

	require.NoError(t, LoadEnvFiles(filepath.Join(dir, "missing.env"), envFile))
	assert.Equal(t, "127.0.0.1:9999", os.Getenv("MEETCAPTURE_SERVER_ADDRESS"))
}

func TestWriteDefaultAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "meetcapture.yaml")

	require.NoError(t, WriteDefault(path, false))
	assert.Error(t, WriteDefault(path, false), "config already exists")
	assert.NoError(t, WriteDefault(path, true), "forced overwrite")

	cfg, err := LoadWithProfile(path, "")
	require.NoError(t, err)
	assert.Equal(t, "auto", cfg.SourceFor(RoleSystem).Device)
	assert.Equal(t, "default", cfg.SourceFor(RoleMicrophone).Device)
	assert.Equal(t, int64(250), cfg.Mixing.QuiescenceWindow().Milliseconds())
}

func TestUpdateActiveConfig(t *testing.T) {
	configFile := createTempConfig(t, `
active_config: default
definitions:
    sources:
        - id: speakers
          name: speakers
          role: system
          device: auto
          gain: 1.0
configs:
    default:
        sources:
            - ref: speakers
    work:
        sources:
            - ref: speakers
`)

	assert.Error(t, UpdateActiveConfig(configFile, "nope"), "unknown profile")
	require.NoError(t, UpdateActiveConfig(configFile, "work"))

	names, active, err := ListProfiles(configFile)
	require.NoError(t, err)
	assert.Equal(t, "work", active)
	assert.Len(t, names, 2)
}

func TestExportOptions(t *testing.T) {
	cfg := Default()
	cfg.Output.ExportFormat = "opus"
	cfg.Sources[1].Gain = 1.4
	cfg.Sources[1].Delay = 80

	opts := cfg.ExportOptions()
	assert.Equal(t, "opus", opts.Format)
	assert.Equal(t, "ffmpeg", opts.FFmpegPath)
	assert.Equal(t, 1.0, opts.SystemGain)
	assert.Equal(t, 1.4, opts.MicrophoneGain)
	assert.Equal(t, 80, opts.MicrophoneDelayMs)
}
