package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/audiolibrelab/meetcapture/internal/audio"
	"github.com/audiolibrelab/meetcapture/internal/mix"
)

const (
	EnvPrefix      = "MEETCAPTURE"
	DefaultProfile = "default"

	RoleSystem     = "system"
	RoleMicrophone = "microphone"

	inherited       = "inherited"
	profileSpecific = "profile-specific"
)

type DefinitionsConfig struct {
	Sources []SourceDefinition `mapstructure:"sources" yaml:"sources"`
}

// SourceDefinition describes one capture input that profiles can reference
type SourceDefinition struct {
	ID     string  `mapstructure:"id" yaml:"id"`
	Name   string  `mapstructure:"name" yaml:"name"`
	Role   string  `mapstructure:"role" yaml:"role"`     // "system" or "microphone"
	Device string  `mapstructure:"device" yaml:"device"` // sink node name, pulse source, or "auto"/"default"
	Gain   float64 `mapstructure:"gain" yaml:"gain"`
	Delay  int     `mapstructure:"delay" yaml:"delay"` // milliseconds
}

type SourceReference struct {
	Ref   string   `mapstructure:"ref" yaml:"ref"`
	Gain  *float64 `mapstructure:"gain,omitempty" yaml:"gain,omitempty"`
	Delay *int     `mapstructure:"delay,omitempty" yaml:"delay,omitempty"`
}

type GlobalsConfig struct {
	Output GlobalOutputConfig `mapstructure:"output" yaml:"output"`
}

type GlobalOutputConfig struct {
	RecordingsDirectory string `mapstructure:"recordings_directory" yaml:"recordings_directory"`
}

type RootConfig struct {
	ActiveConfig             string                    `mapstructure:"active_config" yaml:"active_config"`
	Globals                  *GlobalsConfig            `mapstructure:"globals,omitempty" yaml:"globals,omitempty"`
	Definitions              *DefinitionsConfig        `mapstructure:"definitions,omitempty" yaml:"definitions,omitempty"`
	Configs                  map[string]*ConfigProfile `mapstructure:"configs" yaml:"configs"`
	SupportedAudioExtensions []string                  `mapstructure:"supported_audio_extensions" yaml:"supported_audio_extensions"`
}

type Config struct {
	Capture   CaptureConfig   `mapstructure:"capture" yaml:"capture"`
	Sources   []Source        `mapstructure:"sources" yaml:"sources"`
	Output    OutputConfig    `mapstructure:"output" yaml:"output"`
	Mixing    MixingConfig    `mapstructure:"mixing" yaml:"mixing"`
	Recording RecordingConfig `mapstructure:"recording" yaml:"recording"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`

	// Extensions accepted for capture output paths
	Extensions []string `mapstructure:"-" yaml:"-"`
	// Profile is the name of the resolved profile
	Profile string `mapstructure:"-" yaml:"-"`
	// Internal field to track inheritance information for info command
	Inheritance *InheritanceInfo `mapstructure:"-" yaml:"-"`
}

type ConfigProfile struct {
	Capture   CaptureConfig     `mapstructure:"capture" yaml:"capture"`
	Sources   []SourceReference `mapstructure:"sources" yaml:"sources"`
	Output    OutputConfig      `mapstructure:"output" yaml:"output"`
	Mixing    MixingConfig      `mapstructure:"mixing" yaml:"mixing"`
	Recording RecordingConfig   `mapstructure:"recording" yaml:"recording"`
	Server    ServerConfig      `mapstructure:"server" yaml:"server"`
	Logging   LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

// InheritanceInfo records, per setting, whether it came from the profile or
// from the default profile
type InheritanceInfo struct {
	Settings map[string]string
	Sources  map[string]string
}

type CaptureConfig struct {
	Backend      string `mapstructure:"backend" yaml:"backend"` // "pipewire", "auto"
	FFmpegPath   string `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"`
	SampleRate   int    `mapstructure:"sample_rate" yaml:"sample_rate"` // microphone file rate
	BufferFrames int    `mapstructure:"buffer_frames" yaml:"buffer_frames"`
	MinFreeMB    int    `mapstructure:"min_free_mb" yaml:"min_free_mb"`
	Latency      string `mapstructure:"latency" yaml:"latency"`
}

// Source is a resolved capture input
type Source struct {
	Name   string  `mapstructure:"name" yaml:"name"`
	Role   string  `mapstructure:"role" yaml:"role"`
	Device string  `mapstructure:"device" yaml:"device"`
	Gain   float64 `mapstructure:"gain" yaml:"gain"`
	Delay  int     `mapstructure:"delay" yaml:"delay"`
}

type OutputConfig struct {
	Directory     string `mapstructure:"directory" yaml:"directory"`
	TempDirectory string `mapstructure:"temp_directory" yaml:"temp_directory"`
	Format        string `mapstructure:"format" yaml:"format"`
	// ExportFormat, when set, transcodes each mixed recording with ffmpeg
	ExportFormat string `mapstructure:"export_format" yaml:"export_format"`
}

type MixingConfig struct {
	AlternateDirectory string `mapstructure:"alternate_directory" yaml:"alternate_directory"`
	QuiescenceMs       int    `mapstructure:"quiescence_ms" yaml:"quiescence_ms"`
	MinFreeMB          int    `mapstructure:"min_free_mb" yaml:"min_free_mb"`
	BufferCeiling      int    `mapstructure:"buffer_ceiling" yaml:"buffer_ceiling"`
	ChunkFrames        int    `mapstructure:"chunk_frames" yaml:"chunk_frames"`
}

type RecordingConfig struct {
	OperationTimeoutSeconds int `mapstructure:"operation_timeout_seconds" yaml:"operation_timeout_seconds"`
	AbsoluteTimeoutSeconds  int `mapstructure:"absolute_timeout_seconds" yaml:"absolute_timeout_seconds"`
	ReadyTimeoutSeconds     int `mapstructure:"ready_timeout_seconds" yaml:"ready_timeout_seconds"`
}

type ServerConfig struct {
	Address string `mapstructure:"address" yaml:"address"`
}

type LoggingConfig struct {
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

func (r RecordingConfig) OperationTimeout() time.Duration {
	return time.Duration(r.OperationTimeoutSeconds) * time.Second
}

func (r RecordingConfig) AbsoluteTimeout() time.Duration {
	return time.Duration(r.AbsoluteTimeoutSeconds) * time.Second
}

func (r RecordingConfig) ReadyTimeout() time.Duration {
	return time.Duration(r.ReadyTimeoutSeconds) * time.Second
}

func (m MixingConfig) QuiescenceWindow() time.Duration {
	return time.Duration(m.QuiescenceMs) * time.Millisecond
}

var defaultExtensions = []string{"wav"}

// DefaultConfigPath returns $HOME/.config/meetcapture.yaml
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "meetcapture.yaml")
}

func defaultRecordingsDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "meetcapture", "recordings")
}

// Default returns the built-in configuration used when no file exists
func Default() *Config {
	return &Config{
		Capture: CaptureConfig{
			Backend:      "auto",
			FFmpegPath:   "ffmpeg",
			SampleRate:   44100,
			BufferFrames: 4096,
			MinFreeMB:    100,
			Latency:      "256/48000",
		},
		Sources: []Source{
			{Name: "speakers", Role: RoleSystem, Device: "auto", Gain: 1.0},
			{Name: "microphone", Role: RoleMicrophone, Device: "default", Gain: 1.0},
		},
		Output: OutputConfig{
			Directory: defaultRecordingsDir(),
			Format:    "wav",
		},
		Mixing: MixingConfig{
			QuiescenceMs:  250,
			MinFreeMB:     50,
			BufferCeiling: mix.DefaultBufferCeiling,
			ChunkFrames:   mix.DefaultChunkFrames,
		},
		Recording: RecordingConfig{
			OperationTimeoutSeconds: 15,
			AbsoluteTimeoutSeconds:  30,
			ReadyTimeoutSeconds:     5,
		},
		Server: ServerConfig{Address: "127.0.0.1:8765"},
		Logging: LoggingConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Extensions: defaultExtensions,
		Profile:    DefaultProfile,
	}
}

// DefaultRoot returns a configuration file equivalent to the built-in defaults
func DefaultRoot() *RootConfig {
	d := Default()
	defs := &DefinitionsConfig{}
	var refs []SourceReference
	for _, s := range d.Sources {
		id := s.Name
		defs.Sources = append(defs.Sources, SourceDefinition{ID: id, Name: s.Name, Role: s.Role, Device: s.Device, Gain: s.Gain, Delay: s.Delay})
		refs = append(refs, SourceReference{Ref: id})
	}
	return &RootConfig{
		ActiveConfig: DefaultProfile,
		Definitions:  defs,
		Configs: map[string]*ConfigProfile{
			DefaultProfile: {
				Capture:   d.Capture,
				Sources:   refs,
				Output:    d.Output,
				Mixing:    d.Mixing,
				Recording: d.Recording,
				Server:    d.Server,
				Logging:   d.Logging,
			},
		},
		SupportedAudioExtensions: defaultExtensions,
	}
}

// LoadEnvFiles loads .env style files into the process environment. Missing
// files are skipped and existing variables are never overwritten.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("error loading env file %s: %w", p, err)
		}
		slog.Debug("Loaded environment file", "path", p)
	}
	return nil
}

// LoadWithProfile resolves the given profile from configFile. An empty
// profile selects MEETCAPTURE_PROFILE, then active_config, then "default".
// When configFile is empty the default path is used, and when that does not
// exist the built-in defaults apply.
func LoadWithProfile(configFile, profile string) (*Config, error) {
	env := viper.New()
	env.SetEnvPrefix(EnvPrefix)
	env.AutomaticEnv()

	if profile == "" {
		profile = env.GetString("profile")
	}

	if configFile == "" {
		configFile = DefaultConfigPath()
		if _, err := os.Stat(configFile); errors.Is(err, os.ErrNotExist) {
			slog.Debug("No config file, using built-in defaults", "path", configFile)
			cfg := Default()
			applyEnvOverrides(cfg, env)
			cfg.Output.Directory = expandPath(cfg.Output.Directory)
			if err := Validate(cfg); err != nil {
				return nil, fmt.Errorf("config validation failed: %w", err)
			}
			return cfg, nil
		}
	}

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveConfig
	}
	if configName == "" {
		configName = DefaultProfile
	}

	selectedProfile, exists := rootConfig.Configs[configName]
	if !exists {
		return nil, fmt.Errorf("configuration profile '%s' not found", configName)
	}

	selectedConfig, err := convertProfileToConfig(selectedProfile, rootConfig.Definitions)
	if err != nil {
		return nil, fmt.Errorf("error resolving configuration profile '%s': %w", configName, err)
	}

	// Non-default profiles fall back to the default profile, then to built-ins
	base := Default()
	if configName != DefaultProfile {
		if defaultProfile, ok := rootConfig.Configs[DefaultProfile]; ok {
			resolvedDefault, err := convertProfileToConfig(defaultProfile, rootConfig.Definitions)
			if err != nil {
				return nil, fmt.Errorf("error resolving default configuration: %w", err)
			}
			base = mergeConfigs(Default(), resolvedDefault)
		}
	}
	selectedConfig = mergeConfigs(base, selectedConfig)
	selectedConfig.Profile = configName

	// Global recordings directory takes priority over profile-specific directory
	if rootConfig.Globals != nil && rootConfig.Globals.Output.RecordingsDirectory != "" {
		selectedConfig.Output.Directory = rootConfig.Globals.Output.RecordingsDirectory
		selectedConfig.Inheritance.Settings["output.directory"] = "global"
	}

	selectedConfig.Extensions = rootConfig.SupportedAudioExtensions
	if len(selectedConfig.Extensions) == 0 {
		selectedConfig.Extensions = defaultExtensions
	}

	applyEnvOverrides(selectedConfig, env)

	selectedConfig.Output.Directory = expandPath(selectedConfig.Output.Directory)
	selectedConfig.Output.TempDirectory = expandPath(selectedConfig.Output.TempDirectory)
	selectedConfig.Mixing.AlternateDirectory = expandPath(selectedConfig.Mixing.AlternateDirectory)
	selectedConfig.Logging.File = expandPath(selectedConfig.Logging.File)

	if err := Validate(selectedConfig); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return selectedConfig, nil
}

// applyEnvOverrides applies MEETCAPTURE_* variables on top of the resolved profile
func applyEnvOverrides(cfg *Config, env *viper.Viper) {
	if v := env.GetString("output_directory"); v != "" {
		cfg.Output.Directory = v
	}
	if v := env.GetString("export_format"); v != "" {
		cfg.Output.ExportFormat = v
	}
	if v := env.GetString("server_address"); v != "" {
		cfg.Server.Address = v
	}
	if v := env.GetString("system_device"); v != "" {
		cfg.setDevice(RoleSystem, v)
	}
	if v := env.GetString("microphone_device"); v != "" {
		cfg.setDevice(RoleMicrophone, v)
	}
}

func (c *Config) setDevice(role, device string) {
	for i := range c.Sources {
		if c.Sources[i].Role == role {
			c.Sources[i].Device = device
		}
	}
}

// SourceFor returns the source with the given role
func (c *Config) SourceFor(role string) Source {
	for _, s := range c.Sources {
		if s.Role == role {
			return s
		}
	}
	return Source{Role: role, Gain: 1}
}

// ExportOptions builds the ffmpeg export settings from the sources
func (c *Config) ExportOptions() mix.ExportOptions {
	system := c.SourceFor(RoleSystem)
	mic := c.SourceFor(RoleMicrophone)
	return mix.ExportOptions{
		FFmpegPath:        c.Capture.FFmpegPath,
		Format:            c.Output.ExportFormat,
		SystemGain:        system.Gain,
		MicrophoneGain:    mic.Gain,
		SystemDelayMs:     system.Delay,
		MicrophoneDelayMs: mic.Delay,
	}
}

// YAML renders the resolved configuration
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// WriteDefault writes DefaultRoot to path. An existing file is kept unless force is set.
func WriteDefault(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config file %s already exists", path)
	}
	data, err := yaml.Marshal(DefaultRoot())
	if err != nil {
		return fmt.Errorf("error encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("error writing config file %s: %w", path, err)
	}
	return nil
}

// UpdateActiveConfig updates the active_config field in the config file
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	// Create a new viper instance to avoid interfering with the global one
	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}
	if !v.IsSet("configs." + newActiveConfig) {
		return fmt.Errorf("configuration profile '%s' not found", newActiveConfig)
	}

	v.Set("active_config", newActiveConfig)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}
	return nil
}

// ListProfiles returns the profile names defined in configFile and the active one
func ListProfiles(configFile string) (names []string, active string, err error) {
	root, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, "", err
	}
	for name := range root.Configs {
		names = append(names, name)
	}
	active = root.ActiveConfig
	if active == "" {
		active = DefaultProfile
	}
	return names, active, nil
}

// convertProfileToConfig converts a ConfigProfile to Config by resolving source references
func convertProfileToConfig(profile *ConfigProfile, definitions *DefinitionsConfig) (*Config, error) {
	if profile == nil {
		return nil, fmt.Errorf("profile cannot be nil")
	}

	config := &Config{
		Capture:   profile.Capture,
		Output:    profile.Output,
		Mixing:    profile.Mixing,
		Recording: profile.Recording,
		Server:    profile.Server,
		Logging:   profile.Logging,
	}

	for i, ref := range profile.Sources {
		if ref.Ref == "" {
			return nil, fmt.Errorf("sources[%d]: 'ref' is required", i)
		}

		var definition *SourceDefinition
		if definitions != nil {
			for j := range definitions.Sources {
				if definitions.Sources[j].ID == ref.Ref {
					definition = &definitions.Sources[j]
					break
				}
			}
		}
		if definition == nil {
			return nil, fmt.Errorf("sources[%d]: reference '%s' not found in definitions", i, ref.Ref)
		}

		source := Source{
			Name:   definition.Name,
			Role:   definition.Role,
			Device: definition.Device,
			Gain:   definition.Gain,
			Delay:  definition.Delay,
		}
		if ref.Gain != nil {
			source.Gain = *ref.Gain
		}
		if ref.Delay != nil {
			source.Delay = *ref.Delay
		}
		config.Sources = append(config.Sources, source)
	}

	return config, nil
}

type merger struct {
	inheritance *InheritanceInfo
}

func (m merger) str(key string, dst *string, val string) {
	if val != "" {
		*dst = val
		m.inheritance.Settings[key] = profileSpecific
		return
	}
	m.inheritance.Settings[key] = inherited
}

func (m merger) num(key string, dst *int, val int) {
	if val != 0 {
		*dst = val
		m.inheritance.Settings[key] = profileSpecific
		return
	}
	m.inheritance.Settings[key] = inherited
}

// mergeConfigs implements the "Selection & Fallback" inheritance model:
// - Sources: a profile selects its sources by role. A role the profile does
//   not list is inherited from the base.
// - For all other settings, use the profile value or fall back to the base
func mergeConfigs(base, profile *Config) *Config {
	result := &Config{
		Inheritance: &InheritanceInfo{
			Settings: make(map[string]string),
			Sources:  make(map[string]string),
		},
	}
	if base != nil {
		result.Capture = base.Capture
		result.Output = base.Output
		result.Mixing = base.Mixing
		result.Recording = base.Recording
		result.Server = base.Server
		result.Logging = base.Logging
		result.Extensions = base.Extensions
	}
	if profile == nil {
		if base != nil {
			result.Sources = append(result.Sources, base.Sources...)
		}
		return result
	}

	m := merger{inheritance: result.Inheritance}
	m.str("capture.backend", &result.Capture.Backend, profile.Capture.Backend)
	m.str("capture.ffmpeg_path", &result.Capture.FFmpegPath, profile.Capture.FFmpegPath)
	m.num("capture.sample_rate", &result.Capture.SampleRate, profile.Capture.SampleRate)
	m.num("capture.buffer_frames", &result.Capture.BufferFrames, profile.Capture.BufferFrames)
	m.num("capture.min_free_mb", &result.Capture.MinFreeMB, profile.Capture.MinFreeMB)
	m.str("capture.latency", &result.Capture.Latency, profile.Capture.Latency)

	m.str("output.directory", &result.Output.Directory, profile.Output.Directory)
	m.str("output.temp_directory", &result.Output.TempDirectory, profile.Output.TempDirectory)
	m.str("output.format", &result.Output.Format, profile.Output.Format)
	m.str("output.export_format", &result.Output.ExportFormat, profile.Output.ExportFormat)

	m.str("mixing.alternate_directory", &result.Mixing.AlternateDirectory, profile.Mixing.AlternateDirectory)
	m.num("mixing.quiescence_ms", &result.Mixing.QuiescenceMs, profile.Mixing.QuiescenceMs)
	m.num("mixing.min_free_mb", &result.Mixing.MinFreeMB, profile.Mixing.MinFreeMB)
	m.num("mixing.buffer_ceiling", &result.Mixing.BufferCeiling, profile.Mixing.BufferCeiling)
	m.num("mixing.chunk_frames", &result.Mixing.ChunkFrames, profile.Mixing.ChunkFrames)

	m.num("recording.operation_timeout_seconds", &result.Recording.OperationTimeoutSeconds, profile.Recording.OperationTimeoutSeconds)
	m.num("recording.absolute_timeout_seconds", &result.Recording.AbsoluteTimeoutSeconds, profile.Recording.AbsoluteTimeoutSeconds)
	m.num("recording.ready_timeout_seconds", &result.Recording.ReadyTimeoutSeconds, profile.Recording.ReadyTimeoutSeconds)

	m.str("server.address", &result.Server.Address, profile.Server.Address)

	m.str("logging.file", &result.Logging.File, profile.Logging.File)
	m.num("logging.max_size_mb", &result.Logging.MaxSizeMB, profile.Logging.MaxSizeMB)
	m.num("logging.max_backups", &result.Logging.MaxBackups, profile.Logging.MaxBackups)
	m.num("logging.max_age_days", &result.Logging.MaxAgeDays, profile.Logging.MaxAgeDays)

	// SOURCES: Selection & Fallback by role
	for _, role := range []string{RoleSystem, RoleMicrophone} {
		var selected *Source
		for i := range profile.Sources {
			if profile.Sources[i].Role == role {
				selected = &profile.Sources[i]
				break
			}
		}
		if selected != nil {
			result.Sources = append(result.Sources, *selected)
			result.Inheritance.Sources[role] = profileSpecific
			continue
		}
		if base != nil {
			for _, s := range base.Sources {
				if s.Role == role {
					result.Sources = append(result.Sources, s)
					result.Inheritance.Sources[role] = inherited
					break
				}
			}
		}
	}
	// Sources with unknown roles are kept so validation can report them
	for _, s := range profile.Sources {
		if s.Role != RoleSystem && s.Role != RoleMicrophone {
			result.Sources = append(result.Sources, s)
		}
	}

	return result
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// Validate checks a resolved configuration
func Validate(c *Config) error {
	if c.Output.Directory == "" {
		return fmt.Errorf("output.directory is required")
	}
	if c.Output.Format != "wav" {
		return fmt.Errorf("output.format must be 'wav', got: %s", c.Output.Format)
	}
	if c.Output.ExportFormat != "" && !isExportFormat(c.Output.ExportFormat) {
		return fmt.Errorf("output.export_format must be one of %s, got: %s", strings.Join(mix.ExportFormats(), ", "), c.Output.ExportFormat)
	}

	if c.Capture.Backend != "" && c.Capture.Backend != "auto" && c.Capture.Backend != "pipewire" {
		return fmt.Errorf("capture.backend must be 'auto' or 'pipewire', got: %s", c.Capture.Backend)
	}
	if c.Capture.SampleRate < audio.MinSampleRate || c.Capture.SampleRate > audio.MaxSampleRate {
		return fmt.Errorf("capture.sample_rate must be between %d and %d, got: %d", audio.MinSampleRate, audio.MaxSampleRate, c.Capture.SampleRate)
	}
	if c.Capture.BufferFrames <= 0 {
		return fmt.Errorf("capture.buffer_frames must be > 0, got: %d", c.Capture.BufferFrames)
	}
	if c.Capture.MinFreeMB <= 0 {
		return fmt.Errorf("capture.min_free_mb must be > 0, got: %d", c.Capture.MinFreeMB)
	}

	if c.Mixing.QuiescenceMs <= 0 {
		return fmt.Errorf("mixing.quiescence_ms must be > 0, got: %d", c.Mixing.QuiescenceMs)
	}
	if c.Mixing.MinFreeMB <= 0 {
		return fmt.Errorf("mixing.min_free_mb must be > 0, got: %d", c.Mixing.MinFreeMB)
	}
	if c.Mixing.BufferCeiling <= 0 || c.Mixing.ChunkFrames <= 0 {
		return fmt.Errorf("mixing.buffer_ceiling and mixing.chunk_frames must be > 0")
	}

	r := c.Recording
	if r.OperationTimeoutSeconds <= 0 || r.AbsoluteTimeoutSeconds <= 0 || r.ReadyTimeoutSeconds <= 0 {
		return fmt.Errorf("recording timeouts must be > 0")
	}
	if r.AbsoluteTimeoutSeconds < r.OperationTimeoutSeconds {
		return fmt.Errorf("recording.absolute_timeout_seconds (%d) must not be shorter than operation_timeout_seconds (%d)", r.AbsoluteTimeoutSeconds, r.OperationTimeoutSeconds)
	}

	return validateSources(c.Sources)
}

func isExportFormat(f string) bool {
	for _, known := range mix.ExportFormats() {
		if f == known {
			return true
		}
	}
	return false
}

// validateSources requires exactly one system and one microphone source
func validateSources(sources []Source) error {
	seen := make(map[string]bool)
	for i, s := range sources {
		if s.Role != RoleSystem && s.Role != RoleMicrophone {
			return fmt.Errorf("source[%d] '%s' role must be 'system' or 'microphone', got: %s", i, s.Name, s.Role)
		}
		if seen[s.Role] {
			return fmt.Errorf("source[%d] '%s': only one %s source is allowed", i, s.Name, s.Role)
		}
		seen[s.Role] = true
		if strings.TrimSpace(s.Device) == "" {
			return fmt.Errorf("source[%d] '%s' must have a device", i, s.Name)
		}
		if s.Gain <= 0 {
			return fmt.Errorf("source[%d] '%s' gain must be > 0, got: %.2f", i, s.Name, s.Gain)
		}
		if s.Delay < 0 {
			return fmt.Errorf("source[%d] '%s' delay must be >= 0, got: %d", i, s.Name, s.Delay)
		}
	}
	for _, role := range []string{RoleSystem, RoleMicrophone} {
		if !seen[role] {
			return fmt.Errorf("a %s source is required", role)
		}
	}
	return nil
}

// ValidateConfigurationFormat validates the configuration file format and returns parsed config
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if len(rootConfig.Configs) == 0 {
		return nil, fmt.Errorf("configs section is required")
	}

	if err := validateDefinitions(rootConfig.Definitions); err != nil {
		return nil, fmt.Errorf("invalid definitions: %w", err)
	}

	for configName, configProfile := range rootConfig.Configs {
		if configProfile == nil {
			continue
		}
		if err := validateSourceReferences(configProfile.Sources, rootConfig.Definitions); err != nil {
			return nil, fmt.Errorf("invalid config '%s': %w", configName, err)
		}
	}

	return &rootConfig, nil
}

// validateDefinitions validates the definitions section. It is optional when
// profiles rely on the built-in sources.
func validateDefinitions(definitions *DefinitionsConfig) error {
	if definitions == nil {
		return nil
	}

	seenIDs := make(map[string]bool)
	for i, def := range definitions.Sources {
		prefix := fmt.Sprintf("definitions.sources[%d]", i)
		if def.ID == "" {
			return fmt.Errorf("%s: 'id' is required", prefix)
		}
		if seenIDs[def.ID] {
			return fmt.Errorf("%s: duplicate ID '%s'", prefix, def.ID)
		}
		seenIDs[def.ID] = true

		if def.Name == "" {
			return fmt.Errorf("%s: 'name' is required", prefix)
		}
		if def.Role != RoleSystem && def.Role != RoleMicrophone {
			return fmt.Errorf("%s: 'role' must be 'system' or 'microphone', got: %s", prefix, def.Role)
		}
		if strings.TrimSpace(def.Device) == "" {
			return fmt.Errorf("%s: 'device' is required", prefix)
		}
		if def.Gain <= 0 {
			return fmt.Errorf("%s: 'gain' must be > 0, got: %.2f", prefix, def.Gain)
		}
		if def.Delay < 0 {
			return fmt.Errorf("%s: 'delay' must be >= 0, got: %d", prefix, def.Delay)
		}
	}
	return nil
}

// validateSourceReferences validates source references in a config profile
func validateSourceReferences(refs []SourceReference, definitions *DefinitionsConfig) error {
	for i, ref := range refs {
		prefix := fmt.Sprintf("sources[%d]", i)

		if ref.Ref == "" {
			return fmt.Errorf("%s: 'ref' is required", prefix)
		}

		found := false
		if definitions != nil {
			for _, def := range definitions.Sources {
				if def.ID == ref.Ref {
					found = true
					break
				}
			}
		}
		if !found {
			return fmt.Errorf("%s: references undefined source definition '%s'", prefix, ref.Ref)
		}

		if ref.Gain != nil && *ref.Gain <= 0 {
			return fmt.Errorf("%s: gain override must be > 0, got %.2f", prefix, *ref.Gain)
		}
		if ref.Delay != nil && *ref.Delay < 0 {
			return fmt.Errorf("%s: delay override must be >= 0, got %d", prefix, *ref.Delay)
		}
	}
	return nil
}
