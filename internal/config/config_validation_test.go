package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validDefinitions = `
definitions:
  sources:
    - id: speakers
      name: speakers
      role: system
      device: auto
      gain: 1.0
      delay: 0

    - id: headset
      name: headset
      role: microphone
      device: alsa_input.usb-headset
      gain: 1.5
      delay: 20
`

func TestValidateConfigurationFormat_ValidConfig(t *testing.T) {
	validConfig := `
active_config: test
` + validDefinitions + `
configs:
  test:
    sources:
      - ref: speakers
        gain: 0.8
      - ref: headset
        delay: 60
    output:
      directory: ~/Meetings/Test

supported_audio_extensions:
  - wav
`

	configFile := createTempConfig(t, validConfig)

	rootConfig, err := ValidateConfigurationFormat(configFile)
	require.NoError(t, err)

	assert.Equal(t, "test", rootConfig.ActiveConfig)
	require.NotNil(t, rootConfig.Definitions)
	require.Len(t, rootConfig.Definitions.Sources, 2)

	testProfile, exists := rootConfig.Configs["test"]
	require.True(t, exists, "'test' config exists")
	require.Len(t, testProfile.Sources, 2)
	require.NotNil(t, testProfile.Sources[0].Gain)
	assert.Equal(t, 0.8, *testProfile.Sources[0].Gain)
	require.NotNil(t, testProfile.Sources[1].Delay)
	assert.Equal(t, 60, *testProfile.Sources[1].Delay)
}

func TestValidateConfigurationFormat_MissingConfigs(t *testing.T) {
	configFile := createTempConfig(t, "active_config: test\n"+validDefinitions)

	_, err := ValidateConfigurationFormat(configFile)
	assert.ErrorContains(t, err, "configs section is required")
}

func TestValidateConfigurationFormat_MissingDefinitions(t *testing.T) {
	configFile := createTempConfig(t, `
configs:
  test:
    sources:
      - ref: speakers
`)

	_, err := ValidateConfigurationFormat(configFile)
	assert.ErrorContains(t, err, "undefined source definition 'speakers'")
}

func TestValidateConfigurationFormat_NoSourcesAllowed(t *testing.T) {
	// Profiles without sources rely on the built-in ones
	configFile := createTempConfig(t, `
configs:
  default:
    output:
      directory: /tmp/meetings
`)

	_, err := ValidateConfigurationFormat(configFile)
	require.NoError(t, err)

	cfg, err := LoadWithProfile(configFile, "")
	require.NoError(t, err, "built-in sources apply")
	assert.Len(t, cfg.Sources, 2)
}

func TestValidateConfigurationFormat_DuplicateDefinitionIDs(t *testing.T) {
	configFile := createTempConfig(t, `
definitions:
  sources:
    - id: speakers
      name: speakers
      role: system
      device: auto
      gain: 1.0
    - id: speakers
      name: other
      role: system
      device: auto
      gain: 1.0
configs:
  test:
    sources:
      - ref: speakers
`)

	_, err := ValidateConfigurationFormat(configFile)
	assert.ErrorContains(t, err, "duplicate ID 'speakers'")
}

func TestValidateConfigurationFormat_InvalidSourceDefinition(t *testing.T) {
	testCases := []struct {
		name       string
		definition string
		errorMsg   string
	}{
		{
			name: "missing id",
			definition: `
    - name: speakers
      role: system
      device: auto
      gain: 1.0`,
			errorMsg: "'id' is required",
		},
		{
			name: "missing name",
			definition: `
    - id: speakers
      role: system
      device: auto
      gain: 1.0`,
			errorMsg: "'name' is required",
		},
		{
			name: "invalid role",
			definition: `
    - id: speakers
      name: speakers
      role: monitor
      device: auto
      gain: 1.0`,
			errorMsg: "'role' must be 'system' or 'microphone'",
		},
		{
			name: "missing device",
			definition: `
    - id: speakers
      name: speakers
      role: system
      gain: 1.0`,
			errorMsg: "'device' is required",
		},
		{
			name: "zero gain",
			definition: `
    - id: speakers
      name: speakers
      role: system
      device: auto
      gain: 0`,
			errorMsg: "'gain' must be > 0",
		},
		{
			name: "negative delay",
			definition: `
    - id: speakers
      name: speakers
      role: system
      device: auto
      gain: 1.0
      delay: -10`,
			errorMsg: "'delay' must be >= 0",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			configFile := createTempConfig(t, `
definitions:
  sources:`+tc.definition+`
configs:
  test:
    sources: []
`)

			_, err := ValidateConfigurationFormat(configFile)
			assert.ErrorContains(t, err, tc.errorMsg)
		})
	}
}

func TestValidateConfigurationFormat_InvalidSourceReference(t *testing.T) {
	testCases := []struct {
		name      string
		reference string
		errorMsg  string
	}{
		{
			name: "empty ref",
			reference: `
      - gain: 1.0`,
			errorMsg: "'ref' is required",
		},
		{
			name: "negative gain override",
			reference: `
      - ref: speakers
        gain: -1.0`,
			errorMsg: "gain override must be > 0",
		},
		{
			name: "negative delay override",
			reference: `
      - ref: headset
        delay: -1`,
			errorMsg: "delay override must be >= 0",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			configFile := createTempConfig(t, validDefinitions+`
configs:
  test:
    sources:`+tc.reference+`
`)

			_, err := ValidateConfigurationFormat(configFile)
			assert.ErrorContains(t, err, tc.errorMsg)
		})
	}
}

func TestConvertProfileToConfig_ValidProfile(t *testing.T) {
	gainOverride := 0.5
	delayOverride := 150

	definitions := &DefinitionsConfig{
		Sources: []SourceDefinition{
			{ID: "speakers", Name: "speakers", Role: RoleSystem, Device: "auto", Gain: 1.0},
			{ID: "headset", Name: "headset", Role: RoleMicrophone, Device: "alsa_input.usb", Gain: 1.5, Delay: 20},
		},
	}

	profile := &ConfigProfile{
		Capture: CaptureConfig{SampleRate: 48000},
		Sources: []SourceReference{
			{Ref: "speakers", Gain: &gainOverride},
			{Ref: "headset", Delay: &delayOverride},
		},
		Output: OutputConfig{Directory: "~/Meetings/Test"},
	}

	config, err := convertProfileToConfig(profile, definitions)
	require.NoError(t, err)

	assert.Equal(t, 48000, config.Capture.SampleRate)
	require.Len(t, config.Sources, 2)

	speakers := config.Sources[0]
	assert.Equal(t, 0.5, speakers.Gain)
	assert.Equal(t, "auto", speakers.Device)
	assert.Equal(t, RoleSystem, speakers.Role)
	headset := config.Sources[1]
	assert.Equal(t, 1.5, headset.Gain)
	assert.Equal(t, 150, headset.Delay)
	assert.Equal(t, "alsa_input.usb", headset.Device)
}

func TestConvertProfileToConfig_MissingReference(t *testing.T) {
	definitions := &DefinitionsConfig{
		Sources: []SourceDefinition{{ID: "speakers", Name: "speakers", Role: RoleSystem, Device: "auto", Gain: 1}},
	}
	profile := &ConfigProfile{Sources: []SourceReference{{Ref: "nonexistent"}}}

	_, err := convertProfileToConfig(profile, definitions)
	assert.ErrorContains(t, err, "reference 'nonexistent' not found")
}

func TestConvertProfileToConfig_EmptyRef(t *testing.T) {
	profile := &ConfigProfile{Sources: []SourceReference{{Ref: ""}}}

	_, err := convertProfileToConfig(profile, &DefinitionsConfig{})
	assert.ErrorContains(t, err, "'ref' is required")
}

// Helper function to create temporary config file for testing
func createTempConfig(t *testing.T, content string) string {
	t.Helper()
	tmpfile, err := os.CreateTemp(t.TempDir(), "meetcapture-test-*.yaml")
	require.NoError(t, err)
	_, err = tmpfile.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())
	return tmpfile.Name()
}
