package capture

import (
	"context"
	"errors"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/meetcapture/internal/errs"
)

const samplePWDump = `[
  {
    "id": 0,
    "type": "PipeWire:Interface:Metadata",
    "props": {"metadata.name": "default"},
    "metadata": [
      {"subject": 0, "key": "default.audio.sink", "type": "Spa:String:JSON", "value": {"name": "alsa_output.pci-0000_00_1f.3.analog-stereo"}},
      {"subject": 0, "key": "default.audio.source", "type": "Spa:String:JSON", "value": {"name": "alsa_input.pci-0000_00_1f.3.analog-stereo"}}
    ]
  },
  {
    "id": 48,
    "type": "PipeWire:Interface:Node",
    "info": {"props": {"media.class": "Audio/Sink", "node.name": "alsa_output.pci-0000_00_1f.3.analog-stereo", "node.description": "Built-in Audio Analog Stereo"}}
  },
  {
    "id": 61,
    "type": "PipeWire:Interface:Node",
    "info": {"props": {"media.class": "Audio/Sink", "node.name": "bluez_output.AA_BB", "node.description": "Headset"}}
  },
  {
    "id": 52,
    "type": "PipeWire:Interface:Node",
    "info": {"props": {"media.class": "Audio/Source", "node.name": "alsa_input.pci-0000_00_1f.3.analog-stereo"}}
  },
  {
    "id": 70,
    "type": "PipeWire:Interface:Node",
    "info": {"props": {"media.class": "Stream/Output/Audio", "node.name": "Firefox"}}
  },
  {
    "id": 80,
    "type": "PipeWire:Interface:Port",
    "info": {"props": {"port.name": "monitor_FL"}}
  }
]`

func TestParsePWDump(t *testing.T) {
	targets, err := parsePWDump([]byte(samplePWDump))
	require.NoError(t, err)
	require.Len(t, targets, 2, "sinks: %+v", targets)
	assert.True(t, targets[0].Primary, "default sink is primary")
	assert.Equal(t, uint32(48), targets[0].ID)
	assert.False(t, targets[1].Primary)
	assert.Equal(t, "Headset", targets[1].Description)

	selected, err := SelectTarget(targets)
	require.NoError(t, err)
	assert.Equal(t, uint32(48), selected.ID)
}

func TestParsePWDump_NoDefault(t *testing.T) {
	targets, err := parsePWDump([]byte(`[{"id": 2000, "type": "PipeWire:Interface:Node", "info": {"props": {"media.class": "Audio/Sink", "node.name": "null-sink"}}}]`))
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.False(t, targets[0].Primary)
	assert.Equal(t, "null-sink", targets[0].Description)
}

func TestParsePWDump_Invalid(t *testing.T) {
	_, err := parsePWDump([]byte("not json"))
	var ce *errs.ConfigurationError
	assert.ErrorAs(t, err, &ce)
}

func TestParsePortList(t *testing.T) {
	output := "Output ports:\nChrome:output_FL\n  system:capture_1  \n\nInput ports:\nmeetcapture:input_1\n"
	assert.Equal(t, []string{"Chrome:output_FL", "system:capture_1", "meetcapture:input_1"}, parsePortList(output))
}

func TestPWCommandError_Classification(t *testing.T) {
	var ce *errs.ConfigurationError
	assert.ErrorAs(t, pwCommandError("pw-dump", exec.ErrNotFound), &ce, "missing binary")
	assert.ErrorAs(t, pwCommandError("pw-dump", errors.New("boom")), &ce)
}

func TestPipeWireNewSession(t *testing.T) {
	pw := NewPipeWire()

	_, err := pw.NewSession(context.Background(), Target{Name: "sink"}, SessionConfig{}, nil)
	assert.Error(t, err, "no handler")

	s, err := pw.NewSession(context.Background(), Target{Name: "sink"}, SessionConfig{BufferFrames: 512}, func(Buffer) {})
	require.NoError(t, err)
	ps := s.(*pipewireSession)
	assert.Equal(t, "sink.monitor", ps.source)
	assert.Equal(t, 512, ps.frames)
	args := ps.args()
	assert.Equal(t, "pipe:1", args[len(args)-1])
	// Stopping a session that never started is a no-op
	assert.NoError(t, s.Stop())
}

func TestMicrophoneEngine_StopIdle(t *testing.T) {
	m := NewMicrophoneEngine("")
	assert.Equal(t, "default", m.Source)
	m.StopRecording()
	m.StopRecording()
	assert.False(t, m.IsRecording())
}

func TestMicrophoneEngine_MissingBinary(t *testing.T) {
	m := NewMicrophoneEngine("default")
	m.FFmpegPath = "meetcapture-no-such-ffmpeg"

	err := m.StartRecording(context.Background(), t.TempDir()+"/mic.wav")
	var ce *errs.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.False(t, m.IsRecording(), "not recording after failed start")
}
