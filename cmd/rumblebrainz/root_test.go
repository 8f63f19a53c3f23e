package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executeRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := executeRoot(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "rumblebrainz dev")
}

func TestRootCmd_AcceptsDaemonFlags(t *testing.T) {
	cmd := NewRootCmd()
	for _, name := range []string{"log", "buttplug-url", "device", "frame-hz", "input-device", "http-listen", "log-level"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))
}

func TestRunFlags_OnlyChangedFlagsOverride(t *testing.T) {
	f := &runFlags{}
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	f.register(fs)
	require.NoError(t, fs.Parse([]string{
		"--frame-hz", "30",
		"--http-listen", "",
		"--input-device", "/dev/input/event1",
		"--input-device", "/dev/input/event2",
	}))

	o := f.overrides(fs)
	require.NotNil(t, o.FrameHz)
	assert.Equal(t, 30, *o.FrameHz)
	require.NotNil(t, o.HTTPListen)
	assert.Empty(t, *o.HTTPListen)
	require.NotNil(t, o.InputDevices)
	assert.Equal(t, []string{"/dev/input/event1", "/dev/input/event2"}, *o.InputDevices)

	assert.Nil(t, o.LogPath)
	assert.Nil(t, o.ButtplugURL)
	assert.Nil(t, o.LogLevel)
}

func TestTriggerCmd(t *testing.T) {
	inputs := make(chan Input, 4)
	socket := startIPCServer(t, inputs)

	out, err := executeRoot(t, "trigger", "vibrate", "--socket", socket, "--strength", "0.4", "--duration-ms", "200", "--motor", "1")
	require.NoError(t, err)
	assert.Equal(t, "ok\n", out)

	ev := (<-inputs).(ManualEvent).Event
	assert.Equal(t, VibrateAction{Strength: 0.4, Motor: 1}, ev.Action)
	assert.Equal(t, 200*time.Millisecond, ev.TimeRemaining)

	_, err = executeRoot(t, "trigger", "power", "--socket", socket)
	require.NoError(t, err)
	ev = (<-inputs).(ManualEvent).Event
	assert.Equal(t, VibrateAction{Strength: defaultManualStrength, Motor: AllMotors}, ev.Action)

	_, err = executeRoot(t, "trigger", "stop", "--socket", socket)
	require.NoError(t, err)
	assert.Equal(t, ManualStop{}, <-inputs)
}

func TestTriggerCmd_DaemonNotRunning(t *testing.T) {
	_, err := executeRoot(t, "trigger", "stop", "--socket", shortSocketPath(t), "--timeout", "100ms")
	assert.Error(t, err)
}
