package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func writeLog(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func appendLog(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(content)
	require.NoError(t, err)
}

func TestLogTailReader_FirstReadAcceptsFrameZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commands.log")
	writeLog(t, path, "0 VIBRATE Duration:1 Strength:0.5 Motor:0\n5 POWER Strength:0.2 Motor:1\n")

	r := NewLogTailReader(path, discardLogger())
	events := r.NewEvents()

	require.Len(t, events, 2)
	assert.Equal(t, VibrateAction{Strength: 0.5, Motor: 0}, events[0].Action)
	assert.Equal(t, time.Second, events[0].TimeRemaining)
	assert.Equal(t, VibrateAction{Strength: 0.2, Motor: 1}, events[1].Action)
	assert.Equal(t, uint64(5), r.Watermark())
}

func TestLogTailReader_RepollIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commands.log")
	writeLog(t, path, "1 RESET\n2 POWER Strength:0.3 Motor:0\n")

	r := NewLogTailReader(path, discardLogger())
	require.Len(t, r.NewEvents(), 2)

	assert.Empty(t, r.NewEvents())
	assert.Empty(t, r.NewEvents())
	assert.Equal(t, uint64(2), r.Watermark())
}

func TestLogTailReader_StopsAtWatermark(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commands.log")
	writeLog(t, path, "0 RESET\n5 POWER Strength:0.2 Motor:0\n")

	r := NewLogTailReader(path, discardLogger())
	require.Len(t, r.NewEvents(), 2)

	// A later line repeating the watermark frame is treated as consumed.
	appendLog(t, path, "5 VIBRATE Duration:1 Strength:1 Motor:0\n")
	assert.Empty(t, r.NewEvents())

	appendLog(t, path, "6 RESET\n7 VIBRATE Duration:0.25 Strength:0.9 Motor:1\n")
	events := r.NewEvents()
	require.Len(t, events, 2)
	assert.Equal(t, StopAction{}, events[0].Action)
	assert.Equal(t, VibrateAction{Strength: 0.9, Motor: 1}, events[1].Action)
	assert.Equal(t, uint64(7), r.Watermark())
}

func TestLogTailReader_FrameZeroIsOnlyAcceptedOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commands.log")
	writeLog(t, path, "0 RESET\n")

	r := NewLogTailReader(path, discardLogger())
	require.Len(t, r.NewEvents(), 1)
	assert.Equal(t, uint64(0), r.Watermark())

	assert.Empty(t, r.NewEvents())
}

func TestLogTailReader_MissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "later.log")

	r := NewLogTailReader(path, discardLogger())
	assert.Empty(t, r.NewEvents())
	assert.Empty(t, r.NewEvents())

	// The first successful poll still gets the frame 0 exception.
	writeLog(t, path, "0 POWER Strength:0.4 Motor:-1\n")
	events := r.NewEvents()
	require.Len(t, events, 1)
	assert.Equal(t, VibrateAction{Strength: 0.4, Motor: AllMotors}, events[0].Action)
}

func TestLogTailReader_LineCompletedOnLaterPoll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commands.log")
	writeLog(t, path, "1 POWER Strength:0.2 Motor:0\r\n42 VIBRATE Duration:0.5 Stre")

	r := NewLogTailReader(path, discardLogger())
	events := r.NewEvents()
	require.Len(t, events, 1)
	assert.Equal(t, VibrateAction{Strength: 0.2, Motor: 0}, events[0].Action)
	assert.Equal(t, uint64(1), r.Watermark(), "a half-written line does not move the watermark")

	appendLog(t, path, "ngth:0.8 Motor:0\n")
	events = r.NewEvents()
	require.Len(t, events, 1)
	assert.Equal(t, VibrateAction{Strength: 0.8, Motor: 0}, events[0].Action)
	assert.Equal(t, 500*time.Millisecond, events[0].TimeRemaining)
	assert.Equal(t, uint64(42), r.Watermark())

	assert.Empty(t, r.NewEvents())
}

func TestLogTailReader_ColdStartHalfWrittenFrameZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commands.log")
	writeLog(t, path, "0 VIBRATE Dura")

	r := NewLogTailReader(path, discardLogger())
	assert.Empty(t, r.NewEvents())

	appendLog(t, path, "tion:1 Strength:1 Motor:0\n")
	events := r.NewEvents()
	require.Len(t, events, 1)
	assert.Equal(t, VibrateAction{Strength: 1, Motor: 0}, events[0].Action)

	assert.Empty(t, r.NewEvents())
}

func TestLogTailReader_RejectedLinesAdvanceWatermark(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commands.log")
	writeLog(t, path, "abc VIBRATE\n\n3 POWER Strength:0.5 Motor:0\n9 FOO Strength:1\n")

	badFrame := testutil.ToFloat64(LogLinesRejected.WithLabelValues(CodeBadFrame))
	unknown := testutil.ToFloat64(LogLinesRejected.WithLabelValues(CodeUnknownEvent))

	r := NewLogTailReader(path, discardLogger())
	events := r.NewEvents()
	require.Len(t, events, 1)
	assert.Equal(t, uint64(9), r.Watermark())

	assert.Equal(t, badFrame+1, testutil.ToFloat64(LogLinesRejected.WithLabelValues(CodeBadFrame)))
	assert.Equal(t, unknown+1, testutil.ToFloat64(LogLinesRejected.WithLabelValues(CodeUnknownEvent)))

	// The failed frame is not retried.
	assert.Empty(t, r.NewEvents())
}

func TestLogTailReader_SpansManyChunks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commands.log")

	const n = 2000
	var b strings.Builder
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "%d VIBRATE Duration:%d Strength:0.5 Motor:0\n", i, i)
	}
	require.Greater(t, b.Len(), 10*backwardChunkSize)
	writeLog(t, path, b.String())

	r := NewLogTailReader(path, discardLogger())
	events := r.NewEvents()
	require.Len(t, events, n)
	for i, ev := range events {
		require.Equal(t, time.Duration(i+1)*time.Second, ev.TimeRemaining, "event %d out of order", i)
	}
	assert.Equal(t, uint64(n), r.Watermark())

	appendLog(t, path, fmt.Sprintf("%d RESET\n", n+1))
	events = r.NewEvents()
	require.Len(t, events, 1)
	assert.Equal(t, StopAction{}, events[0].Action)
}

func TestBackwardScanner(t *testing.T) {
	tests := []struct {
		name         string
		input        string
		want         []string
		unterminated []bool
	}{
		{"empty", "", nil, nil},
		{"single terminated line", "a\n", []string{"", "a"}, []bool{false, false}},
		{"single unterminated line", "abc", []string{"abc"}, []bool{true}},
		{"unterminated tail", "a\nbb\nccc", []string{"ccc", "bb", "a"}, []bool{true, false, false}},
		{"blank lines kept", "a\n\nb\n", []string{"", "b", "", "a"}, []bool{false, false, false, false}},
		{"carriage return kept", "a\r\nb\r\n", []string{"", "b\r", "a\r"}, []bool{false, false, false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := strings.NewReader(tt.input)
			sc := newBackwardScanner(r, int64(len(tt.input)))
			var got []string
			var unterminated []bool
			for sc.Scan() {
				got = append(got, string(sc.Line()))
				unterminated = append(unterminated, sc.Unterminated())
			}
			require.NoError(t, sc.Err())
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.unterminated, unterminated)
		})
	}
}
