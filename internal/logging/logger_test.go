package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{DEBUG, "DEBUG"},
		{INFO, "INFO"},
		{WARN, "WARN"},
		{ERROR, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.level.String())
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", DEBUG, false},
		{"INFO", INFO, false},
		{"", INFO, false},
		{"warning", WARN, false},
		{" error ", ERROR, false},
		{"loud", INFO, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLogger_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, WARN)

	l.Info("hidden")
	l.Warn("shown %d", 1)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN] shown 1")
}

func TestLogger_FieldsAreSortedAndInherited(t *testing.T) {
	var buf bytes.Buffer
	base := New(&buf, DEBUG).WithField("user", "abc123")
	child := base.WithFields(map[string]interface{}{"session": "s1", "attempt": 2})

	child.Debug("saved")

	line := strings.TrimSpace(buf.String())
	assert.True(t, strings.HasSuffix(line, "| attempt=2 session=s1 user=abc123"), line)

	buf.Reset()
	base.Info("parent")
	assert.NotContains(t, buf.String(), "session=")
}

func TestLogger_NoColorsForBuffers(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, INFO)
	l.Error("boom")
	assert.NotContains(t, buf.String(), "\033[")
}

func TestSetOutput(t *testing.T) {
	orig := defaultLogger.output
	origColors := defaultLogger.colors
	t.Cleanup(func() {
		defaultLogger.output = orig
		defaultLogger.colors = origColors
	})

	var buf bytes.Buffer
	SetOutput(&buf)
	Info("hello %s", "world")

	assert.Contains(t, buf.String(), "[INFO] hello world")
	assert.False(t, defaultLogger.colors)
}
