package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input       string
		expected    Level
		expectError bool
	}{
		{input: "error", expected: LevelError},
		{input: "warn", expected: LevelWarn},
		{input: "warning", expected: LevelWarn},
		{input: "INFO", expected: LevelInfo},
		{input: "", expected: LevelInfo},
		{input: "debug", expected: LevelDebug},
		{input: "verbose", expected: LevelInfo, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := ParseLevel(tt.input)
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.expected, level)
		})
	}
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "ERROR", LevelError.String())
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "UNKNOWN", Level(42).String())
}

func TestModuleSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	root := New(&buf, LevelInfo, "json")
	child := root.Module("isapi")

	child.Debug("hidden")
	assert.Zero(t, buf.Len())

	root.SetLevel(LevelDebug)
	assert.Equal(t, LevelDebug, child.GetLevel())

	child.Debug("visible", "channel", "1")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "visible", record["msg"])
	assert.Equal(t, "isapi", record["module"])
	assert.Equal(t, "1", record["channel"])
}

func TestDiscard(t *testing.T) {
	l := Discard()
	l.Error("dropped")
	assert.Equal(t, LevelInfo, l.GetLevel())
}
