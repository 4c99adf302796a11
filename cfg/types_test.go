package cfg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogSeverityUnmarshalText(t *testing.T) {
	var s LogSeverity
	require.NoError(t, s.UnmarshalText([]byte("debug")))
	assert.Equal(t, DebugLogSeverity, s)
}

func TestLogSeverityUnmarshalTextRejectsUnknown(t *testing.T) {
	var s LogSeverity
	assert.Error(t, s.UnmarshalText([]byte("CRITICAL")))
}

func TestLogSeverityIsEnabled(t *testing.T) {
	assert.True(t, InfoLogSeverity.IsEnabled(WarningLogSeverity))
	assert.True(t, InfoLogSeverity.IsEnabled(InfoLogSeverity))
	assert.False(t, InfoLogSeverity.IsEnabled(DebugLogSeverity))
	assert.False(t, InfoLogSeverity.IsEnabled(TraceLogSeverity))
}

func TestLogFormatUnmarshalText(t *testing.T) {
	var f LogFormat
	require.NoError(t, f.UnmarshalText([]byte("JSON")))
	assert.Equal(t, JSONLogFormat, f)

	assert.Error(t, f.UnmarshalText([]byte("xml")))
}

func TestOctalRoundTrip(t *testing.T) {
	var o Octal
	require.NoError(t, o.UnmarshalText([]byte("700")))
	assert.Equal(t, Octal(0700), o)

	text, err := o.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "700", string(text))
}
