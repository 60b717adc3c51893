package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogger_NewWithWriter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		verbose   bool
		wantDebug bool
	}{
		{"info level", false, false},
		{"verbose enables debug", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			log := NewWithWriter(&buf, tt.verbose)
			log.Debug("debug line")
			log.Info("info line", "rows", 3)
			require.Contains(t, buf.String(), "info line")
			require.Contains(t, buf.String(), "rows")
			require.Equal(t, tt.wantDebug, bytes.Contains(buf.Bytes(), []byte("debug line")))
		})
	}
}

func TestLogger_Verbose(t *testing.T) {
	t.Setenv("LOG_LEVEL", "DEBUG")
	require.True(t, Verbose())
	t.Setenv("LOG_LEVEL", "info")
	require.False(t, Verbose())
}
