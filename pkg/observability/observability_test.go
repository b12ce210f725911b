package observability

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "tallyd", config.ServiceName)
	require.Equal(t, "development", config.Environment)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.True(t, config.Enabled)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)

	// Helpers stay usable without a provider behind them.
	ctx, done := p.TrackOperation(context.Background(), "noop")
	require.NotNil(t, ctx)
	done(errors.New("recorded but dropped"))

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestTrackOperationCompletes(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	_, done := p.TrackOperation(context.Background(), "command.CreateTask")
	done(nil)
}

func TestNewLoggerLevels(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tc := range cases {
		log := NewLogger(tc.in)
		require.NotNil(t, log)
		require.True(t, log.Enabled(context.Background(), tc.want))
		if tc.want > slog.LevelDebug {
			require.False(t, log.Enabled(context.Background(), tc.want-4))
		}
	}
}
