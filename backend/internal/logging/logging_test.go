package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	logger, lvl, err := New("debug", true)
	require.NoError(t, err)
	require.NotNil(t, logger)
	require.Equal(t, zapcore.DebugLevel, lvl.Level())

	lvl.SetLevel(zapcore.WarnLevel)
	require.False(t, logger.Core().Enabled(zapcore.InfoLevel))

	_, lvl, err = New("", false)
	require.NoError(t, err)
	require.Equal(t, zapcore.InfoLevel, lvl.Level())

	_, _, err = New("loud", false)
	require.Error(t, err)
}
