package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestSetLevel(t *testing.T) {
	t.Cleanup(func() { globalLevel.SetLevel(zapcore.InfoLevel) })

	require.NoError(t, SetLevel("debug"))
	assert.Equal(t, zapcore.DebugLevel, Level())
	assert.True(t, L().Core().Enabled(zapcore.DebugLevel))

	assert.Error(t, SetLevel("loud"))
	assert.Equal(t, zapcore.DebugLevel, Level())

	require.NoError(t, SetLevel("warn"))
	assert.False(t, L().Core().Enabled(zapcore.InfoLevel))
}

func TestWithSession(t *testing.T) {
	ctx := WithSession(context.Background(), "abc", "10.0.0.2:5000")
	assert.NotSame(t, L(), WithContext(ctx))
	assert.Same(t, L(), WithContext(context.Background()))
}
