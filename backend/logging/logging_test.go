package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewParsesLevel(t *testing.T) {
	logger, err := New(&bytes.Buffer{}, "warn")
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, logger.GetLevel())

	logger, err = New(&bytes.Buffer{}, "nonsense")
	require.Error(t, err)
	assert.Equal(t, zerolog.DebugLevel, logger.GetLevel())
}

func TestPionFactoryShiftsLevels(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := zerolog.New(buf).Level(zerolog.DebugLevel)

	l := PionFactory{Logger: logger}.NewLogger("ice")
	l.Debug("hidden")
	l.Infof("shown %d", 1)
	l.Errorf("broken %s", "pipe")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown 1")
	assert.Contains(t, out, `"scope":"ice"`)
	assert.Contains(t, out, "broken pipe")
}
