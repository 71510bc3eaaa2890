package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/snapbackup/internal/config"
)

func TestNewLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, &config.Config{LogLevel: "info", Hostname: "nas01"})

	logger.Info().Str("job", "db").Msg("backup started")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "snapbackup", entry["service"])
	assert.Equal(t, "nas01", entry["hostname"])
	assert.Equal(t, "db", entry["job"])
	assert.Equal(t, "backup started", entry["message"])
	assert.Contains(t, entry, "time")
}

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"warn", zerolog.WarnLevel},
		{"", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger := newLogger(&bytes.Buffer{}, &config.Config{LogLevel: tt.level})
			assert.Equal(t, tt.want, logger.GetLevel())
		})
	}
}

func TestNewLogger_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, &config.Config{LogLevel: "warn"})

	logger.Info().Msg("quiet")
	assert.Empty(t, buf.String())

	logger.Warn().Msg("loud")
	assert.Contains(t, buf.String(), "loud")
}
