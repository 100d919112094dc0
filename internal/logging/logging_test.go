package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBuild_JSONWithSink(t *testing.T) {
	var out, sink bytes.Buffer
	log, err := build(&out, "info", "json", &sink)
	require.NoError(t, err)

	log.Named("session").Info("connected", zap.String("port", "/dev/ttyUSB0"))
	log.Debug("hidden")
	require.NoError(t, log.Sync())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &entry))
	assert.Equal(t, "connected", entry["msg"])
	assert.Equal(t, "session", entry["logger"])
	assert.Equal(t, "/dev/ttyUSB0", entry["port"])

	assert.Contains(t, sink.String(), "connected")
	assert.NotContains(t, sink.String(), "hidden")
	assert.Equal(t, 1, strings.Count(sink.String(), "\n"))
}

func TestBuild_RejectsBadSettings(t *testing.T) {
	_, err := build(&bytes.Buffer{}, "loud", "console")
	require.Error(t, err)
	_, err = build(&bytes.Buffer{}, "info", "xml")
	require.Error(t, err)
}
