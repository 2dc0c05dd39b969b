package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_ReleaseWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(gin.ReleaseMode, &buf)
	l.Info().Str("module", "main").Msg("started")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "started", line["message"])
	assert.Equal(t, "main", line["module"])
}

func TestNewLogger_DebugWritesConsole(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(gin.DebugMode, &buf)
	l.Info().Str("module", "main").Msg("started")

	assert.Contains(t, buf.String(), "started")
	assert.Error(t, json.Unmarshal(buf.Bytes(), new(map[string]any)))
}
