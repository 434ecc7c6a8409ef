package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChildLoggersCarryTheirField(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	logger := WithComponent("store")
	logger.Debug().Str("root", "/tmp/hub").Msg("stores opened")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "store", line["component"])
	assert.Equal(t, "/tmp/hub", line["root"])
	assert.Equal(t, "stores opened", line["message"])
}

func TestEachChildHelperTagsItsKey(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})

	for key, bind := range map[string]string{
		"account": "alice",
		"task_id": "t-1",
		"run_id":  "r-1",
		"conn_id": "c-1",
	} {
		buf.Reset()
		switch key {
		case "account":
			logger := WithAccount(bind)
			logger.Info().Msg("x")
		case "task_id":
			logger := WithTaskID(bind)
			logger.Info().Msg("x")
		case "run_id":
			logger := WithRunID(bind)
			logger.Info().Msg("x")
		case "conn_id":
			logger := WithConn(bind)
			logger.Info().Msg("x")
		}
		var line map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		assert.Equal(t, bind, line[key], key)
	}
}
