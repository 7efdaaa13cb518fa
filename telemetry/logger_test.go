package telemetry

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTelemetryLoggerTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := createTelemetryLogger("test-service")
	logger.SetOutput(&buf)

	logger.Info("starting up", map[string]interface{}{"endpoint": "localhost:4318"})

	output := buf.String()
	assert.Contains(t, output, "INFO")
	assert.Contains(t, output, "starting up")
	assert.Contains(t, output, "endpoint=localhost:4318")
}

func TestTelemetryLoggerJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := createTelemetryLogger("test-service")
	logger.SetOutput(&buf)
	logger.format = "json"

	logger.Error("export failed", map[string]interface{}{"error": "timeout"})

	output := buf.String()
	assert.Contains(t, output, `"level":"ERROR"`)
	assert.Contains(t, output, `"message":"export failed"`)
}

func TestTelemetryLoggerDebugGatedByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := createTelemetryLogger("test-service")
	logger.SetOutput(&buf)
	logger.debug = false

	logger.Debug("should not appear", nil)
	assert.Empty(t, buf.String())

	logger.debug = true
	logger.Debug("should appear", nil)
	assert.Contains(t, buf.String(), "should appear")
}

func TestTelemetryLoggerRespectsConfiguredLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := createTelemetryLogger("test-service")
	logger.SetOutput(&buf)
	logger.level = "ERROR"

	logger.Info("suppressed", nil)
	assert.Empty(t, buf.String())

	logger.Error("shown", nil)
	assert.Contains(t, buf.String(), "shown")
}
