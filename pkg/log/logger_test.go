package log_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezoic/datakit/pkg/log"
)

func TestToLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"INFO", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"disabled", zerolog.Disabled},
		{"garbage", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, log.ToLogLevel(tt.in))
		})
	}
}

func TestZerologProviderFields(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)
	provider := log.NewZerologProviderWithLogger(base)

	logger := provider.GetLoggerWithName("analysis.correlation")
	logger.Info("analysis finished",
		log.OperationKey, log.OperationAnalyze,
		log.RowsKey, 42,
	)

	var event map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &event))

	assert.Equal(t, "analysis.correlation", event[log.ComponentKey])
	assert.Equal(t, log.OperationAnalyze, event[log.OperationKey])
	assert.Equal(t, float64(42), event[log.RowsKey])
	assert.Equal(t, "analysis finished", event["message"])
}

func TestWithAttachesPairs(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)
	provider := log.NewZerologProviderWithLogger(base)

	logger := provider.GetLogger().With(log.ModelNameKey, "KMeans")
	logger.Debug("sweep done", log.IterationsKey, 7)

	var event map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &event))

	assert.Equal(t, "KMeans", event[log.ModelNameKey])
	assert.Equal(t, float64(7), event[log.IterationsKey])
}

func TestNopProviderDropsEverything(t *testing.T) {
	provider := log.NewNopProvider()

	// Must not panic and must not write anywhere observable.
	logger := provider.GetLoggerWithName("silent")
	logger.Info("never seen", log.SamplesKey, 10)
	logger.Error("never seen either")
}
