package logging

import (
	"bytes"
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestNewWithOutput(t *testing.T) {
	tests := []struct {
		name        string
		level       string
		format      string
		expectLevel logrus.Level
		expectJSON  bool
	}{
		{name: "debug text", level: "debug", format: "text", expectLevel: logrus.DebugLevel},
		{name: "warn json", level: "warn", format: "json", expectLevel: logrus.WarnLevel, expectJSON: true},
		{name: "invalid level defaults to info", level: "loud", format: "text", expectLevel: logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewWithOutput(tt.level, tt.format, &buf)
			assert.Equal(t, tt.expectLevel, logger.Level)
			_, isJSON := logger.Formatter.(*logrus.JSONFormatter)
			assert.Equal(t, tt.expectJSON, isJSON)
		})
	}
}

func TestFieldsAppearInOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithOutput("info", "json", &buf)
	logger.WithField(FieldBatchID, "RAP-2503-01").Info("batch imported")

	assert.Contains(t, buf.String(), `"batch_id":"RAP-2503-01"`)
	assert.Contains(t, buf.String(), "batch imported")
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	logger.Error("nothing to see")
	assert.NotNil(t, logger)
}

func TestRequestID(t *testing.T) {
	assert.Empty(t, RequestID(context.Background()))

	ctx := WithRequestID(context.Background(), "req-1")
	assert.Equal(t, "req-1", RequestID(ctx))
}
