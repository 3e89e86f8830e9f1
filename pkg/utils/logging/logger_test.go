package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/memoria/pkg/utils/logging"
)

func TestLevels(t *testing.T) {
	testCases := map[string][]string{
		"debug":   {"debug", "info", "warn", "error"},
		"DEBUG":   {"debug", "info", "warn", "error"},
		"info":    {"info", "warn", "error"},
		"warning": {"warn", "error"},
		"error":   {"error"},
		"verbose": {"info", "warn", "error"},
	}

	for level, shown := range testCases {
		t.Run(level, func(t *testing.T) {
			buf := &bytes.Buffer{}
			logger := logging.New(level, buf, logging.WithFormat(logging.FormatJSON))

			logger.Debug("debug")
			logger.Info("info")
			logger.Warn("warn")
			logger.Error("error")

			var got []string
			for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
				var record map[string]any
				gt.NoError(t, json.Unmarshal([]byte(line), &record))
				got = append(got, record["msg"].(string))
			}
			gt.Equal(t, got, shown)
		})
	}
}

func TestConsoleFormat(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := logging.New("info", buf)

	logger.Info("memory added", "name", "residence")
	gt.S(t, buf.String()).Contains("memory added")
	gt.S(t, buf.String()).Contains("residence")
}

func TestContextCarriesOperationLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := logging.New("info", buf, logging.WithFormat(logging.FormatJSON)).
		With("op", "full_update", "op_id", "0001")

	ctx := logging.With(context.Background(), logger)
	gt.Equal(t, logging.From(ctx), logger)

	logging.From(ctx).Info("applied additions", "added", 2)

	var record map[string]any
	gt.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	gt.Equal(t, record["op"], any("full_update"))
	gt.Equal(t, record["op_id"], any("0001"))
	gt.Equal(t, record["added"], any(2.0))
}

func TestFromFallsBackToDefault(t *testing.T) {
	original := logging.Default()
	gt.V(t, original).NotNil()
	t.Cleanup(func() { logging.SetDefault(original) })

	buf := &bytes.Buffer{}
	replaced := logging.New("warn", buf)
	logging.SetDefault(replaced)

	gt.Equal(t, logging.Default(), replaced)
	gt.Equal(t, logging.From(context.Background()), replaced)

	logging.From(context.Background()).Warn("oracle proposed unknown memory")
	gt.S(t, buf.String()).Contains("oracle proposed unknown memory")
}

func TestNilWriterUsesStderr(t *testing.T) {
	gt.V(t, logging.New("info", nil)).NotNil()
}
