package zerolog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/billsync/billsync/pkg/billing"
)

func TestZerologLogger_WritesAllLevels(t *testing.T) {
	output := bytes.Buffer{}
	logger := NewLogger(zerolog.New(&output))

	logger.Debug("debug message", billing.Field{Key: "key", Value: "value"})
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	for _, want := range []string{"debug message", "info message", "warn message", "error message"} {
		if !strings.Contains(output.String(), want) {
			t.Errorf("Expected output to contain %q", want)
		}
	}
}

func TestZerologLogger_LogLevelFiltering(t *testing.T) {
	output := bytes.Buffer{}
	logger := NewLogger(zerolog.New(&output).Level(zerolog.WarnLevel))

	logger.Debug("debug message")
	logger.Info("info message")

	if output.Len() != 0 {
		t.Error("Expected debug and info to be filtered out")
	}

	logger.Warn("warn message")
	logger.Error("error message")

	if output.Len() == 0 {
		t.Error("Expected warn and error to be logged")
	}
}

func TestZerologLogger_StructuredFields(t *testing.T) {
	output := bytes.Buffer{}
	logger := NewLogger(zerolog.New(&output))

	logger.Info("tenant sync",
		billing.Field{Key: "tenant", Value: "tenant-1"},
		billing.Field{Key: "outcome", Value: "updated"},
		billing.Field{Key: "attempt", Value: 2},
	)

	got := output.String()
	for _, want := range []string{`"tenant":"tenant-1"`, `"outcome":"updated"`, `"attempt":2`} {
		if !strings.Contains(got, want) {
			t.Errorf("Expected output to contain %s, got %s", want, got)
		}
	}
}
