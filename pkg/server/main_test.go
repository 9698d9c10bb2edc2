package server

import (
	"io"
	"os"
	"testing"
)

// TestMain silences the package logger once before any test runs. Tests
// never touch it afterwards, so goroutines left over from earlier tests
// cannot race on it.
func TestMain(m *testing.M) {
	logger.SetOutput(io.Discard)

	os.Exit(m.Run())
}
