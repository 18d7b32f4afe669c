package server

import (
	"io"
	"log"
	"os"
	"testing"
)

// TestMain sets up package-level test state once before any test runs.
// Loggers are fixed here so tests never write them while goroutines from
// earlier tests may still be reading them.
func TestMain(m *testing.M) {
	errorLog = log.New(io.Discard, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
	log.SetOutput(io.Discard)

	os.Exit(m.Run())
}
