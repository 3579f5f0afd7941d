// Package testutil provides shared helpers for package tests.
package testutil

import (
	"testing"

	"github.com/rs/zerolog"
)

// Logger returns a zerolog logger that writes through t.Log, so output
// is attributed to the test and hidden unless the test fails.
func Logger(t *testing.T) zerolog.Logger {
	t.Helper()
	return zerolog.New(zerolog.NewTestWriter(t)).With().Timestamp().Logger()
}

// Silent returns a logger that discards everything.
func Silent() zerolog.Logger {
	return zerolog.Nop()
}
