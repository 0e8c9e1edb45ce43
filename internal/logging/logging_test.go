package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
)

func TestConfigureWithNoSinksDiscardsOutput(t *testing.T) {
	logger, reopen, err := Configure(Config{Level: zerolog.InfoLevel})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if reopen != nil {
		t.Fatal("expected nil reopen when no log file is configured")
	}
	logger.Info().Msg("should not panic")
}

func TestLevelWriterDropsBelowThreshold(t *testing.T) {
	var buf bytes.Buffer
	lw := newLevelWriter(&buf, zerolog.WarnLevel)
	if _, err := lw.WriteLevel(zerolog.InfoLevel, []byte("info\n")); err != nil {
		t.Fatalf("WriteLevel: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected info-level write to be dropped, got %q", buf.String())
	}
	if _, err := lw.WriteLevel(zerolog.ErrorLevel, []byte("error\n")); err != nil {
		t.Fatalf("WriteLevel: %v", err)
	}
	if buf.String() != "error\n" {
		t.Fatalf("expected error-level write through, got %q", buf.String())
	}
}
