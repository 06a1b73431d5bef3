package logging

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewParsesLevel(t *testing.T) {
	orig := buildLogger
	t.Cleanup(func() { buildLogger = orig })

	var captured zap.Config
	buildLogger = func(cfg zap.Config) (*zap.Logger, error) {
		captured = cfg
		return zap.NewNop(), nil
	}

	if _, err := New("debug", "json"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if captured.Level.Level() != zapcore.DebugLevel {
		t.Fatalf("expected debug level, got %v", captured.Level.Level())
	}
	if captured.Encoding != "json" {
		t.Fatalf("expected json encoding, got %s", captured.Encoding)
	}

	if _, err := New("nonsense", "console"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if captured.Level.Level() != zapcore.InfoLevel {
		t.Fatalf("expected info fallback, got %v", captured.Level.Level())
	}
	if captured.Encoding != "console" {
		t.Fatalf("expected console encoding, got %s", captured.Encoding)
	}
}

func TestNewBuildError(t *testing.T) {
	orig := buildLogger
	t.Cleanup(func() { buildLogger = orig })

	buildLogger = func(zap.Config) (*zap.Logger, error) {
		return nil, errors.New("boom")
	}
	if _, err := New("info", "json"); err == nil {
		t.Fatal("expected build error")
	}
}
