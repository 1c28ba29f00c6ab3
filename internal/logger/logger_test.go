package logger

import (
	"bytes"
	"log/slog"
	"regexp"
	"testing"
)

func captureLogs(format string, level Severity, fn func()) string {
	var buf bytes.Buffer
	defaultLoggerFactory.format = format
	defaultLoggerFactory.level.Set(level.level())
	defaultLoggerFactory.out = &buf
	defaultLogger = slog.New(defaultLoggerFactory.createHandler(&buf, defaultLoggerFactory.level))
	fn()
	return buf.String()
}

func TestTextFormatRespectsLevel(t *testing.T) {
	out := captureLogs("text", WARNING, func() {
		Infof("info %s", "one")
		Warnf("warn %s", "two")
		Errorf("error %s", "three")
	})

	if regexp.MustCompile(`message="info one"`).MatchString(out) {
		t.Fatalf("expected info to be filtered out, got: %s", out)
	}
	if !regexp.MustCompile(`severity=WARNING message="warn two"`).MatchString(out) {
		t.Fatalf("expected warning line, got: %s", out)
	}
	if !regexp.MustCompile(`severity=ERROR message="error three"`).MatchString(out) {
		t.Fatalf("expected error line, got: %s", out)
	}
}

func TestJSONFormat(t *testing.T) {
	out := captureLogs("json", TRACE, func() {
		Tracef("hello")
	})

	if !regexp.MustCompile(`"severity":"TRACE","message":"hello"`).MatchString(out) {
		t.Fatalf("unexpected JSON output: %s", out)
	}
}

func TestOffSilencesEverything(t *testing.T) {
	out := captureLogs("text", OFF, func() {
		Errorf("should not appear")
	})
	if out != "" {
		t.Fatalf("expected no output at OFF, got: %s", out)
	}
}

func TestParseSeverity(t *testing.T) {
	if _, err := ParseSeverity("bogus"); err == nil {
		t.Fatal("expected an error for an unknown level")
	}
	got, err := ParseSeverity("warning")
	if err != nil || got != WARNING {
		t.Fatalf("ParseSeverity(warning) = %v, %v", got, err)
	}
}
