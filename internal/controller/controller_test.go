package controller

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"rootstream/internal/identity"
	"rootstream/internal/rserrors"
)

func TestLoggerNormalModePrefixes(t *testing.T) {
	t.Setenv("AI_COPILOT_MODE", "")
	var buf bytes.Buffer
	log := NewLogger(&buf)

	log.Info().Msg("hello")
	log.Warn().Msg("careful")
	log.Error().Msg("boom")

	out := buf.String()
	for _, want := range []string{"INFO: hello", "WARNING: careful", "ERROR: boom"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output missing %q:\n%s", want, out)
		}
	}
}

func TestLoggerAIMode(t *testing.T) {
	t.Setenv("AI_COPILOT_MODE", "1")
	var buf bytes.Buffer
	log := NewLogger(&buf)

	hostloopLog := log.With().Str("component", "hostloop").Logger()
	hostloopLog.Warn().Int("attempt", 3).Msg("retry scheduled")
	log.Info().Msg("no component set")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "[AICODING][hostloop] WARNING: retry scheduled") {
		t.Fatalf("unexpected AI-mode line: %q", lines[0])
	}
	if !strings.Contains(lines[0], "attempt=3") {
		t.Fatalf("field missing from AI-mode line: %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "[AICODING][core] INFO: no component set") {
		t.Fatalf("missing default component: %q", lines[1])
	}
}

func TestAIModeToggle(t *testing.T) {
	cases := []struct {
		value string
		want  bool
	}{
		{"", false},
		{"0", false},
		{"false", false},
		{"FALSE", false},
		{"1", true},
		{"on", true},
	}
	for _, tc := range cases {
		t.Setenv("AI_COPILOT_MODE", tc.value)
		if got := AIMode(); got != tc.want {
			t.Fatalf("AIMode with %q = %v, want %v", tc.value, got, tc.want)
		}
	}
}

func TestExitCode(t *testing.T) {
	if got := ExitCode(nil); got != 0 {
		t.Fatalf("nil error exit = %d, want 0", got)
	}
	cfgErr := fmt.Errorf("bad peer code: %w", rserrors.ErrConfig)
	if got := ExitCode(cfgErr); got != 1 {
		t.Fatalf("config error exit = %d, want 1", got)
	}
	if got := ExitCode(errors.New("bind failed")); got != 2 {
		t.Fatalf("runtime error exit = %d, want 2", got)
	}
}

func TestBootstrapIdentityUsesXDGConfigHome(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	id, err := bootstrapIdentity("ctl-test")
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	defer id.Wipe()

	pub, label, err := identity.ParsePeerCode(id.PeerCode)
	if err != nil {
		t.Fatalf("parse generated peer code: %v", err)
	}
	if label != "ctl-test" {
		t.Fatalf("label = %q, want ctl-test", label)
	}
	if !pub.Equal(id.Public) {
		t.Fatal("peer code public key mismatch")
	}

	loaded, err := identity.Load(filepath.Join(dir, "rootstream"))
	if err != nil {
		t.Fatalf("load persisted identity: %v", err)
	}
	if !loaded.Public.Equal(id.Public) {
		t.Fatal("persisted identity differs from bootstrapped one")
	}
}

func TestDefaultCtlSocketPath(t *testing.T) {
	run := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", run)
	if got, want := DefaultCtlSocketPath(), filepath.Join(run, "rootstream.sock"); got != want {
		t.Fatalf("path = %q, want %q", got, want)
	}
	t.Setenv("XDG_RUNTIME_DIR", "")
	if got := DefaultCtlSocketPath(); !strings.HasSuffix(got, "rootstream.sock") {
		t.Fatalf("fallback path = %q", got)
	}
}

func TestPrintQR(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	var buf bytes.Buffer
	if err := PrintQR(&buf, "qr-host"); err != nil {
		t.Fatalf("print qr: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "peer code:") {
		t.Fatalf("missing peer code line:\n%s", out)
	}
	if !strings.Contains(out, "fingerprint:") {
		t.Fatalf("missing fingerprint line:\n%s", out)
	}
	code := ""
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "peer code:") {
			code = strings.TrimSpace(strings.TrimPrefix(line, "peer code:"))
		}
	}
	if _, _, err := identity.ParsePeerCode(code); err != nil {
		t.Fatalf("printed peer code does not parse: %v", err)
	}
}
