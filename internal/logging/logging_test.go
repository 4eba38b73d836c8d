package logging

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"ERROR", LevelError, false},
		{"invalid", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("JSON"); err != nil || f != FormatJSON {
		t.Errorf("ParseFormat(JSON) = %v, %v", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != FormatText {
		t.Errorf("ParseFormat(\"\") = %v, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Level != LevelInfo {
		t.Errorf("expected default level Info, got %v", cfg.Level)
	}
	if cfg.Output != "stderr" {
		t.Errorf("expected default output stderr, got %s", cfg.Output)
	}
	if !strings.Contains(cfg.FilePath, "proctord") {
		t.Errorf("unexpected default path %s", cfg.FilePath)
	}
}

func newBufferLogger(t *testing.T) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	l, err := New(&Config{Level: LevelDebug, Format: FormatJSON, Component: "relay", Writer: &buf})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return l, &buf
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m); err != nil {
		t.Fatalf("invalid JSON log line %q: %v", buf.String(), err)
	}
	return m
}

func TestRedactsCredentialKeys(t *testing.T) {
	l, buf := newBufferLogger(t)
	l.Info("teacher login", "username", "ivanova", "password", "hunter2", "session_id", "s-1")

	m := decodeLine(t, buf)
	if m["password"] != "[REDACTED]" {
		t.Errorf("password not redacted: %v", m["password"])
	}
	if m["session_id"] != "s-1" {
		t.Errorf("session_id should be kept, got %v", m["session_id"])
	}
	if m["component"] != "relay" {
		t.Errorf("component missing: %v", m["component"])
	}
}

func TestSanitizesInlineSecrets(t *testing.T) {
	l, buf := newBufferLogger(t)
	l.Warn("bad frame", "payload", `{"username":"x","password":"hunter2"}`)

	m := decodeLine(t, buf)
	if strings.Contains(m["payload"].(string), "hunter2") {
		t.Errorf("inline password leaked: %v", m["payload"])
	}
}

func TestShouldRedact(t *testing.T) {
	for _, key := range []string{"password", "PasswordHash", "api_key", "auth_token", "client_secret"} {
		if !shouldRedact(key) {
			t.Errorf("expected %q to be redacted", key)
		}
	}
	for _, key := range []string{"session_id", "student", "kind", "remote"} {
		if shouldRedact(key) {
			t.Errorf("expected %q to be kept", key)
		}
	}
}

func TestFileRotatorRotates(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")
	r, err := NewFileRotator(&Config{FilePath: logPath, MaxBackups: 2, Compress: false})
	if err != nil {
		t.Fatalf("NewFileRotator failed: %v", err)
	}
	defer r.Close()
	r.maxBytes = 64

	line := []byte(strings.Repeat("x", 40) + "\n")
	for i := 0; i < 8; i++ {
		if _, err := r.Write(line); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}

	rotated, err := r.rotatedFiles()
	if err != nil {
		t.Fatalf("rotatedFiles failed: %v", err)
	}
	if len(rotated) != 2 {
		t.Errorf("expected MaxBackups rotated files, got %d: %v", len(rotated), rotated)
	}
	info, err := os.Stat(logPath)
	if err != nil {
		t.Fatalf("stat current: %v", err)
	}
	if info.Size() != int64(len(line)) {
		t.Errorf("expected current file to hold one line, got %d bytes", info.Size())
	}
}

func TestFileRotatorCompresses(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")
	r, err := NewFileRotator(&Config{FilePath: logPath, MaxBackups: 5, Compress: true})
	if err != nil {
		t.Fatalf("NewFileRotator failed: %v", err)
	}
	defer r.Close()
	r.maxBytes = 10

	r.Write([]byte("first line\n"))
	r.Write([]byte("second line\n"))

	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(logPath), "test-*.log.gz"))
	if len(matches) != 1 {
		t.Errorf("expected one gzip backup, got %v", matches)
	}
}

func TestAuditLogger(t *testing.T) {
	var buf bytes.Buffer
	a := NewAuditWriter(&buf, "relay")
	a.now = func() time.Time { return time.Date(2026, 1, 12, 9, 0, 0, 0, time.UTC) }

	if err := a.TeacherLogin("ivanova", "10.0.0.5", ResultFailure, errors.New("bad credentials")); err != nil {
		t.Fatalf("TeacherLogin failed: %v", err)
	}
	if err := a.SessionStart("s1", "Ivan Petrov", "11A", true); err != nil {
		t.Fatalf("SessionStart failed: %v", err)
	}
	if err := a.ForceDisconnect("s1", "monitor", "suspicion", 85); err != nil {
		t.Fatalf("ForceDisconnect failed: %v", err)
	}

	var events []AuditEvent
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var ev AuditEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("invalid audit line: %v", err)
		}
		events = append(events, ev)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].EventType != AuditTeacherLogin || events[0].Error != "bad credentials" || events[0].Component != "relay" {
		t.Errorf("unexpected login event: %+v", events[0])
	}
	if events[1].EventType != AuditSessionResume {
		t.Errorf("expected resume event, got %s", events[1].EventType)
	}
	if events[2].Details["suspicion_score"] != float64(85) {
		t.Errorf("unexpected details: %v", events[2].Details)
	}

	var nilAudit *AuditLogger
	if err := nilAudit.Shutdown("test"); err != nil {
		t.Errorf("nil audit logger should discard: %v", err)
	}
}
