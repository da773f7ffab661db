package util

import (
	"strings"
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	t.Setenv("TEST_BOOL", "yes")
	if !ParseBoolEnv("TEST_BOOL", false) {
		t.Error("expected yes to parse as true")
	}
	t.Setenv("TEST_BOOL", "off")
	if ParseBoolEnv("TEST_BOOL", true) {
		t.Error("expected off to parse as false")
	}
	t.Setenv("TEST_BOOL", "banana")
	if !ParseBoolEnv("TEST_BOOL", true) {
		t.Error("expected invalid value to fall back to default")
	}
	if ParseBoolEnv("TEST_BOOL_UNSET", false) {
		t.Error("expected unset variable to use default")
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("TEST_INT", " 42 ")
	if got := ParseIntEnv("TEST_INT", 7); got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
	t.Setenv("TEST_INT", "nope")
	if got := ParseIntEnv("TEST_INT", 7); got != 7 {
		t.Errorf("expected default 7, got %d", got)
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("TEST_DUR", "45s")
	if got := ParseDurationEnv("TEST_DUR", time.Minute); got != 45*time.Second {
		t.Errorf("expected 45s, got %v", got)
	}
	t.Setenv("TEST_DUR", "not-a-duration")
	if got := ParseDurationEnv("TEST_DUR", time.Minute); got != time.Minute {
		t.Errorf("expected default 1m, got %v", got)
	}
}

func TestGenerateSessionID(t *testing.T) {
	id := GenerateSessionID()
	if !strings.HasPrefix(id, "s_") {
		t.Errorf("expected s_ prefix, got %q", id)
	}
	if len(id) != 2+32 {
		t.Errorf("expected 34 characters, got %d", len(id))
	}
	if id == GenerateSessionID() {
		t.Error("expected distinct session IDs")
	}
}
