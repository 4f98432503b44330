package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	t.Setenv("UTIL_TEST_BOOL", "yes")
	if !ParseBoolEnv("UTIL_TEST_BOOL", false) {
		t.Error("expected true for 'yes'")
	}
	t.Setenv("UTIL_TEST_BOOL", "garbage")
	if ParseBoolEnv("UTIL_TEST_BOOL", false) {
		t.Error("expected default false for invalid value")
	}
	if ParseBoolEnv("UTIL_TEST_UNSET", true) != true {
		t.Error("expected default for unset key")
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("UTIL_TEST_DUR", "90s")
	if got := ParseDurationEnv("UTIL_TEST_DUR", time.Minute); got != 90*time.Second {
		t.Errorf("got %v, want 90s", got)
	}
	t.Setenv("UTIL_TEST_DUR", "not-a-duration")
	if got := ParseDurationEnv("UTIL_TEST_DUR", time.Minute); got != time.Minute {
		t.Errorf("got %v, want default 1m", got)
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("UTIL_TEST_INT", "42")
	if got := ParseIntEnv("UTIL_TEST_INT", 7); got != 42 {
		t.Errorf("got %d, want 42", got)
	}
	t.Setenv("UTIL_TEST_INT", "4.2")
	if got := ParseIntEnv("UTIL_TEST_INT", 7); got != 7 {
		t.Errorf("got %d, want default 7", got)
	}
}
