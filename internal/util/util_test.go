package util

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateRandomID(t *testing.T) {
	tests := []struct {
		name       string
		prefix     string
		hexLength  int
		wantLength int // prefix + hexLength
	}{
		{"message ID format", "msg_", 16, 20},
		{"event ID format", "evt_", 16, 20},
		{"no prefix", "", 8, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GenerateRandomID(tt.prefix, tt.hexLength)
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("GenerateRandomID() = %v, want prefix %v", got, tt.prefix)
			}
			if len(got) != tt.wantLength {
				t.Errorf("GenerateRandomID() length = %v, want %v", len(got), tt.wantLength)
			}
			for _, c := range strings.TrimPrefix(got, tt.prefix) {
				if !strings.ContainsRune("0123456789abcdef", c) {
					t.Errorf("non-hex character %q in %v", c, got)
				}
			}
		})
	}
}

func TestGenerateRandomHexZeroLength(t *testing.T) {
	if got := GenerateRandomHex(0); got != "" {
		t.Errorf("GenerateRandomHex(0) = %q, want empty", got)
	}
}

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"true", false, true},
		{"1", false, true},
		{"YES", false, true},
		{"off", true, false},
		{"0", true, false},
		{"", true, true},
		{"garbage", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("INTAKEFLOW_TEST_BOOL", tt.value)
			if got := ParseBoolEnv("INTAKEFLOW_TEST_BOOL", tt.def); got != tt.want {
				t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
			}
		})
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("INTAKEFLOW_TEST_INT", "42")
	if got := ParseIntEnv("INTAKEFLOW_TEST_INT", 7); got != 42 {
		t.Errorf("ParseIntEnv = %d, want 42", got)
	}
	t.Setenv("INTAKEFLOW_TEST_INT", "not-a-number")
	if got := ParseIntEnv("INTAKEFLOW_TEST_INT", 7); got != 7 {
		t.Errorf("ParseIntEnv with invalid value = %d, want default 7", got)
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("INTAKEFLOW_TEST_DUR", "90s")
	if got := ParseDurationEnv("INTAKEFLOW_TEST_DUR", time.Minute); got != 90*time.Second {
		t.Errorf("ParseDurationEnv = %v, want 90s", got)
	}
	t.Setenv("INTAKEFLOW_TEST_DUR", "soon")
	if got := ParseDurationEnv("INTAKEFLOW_TEST_DUR", time.Minute); got != time.Minute {
		t.Errorf("ParseDurationEnv with invalid value = %v, want default 1m", got)
	}
}
