package format

import (
	"testing"
)

func TestHumanBytes(t *testing.T) {
	type testCase struct {
		input    int64
		expected string
	}

	tests := []testCase{
		{0, "0 B"},
		{1, "1 B"},
		{999, "999 B"},
		{1001, "1.0 KB"},
		{1500, "1.5 KB"},
		{1000000, "1000.0 KB"},
		{1500000, "1.5 MB"},
		{1048576000, "1.0 GB"},
		{2000000000000, "2.0 TB"},
	}

	for _, tc := range tests {
		t.Run(tc.expected, func(t *testing.T) {
			if result := HumanBytes(tc.input); result != tc.expected {
				t.Errorf("expected %q, got %q", tc.expected, result)
			}
		})
	}
}

func TestHumanNumber(t *testing.T) {
	type testCase struct {
		input    uint64
		expected string
	}

	tests := []testCase{
		{0, "0"},
		{999, "999"},
		{1000, "1.00K"},
		{1230000, "1.23M"},
		{68200000, "68.2M"},
		{1310000000, "1.31B"},
	}

	for _, tc := range tests {
		t.Run(tc.expected, func(t *testing.T) {
			if result := HumanNumber(tc.input); result != tc.expected {
				t.Errorf("expected %q, got %q", tc.expected, result)
			}
		})
	}
}

func TestHumanBits(t *testing.T) {
	if got := HumanBits(4.5); got != "4.50-bit" {
		t.Errorf("expected %q, got %q", "4.50-bit", got)
	}

	if got := HumanBits(6); got != "6.00-bit" {
		t.Errorf("expected %q, got %q", "6.00-bit", got)
	}
}
