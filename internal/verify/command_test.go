package verify

import (
	"context"
	"runtime"
	"testing"
	"time"
)

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("command checks exercised on unix shells only")
	}
}

func TestCommandCheckParsesMeasuredValue(t *testing.T) {
	skipWithoutShell(t)
	check := CommandCheck(t.TempDir(), []string{"sh", "-c", "echo 'throughput: 1234 records/s'; echo 1234"})
	outcome, err := check(context.Background(), testDoc(), testRequest())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !outcome.Passed {
		t.Fatalf("zero exit should pass: %+v", outcome)
	}
	if outcome.Measured == nil || *outcome.Measured != 1234 {
		t.Fatalf("expected measured 1234, got %+v", outcome.Measured)
	}
}

func TestCommandCheckFailsOnNonZeroExit(t *testing.T) {
	skipWithoutShell(t)
	check := CommandCheck(t.TempDir(), []string{"sh", "-c", "echo 'boundary violated'; exit 3"})
	outcome, err := check(context.Background(), testDoc(), testRequest())
	if err != nil {
		t.Fatalf("nonzero exit is a check failure, not an execution error: %v", err)
	}
	if outcome.Passed {
		t.Fatalf("expected failure outcome")
	}
	if outcome.Message != "boundary violated" {
		t.Fatalf("expected last output line as message, got %q", outcome.Message)
	}
}

func TestCommandCheckReportsMissingBinaryAsError(t *testing.T) {
	skipWithoutShell(t)
	check := CommandCheck(t.TempDir(), []string{"definitely-not-a-real-binary-4711"})
	if _, err := check(context.Background(), testDoc(), testRequest()); err == nil {
		t.Fatalf("expected execution error for missing binary")
	}
}

func TestCommandCheckReportsTimeout(t *testing.T) {
	skipWithoutShell(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	check := CommandCheck(t.TempDir(), []string{"sleep", "5"})
	if _, err := check(ctx, testDoc(), testRequest()); err == nil {
		t.Fatalf("expected timeout to surface as an execution error")
	}
}

func TestLastNumericToken(t *testing.T) {
	cases := []struct {
		output string
		want   *float64
	}{
		{"coverage: 84.5%", ptr(84.5)},
		{"processed 1500 rows in 2 batches", ptr(2)},
		{"all good", nil},
		{"", nil},
	}
	for _, tc := range cases {
		got := lastNumericToken(tc.output)
		switch {
		case tc.want == nil && got != nil:
			t.Errorf("lastNumericToken(%q) = %v, want nil", tc.output, *got)
		case tc.want != nil && (got == nil || *got != *tc.want):
			t.Errorf("lastNumericToken(%q) = %v, want %v", tc.output, got, *tc.want)
		}
	}
}

func ptr(v float64) *float64 { return &v }
