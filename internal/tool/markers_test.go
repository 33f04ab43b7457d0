package tool

import (
	"reflect"
	"testing"
)

// TestScanSignal checks marker recognition, including precedence when a
// transcript carries more than one marker.
func TestScanSignal(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   Signal
	}{
		{"no marker", "did some work\n", SignalNone},
		{"complete", "all done\nTASK_COMPLETE\n", SignalComplete},
		{"blocked", "need credentials\nTASK_BLOCKED\n", SignalBlocked},
		{"failed", "cannot do this\nTASK_FAILED\n", SignalFailed},
		{"marker mid-line", "status: TASK_COMPLETE (verified)", SignalComplete},
		{"first marker wins", "TASK_FAILED\nlater I changed my mind\nTASK_COMPLETE\n", SignalFailed},
		{"complete before blocked", "TASK_COMPLETE then TASK_BLOCKED", SignalComplete},
		{"empty output", "", SignalNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ScanSignal([]byte(tt.output)); got != tt.want {
				t.Errorf("ScanSignal(%q) = %v, want %v", tt.output, got, tt.want)
			}
		})
	}
}

func TestExtractLearnings(t *testing.T) {
	output := []byte(`working on it
LEARNING: the lint config lives in .config/
noise line
  LEARNING: tests need TZ=UTC
LEARNING:
done`)

	got := ExtractLearnings(output)
	want := []string{"the lint config lives in .config/", "tests need TZ=UTC"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ExtractLearnings = %v, want %v", got, want)
	}
}

func TestExtractCounts(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   Counts
	}{
		{"jest style", "Tests: 2 failed, 14 passed, 16 total", Counts{Passed: 14, Failed: 2}},
		{"compiler style", "build finished with 3 errors", Counts{Errors: 3}},
		{"nothing", "quiet run", Counts{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractCounts([]byte(tt.output)); got != tt.want {
				t.Errorf("ExtractCounts(%q) = %+v, want %+v", tt.output, got, tt.want)
			}
		})
	}
}
