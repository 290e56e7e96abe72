package executor_test

import (
	"testing"

	"github.com/cloud-shuttle/adw/internal/executor"
	"github.com/google/go-cmp/cmp"
)

type testCase struct {
	TestName string `json:"test_name"`
	Passed   bool   `json:"passed"`
}

func TestExtract(t *testing.T) {
	want := []testCase{{"unit", true}, {"lint", false}}

	tests := []struct {
		name string
		in   string
	}{
		{"bare", `[{"test_name":"unit","passed":true},{"test_name":"lint","passed":false}]`},
		{"fenced", "Here are the results:\n```json\n[{\"test_name\":\"unit\",\"passed\":true},\n{\"test_name\":\"lint\",\"passed\":false}]\n```\nDone."},
		{"plain fence", "```\n[{\"test_name\":\"unit\",\"passed\":true},{\"test_name\":\"lint\",\"passed\":false}]\n```"},
		{"prose around", "I ran them.\n[{\"test_name\":\"unit\",\"passed\":true},{\"test_name\":\"lint\",\"passed\":false}]\nAll done."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := executor.Extract[[]testCase](tt.in)
			if err != nil {
				t.Fatalf("Extract() error = %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("Extract() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestExtract_Garbage(t *testing.T) {
	if _, err := executor.Extract[[]testCase]("the tests look fine to me"); err == nil {
		t.Error("Extract() accepted non-JSON output")
	}
}
